// Package bucketing spreads security events over day partitions so a busy
// member or address never produces a hot partition.
package bucketing

import (
	"time"

	"github.com/spaolacci/murmur3"
)

const dateLayout = "2006-01-02"

// Partition addresses one slice of the security event table.
type Partition struct {
	Date   string
	Bucket int
}

type Partitioner struct {
	buckets int
}

// NewPartitioner returns a partitioner with buckets slices per day; values
// below one are treated as one.
func NewPartitioner(buckets int) *Partitioner {
	if buckets <= 0 {
		buckets = 1
	}
	return &Partitioner{buckets: buckets}
}

func (p *Partitioner) Buckets() int {
	return p.buckets
}

// Bucket maps key to a stable value in [0, Buckets()).
func (p *Partitioner) Bucket(key string) int {
	return int(murmur3.Sum64([]byte(key)) % uint64(p.buckets))
}

// For places an event keyed by key at time at. Days are UTC.
func (p *Partitioner) For(key string, at time.Time) Partition {
	return Partition{Date: at.UTC().Format(dateLayout), Bucket: p.Bucket(key)}
}
