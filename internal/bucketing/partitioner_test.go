package bucketing

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBucketStableAndInRange(t *testing.T) {
	p := NewPartitioner(16)
	seen := make(map[int]bool)
	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("member-%d", i)
		b := p.Bucket(id)
		assert.GreaterOrEqual(t, b, 0)
		assert.Less(t, b, 16)
		assert.Equal(t, b, p.Bucket(id))
		seen[b] = true
	}
	assert.Greater(t, len(seen), 8, "murmur3 should spread ids over most buckets")
}

func TestForUsesUTCDay(t *testing.T) {
	p := NewPartitioner(0)
	assert.Equal(t, 1, p.Buckets())

	ts := time.Date(2026, 2, 3, 23, 30, 0, 0, time.FixedZone("x", -3600))
	assert.Equal(t, Partition{Date: "2026-02-04", Bucket: 0}, p.For("anything", ts))
}
