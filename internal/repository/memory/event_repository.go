package memory

import (
	"context"
	"sync"

	"family-vault/internal/model"
)

type SecurityEventRepository struct {
	mu     sync.RWMutex
	events []*model.SecurityEvent
}

func NewSecurityEventRepository() *SecurityEventRepository {
	return &SecurityEventRepository{}
}

func (r *SecurityEventRepository) Append(_ context.Context, e *model.SecurityEvent) error {
	c := *e
	r.mu.Lock()
	r.events = append(r.events, &c)
	r.mu.Unlock()
	return nil
}

// ListByMember returns the newest events first. A non-positive limit returns all.
func (r *SecurityEventRepository) ListByMember(_ context.Context, memberID string, limit int) ([]*model.SecurityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.SecurityEvent
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].MemberID != memberID {
			continue
		}
		c := *r.events[i]
		out = append(out, &c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// All returns every recorded event in insertion order.
func (r *SecurityEventRepository) All() []*model.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.SecurityEvent, len(r.events))
	for i, e := range r.events {
		c := *e
		out[i] = &c
	}
	return out
}
