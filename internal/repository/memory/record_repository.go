package memory

import (
	"context"
	"fmt"
	"sync"

	"family-vault/internal/model"
)

type PasswordRecordRepository struct {
	mu      sync.RWMutex
	records map[string]*model.PasswordRecord
}

func NewPasswordRecordRepository() *PasswordRecordRepository {
	return &PasswordRecordRepository{records: make(map[string]*model.PasswordRecord)}
}

func (r *PasswordRecordRepository) Create(_ context.Context, rec *model.PasswordRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[rec.RecordID]; ok {
		return fmt.Errorf("record %s: %w", rec.RecordID, model.ErrAlreadyExists)
	}
	c := *rec
	r.records[rec.RecordID] = &c
	return nil
}

func (r *PasswordRecordRepository) List(_ context.Context) ([]*model.PasswordRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*model.PasswordRecord, 0, len(r.records))
	for _, rec := range r.records {
		c := *rec
		out = append(out, &c)
	}
	return out, nil
}
