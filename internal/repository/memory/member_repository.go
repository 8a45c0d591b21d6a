// Package memory holds process-local repositories used in development and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"family-vault/internal/model"
)

type MemberRepository struct {
	mu       sync.RWMutex
	byID     map[string]*model.Member
	byCert   map[string]string
	nameToID map[string]string
}

func NewMemberRepository() *MemberRepository {
	return &MemberRepository{
		byID:     make(map[string]*model.Member),
		byCert:   make(map[string]string),
		nameToID: make(map[string]string),
	}
}

func cloneMember(m *model.Member) *model.Member {
	c := *m
	if m.CertExpiresAt != nil {
		t := *m.CertExpiresAt
		c.CertExpiresAt = &t
	}
	if m.LastLoginAt != nil {
		t := *m.LastLoginAt
		c.LastLoginAt = &t
	}
	return &c
}

func (r *MemberRepository) Create(_ context.Context, m *model.Member) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.byID[m.MemberID]; ok {
		return fmt.Errorf("member %s: %w", m.MemberID, model.ErrAlreadyExists)
	}
	if _, ok := r.byCert[m.CertificateHash]; ok {
		return fmt.Errorf("certificate hash: %w", model.ErrAlreadyExists)
	}
	if _, ok := r.nameToID[m.Name]; ok {
		return fmt.Errorf("member name %s: %w", m.Name, model.ErrAlreadyExists)
	}
	r.byID[m.MemberID] = cloneMember(m)
	r.byCert[m.CertificateHash] = m.MemberID
	r.nameToID[m.Name] = m.MemberID
	return nil
}

func (r *MemberRepository) GetByID(_ context.Context, memberID string) (*model.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byID[memberID]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneMember(m), nil
}

func (r *MemberRepository) GetByCertificateHash(_ context.Context, certHash string) (*model.Member, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byCert[certHash]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneMember(r.byID[id]), nil
}

func (r *MemberRepository) RecordLogin(_ context.Context, memberID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[memberID]
	if !ok {
		return model.ErrNotFound
	}
	m.LoginCount++
	t := at
	m.LastLoginAt = &t
	m.UpdatedAt = at
	return nil
}

func (r *MemberRepository) Deactivate(_ context.Context, memberID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.byID[memberID]
	if !ok {
		return model.ErrNotFound
	}
	m.IsActive = false
	m.UpdatedAt = time.Now().UTC()
	return nil
}
