package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"family-vault/internal/model"
)

// SessionRepository serializes every write under one mutex, which gives the
// conditional Promote the same semantics as a compare-and-set.
type SessionRepository struct {
	mu      sync.RWMutex
	byID    map[string]*model.Session
	byToken map[string]string
}

func NewSessionRepository() *SessionRepository {
	return &SessionRepository{
		byID:    make(map[string]*model.Session),
		byToken: make(map[string]string),
	}
}

func cloneSession(s *model.Session) *model.Session {
	c := *s
	return &c
}

func (r *SessionRepository) Create(_ context.Context, s *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.SessionID]; ok {
		return fmt.Errorf("session %s: %w", s.SessionID, model.ErrAlreadyExists)
	}
	if _, ok := r.byToken[s.Token]; ok {
		return fmt.Errorf("session token: %w", model.ErrAlreadyExists)
	}
	r.byID[s.SessionID] = cloneSession(s)
	r.byToken[s.Token] = s.SessionID
	return nil
}

func (r *SessionRepository) GetByToken(_ context.Context, token string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byToken[token]
	if !ok {
		return nil, model.ErrNotFound
	}
	return cloneSession(r.byID[id]), nil
}

func (r *SessionRepository) Touch(_ context.Context, sessionID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return model.ErrNotFound
	}
	s.LastAccessedAt = at
	return nil
}

func (r *SessionRepository) Promote(_ context.Context, sessionID string, p model.Promotion) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return model.ErrNotFound
	}
	if !s.IsActive || s.Stage != model.StageCertificateValidated || s.Token != p.FromToken {
		return model.ErrStaleSession
	}
	next, err := s.Stage.Promote()
	if err != nil {
		return err
	}

	delete(r.byToken, s.Token)
	s.Token = p.NewToken
	s.Stage = next
	s.ExpiresAt = p.ExpiresAt
	s.Trusted = p.Trusted
	s.LastAccessedAt = p.At
	r.byToken[p.NewToken] = sessionID
	return nil
}

func (r *SessionRepository) Deactivate(_ context.Context, sessionID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[sessionID]
	if !ok {
		return false, model.ErrNotFound
	}
	was := s.IsActive
	s.IsActive = false
	return was, nil
}

func (r *SessionRepository) ListByMember(_ context.Context, memberID string) ([]*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Session
	for _, s := range r.byID {
		if s.MemberID == memberID {
			out = append(out, cloneSession(s))
		}
	}
	sortSessions(out)
	return out, nil
}

func (r *SessionRepository) ListActive(_ context.Context) ([]*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*model.Session
	for _, s := range r.byID {
		if s.IsActive {
			out = append(out, cloneSession(s))
		}
	}
	sortSessions(out)
	return out, nil
}

func sortSessions(s []*model.Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
}
