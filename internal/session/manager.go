// Package session drives the two-stage login state machine.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"family-vault/internal/hashing"
	"family-vault/internal/metrics"
	"family-vault/internal/model"
	"family-vault/internal/util"

	"github.com/google/uuid"
)

var (
	// ErrSessionInvalid covers unknown, expired, deactivated, wrong-stage and
	// fingerprint-mismatched sessions.
	ErrSessionInvalid = errors.New("session invalid")
	ErrUserInactive   = errors.New("member inactive")
)

type Manager struct {
	sessions model.SessionRepository
	members  model.MemberRepository
	now      func() time.Time
	newToken func() (string, error)
}

func NewManager(sessions model.SessionRepository, members model.MemberRepository) *Manager {
	return &Manager{
		sessions: sessions,
		members:  members,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: hashing.SecureRandomToken,
	}
}

// WithClock replaces the time source.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

type CreateParams struct {
	Member          *model.Member
	CertFingerprint string
	Device          model.DeviceInfo
	IPAddress       string
	// Stage defaults to StageCertificateValidated, the only stage a session may start in.
	Stage model.Stage
	TTL   time.Duration
}

// Create persists a new stage-1 session and bumps the member's login counter.
// If the counter cannot be updated the session is deactivated again and the
// error is returned.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*model.Session, error) {
	if p.Member == nil {
		return nil, fmt.Errorf("create session: nil member")
	}
	if p.Stage == "" {
		p.Stage = model.StageCertificateValidated
	}
	if p.Stage != model.StageCertificateValidated {
		return nil, fmt.Errorf("%w: sessions start at %s", model.ErrInvalidStage, model.StageCertificateValidated)
	}
	if p.TTL <= 0 {
		return nil, fmt.Errorf("create session: ttl must be positive")
	}

	token, err := m.newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	s := &model.Session{
		SessionID:       uuid.NewString(),
		Token:           token,
		MemberID:        p.Member.MemberID,
		CertFingerprint: hashing.NormalizeFingerprint(p.CertFingerprint),
		Stage:           p.Stage,
		Device:          p.Device,
		IPAddress:       p.IPAddress,
		ExpiresAt:       now.Add(p.TTL),
		CreatedAt:       now,
		LastAccessedAt:  now,
		IsActive:        true,
	}

	if err := m.sessions.Create(ctx, s); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}

	if err := m.members.RecordLogin(ctx, p.Member.MemberID, now); err != nil {
		if _, derr := m.sessions.Deactivate(ctx, s.SessionID); derr != nil {
			util.Error("Failed to roll back session",
				util.String("session_id", s.SessionID),
				util.Token("token", s.Token),
				util.MemberID(s.MemberID),
				util.ErrorField(derr))
		}
		return nil, fmt.Errorf("failed to record login: %w", err)
	}

	metrics.SessionTransitionsTotal.WithLabelValues("created").Inc()
	return s, nil
}

// Validate resolves token to a usable session bound to certFingerprint and
// refreshes its last-accessed time.
func (m *Manager) Validate(ctx context.Context, token, certFingerprint string) (*model.Session, *model.Member, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return nil, nil, err
	}
	if !hashing.ConstantTimeEquals(s.CertFingerprint, hashing.NormalizeFingerprint(certFingerprint)) {
		return nil, nil, fmt.Errorf("%w: certificate fingerprint mismatch", ErrSessionInvalid)
	}

	member, err := m.activeMember(ctx, s.MemberID)
	if err != nil {
		return nil, nil, err
	}

	now := m.now()
	if err := m.sessions.Touch(ctx, s.SessionID, now); err != nil {
		return nil, nil, fmt.Errorf("failed to touch session: %w", err)
	}
	s.LastAccessedAt = now
	return s, member, nil
}

// LookupStage resolves token to a usable session in exactly the given stage.
func (m *Manager) LookupStage(ctx context.Context, token string, stage model.Stage) (*model.Session, error) {
	s, err := m.lookup(ctx, token)
	if err != nil {
		return nil, err
	}
	if s.Stage != stage {
		return nil, fmt.Errorf("%w: session is %s", ErrSessionInvalid, s.Stage)
	}
	return s, nil
}

// Member returns the active owner of a session.
func (m *Manager) Member(ctx context.Context, s *model.Session) (*model.Member, error) {
	return m.activeMember(ctx, s.MemberID)
}

// Promote moves a stage-1 session to StageAuthenticated in place with a fresh
// token. A session that is already authenticated is rejected with
// model.ErrInvalidStage; a lost race returns model.ErrStaleSession.
func (m *Manager) Promote(ctx context.Context, s *model.Session, trusted bool, ttl time.Duration) (*model.Session, error) {
	next, err := s.Stage.Promote()
	if err != nil {
		return nil, err
	}
	token, err := m.newToken()
	if err != nil {
		return nil, err
	}
	now := m.now()
	p := model.Promotion{
		FromToken: s.Token,
		NewToken:  token,
		ExpiresAt: now.Add(ttl),
		Trusted:   trusted,
		At:        now,
	}
	if err := m.sessions.Promote(ctx, s.SessionID, p); err != nil {
		return nil, err
	}

	promoted := *s
	promoted.Token = token
	promoted.Stage = next
	promoted.ExpiresAt = p.ExpiresAt
	promoted.Trusted = trusted
	promoted.LastAccessedAt = now
	metrics.SessionTransitionsTotal.WithLabelValues("promoted").Inc()
	return &promoted, nil
}

// Invalidate deactivates the session holding token. It reports false when no
// active session matched; repeated calls are harmless.
func (m *Manager) Invalidate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	s, err := m.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if !hashing.ConstantTimeEquals(s.Token, token) {
		return false, nil
	}
	was, err := m.sessions.Deactivate(ctx, s.SessionID)
	if err != nil {
		return false, err
	}
	if was {
		metrics.SessionTransitionsTotal.WithLabelValues("invalidated").Inc()
	}
	return was, nil
}

// InvalidateOthers deactivates every active session of memberID except the one
// holding exceptToken and returns how many were deactivated.
func (m *Manager) InvalidateOthers(ctx context.Context, memberID, exceptToken string) (int, error) {
	sessions, err := m.sessions.ListByMember(ctx, memberID)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, s := range sessions {
		if !s.IsActive || hashing.ConstantTimeEquals(s.Token, exceptToken) {
			continue
		}
		was, err := m.sessions.Deactivate(ctx, s.SessionID)
		if err != nil {
			return count, err
		}
		if was {
			count++
		}
	}
	metrics.SessionTransitionsTotal.WithLabelValues("invalidated").Add(float64(count))
	return count, nil
}

// SweepExpired deactivates active sessions whose expiry has passed.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	sessions, err := m.sessions.ListActive(ctx)
	if err != nil {
		return 0, err
	}
	now := m.now()
	count := 0
	for _, s := range sessions {
		if s.Usable(now) {
			continue
		}
		was, err := m.sessions.Deactivate(ctx, s.SessionID)
		if err != nil {
			return count, err
		}
		if was {
			count++
		}
	}
	metrics.SessionTransitionsTotal.WithLabelValues("swept").Add(float64(count))
	return count, nil
}

// ActiveSessionCount counts the member's active, unexpired sessions.
func (m *Manager) ActiveSessionCount(ctx context.Context, memberID string) (int, error) {
	sessions, err := m.sessions.ListByMember(ctx, memberID)
	if err != nil {
		return 0, err
	}
	now := m.now()
	count := 0
	for _, s := range sessions {
		if s.Usable(now) {
			count++
		}
	}
	return count, nil
}

// StartSweeper runs SweepExpired every interval until ctx is cancelled.
func (m *Manager) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				n, err := m.SweepExpired(ctx)
				if err != nil {
					util.Error("Session sweep failed", util.ErrorField(err))
					continue
				}
				if n > 0 {
					util.Info("Expired sessions swept", util.Int("count", n))
				}
			}
		}
	}()
}

func (m *Manager) lookup(ctx context.Context, token string) (*model.Session, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: empty token", ErrSessionInvalid)
	}
	s, err := m.sessions.GetByToken(ctx, token)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, fmt.Errorf("%w: unknown token", ErrSessionInvalid)
		}
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !hashing.ConstantTimeEquals(s.Token, token) {
		return nil, fmt.Errorf("%w: unknown token", ErrSessionInvalid)
	}
	if !s.Usable(m.now()) {
		return nil, fmt.Errorf("%w: expired or inactive", ErrSessionInvalid)
	}
	return s, nil
}

func (m *Manager) activeMember(ctx context.Context, memberID string) (*model.Member, error) {
	member, err := m.members.GetByID(ctx, memberID)
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return nil, ErrUserInactive
		}
		return nil, fmt.Errorf("failed to load member: %w", err)
	}
	if !member.IsActive {
		return nil, ErrUserInactive
	}
	return member, nil
}
