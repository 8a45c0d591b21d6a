package model

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	// ErrStaleSession is returned when a conditional session write lost a race.
	ErrStaleSession = errors.New("session state changed concurrently")
)

type MemberRepository interface {
	Create(ctx context.Context, m *Member) error
	GetByID(ctx context.Context, memberID string) (*Member, error)
	GetByCertificateHash(ctx context.Context, certHash string) (*Member, error)
	// RecordLogin increments the login counter and stamps the last-login time.
	RecordLogin(ctx context.Context, memberID string, at time.Time) error
	Deactivate(ctx context.Context, memberID string) error
}

type SessionRepository interface {
	Create(ctx context.Context, s *Session) error
	GetByToken(ctx context.Context, token string) (*Session, error)
	Touch(ctx context.Context, sessionID string, at time.Time) error
	// Promote moves a stage-1 session to StageAuthenticated and rotates its token.
	// It returns ErrStaleSession if the session is no longer an active stage-1
	// session holding p.FromToken.
	Promote(ctx context.Context, sessionID string, p Promotion) error
	// Deactivate flips the active flag and reports whether it was active before.
	Deactivate(ctx context.Context, sessionID string) (bool, error)
	ListByMember(ctx context.Context, memberID string) ([]*Session, error)
	ListActive(ctx context.Context) ([]*Session, error)
}

type SecurityEventRepository interface {
	Append(ctx context.Context, e *SecurityEvent) error
	ListByMember(ctx context.Context, memberID string, limit int) ([]*SecurityEvent, error)
}

type PasswordRecordRepository interface {
	Create(ctx context.Context, r *PasswordRecord) error
	List(ctx context.Context) ([]*PasswordRecord, error)
}
