package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"family-vault/internal/model"
	"family-vault/internal/util"
)

// SessionRepository stores sessions with token and member lookup tables. Index
// rows carry a TTL slightly past the session expiry.
type SessionRepository struct {
	client *ScyllaClient
	now    func() time.Time
}

func NewSessionRepository(client *ScyllaClient) *SessionRepository {
	return &SessionRepository{client: client, now: time.Now}
}

var _ model.SessionRepository = (*SessionRepository)(nil)

const indexGrace = time.Hour

func (r *SessionRepository) indexTTL(expiresAt time.Time) int {
	ttl := int((expiresAt.Sub(r.now()) + indexGrace).Seconds())
	if ttl < 1 {
		ttl = 1
	}
	return ttl
}

func (r *SessionRepository) Create(ctx context.Context, s *model.Session) error {
	st := r.client.Statements
	device, err := json.Marshal(s.Device)
	if err != nil {
		return fmt.Errorf("failed to encode device: %w", err)
	}

	applied, err := r.client.Query(ctx, st.CreateSession,
		s.SessionID, s.Token, s.MemberID, s.CertFingerprint, string(s.Stage), string(device),
		s.IPAddress, s.Trusted, s.ExpiresAt.UTC(), s.CreatedAt.UTC(), s.LastAccessedAt.UTC(), s.IsActive,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		util.Error("Failed to create session", zap.String("session_id", s.SessionID), zap.Error(err))
		return fmt.Errorf("failed to create session: %w", err)
	}
	if !applied {
		return fmt.Errorf("session %s: %w", s.SessionID, model.ErrAlreadyExists)
	}

	ttl := r.indexTTL(s.ExpiresAt)
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batch.Query(st.CreateSessionToken, s.Token, s.SessionID, ttl)
	batch.Query(st.CreateMemberSession, s.MemberID, s.SessionID, ttl)
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	return nil
}

func scanSession(scan func(dest ...interface{}) error) (*model.Session, error) {
	var (
		s             model.Session
		stage, device string
	)
	err := scan(&s.SessionID, &s.Token, &s.MemberID, &s.CertFingerprint, &stage, &device,
		&s.IPAddress, &s.Trusted, &s.ExpiresAt, &s.CreatedAt, &s.LastAccessedAt, &s.IsActive)
	if err != nil {
		return nil, err
	}
	s.Stage = model.Stage(stage)
	if device != "" {
		if err := json.Unmarshal([]byte(device), &s.Device); err != nil {
			return nil, fmt.Errorf("failed to decode device: %w", err)
		}
	}
	return &s, nil
}

func (r *SessionRepository) get(ctx context.Context, sessionID string) (*model.Session, error) {
	q := r.client.Query(ctx, r.client.Statements.GetSession, sessionID)
	s, err := scanSession(func(dest ...interface{}) error { return r.client.ScanWithRetry(q, dest...) })
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return s, nil
}

func (r *SessionRepository) GetByToken(ctx context.Context, token string) (*model.Session, error) {
	var sessionID string
	q := r.client.Query(ctx, r.client.Statements.GetSessionIDByToken, token)
	if err := r.client.ScanWithRetry(q, &sessionID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up session token: %w", err)
	}

	s, err := r.get(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	// The index row may outlive a rotation.
	if s.Token != token {
		return nil, model.ErrNotFound
	}
	return s, nil
}

func (r *SessionRepository) Touch(ctx context.Context, sessionID string, at time.Time) error {
	applied, err := r.client.Query(ctx, r.client.Statements.TouchSession, at.UTC(), sessionID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to touch session: %w", err)
	}
	if !applied {
		return model.ErrNotFound
	}
	return nil
}

// Promote rewrites the session only if it is still the active stage-1 session
// holding p.FromToken.
func (r *SessionRepository) Promote(ctx context.Context, sessionID string, p model.Promotion) error {
	st := r.client.Statements
	applied, err := r.client.Query(ctx, st.PromoteSession,
		string(model.StageAuthenticated), p.NewToken, p.ExpiresAt.UTC(), p.Trusted, p.At.UTC(),
		sessionID, string(model.StageCertificateValidated), p.FromToken,
	).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to promote session: %w", err)
	}
	if !applied {
		return model.ErrStaleSession
	}

	s, err := r.get(ctx, sessionID)
	if err != nil {
		return err
	}
	ttl := r.indexTTL(p.ExpiresAt)
	batch := r.client.Session.NewBatch(gocql.UnloggedBatch).WithContext(ctx)
	batch.Query(st.CreateSessionToken, p.NewToken, sessionID, ttl)
	batch.Query(st.DeleteSessionToken, p.FromToken)
	batch.Query(st.CreateMemberSession, s.MemberID, sessionID, ttl)
	if err := r.client.Session.ExecuteBatch(batch); err != nil {
		return fmt.Errorf("failed to rotate session token: %w", err)
	}
	return nil
}

func (r *SessionRepository) Deactivate(ctx context.Context, sessionID string) (bool, error) {
	applied, err := r.client.Query(ctx, r.client.Statements.DeactivateSession, sessionID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return false, fmt.Errorf("failed to deactivate session: %w", err)
	}
	return applied, nil
}

func (r *SessionRepository) ListByMember(ctx context.Context, memberID string) ([]*model.Session, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListMemberSessions, memberID).Iter()
	var ids []string
	var id string
	for iter.Scan(&id) {
		ids = append(ids, id)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list member sessions: %w", err)
	}

	out := make([]*model.Session, 0, len(ids))
	for _, id := range ids {
		s, err := r.get(ctx, id)
		if errors.Is(err, model.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	sortByCreated(out)
	return out, nil
}

// ListActive scans the sessions table. A family vault holds few sessions.
func (r *SessionRepository) ListActive(ctx context.Context) ([]*model.Session, error) {
	iter := r.client.Query(ctx, r.client.Statements.ListSessions).Iter()
	var out []*model.Session
	for {
		s, err := scanSession(func(dest ...interface{}) error {
			if !iter.Scan(dest...) {
				return errIterDone
			}
			return nil
		})
		if errors.Is(err, errIterDone) {
			break
		}
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		if s.IsActive {
			out = append(out, s)
		}
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	sortByCreated(out)
	return out, nil
}

var errIterDone = errors.New("iterator exhausted")

func sortByCreated(s []*model.Session) {
	sort.Slice(s, func(i, j int) bool { return s[i].CreatedAt.Before(s[j].CreatedAt) })
}
