package scylla

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"family-vault/internal/encryption"
	"family-vault/internal/model"
	"family-vault/internal/util"
)

// VerifierPurpose binds sealed master-password verifiers to their use.
const VerifierPurpose = "master_password"

const maxCASRetries = 5

// Sealer protects the master-password verifier at rest.
type Sealer interface {
	Seal(ctx context.Context, plaintext, purpose string) (*encryption.SealedSecret, error)
	Open(ctx context.Context, sealed *encryption.SealedSecret) (string, error)
}

type MemberRepository struct {
	client *ScyllaClient
	sealer Sealer
}

func NewMemberRepository(client *ScyllaClient, sealer Sealer) *MemberRepository {
	return &MemberRepository{client: client, sealer: sealer}
}

var _ model.MemberRepository = (*MemberRepository)(nil)

// Create claims the member's name and certificate hash with lightweight
// transactions before writing the member row.
func (r *MemberRepository) Create(ctx context.Context, m *model.Member) error {
	st := r.client.Statements

	sealed, err := r.sealer.Seal(ctx, m.MasterPasswordHash, VerifierPurpose)
	if err != nil {
		return fmt.Errorf("failed to seal verifier: %w", err)
	}
	verifier, err := sealed.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode verifier: %w", err)
	}
	prefs, err := json.Marshal(m.Preferences)
	if err != nil {
		return fmt.Errorf("failed to encode preferences: %w", err)
	}

	applied, err := r.client.Query(ctx, st.CreateMemberByName, m.Name, m.MemberID).MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to reserve member name: %w", err)
	}
	if !applied {
		return fmt.Errorf("member name %s: %w", m.Name, model.ErrAlreadyExists)
	}

	applied, err = r.client.Query(ctx, st.CreateMemberByCert, m.CertificateHash, m.MemberID).MapScanCAS(map[string]interface{}{})
	if err != nil || !applied {
		if derr := r.client.Query(ctx, `DELETE FROM members_by_name WHERE name = ?`, m.Name).Exec(); derr != nil {
			util.Warn("Failed to release member name", zap.String("name", m.Name), zap.Error(derr))
		}
		if err != nil {
			return fmt.Errorf("failed to reserve certificate hash: %w", err)
		}
		return fmt.Errorf("certificate hash: %w", model.ErrAlreadyExists)
	}

	err = r.client.Query(ctx, st.CreateMember,
		m.MemberID, m.Name, string(m.Role), m.DisplayName, m.Email, m.CertificateHash,
		nullableTime(m.CertExpiresAt), m.IsActive, m.EncryptionSalt, verifier,
		m.MasterPasswordSalt, m.LoginCount, nullableTime(m.LastLoginAt), string(prefs),
		m.CreatedAt.UTC(), m.UpdatedAt.UTC(),
	).Exec()
	if err != nil {
		util.Error("Failed to create member", zap.String("member_id", m.MemberID), zap.Error(err))
		return fmt.Errorf("failed to create member: %w", err)
	}

	util.Info("Member created",
		zap.String("member_id", m.MemberID),
		zap.String("role", string(m.Role)))
	return nil
}

func (r *MemberRepository) GetByID(ctx context.Context, memberID string) (*model.Member, error) {
	var (
		m                        model.Member
		role, verifier, prefs    string
		certExpires, lastLoginAt time.Time
	)
	q := r.client.Query(ctx, r.client.Statements.GetMemberByID, memberID)
	err := r.client.ScanWithRetry(q,
		&m.MemberID, &m.Name, &role, &m.DisplayName, &m.Email, &m.CertificateHash,
		&certExpires, &m.IsActive, &m.EncryptionSalt, &verifier, &m.MasterPasswordSalt,
		&m.LoginCount, &lastLoginAt, &prefs, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		util.Error("Failed to get member", zap.String("member_id", memberID), zap.Error(err))
		return nil, fmt.Errorf("failed to get member: %w", err)
	}

	m.Role = model.Role(role)
	m.CertExpiresAt = timePtr(certExpires)
	m.LastLoginAt = timePtr(lastLoginAt)
	if prefs != "" {
		if err := json.Unmarshal([]byte(prefs), &m.Preferences); err != nil {
			return nil, fmt.Errorf("failed to decode preferences: %w", err)
		}
	}

	sealed, err := encryption.ParseSealedSecret(verifier)
	if err != nil {
		return nil, err
	}
	m.MasterPasswordHash, err = r.sealer.Open(ctx, sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to open verifier: %w", err)
	}
	return &m, nil
}

func (r *MemberRepository) GetByCertificateHash(ctx context.Context, certHash string) (*model.Member, error) {
	var memberID string
	q := r.client.Query(ctx, r.client.Statements.GetMemberIDByCert, certHash)
	if err := r.client.ScanWithRetry(q, &memberID); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, model.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up certificate: %w", err)
	}
	return r.GetByID(ctx, memberID)
}

// RecordLogin bumps the login counter with compare-and-set so concurrent
// logins are all counted.
func (r *MemberRepository) RecordLogin(ctx context.Context, memberID string, at time.Time) error {
	st := r.client.Statements
	for i := 0; i < maxCASRetries; i++ {
		var count int
		if err := r.client.Query(ctx, st.GetLoginCount, memberID).SerialConsistency(gocql.LocalSerial).Scan(&count); err != nil {
			if errors.Is(err, gocql.ErrNotFound) {
				return model.ErrNotFound
			}
			return fmt.Errorf("failed to read login count: %w", err)
		}

		applied, err := r.client.Query(ctx, st.RecordLogin, count+1, at.UTC(), at.UTC(), memberID, count).
			MapScanCAS(map[string]interface{}{})
		if err != nil {
			return fmt.Errorf("failed to record login: %w", err)
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("failed to record login for %s: too much contention", memberID)
}

func (r *MemberRepository) Deactivate(ctx context.Context, memberID string) error {
	applied, err := r.client.Query(ctx, r.client.Statements.DeactivateMember, time.Now().UTC(), memberID).
		MapScanCAS(map[string]interface{}{})
	if err != nil {
		return fmt.Errorf("failed to deactivate member: %w", err)
	}
	if !applied {
		return model.ErrNotFound
	}
	util.Info("Member deactivated", zap.String("member_id", memberID))
	return nil
}
