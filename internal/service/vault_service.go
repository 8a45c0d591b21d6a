package service

import (
	"context"
	"errors"
	"time"

	"family-vault/internal/audit"
	"family-vault/internal/authz"
	"family-vault/internal/model"
	"family-vault/internal/password"
)

// DashboardStats aggregates the vault's records for an authenticated member.
func (s *AuthService) DashboardStats(ctx context.Context, meta RequestMeta, token string) (*model.DashboardStats, error) {
	member, err := s.Authorize(ctx, meta, token, authz.PasswordRead)
	if err != nil {
		return nil, err
	}

	records, err := s.records.List(ctx)
	if err != nil {
		s.record(ctx, meta, member.MemberID, audit.ActionDashboardStatsError, false, map[string]any{"error": err.Error()})
		return nil, systemError(err)
	}

	stats := ComputeStats(records, s.now())
	s.record(ctx, meta, member.MemberID, audit.ActionDashboardStatsAccess, true, nil)
	return stats, nil
}

// ComputeStats counts records, those created since the first day of now's
// month (UTC), weak ones, and duplicates by identical ciphertext.
func ComputeStats(records []*model.PasswordRecord, now time.Time) *model.DashboardStats {
	now = now.UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)

	stats := &model.DashboardStats{TotalPasswords: len(records), LastUpdated: now}
	groups := make(map[string]int, len(records))
	for _, r := range records {
		if !r.CreatedAt.Before(monthStart) {
			stats.RecentlyAdded++
		}
		if r.Strength == "weak" {
			stats.WeakPasswords++
		}
		groups[r.Ciphertext]++
	}
	for _, n := range groups {
		if n > 1 {
			stats.DuplicatePasswords += n - 1
		}
	}
	return stats
}

type GeneratedPassword struct {
	Password string            `json:"password"`
	Strength password.Strength `json:"strength"`
}

// GeneratePassword returns a random password for an authenticated member.
func (s *AuthService) GeneratePassword(ctx context.Context, meta RequestMeta, token string, opts password.Options) (*GeneratedPassword, error) {
	member, err := s.Authorize(ctx, meta, token, authz.PasswordWrite)
	if err != nil {
		return nil, err
	}

	pw, err := password.Generate(opts)
	if err != nil {
		s.record(ctx, meta, member.MemberID, audit.ActionPasswordGenerateFailed, false, map[string]any{
			"length": opts.Length,
			"error":  err.Error(),
		})
		if errors.Is(err, password.ErrInvalidOptions) {
			return nil, &FlowError{Err: ErrInvalidInput, Cause: err, Details: map[string]any{"options": err.Error()}}
		}
		return nil, systemError(err)
	}

	s.record(ctx, meta, member.MemberID, audit.ActionPasswordGenerated, true, map[string]any{"length": opts.Length})
	return &GeneratedPassword{Password: pw, Strength: password.Score(pw)}, nil
}
