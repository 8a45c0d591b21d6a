package service

import (
	"context"
	"errors"
	"time"

	"family-vault/internal/audit"
	"family-vault/internal/authz"
	"family-vault/internal/certificate"
	"family-vault/internal/config"
	"family-vault/internal/hashing"
	"family-vault/internal/metrics"
	"family-vault/internal/model"
	"family-vault/internal/ratelimit"
	"family-vault/internal/session"
	"family-vault/internal/util"
)

// Rate limiter actions.
const (
	ActionCertValidation = "cert_validation"
	ActionMasterPassword = "master_password"
	ActionSessionCreate  = "session_create"
)

// Policy holds the authentication budgets and lifetimes.
type Policy struct {
	RateLimit         int
	RateLimitWindow   time.Duration
	CertSessionTTL    time.Duration
	SessionTTL        time.Duration
	TrustedSessionTTL time.Duration
}

func PolicyFromConfig(cfg config.AuthConfig) Policy {
	return Policy{
		RateLimit:         cfg.RateLimit,
		RateLimitWindow:   cfg.RateLimitWindow,
		CertSessionTTL:    cfg.CertSessionTTL,
		SessionTTL:        cfg.SessionTTL,
		TrustedSessionTTL: cfg.TrustedSessionTTL,
	}
}

// DefaultPolicy is 5 attempts per 15 minutes, a 10 minute stage-1 session and
// 8 hour or 30 day stage-2 sessions.
func DefaultPolicy() Policy {
	return Policy{
		RateLimit:         5,
		RateLimitWindow:   15 * time.Minute,
		CertSessionTTL:    10 * time.Minute,
		SessionTTL:        8 * time.Hour,
		TrustedSessionTTL: 30 * 24 * time.Hour,
	}
}

type Dependencies struct {
	Members      model.MemberRepository
	Records      model.PasswordRecordRepository
	Sessions     *session.Manager
	Certificates *certificate.Validator
	Hasher       *hashing.Hasher
	Limiter      ratelimit.Limiter
	Lockout      ratelimit.Lockout
	Audit        *audit.Recorder
}

// AuthService orchestrates certificate validation, master-password
// verification and session lifecycle.
type AuthService struct {
	members  model.MemberRepository
	records  model.PasswordRecordRepository
	sessions *session.Manager
	certs    *certificate.Validator
	hasher   *hashing.Hasher
	limiter  ratelimit.Limiter
	lockout  ratelimit.Lockout
	audit    *audit.Recorder
	policy   Policy
	now      func() time.Time
}

func NewAuthService(deps Dependencies, policy Policy) *AuthService {
	return &AuthService{
		members:  deps.Members,
		records:  deps.Records,
		sessions: deps.Sessions,
		certs:    deps.Certificates,
		hasher:   deps.Hasher,
		limiter:  deps.Limiter,
		lockout:  deps.Lockout,
		audit:    deps.Audit,
		policy:   policy,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the time source.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// RequestMeta is the network origin of a request.
type RequestMeta struct {
	IPAddress string
	UserAgent string
}

func (s *AuthService) record(ctx context.Context, meta RequestMeta, memberID, action string, success bool, details map[string]any) {
	s.audit.Record(ctx, audit.Event{
		MemberID:  memberID,
		Action:    action,
		Success:   success,
		IPAddress: meta.IPAddress,
		UserAgent: meta.UserAgent,
		Details:   details,
	})
}

// RecordInvalidRequest audits a request rejected before it reached a flow,
// such as a malformed or incomplete body.
func (s *AuthService) RecordInvalidRequest(ctx context.Context, meta RequestMeta, operation string, err error) {
	details := map[string]any{"operation": operation}
	for k, v := range Details(err) {
		details[k] = v
	}
	attempt(operation, "invalid_request")
	s.record(ctx, meta, "", audit.ActionInvalidRequest, false, details)
}

// missingToken audits a call to operation that carried no bearer token.
func (s *AuthService) missingToken(ctx context.Context, meta RequestMeta, operation string) error {
	s.record(ctx, meta, "", audit.ActionSessionTokenMissing, false, map[string]any{"operation": operation})
	return flowError(ErrSessionTokenMissing, nil)
}

// sessionError audits a storage failure while operation handled a session.
func (s *AuthService) sessionError(ctx context.Context, meta RequestMeta, memberID, operation string, err error) error {
	s.record(ctx, meta, memberID, audit.ActionSessionError, false, map[string]any{
		"operation": operation,
		"error":     err.Error(),
	})
	return systemError(err)
}

func attempt(flow, outcome string) {
	metrics.AuthAttemptsTotal.WithLabelValues(flow, outcome).Inc()
}

// checkRate counts the request and returns a FlowError once the budget is spent.
func (s *AuthService) checkRate(ctx context.Context, meta RequestMeta, action string) error {
	res, err := s.limiter.Allow(ctx, ratelimit.Key(action, meta.IPAddress), s.policy.RateLimit, s.policy.RateLimitWindow)
	if err != nil {
		util.Error("Rate limiter unavailable", util.String("event", action), util.ErrorField(err))
		s.record(ctx, meta, "", audit.ActionRateLimitError, false, map[string]any{
			"event": action,
			"error": err.Error(),
		})
		return systemError(err)
	}
	if res.Allowed {
		return nil
	}
	metrics.RateLimitedTotal.WithLabelValues(action).Inc()
	s.record(ctx, meta, "", audit.ActionRateLimitExceeded, false, map[string]any{
		"event":      action,
		"retryAfter": res.RetryAfterSeconds(),
	})
	return flowError(ErrRateLimitExceeded, map[string]any{"retryAfter": res.RetryAfterSeconds()})
}

// -------------------- FLOW A: CERTIFICATE VALIDATION --------------------

type CertificateValidateInput struct {
	CertData      string
	CertificateID string // claimed fingerprint
}

type CertificateValidateResult struct {
	TempToken string              `json:"tempToken"`
	Member    model.MemberSummary `json:"member"`
	ExpiresAt time.Time           `json:"expiresAt"`
}

// ValidateCertificate checks the presented certificate and opens a stage-1
// session for its member.
func (s *AuthService) ValidateCertificate(ctx context.Context, meta RequestMeta, in CertificateValidateInput) (*CertificateValidateResult, error) {
	const flow = "certificate"
	if err := s.checkRate(ctx, meta, ActionCertValidation); err != nil {
		attempt(flow, "rate_limited")
		return nil, err
	}
	if in.CertificateID == "" {
		err := flowError(ErrInvalidInput, map[string]any{"certificateId": "required"})
		s.RecordInvalidRequest(ctx, meta, flow, err)
		return nil, err
	}
	if in.CertData == "" {
		attempt(flow, "certificate_missing")
		s.record(ctx, meta, "", audit.ActionCertificateMissing, false, map[string]any{"certificateId": in.CertificateID})
		return nil, flowError(ErrCertificateMissing, nil)
	}

	res, err := s.certs.Validate(ctx, in.CertData, in.CertificateID)
	if err != nil {
		attempt(flow, "error")
		s.record(ctx, meta, "", audit.ActionCertificateValidationError, false, map[string]any{"error": err.Error()})
		return nil, systemError(err)
	}
	if !res.Valid {
		attempt(flow, string(res.Reason))
		s.record(ctx, meta, "", audit.ActionCertificateValidationFailed, false, map[string]any{
			"certificateId": in.CertificateID,
			"reason":        string(res.Reason),
		})
		return nil, flowError(ErrCertificateInvalid, nil)
	}

	sess, err := s.sessions.Create(ctx, session.CreateParams{
		Member:          res.Member,
		CertFingerprint: res.Certificate.Fingerprint,
		Device:          model.DeviceInfo{UserAgent: meta.UserAgent, Platform: "unknown"},
		IPAddress:       meta.IPAddress,
		TTL:             s.policy.CertSessionTTL,
	})
	if err != nil {
		attempt(flow, "error")
		s.record(ctx, meta, res.Member.MemberID, audit.ActionCertificateValidationError, false, map[string]any{"error": err.Error()})
		return nil, systemError(err)
	}

	attempt(flow, "success")
	s.record(ctx, meta, res.Member.MemberID, audit.ActionCertificateValidationSuccess, true, map[string]any{
		"certificateId": in.CertificateID,
		"sessionId":     sess.SessionID,
	})
	return &CertificateValidateResult{
		TempToken: sess.Token,
		Member:    res.Member.Summary(),
		ExpiresAt: sess.ExpiresAt,
	}, nil
}

// -------------------- FLOW B: MASTER PASSWORD --------------------

type MasterPasswordInput struct {
	TempToken      string
	MasterPassword string
	RememberDevice bool
}

type MasterPasswordResult struct {
	Token         string                      `json:"token"`
	Member        model.MemberProfile         `json:"member"`
	KeyDerivation hashing.KeyDerivationParams `json:"keyDerivation"`
	ExpiresAt     time.Time                   `json:"expiresAt"`
}

// VerifyMasterPassword checks the master password for a stage-1 session and
// promotes it with a rotated token.
func (s *AuthService) VerifyMasterPassword(ctx context.Context, meta RequestMeta, in MasterPasswordInput) (*MasterPasswordResult, error) {
	const flow = "master_password"
	if err := s.checkRate(ctx, meta, ActionMasterPassword); err != nil {
		attempt(flow, "rate_limited")
		return nil, err
	}
	if in.TempToken == "" {
		attempt(flow, "token_missing")
		return nil, s.missingToken(ctx, meta, flow)
	}
	if in.MasterPassword == "" {
		err := flowError(ErrInvalidInput, map[string]any{"masterPassword": "required"})
		s.RecordInvalidRequest(ctx, meta, flow, err)
		return nil, err
	}

	invalidToken := func(reason string) error {
		attempt(flow, "invalid_temp_token")
		s.record(ctx, meta, "", audit.ActionInvalidTempToken, false, map[string]any{
			"token":  util.MaskToken(in.TempToken),
			"reason": reason,
		})
		return flowError(ErrInvalidTempToken, nil)
	}
	failure := func(memberID string, err error) error {
		attempt(flow, "error")
		s.record(ctx, meta, memberID, audit.ActionMasterPasswordError, false, map[string]any{"error": err.Error()})
		return systemError(err)
	}

	sess, err := s.sessions.LookupStage(ctx, in.TempToken, model.StageCertificateValidated)
	if err != nil {
		if errors.Is(err, session.ErrSessionInvalid) {
			return nil, invalidToken(err.Error())
		}
		return nil, failure("", err)
	}
	member, err := s.sessions.Member(ctx, sess)
	if err != nil {
		if errors.Is(err, session.ErrUserInactive) {
			return nil, invalidToken("member inactive")
		}
		return nil, failure(sess.MemberID, err)
	}

	locked, err := s.lockout.LockedFor(ctx, member.MemberID)
	if err != nil {
		return nil, failure(member.MemberID, err)
	}
	if locked > 0 {
		attempt(flow, "locked")
		lockTime := ceilSeconds(locked)
		s.record(ctx, meta, member.MemberID, audit.ActionAccountLocked, false, map[string]any{"lockTime": lockTime})
		return nil, flowError(ErrAccountLocked, map[string]any{"lockTime": lockTime})
	}

	start := time.Now()
	ok, err := s.hasher.VerifyMasterPassword(ctx, in.MasterPassword, &hashing.MasterPasswordHash{
		Hash: member.MasterPasswordHash,
		Salt: member.MasterPasswordSalt,
	})
	metrics.KeyDerivationDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, failure(member.MemberID, err)
	}

	if !ok {
		attempts, lockedFor, err := s.lockout.RegisterFailure(ctx, member.MemberID)
		if err != nil {
			return nil, failure(member.MemberID, err)
		}
		attempt(flow, "invalid_password")
		details := map[string]any{"attempts": attempts}
		if lockedFor > 0 {
			details["lockTime"] = ceilSeconds(lockedFor)
			metrics.AccountLocksTotal.Inc()
		}
		s.record(ctx, meta, member.MemberID, audit.ActionMasterPasswordFailed, false, details)
		if lockedFor > 0 {
			s.record(ctx, meta, member.MemberID, audit.ActionAccountLocked, false, map[string]any{"lockTime": details["lockTime"]})
		}
		return nil, flowError(ErrMasterPasswordInvalid, details)
	}

	if err := s.lockout.Reset(ctx, member.MemberID); err != nil {
		util.Warn("Failed to reset lockout", util.MemberID(member.MemberID), util.ErrorField(err))
	}

	ttl := s.policy.SessionTTL
	if in.RememberDevice {
		ttl = s.policy.TrustedSessionTTL
	}
	promoted, err := s.sessions.Promote(ctx, sess, in.RememberDevice, ttl)
	if err != nil {
		if errors.Is(err, model.ErrStaleSession) || errors.Is(err, model.ErrInvalidStage) {
			return nil, invalidToken(err.Error())
		}
		return nil, failure(member.MemberID, err)
	}

	attempt(flow, "success")
	s.record(ctx, meta, member.MemberID, audit.ActionAuthenticationSuccess, true, map[string]any{
		"sessionId": promoted.SessionID,
		"trusted":   in.RememberDevice,
	})
	return &MasterPasswordResult{
		Token:         promoted.Token,
		Member:        member.Profile(),
		KeyDerivation: hashing.NewKeyDerivationParams(member.EncryptionSalt),
		ExpiresAt:     promoted.ExpiresAt,
	}, nil
}

// -------------------- SESSION CREATE --------------------

type CreateSessionInput struct {
	CertData    string
	Fingerprint string
	Device      model.DeviceInfo
}

type CreateSessionResult struct {
	SessionToken string                  `json:"sessionToken"`
	ExpiresAt    time.Time               `json:"expiresAt"`
	User         model.MemberProfile     `json:"user"`
	Certificate  *certificate.Descriptor `json:"certificate"`
}

// CreateSession opens a stage-1 session from certificate and fingerprint
// headers with the caller's device descriptor.
func (s *AuthService) CreateSession(ctx context.Context, meta RequestMeta, in CreateSessionInput) (*CreateSessionResult, error) {
	const flow = "session_create"
	if err := s.checkRate(ctx, meta, ActionSessionCreate); err != nil {
		attempt(flow, "rate_limited")
		return nil, err
	}
	if in.CertData == "" || in.Fingerprint == "" {
		attempt(flow, "certificate_missing")
		s.record(ctx, meta, "", audit.ActionCertificateMissing, false, map[string]any{"event": ActionSessionCreate})
		return nil, flowError(ErrCertificateMissing, nil)
	}
	if in.Device.UserAgent == "" {
		in.Device.UserAgent = meta.UserAgent
	}
	if in.Device.Platform == "" {
		in.Device.Platform = "unknown"
	}

	res, err := s.certs.Validate(ctx, in.CertData, in.Fingerprint)
	if err != nil {
		attempt(flow, "error")
		s.record(ctx, meta, "", audit.ActionSessionCreateFailed, false, map[string]any{"reason": "system_error", "error": err.Error()})
		return nil, systemError(err)
	}
	if !res.Valid {
		attempt(flow, string(res.Reason))
		s.record(ctx, meta, "", audit.ActionSessionCreateFailed, false, map[string]any{"reason": string(res.Reason)})
		return nil, flowError(ErrCertificateInvalid, nil)
	}

	sess, err := s.sessions.Create(ctx, session.CreateParams{
		Member:          res.Member,
		CertFingerprint: res.Certificate.Fingerprint,
		Device:          in.Device,
		IPAddress:       meta.IPAddress,
		TTL:             s.policy.CertSessionTTL,
	})
	if err != nil {
		attempt(flow, "error")
		s.record(ctx, meta, res.Member.MemberID, audit.ActionSessionCreateFailed, false, map[string]any{"reason": "system_error", "error": err.Error()})
		return nil, systemError(err)
	}

	attempt(flow, "success")
	s.record(ctx, meta, res.Member.MemberID, audit.ActionSessionCreated, true, map[string]any{
		"sessionId":  sess.SessionID,
		"deviceInfo": in.Device,
	})
	return &CreateSessionResult{
		SessionToken: sess.Token,
		ExpiresAt:    sess.ExpiresAt,
		User:         res.Member.Profile(),
		Certificate:  res.Certificate,
	}, nil
}

// -------------------- FLOW C: SESSION INTROSPECTION / TEARDOWN --------------------

type SessionView struct {
	User           model.MemberProfile     `json:"user"`
	Session        model.SessionDescriptor `json:"session"`
	Permissions    []string                `json:"permissions"`
	ActiveSessions int                     `json:"activeSessions"`
}

// ValidateSession resolves a bearer token bound to a certificate fingerprint.
// Permissions are only granted to authenticated sessions.
func (s *AuthService) ValidateSession(ctx context.Context, meta RequestMeta, token, fingerprint string) (*SessionView, error) {
	const flow = "session_validate"
	if token == "" {
		attempt(flow, "token_missing")
		return nil, s.missingToken(ctx, meta, flow)
	}
	if fingerprint == "" {
		attempt(flow, "certificate_missing")
		s.record(ctx, meta, "", audit.ActionCertificateMissing, false, map[string]any{
			"event": flow,
			"token": util.MaskToken(token),
		})
		return nil, flowError(ErrCertificateMissing, nil)
	}

	sess, member, err := s.sessions.Validate(ctx, token, fingerprint)
	if err != nil {
		if errors.Is(err, session.ErrSessionInvalid) || errors.Is(err, session.ErrUserInactive) {
			attempt(flow, "invalid")
			s.record(ctx, meta, "", audit.ActionSessionInvalid, false, map[string]any{
				"reason": err.Error(),
				"token":  util.MaskToken(token),
			})
			return nil, flowError(ErrSessionInvalid, nil)
		}
		attempt(flow, "error")
		return nil, s.sessionError(ctx, meta, "", flow, err)
	}

	count, err := s.sessions.ActiveSessionCount(ctx, member.MemberID)
	if err != nil {
		attempt(flow, "error")
		return nil, s.sessionError(ctx, meta, member.MemberID, flow, err)
	}

	perms := []string{}
	if sess.Stage == model.StageAuthenticated {
		perms = authz.Strings(authz.Permissions(member.Role))
	}
	attempt(flow, "success")
	s.record(ctx, meta, member.MemberID, audit.ActionSessionValidated, true, map[string]any{"sessionId": sess.SessionID})
	return &SessionView{
		User:           member.Profile(),
		Session:        sess.Descriptor(),
		Permissions:    perms,
		ActiveSessions: count,
	}, nil
}

// DestroySession deactivates the bearer token's session.
func (s *AuthService) DestroySession(ctx context.Context, meta RequestMeta, token string) error {
	const flow = "session_destroy"
	if token == "" {
		return s.missingToken(ctx, meta, flow)
	}
	ok, err := s.sessions.Invalidate(ctx, token)
	if err != nil {
		return s.sessionError(ctx, meta, "", flow, err)
	}
	if !ok {
		s.record(ctx, meta, "", audit.ActionSessionNotFound, false, map[string]any{"token": util.MaskToken(token)})
		return flowError(ErrSessionNotFound, nil)
	}
	s.record(ctx, meta, "", audit.ActionSessionDestroyed, true, map[string]any{"token": util.MaskToken(token)})
	return nil
}

// InvalidateOtherSessions logs the member out of every other device.
func (s *AuthService) InvalidateOtherSessions(ctx context.Context, meta RequestMeta, token, fingerprint string) (int, error) {
	view, err := s.ValidateSession(ctx, meta, token, fingerprint)
	if err != nil {
		return 0, err
	}
	n, err := s.sessions.InvalidateOthers(ctx, view.User.ID, token)
	if err != nil {
		return 0, s.sessionError(ctx, meta, view.User.ID, "sessions_revoke", err)
	}
	s.record(ctx, meta, view.User.ID, audit.ActionSessionsRevoked, true, map[string]any{"count": n})
	return n, nil
}

// Authorize resolves a stage-2 bearer token and checks perm for its member.
func (s *AuthService) Authorize(ctx context.Context, meta RequestMeta, token string, perm authz.Permission) (*model.Member, error) {
	const flow = "authorize"
	if token == "" {
		return nil, s.missingToken(ctx, meta, flow)
	}
	invalid := func(memberID string, reason error) error {
		s.record(ctx, meta, memberID, audit.ActionSessionInvalid, false, map[string]any{
			"reason":     reason.Error(),
			"token":      util.MaskToken(token),
			"permission": string(perm),
		})
		return flowError(ErrSessionInvalid, nil)
	}

	sess, err := s.sessions.LookupStage(ctx, token, model.StageAuthenticated)
	if err != nil {
		if errors.Is(err, session.ErrSessionInvalid) {
			return nil, invalid("", err)
		}
		return nil, s.sessionError(ctx, meta, "", flow, err)
	}
	member, err := s.sessions.Member(ctx, sess)
	if err != nil {
		if errors.Is(err, session.ErrUserInactive) {
			return nil, invalid(sess.MemberID, err)
		}
		return nil, s.sessionError(ctx, meta, sess.MemberID, flow, err)
	}
	if !authz.HasPermission(member.Role, perm) {
		s.record(ctx, meta, member.MemberID, audit.ActionPermissionDenied, false, map[string]any{"permission": string(perm)})
		return nil, flowError(ErrPermissionDenied, map[string]any{"permission": string(perm)})
	}
	return member, nil
}

func ceilSeconds(d time.Duration) int {
	return int((d + time.Second - 1) / time.Second)
}
