package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"family-vault/internal/audit"
	"family-vault/internal/authz"
	"family-vault/internal/bucketing"
	"family-vault/internal/certificate"
	"family-vault/internal/hashing"
	"family-vault/internal/model"
	"family-vault/internal/password"
	"family-vault/internal/ratelimit"
	"family-vault/internal/repository/memory"
	"family-vault/internal/session"
	vaulttls "family-vault/internal/tls"
	"family-vault/internal/util"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	util.Nop()
}

const masterPassword = "correct horse battery staple"

var meta = RequestMeta{IPAddress: "10.0.0.7", UserAgent: "vault-test/1.0"}

type fixture struct {
	svc      *AuthService
	members  *memory.MemberRepository
	sessions *memory.SessionRepository
	events   *memory.SecurityEventRepository
	records  *memory.PasswordRecordRepository
	lockout  *ratelimit.MemoryLockout
	clock    *clock
}

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newFixture(t *testing.T, policy Policy) *fixture {
	t.Helper()
	f := &fixture{
		members:  memory.NewMemberRepository(),
		sessions: memory.NewSessionRepository(),
		events:   memory.NewSecurityEventRepository(),
		records:  memory.NewPasswordRecordRepository(),
		clock:    &clock{t: time.Now().UTC()},
	}
	f.lockout = ratelimit.NewMemoryLockout(5, 15*time.Minute).WithClock(f.clock.Now)

	manager := session.NewManager(f.sessions, f.members).WithClock(f.clock.Now)
	f.svc = NewAuthService(Dependencies{
		Members:      f.members,
		Records:      f.records,
		Sessions:     manager,
		Certificates: certificate.NewValidator(f.members, nil),
		Hasher:       hashing.NewHasher(4),
		Limiter:      ratelimit.NewMemoryLimiter().WithClock(f.clock.Now),
		Lockout:      f.lockout,
		Audit:        audit.NewRecorder(bucketing.NewPartitioner(4), audit.NewRepositorySink(f.events)),
	}, policy).WithClock(f.clock.Now)
	return f
}

func (f *fixture) addMember(t *testing.T, name string, role model.Role) *vaulttls.ClientCertificate {
	t.Helper()
	cc, err := vaulttls.IssueClientCertificate(vaulttls.ClientCertOptions{CommonName: name})
	require.NoError(t, err)
	verifier, err := hashing.HashMasterPassword(masterPassword, "")
	require.NoError(t, err)
	require.NoError(t, f.members.Create(context.Background(), &model.Member{
		MemberID:           "m-" + name,
		Name:               name,
		Role:               role,
		DisplayName:        name,
		CertificateHash:    cc.CertHash,
		IsActive:           true,
		EncryptionSalt:     "salt-" + name,
		MasterPasswordHash: verifier.Hash,
		MasterPasswordSalt: verifier.Salt,
	}))
	return cc
}

func (f *fixture) actions() []string {
	var out []string
	for _, e := range f.events.All() {
		out = append(out, e.Action)
	}
	return out
}

func (f *fixture) login(t *testing.T, cc *vaulttls.ClientCertificate, remember bool) *MasterPasswordResult {
	t.Helper()
	ctx := context.Background()
	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)
	res, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{
		TempToken: cert.TempToken, MasterPassword: masterPassword, RememberDevice: remember,
	})
	require.NoError(t, err)
	return res
}

func TestTwoStageLogin(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "father", model.RoleFather)
	ctx := context.Background()

	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)
	assert.Len(t, cert.TempToken, 64)
	assert.Equal(t, "m-father", cert.Member.ID)
	assert.Equal(t, f.clock.Now().Add(10*time.Minute), cert.ExpiresAt)

	// A stage-1 token cannot reach protected operations.
	_, err = f.svc.DashboardStats(ctx, meta, cert.TempToken)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	res, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	require.NoError(t, err)
	assert.NotEqual(t, cert.TempToken, res.Token)
	assert.Equal(t, "father", res.Member.Name)
	assert.Equal(t, hashing.NewKeyDerivationParams("salt-father"), res.KeyDerivation)
	assert.Equal(t, f.clock.Now().Add(8*time.Hour), res.ExpiresAt)

	// The temp token was rotated away.
	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	assert.ErrorIs(t, err, ErrInvalidTempToken)

	stats, err := f.svc.DashboardStats(ctx, meta, res.Token)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalPasswords)

	member, err := f.members.GetByID(ctx, "m-father")
	require.NoError(t, err)
	assert.Equal(t, 1, member.LoginCount)

	assert.Equal(t, []string{
		audit.ActionCertificateValidationSuccess,
		audit.ActionSessionInvalid,
		audit.ActionAuthenticationSuccess,
		audit.ActionInvalidTempToken,
		audit.ActionDashboardStatsAccess,
	}, f.actions())
}

func TestRememberDeviceExtendsSession(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "mother", model.RoleMother)

	res := f.login(t, cc, true)
	assert.Equal(t, f.clock.Now().Add(30*24*time.Hour), res.ExpiresAt)

	view, err := f.svc.ValidateSession(context.Background(), meta, res.Token, cc.Fingerprint)
	require.NoError(t, err)
	assert.True(t, view.Session.Trusted)
	assert.Equal(t, model.StageAuthenticated, view.Session.Stage)
}

func TestValidateCertificateFailures(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "son", model.RoleSon)
	ctx := context.Background()

	_, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertificateID: cc.Fingerprint})
	assert.ErrorIs(t, err, ErrCertificateMissing)

	_, err = f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: "deadbeef"})
	assert.ErrorIs(t, err, ErrCertificateInvalid)

	stranger, err := vaulttls.IssueClientCertificate(vaulttls.ClientCertOptions{CommonName: "stranger"})
	require.NoError(t, err)
	_, err = f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: stranger.Base64, CertificateID: stranger.Fingerprint})
	assert.ErrorIs(t, err, ErrCertificateInvalid)

	var reasons []any
	for _, e := range f.events.All() {
		if e.Action == audit.ActionCertificateValidationFailed {
			reasons = append(reasons, e.Details["reason"])
		}
	}
	assert.Equal(t, []any{string(certificate.ReasonFingerprintMismatch), string(certificate.ReasonUserNotFound)}, reasons)
	assert.Contains(t, f.actions(), audit.ActionCertificateMissing)

	sessions, err := f.sessions.ListByMember(ctx, "m-son")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestCertificateValidationRateLimit(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "daughter", model.RoleDaughter)
	ctx := context.Background()
	in := CertificateValidateInput{CertData: cc.Base64, CertificateID: "wrong"}

	for i := 0; i < 5; i++ {
		_, err := f.svc.ValidateCertificate(ctx, meta, in)
		require.ErrorIs(t, err, ErrCertificateInvalid)
	}

	// Correct input is refused too once the budget is spent.
	_, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 900, Details(err)["retryAfter"])
	assert.Contains(t, f.actions(), audit.ActionRateLimitExceeded)

	// Another address has its own budget.
	_, err = f.svc.ValidateCertificate(ctx, RequestMeta{IPAddress: "10.0.0.8"}, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)

	f.clock.Advance(15 * time.Minute)
	_, err = f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)
}

func TestMasterPasswordLockout(t *testing.T) {
	policy := DefaultPolicy()
	policy.RateLimit = 100
	f := newFixture(t, policy)
	cc := f.addMember(t, "father", model.RoleFather)
	ctx := context.Background()

	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: "wrong"})
		require.ErrorIs(t, err, ErrMasterPasswordInvalid)
		assert.Equal(t, i, Details(err)["attempts"])
		if i == 5 {
			assert.Equal(t, 900, Details(err)["lockTime"])
		}
	}

	// The correct password is refused while locked, before any derivation.
	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	require.ErrorIs(t, err, ErrAccountLocked)
	assert.Contains(t, f.actions(), audit.ActionAccountLocked)

	f.clock.Advance(15*time.Minute + time.Second)
	cert, err = f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)
	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	require.NoError(t, err)

	locked, err := f.lockout.LockedFor(ctx, "m-father")
	require.NoError(t, err)
	assert.Zero(t, locked)
}

func TestWrongPasswordsThenRateLimitedFromSameAddress(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "father", model.RoleFather)
	ctx := context.Background()

	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)

	for i := 1; i <= 5; i++ {
		_, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: "wrong"})
		require.ErrorIs(t, err, ErrMasterPasswordInvalid, "attempt %d", i)
	}

	// The address budget is spent before the lockout is even consulted.
	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	require.ErrorIs(t, err, ErrRateLimitExceeded)
	assert.Equal(t, 900, Details(err)["retryAfter"])

	locked, err := f.lockout.LockedFor(ctx, "m-father")
	require.NoError(t, err)
	assert.Equal(t, 15*time.Minute, locked)

	actions := f.actions()
	assert.Equal(t, audit.ActionRateLimitExceeded, actions[len(actions)-1])
	assert.Contains(t, actions, audit.ActionAccountLocked)
}

type failingLimiter struct{}

func (failingLimiter) Allow(context.Context, string, int, time.Duration) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func TestRateLimiterErrorIsAudited(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "mother", model.RoleMother)
	f.svc.limiter = failingLimiter{}

	_, err := f.svc.ValidateCertificate(context.Background(), meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.ErrorIs(t, err, ErrSystem)

	events := f.events.All()
	require.Len(t, events, 1)
	assert.Equal(t, audit.ActionRateLimitError, events[0].Action)
	assert.False(t, events[0].Success)
	assert.Equal(t, ActionCertValidation, events[0].Details["event"])
	assert.Equal(t, meta.IPAddress, events[0].IPAddress)
}

func TestEveryRejectedRequestIsAudited(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	_, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{MasterPassword: "x"})
	require.ErrorIs(t, err, ErrSessionTokenMissing)
	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: "abc"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: "abc"})
	require.ErrorIs(t, err, ErrInvalidInput)
	_, err = f.svc.ValidateSession(ctx, meta, "", "00ff")
	require.ErrorIs(t, err, ErrSessionTokenMissing)
	_, err = f.svc.ValidateSession(ctx, meta, "abc", "")
	require.ErrorIs(t, err, ErrCertificateMissing)
	require.ErrorIs(t, f.svc.DestroySession(ctx, meta, "unknown"), ErrSessionNotFound)
	_, err = f.svc.DashboardStats(ctx, meta, "bogus")
	require.ErrorIs(t, err, ErrSessionInvalid)
	_, err = f.svc.DashboardStats(ctx, meta, "")
	require.ErrorIs(t, err, ErrSessionTokenMissing)
	f.svc.RecordInvalidRequest(ctx, meta, "certificate", &FlowError{Err: ErrInvalidInput, Details: map[string]any{"body": "malformed JSON"}})

	assert.Equal(t, []string{
		audit.ActionSessionTokenMissing,
		audit.ActionInvalidRequest,
		audit.ActionInvalidRequest,
		audit.ActionSessionTokenMissing,
		audit.ActionCertificateMissing,
		audit.ActionSessionNotFound,
		audit.ActionSessionInvalid,
		audit.ActionSessionTokenMissing,
		audit.ActionInvalidRequest,
	}, f.actions())

	events := f.events.All()
	for _, e := range events {
		assert.False(t, e.Success, e.Action)
		assert.Equal(t, meta.IPAddress, e.IPAddress, e.Action)
	}
	assert.Equal(t, "required", events[1].Details["masterPassword"])
	assert.Equal(t, "malformed JSON", events[len(events)-1].Details["body"])
	assert.Equal(t, "certificate", events[len(events)-1].Details["operation"])
}

func TestMasterPasswordInputErrors(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	ctx := context.Background()

	_, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{MasterPassword: "x"})
	assert.ErrorIs(t, err, ErrSessionTokenMissing)

	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: "abc"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: "unknown", MasterPassword: "x"})
	assert.ErrorIs(t, err, ErrInvalidTempToken)
}

func TestExpiredTempToken(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "son", model.RoleSon)
	ctx := context.Background()

	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)

	f.clock.Advance(10 * time.Minute)
	_, err = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	assert.ErrorIs(t, err, ErrInvalidTempToken)
}

func TestConcurrentPromotionSucceedsOnce(t *testing.T) {
	policy := DefaultPolicy()
	policy.RateLimit = 100
	f := newFixture(t, policy)
	cc := f.addMember(t, "mother", model.RoleMother)
	ctx := context.Background()

	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)

	const n = 6
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
		}()
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTempToken)
	}
	assert.Equal(t, 1, ok)
}

func TestValidateSession(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "daughter", model.RoleDaughter)
	ctx := context.Background()

	cert, err := f.svc.ValidateCertificate(ctx, meta, CertificateValidateInput{CertData: cc.Base64, CertificateID: cc.Fingerprint})
	require.NoError(t, err)

	view, err := f.svc.ValidateSession(ctx, meta, cert.TempToken, cc.Fingerprint)
	require.NoError(t, err)
	assert.Empty(t, view.Permissions, "stage-1 sessions hold no permissions")
	assert.Equal(t, 1, view.ActiveSessions)

	res, err := f.svc.VerifyMasterPassword(ctx, meta, MasterPasswordInput{TempToken: cert.TempToken, MasterPassword: masterPassword})
	require.NoError(t, err)

	view, err = f.svc.ValidateSession(ctx, meta, res.Token, cc.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, authz.Strings(authz.Permissions(model.RoleDaughter)), view.Permissions)
	assert.Equal(t, "daughter", view.User.Name)

	_, err = f.svc.ValidateSession(ctx, meta, res.Token, "00ff")
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = f.svc.ValidateSession(ctx, meta, "", cc.Fingerprint)
	assert.ErrorIs(t, err, ErrSessionTokenMissing)
	_, err = f.svc.ValidateSession(ctx, meta, res.Token, "")
	assert.ErrorIs(t, err, ErrCertificateMissing)

	require.NoError(t, f.members.Deactivate(ctx, "m-daughter"))
	_, err = f.svc.ValidateSession(ctx, meta, res.Token, cc.Fingerprint)
	assert.ErrorIs(t, err, ErrSessionInvalid)
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "father", model.RoleFather)
	ctx := context.Background()

	res, err := f.svc.CreateSession(ctx, meta, CreateSessionInput{CertData: cc.Base64, Fingerprint: cc.Fingerprint})
	require.NoError(t, err)
	assert.Equal(t, "father", res.User.Name)
	assert.Equal(t, cc.Fingerprint, res.Certificate.Fingerprint)

	s, err := f.sessions.GetByToken(ctx, res.SessionToken)
	require.NoError(t, err)
	assert.Equal(t, model.StageCertificateValidated, s.Stage)
	assert.Equal(t, model.DeviceInfo{UserAgent: meta.UserAgent, Platform: "unknown"}, s.Device)

	_, err = f.svc.CreateSession(ctx, meta, CreateSessionInput{CertData: cc.Base64})
	assert.ErrorIs(t, err, ErrCertificateMissing)
	_, err = f.svc.CreateSession(ctx, meta, CreateSessionInput{CertData: cc.Base64, Fingerprint: "ab"})
	assert.ErrorIs(t, err, ErrCertificateInvalid)
	assert.Contains(t, f.actions(), audit.ActionSessionCreateFailed)
}

func TestDestroyAndInvalidateOthers(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "mother", model.RoleMother)
	ctx := context.Background()

	a := f.login(t, cc, false)
	b := f.login(t, cc, false)
	c := f.login(t, cc, false)

	n, err := f.svc.InvalidateOtherSessions(ctx, meta, a.Token, cc.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = f.svc.ValidateSession(ctx, meta, b.Token, cc.Fingerprint)
	assert.ErrorIs(t, err, ErrSessionInvalid)
	_, err = f.svc.ValidateSession(ctx, meta, c.Token, cc.Fingerprint)
	assert.ErrorIs(t, err, ErrSessionInvalid)

	require.NoError(t, f.svc.DestroySession(ctx, meta, a.Token))
	assert.ErrorIs(t, f.svc.DestroySession(ctx, meta, a.Token), ErrSessionNotFound)
	assert.ErrorIs(t, f.svc.DestroySession(ctx, meta, ""), ErrSessionTokenMissing)
}

func TestDashboardStats(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "son", model.RoleSon)
	ctx := context.Background()
	now := f.clock.Now()

	add := func(id, cipher, strength string, created time.Time) {
		require.NoError(t, f.records.Create(ctx, &model.PasswordRecord{
			RecordID: id, OwnerID: "m-son", Ciphertext: cipher, Strength: strength, CreatedAt: created,
		}))
	}
	add("r1", "c1", "weak", now)
	add("r2", "c1", "strong", now.AddDate(0, -2, 0))
	add("r3", "c2", "weak", now.AddDate(0, -2, 0))

	res := f.login(t, cc, false)
	stats, err := f.svc.DashboardStats(ctx, meta, res.Token)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalPasswords)
	assert.Equal(t, 1, stats.RecentlyAdded)
	assert.Equal(t, 2, stats.WeakPasswords)
	assert.Equal(t, 1, stats.DuplicatePasswords)

	_, err = f.svc.DashboardStats(ctx, meta, "")
	assert.ErrorIs(t, err, ErrSessionTokenMissing)
}

func TestComputeStatsMonthBoundary(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 30, 0, 0, time.UTC)
	records := []*model.PasswordRecord{
		{Ciphertext: "a", CreatedAt: time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
		{Ciphertext: "a", CreatedAt: time.Date(2026, 2, 28, 23, 59, 59, 0, time.UTC)},
		{Ciphertext: "a", CreatedAt: time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC)},
	}
	stats := ComputeStats(records, now)
	assert.Equal(t, 1, stats.RecentlyAdded)
	assert.Equal(t, 2, stats.DuplicatePasswords)
	assert.Equal(t, now, stats.LastUpdated)

	empty := ComputeStats(nil, now)
	assert.Zero(t, empty.TotalPasswords)
}

func TestGeneratePassword(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "daughter", model.RoleDaughter)
	ctx := context.Background()
	res := f.login(t, cc, false)

	got, err := f.svc.GeneratePassword(ctx, meta, res.Token, password.Options{Length: 24, IncludeLowercase: true, IncludeNumbers: true})
	require.NoError(t, err)
	assert.Len(t, got.Password, 24)
	assert.Equal(t, password.Score(got.Password), got.Strength)

	_, err = f.svc.GeneratePassword(ctx, meta, res.Token, password.Options{Length: 12})
	assert.ErrorIs(t, err, ErrInvalidInput)
	assert.True(t, errors.Is(err, password.ErrInvalidOptions))
	assert.Contains(t, f.actions(), audit.ActionPasswordGenerated)
}

func TestAuthorizeUnknownRoleDenied(t *testing.T) {
	f := newFixture(t, DefaultPolicy())
	cc := f.addMember(t, "guest", model.Role("guest"))
	res := f.login(t, cc, false)

	_, err := f.svc.GeneratePassword(context.Background(), meta, res.Token, password.DefaultOptions())
	assert.ErrorIs(t, err, ErrPermissionDenied)
	assert.Contains(t, f.actions(), audit.ActionPermissionDenied)
}
