package handler

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"family-vault/internal/audit"
	"family-vault/internal/bucketing"
	"family-vault/internal/certificate"
	"family-vault/internal/hashing"
	"family-vault/internal/model"
	"family-vault/internal/ratelimit"
	"family-vault/internal/repository/memory"
	"family-vault/internal/service"
	"family-vault/internal/session"
	vaulttls "family-vault/internal/tls"
	"family-vault/internal/util"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	util.Nop()
}

const testPassword = "family-vault-master"

type apiResponse struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *ErrorBody      `json:"error"`
	RequestID string          `json:"requestId"`
}

type testServer struct {
	router http.Handler
	cert   *vaulttls.ClientCertificate
	health map[string]error
	events *memory.SecurityEventRepository
}

func newTestServer(t *testing.T, cfg RouterConfig) *testServer {
	t.Helper()
	ctx := context.Background()
	members := memory.NewMemberRepository()
	sessions := memory.NewSessionRepository()
	events := memory.NewSecurityEventRepository()

	cc, err := vaulttls.IssueClientCertificate(vaulttls.ClientCertOptions{CommonName: "mother"})
	require.NoError(t, err)
	verifier, err := hashing.HashMasterPassword(testPassword, "")
	require.NoError(t, err)
	require.NoError(t, members.Create(ctx, &model.Member{
		MemberID:           "m-mother",
		Name:               "mother",
		DisplayName:        "Mom",
		Role:               model.RoleMother,
		CertificateHash:    cc.CertHash,
		IsActive:           true,
		EncryptionSalt:     "enc-salt",
		MasterPasswordHash: verifier.Hash,
		MasterPasswordSalt: verifier.Salt,
	}))

	svc := service.NewAuthService(service.Dependencies{
		Members:      members,
		Records:      memory.NewPasswordRecordRepository(),
		Sessions:     session.NewManager(sessions, members),
		Certificates: certificate.NewValidator(members, nil),
		Hasher:       hashing.NewHasher(2),
		Limiter:      ratelimit.NewMemoryLimiter(),
		Lockout:      ratelimit.NewMemoryLockout(5, 15*time.Minute),
		Audit:        audit.NewRecorder(bucketing.NewPartitioner(4), audit.NewRepositorySink(events)),
	}, service.DefaultPolicy())

	ts := &testServer{cert: cc, health: map[string]error{DatabaseCheck: nil}, events: events}
	health := NewHealthHandler(func(context.Context) map[string]error { return ts.health }, "1.2.3", "test")
	ts.router = NewRouter(cfg, NewAuthHandler(svc), health, zap.NewNop())
	return ts
}

func (ts *testServer) actions() []string {
	var out []string
	for _, e := range ts.events.All() {
		out = append(out, e.Action)
	}
	return out
}

func (ts *testServer) do(t *testing.T, method, path, body string, headers map[string]string) (*httptest.ResponseRecorder, apiResponse) {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)

	var resp apiResponse
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp), rec.Body.String())
	}
	return rec, resp
}

func bearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeData(t *testing.T, resp apiResponse, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(resp.Data, dst))
}

func (ts *testServer) login(t *testing.T) string {
	t.Helper()
	rec, resp := ts.do(t, http.MethodPost, "/api/auth/certificate/validate",
		`{"certificateId":"`+ts.cert.Fingerprint+`"}`,
		map[string]string{HeaderClientCert: ts.cert.Base64})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cert struct {
		TempToken        string `json:"tempToken"`
		RequiresPassword bool   `json:"requiresPassword"`
	}
	decodeData(t, resp, &cert)
	require.True(t, cert.RequiresPassword)

	rec, resp = ts.do(t, http.MethodPost, "/api/auth/master-password",
		`{"masterPassword":"`+testPassword+`"}`, bearer(cert.TempToken))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var auth struct {
		SessionToken  string                      `json:"sessionToken"`
		KeyDerivation hashing.KeyDerivationParams `json:"keyDerivation"`
	}
	decodeData(t, resp, &auth)
	assert.Equal(t, hashing.KeyDerivationParams{Salt: "enc-salt", Iterations: 100000, Algorithm: "PBKDF2"}, auth.KeyDerivation)
	return auth.SessionToken
}

func TestLoginSessionLifecycle(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	token := ts.login(t)

	withFP := bearer(token)
	withFP[HeaderClientCertFingerprint] = ts.cert.Fingerprint
	rec, resp := ts.do(t, http.MethodGet, "/api/auth/session", "", withFP)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var view service.SessionView
	decodeData(t, resp, &view)
	assert.Equal(t, "Mom", view.User.DisplayName)
	assert.Contains(t, view.Permissions, "category:write")
	assert.Equal(t, model.StageAuthenticated, view.Session.Stage)

	rec, resp = ts.do(t, http.MethodGet, "/api/dashboard/stats", "", bearer(token))
	require.Equal(t, http.StatusOK, rec.Code)
	var stats model.DashboardStats
	decodeData(t, resp, &stats)
	assert.Zero(t, stats.TotalPasswords)

	rec, _ = ts.do(t, http.MethodDelete, "/api/auth/session", "", bearer(token))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec, resp = ts.do(t, http.MethodDelete, "/api/auth/session", "", bearer(token))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeSessionNotFound, resp.Error.Code)

	rec, resp = ts.do(t, http.MethodGet, "/api/dashboard/stats", "", bearer(token))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeSessionInvalid, resp.Error.Code)
}

func TestCertificateValidateErrors(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	certHeader := map[string]string{HeaderClientCert: ts.cert.Base64}

	tests := []struct {
		name    string
		body    string
		headers map[string]string
		status  int
		code    string
	}{
		{"malformed body", `{`, certHeader, http.StatusBadRequest, CodeValidation},
		{"missing certificate id", `{}`, certHeader, http.StatusBadRequest, CodeValidation},
		{"missing certificate", `{"certificateId":"abc"}`, nil, http.StatusUnauthorized, CodeCertMissing},
		{"fingerprint mismatch", `{"certificateId":"abc"}`, certHeader, http.StatusUnauthorized, CodeCertInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := ts.do(t, http.MethodPost, "/api/auth/certificate/validate", tt.body, tt.headers)
			assert.Equal(t, tt.status, rec.Code)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.code, resp.Error.Code)
			assert.False(t, resp.Success)
		})
	}
}

func TestCertificateValidateRateLimited(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	headers := map[string]string{HeaderClientCert: ts.cert.Base64}
	for i := 0; i < 5; i++ {
		rec, _ := ts.do(t, http.MethodPost, "/api/auth/certificate/validate", `{"certificateId":"nope"}`, headers)
		require.Equal(t, http.StatusUnauthorized, rec.Code)
	}

	rec, resp := ts.do(t, http.MethodPost, "/api/auth/certificate/validate", `{"certificateId":"nope"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, CodeRateLimitExceeded, resp.Error.Code)
	assert.Equal(t, "900", rec.Header().Get("Retry-After"))
	assert.EqualValues(t, 900, resp.Error.Details["retryAfter"])
}

func TestCertificateValidateRateLimitIgnoresSpoofedForwardedFor(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	codes := make([]int, 0, 8)
	for i := 0; i < 8; i++ {
		rec, _ := ts.do(t, http.MethodPost, "/api/auth/certificate/validate", `{"certificateId":"nope"}`, map[string]string{
			HeaderClientCert:  ts.cert.Base64,
			"X-Forwarded-For": fmt.Sprintf("10.0.0.%d", i),
			"X-Real-IP":       fmt.Sprintf("10.0.1.%d", i),
		})
		codes = append(codes, rec.Code)
	}
	assert.Equal(t, []int{401, 401, 401, 401, 401, 429, 429, 429}, codes)
}

func TestCertificateValidateRateLimitPerForwardedClient(t *testing.T) {
	ts := newTestServer(t, RouterConfig{TrustedProxies: []string{"192.0.2.1"}})
	attempt := func(client string) int {
		rec, _ := ts.do(t, http.MethodPost, "/api/auth/certificate/validate", `{"certificateId":"nope"}`, map[string]string{
			HeaderClientCert:  ts.cert.Base64,
			"X-Forwarded-For": client,
		})
		return rec.Code
	}
	for i := 0; i < 5; i++ {
		require.Equal(t, http.StatusUnauthorized, attempt("198.51.100.7"))
	}
	assert.Equal(t, http.StatusTooManyRequests, attempt("198.51.100.7"))
	assert.Equal(t, http.StatusUnauthorized, attempt("198.51.100.8"))
}

func TestTLSPeerCertificateWinsOverHeader(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	intruder, err := vaulttls.IssueClientCertificate(vaulttls.ClientCertOptions{CommonName: "intruder"})
	require.NoError(t, err)
	peer, err := x509.ParseCertificate(intruder.DER)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/auth/certificate/validate",
		strings.NewReader(`{"certificateId":"`+ts.cert.Fingerprint+`"}`))
	req.Header.Set(HeaderClientCert, ts.cert.Base64)
	req.Header.Set(HeaderClientCertFingerprint, ts.cert.Fingerprint)
	req.TLS = &tls.ConnectionState{PeerCertificates: []*x509.Certificate{peer}}

	assert.Equal(t, intruder.Base64, clientCertificate(req))
	assert.Equal(t, intruder.Fingerprint, clientFingerprint(req))

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRealIP(t *testing.T) {
	proxies := newTrustedProxies([]string{"10.0.0.0/8", "192.0.2.1", "not-a-cidr", ""})
	require.Len(t, proxies, 2)

	var gotAddr string
	var gotTrusted bool
	h := realIP(proxies)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		gotAddr, gotTrusted = r.RemoteAddr, viaTrustedProxy(r)
	}))

	tests := []struct {
		name    string
		remote  string
		headers map[string]string
		addr    string
		trusted bool
	}{
		{"untrusted peer keeps its address", "203.0.113.9:4000", map[string]string{"X-Forwarded-For": "1.2.3.4"}, "203.0.113.9:4000", false},
		{"trusted peer without headers", "192.0.2.1:4000", nil, "192.0.2.1:4000", true},
		{"right-most untrusted hop", "10.1.1.1:4000", map[string]string{"X-Forwarded-For": "6.6.6.6, 198.51.100.4, 10.2.2.2"}, "198.51.100.4", true},
		{"x-real-ip fallback", "10.1.1.1:4000", map[string]string{"X-Real-IP": "198.51.100.5"}, "198.51.100.5", true},
		{"all hops trusted", "10.1.1.1:4000", map[string]string{"X-Forwarded-For": "10.3.3.3, 10.2.2.2"}, "10.3.3.3", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.RemoteAddr = tt.remote
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			h.ServeHTTP(httptest.NewRecorder(), req)
			assert.Equal(t, tt.addr, gotAddr)
			assert.Equal(t, tt.trusted, gotTrusted)
		})
	}
}

func TestMasterPasswordErrors(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec, resp := ts.do(t, http.MethodPost, "/api/auth/master-password", `{"masterPassword":"x"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeSessionMissing, resp.Error.Code)

	rec, resp = ts.do(t, http.MethodPost, "/api/auth/master-password", `{"masterPassword":"x"}`, bearer("bogus"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeInvalidTempToken, resp.Error.Code)

	rec, resp = ts.do(t, http.MethodPost, "/api/auth/master-password", `{}`, bearer("bogus"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "required", resp.Error.Details["masterPassword"])
}

func TestRejectedRequestsAreAudited(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	steps := []struct {
		method, path, body string
		headers            map[string]string
		status             int
		action             string
	}{
		{http.MethodPost, "/api/auth/master-password", `{}`, bearer("bogus"), http.StatusBadRequest, audit.ActionInvalidRequest},
		{http.MethodPost, "/api/auth/master-password", `{"masterPassword":"x"}`, nil, http.StatusUnauthorized, audit.ActionSessionTokenMissing},
		{http.MethodPost, "/api/auth/certificate/validate", `not json`, nil, http.StatusBadRequest, audit.ActionInvalidRequest},
		{http.MethodGet, "/api/auth/session", "", nil, http.StatusUnauthorized, audit.ActionSessionTokenMissing},
		{http.MethodGet, "/api/auth/session", "", bearer("bogus"), http.StatusUnauthorized, audit.ActionCertificateMissing},
		{http.MethodDelete, "/api/auth/session", "", bearer("unknown"), http.StatusNotFound, audit.ActionSessionNotFound},
		{http.MethodGet, "/api/dashboard/stats", "", bearer("bogus"), http.StatusUnauthorized, audit.ActionSessionInvalid},
		{http.MethodPost, "/api/tools/password/generate", `{"length":2}`, bearer("bogus"), http.StatusBadRequest, audit.ActionInvalidRequest},
	}
	var want []string
	for _, st := range steps {
		rec, _ := ts.do(t, st.method, st.path, st.body, st.headers)
		require.Equal(t, st.status, rec.Code, "%s %s: %s", st.method, st.path, rec.Body.String())
		want = append(want, st.action)
	}
	assert.Equal(t, want, ts.actions())

	events := ts.events.All()
	assert.Equal(t, "required", events[0].Details["masterPassword"])
	assert.Equal(t, "master_password", events[0].Details["operation"])
	assert.Equal(t, "malformed JSON", events[2].Details["body"])
	for _, e := range events {
		assert.Equal(t, "192.0.2.1", e.IPAddress, e.Action)
	}
}

func TestCreateSessionEndpoint(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	headers := map[string]string{
		HeaderClientCert:            ts.cert.Base64,
		HeaderClientCertFingerprint: ts.cert.Fingerprint,
		"User-Agent":                "browser/1",
	}

	rec, resp := ts.do(t, http.MethodPost, "/api/auth/session", `{"deviceInfo":{"platform":"<b>mac</b>"}}`, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var res service.CreateSessionResult
	decodeData(t, resp, &res)
	assert.NotEmpty(t, res.SessionToken)
	assert.Equal(t, ts.cert.Fingerprint, res.Certificate.Fingerprint)

	// The new session is stage-1: it can be introspected but carries no permissions.
	get := bearer(res.SessionToken)
	get[HeaderClientCertFingerprint] = ts.cert.Fingerprint
	rec, resp = ts.do(t, http.MethodGet, "/api/auth/session", "", get)
	require.Equal(t, http.StatusOK, rec.Code)
	var view service.SessionView
	decodeData(t, resp, &view)
	assert.Empty(t, view.Permissions)

	// No body at all still works.
	rec, _ = ts.do(t, http.MethodPost, "/api/auth/session", "", headers)
	assert.Equal(t, http.StatusOK, rec.Code)

	delete(headers, HeaderClientCertFingerprint)
	rec, resp = ts.do(t, http.MethodPost, "/api/auth/session", "", headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, CodeCertMissing, resp.Error.Code)
}

func TestDeleteOtherSessions(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	first := ts.login(t)
	second := ts.login(t)

	headers := bearer(second)
	headers[HeaderClientCertFingerprint] = ts.cert.Fingerprint
	rec, resp := ts.do(t, http.MethodDelete, "/api/auth/session/others", "", headers)
	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]int
	decodeData(t, resp, &out)
	assert.Equal(t, 1, out["invalidated"])

	rec, _ = ts.do(t, http.MethodGet, "/api/dashboard/stats", "", bearer(first))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestGeneratePasswordEndpoint(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})
	token := ts.login(t)

	rec, resp := ts.do(t, http.MethodPost, "/api/tools/password/generate", "", bearer(token))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var gen struct {
		Password string `json:"password"`
		Strength struct {
			Score int `json:"score"`
		} `json:"strength"`
	}
	decodeData(t, resp, &gen)
	assert.Len(t, gen.Password, 16)

	rec, resp = ts.do(t, http.MethodPost, "/api/tools/password/generate", `{"length":2}`, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "min", resp.Error.Details["length"])

	rec, resp = ts.do(t, http.MethodPost, "/api/tools/password/generate",
		`{"includeLowercase":false,"includeUppercase":false,"includeNumbers":false,"includeSymbols":false}`, bearer(token))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, CodeValidation, resp.Error.Code)

	rec, _ = ts.do(t, http.MethodPost, "/api/tools/password/generate", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSystemHealth(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "no-cache, no-store, must-revalidate", rec.Header().Get("Cache-Control"))
	var report HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Equal(t, "test", report.Environment)
	assert.Equal(t, "healthy", report.Checks["server"])
	assert.NotEmpty(t, report.RequestID)
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), report.RequestID)

	ts.health = map[string]error{DatabaseCheck: errors.New("connection refused"), "kafka": nil}
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/system/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, "unhealthy", report.Status)
	assert.Equal(t, "unhealthy", report.Checks[DatabaseCheck])
	assert.Equal(t, "healthy", report.Checks["kafka"])
	assert.NotContains(t, rec.Body.String(), "connection refused")
}

func TestRequireHTTPS(t *testing.T) {
	ts := newTestServer(t, RouterConfig{RequireHTTPS: true})

	rec, resp := ts.do(t, http.MethodGet, "/api/system/health", "", nil)
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
	assert.Equal(t, CodeHTTPSRequired, resp.Error.Code)

	// httptest peers are 192.0.2.1, which is not a trusted proxy here.
	rec, resp = ts.do(t, http.MethodGet, "/api/system/health", "", map[string]string{"X-Forwarded-Proto": "https"})
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)
	assert.Equal(t, CodeHTTPSRequired, resp.Error.Code)

	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	proxied := newTestServer(t, RouterConfig{RequireHTTPS: true, TrustedProxies: []string{"192.0.2.0/24"}})
	rec, _ = proxied.do(t, http.MethodGet, "/api/system/health", "", map[string]string{"X-Forwarded-Proto": "https"})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = proxied.do(t, http.MethodGet, "/api/system/health", "", map[string]string{"X-Forwarded-Proto": "http"})
	assert.Equal(t, http.StatusUpgradeRequired, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/system/health", nil)
	req.TLS = &tls.ConnectionState{}
	rec = httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestEnvelopeAndRequestID(t *testing.T) {
	ts := newTestServer(t, RouterConfig{})

	rec, resp := ts.do(t, http.MethodGet, "/api/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, CodeNotFound, resp.Error.Code)
	assert.NotEmpty(t, resp.RequestID)
	assert.Equal(t, resp.RequestID, rec.Header().Get(middleware.RequestIDHeader))

	const id = "0b8f6f4e-4f5c-4d5e-9a3b-2c1d0e9f8a7b"
	rec, resp = ts.do(t, http.MethodGet, "/api/dashboard/stats", "", map[string]string{middleware.RequestIDHeader: id})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, id, resp.RequestID)
	assert.Equal(t, CodeSessionMissing, resp.Error.Code)
}

func TestBearerToken(t *testing.T) {
	tests := map[string]string{
		"Bearer abc":   "abc",
		"bearer  abc ": "abc",
		"Basic abc":    "",
		"Bearer":       "",
		"":             "",
	}
	for header, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", header)
		assert.Equal(t, want, bearerToken(req), "header %q", header)
	}
}
