package handler

import (
	"net/http"
	"time"

	"family-vault/internal/service"
	"family-vault/internal/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// AuthHandler serves the login, session and vault endpoints.
type AuthHandler struct {
	svc *service.AuthService
}

func NewAuthHandler(svc *service.AuthService) *AuthHandler {
	return &AuthHandler{svc: svc}
}

// RegisterRoutes mounts the handler under an /api router.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/certificate/validate", h.ValidateCertificate)
		r.Post("/master-password", h.MasterPassword)

		r.Post("/session", h.CreateSession)
		r.Get("/session", h.GetSession)
		r.Delete("/session", h.DeleteSession)
		r.Delete("/session/others", h.DeleteOtherSessions)
	})

	router.Get("/dashboard/stats", h.DashboardStats)
	router.Post("/tools/password/generate", h.GeneratePassword)
}

func (h *AuthHandler) logDone(r *http.Request, op string, start time.Time) {
	util.Debug("Request handled",
		util.String("method", op),
		util.String("request_id", middleware.GetReqID(r.Context())),
		util.Duration("duration", time.Since(start)))
}

// rejectRequest audits a body that failed decoding or validation and writes
// the error response.
func (h *AuthHandler) rejectRequest(w http.ResponseWriter, r *http.Request, operation string, err error) {
	h.svc.RecordInvalidRequest(r.Context(), requestMeta(r), operation, err)
	respondServiceError(w, r, err)
}

// ValidateCertificate handles POST /api/auth/certificate/validate
func (h *AuthHandler) ValidateCertificate(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req CertificateValidateRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		h.rejectRequest(w, r, "certificate", err)
		return
	}

	res, err := h.svc.ValidateCertificate(r.Context(), requestMeta(r), service.CertificateValidateInput{
		CertData:      clientCertificate(r),
		CertificateID: req.CertificateID,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondSuccess(w, r, http.StatusOK, map[string]any{
		"tempToken":        res.TempToken,
		"user":             res.Member,
		"requiresPassword": true,
		"expiresAt":        res.ExpiresAt,
	})
	h.logDone(r, "ValidateCertificate", start)
}

// MasterPassword handles POST /api/auth/master-password
func (h *AuthHandler) MasterPassword(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req MasterPasswordRequest
	if err := decodeAndValidate(r, &req, false); err != nil {
		h.rejectRequest(w, r, "master_password", err)
		return
	}

	res, err := h.svc.VerifyMasterPassword(r.Context(), requestMeta(r), service.MasterPasswordInput{
		TempToken:      bearerToken(r),
		MasterPassword: req.MasterPassword,
		RememberDevice: req.RememberDevice,
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondSuccess(w, r, http.StatusOK, map[string]any{
		"sessionToken":  res.Token,
		"user":          res.Member,
		"keyDerivation": res.KeyDerivation,
		"expiresAt":     res.ExpiresAt,
	})
	h.logDone(r, "MasterPassword", start)
}

// CreateSession handles POST /api/auth/session. The deviceInfo body is
// optional; a malformed one is ignored.
func (h *AuthHandler) CreateSession(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req CreateSessionRequest
	if err := decodeAndValidate(r, &req, true); err != nil {
		req = CreateSessionRequest{}
	}

	res, err := h.svc.CreateSession(r.Context(), requestMeta(r), service.CreateSessionInput{
		CertData:    clientCertificate(r),
		Fingerprint: clientFingerprint(r),
		Device:      sanitizeDevice(req.DeviceInfo),
	})
	if err != nil {
		respondServiceError(w, r, err)
		return
	}

	respondSuccess(w, r, http.StatusOK, res)
	h.logDone(r, "CreateSession", start)
}

// GetSession handles GET /api/auth/session
func (h *AuthHandler) GetSession(w http.ResponseWriter, r *http.Request) {
	view, err := h.svc.ValidateSession(r.Context(), requestMeta(r), bearerToken(r), clientFingerprint(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, view)
}

// DeleteSession handles DELETE /api/auth/session
func (h *AuthHandler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.DestroySession(r.Context(), requestMeta(r), bearerToken(r)); err != nil {
		respondServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// DeleteOtherSessions handles DELETE /api/auth/session/others
func (h *AuthHandler) DeleteOtherSessions(w http.ResponseWriter, r *http.Request) {
	n, err := h.svc.InvalidateOtherSessions(r.Context(), requestMeta(r), bearerToken(r), clientFingerprint(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, map[string]int{"invalidated": n})
}

// DashboardStats handles GET /api/dashboard/stats
func (h *AuthHandler) DashboardStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.DashboardStats(r.Context(), requestMeta(r), bearerToken(r))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, stats)
}

// GeneratePassword handles POST /api/tools/password/generate
func (h *AuthHandler) GeneratePassword(w http.ResponseWriter, r *http.Request) {
	var req GeneratePasswordRequest
	if err := decodeAndValidate(r, &req, true); err != nil {
		h.rejectRequest(w, r, "password_generate", err)
		return
	}

	res, err := h.svc.GeneratePassword(r.Context(), requestMeta(r), bearerToken(r), req.Options())
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondSuccess(w, r, http.StatusOK, res)
}
