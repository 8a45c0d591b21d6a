package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"family-vault/internal/service"
	"family-vault/internal/util"

	"github.com/go-chi/chi/v5/middleware"
)

// Error codes carried in the response envelope.
const (
	CodeRateLimitExceeded     = "AUTH_RATE_LIMIT_EXCEEDED"
	CodeCertMissing           = "AUTH_CERT_MISSING"
	CodeCertInvalid           = "AUTH_CERT_INVALID"
	CodeSessionMissing        = "AUTH_SESSION_MISSING"
	CodeSessionInvalid        = "AUTH_SESSION_INVALID"
	CodeSessionNotFound       = "AUTH_SESSION_NOT_FOUND"
	CodeInvalidTempToken      = "INVALID_TEMP_TOKEN"
	CodeMasterPasswordInvalid = "AUTH_MASTER_PASSWORD_INVALID"
	CodeAccountLocked         = "AUTH_ACCOUNT_LOCKED"
	CodePermissionDenied      = "AUTH_PERMISSION_DENIED"
	CodeValidation            = "VALIDATION_ERROR"
	CodeNotFound              = "NOT_FOUND"
	CodeMethodNotAllowed      = "METHOD_NOT_ALLOWED"
	CodeHTTPSRequired         = "HTTPS_REQUIRED"
	CodeSystem                = "SYSTEM_ERROR"
)

// Response is the envelope of every API response.
type Response struct {
	Success   bool       `json:"success"`
	Data      any        `json:"data,omitempty"`
	Error     *ErrorBody `json:"error,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
	RequestID string     `json:"requestId,omitempty"`
}

type ErrorBody struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type errorMapping struct {
	sentinel error
	status   int
	code     string
	message  string
}

// Errors matching none of these are reported as SYSTEM_ERROR.
var errorMappings = []errorMapping{
	{service.ErrRateLimitExceeded, http.StatusTooManyRequests, CodeRateLimitExceeded, "Too many attempts, try again later"},
	{service.ErrCertificateMissing, http.StatusUnauthorized, CodeCertMissing, "Client certificate required"},
	{service.ErrCertificateInvalid, http.StatusUnauthorized, CodeCertInvalid, "Client certificate invalid"},
	{service.ErrSessionTokenMissing, http.StatusUnauthorized, CodeSessionMissing, "Session token required"},
	{service.ErrSessionInvalid, http.StatusUnauthorized, CodeSessionInvalid, "Session invalid or expired"},
	{service.ErrSessionNotFound, http.StatusNotFound, CodeSessionNotFound, "Session not found"},
	{service.ErrInvalidTempToken, http.StatusUnauthorized, CodeInvalidTempToken, "Invalid or expired temporary token"},
	{service.ErrMasterPasswordInvalid, http.StatusUnauthorized, CodeMasterPasswordInvalid, "Invalid master password"},
	{service.ErrAccountLocked, http.StatusLocked, CodeAccountLocked, "Account temporarily locked"},
	{service.ErrPermissionDenied, http.StatusForbidden, CodePermissionDenied, "Permission denied"},
	{service.ErrInvalidInput, http.StatusBadRequest, CodeValidation, "Invalid request"},
}

func respondWithJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		util.Error("Failed to encode response", util.ErrorField(err))
	}
}

func respondSuccess(w http.ResponseWriter, r *http.Request, status int, data any) {
	respondWithJSON(w, status, Response{
		Success:   true,
		Data:      data,
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, message string, details map[string]any) {
	respondWithJSON(w, status, Response{
		Success:   false,
		Error:     &ErrorBody{Code: code, Message: message, Details: details},
		Timestamp: time.Now().UTC(),
		RequestID: middleware.GetReqID(r.Context()),
	})
}

// respondServiceError maps a service error to its status and code. Internal
// causes are logged, never returned.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.sentinel) {
			if m.status == http.StatusTooManyRequests {
				if ra, ok := service.Details(err)["retryAfter"].(int); ok && ra > 0 {
					w.Header().Set("Retry-After", strconv.Itoa(ra))
				}
			}
			respondError(w, r, m.status, m.code, m.message, service.Details(err))
			return
		}
	}

	util.Error("Request failed",
		util.String("path", r.URL.Path),
		util.String("request_id", middleware.GetReqID(r.Context())),
		util.ErrorField(err))
	respondError(w, r, http.StatusInternalServerError, CodeSystem, "Internal server error", nil)
}
