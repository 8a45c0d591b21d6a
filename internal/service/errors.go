package service

import (
	"errors"
	"fmt"
)

var (
	ErrRateLimitExceeded     = errors.New("rate limit exceeded")
	ErrCertificateMissing    = errors.New("client certificate not provided")
	ErrCertificateInvalid    = errors.New("client certificate invalid")
	ErrSessionTokenMissing   = errors.New("session token required")
	ErrSessionInvalid        = errors.New("session invalid")
	ErrSessionNotFound       = errors.New("session not found")
	ErrInvalidTempToken      = errors.New("invalid or expired temporary token")
	ErrMasterPasswordInvalid = errors.New("invalid master password")
	ErrAccountLocked         = errors.New("account temporarily locked")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrInvalidInput          = errors.New("invalid input")
	ErrSystem                = errors.New("system error")
)

// FlowError is returned by the authentication flows. Err is one of the
// sentinels above; Details are safe to show to the caller; Cause stays internal.
type FlowError struct {
	Err     error
	Details map[string]any
	Cause   error
}

func (e *FlowError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%v: %v", e.Err, e.Cause)
	}
	return e.Err.Error()
}

func (e *FlowError) Unwrap() []error {
	if e.Cause != nil {
		return []error{e.Err, e.Cause}
	}
	return []error{e.Err}
}

func flowError(sentinel error, details map[string]any) *FlowError {
	return &FlowError{Err: sentinel, Details: details}
}

func systemError(cause error) *FlowError {
	return &FlowError{Err: ErrSystem, Cause: cause}
}

// Details extracts the public details of err, if any.
func Details(err error) map[string]any {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Details
	}
	return nil
}
