package handler

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"reflect"
	"strings"

	"family-vault/internal/hashing"
	"family-vault/internal/model"
	"family-vault/internal/password"
	"family-vault/internal/service"
	"family-vault/internal/util"

	"github.com/go-playground/validator/v10"
)

const (
	HeaderClientCert            = "X-Client-Cert"
	HeaderClientCertFingerprint = "X-Client-Cert-Fingerprint"

	maxBodyBytes       = 64 << 10
	maxDeviceFieldSize = 256
)

type CertificateValidateRequest struct {
	CertificateID string `json:"certificateId" validate:"required,max=128"`
}

type MasterPasswordRequest struct {
	MasterPassword string `json:"masterPassword" validate:"required,max=1024"`
	RememberDevice bool   `json:"rememberDevice"`
}

type CreateSessionRequest struct {
	DeviceInfo model.DeviceInfo `json:"deviceInfo"`
}

// GeneratePasswordRequest leaves every option optional; unset fields take
// password.DefaultOptions values.
type GeneratePasswordRequest struct {
	Length           *int  `json:"length" validate:"omitempty,min=4,max=128"`
	IncludeLowercase *bool `json:"includeLowercase"`
	IncludeUppercase *bool `json:"includeUppercase"`
	IncludeNumbers   *bool `json:"includeNumbers"`
	IncludeSymbols   *bool `json:"includeSymbols"`
	ExcludeSimilar   *bool `json:"excludeSimilar"`
}

func (req GeneratePasswordRequest) Options() password.Options {
	opts := password.DefaultOptions()
	if req.Length != nil {
		opts.Length = *req.Length
	}
	set := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	set(&opts.IncludeLowercase, req.IncludeLowercase)
	set(&opts.IncludeUppercase, req.IncludeUppercase)
	set(&opts.IncludeNumbers, req.IncludeNumbers)
	set(&opts.IncludeSymbols, req.IncludeSymbols)
	set(&opts.ExcludeSimilar, req.ExcludeSimilar)
	return opts
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// decodeAndValidate reads a JSON body into dst and validates it. An empty body
// decodes to the zero value when allowEmpty is set.
func decodeAndValidate(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if !(allowEmpty && errors.Is(err, io.EOF)) {
			return &service.FlowError{
				Err:     service.ErrInvalidInput,
				Cause:   err,
				Details: map[string]any{"body": "malformed JSON"},
			}
		}
	}
	if err := validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make(map[string]any, len(verrs))
			for _, fe := range verrs {
				fields[fe.Field()] = fe.Tag()
			}
			return &service.FlowError{Err: service.ErrInvalidInput, Cause: err, Details: fields}
		}
		return fmt.Errorf("validate request: %w", err)
	}
	return nil
}

// bearerToken extracts the token of an "Authorization: Bearer" header.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return ""
}

// clientCertificate returns the presented certificate as base64 DER. A TLS
// peer certificate wins over the header, which only serves deployments that
// terminate TLS in front of the service.
func clientCertificate(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return base64.StdEncoding.EncodeToString(r.TLS.PeerCertificates[0].Raw)
	}
	return strings.TrimSpace(r.Header.Get(HeaderClientCert))
}

// clientFingerprint returns the SHA-256 of the TLS peer certificate, or the
// fingerprint header when no peer certificate was presented.
func clientFingerprint(r *http.Request) string {
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		return hashing.Fingerprint(r.TLS.PeerCertificates[0].Raw)
	}
	return strings.TrimSpace(r.Header.Get(HeaderClientCertFingerprint))
}

// requestMeta collects the caller's address after realIP ran.
func requestMeta(r *http.Request) service.RequestMeta {
	ip := r.RemoteAddr
	if host, _, err := net.SplitHostPort(ip); err == nil {
		ip = host
	}
	return service.RequestMeta{
		IPAddress: ip,
		UserAgent: util.SanitizeInput(r.UserAgent(), maxDeviceFieldSize),
	}
}

func sanitizeDevice(d model.DeviceInfo) model.DeviceInfo {
	return model.DeviceInfo{
		UserAgent:  util.SanitizeInput(d.UserAgent, maxDeviceFieldSize),
		Platform:   util.SanitizeInput(d.Platform, maxDeviceFieldSize),
		AppVersion: util.SanitizeInput(d.AppVersion, maxDeviceFieldSize),
		DeviceID:   util.SanitizeInput(d.DeviceID, maxDeviceFieldSize),
	}
}
