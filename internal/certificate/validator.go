// Package certificate validates client certificates against their own validity
// window, a claimed fingerprint and the member registry.
package certificate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"family-vault/internal/hashing"
	"family-vault/internal/model"
)

type Reason string

const (
	ReasonParseError          Reason = "certificate_parse_error"
	ReasonExpired             Reason = "certificate_expired"
	ReasonFingerprintMismatch Reason = "fingerprint_mismatch"
	ReasonUserNotFound        Reason = "user_not_found"
)

// Result is the typed outcome of a validation. Valid results carry the owning
// member and the certificate descriptor; invalid ones carry a Reason.
type Result struct {
	Valid       bool
	Reason      Reason
	Member      *model.Member
	Certificate *Descriptor
}

func invalid(r Reason, d *Descriptor) *Result {
	return &Result{Reason: r, Certificate: d}
}

type Validator struct {
	parser  Parser
	members model.MemberRepository
	now     func() time.Time
}

func NewValidator(members model.MemberRepository, parser Parser) *Validator {
	if parser == nil {
		parser = X509Parser{}
	}
	return &Validator{parser: parser, members: members, now: time.Now}
}

// WithClock replaces the time source.
func (v *Validator) WithClock(now func() time.Time) *Validator {
	v.now = now
	return v
}

// Validate checks certData (base64 DER or PEM) against claimedFingerprint.
// A non-nil error means the member registry could not be consulted.
func (v *Validator) Validate(ctx context.Context, certData, claimedFingerprint string) (*Result, error) {
	desc, err := v.parser.Parse(certData)
	if err != nil {
		return invalid(ReasonParseError, nil), nil
	}

	now := v.now()
	if now.Before(desc.ValidFrom) || now.After(desc.ValidTo) {
		return invalid(ReasonExpired, desc), nil
	}

	if !hashing.ConstantTimeEquals(desc.Fingerprint, hashing.NormalizeFingerprint(claimedFingerprint)) {
		return invalid(ReasonFingerprintMismatch, desc), nil
	}

	member, err := v.members.GetByCertificateHash(ctx, hashing.CertificateHash(certData))
	if err != nil {
		if errors.Is(err, model.ErrNotFound) {
			return invalid(ReasonUserNotFound, desc), nil
		}
		return nil, fmt.Errorf("failed to look up certificate owner: %w", err)
	}
	if !member.IsActive {
		return invalid(ReasonUserNotFound, desc), nil
	}
	if member.CertificateExpired(now) {
		return invalid(ReasonExpired, desc), nil
	}

	return &Result{Valid: true, Member: member, Certificate: desc}, nil
}
