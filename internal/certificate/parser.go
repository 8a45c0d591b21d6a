package certificate

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
	"time"

	"family-vault/internal/hashing"
)

var ErrParse = errors.New("certificate parse error")

// Descriptor is the normalized view of a client certificate.
type Descriptor struct {
	Fingerprint  string    `json:"fingerprint"`
	SerialNumber string    `json:"serialNumber"`
	Subject      string    `json:"subject"`
	Issuer       string    `json:"issuer"`
	ValidFrom    time.Time `json:"validFrom"`
	ValidTo      time.Time `json:"validTo"`
}

// Parser turns the certificate payload presented by a client into a Descriptor.
type Parser interface {
	Parse(certData string) (*Descriptor, error)
}

// X509Parser accepts base64 DER or a PEM block.
type X509Parser struct{}

func (X509Parser) Parse(certData string) (*Descriptor, error) {
	der, err := decode(certData)
	if err != nil {
		return nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return Describe(cert), nil
}

// Describe builds a Descriptor from an already parsed certificate.
func Describe(cert *x509.Certificate) *Descriptor {
	return &Descriptor{
		Fingerprint:  hashing.Fingerprint(cert.Raw),
		SerialNumber: cert.SerialNumber.Text(16),
		Subject:      cert.Subject.String(),
		Issuer:       cert.Issuer.String(),
		ValidFrom:    cert.NotBefore.UTC(),
		ValidTo:      cert.NotAfter.UTC(),
	}
}

// EncodeDER renders a DER certificate in the base64 form clients send in the
// x-client-cert header.
func EncodeDER(der []byte) string {
	return base64.StdEncoding.EncodeToString(der)
}

func decode(certData string) ([]byte, error) {
	data := strings.TrimSpace(certData)
	if data == "" {
		return nil, fmt.Errorf("%w: empty certificate", ErrParse)
	}
	if strings.HasPrefix(data, "-----BEGIN") {
		block, _ := pem.Decode([]byte(data))
		if block == nil || block.Type != "CERTIFICATE" {
			return nil, fmt.Errorf("%w: invalid PEM block", ErrParse)
		}
		return block.Bytes, nil
	}
	der, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64: %v", ErrParse, err)
	}
	return der, nil
}
