package hashing

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/sync/semaphore"
)

const (
	// Iterations is the fixed PBKDF2 work factor shared with clients.
	Iterations = 100000
	// KeyLength is the derived key size in bytes (256 bits).
	KeyLength = 32
	// SaltLength is the size of generated salts in bytes.
	SaltLength = 16
	// Algorithm is the identifier handed to clients with key-derivation parameters.
	Algorithm = "PBKDF2"
)

var (
	ErrInvalidHash   = errors.New("invalid hash format")
	ErrEmptySecret   = errors.New("secret must not be empty")
	ErrRandomFailure = errors.New("secure random source failed")
)

// KeyDerivationParams are the ingredients a client needs to rebuild its record key.
type KeyDerivationParams struct {
	Salt       string `json:"salt"`
	Iterations int    `json:"iterations"`
	Algorithm  string `json:"algorithm"`
}

// MasterPasswordHash is the stored verifier for a master password.
type MasterPasswordHash struct {
	Hash string `json:"hash"`
	Salt string `json:"salt"`
}

// DeriveKey stretches secret with salt into a 256-bit key using PBKDF2-HMAC-SHA256.
func DeriveKey(secret string, salt []byte) []byte {
	return pbkdf2.Key([]byte(secret), salt, Iterations, KeyLength, sha256.New)
}

// NewKeyDerivationParams returns the client-facing parameters for a stored salt.
func NewKeyDerivationParams(salt string) KeyDerivationParams {
	return KeyDerivationParams{
		Salt:       salt,
		Iterations: Iterations,
		Algorithm:  Algorithm,
	}
}

// HashMasterPassword builds a verifier. An empty salt generates a fresh one.
func HashMasterPassword(masterPassword, salt string) (*MasterPasswordHash, error) {
	if masterPassword == "" {
		return nil, ErrEmptySecret
	}
	if salt == "" {
		s, err := RandomHex(SaltLength)
		if err != nil {
			return nil, err
		}
		salt = s
	}
	key := DeriveKey(masterPassword, []byte(salt))
	return &MasterPasswordHash{
		Hash: hex.EncodeToString(key),
		Salt: salt,
	}, nil
}

// Hasher verifies master passwords while bounding how many derivations run at once.
type Hasher struct {
	slots *semaphore.Weighted
}

func NewHasher(maxConcurrent int64) *Hasher {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Hasher{slots: semaphore.NewWeighted(maxConcurrent)}
}

// VerifyMasterPassword derives the candidate verifier and compares it in constant time.
func (h *Hasher) VerifyMasterPassword(ctx context.Context, candidate string, stored *MasterPasswordHash) (bool, error) {
	if stored == nil || stored.Hash == "" || stored.Salt == "" {
		return false, ErrInvalidHash
	}
	if _, err := hex.DecodeString(stored.Hash); err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidHash, err)
	}
	if candidate == "" {
		return false, nil
	}

	if err := h.slots.Acquire(ctx, 1); err != nil {
		return false, fmt.Errorf("failed to acquire key derivation slot: %w", err)
	}
	defer h.slots.Release(1)

	derived := hex.EncodeToString(DeriveKey(candidate, []byte(stored.Salt)))
	return ConstantTimeEquals(derived, strings.ToLower(stored.Hash)), nil
}

// ConstantTimeEquals reports whether a and b are equal without leaking where they differ.
// A length mismatch returns false immediately.
func ConstantTimeEquals(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// RandomHex returns n bytes from the system CSPRNG, hex encoded.
func RandomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("%w: %v", ErrRandomFailure, err)
	}
	return hex.EncodeToString(buf), nil
}

// SecureRandomToken returns a 32-byte hex token suitable for session credentials.
func SecureRandomToken() (string, error) {
	return RandomHex(32)
}

// CertificateHash is the stable lookup key for a member's certificate: the SHA-256
// of the base64 certificate payload exactly as presented by the client.
func CertificateHash(certData string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(certData)))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is the SHA-256 digest of a DER certificate, lowercase hex without separators.
func Fingerprint(der []byte) string {
	sum := sha256.Sum256(der)
	return hex.EncodeToString(sum[:])
}

// NormalizeFingerprint strips colon separators and whitespace and lowercases the digest.
func NormalizeFingerprint(fp string) string {
	fp = strings.ReplaceAll(strings.TrimSpace(fp), ":", "")
	return strings.ToLower(fp)
}
