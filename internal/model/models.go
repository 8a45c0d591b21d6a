package model

import (
	"errors"
	"fmt"
	"time"
)

// -------------------- MEMBER MODEL --------------------

type Role string

const (
	RoleAdmin    Role = "admin"
	RoleFather   Role = "father"
	RoleMother   Role = "mother"
	RoleSon      Role = "son"
	RoleDaughter Role = "daughter"
)

var ErrInvalidRole = errors.New("invalid role")

// Roles lists every role in display order.
var Roles = []Role{RoleAdmin, RoleFather, RoleMother, RoleSon, RoleDaughter}

func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidRole, s)
}

// Preferences is the member's free-form settings document.
type Preferences struct {
	UI            map[string]any `json:"ui,omitempty"`
	Notifications map[string]any `json:"notifications,omitempty"`
	Security      map[string]any `json:"security,omitempty"`
	Misc          map[string]any `json:"misc,omitempty"`
}

type Member struct {
	MemberID        string     `json:"member_id" db:"member_id"`
	Name            string     `json:"name" db:"name"` // login name, unique
	Role            Role       `json:"role" db:"role"`
	DisplayName     string     `json:"display_name" db:"display_name"`
	Email           string     `json:"email" db:"email"`
	CertificateHash string     `json:"-" db:"cert_hash"`
	CertExpiresAt   *time.Time `json:"cert_expires_at,omitempty" db:"cert_expires_at"`
	IsActive        bool       `json:"is_active" db:"is_active"`
	// EncryptionSalt is handed to clients to rebuild their record key.
	EncryptionSalt string `json:"-" db:"encryption_salt"`
	// MasterPasswordHash and MasterPasswordSalt form the server-side verifier.
	MasterPasswordHash string      `json:"-" db:"master_password_hash"`
	MasterPasswordSalt string      `json:"-" db:"master_password_salt"`
	LoginCount         int         `json:"login_count" db:"login_count"`
	LastLoginAt        *time.Time  `json:"last_login_at,omitempty" db:"last_login_at"`
	Preferences        Preferences `json:"preferences" db:"preferences"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time   `json:"updated_at" db:"updated_at"`
}

// MemberSummary is the minimal identity returned after certificate validation.
type MemberSummary struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role Role   `json:"role"`
}

// MemberProfile is the public profile of an authenticated member.
type MemberProfile struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	DisplayName string      `json:"displayName"`
	Email       string      `json:"email,omitempty"`
	Role        Role        `json:"role"`
	Preferences Preferences `json:"preferences"`
}

func (m *Member) Summary() MemberSummary {
	return MemberSummary{ID: m.MemberID, Name: m.Name, Role: m.Role}
}

func (m *Member) Profile() MemberProfile {
	return MemberProfile{
		ID:          m.MemberID,
		Name:        m.Name,
		DisplayName: m.DisplayName,
		Email:       m.Email,
		Role:        m.Role,
		Preferences: m.Preferences,
	}
}

// CertificateExpired reports whether the per-member certificate expiry has passed.
func (m *Member) CertificateExpired(now time.Time) bool {
	return m.CertExpiresAt != nil && !now.Before(*m.CertExpiresAt)
}

// -------------------- SESSION MODEL --------------------

// Stage is the progress of a login. The only transition is
// StageCertificateValidated -> StageAuthenticated.
type Stage string

const (
	StageCertificateValidated Stage = "certificate_validated"
	StageAuthenticated        Stage = "authenticated"
)

var ErrInvalidStage = errors.New("invalid session stage")

func ParseStage(s string) (Stage, error) {
	switch Stage(s) {
	case StageCertificateValidated, StageAuthenticated:
		return Stage(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidStage, s)
}

// Promote returns the successor stage or ErrInvalidStage when none exists.
func (s Stage) Promote() (Stage, error) {
	if s == StageCertificateValidated {
		return StageAuthenticated, nil
	}
	return "", fmt.Errorf("%w: cannot promote from %q", ErrInvalidStage, s)
}

type DeviceInfo struct {
	UserAgent  string `json:"userAgent"`
	Platform   string `json:"platform"`
	AppVersion string `json:"appVersion,omitempty"`
	DeviceID   string `json:"deviceId,omitempty"`
}

type Session struct {
	SessionID       string     `json:"session_id" db:"session_id"`
	Token           string     `json:"-" db:"token"`
	MemberID        string     `json:"member_id" db:"member_id"`
	CertFingerprint string     `json:"-" db:"cert_fingerprint"`
	Stage           Stage      `json:"stage" db:"stage"`
	Device          DeviceInfo `json:"device" db:"device"`
	IPAddress       string     `json:"ip_address" db:"ip_address"`
	Trusted         bool       `json:"trusted" db:"trusted"`
	ExpiresAt       time.Time  `json:"expires_at" db:"expires_at"`
	CreatedAt       time.Time  `json:"created_at" db:"created_at"`
	LastAccessedAt  time.Time  `json:"last_accessed_at" db:"last_accessed_at"`
	IsActive        bool       `json:"is_active" db:"is_active"`
}

// Usable reports whether the session is active and unexpired at now.
func (s *Session) Usable(now time.Time) bool {
	return s.IsActive && now.Before(s.ExpiresAt)
}

// SessionDescriptor is the client view of a session.
type SessionDescriptor struct {
	ID             string    `json:"id"`
	Stage          Stage     `json:"stage"`
	CreatedAt      time.Time `json:"createdAt"`
	LastAccessedAt time.Time `json:"lastAccessedAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	Trusted        bool      `json:"trusted"`
}

func (s *Session) Descriptor() SessionDescriptor {
	return SessionDescriptor{
		ID:             s.SessionID,
		Stage:          s.Stage,
		CreatedAt:      s.CreatedAt,
		LastAccessedAt: s.LastAccessedAt,
		ExpiresAt:      s.ExpiresAt,
		Trusted:        s.Trusted,
	}
}

// Promotion is the in-place rewrite applied to a stage-1 session.
type Promotion struct {
	FromToken string
	NewToken  string
	ExpiresAt time.Time
	Trusted   bool
	At        time.Time
}

// -------------------- SECURITY EVENT MODEL --------------------

type SecurityEvent struct {
	EventID     string         `json:"event_id" db:"event_id"`
	EventBucket int            `json:"event_bucket" db:"event_bucket"`
	MemberID    string         `json:"member_id,omitempty" db:"member_id"`
	Action      string         `json:"action" db:"action"`
	Success     bool           `json:"success" db:"success"`
	IPAddress   string         `json:"ip_address" db:"ip_address"`
	UserAgent   string         `json:"user_agent" db:"user_agent"`
	Details     map[string]any `json:"details,omitempty" db:"details"`
	Timestamp   time.Time      `json:"timestamp" db:"event_time"`
}

// EventDate is the UTC day used to partition events.
func (e *SecurityEvent) EventDate() string {
	return e.Timestamp.UTC().Format("2006-01-02")
}

// -------------------- PASSWORD RECORD MODEL --------------------

// PasswordRecord is a stored vault entry. The secret fields are client-encrypted
// and opaque to the server.
type PasswordRecord struct {
	RecordID   string    `json:"record_id" db:"record_id"`
	OwnerID    string    `json:"owner_id" db:"owner_id"`
	Title      string    `json:"title" db:"title"`
	CategoryID string    `json:"category_id" db:"category_id"`
	Ciphertext string    `json:"encrypted" db:"ciphertext"`
	Salt       string    `json:"salt" db:"salt"`
	IV         string    `json:"iv" db:"iv"`
	MAC        string    `json:"mac" db:"mac"`
	Strength   string    `json:"strength" db:"strength"` // weak | fair | good | strong
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}

type DashboardStats struct {
	TotalPasswords     int       `json:"totalPasswords"`
	RecentlyAdded      int       `json:"recentlyAdded"`
	WeakPasswords      int       `json:"weakPasswords"`
	DuplicatePasswords int       `json:"duplicatePasswords"`
	LastUpdated        time.Time `json:"lastUpdated"`
}
