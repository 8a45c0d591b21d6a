package service

import (
	"sync"

	"family-vault/internal/audit"
	"family-vault/internal/certificate"
	"family-vault/internal/config"
	"family-vault/internal/hashing"
	"family-vault/internal/model"
	"family-vault/internal/ratelimit"
	"family-vault/internal/session"
)

// Repositories is the storage backing the services.
type Repositories struct {
	Members  model.MemberRepository
	Sessions model.SessionRepository
	Events   model.SecurityEventRepository
	Records  model.PasswordRecordRepository
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg      *config.Config
	repos    Repositories
	limiter  ratelimit.Limiter
	lockout  ratelimit.Lockout
	recorder *audit.Recorder

	once        sync.Once
	sessions    *session.Manager
	authService *AuthService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(
	cfg *config.Config,
	repos Repositories,
	limiter ratelimit.Limiter,
	lockout ratelimit.Lockout,
	recorder *audit.Recorder,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		repos:    repos,
		limiter:  limiter,
		lockout:  lockout,
		recorder: recorder,
	}
}

func (f *ServiceFactory) build() {
	f.once.Do(func() {
		f.sessions = session.NewManager(f.repos.Sessions, f.repos.Members)
		f.authService = NewAuthService(Dependencies{
			Members:      f.repos.Members,
			Records:      f.repos.Records,
			Sessions:     f.sessions,
			Certificates: certificate.NewValidator(f.repos.Members, nil),
			Hasher:       hashing.NewHasher(f.cfg.Auth.MaxConcurrentKDF),
			Limiter:      f.limiter,
			Lockout:      f.lockout,
			Audit:        f.recorder,
		}, PolicyFromConfig(f.cfg.Auth))
	})
}

// AuthService returns the auth service instance (singleton)
func (f *ServiceFactory) AuthService() *AuthService {
	f.build()
	return f.authService
}

// SessionManager returns the session manager shared with AuthService.
func (f *ServiceFactory) SessionManager() *session.Manager {
	f.build()
	return f.sessions
}

func (f *ServiceFactory) Recorder() *audit.Recorder {
	return f.recorder
}
