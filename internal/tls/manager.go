// Package tls builds the server TLS configuration and issues the client
// certificates family members authenticate with.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"sync"

	"family-vault/internal/util"

	"golang.org/x/crypto/acme/autocert"
)

var ErrNoServerCertificate = errors.New("no server certificate configured")

type TLSManager struct {
	config    *TLSConfig
	autoCert  *autocert.Manager
	static    *tls.Certificate
	clientCAs *x509.CertPool

	devOnce sync.Once
	devCert *tls.Certificate
	devErr  error
}

type TLSConfig struct {
	EnableTLS   bool
	AutoCert    bool
	Domain      string
	CertFile    string
	KeyFile     string
	AutoCertDir string
	Email       string
	Environment string
	// ClientCAFile, when set, makes the server verify presented client
	// certificates against this bundle.
	ClientCAFile string
}

// NewTLSManager loads the configured key pair and client CA bundle up front so
// a bad path fails at startup instead of on the first handshake.
func NewTLSManager(config *TLSConfig) (*TLSManager, error) {
	manager := &TLSManager{config: config}

	if config.AutoCert && config.EnableTLS {
		if err := manager.setupAutoCert(); err != nil {
			return nil, err
		}
	}

	if config.CertFile != "" || config.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(config.CertFile, config.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load server certificate: %w", err)
		}
		manager.static = &cert
	}

	if config.ClientCAFile != "" {
		pool, err := loadCertPool(config.ClientCAFile)
		if err != nil {
			return nil, err
		}
		manager.clientCAs = pool
	}

	return manager, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	pemData, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read client CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pemData) {
		return nil, fmt.Errorf("client CA bundle %s contains no certificates", path)
	}
	return pool, nil
}

func (m *TLSManager) setupAutoCert() error {
	if err := os.MkdirAll(m.config.AutoCertDir, 0700); err != nil {
		return fmt.Errorf("failed to create autocert directory: %w", err)
	}

	m.autoCert = &autocert.Manager{
		Prompt:     autocert.AcceptTOS,
		HostPolicy: autocert.HostWhitelist(m.config.Domain),
		Cache:      autocert.DirCache(m.config.AutoCertDir),
		Email:      m.config.Email,
	}

	util.Info("AutoCert configured",
		util.String("domain", m.config.Domain),
		util.String("cache_dir", m.config.AutoCertDir))
	return nil
}

// GetCertificate prefers ACME, then the configured key pair. Outside
// production it falls back to a cached self-signed development certificate.
func (m *TLSManager) GetCertificate(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
	if m.autoCert != nil {
		cert, err := m.autoCert.GetCertificate(hello)
		if err == nil {
			return cert, nil
		}
		if m.static == nil {
			return nil, err
		}
		util.Warn("AutoCert unavailable, serving configured certificate", util.ErrorField(err))
	}

	if m.static != nil {
		return m.static, nil
	}

	if m.config.Environment == "production" {
		return nil, ErrNoServerCertificate
	}
	return m.developmentCertificate()
}

func (m *TLSManager) developmentCertificate() (*tls.Certificate, error) {
	m.devOnce.Do(func() {
		hosts := []string{m.config.Domain, "localhost", "127.0.0.1", "::1"}
		cert, err := NewDevCertGenerator(m.config.AutoCertDir).GenerateCert(hosts)
		if err != nil {
			m.devErr = fmt.Errorf("failed to generate self-signed certificate: %w", err)
			return
		}
		m.devCert = &cert
	})
	return m.devCert, m.devErr
}

// ClientAuth is the client-certificate policy. Certificates are always requested;
// they are chain-verified only when a client CA bundle is configured. Ownership
// and expiry are checked by the application either way.
func (m *TLSManager) ClientAuth() tls.ClientAuthType {
	if m.clientCAs != nil {
		return tls.VerifyClientCertIfGiven
	}
	return tls.RequestClientCert
}

func (m *TLSManager) GetTLSConfig() *tls.Config {
	cfg := &tls.Config{
		GetCertificate: m.GetCertificate,
		ClientAuth:     m.ClientAuth(),
		ClientCAs:      m.clientCAs,
		NextProtos:     []string{"h2", "http/1.1"},
		MinVersion:     tls.VersionTLS12,
		CurvePreferences: []tls.CurveID{
			tls.X25519,
			tls.CurveP256,
		},
		// TLS 1.2 only; 1.3 suites are not configurable.
		CipherSuites: []uint16{
			tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
			tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305,
			tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
			tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		},
	}
	if m.autoCert != nil {
		cfg.NextProtos = append(cfg.NextProtos, "acme-tls/1")
	}
	return cfg
}

func (m *TLSManager) GetAutocertManager() *autocert.Manager {
	return m.autoCert
}
