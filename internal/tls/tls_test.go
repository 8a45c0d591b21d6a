package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"family-vault/internal/hashing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueClientCertificate(t *testing.T) {
	cc, err := IssueClientCertificate(ClientCertOptions{CommonName: "father"})
	require.NoError(t, err)

	cert, err := x509.ParseCertificate(cc.DER)
	require.NoError(t, err)
	assert.Equal(t, "father", cert.Subject.CommonName)
	assert.Equal(t, hashing.Fingerprint(cc.DER), cc.Fingerprint)
	assert.Equal(t, hashing.CertificateHash(cc.Base64), cc.CertHash)
	assert.True(t, cert.NotAfter.After(time.Now().Add(364*24*time.Hour)))

	pair, err := tls.X509KeyPair(cc.CertPEM, cc.KeyPEM)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.Certificate)
}

func TestGenerateCertReusesValidCertificate(t *testing.T) {
	dir := t.TempDir()
	g := NewDevCertGenerator(dir)

	first, err := g.GenerateCert([]string{"localhost", "127.0.0.1"})
	require.NoError(t, err)
	second, err := g.GenerateCert([]string{"localhost"})
	require.NoError(t, err)
	assert.Equal(t, first.Certificate[0], second.Certificate[0])

	_, err = os.Stat(filepath.Join(dir, "dev-key.pem"))
	assert.NoError(t, err)
}

func TestClientAuthPolicy(t *testing.T) {
	m, err := NewTLSManager(&TLSConfig{AutoCertDir: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, tls.RequestClientCert, m.ClientAuth())
	assert.Nil(t, m.GetTLSConfig().ClientCAs)

	cc, err := IssueClientCertificate(ClientCertOptions{CommonName: "ca"})
	require.NoError(t, err)
	caFile := filepath.Join(t.TempDir(), "ca.pem")
	require.NoError(t, os.WriteFile(caFile, cc.CertPEM, 0600))

	m, err = NewTLSManager(&TLSConfig{ClientCAFile: caFile})
	require.NoError(t, err)
	assert.Equal(t, tls.VerifyClientCertIfGiven, m.GetTLSConfig().ClientAuth)

	bad := filepath.Join(t.TempDir(), "bad.pem")
	require.NoError(t, os.WriteFile(bad, []byte("nope"), 0600))
	_, err = NewTLSManager(&TLSConfig{ClientCAFile: bad})
	assert.Error(t, err)
}

func TestGetCertificateSources(t *testing.T) {
	cc, err := IssueClientCertificate(ClientCertOptions{CommonName: "server"})
	require.NoError(t, err)
	dir := t.TempDir()
	certFile := filepath.Join(dir, "server.crt")
	keyFile := filepath.Join(dir, "server.key")
	require.NoError(t, os.WriteFile(certFile, cc.CertPEM, 0600))
	require.NoError(t, os.WriteFile(keyFile, cc.KeyPEM, 0600))

	m, err := NewTLSManager(&TLSConfig{CertFile: certFile, KeyFile: keyFile, Environment: "production"})
	require.NoError(t, err)
	got, err := m.GetCertificate(&tls.ClientHelloInfo{ServerName: "vault.local"})
	require.NoError(t, err)
	assert.Equal(t, cc.DER, got.Certificate[0])

	_, err = NewTLSManager(&TLSConfig{CertFile: filepath.Join(dir, "missing.crt"), KeyFile: keyFile})
	assert.Error(t, err)

	m, err = NewTLSManager(&TLSConfig{Environment: "production", AutoCertDir: t.TempDir()})
	require.NoError(t, err)
	_, err = m.GetCertificate(&tls.ClientHelloInfo{})
	assert.ErrorIs(t, err, ErrNoServerCertificate)

	m, err = NewTLSManager(&TLSConfig{Environment: "development", Domain: "localhost", AutoCertDir: t.TempDir()})
	require.NoError(t, err)
	first, err := m.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	second, err := m.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	assert.Same(t, first, second)
}
