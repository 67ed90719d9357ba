package tls

import (
	"crypto/tls"
	"crypto/x509"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/prefork/internal/config"
)

func TestSetupDisabled(t *testing.T) {
	c, err := Setup(config.TLSConfig{})
	require.NoError(t, err)
	assert.Nil(t, c)
}

func TestSetupAutoGenerates(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "certs")
	c, err := Setup(config.TLSConfig{
		Enabled:      true,
		Dir:          dir,
		AutoGenerate: true,
		MinVersion:   "1.2",
		AutoGen:      config.AutoGenTLS{CommonName: "prefork.test", DNSNames: []string{"prefork.test"}},
	})
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, uint16(tls.VersionTLS12), c.MinVersion)
	assert.Equal(t, uint16(tls.VersionTLS13), c.MaxVersion)

	cert, err := c.GetCertificate(&tls.ClientHelloInfo{})
	require.NoError(t, err)
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	assert.Equal(t, "prefork.test", leaf.Subject.CommonName)
	assert.Contains(t, leaf.DNSNames, "prefork.test")

	info, err := os.Stat(filepath.Join(dir, tlsKey))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
	_, err = os.Stat(CACertPath(dir))
	require.NoError(t, err)

	// A second setup reuses the existing pair.
	before, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: dir, AutoGenerate: true})
	require.NoError(t, err)
	after, err := os.ReadFile(filepath.Join(dir, tlsCrt))
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestSetupExplicitFiles(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath := filepath.Join(dir, "a.crt"), filepath.Join(dir, "a.key")
	require.NoError(t, GenerateSelfSignedCert(CertConfig{
		CommonName: "x", Organization: "y", NotAfter: time.Now().AddDate(1, 0, 0), CertPath: certPath, KeyPath: keyPath,
	}))
	c, err := Setup(config.TLSConfig{Enabled: true, CertFile: certPath, KeyFile: keyPath})
	require.NoError(t, err)
	require.NotNil(t, c)
}

func TestSetupErrors(t *testing.T) {
	_, err := Setup(config.TLSConfig{Enabled: true})
	require.Error(t, err)
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir()})
	require.Error(t, err, "no certificate and no auto generation")
	_, err = Setup(config.TLSConfig{Enabled: true, Dir: t.TempDir(), AutoGenerate: true, MinVersion: "1.0"})
	require.Error(t, err)
}

func TestParseTLSVersion(t *testing.T) {
	v, ok := parseTLSVersion("TLS1.2")
	assert.True(t, ok)
	assert.Equal(t, uint16(tls.VersionTLS12), v)
	_, ok = parseTLSVersion("")
	assert.False(t, ok)
	_, ok = parseTLSVersion("ssl3")
	assert.False(t, ok)
}
