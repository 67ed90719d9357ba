// Package tls builds the TLS configuration of the admin API, generating a
// self-signed certificate on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/loykin/prefork/internal/config"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch strings.ToLower(ver) {
	case "", "default":
		return tls.VersionTLS13, false
	case "1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

func resolveTLSVersions(cfg config.TLSConfig) (min uint16, max uint16, err error) {
	min, max = tls.VersionTLS13, tls.VersionTLS13
	if v, ok := parseTLSVersion(cfg.MinVersion); ok {
		min = v
	} else if cfg.MinVersion != "" && cfg.MinVersion != "default" {
		return 0, 0, fmt.Errorf("unknown TLS version %q", cfg.MinVersion)
	}
	if v, ok := parseTLSVersion(cfg.MaxVersion); ok {
		max = v
	} else if cfg.MaxVersion != "" && cfg.MaxVersion != "default" {
		return 0, 0, fmt.Errorf("unknown TLS version %q", cfg.MaxVersion)
	}
	if min > max {
		max = min
	}
	return min, max, nil
}

// Setup returns the server TLS config for cfg, or nil when TLS is disabled.
// Explicit cert/key files win over a certificate directory.
func Setup(cfg config.TLSConfig) (*tls.Config, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	minVer, maxVer, err := resolveTLSVersions(cfg)
	if err != nil {
		return nil, err
	}

	certPath, keyPath := cfg.CertFile, cfg.KeyFile
	if certPath == "" || keyPath == "" {
		if cfg.Dir == "" {
			return nil, errors.New("TLS enabled but no valid certificate configuration found")
		}
		certPath, keyPath = filepath.Join(cfg.Dir, tlsCrt), filepath.Join(cfg.Dir, tlsKey)
		if cfg.AutoGenerate && !certificatesExist(certPath, keyPath) {
			if err := generateCertificate(cfg.AutoGen, cfg.Dir); err != nil {
				return nil, fmt.Errorf("certificate generation failed: %w", err)
			}
		}
	}
	if _, err := tls.LoadX509KeyPair(certPath, keyPath); err != nil {
		return nil, fmt.Errorf("load certificate: %w", err)
	}
	// #nosec G402 minimum version is configurable down to TLS 1.2 only
	return &tls.Config{
		GetCertificate: certificateLoader(certPath, keyPath),
		MinVersion:     minVer,
		MaxVersion:     maxVer,
	}, nil
}

// certificateLoader rereads the key pair on every handshake so renewed files
// take effect without a restart.
func certificateLoader(certFile, keyFile string) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	certFile, keyFile = filepath.Clean(certFile), filepath.Clean(keyFile)
	return func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
		c, err := tls.LoadX509KeyPair(certFile, keyFile)
		if err != nil {
			return nil, err
		}
		return &c, nil
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generateCertificate(gen config.AutoGenTLS, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	validDays := gen.ValidDays
	if validDays <= 0 {
		validDays = 365 * 5
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   orDefault(gen.CommonName, "localhost"),
		Organization: orDefault(gen.Organization, "prefork"),
		DNSNames:     orDefaultSlice(gen.DNSNames, []string{"localhost"}),
		IPAddresses:  orDefaultSlice(gen.IPAddresses, []string{"127.0.0.1"}),
		NotAfter:     time.Now().AddDate(0, 0, validDays),
		CertPath:     filepath.Join(destDir, tlsCrt),
		KeyPath:      filepath.Join(destDir, tlsKey),
		CACertPath:   filepath.Join(destDir, tlsCaCrt),
	})
}

// CACertPath returns where a generated certificate is published for clients.
func CACertPath(dir string) string { return filepath.Join(dir, tlsCaCrt) }

func orDefault(value, def string) string {
	if value == "" {
		return def
	}
	return value
}

func orDefaultSlice(value, def []string) []string {
	if len(value) == 0 {
		return def
	}
	return value
}
