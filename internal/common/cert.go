package common

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"

	"github.com/devhatro/dbgateway/internal/logger"
)

var certLog = logger.WithComponent("tls")

// TLSProfile describes how the gateway secures a backend connection.
type TLSProfile struct {
	Enabled            bool   `yaml:"enabled"`
	CertFile           string `yaml:"cert_file,omitempty"`
	KeyFile            string `yaml:"key_file,omitempty"`
	CAFile             string `yaml:"ca_file,omitempty"`
	ServerName         string `yaml:"server_name,omitempty"`
	MinVersion         string `yaml:"min_version,omitempty"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify,omitempty"`
}

// LoadCertificate loads a client certificate and key from files
func LoadCertificate(certFile, keyFile string) (tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to load certificate: %w", err)
	}

	x509Cert, err := x509.ParseCertificate(cert.Certificate[0])
	if err != nil {
		return tls.Certificate{}, fmt.Errorf("failed to parse certificate: %w", err)
	}
	certLog.Debug("🔐 Client certificate CN=%s expires %s", x509Cert.Subject.CommonName, x509Cert.NotAfter.Format("2006-01-02"))
	return cert, nil
}

// LoadCA loads a CA bundle from a file
func LoadCA(caFile string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to append CA certificate from %s", caFile)
	}
	return pool, nil
}

// ParseTLSVersion maps "1.2"/"1.3" to the crypto/tls constant. Empty means 1.2.
func ParseTLSVersion(v string) (uint16, error) {
	switch strings.TrimPrefix(strings.ToLower(v), "tls") {
	case "", "1.2":
		return tls.VersionTLS12, nil
	case "1.3":
		return tls.VersionTLS13, nil
	default:
		return 0, fmt.Errorf("unsupported TLS version %q", v)
	}
}

// LoadBackendTLSConfig builds the client-side TLS configuration for a backend
// server. It returns nil when the profile is disabled.
func LoadBackendTLSConfig(p TLSProfile, host string) (*tls.Config, error) {
	if !p.Enabled {
		return nil, nil
	}
	minVersion, err := ParseTLSVersion(p.MinVersion)
	if err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion:         minVersion,
		ServerName:         p.ServerName,
		InsecureSkipVerify: p.InsecureSkipVerify,
		// Reconnects resume the previous session when the backend allows it.
		ClientSessionCache: tls.NewLRUClientSessionCache(16),
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}

	if p.CertFile != "" || p.KeyFile != "" {
		if p.CertFile == "" || p.KeyFile == "" {
			return nil, fmt.Errorf("cert_file and key_file must be set together")
		}
		cert, err := LoadCertificate(p.CertFile, p.KeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if p.CAFile != "" {
		pool, err := LoadCA(p.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}

	if p.InsecureSkipVerify {
		certLog.Warn("⚠️  Certificate verification disabled for backend %s", host)
	}
	return cfg, nil
}
