// Package tls configures HTTPS for the dashboard, generating a self-signed
// certificate on first use when asked to.
package tls

import (
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	tlsCaCrt = "tls_ca.crt"
	tlsCrt   = "tls.crt"
	tlsKey   = "tls.key"
)

// Options is the [server.tls] section.
type Options struct {
	Enabled      bool     `toml:"enabled" mapstructure:"enabled"`
	CertFile     string   `toml:"cert_file" mapstructure:"cert_file"`
	KeyFile      string   `toml:"key_file" mapstructure:"key_file"`
	Dir          string   `toml:"dir" mapstructure:"dir"`
	AutoGenerate bool     `toml:"auto_generate" mapstructure:"auto_generate"`
	MinVersion   string   `toml:"min_version" mapstructure:"min_version"`
	Hosts        []string `toml:"hosts" mapstructure:"hosts"` // DNS names and IPs for generated certs
	ValidDays    int      `toml:"valid_days" mapstructure:"valid_days"`
}

// Validate reports configuration that can never produce a certificate.
func (o Options) Validate() error {
	if !o.Enabled {
		return nil
	}
	if (o.CertFile == "") != (o.KeyFile == "") {
		return errors.New("tls: cert_file and key_file must be set together")
	}
	if o.CertFile == "" && o.Dir == "" {
		return errors.New("tls: enabled but neither cert_file/key_file nor dir is set")
	}
	if _, ok := parseTLSVersion(o.MinVersion); !ok && o.MinVersion != "" && o.MinVersion != "default" {
		return fmt.Errorf("tls: unknown min_version %q", o.MinVersion)
	}
	return nil
}

// parseTLSVersion parses TLS version string and returns the corresponding constant
func parseTLSVersion(ver string) (uint16, bool) {
	switch ver {
	case "", "default":
		return tls.VersionTLS12, false
	case "1.2", "TLS1.2", "tls1.2":
		return tls.VersionTLS12, true
	case "1.3", "TLS1.3", "tls1.3":
		return tls.VersionTLS13, true
	default:
		return 0, false
	}
}

// Setup returns the server TLS config, or nil when TLS is disabled. With Dir
// set and AutoGenerate on, a missing certificate is generated first.
func Setup(o Options) (*tls.Config, error) {
	if !o.Enabled {
		return nil, nil
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	minVer, _ := parseTLSVersion(o.MinVersion)

	if o.CertFile != "" {
		return serverConfig(o.CertFile, o.KeyFile, minVer), nil
	}
	certPath := filepath.Join(o.Dir, tlsCrt)
	keyPath := filepath.Join(o.Dir, tlsKey)
	if !certificatesExist(certPath, keyPath) {
		if !o.AutoGenerate {
			return nil, fmt.Errorf("tls: %s not found and auto_generate is off", certPath)
		}
		if err := generate(o); err != nil {
			return nil, fmt.Errorf("certificate generation failed: %w", err)
		}
	}
	return serverConfig(certPath, keyPath, minVer), nil
}

// safeReadFile reads file content safely within base directory
func safeReadFile(baseDir, p string) ([]byte, error) {
	clean := filepath.Clean(p)
	absBase, _ := filepath.Abs(baseDir)
	absFile, _ := filepath.Abs(clean)
	if !strings.HasPrefix(absFile, absBase+string(filepath.Separator)) && absFile != absBase {
		return nil, errors.New("file path outside of allowed directory")
	}
	return os.ReadFile(clean)
}

// serverConfig reloads the key pair on every handshake so renewed
// certificates are picked up without a restart.
func serverConfig(certPath, keyPath string, minVer uint16) *tls.Config {
	certDir, keyDir := filepath.Dir(certPath), filepath.Dir(keyPath)
	// #nosec G402 min version is configurable down to TLS 1.2
	return &tls.Config{
		MinVersion: minVer,
		GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
			certPEM, err := safeReadFile(certDir, certPath)
			if err != nil {
				return nil, err
			}
			keyPEM, err := safeReadFile(keyDir, keyPath)
			if err != nil {
				return nil, err
			}
			cert, err := tls.X509KeyPair(certPEM, keyPEM)
			return &cert, err
		},
	}
}

func certificatesExist(certPath, keyPath string) bool {
	_, certErr := os.Stat(certPath)
	_, keyErr := os.Stat(keyPath)
	return certErr == nil && keyErr == nil
}

func generate(o Options) error {
	if err := os.MkdirAll(o.Dir, 0o750); err != nil {
		return fmt.Errorf("failed to create destination directory: %w", err)
	}
	hosts := o.Hosts
	if len(hosts) == 0 {
		hosts = []string{"localhost", "127.0.0.1"}
	}
	days := o.ValidDays
	if days <= 0 {
		days = 365
	}
	return GenerateSelfSignedCert(CertConfig{
		CommonName:   hosts[0],
		Organization: "tunnelmon",
		Hosts:        hosts,
		NotAfter:     time.Now().AddDate(0, 0, days),
		CertPath:     filepath.Join(o.Dir, tlsCrt),
		KeyPath:      filepath.Join(o.Dir, tlsKey),
		CACertPath:   filepath.Join(o.Dir, tlsCaCrt),
	})
}
