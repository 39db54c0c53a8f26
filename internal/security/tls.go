package security

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"os"
)

// TLSConfig holds TLS configuration.
type TLSConfig struct {
	CertFile          string
	KeyFile           string
	CAFile            string
	RequireClientAuth bool
}

var tls13Suites = []uint16{
	tls.TLS_AES_256_GCM_SHA384,
	tls.TLS_CHACHA20_POLY1305_SHA256,
}

// LoadServerTLSConfig loads server TLS configuration with mutual TLS support.
func LoadServerTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load server certificate and key: %w", err)
	}

	clientAuth := tls.NoClientCert
	if cfg.RequireClientAuth {
		clientAuth = tls.RequireAndVerifyClientCert
	}

	tlsCfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
		CipherSuites: tls13Suites,
		ClientAuth:   clientAuth,
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.ClientCAs = pool
	}

	return tlsCfg, nil
}

// LoadClientTLSConfig loads the configuration used to call the lending
// service. The client certificate is optional; CAFile pins the server CA.
func LoadClientTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	tlsCfg := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		CipherSuites: tls13Suites,
	}

	if cfg.CertFile != "" || cfg.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		tlsCfg.Certificates = []tls.Certificate{cert}
	}

	if cfg.CAFile != "" {
		pool, err := loadCertPool(cfg.CAFile)
		if err != nil {
			return nil, err
		}
		tlsCfg.RootCAs = pool
	}

	return tlsCfg, nil
}

func loadCertPool(caFile string) (*x509.CertPool, error) {
	caData, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caData) {
		return nil, errors.New("failed to parse CA certificate")
	}
	return pool, nil
}

// VerifyTLSFiles verifies that all required TLS files exist.
func VerifyTLSFiles(certFile, keyFile, caFile string) error {
	for _, file := range []string{certFile, keyFile, caFile} {
		if file == "" {
			return errors.New("TLS file path must not be empty")
		}
		if _, err := os.Stat(file); err != nil {
			return fmt.Errorf("TLS file not found: %s - %w", file, err)
		}
	}
	return nil
}

// ClientIdentity returns the common name of a verified client certificate
// and its organizations.
func ClientIdentity(clientCert *x509.Certificate) (service string, orgs []string, err error) {
	if clientCert == nil {
		return "", nil, errors.New("client certificate is nil")
	}

	service = clientCert.Subject.CommonName
	if service == "" {
		return "", nil, errors.New("certificate Common Name is empty")
	}
	return service, clientCert.Subject.Organization, nil
}

// PeerIdentity returns the common name of the verified mTLS peer of r, if any.
func PeerIdentity(r *http.Request) string {
	if r.TLS == nil || len(r.TLS.VerifiedChains) == 0 || len(r.TLS.VerifiedChains[0]) == 0 {
		return ""
	}
	service, _, err := ClientIdentity(r.TLS.VerifiedChains[0][0])
	if err != nil {
		return ""
	}
	return service
}
