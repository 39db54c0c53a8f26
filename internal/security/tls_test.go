package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generateSelfSignedCert(t *testing.T, commonName string) (certFile, keyFile string) {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	template := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: commonName},
		NotBefore:             time.Now(),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &privateKey.PublicKey, privateKey)
	require.NoError(t, err)

	tmpDir := t.TempDir()
	certFile = filepath.Join(tmpDir, "test.crt")
	keyFile = filepath.Join(tmpDir, "test.key")

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	require.NoError(t, os.WriteFile(certFile, certPEM, 0600))

	keyDER, err := x509.MarshalPKCS8PrivateKey(privateKey)
	require.NoError(t, err)
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: keyDER})
	require.NoError(t, os.WriteFile(keyFile, keyPEM, 0600))

	return certFile, keyFile
}

func TestVerifyTLSFilesExists(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "test")
	assert.NoError(t, VerifyTLSFiles(certFile, keyFile, certFile))
}

func TestVerifyTLSFilesMissing(t *testing.T) {
	assert.Error(t, VerifyTLSFiles("/nonexistent/cert.crt", "/nonexistent/key.key", "/nonexistent/ca.crt"))
}

func TestVerifyTLSFilesEmpty(t *testing.T) {
	assert.Error(t, VerifyTLSFiles("", "", ""))
}

func TestLoadServerTLSConfig(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "loan-adjustments")

	cfg, err := LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: certFile, RequireClientAuth: true})
	require.NoError(t, err)
	assert.Equal(t, uint16(tls.VersionTLS13), cfg.MinVersion)
	assert.Equal(t, tls.RequireAndVerifyClientCert, cfg.ClientAuth)
	assert.NotNil(t, cfg.ClientCAs)

	_, err = LoadServerTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile, CAFile: keyFile})
	assert.Error(t, err, "a key is not a CA bundle")
}

func TestLoadClientTLSConfig(t *testing.T) {
	certFile, keyFile := generateSelfSignedCert(t, "lending")

	cfg, err := LoadClientTLSConfig(TLSConfig{CAFile: certFile})
	require.NoError(t, err)
	assert.Empty(t, cfg.Certificates)
	assert.NotNil(t, cfg.RootCAs)

	cfg, err = LoadClientTLSConfig(TLSConfig{CertFile: certFile, KeyFile: keyFile})
	require.NoError(t, err)
	assert.Len(t, cfg.Certificates, 1)

	_, err = LoadClientTLSConfig(TLSConfig{CertFile: certFile})
	assert.Error(t, err)
}

func TestClientIdentity(t *testing.T) {
	cert := &x509.Certificate{Subject: pkix.Name{CommonName: "collections-worker", Organization: []string{"lending"}}}

	service, orgs, err := ClientIdentity(cert)
	require.NoError(t, err)
	assert.Equal(t, "collections-worker", service)
	assert.Equal(t, []string{"lending"}, orgs)

	_, _, err = ClientIdentity(nil)
	assert.Error(t, err)

	_, _, err = ClientIdentity(&x509.Certificate{})
	assert.Error(t, err)
}

func TestPeerIdentity(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, PeerIdentity(r))

	r.TLS = &tls.ConnectionState{VerifiedChains: [][]*x509.Certificate{{
		{Subject: pkix.Name{CommonName: "ops-console"}},
	}}}
	assert.Equal(t, "ops-console", PeerIdentity(r))
}
