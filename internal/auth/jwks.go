package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"os"

	"github.com/google/uuid"
)

// KeySet holds the RSA key access tokens are signed with.
type KeySet struct {
	privateKey *rsa.PrivateKey
	kid        string
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

type JWK struct {
	Kty string `json:"kty"`
	Use string `json:"use"`
	Alg string `json:"alg"`
	Kid string `json:"kid"`
	N   string `json:"n"`
	E   string `json:"e"`
}

// NewKeySet generates an ephemeral key. Tokens it signs do not survive a
// restart and are not accepted by other replicas.
func NewKeySet() (*KeySet, error) {
	pk, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	return &KeySet{
		privateKey: pk,
		kid:        uuid.NewString(),
	}, nil
}

// LoadKeySet reads a PEM encoded PKCS#1 or PKCS#8 RSA private key. The key
// id is derived from the public key so every replica advertises the same kid.
func LoadKeySet(path string) (*KeySet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.New("signing key is not PEM encoded")
	}

	var pk *rsa.PrivateKey
	switch block.Type {
	case "RSA PRIVATE KEY":
		pk, err = x509.ParsePKCS1PrivateKey(block.Bytes)
	case "PRIVATE KEY":
		var key any
		key, err = x509.ParsePKCS8PrivateKey(block.Bytes)
		if err == nil {
			var ok bool
			if pk, ok = key.(*rsa.PrivateKey); !ok {
				err = errors.New("signing key is not RSA")
			}
		}
	default:
		err = fmt.Errorf("unsupported PEM block %q", block.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse signing key: %w", err)
	}

	sum := sha256.Sum256(x509.MarshalPKCS1PublicKey(&pk.PublicKey))
	return &KeySet{privateKey: pk, kid: hex.EncodeToString(sum[:8])}, nil
}

func (ks *KeySet) PrivateKey() *rsa.PrivateKey { return ks.privateKey }

func (ks *KeySet) PublicKey() *rsa.PublicKey {
	if ks.privateKey == nil {
		return nil
	}
	return &ks.privateKey.PublicKey
}

func (ks *KeySet) KeyID() string { return ks.kid }

func (ks *KeySet) JWKS() (JWKS, error) {
	pub := ks.PublicKey()
	if pub == nil {
		return JWKS{}, errors.New("missing public key")
	}

	return JWKS{Keys: []JWK{rsaPublicJWK(ks.kid, pub)}}, nil
}

func rsaPublicJWK(kid string, pub *rsa.PublicKey) JWK {
	// RFC7517: modulus and exponent are base64url-encoded big-endian.
	return JWK{
		Kty: "RSA",
		Use: "sig",
		Alg: "RS256",
		Kid: kid,
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}
}
