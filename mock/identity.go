// Package mock provides a deterministic signing identity and card
// transports that let the whole signing pipeline run without hardware.
package mock

import (
	"bytes"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/card"
	"software.sslmate.com/src/go-pkcs12"
)

// ATRPrefix marks an ATR that selects the mock identity instead of a card.
var ATRPrefix = []byte("MOCK")

// ATR is the ATR reported by mock transports.
var ATR = []byte("MOCK-CIE-0001")

// IsMockATR reports whether atr selects the mock identity.
func IsMockATR(atr []byte) bool {
	return bytes.HasPrefix(atr, ATRPrefix)
}

var errClosed = errors.New("mock identity closed")

// Identity is an in-process card.Identity. The key is parsed when the
// identity is created and dropped by Close; one Identity belongs to one
// signing context.
type Identity struct {
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

// New builds an Identity from the embedded material.
func New() (*Identity, error) {
	return FromPEM([]byte(CertificatePEM), []byte(PrivateKeyPEM))
}

// FromPEM builds an Identity from a PEM certificate and a PKCS#1 or PKCS#8
// RSA private key.
func FromPEM(certPEM, keyPEM []byte) (*Identity, error) {
	certBlock, _ := pem.Decode(certPEM)
	if certBlock == nil {
		return nil, errors.New("failed to parse certificate PEM")
	}
	cert, err := x509.ParseCertificate(certBlock.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, errors.New("failed to parse private key PEM")
	}
	key, err := parseRSAKey(keyBlock.Bytes)
	if err != nil {
		return nil, err
	}

	return newIdentity(cert, key)
}

// LoadPKCS12 builds an Identity from a PKCS#12 bundle.
func LoadPKCS12(data []byte, password string) (*Identity, error) {
	key, cert, _, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return newIdentity(cert, rsaKey)
}

func newIdentity(cert *x509.Certificate, key *rsa.PrivateKey) (*Identity, error) {
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok || !pub.Equal(&key.PublicKey) {
		return nil, errors.New("private key does not match certificate")
	}
	return &Identity{cert: cert, key: key}, nil
}

func parseRSAKey(der []byte) (*rsa.PrivateKey, error) {
	if key, err := x509.ParsePKCS1PrivateKey(der); err == nil {
		return key, nil
	}
	key, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unsupported private key type %T", key)
	}
	return rsaKey, nil
}

// Certificate returns the mock certificate.
func (i *Identity) Certificate() (*x509.Certificate, error) {
	if i.key == nil {
		return nil, errClosed
	}
	return i.cert, nil
}

// Sign produces a PKCS#1 v1.5 signature exactly as the card would.
func (i *Identity) Sign(data []byte, alg card.Algorithm) ([]byte, error) {
	if i.key == nil {
		return nil, errClosed
	}
	block, err := card.DigestInfo(alg, data)
	if err != nil {
		return nil, err
	}
	return rsa.SignPKCS1v15(nil, i.key, 0, block)
}

// PrivateKey exposes the key for tests that need to build fixtures.
func (i *Identity) PrivateKey() *rsa.PrivateKey {
	return i.key
}

// Close drops the key material.
func (i *Identity) Close() error {
	i.key = nil
	return nil
}
