package card

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
)

// Signer implements crypto.Signer on top of an Identity, so that CMS and
// XML-DSig builders can use a card or mock key without knowing about it.
type Signer struct {
	identity    Identity
	certificate *x509.Certificate
}

// NewSigner fetches the identity certificate once and keeps it for Public.
func NewSigner(id Identity) (*Signer, error) {
	if id == nil {
		return nil, errors.New("identity cannot be nil")
	}
	cert, err := id.Certificate()
	if err != nil {
		return nil, fmt.Errorf("failed to get certificate: %w", err)
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return nil, fmt.Errorf("unsupported public key type %T", cert.PublicKey)
	}
	return &Signer{identity: id, certificate: cert}, nil
}

// Certificate returns the certificate the signer was created with.
func (s *Signer) Certificate() *x509.Certificate {
	return s.certificate
}

// Public returns the certificate public key.
func (s *Signer) Public() crypto.PublicKey {
	return s.certificate.PublicKey
}

// Sign signs a digest computed with opts.HashFunc(). PSS is not available
// on the card.
func (s *Signer) Sign(_ io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if _, ok := opts.(*rsa.PSSOptions); ok {
		return nil, errors.New("RSA-PSS is not supported by the card")
	}
	alg, err := AlgorithmForHash(opts.HashFunc())
	if err != nil {
		return nil, err
	}
	return s.identity.Sign(digest, alg)
}
