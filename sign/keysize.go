package sign

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/digitorus/pkcs7"
	"github.com/mapo80/cie-middleware-mobile/revocation"
)

var (
	ErrNilSigner      = errors.New("signer cannot be nil")
	ErrNilCertificate = errors.New("certificate cannot be nil")
	ErrUnsupportedKey = errors.New("unsupported key type")
	ErrKeyMismatch    = errors.New("signer public key does not match certificate")
)

// DefaultSignatureSize is the smallest placeholder ever reserved.
const DefaultSignatureSize = 8192

const (
	signatureBaseSize = 512
	tsaAllowance      = 9000
)

// PublicKeySignatureSize returns the largest signature pub can produce.
// ECDSA signatures are DER SEQUENCEs of two INTEGERs, which adds up to
// nine bytes of framing to the two coordinates.
func PublicKeySignatureSize(pub crypto.PublicKey) (int, error) {
	switch k := pub.(type) {
	case *rsa.PublicKey:
		if k.N == nil {
			return 0, fmt.Errorf("%w: RSA key has nil modulus", ErrUnsupportedKey)
		}
		return k.Size(), nil
	case *ecdsa.PublicKey:
		if k.Curve == nil {
			return 0, fmt.Errorf("%w: ECDSA key has nil curve", ErrUnsupportedKey)
		}
		return 2*((k.Curve.Params().BitSize+7)/8) + 9, nil
	case ed25519.PublicKey:
		return ed25519.SignatureSize, nil
	default:
		return 0, fmt.Errorf("%w: %T", ErrUnsupportedKey, pub)
	}
}

// ValidateSignerCertificateMatch checks that signer holds the key certified
// by cert. A card that returns the certificate of another key would
// otherwise produce signatures nobody can verify.
func ValidateSignerCertificateMatch(signer crypto.Signer, cert *x509.Certificate) error {
	if signer == nil {
		return ErrNilSigner
	}
	if cert == nil {
		return ErrNilCertificate
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	if !ok {
		return fmt.Errorf("%w: %T", ErrUnsupportedKey, signer.Public())
	}
	if !pub.Equal(cert.PublicKey) {
		return ErrKeyMismatch
	}
	return nil
}

// EstimateSignatureSize returns the number of bytes to reserve for a CMS
// SignedData built with the given material: the raw signature, two
// digests, every certificate, the embedded revocation data and, with a
// timestamp authority, a fixed allowance for its token. The result is
// never below DefaultSignatureSize.
func EstimateSignatureSize(cert *x509.Certificate, chain []*x509.Certificate, digest crypto.Hash, tsa bool, rev *revocation.InfoArchival) (int, error) {
	if cert == nil {
		return 0, ErrNilCertificate
	}
	if !digest.Available() {
		digest = crypto.SHA256
	}

	size := signatureBaseSize + digest.Size()*2 + len(cert.RawIssuer)
	if n, err := PublicKeySignatureSize(cert.PublicKey); err == nil {
		size += n
	} else {
		size += DefaultSignatureSize
	}

	for _, c := range append([]*x509.Certificate{cert}, chain...) {
		degenerated, err := pkcs7.DegenerateCertificate(c.Raw)
		if err != nil {
			return 0, fmt.Errorf("failed to degenerate certificate %s: %w", c.Subject, err)
		}
		size += len(degenerated)
	}

	if rev != nil {
		for _, crl := range rev.CRL {
			size += len(crl.FullBytes)
		}
		for _, ocsp := range rev.OCSP {
			size += len(ocsp.FullBytes)
		}
	}
	if tsa {
		size += tsaAllowance
	}
	return max(size, DefaultSignatureSize), nil
}
