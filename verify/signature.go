package verify

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/digitorus/pkcs7"
	"github.com/digitorus/timestamp"
)

var oidTimeStampToken = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 16, 2, 14}

// modeOf selects the verification mode for a subfilter.
func modeOf(subFilter string) (Mode, error) {
	switch subFilter {
	case "adbe.pkcs7.detached", "ETSI.CAdES.detached":
		return ModeDetached, nil
	case "adbe.pkcs7.sha1":
		return ModeSHA1, nil
	default:
		return "", &PolicyError{Msg: fmt.Sprintf("unsupported subfilter %q", subFilter)}
	}
}

// signedContent concatenates the two spans named by the ByteRange of s,
// read from the bytes the document was loaded from.
func (d *Document) signedContent(s *Signature) ([]byte, error) {
	br := s.ByteRange
	if len(br) != 4 {
		return nil, fmt.Errorf("%w: %d entries", ErrInvalidByteRange, len(br))
	}

	size := int64(len(d.data))
	for i := 0; i < len(br); i += 2 {
		offset, length := br[i], br[i+1]
		if offset < 0 || length < 0 || offset > size || length > size-offset {
			return nil, fmt.Errorf("%w: [%d %d %d %d] for %d bytes", ErrInvalidByteRange, br[0], br[1], br[2], br[3], size)
		}
	}

	content := make([]byte, 0, br[1]+br[3])
	for i := 0; i < len(br); i += 2 {
		content = append(content, d.data[br[i]:br[i]+br[i+1]]...)
	}
	return content, nil
}

// verifyCMS checks the signature over content in the given mode.
func verifyCMS(p7 *pkcs7.PKCS7, content []byte, mode Mode) error {
	switch mode {
	case ModeSHA1:
		digest := sha1.Sum(content)
		if !bytes.Equal(p7.Content, digest[:]) {
			return fmt.Errorf("embedded digest does not match the signed content")
		}
	default:
		p7.Content = content
	}

	if err := p7.Verify(); err != nil {
		return fmt.Errorf("signature verification failed: %v", err)
	}
	return nil
}

// processTimestamp processes timestamp information from the signature.
func processTimestamp(p7 *pkcs7.PKCS7, result *Result) error {
	for _, s := range p7.Signers {
		// Timestamp - RFC 3161 id-aa-timeStampToken
		for _, attr := range s.UnauthenticatedAttributes {
			if !attr.Type.Equal(oidTimeStampToken) {
				continue
			}
			ts, err := timestamp.Parse(attr.Value.Bytes)
			if err != nil {
				return fmt.Errorf("failed to parse timestamp: %v", err)
			}
			result.TimeStamp = ts

			// The token covers the signature value of the SignerInfo.
			h := ts.HashAlgorithm.New()
			h.Write(s.EncryptedDigest)
			if !bytes.Equal(h.Sum(nil), ts.HashedMessage) {
				return fmt.Errorf("timestamp hash does not match")
			}
			result.TimestampValid = true
			return nil
		}
	}
	return nil
}

// signerCertificate returns the certificate named by the first SignerInfo.
func signerCertificate(p7 *pkcs7.PKCS7) *x509.Certificate {
	if len(p7.Signers) > 0 {
		signerInfo := p7.Signers[0]
		for _, cert := range p7.Certificates {
			if cert.SerialNumber.Cmp(signerInfo.IssuerAndSerialNumber.SerialNumber) == 0 &&
				bytes.Equal(cert.RawIssuer, signerInfo.IssuerAndSerialNumber.IssuerName.FullBytes) {
				return cert
			}
		}
	}
	// Fallback if not found, assume first in list
	if len(p7.Certificates) > 0 {
		return p7.Certificates[0]
	}
	return nil
}

func verifyKeySize(cert *x509.Certificate, options Options) error {
	if cert == nil || options.MinRSAKeySize <= 0 {
		return nil
	}
	switch pub := cert.PublicKey.(type) {
	case *rsa.PublicKey:
		if pub.N.BitLen() < options.MinRSAKeySize {
			return fmt.Errorf("RSA key size %d is less than minimum %d", pub.N.BitLen(), options.MinRSAKeySize)
		}
	case *ecdsa.PublicKey:
		return fmt.Errorf("ECDSA key of %d bits where RSA is required", pub.Params().BitSize)
	}
	return nil
}
