package verify

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/mapo80/cie-middleware-mobile/revocation"
	"go.uber.org/zap"
)

// referenceTime picks the date chains are validated at and names where it
// came from.
func referenceTime(result *Result, sigTime *time.Time, options Options) (time.Time, string) {
	switch {
	case !options.At.IsZero():
		return options.At, "reference"
	case result.TimestampValid && result.TimeStamp != nil && !result.TimeStamp.Time.IsZero():
		return result.TimeStamp.Time, "timestamp"
	case sigTime != nil:
		return *sigTime, "signature_time"
	default:
		return time.Now(), "current_time"
	}
}

// buildCertificateChains verifies the chain of every certificate in the
// CMS structure and looks up its revocation status.
func (d *Document) buildCertificateChains(ctx context.Context, p7 *pkcs7.PKCS7, result *Result, revInfo *revocation.InfoArchival, sigTime *time.Time, options Options) {
	// Directory of certificates
	intermediates := x509.NewCertPool()
	embeddedRoots := x509.NewCertPool()
	for _, cert := range p7.Certificates {
		intermediates.AddCert(cert)
		if isSelfSigned(cert) {
			embeddedRoots.AddCert(cert)
		}
	}

	result.VerificationTime, result.TimeSource = referenceTime(result, sigTime, options)

	for _, cert := range p7.Certificates {
		c := Certificate{Certificate: cert}

		verifyOptions := x509.VerifyOptions{
			Roots:         options.Roots,
			Intermediates: intermediates,
			CurrentTime:   result.VerificationTime,
			KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
		}

		trusted := true
		chains, err := cert.Verify(verifyOptions)
		if err != nil && options.AllowEmbeddedRoots {
			trusted = false
			verifyOptions.Roots = embeddedRoots
			chains, err = cert.Verify(verifyOptions)
		}
		if err != nil {
			trusted = false
			c.VerifyError = err.Error()
		}

		isSigner := result.Signer != nil && bytes.Equal(cert.Raw, result.Signer.Raw)
		if isSigner {
			result.TrustedIssuer = trusted
			if err != nil {
				result.Errors = append(result.Errors, &ValidationError{Msg: fmt.Sprintf("certificate chain: %v", err)})
			}
		}

		c.KeyUsageValid, c.KeyUsageError, c.ExtKeyUsageValid, c.ExtKeyUsageError = validateKeyUsage(cert, options)
		if isSigner && !c.KeyUsageValid {
			result.Errors = append(result.Errors, &PolicyError{Msg: c.KeyUsageError})
		}
		if isSigner && !c.ExtKeyUsageValid {
			result.Errors = append(result.Errors, &PolicyError{Msg: c.ExtKeyUsageError})
		}

		issuer := issuerOf(cert, chains, p7.Certificates)
		c.Revocation, c.RevocationWarning = d.revocationStatus(ctx, cert, issuer, revInfo, options)
		if c.Revocation.Status == revocation.Revoked {
			result.RevokedCertificate = true
			result.Errors = append(result.Errors, &RevocationError{Msg: fmt.Sprintf("certificate %s is revoked", cert.Subject.CommonName)})
		}
		if isSigner {
			result.Revocation = c.Revocation
		}

		result.Certificates = append(result.Certificates, c)
	}
}

// revocationStatus looks cert up in the embedded revocation data and,
// when allowed and nothing is embedded, online.
func (d *Document) revocationStatus(ctx context.Context, cert, issuer *x509.Certificate, revInfo *revocation.InfoArchival, options Options) (RevocationInfo, string) {
	info := RevocationInfo{Status: revocation.Unknown}
	if isSelfSigned(cert) {
		info.State = info.Status.String()
		return info, ""
	}

	if revInfo != nil {
		if s := revInfo.Status(cert, issuer); s != revocation.Unknown {
			info.Status = s
			info.Source = "embedded"
		}
	}

	var warning string
	if info.Status == revocation.Unknown && options.ExternalRevocation && issuer != nil {
		external, err := performExternalOCSPCheck(ctx, cert, issuer, options)
		if err != nil {
			d.logger.Debug("OCSP check failed, trying CRL", zap.String("subject", cert.Subject.CommonName), zap.Error(err))
			external, err = performExternalCRLCheck(ctx, cert, issuer, options)
		}
		if err != nil {
			warning = (&RevocationError{Msg: "external revocation check failed", Err: err}).Error()
		} else {
			info = external
		}
	}
	if info.Status == revocation.Unknown && warning == "" {
		warning = "no revocation information available"
	}

	info.State = info.Status.String()
	return info, warning
}

// issuerOf returns the issuer of cert from its first verified chain, or
// from the certificates carried by the signature.
func issuerOf(cert *x509.Certificate, chains [][]*x509.Certificate, pool []*x509.Certificate) *x509.Certificate {
	if len(chains) > 0 && len(chains[0]) > 1 {
		return chains[0][1]
	}
	for _, candidate := range pool {
		if candidate == cert {
			continue
		}
		if bytes.Equal(cert.RawIssuer, candidate.RawSubject) && cert.CheckSignatureFrom(candidate) == nil {
			return candidate
		}
	}
	return nil
}

func isSelfSigned(c *x509.Certificate) bool {
	return bytes.Equal(c.RawIssuer, c.RawSubject) && c.CheckSignatureFrom(c) == nil
}
