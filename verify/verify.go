// Package verify locates the signatures embedded in a PDF, rebuilds the
// exact bytes each one covers and checks them with the CMS structure
// stored in the signature dictionary.
package verify

import (
	"context"
	"errors"
	"fmt"

	"github.com/digitorus/pkcs7"
	"github.com/mapo80/cie-middleware-mobile/revocation"
	"go.uber.org/zap"
)

// VerifySignature verifies the signature at index. Errors are returned
// only when the signature cannot be examined at all: an unknown index, an
// unusable ByteRange or an unsupported subfilter. A signature that fails
// a check is reported through Result.Status and Result.Errors.
func (d *Document) VerifySignature(ctx context.Context, index int, options Options) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("failed to verify signature %d: %v", index, r)
		}
	}()

	sig, err := d.GetSignature(index)
	if err != nil {
		return nil, err
	}
	mode, err := modeOf(sig.SubFilter)
	if err != nil {
		return nil, err
	}
	content, err := d.signedContent(sig)
	if err != nil {
		return nil, err
	}

	result = &Result{Mode: mode}
	d.logger.Debug("verifying signature",
		zap.Int("index", index),
		zap.String("field", sig.FieldName),
		zap.String("mode", string(mode)),
		zap.Int("content", len(content)))

	p7, err := pkcs7.Parse(sig.Contents)
	if err != nil {
		result.Status = StatusInvalid
		result.Errors = append(result.Errors, &InvalidSignatureError{Msg: fmt.Sprintf("failed to parse signature: %v", err)})
		return result, nil
	}
	result.Signer = signerCertificate(p7)

	if err := verifyCMS(p7, content, mode); err != nil {
		result.Errors = append(result.Errors, &InvalidSignatureError{Msg: err.Error()})
	} else {
		result.ValidSignature = true
	}

	if err := verifyKeySize(result.Signer, options); err != nil {
		result.Errors = append(result.Errors, &PolicyError{Msg: err.Error()})
	}

	if err := processTimestamp(p7, result); err != nil {
		result.Errors = append(result.Errors, &ValidationError{Msg: err.Error()})
	}

	// PDF signature certificate revocation information attribute (1.2.840.113583.1.1.8)
	var revInfo *revocation.InfoArchival
	var archival revocation.InfoArchival
	if err := p7.UnmarshalSignedAttribute(revocation.OIDInfoArchival, &archival); err == nil {
		revInfo = &archival
	}

	d.buildCertificateChains(ctx, p7, result, revInfo, sig.SigningTime, options)

	switch {
	case !result.ValidSignature || hasPolicyError(result.Errors):
		result.Status = StatusInvalid
	case result.RevokedCertificate:
		result.Status = StatusRevoked
	case !result.TrustedIssuer:
		result.Status = StatusUntrusted
	default:
		result.Status = StatusValid
	}
	return result, nil
}

func hasPolicyError(errs []error) bool {
	for _, err := range errs {
		var pe *PolicyError
		if errors.As(err, &pe) {
			return true
		}
	}
	return false
}

// Verify loads data and verifies every signature it contains.
func Verify(ctx context.Context, data []byte, options Options, logger *zap.Logger) (*Report, error) {
	doc, err := Load(data, logger)
	if err != nil {
		return nil, err
	}
	if doc.NumberOfSignatures() == 0 {
		return nil, fmt.Errorf("%w: document has no signatures", ErrSignatureNotFound)
	}

	report := &Report{DocumentInfo: doc.Info()}
	for i, sig := range doc.signatures {
		sr := SignatureReport{Info: sig}
		res, err := doc.VerifySignature(ctx, i, options)
		if err != nil {
			sr.Errors = append(sr.Errors, err.Error())
		} else {
			sr.Validation = res
			for _, e := range res.Errors {
				sr.Errors = append(sr.Errors, e.Error())
			}
		}
		report.Signatures = append(report.Signatures, sr)
	}
	return report, nil
}
