package ciesign

import (
	"bytes"
	"context"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mapo80/cie-middleware-mobile/verify"
	"github.com/mapo80/cie-middleware-mobile/xmlsig"
	"go.uber.org/zap"
)

// VerifyReport is the outcome of Verify. Exactly one of PDF and XML is set.
type VerifyReport struct {
	Type DocumentType     `json:"-"`
	PDF  *verify.Report   `json:"pdf,omitempty"`
	XML  *XMLVerifyReport `json:"xml,omitempty"`
}

// XMLVerifyReport describes a verified XML signature.
type XMLVerifyReport struct {
	Enveloping    bool   `json:"enveloping"`
	Signer        string `json:"signer"`
	TrustedIssuer bool   `json:"trusted_issuer"`
	Error         string `json:"error,omitempty"`
}

// Verify checks the signatures of a PDF or XML document. The type is
// detected from the content: a %PDF header selects the PDF verifier.
func Verify(ctx context.Context, data []byte, opts verify.Options, logger *zap.Logger) (*VerifyReport, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}

	if isPDF(data) {
		report, err := verify.Verify(ctx, data, opts, logger)
		if err != nil {
			return nil, err
		}
		return &VerifyReport{Type: DocumentPDF, PDF: report}, nil
	}

	clock := clockwork.NewRealClock()
	if !opts.At.IsZero() {
		clock = clockwork.NewFakeClockAt(opts.At)
	}
	res, err := xmlsig.Verify(data, xmlsig.VerifyOptions{Roots: opts.Roots, Clock: clock})
	if errors.Is(err, xmlsig.ErrParse) {
		return nil, fmt.Errorf("%w: neither a PDF nor an XML document", ErrUnsupported)
	}
	if err != nil {
		return nil, err
	}
	logger.Debug("verified XML signature", zap.Bool("enveloping", res.Enveloping), zap.Bool("trusted", res.TrustedIssuer))
	return &VerifyReport{Type: DocumentXML, XML: &XMLVerifyReport{
		Enveloping:    res.Enveloping,
		Signer:        subject(res.Certificate),
		TrustedIssuer: res.TrustedIssuer,
		Error:         res.VerifyError,
	}}, nil
}

func isPDF(data []byte) bool {
	head := data[:min(len(data), 1024)]
	return bytes.Contains(head, []byte("%PDF-"))
}

func subject(c *x509.Certificate) string {
	if c == nil {
		return ""
	}
	return c.Subject.String()
}
