package ciesign

import (
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/card"
)

// Status is the outcome of a top-level operation.
type Status int

const (
	StatusOK Status = iota
	// StatusInvalidInput reports a request the caller can correct: missing
	// buffers, an empty PIN, a document that does not parse or a field
	// that cannot be signed.
	StatusInvalidInput
	// StatusCardError reports a card protocol failure. The diagnostic
	// carries the card status word.
	StatusCardError
	// StatusDependencyError reports a failure of the CMS, PDF or XML
	// machinery or of a remote service such as the TSA.
	StatusDependencyError
	StatusUnsupportedFeature
	// StatusInternalError reports a broken invariant and should be treated
	// as a defect.
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalidInput:
		return "invalid_input"
	case StatusCardError:
		return "card_error"
	case StatusDependencyError:
		return "dependency_error"
	case StatusUnsupportedFeature:
		return "unsupported_feature"
	case StatusInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("Status(%d)", int(s))
	}
}

// DocumentType selects how Execute treats Request.Input.
type DocumentType int

const (
	// DocumentRaw signs the input bytes and returns a CMS SignedData, or a
	// bare signature for RSARaw.
	DocumentRaw DocumentType = iota
	DocumentPDF
	DocumentXML
)

func (t DocumentType) String() string {
	switch t {
	case DocumentRaw:
		return "raw"
	case DocumentPDF:
		return "pdf"
	case DocumentXML:
		return "xml"
	default:
		return fmt.Sprintf("DocumentType(%d)", int(t))
	}
}

// Algorithm selects the signature algorithm for raw documents.
type Algorithm = card.Algorithm

const (
	SHA256WithRSA = card.SHA256WithRSA
	SHA1WithRSA   = card.SHA1WithRSA
	RSARaw        = card.RSARaw
)

// PDFOptions controls the appearance and placement of PDF signatures.
type PDFOptions struct {
	// Page is the zero-based page of a new field.
	Page int
	// Left, Bottom, Width and Height place a new field, as fractions of
	// the page in [0, 1]. A zero Width or Height creates an invisible
	// field.
	Left, Bottom, Width, Height float64

	Reason   string
	Location string
	Name     string

	// Image is painted in the signature appearance. With ImageWidth and
	// ImageHeight it holds raw RGBA pixels, otherwise an encoded image.
	Image       []byte
	ImageWidth  int
	ImageHeight int

	// FieldIDs lists the fields to sign, in order. When empty every
	// unsigned field is signed, or a new one is created.
	FieldIDs []string

	// SubFilter defaults to adbe.pkcs7.detached.
	SubFilter string

	// SignatureSize forces the bytes reserved for each CMS structure.
	// Zero estimates it from the certificates, revocation data and TSA.
	SignatureSize int
}

// TSAOptions names an RFC 3161 timestamp authority.
type TSAOptions struct {
	URL      string
	Username string
	Password string
}

// Request is one signing request.
type Request struct {
	// Input is read, never modified.
	Input []byte
	// PIN is zeroed once the request has been executed.
	PIN  []byte
	Type DocumentType
	// Detached leaves the content out of a raw CMS signature and selects
	// an enveloping XML signature.
	Detached  bool
	Algorithm Algorithm
	// EmbedRevocation adds OCSP responses or CRLs for the signer chain to
	// CMS signatures.
	EmbedRevocation bool

	PDF PDFOptions
	TSA TSAOptions
}

// Result receives the output of Execute.
type Result struct {
	// Buffer is provided by the caller; its length is the capacity.
	Buffer []byte
	// N is the number of bytes written. Zero means no output.
	N int
}

// Bytes returns the written part of Buffer.
func (r *Result) Bytes() []byte {
	return r.Buffer[:r.N]
}
