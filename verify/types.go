package verify

import (
	"crypto/x509"
	"net/http"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/mapo80/cie-middleware-mobile/revocation"
)

// Options controls how a signature is verified. The zero value verifies
// against the system roots at the current time without network access.
type Options struct {
	// Roots replaces the system trust store when set.
	Roots *x509.CertPool

	// At is the reference date for chain validation. When zero the
	// timestamp time is used, then the signing time, then the current time.
	At time.Time

	// RequiredEKUs and AllowedEKUs are reported per certificate. With both
	// empty no Extended Key Usage is expected; CIE signing certificates
	// usually carry none.
	RequiredEKUs []x509.ExtKeyUsage
	AllowedEKUs  []x509.ExtKeyUsage

	// RequireDigitalSignatureKU requires the Digital Signature bit in Key Usage
	RequireDigitalSignatureKU bool

	// RequireNonRepudiation requires the Non-Repudiation bit in Key Usage (mandatory for highest security)
	RequireNonRepudiation bool

	// MinRSAKeySize rejects signer keys below this many bits.
	MinRSAKeySize int

	// AllowEmbeddedRoots accepts chains that end in a self-signed
	// certificate carried by the signature itself. Such signatures still
	// report TrustedIssuer false.
	AllowEmbeddedRoots bool

	// ExternalRevocation queries the OCSP responders and CRL distribution
	// points of certificates that carry no embedded revocation data.
	ExternalRevocation bool

	// HTTPClient is used for external revocation checking.
	// If nil, a client with HTTPTimeout is used.
	HTTPClient *http.Client

	// HTTPTimeout specifies the timeout for HTTP requests during external revocation checking
	// If zero, a default timeout of 10 seconds will be used
	HTTPTimeout time.Duration
}

// Mode is the verification mode selected by the signature subfilter.
type Mode string

const (
	// ModeDetached verifies the CMS over the ByteRange content.
	ModeDetached Mode = "detached"
	// ModeSHA1 verifies the CMS over its embedded content, which must be
	// the SHA-1 digest of the ByteRange content.
	ModeSHA1 Mode = "sha1"
)

// Status summarises a verification.
type Status int

const (
	StatusValid Status = iota
	StatusInvalid
	StatusUntrusted
	StatusRevoked
)

func (s Status) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	case StatusUntrusted:
		return "untrusted"
	case StatusRevoked:
		return "revoked"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Rect is the appearance rectangle of a signature field in whole points.
type Rect struct {
	Left   int `json:"left"`
	Bottom int `json:"bottom"`
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Signature is a signature found in the document, as stored: the metadata
// of its signature dictionary and the CMS structure with the placeholder
// padding removed.
type Signature struct {
	FieldName   string     `json:"field_name"`
	Name        string     `json:"name"`
	Reason      string     `json:"reason"`
	Location    string     `json:"location"`
	ContactInfo string     `json:"contact_info"`
	SigningTime *time.Time `json:"signing_time,omitempty"`
	Filter      string     `json:"filter"`
	SubFilter   string     `json:"sub_filter"`
	ByteRange   []int64    `json:"byte_range"`
	Rect        Rect       `json:"rect"`

	// Contents is the DER encoded CMS SignedData.
	Contents []byte `json:"-"`
}

// RevocationInfo is the revocation status of one certificate and where it
// came from.
type RevocationInfo struct {
	Status revocation.Status `json:"-"`
	State  string            `json:"status"`
	// Source is "embedded", "ocsp", "crl" or empty when unknown.
	Source    string     `json:"source,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Result is the outcome of VerifySignature.
type Result struct {
	Status             Status               `json:"status"`
	Mode               Mode                 `json:"mode"`
	ValidSignature     bool                 `json:"valid_signature"`
	TrustedIssuer      bool                 `json:"trusted_issuer"`
	RevokedCertificate bool                 `json:"revoked_certificate"`
	Revocation         RevocationInfo       `json:"revocation"`
	Certificates       []Certificate        `json:"certificates"`
	TimeStamp          *timestamp.Timestamp `json:"time_stamp,omitempty"`
	TimestampValid     bool                 `json:"timestamp_valid"`
	VerificationTime   time.Time            `json:"verification_time"`
	TimeSource         string               `json:"time_source"`

	// Signer is the certificate named by the SignerInfo.
	Signer *x509.Certificate `json:"-"`
	// Errors lists every problem found, as ValidationError,
	// InvalidSignatureError, RevocationError or PolicyError values.
	Errors []error `json:"-"`
}

// Certificate is one certificate of the CMS structure with its chain and
// revocation checks.
type Certificate struct {
	Certificate       *x509.Certificate `json:"certificate"`
	VerifyError       string            `json:"verify_error,omitempty"`
	KeyUsageValid     bool              `json:"key_usage_valid"`
	KeyUsageError     string            `json:"key_usage_error,omitempty"`
	ExtKeyUsageValid  bool              `json:"ext_key_usage_valid"`
	ExtKeyUsageError  string            `json:"ext_key_usage_error,omitempty"`
	Revocation        RevocationInfo    `json:"revocation"`
	RevocationWarning string            `json:"revocation_warning,omitempty"`
}

// Report is the verification of every signature of a document.
type Report struct {
	DocumentInfo DocumentInfo      `json:"document_info"`
	Signatures   []SignatureReport `json:"signatures"`
}

// SignatureReport pairs a signature with its verification.
type SignatureReport struct {
	Info       *Signature `json:"info"`
	Validation *Result    `json:"validation,omitempty"`
	Errors     []string   `json:"errors,omitempty"`
}

// DocumentInfo contains document information.
type DocumentInfo struct {
	Author     string `json:"author"`
	Creator    string `json:"creator"`
	Hash       string `json:"hash"`
	Name       string `json:"name"`
	Permission string `json:"permission"`
	Producer   string `json:"producer"`
	Subject    string `json:"subject"`
	Title      string `json:"title"`

	Pages        int       `json:"pages"`
	Keywords     []string  `json:"keywords"`
	ModDate      time.Time `json:"mod_date"`
	CreationDate time.Time `json:"creation_date"`
}
