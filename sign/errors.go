package sign

import "errors"

var (
	// ErrParse is returned when the input cannot be parsed as a PDF.
	ErrParse = errors.New("unable to parse PDF")

	ErrFieldNotFound     = errors.New("signature field not found")
	ErrFieldSigned       = errors.New("signature field is already signed")
	ErrSignatureTooLarge = errors.New("signature does not fit the reserved placeholder")
	ErrNotInjected       = errors.New("signature has not been injected")
	ErrNoPlaceholder     = errors.New("no signature placeholder has been reserved")
	ErrPageOutOfRange    = errors.New("page out of range")

	// ErrLegacySplice is returned when a legacy widget cannot be moved into
	// the AcroForm field tree. The field is left untouched.
	ErrLegacySplice = errors.New("unable to splice legacy signature field")
)

// Load result codes, kept for callers that report numeric statuses.
const (
	LoadParseError   = -2
	LoadGenericError = -1
)

// LoadCode maps an error returned by Load to a negative result code.
func LoadCode(err error) int {
	if errors.Is(err, ErrParse) {
		return LoadParseError
	}
	return LoadGenericError
}
