package ciesign

import (
	"crypto/rsa"
	"errors"
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/card"
	"github.com/mapo80/cie-middleware-mobile/sign"
	"github.com/mapo80/cie-middleware-mobile/xmlsig"
)

var (
	// ErrInvalidInput marks requests that violate the call contract.
	ErrInvalidInput = errors.New("invalid input")
	// ErrUnsupported is returned for an unknown document type.
	ErrUnsupported = errors.New("unsupported feature")
	// ErrInternal marks a broken invariant.
	ErrInternal = errors.New("internal error")
	// ErrDestroyed is returned by a Context after Destroy.
	ErrDestroyed = errors.New("context destroyed")
)

// Error is returned by Context.Sign. Its message is the diagnostic
// reported by LastError.
type Error struct {
	Status Status
	Stage  string
	Err    error
}

func (e *Error) Error() string {
	if e.Stage == "" {
		return e.Err.Error()
	}
	if code, ok := cardCode(e.Err); ok {
		return fmt.Sprintf("%s failed with code %s", e.Stage, code)
	}
	return fmt.Sprintf("%s failed: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// StatusOf returns the status carried by err: StatusOK for nil, the
// status of an *Error, and StatusInternalError for anything else.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return StatusInternalError
}

// classify maps an error raised while signing to a status.
func classify(err error) Status {
	var ce *card.Error
	switch {
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, sign.ErrParse),
		errors.Is(err, sign.ErrFieldNotFound),
		errors.Is(err, sign.ErrFieldSigned),
		errors.Is(err, sign.ErrPageOutOfRange),
		errors.Is(err, xmlsig.ErrParse),
		errors.Is(err, rsa.ErrMessageTooLong):
		return StatusInvalidInput
	case errors.Is(err, ErrUnsupported):
		return StatusUnsupportedFeature
	case errors.Is(err, ErrInternal),
		errors.Is(err, sign.ErrSignatureTooLarge):
		return StatusInternalError
	case errors.As(err, &ce), apdu.Code(err) != 0:
		return StatusCardError
	default:
		return StatusDependencyError
	}
}

// cardCode extracts the status word of a card failure.
func cardCode(err error) (apdu.StatusWord, bool) {
	var ce *card.Error
	if errors.As(err, &ce) && ce.SW != 0 {
		return ce.SW, true
	}
	if code := apdu.Code(err); code != 0 {
		return apdu.StatusWord(code), true
	}
	return 0, false
}
