// Package apdu defines the transport adapter used to move ISO 7816-4
// command/response pairs between the signing core and a card reader.
//
// The core never frames or retries on its own: a Transport is a plain
// blocking round trip, and timeout or retry policy belongs to whoever
// implements it (an NFC bridge, a PC/SC reader, an emulator).
package apdu

import (
	"errors"
	"fmt"
)

// Transport is the adapter a platform bridge provides.
type Transport interface {
	// Open starts a session with the card and returns its ATR.
	Open() (atr []byte, err error)
	// Transceive sends one command APDU and returns the full response,
	// status word included.
	Transceive(command []byte) (response []byte, err error)
	// Close ends the session.
	Close() error
}

// Funcs adapts plain functions to a Transport. It mirrors the
// function-pointer adapter exposed to native bridges; a nil OpenFunc or
// CloseFunc is treated as a no-op.
type Funcs struct {
	OpenFunc       func() ([]byte, error)
	TransceiveFunc func(command []byte) ([]byte, error)
	CloseFunc      func() error
}

func (f Funcs) Open() ([]byte, error) {
	if f.OpenFunc == nil {
		return nil, nil
	}
	return f.OpenFunc()
}

func (f Funcs) Transceive(command []byte) ([]byte, error) {
	if f.TransceiveFunc == nil {
		return nil, errors.New("apdu: transceive function is required")
	}
	return f.TransceiveFunc(command)
}

func (f Funcs) Close() error {
	if f.CloseFunc == nil {
		return nil
	}
	return f.CloseFunc()
}

// StatusWord is the trailing SW1SW2 of a response APDU.
type StatusWord uint16

// Well known status words.
const (
	SWSuccess           StatusWord = 0x9000
	SWWrongLength       StatusWord = 0x6700
	SWSecurityStatus    StatusWord = 0x6982
	SWAuthBlocked       StatusWord = 0x6983
	SWWrongData         StatusWord = 0x6A80
	SWFileNotFound      StatusWord = 0x6A82
	SWWrongP1P2         StatusWord = 0x6B00
	SWINSNotSupported   StatusWord = 0x6D00
	SWNoPreciseDiagnose StatusWord = 0x6F00
)

func (sw StatusWord) String() string {
	return fmt.Sprintf("0x%04X", uint16(sw))
}

// RetriesLeft reports the remaining PIN attempts encoded in a 63Cx status
// word. ok is false for any other status word.
func (sw StatusWord) RetriesLeft() (n int, ok bool) {
	if sw&0xFFF0 != 0x63C0 {
		return 0, false
	}
	return int(sw & 0x000F), true
}

// StatusError is returned when a card answers with a non-success status word.
type StatusError struct {
	SW StatusWord
}

func (e *StatusError) Error() string {
	return "card returned status " + e.SW.String()
}

// Transport failure codes. They are the values a native adapter returns
// instead of 0 when an exchange cannot be completed.
var (
	ErrFixtureExhausted = errors.New("no scripted exchange left")
	ErrFixtureMismatch  = errors.New("command does not match scripted exchange")
	ErrBufferTooSmall   = errors.New("response buffer too small")
)

// TransportError wraps a failed exchange together with its numeric code.
type TransportError struct {
	Code uint16
	Err  error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport failed with code 0x%04X: %v", e.Code, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Code extracts the numeric code of a transport or status failure. It
// returns 0 when err carries neither.
func Code(err error) uint16 {
	var se *StatusError
	if errors.As(err, &se) {
		return uint16(se.SW)
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Code
	}
	return 0
}
