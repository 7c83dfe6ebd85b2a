// Package card drives a CIE smart card through applet selection, device
// authentication and PIN verification, and exposes the authenticated card
// as a signing identity.
package card

import (
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/apdu"
	"go.uber.org/zap"
)

// IAS is the card applet protocol the session relies on. Each step either
// succeeds or returns an error carrying the card status word (see
// apdu.Code). VerifyPIN reports a rejected PIN through its status word, not
// through the error, so callers can tell a wrong PIN from a broken link.
type IAS interface {
	SelectAIDIAS() error
	SelectAIDCIE() error
	InitDHParam() error
	ReadDappPubKey() ([]byte, error)
	InitExtAuthKeyParam() error
	DHKeyExchange() error
	DAPP() error
	VerifyPIN(pin []byte) (apdu.StatusWord, error)
	ReadCertificate() ([]byte, error)
	Sign(digestInfo []byte) ([]byte, error)
}

// Identity is anything that owns a certificate and can produce raw
// signatures with the matching key.
type Identity interface {
	Certificate() (*x509.Certificate, error)
	Sign(data []byte, alg Algorithm) ([]byte, error)
}

// Error reports the IAS step that failed and the status word the card
// returned for it.
type Error struct {
	Step string
	SW   apdu.StatusWord
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil && e.SW == 0 {
		return fmt.Sprintf("%s failed: %v", e.Step, e.Err)
	}
	return fmt.Sprintf("%s failed with %s", e.Step, e.SW)
}

func (e *Error) Unwrap() error {
	return e.Err
}

var errNotInitialised = errors.New("card session not initialised")

// Session is one authenticated conversation with a card. It is not safe
// for concurrent use.
type Session struct {
	ias    IAS
	logger *zap.Logger
	ready  bool
}

// NewSession wraps ias. A nil logger disables logging.
func NewSession(ias IAS, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{ias: ias, logger: logger}
}

// Init runs the authentication chain and presents the PIN. The returned
// status word is the one of the failing step, or 0x9000 on success.
func (s *Session) Init(pin []byte) (apdu.StatusWord, error) {
	s.ready = false
	s.logger.Debug("card session init start")

	steps := []struct {
		name string
		run  func() error
	}{
		{"SelectAID_IAS", s.ias.SelectAIDIAS},
		{"SelectAID_CIE", s.ias.SelectAIDCIE},
		{"InitDHParam", s.ias.InitDHParam},
		{"ReadDappPubKey", func() error { _, err := s.ias.ReadDappPubKey(); return err }},
		{"InitExtAuthKeyParam", s.ias.InitExtAuthKeyParam},
		{"DHKeyExchange", s.ias.DHKeyExchange},
		{"DAPP", s.ias.DAPP},
	}
	for _, step := range steps {
		s.logger.Debug(step.name)
		if err := step.run(); err != nil {
			sw := apdu.StatusWord(apdu.Code(err))
			s.logger.Error("IAS exception", zap.String("step", step.name), zap.Stringer("sw", sw), zap.Error(err))
			return sw, &Error{Step: step.name, SW: sw, Err: err}
		}
	}

	sw, err := s.ias.VerifyPIN(pin)
	if err != nil {
		code := apdu.StatusWord(apdu.Code(err))
		s.logger.Error("IAS exception", zap.String("step", "VerifyPIN"), zap.Stringer("sw", code), zap.Error(err))
		return code, &Error{Step: "VerifyPIN", SW: code, Err: err}
	}
	if sw != apdu.SWSuccess {
		s.logger.Warn("VerifyPIN failed with " + sw.String())
		return sw, &Error{Step: "VerifyPIN", SW: sw}
	}

	s.logger.Debug("VerifyPIN succeeded")
	s.ready = true
	return sw, nil
}

// Certificate reads the signing certificate from the card. The result is
// not cached here; the caller keeps it for as long as it needs it.
func (s *Session) Certificate() (*x509.Certificate, error) {
	if !s.ready {
		return nil, errNotInitialised
	}
	der, err := s.ias.ReadCertificate()
	if err != nil {
		return nil, &Error{Step: "ReadCertCIE", SW: apdu.StatusWord(apdu.Code(err)), Err: err}
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse card certificate: %w", err)
	}
	return cert, nil
}

// Sign prepares data for alg (see DigestInfo) and asks the card for the
// raw signature over it.
func (s *Session) Sign(data []byte, alg Algorithm) ([]byte, error) {
	if !s.ready {
		return nil, errNotInitialised
	}
	block, err := DigestInfo(alg, data)
	if err != nil {
		return nil, err
	}
	sig, err := s.ias.Sign(block)
	if err != nil {
		return nil, &Error{Step: "Sign", SW: apdu.StatusWord(apdu.Code(err)), Err: err}
	}
	return sig, nil
}

// Close forgets the authenticated state. The transport itself is owned by
// whoever opened it.
func (s *Session) Close() error {
	s.ready = false
	return nil
}
