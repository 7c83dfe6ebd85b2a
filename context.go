// Package ciesign signs documents with a CIE (Carta d'Identità Elettronica)
// or with a deterministic mock identity, and produces finished signed
// artifacts: CMS SignedData for raw data, PAdES-style PDF signatures and
// XML signatures.
//
// Basic usage:
//
//	ctx, err := ciesign.Create(transport, ciesign.Config{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ctx.Destroy()
//
//	res := &ciesign.Result{Buffer: make([]byte, len(pdf)+64*1024)}
//	status := ctx.Execute(context.Background(), &ciesign.Request{
//	    Input: pdf,
//	    PIN:   pin,
//	    Type:  ciesign.DocumentPDF,
//	}, res)
//	if status != ciesign.StatusOK {
//	    log.Fatal(ctx.LastError())
//	}
//
// The transport is an apdu.Transport provided by the platform bridge. An
// ATR starting with mock.ATRPrefix selects the mock identity.
package ciesign

import (
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/card"
	"github.com/mapo80/cie-middleware-mobile/mock"
	"github.com/mapo80/cie-middleware-mobile/revocation"
	"go.uber.org/zap"
)

// LoggerName is the name of the logger every Context logs with.
const LoggerName = "cie_sign"

// Config configures a Context. The zero value is usable.
type Config struct {
	Logger *zap.Logger
	// Clock provides the PDF signing time. Defaults to the real clock.
	Clock clockwork.Clock
	// HTTPClient is used for the TSA and for revocation data.
	HTTPClient *http.Client
	// RevocationCache keeps fetched OCSP responses and CRLs.
	RevocationCache revocation.Cache

	// ATR, when set, is the ATR of a transport the caller already opened.
	// The Context then neither opens nor closes the transport.
	ATR []byte
	// Handshake runs the device authentication of a real card. Without
	// it commands are sent in plain text.
	Handshake card.Handshake

	// MockPKCS12 replaces the embedded mock material.
	MockPKCS12   []byte
	MockPassword string

	// Chain holds the issuers of the signing certificate. They are added
	// to CMS and XML signatures.
	Chain []*x509.Certificate
}

// Context is one signing session, bound to a card, to the mock identity
// or to an external identity. It is not safe for concurrent use; create
// one Context per concurrent signing operation.
type Context struct {
	cfg    Config
	logger *zap.Logger

	transport apdu.Transport
	opened    bool
	atr       []byte

	session  *card.Session
	mock     *mock.Identity
	external card.Identity

	lastError string
	destroyed bool
	closeOnce sync.Once
	closeErr  error
}

// Create opens t and binds the Context to the card behind it, or to the
// mock identity when the ATR carries the mock prefix.
func Create(t apdu.Transport, cfg Config) (*Context, error) {
	if t == nil {
		return nil, fmt.Errorf("%w: transport is nil", ErrInvalidInput)
	}
	c := newContext(cfg)
	c.transport = t

	atr := cfg.ATR
	if len(atr) == 0 {
		var err error
		atr, err = t.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open transport: %w", err)
		}
		c.opened = true
	}
	if len(atr) == 0 {
		c.close()
		return nil, fmt.Errorf("%w: empty ATR", ErrInvalidInput)
	}
	c.atr = append([]byte(nil), atr...)

	if mock.IsMockATR(atr) {
		id, err := c.newMockIdentity()
		if err != nil {
			c.close()
			return nil, err
		}
		c.mock = id
		c.logger.Debug("mock identity selected", zap.Binary("atr", atr))
		return c, nil
	}

	c.session = card.NewSession(card.NewToken(t, cfg.Handshake), c.logger)
	c.logger.Debug("card session selected", zap.Binary("atr", atr))
	return c, nil
}

// CreateWithIdentity binds a Context to an identity that does not go
// through an APDU transport, such as a PKCS#11 token. When id has a
// Login(pin []byte) error method it is called with the request PIN.
func CreateWithIdentity(id card.Identity, cfg Config) (*Context, error) {
	if id == nil {
		return nil, fmt.Errorf("%w: identity is nil", ErrInvalidInput)
	}
	c := newContext(cfg)
	c.external = id
	return c, nil
}

func newContext(cfg Config) *Context {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Context{
		cfg:    cfg,
		logger: cfg.Logger.Named(LoggerName).With(zap.String("session", uuid.NewString())),
	}
}

func (c *Context) newMockIdentity() (*mock.Identity, error) {
	if len(c.cfg.MockPKCS12) > 0 {
		return mock.LoadPKCS12(c.cfg.MockPKCS12, c.cfg.MockPassword)
	}
	return mock.New()
}

// ATR returns the ATR the Context was created with.
func (c *Context) ATR() []byte {
	return append([]byte(nil), c.atr...)
}

// Mock reports whether the Context signs with the mock identity.
func (c *Context) Mock() bool {
	return c.mock != nil
}

// LastError returns the diagnostic of the most recent failure.
func (c *Context) LastError() string {
	if c == nil {
		return "invalid context"
	}
	return c.lastError
}

// Destroy releases the identity and closes the transport if the Context
// opened it. It is safe to call more than once; the transport is closed
// exactly once.
func (c *Context) Destroy() error {
	if c == nil {
		return nil
	}
	c.destroyed = true
	return c.close()
}

func (c *Context) close() error {
	c.closeOnce.Do(func() {
		var errs []error
		if c.session != nil {
			errs = append(errs, c.session.Close())
		}
		if c.mock != nil {
			errs = append(errs, c.mock.Close())
		}
		if closer, ok := c.external.(interface{ Close() error }); ok {
			errs = append(errs, closer.Close())
		}
		if c.opened {
			errs = append(errs, c.transport.Close())
		}
		c.closeErr = errors.Join(errs...)
	})
	return c.closeErr
}

// fail records err as the last error and logs it.
func (c *Context) fail(err *Error) *Error {
	c.lastError = err.Error()
	c.logger.Error(c.lastError,
		zap.String("stage", err.Stage),
		zap.Stringer("status", err.Status),
		zap.Error(err.Err))
	return err
}
