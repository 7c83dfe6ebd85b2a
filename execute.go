package ciesign

import (
	"context"
	"crypto/x509"
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/card"
	"github.com/mapo80/cie-middleware-mobile/revocation"
	"github.com/mapo80/cie-middleware-mobile/sign"
	"github.com/mapo80/cie-middleware-mobile/xmlsig"
	"go.uber.org/zap"
)

// Execute signs req and copies the output into res.Buffer. On failure
// res.N is 0 and LastError holds the diagnostic. A StatusOK result always
// has res.N > 0.
func (c *Context) Execute(ctx context.Context, req *Request, res *Result) Status {
	if c == nil {
		return StatusInvalidInput
	}
	if res != nil {
		res.N = 0
	}
	if res == nil || len(res.Buffer) == 0 {
		c.fail(&Error{Status: StatusInvalidInput, Err: fmt.Errorf("%w: invalid input arguments", ErrInvalidInput)})
		return StatusInvalidInput
	}

	out, err := c.Sign(ctx, req)
	if err != nil {
		return StatusOf(err)
	}
	if len(out) > len(res.Buffer) {
		c.fail(&Error{Status: StatusInvalidInput, Err: fmt.Errorf("%w: output buffer too small: %d bytes needed, %d available", ErrInvalidInput, len(out), len(res.Buffer))})
		return StatusInvalidInput
	}
	res.N = copy(res.Buffer, out)
	return StatusOK
}

// Sign signs req and returns the output. Errors are of type *Error.
// req.PIN is zeroed before Sign returns.
func (c *Context) Sign(ctx context.Context, req *Request) (out []byte, err error) {
	if req != nil {
		defer clear(req.PIN)
	}
	switch {
	case c.destroyed:
		return nil, c.fail(&Error{Status: StatusInvalidInput, Err: ErrDestroyed})
	case req == nil || len(req.Input) == 0:
		return nil, c.fail(&Error{Status: StatusInvalidInput, Err: fmt.Errorf("%w: invalid input arguments", ErrInvalidInput)})
	case len(req.PIN) == 0:
		return nil, c.fail(&Error{Status: StatusInvalidInput, Err: fmt.Errorf("%w: PIN not provided", ErrInvalidInput)})
	case req.PDF.Width < 0 || req.PDF.Height < 0:
		return nil, c.fail(&Error{Status: StatusInvalidInput, Err: fmt.Errorf("%w: negative signature size", ErrInvalidInput)})
	}

	stage := "signing"
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = c.fail(&Error{Status: StatusInternalError, Stage: stage, Err: fmt.Errorf("%w: %v", ErrInternal, r)})
		}
	}()

	pin := append([]byte(nil), req.PIN...)
	defer clear(pin)

	stage = "CIE initialization"
	signer, err := c.authenticate(pin)
	if err != nil {
		return nil, c.fail(&Error{Status: classify(err), Stage: stage, Err: err})
	}

	c.logger.Info("signing",
		zap.Stringer("type", req.Type),
		zap.Int("input", len(req.Input)),
		zap.Stringer("algorithm", req.Algorithm))

	switch req.Type {
	case DocumentRaw:
		stage = "PKCS#7 generation"
		out, err = c.signRaw(ctx, req, signer)
	case DocumentPDF:
		stage = "PDF signature generation"
		out, err = c.signPDF(ctx, req, signer)
	case DocumentXML:
		stage = "XML signature generation"
		out, err = c.signXML(req, signer)
	default:
		return nil, c.fail(&Error{Status: StatusUnsupportedFeature, Err: fmt.Errorf("%w: document type %v", ErrUnsupported, req.Type)})
	}
	if err != nil {
		return nil, c.fail(&Error{Status: classify(err), Stage: stage, Err: err})
	}
	if len(out) == 0 {
		return nil, c.fail(&Error{Status: StatusInternalError, Stage: stage, Err: fmt.Errorf("%w: empty output", ErrInternal)})
	}

	c.logger.Info("signed", zap.Stringer("type", req.Type), zap.Int("output", len(out)))
	return out, nil
}

// authenticate presents pin to the active backend and returns a signer
// for it.
func (c *Context) authenticate(pin []byte) (*card.Signer, error) {
	var id card.Identity
	switch {
	case c.mock != nil:
		id = c.mock
	case c.session != nil:
		if _, err := c.session.Init(pin); err != nil {
			return nil, err
		}
		id = c.session
	case c.external != nil:
		if login, ok := c.external.(interface{ Login(pin []byte) error }); ok {
			if err := login.Login(pin); err != nil {
				return nil, err
			}
		}
		id = c.external
	default:
		return nil, fmt.Errorf("%w: no identity", ErrInternal)
	}
	return card.NewSigner(id)
}

// chain returns the signing certificate followed by the configured issuers.
func (c *Context) chain(signer *card.Signer) []*x509.Certificate {
	return append([]*x509.Certificate{signer.Certificate()}, c.cfg.Chain...)
}

// cmsOptions builds the CMS options shared by raw and PDF signatures.
func (c *Context) cmsOptions(ctx context.Context, req *Request, signer *card.Signer) sign.CMSOptions {
	opts := sign.CMSOptions{
		Signer:          signer,
		Certificate:     signer.Certificate(),
		Chain:           c.cfg.Chain,
		DigestAlgorithm: req.Algorithm.Hash(),
		TSA: sign.TSA{
			URL:      req.TSA.URL,
			Username: req.TSA.Username,
			Password: req.TSA.Password,
		},
		HTTPClient: c.cfg.HTTPClient,
	}
	if req.EmbedRevocation {
		fetcher := &revocation.Fetcher{
			Client: c.cfg.HTTPClient,
			Cache:  c.cfg.RevocationCache,
			Logger: c.logger,
		}
		info := &revocation.InfoArchival{}
		n := fetcher.EmbedChain(ctx, c.chain(signer), info)
		c.logger.Debug("revocation data embedded", zap.Int("certificates", n))
		opts.Revocation = info
	}
	return opts
}

func (c *Context) signRaw(ctx context.Context, req *Request, signer *card.Signer) ([]byte, error) {
	switch req.Algorithm {
	case RSARaw:
		id := c.identity()
		return id.Sign(req.Input, RSARaw)
	case SHA256WithRSA, SHA1WithRSA:
		opts := c.cmsOptions(ctx, req, signer)
		opts.Detached = req.Detached
		return sign.CreateCMS(ctx, req.Input, opts)
	default:
		return nil, fmt.Errorf("%w: algorithm %v", ErrUnsupported, req.Algorithm)
	}
}

func (c *Context) signXML(req *Request, signer *card.Signer) ([]byte, error) {
	return xmlsig.Sign(req.Input, signer, c.chain(signer), xmlsig.Options{
		Enveloping: req.Detached,
		Hash:       req.Algorithm.Hash(),
	})
}

// identity returns the active backend, after authenticate succeeded.
func (c *Context) identity() card.Identity {
	switch {
	case c.mock != nil:
		return c.mock
	case c.session != nil:
		return c.session
	default:
		return c.external
	}
}
