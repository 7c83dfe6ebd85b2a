package ciesign

import (
	"context"
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/card"
	"github.com/mapo80/cie-middleware-mobile/sign"
	"go.uber.org/zap"
)

// signPDF runs the multi-field strategy:
//
//   - with explicit field IDs, each named field is signed in order and
//     must exist unsigned;
//   - otherwise the first unsigned field is signed until none is left;
//   - when the document had no unsigned field at all, a new field is
//     created at the requested rectangle.
//
// The document is reloaded after every signature so that each one covers
// the previous ones.
func (c *Context) signPDF(ctx context.Context, req *Request, signer *card.Signer) ([]byte, error) {
	doc, err := sign.Load(req.Input, c.logger)
	if err != nil {
		return nil, fmt.Errorf("%w: unable to parse PDF: %v", ErrInvalidInput, err)
	}

	cms := c.cmsOptions(ctx, req, signer)
	cms.Detached = true
	size := req.PDF.SignatureSize
	if size <= 0 {
		if size, err = sign.EstimateSignatureSize(cms.Certificate, cms.Chain, cms.DigestAlgorithm, cms.TSA.URL != "", cms.Revocation); err != nil {
			return nil, err
		}
	}

	base := sign.SignatureOptions{
		Page:        req.PDF.Page,
		Left:        req.PDF.Left,
		Bottom:      req.PDF.Bottom,
		Width:       req.PDF.Width,
		Height:      req.PDF.Height,
		Name:        req.PDF.Name,
		Reason:      req.PDF.Reason,
		Location:    req.PDF.Location,
		SubFilter:   req.PDF.SubFilter,
		Image:       req.PDF.Image,
		ImageWidth:  req.PDF.ImageWidth,
		ImageHeight: req.PDF.ImageHeight,
		Size:        size,
		Clock:       c.cfg.Clock,
	}
	if base.Name == "" {
		base.Name = signer.Certificate().Subject.CommonName
	}

	if len(req.PDF.FieldIDs) > 0 {
		return c.signNamedFields(ctx, doc, req.PDF.FieldIDs, base, cms)
	}

	newField := doc.NextFieldName()
	limit := len(doc.Fields())
	var out []byte
	for n := 0; ; n++ {
		unsigned := doc.UnsignedFields()
		if len(unsigned) == 0 {
			break
		}
		if n >= limit {
			return nil, fmt.Errorf("%w: %d unsigned fields left after %d signatures", ErrInternal, len(unsigned), n)
		}
		opts := base
		opts.FieldName = unsigned[0].Name
		if out, err = c.signField(ctx, doc, opts, cms); err != nil {
			return nil, err
		}
		if doc, err = sign.Load(out, c.logger); err != nil {
			return nil, fmt.Errorf("failed to reload signed PDF: %w", err)
		}
	}

	if out == nil {
		opts := base
		opts.NewFieldName = newField
		return c.signField(ctx, doc, opts, cms)
	}
	return out, nil
}

func (c *Context) signNamedFields(ctx context.Context, doc *sign.Document, ids []string, base sign.SignatureOptions, cms sign.CMSOptions) ([]byte, error) {
	for _, id := range ids {
		f, err := doc.FindField(id)
		if err != nil {
			return nil, err
		}
		if f.Signed {
			return nil, fmt.Errorf("%w: %q", sign.ErrFieldSigned, f.Name)
		}
	}

	var out []byte
	for i, id := range ids {
		opts := base
		opts.FieldName = id
		var err error
		if out, err = c.signField(ctx, doc, opts, cms); err != nil {
			return nil, err
		}
		if i == len(ids)-1 {
			break
		}
		if doc, err = sign.Load(out, c.logger); err != nil {
			return nil, fmt.Errorf("failed to reload signed PDF: %w", err)
		}
	}
	return out, nil
}

// signField runs one reserve/sign/inject cycle on doc.
func (c *Context) signField(ctx context.Context, doc *sign.Document, opts sign.SignatureOptions, cms sign.CMSOptions) ([]byte, error) {
	content, err := doc.ReserveBuffer(opts)
	if err != nil {
		return nil, err
	}
	der, err := sign.CreateCMS(ctx, content, cms)
	if err != nil {
		return nil, err
	}
	if err := doc.InjectSignature(der); err != nil {
		return nil, err
	}
	out, err := doc.ExportSigned()
	if err != nil {
		return nil, err
	}

	field := opts.FieldName
	if field == "" {
		field = opts.NewFieldName
	}
	c.logger.Debug("signed PDF field",
		zap.String("field", field),
		zap.Int("signature", len(der)),
		zap.Int("placeholder", opts.Size))
	return out, nil
}
