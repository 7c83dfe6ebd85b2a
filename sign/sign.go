package sign

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/mattetti/filebuffer"
	"go.uber.org/zap"
)

// ReserveBuffer starts a signing pass: it selects or creates the target
// field, appends an incremental update holding a zeroed signature
// placeholder and returns the bytes that must be signed. The working
// buffer is rebuilt from the loaded bytes on every call.
func (d *Document) ReserveBuffer(opts SignatureOptions) (content []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			content = nil
			err = fmt.Errorf("failed to prepare signature: %v", r)
		}
	}()

	d.session = nil
	d.signed = nil

	if opts.SubFilter == "" {
		opts.SubFilter = SubFilterPKCS7Detached
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Size <= 0 {
		opts.Size = DefaultSignatureSize
	}
	if opts.Width < 0 || opts.Height < 0 {
		return nil, fmt.Errorf("invalid field size %gx%g", opts.Width, opts.Height)
	}

	var field *Field
	if opts.FieldName != "" {
		field, err = d.FindField(opts.FieldName)
		if err != nil {
			return nil, err
		}
		if field.Signed {
			return nil, fmt.Errorf("%w: %q", ErrFieldSigned, field.Name)
		}
	}

	context := &SignContext{
		doc:    d,
		opts:   opts,
		field:  field,
		buffer: filebuffer.New([]byte{}),
		nextID: d.firstFreeID(),
		size:   opts.Size,
	}

	// Copy old file into new buffer.
	if _, err := context.buffer.Write(d.data); err != nil {
		return nil, err
	}

	// File always needs an empty line after %%EOF.
	if _, err := context.buffer.Write([]byte("\n")); err != nil {
		return nil, err
	}

	if err := context.writeSignatureObject(); err != nil {
		return nil, err
	}

	switch {
	case field == nil:
		err = context.createNewField()
	case field.Legacy:
		err = context.spliceLegacyField(field)
	default:
		err = context.fillExistingField(field)
	}
	if err != nil {
		return nil, err
	}

	if err := context.writeXref(); err != nil {
		return nil, fmt.Errorf("failed to write xref: %w", err)
	}
	if err := context.writeTrailer(); err != nil {
		return nil, fmt.Errorf("failed to write trailer: %w", err)
	}
	if err := context.updateByteRange(); err != nil {
		return nil, fmt.Errorf("failed to update byte range: %w", err)
	}

	d.session = context
	name := opts.NewFieldName
	if context.field != nil {
		name = context.field.Name
	}
	d.logger.Debug("reserved signature placeholder",
		zap.String("field", name),
		zap.Int("size", context.size),
		zap.Int64s("byte_range", context.ByteRangeValues))

	return context.byteRangeContent(), nil
}

// firstFreeID returns the first object number above every object of the
// document, as declared by the trailer or seen in the cross references.
func (d *Document) firstFreeID() uint32 {
	next := uint32(d.reader.Trailer().Key("Size").Int64())
	for r := range d.xrefIndex {
		if r.id >= next {
			next = r.id + 1
		}
	}
	return max(next, 1)
}

// PlaceholderSize returns the number of bytes reserved for the signature
// by the pending pass, or 0 when there is none.
func (d *Document) PlaceholderSize() int {
	if d.session == nil || d.session.injected {
		return 0
	}
	return d.session.size
}

// ByteRange returns the ByteRange of the pending or finished pass.
func (d *Document) ByteRange() []int64 {
	if d.session == nil {
		return nil
	}
	return append([]int64(nil), d.session.ByteRangeValues...)
}

// InjectSignature writes signature into the reserved placeholder. It is
// zero padded to the placeholder size; a signature larger than the
// placeholder is rejected.
func (d *Document) InjectSignature(signature []byte) error {
	context := d.session
	if context == nil || context.injected {
		return ErrNoPlaceholder
	}
	if len(signature) == 0 {
		return errors.New("signature is empty")
	}
	if len(signature) > context.size {
		return fmt.Errorf("%w: %d bytes, placeholder holds %d", ErrSignatureTooLarge, len(signature), context.size)
	}

	dst := make([]byte, hex.EncodedLen(len(signature)))
	hex.Encode(dst, signature)

	content := context.buffer.Buff.Bytes()
	copy(content[context.SignatureContentsStartByte+1:], dst)

	d.signed = append([]byte(nil), content...)
	context.injected = true
	return nil
}

// ExportSigned returns the signed document.
func (d *Document) ExportSigned() ([]byte, error) {
	if d.signed == nil {
		return nil, ErrNotInjected
	}
	return append([]byte(nil), d.signed...), nil
}
