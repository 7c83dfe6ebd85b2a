package sign

import (
	"bytes"
	"fmt"
)

const signatureByteRangePlaceholder = "/ByteRange[0 ********** ********** **********]"

// createSignaturePlaceholder builds the signature dictionary with a zeroed
// /Contents of twice the reserved size and a ByteRange placeholder wide
// enough for any offset below 10^10. The returned offsets are relative to
// the start of the dictionary.
func (context *SignContext) createSignaturePlaceholder() (dict []byte, byteRangeOffset, contentsOffset int64) {
	var signature_buffer bytes.Buffer
	signature_buffer.WriteString("<< /Type /Sig")
	signature_buffer.WriteString(" /Filter /Adobe.PPKLite")
	signature_buffer.WriteString(" /SubFilter " + pdfName(context.opts.SubFilter))

	byteRangeOffset = int64(signature_buffer.Len()) + 1
	signature_buffer.WriteString(" " + signatureByteRangePlaceholder)

	// The offset points at the opening '<' of the hex string.
	contentsOffset = int64(signature_buffer.Len()) + len64(" /Contents")
	signature_buffer.WriteString(" /Contents<")
	signature_buffer.Write(bytes.Repeat([]byte("0"), context.size*2))
	signature_buffer.WriteString(">")

	if context.opts.Name != "" {
		signature_buffer.WriteString(" /Name ")
		signature_buffer.WriteString(pdfString(context.opts.Name))
	}
	if context.opts.Location != "" {
		signature_buffer.WriteString(" /Location ")
		signature_buffer.WriteString(pdfString(context.opts.Location))
	}
	if context.opts.Reason != "" {
		signature_buffer.WriteString(" /Reason ")
		signature_buffer.WriteString(pdfString(context.opts.Reason))
	}
	signature_buffer.WriteString(" /M ")
	signature_buffer.WriteString(pdfDateTime(context.opts.Clock.Now()))
	signature_buffer.WriteString(" >>")

	return signature_buffer.Bytes(), byteRangeOffset, contentsOffset
}

// writeSignatureObject appends the placeholder dictionary and records the
// absolute positions of its ByteRange and Contents.
func (context *SignContext) writeSignatureObject() error {
	dict, byteRangeOffset, contentsOffset := context.createSignaturePlaceholder()

	id := context.nextID
	header := fmt.Sprintf("%d 0 obj\n", id)
	start := int64(context.buffer.Buff.Len()) + int64(len(header))

	objectID, err := context.addObject(dict)
	if err != nil {
		return fmt.Errorf("failed to add signature object: %w", err)
	}
	context.SignatureObjectId = objectID
	context.ByteRangeStartByte = start + byteRangeOffset
	context.SignatureContentsStartByte = start + contentsOffset
	return nil
}

func len64(s string) int64 {
	return int64(len(s))
}
