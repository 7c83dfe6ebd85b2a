package sign

import (
	"fmt"
	"strings"
)

// updateByteRange fills in the ByteRange placeholder once the whole
// incremental update has been written. The excluded gap is the hex string
// including its delimiters.
func (context *SignContext) updateByteRange() error {
	file_size := int64(context.buffer.Buff.Len())

	context.ByteRangeValues = make([]int64, 4)

	// Part 1 starts at byte 0 and stops at the opening '<' of /Contents.
	context.ByteRangeValues[0] = int64(0)
	context.ByteRangeValues[1] = context.SignatureContentsStartByte

	// Part 2 starts right after the closing '>' and runs to the end of file.
	context.ByteRangeValues[2] = context.ByteRangeValues[1] + int64(context.size*2) + 2
	context.ByteRangeValues[3] = file_size - context.ByteRangeValues[2]

	new_byte_range := fmt.Sprintf("/ByteRange[%d %d %d %d]", context.ByteRangeValues[0], context.ByteRangeValues[1], context.ByteRangeValues[2], context.ByteRangeValues[3])
	if len(new_byte_range) > len(signatureByteRangePlaceholder) {
		return fmt.Errorf("byte range %s does not fit its placeholder", new_byte_range)
	}

	// Make sure our ByteRange string didn't shrink in length.
	new_byte_range += strings.Repeat(" ", len(signatureByteRangePlaceholder)-len(new_byte_range))

	content := context.buffer.Buff.Bytes()
	copy(content[context.ByteRangeStartByte:], new_byte_range)
	return nil
}

// byteRangeContent returns the bytes covered by the signature.
func (context *SignContext) byteRangeContent() []byte {
	content := context.buffer.Buff.Bytes()
	br := context.ByteRangeValues

	sign_content := make([]byte, 0, br[1]+br[3])
	sign_content = append(sign_content, content[br[0]:br[0]+br[1]]...)
	sign_content = append(sign_content, content[br[2]:br[2]+br[3]]...)
	return sign_content
}
