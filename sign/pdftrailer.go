package sign

import (
	"bytes"
	"strconv"
)

func (context *SignContext) writeTrailer() error {
	var trailer bytes.Buffer

	switch context.doc.reader.XrefInformation.Type {
	case "stream":
		trailer.WriteString("startxref\n")
	default:
		trailer.WriteString("trailer\n<<\n")
		context.trailerEntries(&trailer)
		trailer.WriteString(">>\nstartxref\n")
	}

	// Write the new xref start position.
	trailer.WriteString(strconv.FormatInt(context.NewXrefStart, 10) + "\n")

	// Write PDF ending.
	trailer.WriteString("%%EOF\n")

	_, err := context.buffer.Write(trailer.Bytes())
	return err
}
