package sign

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// xrefStreamWidths is the /W array of the update's xref stream: a type
// byte, a four byte offset and a generation byte.
const xrefStreamWidths = "[ 1 4 1 ]"

// writeXrefStream appends a cross-reference stream for documents whose last
// section is itself a stream. The stream object indexes itself, so its
// number is allocated before the rows are encoded.
func (context *SignContext) writeXrefStream() error {
	id := context.nextID
	context.nextID++

	context.NewXrefStart = int64(context.buffer.Buff.Len())
	context.entries = append(context.entries, xrefEntry{ID: id, Offset: context.NewXrefStart})

	rows := make([]byte, 0, 6*len(context.entries))
	for _, entry := range context.entries {
		rows = append(rows, 1)
		rows = binary.BigEndian.AppendUint32(rows, uint32(entry.Offset))
		rows = append(rows, byte(entry.Gen))
	}
	stream, err := deflate(rows)
	if err != nil {
		return fmt.Errorf("failed to encode xref stream: %w", err)
	}

	var obj bytes.Buffer
	fmt.Fprintf(&obj, "%d 0 obj\n<< /Type /XRef\n", id)
	fmt.Fprintf(&obj, "  /Length %d\n  /Filter /FlateDecode\n  /W %s\n", len(stream), xrefStreamWidths)
	obj.WriteString("  /Index [")
	for _, section := range xrefSubsections(context.entries) {
		fmt.Fprintf(&obj, " %d %d", section[0].ID, len(section))
	}
	obj.WriteString(" ]\n")
	context.trailerEntries(&obj)
	obj.WriteString(">>\nstream\n")
	obj.Write(stream)
	obj.WriteString("\nendstream\nendobj\n")

	if _, err := context.buffer.Write(obj.Bytes()); err != nil {
		return fmt.Errorf("failed to add xref stream object: %w", err)
	}
	return nil
}
