package sign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

// writeXref appends the cross-reference section of the incremental update,
// using the same flavour as the document's last section.
func (context *SignContext) writeXref() error {
	sort.Slice(context.entries, func(i, j int) bool {
		return context.entries[i].ID < context.entries[j].ID
	})

	switch context.doc.reader.XrefInformation.Type {
	case "stream":
		return context.writeXrefStream()
	default:
		return context.writeIncrXrefTable()
	}
}

// xrefSubsections groups sorted entries into runs of consecutive object
// numbers.
func xrefSubsections(entries []xrefEntry) [][]xrefEntry {
	var sections [][]xrefEntry
	for i, entry := range entries {
		if i == 0 || entry.ID != entries[i-1].ID+1 {
			sections = append(sections, nil)
		}
		sections[len(sections)-1] = append(sections[len(sections)-1], entry)
	}
	return sections
}

// writeIncrXrefTable writes the incremental cross-reference table to the output buffer.
func (context *SignContext) writeIncrXrefTable() error {
	context.NewXrefStart = int64(context.buffer.Buff.Len())

	var xref bytes.Buffer
	xref.WriteString("xref\n")
	for _, section := range xrefSubsections(context.entries) {
		fmt.Fprintf(&xref, "%d %d\n", section[0].ID, len(section))
		for _, entry := range section {
			fmt.Fprintf(&xref, "%010d %05d n\r\n", entry.Offset, entry.Gen)
		}
	}

	if _, err := context.buffer.Write(xref.Bytes()); err != nil {
		return fmt.Errorf("failed to write incremental xref: %w", err)
	}
	return nil
}

// trailerSize is the /Size of the updated document: one past the highest
// object number in use.
func (context *SignContext) trailerSize() int64 {
	size := context.doc.reader.Trailer().Key("Size").Int64()
	if int64(context.nextID) > size {
		size = int64(context.nextID)
	}
	return size
}

// trailerEntries returns the entries carried over from the previous
// trailer, plus /Prev and /Size.
func (context *SignContext) trailerEntries(buffer *bytes.Buffer) {
	trailer := context.doc.reader.Trailer()

	fmt.Fprintf(buffer, "  /Size %d\n", context.trailerSize())
	fmt.Fprintf(buffer, "  /Root %s\n", ptrOf(trailer.Key("Root")))
	if info := trailer.Key("Info"); !info.IsNull() && isReference(trailer, info) {
		fmt.Fprintf(buffer, "  /Info %s\n", ptrOf(info))
	}
	fmt.Fprintf(buffer, "  /Prev %d\n", context.doc.reader.XrefInformation.StartPos)

	if id := trailer.Key("ID"); id.Len() == 2 {
		id0 := hex.EncodeToString([]byte(id.Index(0).RawString()))
		id1 := hex.EncodeToString([]byte(id.Index(1).RawString()))
		fmt.Fprintf(buffer, "  /ID [<%s><%s>]\n", id0, id1)
	}
}
