package sign

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"

	"github.com/digitorus/pdf"
)

func formatRef(id uint32, gen uint16) string {
	return strconv.Itoa(int(id)) + " " + strconv.Itoa(int(gen)) + " R"
}

func ptrOf(v pdf.Value) ref {
	p := v.GetPtr()
	return ref{id: uint32(p.GetID()), gen: uint16(p.GetGen())}
}

// isReference reports whether child was reached from parent through an
// indirect reference. Direct values inherit the pointer of their container.
func isReference(parent, child pdf.Value) bool {
	c := ptrOf(child)
	return !c.isZero() && c != ptrOf(parent)
}

// writeValue serializes child as it appears inside parent: indirect values
// become references, direct values are written out in full.
func writeValue(buf *bytes.Buffer, parent, child pdf.Value) error {
	if isReference(parent, child) {
		buf.WriteString(ptrOf(child).String())
		return nil
	}
	return writeDirect(buf, child)
}

func writeDirect(buf *bytes.Buffer, v pdf.Value) error {
	switch v.Kind() {
	case pdf.Null:
		buf.WriteString("null")
	case pdf.Bool:
		if v.Bool() {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case pdf.Integer:
		buf.WriteString(strconv.FormatInt(v.Int64(), 10))
	case pdf.Real:
		buf.WriteString(formatNumber(v.Float64()))
	case pdf.String:
		buf.WriteString("<" + hex.EncodeToString([]byte(v.RawString())) + ">")
	case pdf.Name:
		buf.WriteString(pdfName(v.Name()))
	case pdf.Array:
		buf.WriteString("[")
		for i := 0; i < v.Len(); i++ {
			if i > 0 {
				buf.WriteString(" ")
			}
			if err := writeValue(buf, v, v.Index(i)); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case pdf.Dict:
		buf.WriteString("<<")
		for _, key := range v.Keys() {
			buf.WriteString(" " + pdfName(key) + " ")
			if err := writeValue(buf, v, v.Key(key)); err != nil {
				return err
			}
		}
		buf.WriteString(" >>")
	default:
		return fmt.Errorf("cannot serialize %v as a direct object", v.Kind())
	}
	return nil
}

// serializeDict rewrites the dictionary v. Entries in set replace or extend
// the original entries and are written verbatim; keys listed in drop are
// omitted.
func serializeDict(v pdf.Value, set map[string]string, drop ...string) ([]byte, error) {
	skip := make(map[string]bool, len(set)+len(drop))
	for k := range set {
		skip[k] = true
	}
	for _, k := range drop {
		skip[k] = true
	}

	var buf bytes.Buffer
	buf.WriteString("<<")
	if v.Kind() == pdf.Dict {
		for _, key := range v.Keys() {
			if skip[key] {
				continue
			}
			buf.WriteString(" " + pdfName(key) + " ")
			if err := writeValue(&buf, v, v.Key(key)); err != nil {
				return nil, err
			}
		}
	}

	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, key := range keys {
		buf.WriteString(" " + pdfName(key) + " " + set[key])
	}
	buf.WriteString(" >>")
	return buf.Bytes(), nil
}

// refArray returns the references held by the array v, minus remove, with
// add appended. Direct entries are kept as written.
func refArray(v pdf.Value, remove ref, add ref) (string, error) {
	var buf bytes.Buffer
	buf.WriteString("[")
	n := 0
	for i := 0; i < v.Len(); i++ {
		item := v.Index(i)
		if !remove.isZero() && isReference(v, item) && ptrOf(item) == remove {
			continue
		}
		if n > 0 {
			buf.WriteString(" ")
		}
		if err := writeValue(&buf, v, item); err != nil {
			return "", err
		}
		n++
	}
	if !add.isZero() {
		if n > 0 {
			buf.WriteString(" ")
		}
		buf.WriteString(add.String())
	}
	buf.WriteString("]")
	return buf.String(), nil
}

func pdfName(name string) string {
	var b bytes.Buffer
	b.WriteByte('/')
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c < 0x21 || c > 0x7e || bytes.IndexByte([]byte("()<>[]{}/%#"), c) >= 0 {
			fmt.Fprintf(&b, "#%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

func formatRect(r Rect) string {
	return fmt.Sprintf("[%s %s %s %s]", formatNumber(r[0]), formatNumber(r[1]), formatNumber(r[2]), formatNumber(r[3]))
}

// addObject writes body as a new indirect object and returns its number.
func (context *SignContext) addObject(body []byte) (uint32, error) {
	id := context.nextID
	context.nextID++
	if err := context.writeObject(id, 0, body); err != nil {
		return 0, err
	}
	return id, nil
}

// updateObject writes a new revision of an existing object.
func (context *SignContext) updateObject(r ref, body []byte) error {
	return context.writeObject(r.id, r.gen, body)
}

func (context *SignContext) writeObject(id uint32, gen uint16, body []byte) error {
	offset := int64(context.buffer.Buff.Len())

	var obj bytes.Buffer
	fmt.Fprintf(&obj, "%d %d obj\n", id, gen)
	obj.Write(body)
	obj.WriteString("\nendobj\n")
	if _, err := context.buffer.Write(obj.Bytes()); err != nil {
		return fmt.Errorf("failed to write object %d: %w", id, err)
	}

	entry := xrefEntry{ID: id, Gen: gen, Offset: offset}
	for i := range context.entries {
		if context.entries[i].ID == id {
			context.entries[i] = entry
			return nil
		}
	}
	context.entries = append(context.entries, entry)
	return nil
}
