package verify

import (
	"bytes"
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/digitorus/pdf"
	"go.uber.org/zap"
)

// Document is a signed PDF opened for verification.
type Document struct {
	data       []byte
	reader     *pdf.Reader
	logger     *zap.Logger
	signatures []*Signature
	info       DocumentInfo
}

type objKey struct {
	id  uint32
	gen uint16
}

func keyOf(v pdf.Value) objKey {
	p := v.GetPtr()
	return objKey{id: uint32(p.GetID()), gen: uint16(p.GetGen())}
}

const maxFieldDepth = 32

// Load parses data and collects its signatures. A nil logger disables
// logging.
func Load(data []byte, logger *zap.Logger) (doc *Document, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	defer func() {
		if r := recover(); r != nil {
			doc = nil
			err = fmt.Errorf("failed to read PDF structure: %v", r)
		}
	}()

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty input", ErrParse)
	}
	rdr, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if rdr.Trailer().Key("Root").Kind() != pdf.Dict {
		return nil, fmt.Errorf("%w: missing document catalog", ErrParse)
	}

	doc = &Document{data: data, reader: rdr, logger: logger}

	if info := rdr.Trailer().Key("Info"); info.Kind() == pdf.Dict {
		parseDocumentInfo(info, &doc.info)
	}
	if doc.info.Pages == 0 {
		doc.info.Pages = rdr.NumPage()
	}

	doc.collectFromFields()
	if len(doc.signatures) == 0 {
		doc.collectFromObjects()
	}

	logger.Debug("loaded signed PDF", zap.Int("signatures", len(doc.signatures)))
	return doc, nil
}

// NumberOfSignatures returns the number of signatures found.
func (d *Document) NumberOfSignatures() int {
	return len(d.signatures)
}

// GetSignature returns the signature at the zero-based index, in field
// tree order.
func (d *Document) GetSignature(index int) (*Signature, error) {
	if index < 0 || index >= len(d.signatures) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrSignatureNotFound, index, len(d.signatures))
	}
	return d.signatures[index], nil
}

// Info returns the document information dictionary.
func (d *Document) Info() DocumentInfo {
	return d.info
}

// collectFromFields walks the AcroForm field tree for signature fields
// whose value is a signature dictionary.
func (d *Document) collectFromFields() {
	fields := d.reader.Trailer().Key("Root").Key("AcroForm").Key("Fields")
	seen := make(map[objKey]bool)
	for i := 0; i < fields.Len(); i++ {
		d.walkField(fields.Index(i), pdf.Value{}, "", "", seen, 0)
	}
}

func (d *Document) walkField(node, parent pdf.Value, parentName, inheritedFT string, seen map[objKey]bool, depth int) {
	if node.Kind() != pdf.Dict || depth > maxFieldDepth {
		return
	}
	if k := keyOf(node); k != (objKey{}) && k != keyOf(parent) {
		if seen[k] {
			return
		}
		seen[k] = true
	}

	name := node.Key("T").Text()
	if parentName != "" {
		name = parentName + "." + name
	}
	ft := node.Key("FT").Name()
	if ft == "" {
		ft = inheritedFT
	}

	kids := node.Key("Kids")
	var widgets []pdf.Value
	for i := 0; i < kids.Len(); i++ {
		kid := kids.Index(i)
		if kid.Kind() != pdf.Dict {
			continue
		}
		if !kid.Key("T").IsNull() {
			d.walkField(kid, node, name, ft, seen, depth+1)
			continue
		}
		widgets = append(widgets, kid)
	}

	if ft != "Sig" {
		return
	}

	value := node.Key("V")
	if value.Kind() != pdf.Dict {
		for _, w := range widgets {
			if w.Key("V").Kind() == pdf.Dict {
				value = w.Key("V")
				break
			}
		}
	}
	if value.Kind() != pdf.Dict || value.Key("Contents").IsNull() {
		return
	}

	rect := node.Key("Rect")
	if rect.Kind() != pdf.Array {
		for _, w := range widgets {
			if w.Key("Rect").Kind() == pdf.Array {
				rect = w.Key("Rect")
				break
			}
		}
	}

	d.signatures = append(d.signatures, readSignature(name, value, rect))
}

// collectFromObjects scans every cross-referenced object for signature
// dictionaries. It serves documents whose field tree is missing or
// broken.
func (d *Document) collectFromObjects() {
	for i := range d.reader.Xref() {
		v, ok := d.resolveIndex(i)
		if !ok || !isSignatureDict(v) {
			continue
		}
		d.signatures = append(d.signatures, readSignature("", v, pdf.Value{}))
	}
	if len(d.signatures) > 0 {
		d.logger.Debug("signatures found outside the field tree", zap.Int("count", len(d.signatures)))
	}
}

func (d *Document) resolveIndex(i int) (v pdf.Value, ok bool) {
	defer func() {
		if recover() != nil {
			v, ok = pdf.Value{}, false
		}
	}()
	x := d.reader.Xref()[i]
	v = d.reader.Resolve(x.Ptr(), x.Ptr())
	return v, v.Kind() == pdf.Dict
}

func isSignatureDict(v pdf.Value) bool {
	if v.Key("ByteRange").Kind() != pdf.Array || v.Key("Contents").Kind() != pdf.String {
		return false
	}
	return v.Key("Type").Name() == "Sig" || !v.Key("Filter").IsNull()
}

func readSignature(fieldName string, v, rect pdf.Value) *Signature {
	s := &Signature{
		FieldName:   fieldName,
		Name:        v.Key("Name").Text(),
		Reason:      v.Key("Reason").Text(),
		Location:    v.Key("Location").Text(),
		ContactInfo: v.Key("ContactInfo").Text(),
		Filter:      v.Key("Filter").Name(),
		SubFilter:   v.Key("SubFilter").Name(),
		Contents:    trimDER([]byte(v.Key("Contents").RawString())),
		Rect:        readRect(rect),
	}

	if m := v.Key("M"); !m.IsNull() {
		if t, err := parseDate(m.Text()); err == nil {
			s.SigningTime = &t
		}
	}

	br := v.Key("ByteRange")
	for i := 0; i < br.Len(); i++ {
		e := br.Index(i)
		if e.Kind() != pdf.Integer {
			s.ByteRange = nil
			break
		}
		s.ByteRange = append(s.ByteRange, e.Int64())
	}
	return s
}

func readRect(v pdf.Value) Rect {
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return Rect{}
	}
	x1, y1 := v.Index(0).Float64(), v.Index(1).Float64()
	x2, y2 := v.Index(2).Float64(), v.Index(3).Float64()
	return Rect{
		Left:   int(min(x1, x2)),
		Bottom: int(min(y1, y2)),
		Width:  int(max(x1, x2) - min(x1, x2)),
		Height: int(max(y1, y2) - min(y1, y2)),
	}
}

// trimDER cuts the NUL padding of a signature placeholder. The length is
// taken from the outer DER header; when that header is unusable trailing
// zero bytes are stripped instead.
func trimDER(b []byte) []byte {
	if n := derLength(b); n > 0 {
		return b[:n]
	}
	end := len(b)
	for end > 0 && b[end-1] == 0 {
		end--
	}
	return b[:end]
}

func derLength(b []byte) int {
	if len(b) < 2 || b[0] != 0x30 {
		return 0
	}
	n := int(b[1])
	header := 2
	if n&0x80 != 0 {
		octets := n & 0x7f
		if octets == 0 || octets > 4 || len(b) < 2+octets {
			return 0
		}
		n = 0
		for _, c := range b[2 : 2+octets] {
			n = n<<8 | int(c)
		}
		header += octets
	}
	if header+n > len(b) {
		return 0
	}
	return header + n
}

// parseDocumentInfo parses document information from PDF Info dictionary.
func parseDocumentInfo(v pdf.Value, documentInfo *DocumentInfo) {
	keys := []string{
		"Author", "CreationDate", "Creator", "Hash", "Keywords", "ModDate",
		"Name", "Pages", "Permission", "Producer", "Subject", "Title",
	}

	for _, key := range keys {
		value := v.Key(key)
		if !value.IsNull() {
			// get string value
			valueStr := value.Text()

			// get struct field
			elem := reflect.ValueOf(documentInfo).Elem()
			field := elem.FieldByName(key)

			switch key {
			// parse dates
			case "CreationDate", "ModDate":
				t, _ := parseDate(valueStr)
				field.Set(reflect.ValueOf(t))
			// parse pages
			case "Pages":
				i, _ := strconv.Atoi(valueStr)
				documentInfo.Pages = i
			case "Keywords":
				documentInfo.Keywords = parseKeywords(valueStr)
			default:
				field.Set(reflect.ValueOf(valueStr))
			}
		}
	}
}

// parseDate parses PDF formatted dates.
func parseDate(v string) (time.Time, error) {
	// PDF Date Format
	// (D:YYYYMMDDHHmmSSOHH'mm')
	//
	// where
	//
	// YYYY is the year
	// MM is the month
	// DD is the day (01-31)
	// HH is the hour (00-23)
	// mm is the minute (00-59)
	// SS is the second (00-59)
	// O is the relationship of local time to Universal Time (UT), denoted by one of the characters +, -, or Z (see below)
	// HH followed by ' is the absolute value of the offset from UT in hours (00-23)
	// mm followed by ' is the absolute value of the offset from UT in minutes (00-59)
	s := strings.ReplaceAll(strings.TrimPrefix(v, "D:"), "'", "")
	if i := strings.IndexByte(s, 'Z'); i >= 0 {
		s = s[:i+1]
	}
	for _, layout := range []string{
		"20060102150405Z0700",
		"20060102150405Z07",
		"20060102150405",
		"200601021504",
		"20060102",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid PDF date %q", v)
}

// parseKeywords parses keywords PDF metadata.
func parseKeywords(value string) []string {
	// keywords must be separated by commas or semicolons or could be just separated with spaces, after the semicolon could be a space
	// https://stackoverflow.com/questions/44608608/the-separator-between-keywords-in-pdf-meta-data
	separators := []string{", ", ": ", ",", ":", " ", "; ", ";", " ;"}
	for _, s := range separators {
		if strings.Contains(value, s) {
			return strings.Split(value, s)
		}
	}

	return []string{value}
}
