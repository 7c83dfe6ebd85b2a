package sign

import (
	"bytes"
	"fmt"

	"github.com/digitorus/pdf"
	"go.uber.org/zap"
)

// Document is a parsed PDF together with the signature fields found in it.
// It is the entry point of the two-phase signing protocol: ReserveBuffer,
// InjectSignature and ExportSigned.
type Document struct {
	data   []byte
	reader *pdf.Reader
	logger *zap.Logger

	pages     []ref
	fields    []Field
	xrefIndex map[ref]int

	session *SignContext
	signed  []byte
}

// Load parses data and discovers its signature fields. A nil logger
// disables logging.
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

	doc = &Document{
		data:      data,
		reader:    rdr,
		logger:    logger,
		xrefIndex: make(map[ref]int),
	}

	for i := 1; i <= rdr.NumPage(); i++ {
		doc.pages = append(doc.pages, ptrOf(rdr.Page(i).V))
	}
	for i, x := range rdr.Xref() {
		p := x.Ptr()
		doc.xrefIndex[ref{id: uint32(p.GetID()), gen: uint16(p.GetGen())}] = i
	}

	doc.discoverFields()

	logger.Debug("loaded PDF",
		zap.Int("pages", len(doc.pages)),
		zap.Int("fields", len(doc.fields)),
		zap.Int("signatures", doc.SignatureCount()))

	return doc, nil
}

// Bytes returns the document as it was loaded.
func (d *Document) Bytes() []byte {
	return d.data
}

// resolve looks an object up by reference. The second result is false when
// the reference does not name a live object.
func (d *Document) resolve(r ref) (v pdf.Value, ok bool) {
	defer func() {
		if recover() != nil {
			v, ok = pdf.Value{}, false
		}
	}()

	i, found := d.xrefIndex[r]
	if !found || r.isZero() {
		return pdf.Value{}, false
	}
	x := d.reader.Xref()[i]
	v = d.reader.Resolve(x.Ptr(), x.Ptr())
	if v.Kind() == pdf.Null {
		return pdf.Value{}, false
	}
	return v, true
}

func (d *Document) catalog() pdf.Value {
	return d.reader.Trailer().Key("Root")
}

func (d *Document) discoverFields() {
	annotPage := make(map[ref]int)
	for i := range d.pages {
		annots := d.reader.Page(i + 1).V.Key("Annots")
		for j := 0; j < annots.Len(); j++ {
			a := annots.Index(j)
			if isReference(annots, a) {
				annotPage[ptrOf(a)] = i
			}
		}
	}

	inTree := make(map[ref]bool)
	fields := d.catalog().Key("AcroForm").Key("Fields")
	for i := 0; i < fields.Len(); i++ {
		d.walkField(fields.Index(i), "", "", annotPage, inTree, 0)
	}

	d.scanLegacyFields(annotPage, inTree)
}

const maxFieldDepth = 32

func (d *Document) walkField(node pdf.Value, parentName, inheritedFT string, annotPage map[ref]int, inTree map[ref]bool, depth int) {
	if node.Kind() != pdf.Dict || depth > maxFieldDepth {
		return
	}
	self := ptrOf(node)
	if !self.isZero() {
		if inTree[self] {
			return
		}
		inTree[self] = true
	}

	partial := node.Key("T").Text()
	name := partial
	if parentName != "" {
		name = parentName + "." + partial
	}
	ft := node.Key("FT").Name()
	if ft == "" {
		ft = inheritedFT
	}

	// Kids carrying /T are child fields; the others are widgets.
	kids := node.Key("Kids")
	var widgets []pdf.Value
	hasChildFields := false
	for i := 0; i < kids.Len(); i++ {
		kid := kids.Index(i)
		if kid.Kind() != pdf.Dict {
			continue
		}
		if !kid.Key("T").IsNull() {
			hasChildFields = true
			d.walkField(kid, name, ft, annotPage, inTree, depth+1)
			continue
		}
		if !ptrOf(kid).isZero() {
			inTree[ptrOf(kid)] = true
		}
		widgets = append(widgets, kid)
	}

	if ft != "Sig" || (hasChildFields && len(widgets) == 0) {
		return
	}

	f := Field{
		Name:        name,
		PartialName: partial,
		Page:        -1,
		field:       self,
		widget:      self,
	}

	widget := node
	if node.Key("Rect").IsNull() && len(widgets) > 0 {
		widget = widgets[0]
		f.widget = ptrOf(widget)
	}
	f.Rect = readRect(widget.Key("Rect"))

	if p := widget.Key("P"); p.Kind() == pdf.Dict {
		f.page = ptrOf(p)
		f.Page = d.pageIndex(f.page)
	}
	if f.Page < 0 {
		if i, ok := annotPage[f.widget]; ok {
			f.Page = i
			f.page = d.pages[i]
		}
	}

	f.Signed = isSignatureValue(node.Key("V"))
	d.fields = append(d.fields, f)
}

// scanLegacyFields walks every cross-referenced object looking for
// signature widgets that are attached to a page but missing from the
// field tree.
func (d *Document) scanLegacyFields(annotPage map[ref]int, inTree map[ref]bool) {
	for i, x := range d.reader.Xref() {
		v, ok := d.resolveIndex(i)
		if !ok {
			continue
		}
		ptr := x.Ptr()
		r := ref{id: uint32(ptr.GetID()), gen: uint16(ptr.GetGen())}
		if inTree[r] {
			continue
		}
		if v.Key("Subtype").Name() != "Widget" || v.Key("FT").Name() != "Sig" {
			continue
		}
		if v.Key("T").Kind() != pdf.String || v.Key("T").Text() == "" {
			continue
		}
		rect := readRect(v.Key("Rect"))
		if v.Key("Rect").Len() != 4 || rect.Empty() {
			continue
		}
		if v.Key("P").Kind() != pdf.Dict {
			continue
		}
		// The annotating page wins over /P: it is the array the splice
		// has to rewrite.
		page, attached := annotPage[r]
		if !attached {
			continue
		}

		d.fields = append(d.fields, Field{
			Name:        v.Key("T").Text(),
			PartialName: v.Key("T").Text(),
			Rect:        rect,
			Page:        page,
			Signed:      isSignatureValue(v.Key("V")),
			Legacy:      true,
			field:       r,
			widget:      r,
			page:        d.pages[page],
		})
		d.logger.Debug("found legacy signature widget", zap.String("field", v.Key("T").Text()), zap.Stringer("ref", r))
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

func isSignatureValue(v pdf.Value) bool {
	return v.Kind() == pdf.Dict && !v.Key("Contents").IsNull()
}

func readRect(v pdf.Value) Rect {
	var r Rect
	if v.Kind() != pdf.Array || v.Len() != 4 {
		return r
	}
	for i := 0; i < 4; i++ {
		r[i] = v.Index(i).Float64()
	}
	if r[0] > r[2] {
		r[0], r[2] = r[2], r[0]
	}
	if r[1] > r[3] {
		r[1], r[3] = r[3], r[1]
	}
	return r
}

func (d *Document) pageIndex(r ref) int {
	for i, p := range d.pages {
		if p == r {
			return i
		}
	}
	return -1
}

// Fields returns every signature field in discovery order: the field tree
// first, then legacy widgets.
func (d *Document) Fields() []Field {
	return append([]Field(nil), d.fields...)
}

// UnsignedFields returns the fields that do not carry a signature yet.
func (d *Document) UnsignedFields() []Field {
	var out []Field
	for _, f := range d.fields {
		if !f.Signed {
			out = append(out, f)
		}
	}
	return out
}

// UnsignedFieldNames returns the names of UnsignedFields, in order.
func (d *Document) UnsignedFieldNames() []string {
	var names []string
	for _, f := range d.UnsignedFields() {
		names = append(names, f.Name)
	}
	return names
}

// SignatureCount returns the number of signed fields.
func (d *Document) SignatureCount() int {
	n := 0
	for _, f := range d.fields {
		if f.Signed {
			n++
		}
	}
	return n
}

// FindField looks a field up by its fully qualified name, then by its
// partial name when that is unambiguous.
func (d *Document) FindField(name string) (*Field, error) {
	for i := range d.fields {
		if d.fields[i].Name == name {
			f := d.fields[i]
			return &f, nil
		}
	}

	var match *Field
	for i := range d.fields {
		if d.fields[i].PartialName != name {
			continue
		}
		if match != nil {
			return nil, fmt.Errorf("%w: %q is ambiguous", ErrFieldNotFound, name)
		}
		f := d.fields[i]
		match = &f
	}
	if match == nil {
		return nil, fmt.Errorf("%w: %q", ErrFieldNotFound, name)
	}
	return match, nil
}

// NextFieldName returns the default name for a new signature field,
// Signature{n+1}, skipping names already in use.
func (d *Document) NextFieldName() string {
	n := d.SignatureCount() + 1
	for {
		name := fmt.Sprintf("Signature%d", n)
		if !d.nameInUse(name) {
			return name
		}
		n++
	}
}

func (d *Document) nameInUse(name string) bool {
	for _, f := range d.fields {
		if f.Name == name || f.PartialName == name {
			return true
		}
	}
	return false
}

// PageCount returns the number of pages.
func (d *Document) PageCount() int {
	return len(d.pages)
}

// PageBox returns the media box of the page at the zero-based index,
// following inheritance through the page tree.
func (d *Document) PageBox(index int) (Rect, error) {
	return d.pageBox(index, "MediaBox")
}

// PageSize returns the width and height of the page media box.
func (d *Document) PageSize(index int) (float64, float64, error) {
	box, err := d.PageBox(index)
	if err != nil {
		return 0, 0, err
	}
	return box.Width(), box.Height(), nil
}

// cropBox returns the visible region used to place new fields. It falls
// back to the media box.
func (d *Document) cropBox(index int) (Rect, error) {
	box, err := d.pageBox(index, "CropBox")
	if err == nil {
		return box, nil
	}
	return d.PageBox(index)
}

func (d *Document) pageBox(index int, key string) (Rect, error) {
	if index < 0 || index >= len(d.pages) {
		return Rect{}, fmt.Errorf("%w: page %d, document has %d pages", ErrPageOutOfRange, index, len(d.pages))
	}
	node := d.reader.Page(index + 1).V
	for i := 0; i < maxFieldDepth && node.Kind() == pdf.Dict; i++ {
		if box := node.Key(key); box.Kind() == pdf.Array && box.Len() == 4 {
			r := readRect(box)
			if r.Empty() {
				break
			}
			return r, nil
		}
		node = node.Key("Parent")
	}
	if key == "MediaBox" {
		// US Letter is the conventional default when no box is declared.
		return Rect{0, 0, 612, 792}, nil
	}
	return Rect{}, fmt.Errorf("page %d has no %s", index, key)
}
