// Package testpdf builds small, deterministic PDF documents for tests.
package testpdf

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"strings"
)

// Options describes the document to build.
type Options struct {
	// Pages defaults to 1.
	Pages int
	// MediaBox is declared on the page tree root and inherited by pages.
	// Defaults to A4.
	MediaBox [4]float64
	// CropBox, when set, is declared on every page.
	CropBox *[4]float64

	// Fields adds unsigned signature fields named Field1..FieldN on the
	// first page, or FieldNames when given.
	Fields     int
	FieldNames []string
	// Nested places the fields under a parent field called "Signatures".
	Nested bool

	// Legacy adds a signature widget that only the first page references.
	Legacy     bool
	LegacyName string
	// LegacyPage is the page the legacy widget's /P points at. It does not
	// change which page lists the widget.
	LegacyPage int
	// LegacyEveryPage lists the legacy widget in the /Annots of every page.
	LegacyEveryPage bool

	// IndirectForm stores the AcroForm and the page /Annots as separate
	// objects instead of inline values.
	IndirectForm bool

	// XrefStream writes a cross-reference stream instead of a table.
	XrefStream bool
}

// A4 is the default media box.
var A4 = [4]float64{0, 0, 595, 842}

type builder struct {
	objects []string
}

func (b *builder) reserve() int {
	b.objects = append(b.objects, "")
	return len(b.objects)
}

func (b *builder) set(id int, body string) {
	b.objects[id-1] = body
}

func ref(id int) string {
	return fmt.Sprintf("%d 0 R", id)
}

func box(r [4]float64) string {
	return fmt.Sprintf("[%g %g %g %g]", r[0], r[1], r[2], r[3])
}

// FieldRect is the rectangle of the n-th generated field (zero based).
func FieldRect(n int) [4]float64 {
	y := 700 - float64(n)*80
	return [4]float64{50, y, 250, y + 50}
}

// LegacyRect is the rectangle of the legacy widget.
var LegacyRect = [4]float64{300, 100, 500, 150}

// New returns a PDF built from opts.
func New(opts Options) []byte {
	if opts.Pages <= 0 {
		opts.Pages = 1
	}
	if opts.MediaBox == [4]float64{} {
		opts.MediaBox = A4
	}
	names := opts.FieldNames
	if len(names) == 0 {
		for i := 0; i < opts.Fields; i++ {
			names = append(names, fmt.Sprintf("Field%d", i+1))
		}
	}

	b := &builder{}
	catalog := b.reserve()
	pages := b.reserve()
	info := b.reserve()

	pageIDs := make([]int, opts.Pages)
	contentIDs := make([]int, opts.Pages)
	for i := range pageIDs {
		pageIDs[i] = b.reserve()
		contentIDs[i] = b.reserve()
	}

	var parent int
	if opts.Nested && len(names) > 0 {
		parent = b.reserve()
	}

	var widgets []int
	for i, name := range names {
		id := b.reserve()
		widgets = append(widgets, id)
		var w strings.Builder
		w.WriteString("<< /Type /Annot /Subtype /Widget /FT /Sig")
		fmt.Fprintf(&w, " /T (%s) /Rect %s /P %s /F 4", name, box(FieldRect(i)), ref(pageIDs[0]))
		if parent != 0 {
			fmt.Fprintf(&w, " /Parent %s", ref(parent))
		}
		w.WriteString(" >>")
		b.set(id, w.String())
	}

	var kids []string
	for _, id := range widgets {
		kids = append(kids, ref(id))
	}
	if parent != 0 {
		b.set(parent, fmt.Sprintf("<< /T (Signatures) /Kids [%s] >>", strings.Join(kids, " ")))
	}

	annots := append([]string(nil), kids...)
	var legacy string
	if opts.Legacy {
		name := opts.LegacyName
		if name == "" {
			name = "LegacySignature"
		}
		target := pageIDs[min(max(opts.LegacyPage, 0), len(pageIDs)-1)]
		id := b.reserve()
		b.set(id, fmt.Sprintf("<< /Type /Annot /Subtype /Widget /FT /Sig /T (%s) /Rect %s /P %s /F 4 >>", name, box(LegacyRect), ref(target)))
		legacy = ref(id)
		annots = append(annots, legacy)
	}

	fields := kids
	if parent != 0 {
		fields = []string{ref(parent)}
	}

	var catalogBody strings.Builder
	fmt.Fprintf(&catalogBody, "<< /Type /Catalog /Pages %s", ref(pages))
	if len(fields) > 0 || opts.Legacy {
		form := fmt.Sprintf("<< /Fields [%s] >>", strings.Join(fields, " "))
		if opts.IndirectForm {
			id := b.reserve()
			b.set(id, form)
			form = ref(id)
		}
		fmt.Fprintf(&catalogBody, " /AcroForm %s", form)
	}
	catalogBody.WriteString(" >>")
	b.set(catalog, catalogBody.String())

	var pageKids []string
	for _, id := range pageIDs {
		pageKids = append(pageKids, ref(id))
	}
	b.set(pages, fmt.Sprintf("<< /Type /Pages /Kids [%s] /Count %d /MediaBox %s >>", strings.Join(pageKids, " "), len(pageIDs), box(opts.MediaBox)))
	b.set(info, "<< /Producer (testpdf) /Title (Test document) >>")

	for i, id := range pageIDs {
		var page strings.Builder
		fmt.Fprintf(&page, "<< /Type /Page /Parent %s /Resources << >> /Contents %s", ref(pages), ref(contentIDs[i]))
		if opts.CropBox != nil {
			fmt.Fprintf(&page, " /CropBox %s", box(*opts.CropBox))
		}
		pageAnnots := annots
		if i > 0 {
			pageAnnots = nil
			if opts.LegacyEveryPage && legacy != "" {
				pageAnnots = []string{legacy}
			}
		}
		if len(pageAnnots) > 0 {
			list := "[" + strings.Join(pageAnnots, " ") + "]"
			if opts.IndirectForm {
				aid := b.reserve()
				b.set(aid, list)
				list = ref(aid)
			}
			fmt.Fprintf(&page, " /Annots %s", list)
		}
		page.WriteString(" >>")
		b.set(id, page.String())

		stream := fmt.Sprintf("0 0 1 rg %d 700 m 300 700 l S", 50+i)
		b.set(contentIDs[i], fmt.Sprintf("<< /Length %d >>\nstream\n%s\nendstream", len(stream), stream))
	}

	return b.write(catalog, info, opts.XrefStream)
}

const fileID = "0123456789abcdef0123456789abcdef"

func (b *builder) write(root, info int, xrefStream bool) []byte {
	var out bytes.Buffer
	out.WriteString("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n")

	offsets := make([]int, len(b.objects)+1)
	for i, body := range b.objects {
		offsets[i+1] = out.Len()
		fmt.Fprintf(&out, "%d 0 obj\n%s\nendobj\n", i+1, body)
	}

	if !xrefStream {
		start := out.Len()
		fmt.Fprintf(&out, "xref\n0 %d\n", len(b.objects)+1)
		out.WriteString("0000000000 65535 f\r\n")
		for _, off := range offsets[1:] {
			fmt.Fprintf(&out, "%010d 00000 n\r\n", off)
		}
		fmt.Fprintf(&out, "trailer\n<< /Size %d /Root %s /Info %s /ID [<%s><%s>] >>\n", len(b.objects)+1, ref(root), ref(info), fileID, fileID)
		fmt.Fprintf(&out, "startxref\n%d\n%%%%EOF\n", start)
		return out.Bytes()
	}

	xrefID := len(b.objects) + 1
	start := out.Len()
	offsets = append(offsets, start)

	var data bytes.Buffer
	for id, off := range offsets {
		entry := make([]byte, 6)
		if id == 0 {
			entry[0] = 0
			entry[5] = 0xff
		} else {
			entry[0] = 1
			binary.BigEndian.PutUint32(entry[1:5], uint32(off))
		}
		data.Write(entry)
	}

	fmt.Fprintf(&out, "%d 0 obj\n<< /Type /XRef /Size %d /W [1 4 1] /Root %s /Info %s /ID [<%s><%s>] /Length %d >>\nstream\n",
		xrefID, xrefID+1, ref(root), ref(info), fileID, fileID, data.Len())
	out.Write(data.Bytes())
	out.WriteString("\nendstream\nendobj\n")
	fmt.Fprintf(&out, "startxref\n%d\n%%%%EOF\n", start)
	return out.Bytes()
}
