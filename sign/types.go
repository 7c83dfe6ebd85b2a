package sign

import (
	"github.com/jonboulle/clockwork"
	"github.com/mattetti/filebuffer"
)

// SubFilter values written to the signature dictionary.
const (
	SubFilterPKCS7Detached = "adbe.pkcs7.detached"
	SubFilterPKCS7SHA1     = "adbe.pkcs7.sha1"
	SubFilterCAdESDetached = "ETSI.CAdES.detached"
)

type TSA struct {
	URL      string
	Username string
	Password string
}

// Rect is a rectangle in PDF user space: lower-left x, lower-left y,
// upper-right x, upper-right y.
type Rect [4]float64

func (r Rect) Width() float64  { return r[2] - r[0] }
func (r Rect) Height() float64 { return r[3] - r[1] }

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// ref is an indirect object reference. It is only meaningful for the
// document it was read from and is resolved through Document.resolve.
type ref struct {
	id  uint32
	gen uint16
}

func (r ref) String() string {
	return formatRef(r.id, r.gen)
}

func (r ref) isZero() bool { return r.id == 0 }

// Field describes a signature field found in a document.
type Field struct {
	// Name is the fully qualified field name (parent names joined by dots).
	Name string
	// PartialName is the /T entry of the terminal field.
	PartialName string
	Rect        Rect
	// Page is the zero-based page index of the widget, or -1 when unknown.
	Page   int
	Signed bool
	// Legacy fields are signature widgets that are not reachable from the
	// AcroForm field tree. They are moved into the tree when signed.
	Legacy bool

	field  ref
	widget ref
	page   ref
}

// SignatureOptions controls a single reserve/inject cycle.
type SignatureOptions struct {
	// FieldName selects an existing unsigned field. When empty a new field
	// called NewFieldName is created.
	FieldName    string
	NewFieldName string

	// Page is the zero-based page for a new field.
	Page int
	// Left, Bottom, Width and Height place a new field, as fractions of the
	// page size. Width and Height both zero create an invisible field.
	Left, Bottom, Width, Height float64

	Name     string
	Reason   string
	Location string

	// SubFilter defaults to SubFilterPKCS7Detached.
	SubFilter string

	// Image is painted into the field appearance. When ImageWidth and
	// ImageHeight are set Image holds raw RGBA pixels, otherwise it is an
	// encoded image (PNG, JPEG, GIF, BMP, TIFF or WebP).
	Image       []byte
	ImageWidth  int
	ImageHeight int

	// Size is the number of bytes reserved for the CMS structure. Zero
	// selects DefaultSignatureSize.
	Size int

	// Clock provides the signing time written to /M.
	Clock clockwork.Clock
}

type xrefEntry struct {
	ID     uint32
	Gen    uint16
	Offset int64
}

// SignContext holds the state of one reserve/inject cycle: the working
// buffer and everything written to it.
type SignContext struct {
	doc     *Document
	opts    SignatureOptions
	field   *Field
	buffer  *filebuffer.Buffer
	nextID  uint32
	size    int
	entries []xrefEntry

	SignatureObjectId uint32
	WidgetObjectId    uint32

	ByteRangeStartByte         int64
	SignatureContentsStartByte int64
	ByteRangeValues            []int64
	NewXrefStart               int64

	injected bool
}
