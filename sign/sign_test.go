package sign

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"math"
	"regexp"
	"strconv"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/jonboulle/clockwork"
	"github.com/mapo80/cie-middleware-mobile/internal/testpdf"
	"github.com/mapo80/cie-middleware-mobile/mock"
)

var byteRangePattern = regexp.MustCompile(`/ByteRange\[(\d+) (\d+) (\d+) (\d+)\]`)

// signedRanges returns the ByteRange arrays found in data, in file order.
func signedRanges(t *testing.T, data []byte) [][4]int64 {
	t.Helper()
	var out [][4]int64
	for _, m := range byteRangePattern.FindAllSubmatch(data, -1) {
		var br [4]int64
		for i := range br {
			v, err := strconv.ParseInt(string(m[i+1]), 10, 64)
			if err != nil {
				t.Fatalf("bad ByteRange %q: %v", m[0], err)
			}
			br[i] = v
		}
		out = append(out, br)
	}
	return out
}

// contentsOf returns the decoded /Contents covered by br and the bytes the
// range protects.
func contentsOf(t *testing.T, data []byte, br [4]int64) (contents, covered []byte) {
	t.Helper()
	if br[0] != 0 || br[2]+br[3] > int64(len(data)) {
		t.Fatalf("ByteRange %v out of bounds for %d bytes", br, len(data))
	}
	gap := data[br[1]:br[2]]
	if gap[0] != '<' || gap[len(gap)-1] != '>' {
		t.Fatalf("ByteRange gap is not a hex string: %q...", gap[:8])
	}
	contents, err := hex.DecodeString(string(gap[1 : len(gap)-1]))
	if err != nil {
		t.Fatalf("contents are not hex: %v", err)
	}
	covered = append(covered, data[br[0]:br[1]]...)
	covered = append(covered, data[br[2]:br[2]+br[3]]...)
	return contents, covered
}

type testSigner struct {
	key  *rsa.PrivateKey
	cert *x509.Certificate
}

func newTestSigner(t *testing.T) testSigner {
	t.Helper()
	id, err := mock.New()
	if err != nil {
		t.Fatalf("mock.New: %v", err)
	}
	cert, err := id.Certificate()
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	return testSigner{key: id.PrivateKey(), cert: cert}
}

// signOnce runs a full pass over doc and returns the signed bytes.
func (s testSigner) signOnce(t *testing.T, doc *Document, opts SignatureOptions) []byte {
	t.Helper()
	content, err := doc.ReserveBuffer(opts)
	if err != nil {
		t.Fatalf("ReserveBuffer: %v", err)
	}
	cms, err := CreateCMS(context.Background(), content, CMSOptions{
		Signer:      s.key,
		Certificate: s.cert,
		Detached:    true,
	})
	if err != nil {
		t.Fatalf("CreateCMS: %v", err)
	}
	if err := doc.InjectSignature(cms); err != nil {
		t.Fatalf("InjectSignature: %v", err)
	}
	signed, err := doc.ExportSigned()
	if err != nil {
		t.Fatalf("ExportSigned: %v", err)
	}
	return signed
}

// verifyAll checks that every signature of data verifies over its range.
func verifyAll(t *testing.T, data []byte, want int) {
	t.Helper()
	ranges := signedRanges(t, data)
	if len(ranges) != want {
		t.Fatalf("found %d ByteRange arrays, want %d", len(ranges), want)
	}
	for i, br := range ranges {
		contents, covered := contentsOf(t, data, br)
		p7, err := pkcs7.Parse(trimDER(contents))
		if err != nil {
			t.Fatalf("signature %d: parse: %v", i, err)
		}
		p7.Content = covered
		if err := p7.Verify(); err != nil {
			t.Errorf("signature %d: verify: %v", i, err)
		}
	}
}

// trimDER drops the zero padding that follows a DER SEQUENCE.
func trimDER(b []byte) []byte {
	if len(b) < 2 || b[0] != 0x30 {
		return b
	}
	n := int(b[1])
	hdr := 2
	if n&0x80 != 0 {
		octets := n & 0x7f
		n = 0
		for i := 0; i < octets; i++ {
			n = n<<8 | int(b[2+i])
		}
		hdr += octets
	}
	if hdr+n > len(b) {
		return b
	}
	return b[:hdr+n]
}

func approxRect(a, b Rect) bool {
	for i := range a {
		if math.Abs(a[i]-b[i]) > 1e-6 {
			return false
		}
	}
	return true
}

func fixedClock() clockwork.Clock {
	return clockwork.NewFakeClockAt(time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC))
}

func TestSignNewField(t *testing.T) {
	signer := newTestSigner(t)

	tests := []struct {
		name string
		opts testpdf.Options
	}{
		{"xref table", testpdf.Options{}},
		{"xref stream", testpdf.Options{XrefStream: true}},
		{"existing form", testpdf.Options{Fields: 1, IndirectForm: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := loadFixture(t, tt.opts)
			before := len(doc.Fields())
			signed := signer.signOnce(t, doc, SignatureOptions{
				NewFieldName: "Signature1",
				Left:         0.1,
				Bottom:       0.1,
				Width:        0.3,
				Height:       0.1,
				Name:         "Mario Rossi",
				Reason:       "Approvazione",
				Location:     "Roma",
				Clock:        fixedClock(),
			})

			if !bytes.HasPrefix(signed, testpdf.New(tt.opts)) {
				t.Fatal("signed output does not start with the original bytes")
			}
			if !bytes.Contains(signed, []byte("/M (D:20250301100000+00'00')")) {
				t.Error("signing time not written from the clock")
			}
			verifyAll(t, signed, 1)

			reloaded, err := Load(signed, nil)
			if err != nil {
				t.Fatalf("reload: %v", err)
			}
			if reloaded.SignatureCount() != 1 {
				t.Errorf("SignatureCount = %d", reloaded.SignatureCount())
			}
			if got := len(reloaded.Fields()); got != before+1 {
				t.Errorf("fields after signing = %d, want %d", got, before+1)
			}
			f, err := reloaded.FindField("Signature1")
			if err != nil {
				t.Fatalf("FindField: %v", err)
			}
			if !f.Signed || f.Page != 0 {
				t.Errorf("field = %+v", f)
			}
			want := Rect{59.5, 84.2, 59.5 + 178.5, 84.2 + 84.2}
			if !approxRect(f.Rect, want) {
				t.Errorf("Rect = %v, want %v", f.Rect, want)
			}
		})
	}
}

func TestSignInvisibleAndCropBox(t *testing.T) {
	signer := newTestSigner(t)

	doc := loadFixture(t, testpdf.Options{})
	signed := signer.signOnce(t, doc, SignatureOptions{NewFieldName: "Hidden"})
	reloaded, err := Load(signed, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	f, err := reloaded.FindField("Hidden")
	if err != nil {
		t.Fatalf("FindField: %v", err)
	}
	if !f.Rect.Empty() || !f.Signed {
		t.Errorf("invisible field = %+v", f)
	}

	crop := [4]float64{100, 100, 500, 700}
	doc = loadFixture(t, testpdf.Options{CropBox: &crop})
	signed = signer.signOnce(t, doc, SignatureOptions{NewFieldName: "Cropped", Width: 0.5, Height: 0.5})
	reloaded, err = Load(signed, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	f, err = reloaded.FindField("Cropped")
	if err != nil {
		t.Fatalf("FindField: %v", err)
	}
	if !approxRect(f.Rect, Rect{100, 100, 300, 400}) {
		t.Errorf("Rect = %v", f.Rect)
	}
}

func TestSignEveryField(t *testing.T) {
	signer := newTestSigner(t)

	tests := []struct {
		name string
		opts testpdf.Options
	}{
		{"table", testpdf.Options{Fields: 3}},
		{"stream", testpdf.Options{Fields: 3, XrefStream: true}},
		{"indirect form", testpdf.Options{Fields: 3, IndirectForm: true}},
		{"nested", testpdf.Options{Fields: 3, Nested: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := testpdf.New(tt.opts)
			original := loadFixture(t, tt.opts).UnsignedFieldNames()

			for i := range original {
				doc, err := Load(data, nil)
				if err != nil {
					t.Fatalf("pass %d: Load: %v", i, err)
				}
				pending := doc.UnsignedFieldNames()
				if len(pending) != len(original)-i || pending[0] != original[i] {
					t.Fatalf("pass %d: unsigned = %v", i, pending)
				}
				data = signer.signOnce(t, doc, SignatureOptions{FieldName: pending[0], Reason: "Firma " + strconv.Itoa(i+1)})
			}

			final, err := Load(data, nil)
			if err != nil {
				t.Fatalf("final Load: %v", err)
			}
			if n := final.SignatureCount(); n != 3 {
				t.Errorf("SignatureCount = %d", n)
			}
			if left := final.UnsignedFieldNames(); len(left) != 0 {
				t.Errorf("unsigned after signing = %v", left)
			}
			for i, f := range final.Fields() {
				if f.Name != original[i] {
					t.Errorf("field %d renamed to %q", i, f.Name)
				}
				if f.Rect != Rect(testpdf.FieldRect(i)) {
					t.Errorf("field %d moved to %v", i, f.Rect)
				}
			}
			verifyAll(t, data, 3)
		})
	}
}

func TestSignLegacyField(t *testing.T) {
	signer := newTestSigner(t)
	opts := testpdf.Options{Fields: 1, Legacy: true}

	doc := loadFixture(t, opts)
	signed := signer.signOnce(t, doc, SignatureOptions{FieldName: "LegacySignature"})
	verifyAll(t, signed, 1)

	reloaded, err := Load(signed, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := reloaded.UnsignedFieldNames(); len(got) != 1 || got[0] != "Field1" {
		t.Fatalf("unsigned = %v", got)
	}
	f, err := reloaded.FindField("LegacySignature")
	if err != nil {
		t.Fatalf("FindField: %v", err)
	}
	if f.Legacy || !f.Signed {
		t.Errorf("spliced field = %+v", f)
	}
	if f.Rect != Rect(testpdf.LegacyRect) || f.Page != 0 {
		t.Errorf("spliced field placement = %v page %d", f.Rect, f.Page)
	}
	if n := len(reloaded.Fields()); n != 2 {
		t.Errorf("fields = %d, want 2", n)
	}

	// The remaining tree field still signs on top of the splice.
	signed = signer.signOnce(t, reloaded, SignatureOptions{FieldName: "Field1"})
	verifyAll(t, signed, 2)
}

func TestSignLegacyFieldForeignPageRef(t *testing.T) {
	signer := newTestSigner(t)
	doc := loadFixture(t, testpdf.Options{Pages: 2, Legacy: true, LegacyPage: 1})

	if len(doc.fields) != 1 {
		t.Fatalf("fields = %+v", doc.fields)
	}
	if f := doc.fields[0]; !f.Legacy || f.Page != 0 || f.page != doc.pages[0] {
		t.Fatalf("legacy field page = %d (%s), want the annotating page %s", f.Page, f.page, doc.pages[0])
	}

	signed := signer.signOnce(t, doc, SignatureOptions{FieldName: "LegacySignature"})
	verifyAll(t, signed, 1)

	reloaded, err := Load(signed, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if left := reloaded.UnsignedFieldNames(); len(left) != 0 {
		t.Errorf("unsigned = %v, want none", left)
	}
	if f, err := reloaded.FindField("LegacySignature"); err != nil || f.Legacy || f.Page != 0 {
		t.Errorf("spliced field = %+v, %v", f, err)
	}
}

func TestLegacySpliceFailsClosed(t *testing.T) {
	doc := loadFixture(t, testpdf.Options{Legacy: true})
	if len(doc.fields) != 1 || !doc.fields[0].Legacy {
		t.Fatalf("fields = %+v", doc.fields)
	}
	doc.fields[0].page = ref{id: 9999}

	_, err := doc.ReserveBuffer(SignatureOptions{FieldName: "LegacySignature"})
	if !errors.Is(err, ErrLegacySplice) {
		t.Fatalf("error = %v, want ErrLegacySplice", err)
	}
	if doc.PlaceholderSize() != 0 {
		t.Error("a failed pass left a placeholder behind")
	}
}

func TestReserveErrors(t *testing.T) {
	signer := newTestSigner(t)
	doc := loadFixture(t, testpdf.Options{Fields: 2})

	if _, err := doc.ReserveBuffer(SignatureOptions{FieldName: "Missing"}); !errors.Is(err, ErrFieldNotFound) {
		t.Errorf("missing field: %v", err)
	}
	if _, err := doc.ReserveBuffer(SignatureOptions{Width: -1}); err == nil {
		t.Error("negative width accepted")
	}
	if _, err := doc.ReserveBuffer(SignatureOptions{Page: 3, Width: 0.2, Height: 0.2}); !errors.Is(err, ErrPageOutOfRange) {
		t.Errorf("page out of range: %v", err)
	}

	signed := signer.signOnce(t, doc, SignatureOptions{FieldName: "Field1"})
	again, err := Load(signed, nil)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if _, err := again.ReserveBuffer(SignatureOptions{FieldName: "Field1"}); !errors.Is(err, ErrFieldSigned) {
		t.Errorf("signed field: %v", err)
	}
}

func TestInjectSignature(t *testing.T) {
	doc := loadFixture(t, testpdf.Options{})

	if err := doc.InjectSignature([]byte{0x30, 0x00}); !errors.Is(err, ErrNoPlaceholder) {
		t.Errorf("inject without reserve: %v", err)
	}
	if _, err := doc.ExportSigned(); !errors.Is(err, ErrNotInjected) {
		t.Errorf("export without reserve: %v", err)
	}

	content, err := doc.ReserveBuffer(SignatureOptions{NewFieldName: "Sig", Size: 64})
	if err != nil {
		t.Fatalf("ReserveBuffer: %v", err)
	}
	if doc.PlaceholderSize() != 64 {
		t.Errorf("PlaceholderSize = %d", doc.PlaceholderSize())
	}
	if _, err := doc.ExportSigned(); !errors.Is(err, ErrNotInjected) {
		t.Errorf("export before inject: %v", err)
	}
	if err := doc.InjectSignature(nil); err == nil {
		t.Error("empty signature accepted")
	}
	if err := doc.InjectSignature(make([]byte, 65)); !errors.Is(err, ErrSignatureTooLarge) {
		t.Errorf("oversized signature: %v", err)
	}

	sig := []byte{0x30, 0x03, 0x02, 0x01, 0x05}
	if err := doc.InjectSignature(sig); err != nil {
		t.Fatalf("InjectSignature: %v", err)
	}
	if doc.PlaceholderSize() != 0 {
		t.Errorf("PlaceholderSize after inject = %d", doc.PlaceholderSize())
	}
	signed, err := doc.ExportSigned()
	if err != nil {
		t.Fatalf("ExportSigned: %v", err)
	}

	ranges := signedRanges(t, signed)
	if len(ranges) != 1 {
		t.Fatalf("ranges = %v", ranges)
	}
	br := ranges[0]
	if br[2]+br[3] != int64(len(signed)) {
		t.Errorf("ByteRange %v does not reach the end of %d bytes", br, len(signed))
	}
	contents, covered := contentsOf(t, signed, br)
	if len(contents) != 64 {
		t.Errorf("contents length = %d", len(contents))
	}
	if !bytes.Equal(contents[:len(sig)], sig) || !bytes.Equal(contents[len(sig):], make([]byte, 64-len(sig))) {
		t.Errorf("contents = %x", contents)
	}
	if !bytes.Equal(covered, content) {
		t.Error("covered bytes differ from the content returned by ReserveBuffer")
	}
	for i, v := range doc.ByteRange() {
		if v != br[i] {
			t.Errorf("ByteRange() = %v, file says %v", doc.ByteRange(), br)
			break
		}
	}
}
