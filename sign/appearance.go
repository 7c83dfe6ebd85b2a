package sign

import (
	"bytes"
	"compress/zlib"
	"errors"
	"fmt"
	"image"
	_ "image/gif"  // register GIF format
	_ "image/jpeg" // register JPEG format
	_ "image/png"  // register PNG format
	"strings"

	"go.uber.org/zap"
	_ "golang.org/x/image/bmp" // register BMP format
	"golang.org/x/image/draw"
	_ "golang.org/x/image/tiff" // register TIFF format
	_ "golang.org/x/image/webp" // register WebP format
	"golang.org/x/text/encoding/charmap"
)

// maxImageSide bounds the embedded raster; larger images are scaled down.
const maxImageSide = 1024

// maxRawSide bounds each side of a raw RGBA image given with explicit
// dimensions.
const maxRawSide = 1 << 14

// createAppearanceObject writes the appearance of a visible field and
// returns its object number, or 0 when the field stays without one.
// Failures are logged and never abort the signature.
func (context *SignContext) createAppearanceObject(rect Rect) uint32 {
	if rect.Empty() {
		return 0
	}

	if len(context.opts.Image) > 0 {
		id, err := context.createImageAppearance(rect)
		if err == nil {
			return id
		}
		context.doc.logger.Warn("image appearance failed, falling back to text", zap.Error(err))
	}

	id, err := context.createTextAppearance(rect)
	if err != nil {
		context.doc.logger.Warn("appearance not created", zap.Error(err))
		return 0
	}
	return id
}

// writeAppearanceHeader writes the header for the appearance stream.
//
// Should be closed by writeFormTypeAndLength.
func writeAppearanceHeader(buffer *bytes.Buffer, rectWidth, rectHeight float64) {
	buffer.WriteString("<<\n")
	buffer.WriteString("  /Type /XObject\n")
	buffer.WriteString("  /Subtype /Form\n")
	buffer.WriteString(fmt.Sprintf("  /BBox [0 0 %s %s]\n", formatNumber(rectWidth), formatNumber(rectHeight)))
	buffer.WriteString("  /Matrix [1 0 0 1 0 0]\n") // No scaling or translation
}

func createFontResource(buffer *bytes.Buffer) {
	buffer.WriteString("   /Font <<\n")
	buffer.WriteString("     /F1 <<\n")
	buffer.WriteString("       /Type /Font\n")
	buffer.WriteString("       /Subtype /Type1\n")
	buffer.WriteString("       /BaseFont /Helvetica\n")
	buffer.WriteString("       /Encoding /WinAnsiEncoding\n")
	buffer.WriteString("     >>\n")
	buffer.WriteString("   >>\n")
}

func createImageResource(buffer *bytes.Buffer, imageObjectId uint32) {
	buffer.WriteString("   /XObject <<\n")
	buffer.WriteString(fmt.Sprintf("     /Im1 %d 0 R\n", imageObjectId))
	buffer.WriteString("   >>\n")
}

func writeFormTypeAndLength(buffer *bytes.Buffer, streamLength int) {
	buffer.WriteString("  /FormType 1\n")
	buffer.WriteString(fmt.Sprintf("  /Length %d\n", streamLength))
	buffer.WriteString(">>\n")
}

func writeBufferStream(buffer *bytes.Buffer, stream []byte) {
	buffer.WriteString("stream\n")
	buffer.Write(stream)
	buffer.WriteString("\nendstream")
}

// decodeSignatureImage returns the signature image as non-premultiplied
// RGBA. With explicit dimensions data must hold exactly width*height*4
// bytes of raw pixels; otherwise the format is detected from the header.
func decodeSignatureImage(data []byte, width, height int) (*image.NRGBA, error) {
	if width != 0 || height != 0 {
		if width <= 0 || height <= 0 || width > maxRawSide || height > maxRawSide {
			return nil, fmt.Errorf("invalid image dimensions %dx%d", width, height)
		}
		if len(data)%(4*width) != 0 || len(data)/(4*width) != height {
			return nil, fmt.Errorf("raw RGBA image of %dx%d does not match its %d bytes", width, height, len(data))
		}
		img := image.NewNRGBA(image.Rect(0, 0, width, height))
		copy(img.Pix, data)
		return img, nil
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}

	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	if w == 0 || h == 0 {
		return nil, errors.New("image is empty")
	}
	if w > maxImageSide || h > maxImageSide {
		scale := float64(maxImageSide) / float64(max(w, h))
		w = max(1, int(float64(w)*scale))
		h = max(1, int(float64(h)*scale))
		dst := image.NewNRGBA(image.Rect(0, 0, w, h))
		draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)
		return dst, nil
	}

	dst := image.NewNRGBA(image.Rect(0, 0, w, h))
	draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
	return dst, nil
}

func deflate(data []byte) ([]byte, error) {
	var b bytes.Buffer
	w := zlib.NewWriter(&b)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return b.Bytes(), nil
}

// createImageXObject writes the colour channels as a DeviceRGB image and
// the alpha channel as its soft mask.
func (context *SignContext) createImageXObject(img *image.NRGBA) (uint32, error) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	rgb := make([]byte, 0, w*h*3)
	alpha := make([]byte, 0, w*h)
	opaque := true
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			p := row[x*4 : x*4+4]
			rgb = append(rgb, p[0], p[1], p[2])
			alpha = append(alpha, p[3])
			if p[3] != 0xff {
				opaque = false
			}
		}
	}

	var smask uint32
	if !opaque {
		compressed, err := deflate(alpha)
		if err != nil {
			return 0, err
		}
		var mask bytes.Buffer
		mask.WriteString("<<\n")
		mask.WriteString("  /Type /XObject\n")
		mask.WriteString("  /Subtype /Image\n")
		mask.WriteString(fmt.Sprintf("  /Width %d\n", w))
		mask.WriteString(fmt.Sprintf("  /Height %d\n", h))
		mask.WriteString("  /ColorSpace /DeviceGray\n")
		mask.WriteString("  /BitsPerComponent 8\n")
		mask.WriteString("  /Filter /FlateDecode\n")
		mask.WriteString(fmt.Sprintf("  /Length %d\n", len(compressed)))
		mask.WriteString(">>\n")
		writeBufferStream(&mask, compressed)
		if smask, err = context.addObject(mask.Bytes()); err != nil {
			return 0, fmt.Errorf("failed to add soft mask: %w", err)
		}
	}

	compressed, err := deflate(rgb)
	if err != nil {
		return 0, err
	}

	var imageObject bytes.Buffer
	imageObject.WriteString("<<\n")
	imageObject.WriteString("  /Type /XObject\n")
	imageObject.WriteString("  /Subtype /Image\n")
	imageObject.WriteString(fmt.Sprintf("  /Width %d\n", w))
	imageObject.WriteString(fmt.Sprintf("  /Height %d\n", h))
	imageObject.WriteString("  /ColorSpace /DeviceRGB\n")
	imageObject.WriteString("  /BitsPerComponent 8\n")
	imageObject.WriteString("  /Filter /FlateDecode\n")
	if smask != 0 {
		imageObject.WriteString(fmt.Sprintf("  /SMask %d 0 R\n", smask))
	}
	imageObject.WriteString(fmt.Sprintf("  /Length %d\n", len(compressed)))
	imageObject.WriteString(">>\n")
	writeBufferStream(&imageObject, compressed)

	return context.addObject(imageObject.Bytes())
}

func drawImage(buffer *bytes.Buffer, rectWidth, rectHeight float64) {
	// We save state twice on purpose due to the cm operation
	buffer.WriteString("q\n") // Save graphics state
	buffer.WriteString("q\n") // Save before image transformation
	buffer.WriteString(fmt.Sprintf("%.2f 0 0 %.2f 0 0 cm\n", rectWidth, rectHeight))
	buffer.WriteString("/Im1 Do\n") // Draw image
	buffer.WriteString("Q\n")       // Restore after transformation
	buffer.WriteString("Q\n")       // Restore graphics state
}

func (context *SignContext) createImageAppearance(rect Rect) (uint32, error) {
	rectWidth := rect.Width()
	rectHeight := rect.Height()

	if rectWidth < 1 || rectHeight < 1 {
		return 0, fmt.Errorf("invalid rectangle dimensions: width %.2f and height %.2f must be greater than 0", rectWidth, rectHeight)
	}

	img, err := decodeSignatureImage(context.opts.Image, context.opts.ImageWidth, context.opts.ImageHeight)
	if err != nil {
		return 0, err
	}

	imageObjectId, err := context.createImageXObject(img)
	if err != nil {
		return 0, fmt.Errorf("failed to add image object: %w", err)
	}

	var appearance_stream_buffer bytes.Buffer
	drawImage(&appearance_stream_buffer, rectWidth, rectHeight)

	var appearance_buffer bytes.Buffer
	writeAppearanceHeader(&appearance_buffer, rectWidth, rectHeight)

	// Resources dictionary with XObject
	appearance_buffer.WriteString("  /Resources <<\n")
	createImageResource(&appearance_buffer, imageObjectId)
	appearance_buffer.WriteString("  >>\n")

	writeFormTypeAndLength(&appearance_buffer, appearance_stream_buffer.Len())
	writeBufferStream(&appearance_buffer, appearance_stream_buffer.Bytes())

	return context.addObject(appearance_buffer.Bytes())
}

// appearanceLines returns the text shown in a visible field without image.
func (context *SignContext) appearanceLines() []string {
	var lines []string
	if context.opts.Name != "" {
		lines = append(lines, context.opts.Name)
	}
	if context.opts.Reason != "" {
		lines = append(lines, context.opts.Reason)
	}
	if len(lines) == 0 {
		lines = append(lines, "Digitally signed")
	}
	return lines
}

// computeTextLayout picks one font size for all lines so that the block
// fits the rectangle, using an average Helvetica glyph width of half an em.
func computeTextLayout(lines []string, rectWidth, rectHeight float64) float64 {
	longest := 1
	for _, l := range lines {
		longest = max(longest, len([]rune(l)))
	}
	fontSize := rectHeight * 0.8 / float64(len(lines))
	if w := float64(longest) * fontSize * 0.5; w > rectWidth*0.95 {
		fontSize = rectWidth * 0.95 / (float64(longest) * 0.5)
	}
	return fontSize
}

func drawText(buffer *bytes.Buffer, text string, fontSize float64, x, y float64) {
	buffer.WriteString("BT\n")
	buffer.WriteString(fmt.Sprintf("/F1 %.2f Tf\n", fontSize))
	buffer.WriteString(fmt.Sprintf("%.2f %.2f Td\n", x, y))
	buffer.WriteString(fmt.Sprintf("%s Tj\n", winAnsiString(text)))
	buffer.WriteString("ET\n")
}

func (context *SignContext) createTextAppearance(rect Rect) (uint32, error) {
	rectWidth := rect.Width()
	rectHeight := rect.Height()

	if rectWidth < 1 || rectHeight < 1 {
		return 0, fmt.Errorf("invalid rectangle dimensions: width %.2f and height %.2f must be greater than 0", rectWidth, rectHeight)
	}

	lines := context.appearanceLines()
	fontSize := computeTextLayout(lines, rectWidth, rectHeight)
	lineHeight := fontSize * 1.2
	top := (rectHeight+lineHeight*float64(len(lines)))/2 - fontSize

	var appearance_stream_buffer bytes.Buffer
	appearance_stream_buffer.WriteString("q\n")
	appearance_stream_buffer.WriteString("0.2 0.2 0.6 rg\n") // Set font color to ballpoint-like color (RGB)
	for i, line := range lines {
		textWidth := float64(len([]rune(line))) * fontSize * 0.5
		x := max(0, (rectWidth-textWidth)/2)
		drawText(&appearance_stream_buffer, line, fontSize, x, top-float64(i)*lineHeight)
	}
	appearance_stream_buffer.WriteString("Q\n")

	var appearance_buffer bytes.Buffer
	writeAppearanceHeader(&appearance_buffer, rectWidth, rectHeight)

	// Resources dictionary with font
	appearance_buffer.WriteString("  /Resources <<\n")
	createFontResource(&appearance_buffer)
	appearance_buffer.WriteString("  >>\n")

	writeFormTypeAndLength(&appearance_buffer, appearance_stream_buffer.Len())
	writeBufferStream(&appearance_buffer, appearance_stream_buffer.Bytes())

	return context.addObject(appearance_buffer.Bytes())
}

// winAnsiString encodes text for the standard Helvetica font. Characters
// outside Windows-1252 are replaced by '?'.
func winAnsiString(text string) string {
	var b strings.Builder
	b.WriteByte('(')
	for _, r := range text {
		c, ok := charmap.Windows1252.EncodeRune(r)
		if !ok {
			c = '?'
		}
		switch {
		case c == '(' || c == ')' || c == '\\':
			b.WriteByte('\\')
			b.WriteByte(c)
		case c < 0x20 || c > 0x7e:
			fmt.Fprintf(&b, "\\%03o", c)
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte(')')
	return b.String()
}
