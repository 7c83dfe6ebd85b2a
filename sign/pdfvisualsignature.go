package sign

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"

	"github.com/digitorus/pdf"
	"go.uber.org/zap"
)

// fieldRect converts the normalized placement of the options into user
// space coordinates on the page: origin plus fraction times extent.
func (context *SignContext) fieldRect(page int) (Rect, error) {
	o := context.opts
	if o.Width == 0 && o.Height == 0 {
		return Rect{}, nil
	}
	box, err := context.doc.cropBox(page)
	if err != nil {
		return Rect{}, err
	}
	llx := box[0] + o.Left*box.Width()
	lly := box[1] + o.Bottom*box.Height()
	return Rect{llx, lly, llx + o.Width*box.Width(), lly + o.Height*box.Height()}, nil
}

// createVisualSignature builds a merged signature field and widget
// annotation pointing at the signature dictionary.
func (context *SignContext) createVisualSignature(name string, rect Rect, page ref, appearance uint32) []byte {
	var visual_signature bytes.Buffer
	visual_signature.WriteString("<< /Type /Annot")
	visual_signature.WriteString(" /Subtype /Widget")
	visual_signature.WriteString(" /FT /Sig")
	visual_signature.WriteString(" /T " + pdfString(name))
	visual_signature.WriteString(" /Rect " + formatRect(rect))
	if !page.isZero() {
		visual_signature.WriteString(" /P " + page.String())
	}
	visual_signature.WriteString(" /F 4")
	visual_signature.WriteString(" /V " + formatRef(context.SignatureObjectId, 0))
	if appearance != 0 {
		visual_signature.WriteString(" /AP << /N " + formatRef(appearance, 0) + " >>")
	}
	visual_signature.WriteString(" >>")
	return visual_signature.Bytes()
}

// addAnnotation replaces remove by add in the /Annots of page.
func (context *SignContext) addAnnotation(page ref, remove, add ref) error {
	pageValue, ok := context.doc.resolve(page)
	if !ok {
		return fmt.Errorf("page object %s not found", page)
	}
	annots := pageValue.Key("Annots")

	list, err := refArray(annots, remove, add)
	if err != nil {
		return fmt.Errorf("failed to rewrite annotations: %w", err)
	}

	if annots.Kind() == pdf.Array && isReference(pageValue, annots) {
		return context.updateObject(ptrOf(annots), []byte(list))
	}

	body, err := serializeDict(pageValue, map[string]string{"Annots": list})
	if err != nil {
		return fmt.Errorf("failed to serialize page: %w", err)
	}
	return context.updateObject(page, body)
}

// createNewField adds a fresh signature field on the requested page.
func (context *SignContext) createNewField() error {
	page := context.opts.Page
	if page < 0 || page >= context.doc.PageCount() {
		return fmt.Errorf("%w: page %d, document has %d pages", ErrPageOutOfRange, page, context.doc.PageCount())
	}
	rect, err := context.fieldRect(page)
	if err != nil {
		return err
	}

	name := context.opts.NewFieldName
	if name == "" {
		name = context.doc.NextFieldName()
	}
	pageRef := context.doc.pages[page]

	appearance := context.createAppearanceObject(rect)
	widget, err := context.addObject(context.createVisualSignature(name, rect, pageRef, appearance))
	if err != nil {
		return fmt.Errorf("failed to add visual signature object: %w", err)
	}
	context.WidgetObjectId = widget

	if err := context.addAnnotation(pageRef, ref{}, ref{id: widget}); err != nil {
		return fmt.Errorf("failed to create incremental page update: %w", err)
	}
	if err := context.updateAcroForm(ref{}, ref{id: widget}); err != nil {
		return fmt.Errorf("failed to update AcroForm: %w", err)
	}

	context.field = &Field{Name: name, PartialName: name, Rect: rect, Page: page, Signed: true, field: ref{id: widget}, widget: ref{id: widget}, page: pageRef}
	return nil
}

// fillExistingField points an existing field at the signature dictionary
// and gives its widget an appearance.
func (context *SignContext) fillExistingField(f *Field) error {
	fieldValue, ok := context.doc.resolve(f.field)
	if !ok {
		return fmt.Errorf("field object %s not found", f.field)
	}

	appearance := context.createAppearanceObject(f.Rect)
	set := map[string]string{"V": formatRef(context.SignatureObjectId, 0)}
	if appearance != 0 && f.widget == f.field {
		set["AP"] = "<< /N " + formatRef(appearance, 0) + " >>"
	}
	body, err := serializeDict(fieldValue, set)
	if err != nil {
		return fmt.Errorf("failed to serialize field: %w", err)
	}
	if err := context.updateObject(f.field, body); err != nil {
		return err
	}

	if appearance != 0 && f.widget != f.field {
		if err := context.updateWidgetAppearance(f.widget, appearance); err != nil {
			context.doc.logger.Warn("widget appearance not updated", zap.String("field", f.Name), zap.Error(err))
		}
	}

	context.WidgetObjectId = f.widget.id
	if err := context.updateAcroForm(ref{}, ref{}); err != nil {
		return fmt.Errorf("failed to update AcroForm: %w", err)
	}
	return nil
}

// updateWidgetAppearance writes the appearance entry directly into the
// widget dictionary.
func (context *SignContext) updateWidgetAppearance(widget ref, appearance uint32) error {
	value, ok := context.doc.resolve(widget)
	if !ok {
		return errors.New("widget annotation not found")
	}
	body, err := serializeDict(value, map[string]string{"AP": "<< /N " + formatRef(appearance, 0) + " >>"})
	if err != nil {
		return err
	}
	return context.updateObject(widget, body)
}

// spliceLegacyField promotes a signature widget that is missing from the
// field tree: a new field with the same name, rectangle and page replaces
// the old reference in the page annotations and in the AcroForm. An
// unresolvable widget or page aborts the pass.
func (context *SignContext) spliceLegacyField(f *Field) error {
	if _, ok := context.doc.resolve(f.widget); !ok {
		return fmt.Errorf("%w: object %s", ErrLegacySplice, f.widget)
	}
	if _, ok := context.doc.resolve(f.page); !ok {
		return fmt.Errorf("%w: page object %s", ErrLegacySplice, f.page)
	}

	appearance := context.createAppearanceObject(f.Rect)
	widget, err := context.addObject(context.createVisualSignature(f.Name, f.Rect, f.page, appearance))
	if err != nil {
		return fmt.Errorf("failed to add visual signature object: %w", err)
	}
	context.WidgetObjectId = widget

	if err := context.addAnnotation(f.page, f.widget, ref{id: widget}); err != nil {
		return fmt.Errorf("%w: %v", ErrLegacySplice, err)
	}
	if err := context.updateAcroForm(f.widget, ref{id: widget}); err != nil {
		return fmt.Errorf("%w: %v", ErrLegacySplice, err)
	}

	context.doc.logger.Debug("spliced legacy signature field",
		zap.String("field", f.Name),
		zap.Stringer("old", f.widget),
		zap.String("new", strconv.Itoa(int(widget))+" 0 R"))
	return nil
}
