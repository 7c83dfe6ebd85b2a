package ciesign

import (
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/sign"
	"go.uber.org/zap"
)

// FieldsReport lists the signature fields of a PDF.
type FieldsReport struct {
	Pages      int         `json:"pages"`
	Signatures int         `json:"signatures"`
	Unsigned   []string    `json:"unsigned"`
	NextField  string      `json:"next_field"`
	Fields     []FieldInfo `json:"fields"`
}

// FieldInfo describes one signature field. Rect is in PDF points.
type FieldInfo struct {
	Name   string     `json:"name"`
	Page   int        `json:"page"`
	Rect   [4]float64 `json:"rect"`
	Signed bool       `json:"signed"`
	Legacy bool       `json:"legacy,omitempty"`
}

// Fields inspects the signature fields of a PDF without signing it.
func Fields(data []byte, logger *zap.Logger) (*FieldsReport, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty document", ErrInvalidInput)
	}
	doc, err := sign.Load(data, logger)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	report := &FieldsReport{
		Pages:      doc.PageCount(),
		Signatures: doc.SignatureCount(),
		Unsigned:   doc.UnsignedFieldNames(),
		NextField:  doc.NextFieldName(),
		Fields:     []FieldInfo{},
	}
	if report.Unsigned == nil {
		report.Unsigned = []string{}
	}
	for _, f := range doc.Fields() {
		report.Fields = append(report.Fields, FieldInfo{
			Name:   f.Name,
			Page:   f.Page,
			Rect:   f.Rect,
			Signed: f.Signed,
			Legacy: f.Legacy,
		})
	}
	return report, nil
}
