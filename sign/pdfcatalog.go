package sign

import (
	"fmt"

	"github.com/digitorus/pdf"
)

// updateAcroForm rewrites the interactive form so that its /Fields array
// drops remove and gains add, and sets /SigFlags.
//
// Signature flags (Table 225): bit 1 SignaturesExist, bit 2 AppendOnly.
// Both are set, so processors keep saving incrementally.
func (context *SignContext) updateAcroForm(remove, add ref) error {
	root := context.doc.catalog()
	acroForm := root.Key("AcroForm")

	fields := acroForm.Key("Fields")
	fieldsArray, err := refArray(fields, remove, add)
	if err != nil {
		return fmt.Errorf("failed to rewrite field list: %w", err)
	}

	set := map[string]string{
		"Fields":   fieldsArray,
		"SigFlags": "3",
	}

	// An indirect AcroForm is updated in place; a direct one lives in the
	// catalog, which is rewritten instead.
	if acroForm.Kind() == pdf.Dict && isReference(root, acroForm) {
		body, err := serializeDict(acroForm, set, "NeedAppearances")
		if err != nil {
			return fmt.Errorf("failed to serialize AcroForm: %w", err)
		}
		return context.updateObject(ptrOf(acroForm), body)
	}

	form, err := serializeDict(acroForm, set, "NeedAppearances")
	if err != nil {
		return fmt.Errorf("failed to serialize AcroForm: %w", err)
	}
	catalog, err := serializeDict(root, map[string]string{"AcroForm": string(form)})
	if err != nil {
		return fmt.Errorf("failed to serialize catalog: %w", err)
	}
	return context.updateObject(ptrOf(root), catalog)
}
