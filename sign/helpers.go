package sign

import (
	"crypto"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

var literalEscaper = strings.NewReplacer(`\`, `\\`, "(", `\(`, ")", `\)`, "\r", `\r`)

// pdfString returns text as a PDF string object. ASCII text is written as a
// literal string; anything else becomes a UTF-16BE hex string with a BOM.
func pdfString(text string) string {
	if !isASCII(text) {
		enc := unicode.UTF16(unicode.BigEndian, unicode.UseBOM).NewEncoder()
		if res, _, err := transform.String(enc, text); err == nil {
			return "<" + strings.ToUpper(hex.EncodeToString([]byte(res))) + ">"
		}
	}
	return "(" + literalEscaper.Replace(text) + ")"
}

// pdfDateTime formats date as a PDF date string, D:YYYYMMDDHHmmSS+HH'mm'.
func pdfDateTime(date time.Time) string {
	_, offset := date.Zone()
	sign := '+'
	if offset < 0 {
		sign = '-'
		offset = -offset
	}
	return pdfString(fmt.Sprintf("D:%s%c%02d'%02d'", date.Format("20060102150405"), sign, offset/3600, offset%3600/60))
}

func getOIDFromHashAlgorithm(h crypto.Hash) asn1.ObjectIdentifier {
	switch h {
	case crypto.SHA1:
		return asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	case crypto.SHA256:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	case crypto.SHA384:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	case crypto.SHA512:
		return asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
	}
	return nil
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
