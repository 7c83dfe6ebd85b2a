package revocation

import (
	"crypto/x509"
	"encoding/asn1"

	"golang.org/x/crypto/ocsp"
)

// OID of the adbe-revocationInfoArchival signed attribute.
var OIDInfoArchival = asn1.ObjectIdentifier{1, 2, 840, 113583, 1, 1, 8}

// InfoArchival is the content of the adbe-revocationInfoArchival signed
// attribute: the CRLs and OCSP responses of the signing chain, captured at
// signing time.
type InfoArchival struct {
	CRL   CRL   `asn1:"tag:0,optional,explicit"`
	OCSP  OCSP  `asn1:"tag:1,optional,explicit"`
	Other Other `asn1:"tag:2,optional,explicit"`
}

// AddCRL embeds the DER bytes of a downloaded CRL.
func (r *InfoArchival) AddCRL(b []byte) error {
	r.CRL = append(r.CRL, asn1.RawValue{FullBytes: b})
	return nil
}

// AddOCSP embeds the raw bytes of an OCSP response.
func (r *InfoArchival) AddOCSP(b []byte) error {
	r.OCSP = append(r.OCSP, asn1.RawValue{FullBytes: b})
	return nil
}

// Empty reports whether nothing was embedded.
func (r *InfoArchival) Empty() bool {
	return len(r.CRL) == 0 && len(r.OCSP) == 0
}

// Status is the outcome of looking a certificate up in embedded data.
type Status int

const (
	// Unknown means no embedded CRL or OCSP response covers the certificate.
	Unknown Status = iota
	Good
	Revoked
)

func (s Status) String() string {
	switch s {
	case Good:
		return "good"
	case Revoked:
		return "revoked"
	default:
		return "unknown"
	}
}

// Status looks c up in the embedded OCSP responses first, then in the
// embedded CRLs. issuer may be nil, in which case OCSP responses are
// parsed without checking their signature.
func (r *InfoArchival) Status(c, issuer *x509.Certificate) Status {
	for _, raw := range r.OCSP {
		resp, err := ocsp.ParseResponseForCert(raw.FullBytes, c, issuer)
		if err != nil {
			continue
		}
		switch resp.Status {
		case ocsp.Good:
			return Good
		case ocsp.Revoked:
			return Revoked
		}
	}

	covered := false
	for _, crlRaw := range r.CRL {
		crl, err := x509.ParseRevocationList(crlRaw.FullBytes)
		if err != nil {
			continue
		}
		if issuer != nil && crl.CheckSignatureFrom(issuer) != nil {
			continue
		}
		if issuer == nil && c.Issuer.String() != crl.Issuer.String() {
			continue
		}
		covered = true
		for _, rc := range crl.RevokedCertificateEntries {
			if rc.SerialNumber.Cmp(c.SerialNumber) == 0 {
				return Revoked
			}
		}
	}
	if covered {
		return Good
	}
	return Unknown
}

// IsRevoked reports whether embedded data marks c as revoked.
func (r *InfoArchival) IsRevoked(c *x509.Certificate) bool {
	return r.Status(c, nil) == Revoked
}

// CRL contains the raw bytes of a pkix.CertificateList and can be parsed with
// x509.ParseRevocationList.
type CRL []asn1.RawValue

// OCSP contains the raw bytes of an OCSP response and can be parsed with
// x/crypto/ocsp.ParseResponse.
type OCSP []asn1.RawValue

// Other is the ASN.1 OtherRevInfo structure.
type Other struct {
	Type  asn1.ObjectIdentifier
	Value []byte
}

// Unmarshal decodes the attribute value.
func Unmarshal(b []byte) (*InfoArchival, error) {
	var r InfoArchival
	if _, err := asn1.Unmarshal(b, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
