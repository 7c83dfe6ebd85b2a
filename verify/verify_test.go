package verify

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"errors"
	"math"
	"math/big"
	"testing"
	"time"

	"github.com/digitorus/pkcs7"
	"github.com/mapo80/cie-middleware-mobile/internal/testpdf"
	"github.com/mapo80/cie-middleware-mobile/internal/testpki"
	"github.com/mapo80/cie-middleware-mobile/mock"
	"github.com/mapo80/cie-middleware-mobile/revocation"
	"github.com/mapo80/cie-middleware-mobile/sign"
	"golang.org/x/crypto/ocsp"
)

type testSigner struct {
	key   crypto.Signer
	cert  *x509.Certificate
	chain []*x509.Certificate
	cms   sign.CMSOptions
}

func newMockSigner(t *testing.T) testSigner {
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

func newPKISigner(t *testing.T, pki *testpki.TestPKI) testSigner {
	t.Helper()
	key, cert := pki.IssueLeaf("MARIO ROSSI")
	return testSigner{key: key, cert: cert, chain: pki.Chain()}
}

func (s testSigner) roots() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.cert)
	return pool
}

// signPDF runs one detached signing pass over data.
func (s testSigner) signPDF(t *testing.T, data []byte, opts sign.SignatureOptions) []byte {
	t.Helper()
	return s.signWith(t, data, opts, func(content []byte) []byte {
		cms := s.cms
		cms.Signer = s.key
		cms.Certificate = s.cert
		cms.Chain = s.chain
		cms.Detached = true
		der, err := sign.CreateCMS(context.Background(), content, cms)
		if err != nil {
			t.Fatalf("CreateCMS: %v", err)
		}
		return der
	})
}

func (s testSigner) signWith(t *testing.T, data []byte, opts sign.SignatureOptions, build func(content []byte) []byte) []byte {
	t.Helper()
	doc, err := sign.Load(data, nil)
	if err != nil {
		t.Fatalf("sign.Load: %v", err)
	}
	content, err := doc.ReserveBuffer(opts)
	if err != nil {
		t.Fatalf("ReserveBuffer: %v", err)
	}
	if err := doc.InjectSignature(build(content)); err != nil {
		t.Fatalf("InjectSignature: %v", err)
	}
	signed, err := doc.ExportSigned()
	if err != nil {
		t.Fatalf("ExportSigned: %v", err)
	}
	return signed
}

func verifyFirst(t *testing.T, data []byte, opts Options) *Result {
	t.Helper()
	doc, err := Load(data, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	res, err := doc.VerifySignature(context.Background(), 0, opts)
	if err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	return res
}

func newPKI(t *testing.T) *testpki.TestPKI {
	t.Helper()
	pki := testpki.NewTestPKI(t)
	pki.StartServer()
	t.Cleanup(pki.Close)
	return pki
}

func TestVerifyMockRoundTrip(t *testing.T) {
	s := newMockSigner(t)
	input := testpdf.New(testpdf.Options{Fields: 1})
	signed := s.signPDF(t, input, sign.SignatureOptions{FieldName: "Field1"})
	if len(signed) <= len(input) {
		t.Fatalf("signed output %d bytes, input %d", len(signed), len(input))
	}

	t.Run("untrusted without roots", func(t *testing.T) {
		res := verifyFirst(t, signed, Options{Roots: x509.NewCertPool()})
		if !res.ValidSignature {
			t.Fatalf("signature invalid: %v", res.Errors)
		}
		if res.Status != StatusUntrusted || res.TrustedIssuer {
			t.Errorf("Status = %s, TrustedIssuer = %v", res.Status, res.TrustedIssuer)
		}
		if res.Mode != ModeDetached {
			t.Errorf("Mode = %s, want detached", res.Mode)
		}
	})

	t.Run("trusted with mock root", func(t *testing.T) {
		res := verifyFirst(t, signed, Options{Roots: s.roots()})
		if res.Status != StatusValid {
			t.Fatalf("Status = %s, errors %v", res.Status, res.Errors)
		}
		if res.Signer == nil || !bytes.Equal(res.Signer.Raw, s.cert.Raw) {
			t.Error("recovered signer certificate differs from the mock certificate")
		}
		if res.TimeSource != "signature_time" {
			t.Errorf("TimeSource = %q, want signature_time", res.TimeSource)
		}
		if res.Revocation.State != "unknown" || len(res.Certificates) != 1 || res.Certificates[0].RevocationWarning == "" {
			t.Errorf("revocation = %+v, certificates %d", res.Revocation, len(res.Certificates))
		}
	})

	t.Run("reference date outside validity", func(t *testing.T) {
		res := verifyFirst(t, signed, Options{Roots: s.roots(), At: time.Date(2060, 1, 1, 0, 0, 0, 0, time.UTC)})
		if res.Status != StatusUntrusted || res.TimeSource != "reference" {
			t.Errorf("Status = %s, TimeSource = %q", res.Status, res.TimeSource)
		}
		if res.Certificates[0].VerifyError == "" {
			t.Error("expected a chain error for an expired certificate")
		}
	})

	t.Run("minimum key size", func(t *testing.T) {
		res := verifyFirst(t, signed, Options{Roots: s.roots(), MinRSAKeySize: 4096})
		if res.Status != StatusInvalid {
			t.Errorf("Status = %s, want invalid", res.Status)
		}
		var pe *PolicyError
		if len(res.Errors) == 0 || !errors.As(res.Errors[0], &pe) {
			t.Errorf("errors = %v, want a PolicyError", res.Errors)
		}
	})
}

func TestVerifyTampered(t *testing.T) {
	s := newMockSigner(t)
	signed := s.signPDF(t, testpdf.New(testpdf.Options{Fields: 1}), sign.SignatureOptions{FieldName: "Field1", Reason: "Approvazione"})

	tampered := bytes.Replace(signed, []byte("(Approvazione)"), []byte("(Approvazionf)"), 1)
	if bytes.Equal(tampered, signed) {
		t.Fatal("reason not found in the signed output")
	}

	res := verifyFirst(t, tampered, Options{Roots: s.roots()})
	if res.ValidSignature || res.Status != StatusInvalid {
		t.Fatalf("ValidSignature = %v, Status = %s", res.ValidSignature, res.Status)
	}
	var ie *InvalidSignatureError
	if !errors.As(res.Errors[0], &ie) {
		t.Errorf("first error %v is not an InvalidSignatureError", res.Errors[0])
	}
}

func TestVerifyEveryField(t *testing.T) {
	s := newMockSigner(t)
	data := testpdf.New(testpdf.Options{Fields: 3})
	for _, name := range []string{"Field1", "Field2", "Field3"} {
		data = s.signPDF(t, data, sign.SignatureOptions{FieldName: name})
	}

	doc, err := Load(data, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if n := doc.NumberOfSignatures(); n != 3 {
		t.Fatalf("NumberOfSignatures = %d, want 3", n)
	}
	for i := 0; i < 3; i++ {
		sig, _ := doc.GetSignature(i)
		if want := "Field" + string(rune('1'+i)); sig.FieldName != want {
			t.Errorf("signature %d field = %q, want %q", i, sig.FieldName, want)
		}
		res, err := doc.VerifySignature(context.Background(), i, Options{Roots: s.roots()})
		if err != nil {
			t.Fatalf("VerifySignature(%d): %v", i, err)
		}
		if res.Status != StatusValid {
			t.Errorf("signature %d: Status = %s, errors %v", i, res.Status, res.Errors)
		}
	}

	report, err := Verify(context.Background(), data, Options{Roots: s.roots()}, nil)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if len(report.Signatures) != 3 {
		t.Fatalf("report has %d signatures", len(report.Signatures))
	}
	out, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	if !bytes.Contains(out, []byte(`"status":"valid"`)) {
		t.Errorf("report JSON lacks a valid status: %s", out)
	}
}

func TestVerifySHA1Mode(t *testing.T) {
	s := newMockSigner(t)
	opts := sign.SignatureOptions{FieldName: "Field1", SubFilter: sign.SubFilterPKCS7SHA1}
	signed := s.signWith(t, testpdf.New(testpdf.Options{Fields: 1}), opts, func(content []byte) []byte {
		digest := sha1.Sum(content)
		sd, err := pkcs7.NewSignedData(digest[:])
		if err != nil {
			t.Fatalf("NewSignedData: %v", err)
		}
		sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
		if err := sd.AddSigner(s.cert, s.key, pkcs7.SignerInfoConfig{}); err != nil {
			t.Fatalf("AddSigner: %v", err)
		}
		der, err := sd.Finish()
		if err != nil {
			t.Fatalf("Finish: %v", err)
		}
		return der
	})

	res := verifyFirst(t, signed, Options{Roots: s.roots()})
	if res.Mode != ModeSHA1 {
		t.Errorf("Mode = %s, want sha1", res.Mode)
	}
	if res.Status != StatusValid {
		t.Errorf("Status = %s, errors %v", res.Status, res.Errors)
	}

	// A detached structure under the sha1 subfilter has no digest to compare.
	detached := s.signPDF(t, testpdf.New(testpdf.Options{Fields: 1}), opts)
	if res := verifyFirst(t, detached, Options{Roots: s.roots()}); res.ValidSignature {
		t.Error("detached CMS accepted in sha1 mode")
	}
}

func TestVerifyUnsupportedSubFilter(t *testing.T) {
	s := newMockSigner(t)
	signed := s.signPDF(t, testpdf.New(testpdf.Options{}), sign.SignatureOptions{SubFilter: "adbe.x509.rsa_sha1"})

	doc, err := Load(signed, nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	_, err = doc.VerifySignature(context.Background(), 0, Options{})
	var pe *PolicyError
	if !errors.As(err, &pe) {
		t.Errorf("error = %v, want a PolicyError", err)
	}
}

func TestVerifyByteRangeErrors(t *testing.T) {
	data := []byte("0123456789")
	tests := []struct {
		name string
		br   []int64
	}{
		{"three entries", []int64{0, 2, 4}},
		{"past end", []int64{0, 2, 4, 7}},
		{"negative offset", []int64{-1, 2, 4, 2}},
		{"negative length", []int64{0, -2, 4, 2}},
		{"missing", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			doc := &Document{data: data, signatures: []*Signature{{SubFilter: sign.SubFilterPKCS7Detached, ByteRange: tt.br}}}
			_, err := doc.VerifySignature(context.Background(), 0, Options{})
			if !errors.Is(err, ErrInvalidByteRange) {
				t.Errorf("error = %v, want ErrInvalidByteRange", err)
			}
		})
	}

	doc := &Document{data: data}
	for _, br := range [][]int64{
		{0, math.MaxInt64, 4, 2},
		{0, 2, math.MaxInt64, 2},
		{0, 2, 4, math.MaxInt64 - 3},
		{0, math.MaxInt64 / 2, 0, math.MaxInt64 / 2},
	} {
		if _, err := doc.signedContent(&Signature{ByteRange: br}); !errors.Is(err, ErrInvalidByteRange) {
			t.Errorf("signedContent(%v) error = %v, want ErrInvalidByteRange", br, err)
		}
	}
	got, err := doc.signedContent(&Signature{ByteRange: []int64{0, 2, 8, 2}})
	if err != nil || string(got) != "0189" {
		t.Errorf("signedContent = %q, %v; want \"0189\"", got, err)
	}
	if _, err := doc.VerifySignature(context.Background(), 0, Options{}); !errors.Is(err, ErrSignatureNotFound) {
		t.Errorf("error = %v, want ErrSignatureNotFound", err)
	}
}

func TestVerifyChainAndTimestamp(t *testing.T) {
	pki := newPKI(t)
	s := newPKISigner(t, pki)
	s.cms.TSA = sign.TSA{URL: pki.TSAURL()}
	signed := s.signPDF(t, testpdf.New(testpdf.Options{Fields: 1}), sign.SignatureOptions{FieldName: "Field1", Size: 16384})

	res := verifyFirst(t, signed, Options{Roots: pki.Roots()})
	if res.Status != StatusValid {
		t.Fatalf("Status = %s, errors %v", res.Status, res.Errors)
	}
	if res.TimeStamp == nil || !res.TimestampValid {
		t.Fatalf("timestamp = %v, valid %v", res.TimeStamp, res.TimestampValid)
	}
	if res.TimeSource != "timestamp" {
		t.Errorf("TimeSource = %q, want timestamp", res.TimeSource)
	}
	if len(res.Certificates) != 3 {
		t.Errorf("%d certificates, want leaf, intermediate and root", len(res.Certificates))
	}

	// The embedded root alone does not make the chain trusted.
	res = verifyFirst(t, signed, Options{Roots: x509.NewCertPool(), AllowEmbeddedRoots: true})
	if res.Status != StatusUntrusted || res.TrustedIssuer {
		t.Errorf("Status = %s, TrustedIssuer = %v", res.Status, res.TrustedIssuer)
	}
	if !res.ValidSignature {
		t.Errorf("signature invalid: %v", res.Errors)
	}
}

func TestVerifyEmbeddedRevocation(t *testing.T) {
	pki := newPKI(t)
	s := newPKISigner(t, pki)

	issuer := pki.IntermediateCerts[0]
	now := time.Now()
	resp, err := ocsp.CreateResponse(issuer, issuer, ocsp.Response{
		Status:       ocsp.Revoked,
		SerialNumber: s.cert.SerialNumber,
		ThisUpdate:   now.Add(-time.Hour),
		NextUpdate:   now.Add(time.Hour),
		RevokedAt:    now.Add(-time.Minute),
	}, pki.IntermediateKeys[0])
	if err != nil {
		t.Fatalf("ocsp.CreateResponse: %v", err)
	}
	var archival revocation.InfoArchival
	_ = archival.AddOCSP(resp)
	s.cms.Revocation = &archival

	signed := s.signPDF(t, testpdf.New(testpdf.Options{Fields: 1}), sign.SignatureOptions{FieldName: "Field1"})
	res := verifyFirst(t, signed, Options{Roots: pki.Roots()})
	if res.Status != StatusRevoked || !res.RevokedCertificate {
		t.Fatalf("Status = %s, RevokedCertificate = %v", res.Status, res.RevokedCertificate)
	}
	if res.Revocation.Source != "embedded" || res.Revocation.State != "revoked" {
		t.Errorf("Revocation = %+v", res.Revocation)
	}
	var re *RevocationError
	found := false
	for _, e := range res.Errors {
		if errors.As(e, &re) {
			found = true
		}
	}
	if !found {
		t.Errorf("errors %v lack a RevocationError", res.Errors)
	}
}

func TestVerifyExternalRevocation(t *testing.T) {
	pki := newPKI(t)
	s := newPKISigner(t, pki)
	signed := s.signPDF(t, testpdf.New(testpdf.Options{Fields: 1}), sign.SignatureOptions{FieldName: "Field1"})

	opts := Options{Roots: pki.Roots(), ExternalRevocation: true, HTTPTimeout: 5 * time.Second}

	res := verifyFirst(t, signed, opts)
	if res.Status != StatusValid {
		t.Fatalf("Status = %s, errors %v", res.Status, res.Errors)
	}
	if res.Revocation.Source != "ocsp" || res.Revocation.State != "good" {
		t.Errorf("Revocation = %+v, want good from ocsp", res.Revocation)
	}

	// Without an OCSP answer the CRL is consulted.
	pki.FailOCSP = true
	pki.Revoke(s.cert.SerialNumber)
	res = verifyFirst(t, signed, opts)
	if res.Status != StatusRevoked {
		t.Fatalf("Status = %s, want revoked", res.Status)
	}
	if res.Revocation.Source != "crl" || res.Revocation.RevokedAt == nil {
		t.Errorf("Revocation = %+v, want revoked from crl", res.Revocation)
	}

	// Without ExternalRevocation the revocation stays unknown.
	res = verifyFirst(t, signed, Options{Roots: pki.Roots()})
	if res.Status != StatusValid || res.Revocation.State != "unknown" {
		t.Errorf("Status = %s, Revocation = %+v", res.Status, res.Revocation)
	}
}

func TestValidateKeyUsage(t *testing.T) {
	cert := func(ku x509.KeyUsage, eku ...x509.ExtKeyUsage) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber: big.NewInt(1),
			Subject:      pkix.Name{CommonName: "test"},
			KeyUsage:     ku,
			ExtKeyUsage:  eku,
		}
	}
	signing := x509.KeyUsageDigitalSignature | x509.KeyUsageContentCommitment

	tests := []struct {
		name    string
		cert    *x509.Certificate
		opts    Options
		wantKU  bool
		wantEKU bool
	}{
		{"no requirements", cert(0), Options{}, true, true},
		{"cie signing", cert(signing), Options{RequireDigitalSignatureKU: true, RequireNonRepudiation: true}, true, true},
		{"missing non repudiation", cert(x509.KeyUsageDigitalSignature), Options{RequireNonRepudiation: true}, false, true},
		{"missing digital signature", cert(x509.KeyUsageContentCommitment), Options{RequireDigitalSignatureKU: true}, false, true},
		{"required eku", cert(signing, x509.ExtKeyUsageEmailProtection), Options{RequiredEKUs: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}}, true, true},
		{"allowed eku", cert(signing, x509.ExtKeyUsageClientAuth), Options{RequiredEKUs: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}, AllowedEKUs: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}}, true, true},
		{"wrong eku", cert(signing, x509.ExtKeyUsageServerAuth), Options{RequiredEKUs: []x509.ExtKeyUsage{x509.ExtKeyUsageEmailProtection}}, true, false},
		{"no eku extension", cert(signing), Options{AllowedEKUs: []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ku, kuErr, eku, ekuErr := validateKeyUsage(tt.cert, tt.opts)
			if ku != tt.wantKU {
				t.Errorf("KeyUsageValid = %v (%s), want %v", ku, kuErr, tt.wantKU)
			}
			if eku != tt.wantEKU {
				t.Errorf("ExtKeyUsageValid = %v (%s), want %v", eku, ekuErr, tt.wantEKU)
			}
		})
	}
}

func TestVerifyKeySize(t *testing.T) {
	s := newMockSigner(t)
	if err := verifyKeySize(s.cert, Options{MinRSAKeySize: 2048}); err != nil {
		t.Errorf("2048-bit mock key rejected: %v", err)
	}
	if err := verifyKeySize(s.cert, Options{MinRSAKeySize: 3072}); err == nil {
		t.Error("2048-bit mock key accepted with a 3072-bit minimum")
	}
	if bits := s.cert.PublicKey.(*rsa.PublicKey).N.BitLen(); bits != 2048 {
		t.Fatalf("mock key is %d bits", bits)
	}
}

func TestStatusText(t *testing.T) {
	for s, want := range map[Status]string{
		StatusValid:     "valid",
		StatusInvalid:   "invalid",
		StatusUntrusted: "untrusted",
		StatusRevoked:   "revoked",
		Status(42):      "unknown",
	} {
		if got, _ := s.MarshalText(); string(got) != want {
			t.Errorf("Status(%d) = %q, want %q", int(s), got, want)
		}
	}
}
