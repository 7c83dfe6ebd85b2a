package ciesign

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"errors"
	"strings"
	"testing"

	"github.com/digitorus/pkcs7"
	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/mock"
	"github.com/mapo80/cie-middleware-mobile/verify"
)

func mockCertificate(t *testing.T) *x509.Certificate {
	t.Helper()
	id, err := mock.New()
	if err != nil {
		t.Fatalf("mock.New: %v", err)
	}
	cert, err := id.Certificate()
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	return cert
}

func mockRoots(t *testing.T) *x509.CertPool {
	t.Helper()
	pool := x509.NewCertPool()
	pool.AddCert(mockCertificate(t))
	return pool
}

// execute runs req on c with a generous buffer and fails the test unless
// it succeeds.
func execute(t *testing.T, c *Context, req *Request) []byte {
	t.Helper()
	res := &Result{Buffer: make([]byte, len(req.Input)+256*1024)}
	if status := c.Execute(t.Context(), req, res); status != StatusOK {
		t.Fatalf("Execute = %v: %s", status, c.LastError())
	}
	if res.N == 0 {
		t.Fatal("Execute succeeded without output")
	}
	return res.Bytes()
}

func TestExecuteValidation(t *testing.T) {
	tests := []struct {
		name    string
		req     *Request
		res     *Result
		wantErr string
	}{
		{"nil result", &Request{Input: []byte("x"), PIN: []byte("1")}, nil, "invalid input arguments"},
		{"empty buffer", &Request{Input: []byte("x"), PIN: []byte("1")}, &Result{}, "invalid input arguments"},
		{"nil request", nil, &Result{Buffer: make([]byte, 16)}, "invalid input arguments"},
		{"empty input", &Request{PIN: []byte("1")}, &Result{Buffer: make([]byte, 16)}, "invalid input arguments"},
		{"empty PIN", &Request{Input: []byte("x")}, &Result{Buffer: make([]byte, 16)}, "PIN not provided"},
		{"negative width", &Request{Input: []byte("x"), PIN: []byte("1"), PDF: PDFOptions{Width: -1}}, &Result{Buffer: make([]byte, 16)}, "negative signature size"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newMockContext(t, Config{})
			if tt.res != nil {
				tt.res.N = 7
			}
			if status := c.Execute(t.Context(), tt.req, tt.res); status != StatusInvalidInput {
				t.Fatalf("Execute = %v, want %v", status, StatusInvalidInput)
			}
			if tt.res != nil && (tt.res.N != 0 || len(tt.res.Bytes()) != 0) {
				t.Errorf("N = %d, want 0", tt.res.N)
			}
			if !strings.Contains(c.LastError(), tt.wantErr) {
				t.Errorf("LastError = %q, want it to contain %q", c.LastError(), tt.wantErr)
			}
		})
	}
}

func TestExecuteUnsupportedType(t *testing.T) {
	c, _ := newMockContext(t, Config{})
	res := &Result{Buffer: make([]byte, 1024)}
	req := &Request{Input: []byte("data"), PIN: []byte("1234"), Type: DocumentType(9)}
	if status := c.Execute(t.Context(), req, res); status != StatusUnsupportedFeature {
		t.Fatalf("Execute = %v, want %v", status, StatusUnsupportedFeature)
	}
	if res.N != 0 {
		t.Errorf("N = %d, want 0", res.N)
	}
}

func TestExecuteClearsPIN(t *testing.T) {
	c, _ := newMockContext(t, Config{})
	pin := []byte("12345678")
	execute(t, c, &Request{Input: []byte("data"), PIN: pin})
	if !bytes.Equal(pin, make([]byte, len(pin))) {
		t.Errorf("PIN not cleared: %q", pin)
	}

	pin = []byte("12345678")
	res := &Result{Buffer: make([]byte, 1)}
	c.Execute(t.Context(), &Request{Input: []byte("data"), PIN: pin}, res)
	if !bytes.Equal(pin, make([]byte, len(pin))) {
		t.Errorf("PIN not cleared after failure: %q", pin)
	}
}

func TestExecuteBufferTooSmall(t *testing.T) {
	c, _ := newMockContext(t, Config{})
	res := &Result{Buffer: make([]byte, 64)}
	if status := c.Execute(t.Context(), &Request{Input: []byte("data"), PIN: []byte("1234")}, res); status != StatusInvalidInput {
		t.Fatalf("Execute = %v, want %v", status, StatusInvalidInput)
	}
	if res.N != 0 {
		t.Errorf("N = %d, want 0", res.N)
	}
	if !strings.Contains(c.LastError(), "output buffer too small") {
		t.Errorf("LastError = %q", c.LastError())
	}
	if !bytes.Equal(res.Buffer, make([]byte, 64)) {
		t.Error("buffer written on failure")
	}
}

func TestExecuteRaw(t *testing.T) {
	input := []byte("contenuto da firmare")
	cert := mockCertificate(t)

	tests := []struct {
		name     string
		alg      Algorithm
		detached bool
	}{
		{"sha256 embedded", SHA256WithRSA, false},
		{"sha256 detached", SHA256WithRSA, true},
		{"sha1 embedded", SHA1WithRSA, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newMockContext(t, Config{})
			out := execute(t, c, &Request{Input: input, PIN: []byte("1234"), Algorithm: tt.alg, Detached: tt.detached})

			p7, err := pkcs7.Parse(out)
			if err != nil {
				t.Fatalf("pkcs7.Parse: %v", err)
			}
			if tt.detached {
				if len(p7.Content) != 0 {
					t.Errorf("detached signature carries %d content bytes", len(p7.Content))
				}
				p7.Content = input
			} else if !bytes.Equal(p7.Content, input) {
				t.Errorf("embedded content = %q", p7.Content)
			}
			if err := p7.Verify(); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if signer := p7.GetOnlySigner(); signer == nil || !signer.Equal(cert) {
				t.Error("signer certificate is not the mock certificate")
			}
		})
	}

	t.Run("rsa raw", func(t *testing.T) {
		c, _ := newMockContext(t, Config{})
		digest := sha256.Sum256(input)
		out := execute(t, c, &Request{Input: digest[:], PIN: []byte("1234"), Algorithm: RSARaw})
		if len(out) != 256 {
			t.Fatalf("signature length = %d, want 256", len(out))
		}
		if err := rsa.VerifyPKCS1v15(cert.PublicKey.(*rsa.PublicKey), crypto.Hash(0), digest[:], out); err != nil {
			t.Errorf("VerifyPKCS1v15: %v", err)
		}
	})

	t.Run("rsa raw too long", func(t *testing.T) {
		c, _ := newMockContext(t, Config{})
		res := &Result{Buffer: make([]byte, 1024)}
		req := &Request{Input: make([]byte, 300), PIN: []byte("1234"), Algorithm: RSARaw}
		if status := c.Execute(t.Context(), req, res); status != StatusInvalidInput {
			t.Errorf("Execute = %v, want %v", status, StatusInvalidInput)
		}
	})
}

func TestExecuteEmulatedCard(t *testing.T) {
	pin := []byte("12345678")
	cert := mockCertificate(t)

	t.Run("sign", func(t *testing.T) {
		transport, err := mock.NewCardTransport(pin)
		if err != nil {
			t.Fatalf("NewCardTransport: %v", err)
		}
		c, err := Create(transport, Config{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		out := execute(t, c, &Request{Input: []byte("data"), PIN: []byte("12345678")})
		p7, err := pkcs7.Parse(out)
		if err != nil {
			t.Fatalf("pkcs7.Parse: %v", err)
		}
		if err := p7.Verify(); err != nil {
			t.Fatalf("Verify: %v", err)
		}
		if !p7.GetOnlySigner().Equal(cert) {
			t.Error("signer certificate is not the card certificate")
		}
		if err := c.Destroy(); err != nil {
			t.Fatalf("Destroy: %v", err)
		}
		if opens, closes, _ := transport.Stats(); opens != 1 || closes != 1 {
			t.Errorf("Open/Close = %d/%d, want 1/1", opens, closes)
		}
	})

	t.Run("wrong PIN", func(t *testing.T) {
		transport, err := mock.NewCardTransport(pin)
		if err != nil {
			t.Fatalf("NewCardTransport: %v", err)
		}
		c, err := Create(transport, Config{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer c.Destroy()

		res := &Result{Buffer: make([]byte, 16*1024)}
		status := c.Execute(t.Context(), &Request{Input: []byte("data"), PIN: []byte("00000000")}, res)
		if status != StatusCardError {
			t.Fatalf("Execute = %v, want %v", status, StatusCardError)
		}
		if want := "CIE initialization failed with code 0x63C2"; c.LastError() != want {
			t.Errorf("LastError = %q, want %q", c.LastError(), want)
		}
		if res.N != 0 {
			t.Errorf("N = %d, want 0", res.N)
		}
	})
}

func TestExecuteFixture(t *testing.T) {
	pin := []byte("12345678")

	t.Run("wrong PIN", func(t *testing.T) {
		transport := mock.NewFixtureTransport(mock.WrongPINFixture([]byte("1111"), apdu.StatusWord(0x63C1)))
		c, err := Create(transport, Config{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer c.Destroy()

		res := &Result{Buffer: make([]byte, 1024)}
		if status := c.Execute(t.Context(), &Request{Input: []byte("data"), PIN: []byte("1111")}, res); status != StatusCardError {
			t.Fatalf("Execute = %v, want %v", status, StatusCardError)
		}
		if want := "CIE initialization failed with code 0x63C1"; c.LastError() != want {
			t.Errorf("LastError = %q, want %q", c.LastError(), want)
		}
		if !transport.Completed() {
			t.Error("scripted exchanges left over")
		}
	})

	t.Run("rsa raw", func(t *testing.T) {
		digest := sha256.Sum256([]byte("data"))
		fixture, err := mock.SigningFixture(pin, digest[:])
		if err != nil {
			t.Fatalf("SigningFixture: %v", err)
		}
		transport := mock.NewFixtureTransport(fixture)
		c, err := Create(transport, Config{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		out := execute(t, c, &Request{Input: digest[:], PIN: []byte("12345678"), Algorithm: RSARaw})
		if !transport.Completed() {
			t.Error("scripted exchanges left over")
		}
		cert := mockCertificate(t)
		if err := rsa.VerifyPKCS1v15(cert.PublicKey.(*rsa.PublicKey), crypto.Hash(0), digest[:], out); err != nil {
			t.Errorf("VerifyPKCS1v15: %v", err)
		}
		c.Destroy()
		if opened, closed := transport.Calls(); opened != 1 || closed != 1 {
			t.Errorf("Open/Close = %d/%d, want 1/1", opened, closed)
		}
	})

	t.Run("transport failure", func(t *testing.T) {
		transport := mock.NewFixtureTransport(&mock.Fixture{ATR: []byte{0x3B, 0x00}})
		c, err := Create(transport, Config{})
		if err != nil {
			t.Fatalf("Create: %v", err)
		}
		defer c.Destroy()

		res := &Result{Buffer: make([]byte, 1024)}
		if status := c.Execute(t.Context(), &Request{Input: []byte("data"), PIN: pin}, res); status != StatusCardError {
			t.Fatalf("Execute = %v, want %v", status, StatusCardError)
		}
		if want := "CIE initialization failed with code 0x6F00"; c.LastError() != want {
			t.Errorf("LastError = %q, want %q", c.LastError(), want)
		}
	})
}

func TestExecuteXML(t *testing.T) {
	const document = `<?xml version="1.0" encoding="UTF-8"?><fattura><numero>42</numero></fattura>`

	for _, enveloping := range []bool{false, true} {
		c, _ := newMockContext(t, Config{})
		out := execute(t, c, &Request{Input: []byte(document), PIN: []byte("1234"), Type: DocumentXML, Detached: enveloping})

		report, err := Verify(t.Context(), out, verify.Options{Roots: mockRoots(t)}, nil)
		if err != nil {
			t.Fatalf("Verify(enveloping=%v): %v", enveloping, err)
		}
		if report.Type != DocumentXML || report.XML == nil {
			t.Fatalf("report = %+v", report)
		}
		if report.XML.Enveloping != enveloping {
			t.Errorf("Enveloping = %v, want %v", report.XML.Enveloping, enveloping)
		}
		if !report.XML.TrustedIssuer {
			t.Errorf("TrustedIssuer = false: %s", report.XML.Error)
		}
	}

	c, _ := newMockContext(t, Config{})
	res := &Result{Buffer: make([]byte, 1024)}
	if status := c.Execute(t.Context(), &Request{Input: []byte("not xml <"), PIN: []byte("1234"), Type: DocumentXML}, res); status != StatusInvalidInput {
		t.Errorf("Execute = %v, want %v", status, StatusInvalidInput)
	}
	if !strings.HasPrefix(c.LastError(), "XML signature generation failed") {
		t.Errorf("LastError = %q", c.LastError())
	}
}

func TestVerifyDetection(t *testing.T) {
	if _, err := Verify(t.Context(), nil, verify.Options{}, nil); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("empty: error = %v", err)
	}
	if _, err := Verify(t.Context(), []byte("plain text"), verify.Options{}, nil); !errors.Is(err, ErrUnsupported) {
		t.Errorf("plain text: error = %v", err)
	}
	if _, err := Verify(t.Context(), []byte("%PDF-1.7\ngarbage"), verify.Options{}, nil); err == nil {
		t.Error("broken PDF: expected an error")
	}
}
