package mock

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"testing"

	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/card"
	"software.sslmate.com/src/go-pkcs12"
)

func TestIdentitySign(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	cert, err := id.Certificate()
	if err != nil {
		t.Fatalf("Certificate: %v", err)
	}
	if cert.Subject.CommonName != "MOCK SIGNER" {
		t.Errorf("unexpected subject CN %q", cert.Subject.CommonName)
	}

	digest := sha256.Sum256([]byte("hello"))
	sig, err := id.Sign(digest[:], card.SHA256WithRSA)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	pub := cert.PublicKey.(*rsa.PublicKey)
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}

	if err := id.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := id.Sign(digest[:], card.SHA256WithRSA); err == nil {
		t.Error("expected an error after Close")
	}
}

func TestLoadPKCS12(t *testing.T) {
	id, err := New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	pfx, err := pkcs12.Modern.Encode(id.key, id.cert, nil, "secret")
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	loaded, err := LoadPKCS12(pfx, "secret")
	if err != nil {
		t.Fatalf("LoadPKCS12: %v", err)
	}
	cert, _ := loaded.Certificate()
	if !bytes.Equal(cert.Raw, id.cert.Raw) {
		t.Error("certificate mismatch after PKCS#12 round trip")
	}

	if _, err := LoadPKCS12(pfx, "wrong"); err == nil {
		t.Error("expected an error for a wrong password")
	}
}

func TestIsMockATR(t *testing.T) {
	tests := []struct {
		atr  []byte
		want bool
	}{
		{ATR, true},
		{[]byte("MOCK"), true},
		{[]byte("MOC"), false},
		{[]byte{0x3B, 0x8F}, false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := IsMockATR(tt.atr); got != tt.want {
			t.Errorf("IsMockATR(%q) = %v, want %v", tt.atr, got, tt.want)
		}
	}
}

func TestFixtureTransport(t *testing.T) {
	pin := []byte("1234")
	f, err := DefaultFixture(pin)
	if err != nil {
		t.Fatalf("DefaultFixture: %v", err)
	}

	t.Run("full session", func(t *testing.T) {
		tr := NewFixtureTransport(f)
		if _, err := tr.Open(); err != nil {
			t.Fatal(err)
		}
		s := card.NewSession(card.NewToken(tr, nil), nil)
		if sw, err := s.Init(pin); err != nil || sw != apdu.SWSuccess {
			t.Fatalf("Init: sw=%v err=%v", sw, err)
		}
		cert, err := s.Certificate()
		if err != nil {
			t.Fatalf("Certificate: %v", err)
		}
		if cert.Subject.CommonName != "MOCK SIGNER" {
			t.Errorf("unexpected CN %q", cert.Subject.CommonName)
		}
		if !tr.Completed() {
			t.Error("fixture not fully consumed")
		}
	})

	t.Run("exhausted", func(t *testing.T) {
		tr := NewFixtureTransport(&Fixture{})
		_, err := tr.Transceive([]byte{0x00, 0xA4, 0x04, 0x0C})
		if !errors.Is(err, apdu.ErrFixtureExhausted) || apdu.Code(err) != 0x6F00 {
			t.Errorf("unexpected error %v", err)
		}
	})

	t.Run("mismatch", func(t *testing.T) {
		tr := NewFixtureTransport(f)
		_, err := tr.Transceive([]byte{0x00, 0xB0, 0x00, 0x00, 0x10})
		if !errors.Is(err, apdu.ErrFixtureMismatch) || apdu.Code(err) != 0x6A80 {
			t.Errorf("unexpected error %v", err)
		}
	})

	t.Run("buffer too small", func(t *testing.T) {
		tr := NewFixtureTransport(&Fixture{Exchanges: []Exchange{{Command: []byte{0, 1, 2, 3}, Response: []byte{1, 2, 3, 0x90, 0x00}}}})
		tr.MaxResponse = 2
		_, err := tr.Transceive([]byte{0, 1, 2, 3})
		if !errors.Is(err, apdu.ErrBufferTooSmall) || apdu.Code(err) != 0x6C00 {
			t.Errorf("unexpected error %v", err)
		}
	})

	t.Run("header only", func(t *testing.T) {
		tr := NewFixtureTransport(&Fixture{Exchanges: []Exchange{{Command: []byte{0, 0x88, 0, 0}, Response: []byte{0x90, 0x00}, HeaderOnly: true}}})
		if _, err := tr.Transceive([]byte{0, 0x88, 0, 0, 2, 0xAA, 0xBB, 0}); err != nil {
			t.Errorf("unexpected error %v", err)
		}
	})
}

func TestSigningFixture(t *testing.T) {
	pin := []byte("1234")
	digest := sha256.Sum256([]byte("document"))
	block, err := card.DigestInfo(card.SHA256WithRSA, digest[:])
	if err != nil {
		t.Fatal(err)
	}
	f, err := SigningFixture(pin, block)
	if err != nil {
		t.Fatalf("SigningFixture: %v", err)
	}
	tr := NewFixtureTransport(f)
	tr.Open()
	s := card.NewSession(card.NewToken(tr, nil), nil)
	if _, err := s.Init(pin); err != nil {
		t.Fatalf("Init: %v", err)
	}
	cert, err := s.Certificate()
	if err != nil {
		t.Fatal(err)
	}
	sig, err := s.Sign(digest[:], card.SHA256WithRSA)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if err := rsa.VerifyPKCS1v15(cert.PublicKey.(*rsa.PublicKey), crypto.SHA256, digest[:], sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}
	if !tr.Completed() {
		t.Error("fixture not fully consumed")
	}
}

func TestCardTransport(t *testing.T) {
	pin := []byte("12345678")

	t.Run("sign", func(t *testing.T) {
		c, err := NewCardTransport(pin)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := c.Open(); err != nil {
			t.Fatal(err)
		}
		s := card.NewSession(card.NewToken(c, nil), nil)
		if _, err := s.Init(pin); err != nil {
			t.Fatalf("Init: %v", err)
		}
		cert, err := s.Certificate()
		if err != nil {
			t.Fatalf("Certificate: %v", err)
		}
		if !bytes.Equal(cert.Raw, c.Certificate()) {
			t.Error("certificate mismatch")
		}
		digest := sha256.Sum256([]byte("x"))
		sig, err := s.Sign(digest[:], card.SHA256WithRSA)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}
		if err := rsa.VerifyPKCS1v15(c.PublicKey(), crypto.SHA256, digest[:], sig); err != nil {
			t.Errorf("signature does not verify: %v", err)
		}
	})

	t.Run("wrong pin counts down", func(t *testing.T) {
		c, _ := NewCardTransport(pin)
		c.Open()
		want := []apdu.StatusWord{0x63C2, 0x63C1, apdu.SWAuthBlocked, apdu.SWAuthBlocked}
		for i, w := range want {
			s := card.NewSession(card.NewToken(c, nil), nil)
			sw, err := s.Init([]byte("0000"))
			if err == nil {
				t.Fatalf("attempt %d: expected error", i)
			}
			if sw != w {
				t.Errorf("attempt %d: sw = %v, want %v", i, sw, w)
			}
		}
	})

	t.Run("sign before verify", func(t *testing.T) {
		c, _ := NewCardTransport(pin)
		c.Open()
		tok := card.NewToken(c, nil)
		if err := tok.SelectAIDCIE(); err != nil {
			t.Fatal(err)
		}
		_, err := tok.Sign(make([]byte, 51))
		if apdu.Code(err) != uint16(apdu.SWSecurityStatus) {
			t.Errorf("unexpected error %v", err)
		}
	})

	t.Run("closed", func(t *testing.T) {
		c, _ := NewCardTransport(pin)
		if _, err := c.Transceive([]byte{0, 0xA4, 4, 0x0C}); err == nil {
			t.Error("expected an error on a closed transport")
		}
	})
}
