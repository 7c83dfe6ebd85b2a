package pkcs11

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"math/big"
	"path/filepath"
	"testing"

	"github.com/mapo80/cie-middleware-mobile/card"
)

func TestNewIdentity(t *testing.T) {
	if _, err := NewIdentity("", "token", "key"); err == nil {
		t.Error("expected error for missing module path")
	}

	id, err := NewIdentity("module.so", "CIE", "CIE Signing Key")
	if err != nil {
		t.Fatalf("NewIdentity failed: %v", err)
	}
	if id.ModulePath != "module.so" || id.TokenLabel != "CIE" || id.KeyLabel != "CIE Signing Key" {
		t.Errorf("unexpected identity %+v", id)
	}
}

func TestIdentityBeforeLogin(t *testing.T) {
	id, _ := NewIdentity("module.so", "", "")

	if _, err := id.Certificate(); !errors.Is(err, errNotLoggedIn) {
		t.Errorf("Certificate error = %v, want errNotLoggedIn", err)
	}
	if _, err := id.Sign(make([]byte, 32), card.SHA256WithRSA); !errors.Is(err, errNotLoggedIn) {
		t.Errorf("Sign error = %v, want errNotLoggedIn", err)
	}
	for range 2 {
		if err := id.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	}
}

func TestLoginMissingModule(t *testing.T) {
	id, _ := NewIdentity(filepath.Join(t.TempDir(), "missing.so"), "", "")

	err := id.Login([]byte("12345678"))
	var ce *card.Error
	if !errors.As(err, &ce) {
		t.Fatalf("Login error = %v, want *card.Error", err)
	}
	if ce.Step != "Login" {
		t.Errorf("Step = %q, want Login", ce.Step)
	}
	if _, err := id.Certificate(); err == nil {
		t.Error("Certificate succeeded after a failed Login")
	}
}

func TestGetMechanism(t *testing.T) {
	if m := getMechanism(&rsa.PublicKey{N: big.NewInt(1), E: 65537}); m == nil || m.Mechanism != 0x00000001 {
		t.Errorf("RSA mechanism = %+v, want CKM_RSA_PKCS", m)
	}
	if m := getMechanism(&ecdsa.PublicKey{}); m != nil {
		t.Errorf("ECDSA mechanism = %+v, want nil", m)
	}
}

// Note: tests of Login and Sign against a token require a PKCS#11 library
// such as SoftHSM and are not run here.
