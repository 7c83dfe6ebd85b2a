// Package pkcs11 provides a card.Identity backed by a PKCS#11 module, such
// as the desktop CIE middleware (libcie-pkcs11).
//
// NOTE: This package is provided on a "best-effort" basis. It covers the
// RSA tokens the CIE middleware exposes and may not handle every PKCS#11
// module variation.
package pkcs11

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/card"
	"github.com/miekg/pkcs11"
)

var errNotLoggedIn = errors.New("pkcs11: not logged in")

// Identity signs with a private key stored on a PKCS#11 token. Login opens
// a session that stays open until Close or the next Login.
type Identity struct {
	ModulePath string
	TokenLabel string
	KeyLabel   string

	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	cert    *x509.Certificate
}

// NewIdentity returns an identity for the given module. An empty token
// label selects the first token present; an empty key label selects the
// first private key.
func NewIdentity(module, token, key string) (*Identity, error) {
	if module == "" {
		return nil, fmt.Errorf("pkcs11: ModulePath is required")
	}
	return &Identity{
		ModulePath: module,
		TokenLabel: token,
		KeyLabel:   key,
	}, nil
}

// Login loads the module, opens a session on the token and logs in with
// pin. It then locates the private key and the certificate that goes with
// it.
func (i *Identity) Login(pin []byte) error {
	i.release()

	p := pkcs11.New(i.ModulePath)
	if p == nil {
		return &card.Error{Step: "Login", Err: fmt.Errorf("pkcs11: failed to load module %s", i.ModulePath)}
	}
	if err := p.Initialize(); err != nil {
		p.Destroy()
		return &card.Error{Step: "Login", Err: fmt.Errorf("pkcs11: error initializing module: %w", err)}
	}
	i.ctx = p

	if err := i.open(pin); err != nil {
		i.release()
		return &card.Error{Step: "Login", Err: err}
	}
	return nil
}

func (i *Identity) open(pin []byte) error {
	slot, err := i.findSlot()
	if err != nil {
		return err
	}

	session, err := i.ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return fmt.Errorf("pkcs11: error opening session: %w", err)
	}
	i.session = session

	if len(pin) > 0 {
		if err := i.ctx.Login(session, pkcs11.CKU_USER, string(pin)); err != nil {
			return fmt.Errorf("pkcs11: error logging in: %w", err)
		}
	}

	keys, err := i.find(pkcs11.CKO_PRIVATE_KEY)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return fmt.Errorf("pkcs11: private key not found")
	}
	i.key = keys[0]

	cert, err := i.readCertificate()
	if err != nil {
		return err
	}
	if _, ok := cert.PublicKey.(*rsa.PublicKey); !ok {
		return fmt.Errorf("pkcs11: unsupported public key type %T", cert.PublicKey)
	}
	i.cert = cert
	return nil
}

func (i *Identity) findSlot() (uint, error) {
	slots, err := i.ctx.GetSlotList(true)
	if err != nil {
		return 0, fmt.Errorf("pkcs11: error getting slots: %w", err)
	}
	for _, id := range slots {
		info, err := i.ctx.GetTokenInfo(id)
		if err != nil {
			continue
		}
		if i.TokenLabel == "" || info.Label == i.TokenLabel {
			return id, nil
		}
	}
	return 0, fmt.Errorf("pkcs11: token with label %q not found", i.TokenLabel)
}

// find returns the objects of class whose label matches KeyLabel.
func (i *Identity) find(class uint) ([]pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
	}
	if i.KeyLabel != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, i.KeyLabel))
	}

	if err := i.ctx.FindObjectsInit(i.session, template); err != nil {
		return nil, fmt.Errorf("pkcs11: error finding objects: %w", err)
	}
	objs, _, err := i.ctx.FindObjects(i.session, 1)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: error finding objects: %w", err)
	}
	if err := i.ctx.FindObjectsFinal(i.session); err != nil {
		return nil, fmt.Errorf("pkcs11: error finalizing object find: %w", err)
	}
	return objs, nil
}

func (i *Identity) readCertificate() (*x509.Certificate, error) {
	objs, err := i.find(pkcs11.CKO_CERTIFICATE)
	if err != nil {
		return nil, err
	}
	if len(objs) == 0 {
		return nil, fmt.Errorf("pkcs11: certificate not found")
	}
	attrs, err := i.ctx.GetAttributeValue(i.session, objs[0], []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("pkcs11: error reading certificate: %w", err)
	}
	if len(attrs) == 0 {
		return nil, fmt.Errorf("pkcs11: certificate has no value")
	}
	cert, err := x509.ParseCertificate(attrs[0].Value)
	if err != nil {
		return nil, fmt.Errorf("pkcs11: failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Certificate returns the certificate found at Login.
func (i *Identity) Certificate() (*x509.Certificate, error) {
	if i.cert == nil {
		return nil, errNotLoggedIn
	}
	return i.cert, nil
}

// Sign wraps data in a DigestInfo for alg and signs it with CKM_RSA_PKCS,
// which leaves the PKCS#1 v1.5 padding to the token.
func (i *Identity) Sign(data []byte, alg card.Algorithm) ([]byte, error) {
	if i.cert == nil {
		return nil, errNotLoggedIn
	}
	block, err := card.DigestInfo(alg, data)
	if err != nil {
		return nil, err
	}

	mechanism := getMechanism(i.cert.PublicKey)
	if mechanism == nil {
		return nil, fmt.Errorf("pkcs11: unsupported public key")
	}
	if err := i.ctx.SignInit(i.session, []*pkcs11.Mechanism{mechanism}, i.key); err != nil {
		return nil, &card.Error{Step: "Sign", Err: fmt.Errorf("pkcs11: sign init failed: %w", err)}
	}
	sig, err := i.ctx.Sign(i.session, block)
	if err != nil {
		return nil, &card.Error{Step: "Sign", Err: fmt.Errorf("pkcs11: sign failed: %w", err)}
	}
	return sig, nil
}

// Close logs out and unloads the module. It is safe to call more than
// once.
func (i *Identity) Close() error {
	i.release()
	return nil
}

func (i *Identity) release() {
	if i.ctx == nil {
		return
	}
	if i.session != 0 {
		_ = i.ctx.Logout(i.session)
		_ = i.ctx.CloseSession(i.session)
	}
	_ = i.ctx.Finalize()
	i.ctx.Destroy()
	i.ctx = nil
	i.session = 0
	i.key = 0
	i.cert = nil
}

func getMechanism(pub any) *pkcs11.Mechanism {
	switch pub.(type) {
	case *rsa.PublicKey:
		return pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
	default:
		return nil
	}
}
