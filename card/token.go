package card

import (
	"fmt"

	"github.com/mapo80/cie-middleware-mobile/apdu"
)

// Applet identifiers and file references used by Token.
var (
	AIDIAS = []byte{0xA0, 0x00, 0x00, 0x00, 0x30, 0x80, 0x00, 0x00, 0x00, 0x09, 0x81, 0x60, 0x01}
	AIDCIE = []byte{0xA0, 0x00, 0x00, 0x00, 0x00, 0x39}

	CertificateFileID = []byte{0x10, 0x03}
)

// PIN and key references on the CIE applet.
const (
	PINReference     = 0x81
	SigningKeyRef    = 0x81
	readBinaryMaxLen = 0xE0
)

// Handshake performs the device-authentication part of the IAS protocol
// (Diffie-Hellman key agreement and DAPP) and returns the secure channel
// every later command goes through. The steps receive the raw transport.
type Handshake interface {
	InitDHParam(t apdu.Transport) error
	ReadDappPubKey(t apdu.Transport) ([]byte, error)
	InitExtAuthKeyParam(t apdu.Transport) error
	DHKeyExchange(t apdu.Transport) error
	DAPP(t apdu.Transport) error
	Secure(t apdu.Transport) apdu.Transport
}

// Token implements IAS on top of an apdu.Transport. Without a Handshake the
// authentication steps are skipped and commands travel in plain text,
// which is what card emulators and scripted fixtures expect.
type Token struct {
	raw       apdu.Transport
	channel   apdu.Transport
	handshake Handshake
}

// NewToken returns a Token talking over t. hs may be nil.
func NewToken(t apdu.Transport, hs Handshake) *Token {
	return &Token{raw: t, channel: t, handshake: hs}
}

func (t *Token) SelectAIDIAS() error {
	_, err := apdu.TransmitOK(t.raw, apdu.Command{INS: 0xA4, P1: 0x04, P2: 0x0C, Data: AIDIAS})
	return err
}

func (t *Token) SelectAIDCIE() error {
	_, err := apdu.TransmitOK(t.raw, apdu.Command{INS: 0xA4, P1: 0x04, P2: 0x0C, Data: AIDCIE})
	return err
}

func (t *Token) InitDHParam() error {
	if t.handshake == nil {
		return nil
	}
	return t.handshake.InitDHParam(t.raw)
}

func (t *Token) ReadDappPubKey() ([]byte, error) {
	if t.handshake == nil {
		return nil, nil
	}
	return t.handshake.ReadDappPubKey(t.raw)
}

func (t *Token) InitExtAuthKeyParam() error {
	if t.handshake == nil {
		return nil
	}
	return t.handshake.InitExtAuthKeyParam(t.raw)
}

func (t *Token) DHKeyExchange() error {
	if t.handshake == nil {
		return nil
	}
	return t.handshake.DHKeyExchange(t.raw)
}

func (t *Token) DAPP() error {
	if t.handshake == nil {
		return nil
	}
	if err := t.handshake.DAPP(t.raw); err != nil {
		return err
	}
	t.channel = t.handshake.Secure(t.raw)
	return nil
}

func (t *Token) VerifyPIN(pin []byte) (apdu.StatusWord, error) {
	_, sw, err := apdu.Transmit(t.channel, apdu.Command{INS: 0x20, P2: PINReference, Data: pin})
	return sw, err
}

// ReadCertificate selects the certificate file and reads it with READ
// BINARY until the DER length announced in its header is reached.
func (t *Token) ReadCertificate() ([]byte, error) {
	if _, err := apdu.TransmitOK(t.channel, apdu.Command{INS: 0xA4, P1: 0x02, P2: 0x0C, Data: CertificateFileID}); err != nil {
		return nil, err
	}

	var out []byte
	total := -1
	for total < 0 || len(out) < total {
		if len(out) > 0x7FFF {
			return nil, fmt.Errorf("certificate file exceeds READ BINARY offset range")
		}
		le := readBinaryMaxLen
		if total > 0 && total-len(out) < le {
			le = total - len(out)
		}
		chunk, sw, err := apdu.Transmit(t.channel, apdu.Command{
			INS: 0xB0,
			P1:  byte(len(out) >> 8),
			P2:  byte(len(out)),
			Le:  le,
		})
		if err != nil {
			return nil, err
		}
		if sw != apdu.SWSuccess && sw != 0x6282 {
			if len(out) > 0 && sw == apdu.SWWrongP1P2 {
				break
			}
			return nil, &apdu.StatusError{SW: sw}
		}
		out = append(out, chunk...)
		if total < 0 {
			if n, ok := derTotalLength(out); ok {
				total = n
			}
		}
		if len(chunk) == 0 || sw == 0x6282 {
			break
		}
	}

	if total > 0 {
		if len(out) < total {
			return nil, fmt.Errorf("certificate file truncated: got %d of %d bytes", len(out), total)
		}
		out = out[:total]
	}
	return out, nil
}

// Sign sets the signing key as the security environment and runs INTERNAL
// AUTHENTICATE over the prepared block.
func (t *Token) Sign(digestInfo []byte) ([]byte, error) {
	mse := apdu.Command{INS: 0x22, P1: 0x41, P2: 0xA4, Data: []byte{0x80, 0x01, 0x02, 0x84, 0x01, SigningKeyRef}}
	if _, err := apdu.TransmitOK(t.channel, mse); err != nil {
		return nil, err
	}
	return apdu.TransmitOK(t.channel, apdu.Command{INS: 0x88, Data: digestInfo, Le: 256})
}

// derTotalLength reads a SEQUENCE header and returns the full element
// length. ok is false while the header is incomplete.
func derTotalLength(b []byte) (int, bool) {
	if len(b) < 2 || b[0] != 0x30 {
		return 0, false
	}
	l := int(b[1])
	if l < 0x80 {
		return 2 + l, true
	}
	n := l & 0x7F
	if n == 0 || n > 3 || len(b) < 2+n {
		return 0, false
	}
	l = 0
	for _, c := range b[2 : 2+n] {
		l = l<<8 | int(c)
	}
	return 2 + n + l, true
}
