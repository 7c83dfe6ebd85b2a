package mock

import (
	"bytes"
	"crypto/rsa"
	"errors"
	"sync"

	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/card"
)

const defaultPINRetries = 3

// CardTransport emulates the plaintext subset of a CIE applet: applet
// selection, PIN verification with a retry counter, certificate file
// reads and INTERNAL AUTHENTICATE with the mock key. It lets card.Token
// run end to end without a reader.
type CardTransport struct {
	atr []byte
	pin []byte

	mu       sync.Mutex
	identity *Identity
	retries  int
	verified bool
	applet   []byte
	file     []byte
	envSet   bool
	open     bool
	opens    int
	closes   int
	commands int
}

// NewCardTransport returns an emulated card accepting pin. Its ATR does not
// carry the mock prefix, so the orchestrator drives it as a real card.
func NewCardTransport(pin []byte) (*CardTransport, error) {
	id, err := New()
	if err != nil {
		return nil, err
	}
	return &CardTransport{
		atr:      []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x31, 0x80, 0x65, 0xB0, 0x85},
		pin:      append([]byte(nil), pin...),
		identity: id,
		retries:  defaultPINRetries,
	}, nil
}

// Certificate returns the certificate stored on the emulated card.
func (c *CardTransport) Certificate() []byte {
	return c.identity.cert.Raw
}

// PublicKey returns the public half of the emulated signing key.
func (c *CardTransport) PublicKey() *rsa.PublicKey {
	return &c.identity.key.PublicKey
}

// Stats reports Open/Close calls and the number of commands received.
func (c *CardTransport) Stats() (opens, closes, commands int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes, c.commands
}

func (c *CardTransport) Open() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
	c.open = true
	c.verified = false
	c.applet = nil
	c.file = nil
	c.envSet = false
	return append([]byte(nil), c.atr...), nil
}

func (c *CardTransport) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	c.open = false
	return nil
}

func (c *CardTransport) Transceive(command []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return nil, &apdu.TransportError{Code: 0x6F00, Err: errors.New("card session not open")}
	}
	c.commands++

	cmd, err := parseCommand(command)
	if err != nil {
		return status(apdu.SWWrongLength), nil
	}
	switch cmd.INS {
	case 0xA4:
		return c.selectFile(cmd), nil
	case 0x20:
		return c.verifyPIN(cmd), nil
	case 0xB0:
		return c.readBinary(cmd), nil
	case 0x22:
		c.envSet = c.verified && cmd.P1 == 0x41 && cmd.P2 == 0xA4
		if !c.envSet {
			return status(apdu.SWSecurityStatus), nil
		}
		return status(apdu.SWSuccess), nil
	case 0x88:
		return c.internalAuthenticate(cmd), nil
	default:
		return status(apdu.SWINSNotSupported), nil
	}
}

func (c *CardTransport) selectFile(cmd apdu.Command) []byte {
	switch cmd.P1 {
	case 0x04:
		if !bytes.Equal(cmd.Data, card.AIDIAS) && !bytes.Equal(cmd.Data, card.AIDCIE) {
			return status(apdu.SWFileNotFound)
		}
		c.applet = append([]byte(nil), cmd.Data...)
		c.file = nil
		return status(apdu.SWSuccess)
	case 0x02:
		if !bytes.Equal(c.applet, card.AIDCIE) || !bytes.Equal(cmd.Data, card.CertificateFileID) {
			return status(apdu.SWFileNotFound)
		}
		c.file = c.identity.cert.Raw
		return status(apdu.SWSuccess)
	default:
		return status(apdu.SWWrongP1P2)
	}
}

func (c *CardTransport) verifyPIN(cmd apdu.Command) []byte {
	if cmd.P2 != card.PINReference || !bytes.Equal(c.applet, card.AIDCIE) {
		return status(apdu.SWWrongP1P2)
	}
	if c.retries == 0 {
		return status(apdu.SWAuthBlocked)
	}
	if !bytes.Equal(cmd.Data, c.pin) {
		c.retries--
		c.verified = false
		if c.retries == 0 {
			return status(apdu.SWAuthBlocked)
		}
		return status(apdu.StatusWord(0x63C0 | c.retries))
	}
	c.retries = defaultPINRetries
	c.verified = true
	return status(apdu.SWSuccess)
}

func (c *CardTransport) readBinary(cmd apdu.Command) []byte {
	if c.file == nil {
		return status(apdu.SWFileNotFound)
	}
	off := int(cmd.P1)<<8 | int(cmd.P2)
	if off >= len(c.file) {
		return status(apdu.SWWrongP1P2)
	}
	end := off + cmd.Le
	if end > len(c.file) {
		end = len(c.file)
	}
	return withStatus(c.file[off:end], apdu.SWSuccess)
}

func (c *CardTransport) internalAuthenticate(cmd apdu.Command) []byte {
	if !c.verified {
		return status(apdu.SWSecurityStatus)
	}
	if !c.envSet {
		return status(apdu.StatusWord(0x6985))
	}
	sig, err := c.identity.Sign(cmd.Data, card.RSARaw)
	if err != nil {
		return status(apdu.SWWrongData)
	}
	return withStatus(sig, apdu.SWSuccess)
}

// parseCommand decodes a short command APDU. A lone trailing Le of 0x00
// means 256.
func parseCommand(b []byte) (apdu.Command, error) {
	if len(b) < 4 {
		return apdu.Command{}, errors.New("command shorter than header")
	}
	cmd := apdu.Command{CLA: b[0], INS: b[1], P1: b[2], P2: b[3]}
	rest := b[4:]
	switch {
	case len(rest) == 0:
	case len(rest) == 1:
		cmd.Le = leValue(rest[0])
	default:
		lc := int(rest[0])
		if lc == 0 || len(rest) < 1+lc {
			return apdu.Command{}, errors.New("bad Lc")
		}
		cmd.Data = rest[1 : 1+lc]
		switch len(rest) - 1 - lc {
		case 0:
		case 1:
			cmd.Le = leValue(rest[1+lc])
		default:
			return apdu.Command{}, errors.New("trailing bytes after Le")
		}
	}
	return cmd, nil
}

func leValue(b byte) int {
	if b == 0 {
		return 256
	}
	return int(b)
}

func status(sw apdu.StatusWord) []byte {
	return withStatus(nil, sw)
}

func withStatus(data []byte, sw apdu.StatusWord) []byte {
	out := make([]byte, 0, len(data)+2)
	out = append(out, data...)
	return append(out, byte(sw>>8), byte(sw))
}
