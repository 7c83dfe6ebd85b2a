package mock

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/mapo80/cie-middleware-mobile/apdu"
	"github.com/mapo80/cie-middleware-mobile/card"
)

// Exchange is one scripted command/response pair.
type Exchange struct {
	Command  []byte
	Response []byte
	// HeaderOnly matches only CLA INS P1 P2, for commands whose data
	// depends on the document being signed.
	HeaderOnly bool
}

// Fixture is a recorded card conversation.
type Fixture struct {
	Description string
	ATR         []byte
	Exchanges   []Exchange
}

// FixtureTransport replays a Fixture. Each Transceive must match the next
// scripted command; an out of order or extra command fails the exchange
// with a TransportError the way a native adapter reports it.
type FixtureTransport struct {
	// MaxResponse emulates the caller's response buffer capacity. Zero
	// means unlimited.
	MaxResponse int

	mu      sync.Mutex
	fixture *Fixture
	next    int
	opened  int
	closed  int
}

// NewFixtureTransport returns a transport replaying f from the start.
func NewFixtureTransport(f *Fixture) *FixtureTransport {
	return &FixtureTransport{fixture: f}
}

func (t *FixtureTransport) Open() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opened++
	t.next = 0
	return append([]byte(nil), t.fixture.ATR...), nil
}

func (t *FixtureTransport) Transceive(command []byte) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.next >= len(t.fixture.Exchanges) {
		return nil, &apdu.TransportError{Code: 0x6F00, Err: apdu.ErrFixtureExhausted}
	}
	ex := t.fixture.Exchanges[t.next]
	if !ex.matches(command) {
		return nil, &apdu.TransportError{
			Code: 0x6A80,
			Err:  fmt.Errorf("%w: exchange %d: got %s, want %s", apdu.ErrFixtureMismatch, t.next, hex.EncodeToString(command), hex.EncodeToString(ex.Command)),
		}
	}
	if t.MaxResponse > 0 && len(ex.Response) > t.MaxResponse {
		return nil, &apdu.TransportError{Code: 0x6C00, Err: apdu.ErrBufferTooSmall}
	}
	t.next++
	return append([]byte(nil), ex.Response...), nil
}

func (t *FixtureTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed++
	return nil
}

// Completed reports whether every scripted exchange was consumed.
func (t *FixtureTransport) Completed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next == len(t.fixture.Exchanges)
}

// Calls returns how many times Open and Close were called.
func (t *FixtureTransport) Calls() (opened, closed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opened, t.closed
}

func (e Exchange) matches(command []byte) bool {
	if e.HeaderOnly {
		return len(command) >= 4 && len(e.Command) >= 4 && bytes.Equal(command[:4], e.Command[:4])
	}
	return bytes.Equal(command, e.Command)
}

// DefaultFixture scripts a plaintext session that verifies pin and reads
// the mock certificate. It matches what card.Token sends without a
// Handshake.
func DefaultFixture(pin []byte) (*Fixture, error) {
	id, err := New()
	if err != nil {
		return nil, err
	}
	f := &Fixture{Description: "select, verify PIN, read certificate", ATR: []byte{0x3B, 0x8F, 0x80, 0x01, 0x80, 0x31, 0x80, 0x65}}

	f.add(apdu.Command{INS: 0xA4, P1: 0x04, P2: 0x0C, Data: card.AIDIAS}, nil, apdu.SWSuccess)
	f.add(apdu.Command{INS: 0xA4, P1: 0x04, P2: 0x0C, Data: card.AIDCIE}, nil, apdu.SWSuccess)
	f.add(apdu.Command{INS: 0x20, P2: card.PINReference, Data: pin}, nil, apdu.SWSuccess)
	f.add(apdu.Command{INS: 0xA4, P1: 0x02, P2: 0x0C, Data: card.CertificateFileID}, nil, apdu.SWSuccess)

	der := id.cert.Raw
	for off := 0; off < len(der); {
		n := 0xE0
		if off > 0 && len(der)-off < n {
			n = len(der) - off
		}
		end := off + n
		if end > len(der) {
			end = len(der)
		}
		f.add(apdu.Command{INS: 0xB0, P1: byte(off >> 8), P2: byte(off), Le: n}, der[off:end], apdu.SWSuccess)
		off = end
	}
	return f, nil
}

// SigningFixture extends DefaultFixture with one signature over the given
// DigestInfo block, computed with the mock key.
func SigningFixture(pin, digestInfo []byte) (*Fixture, error) {
	f, err := DefaultFixture(pin)
	if err != nil {
		return nil, err
	}
	id, err := New()
	if err != nil {
		return nil, err
	}
	sig, err := id.Sign(digestInfo, card.RSARaw)
	if err != nil {
		return nil, err
	}
	f.Description = "select, verify PIN, read certificate, sign"
	f.add(apdu.Command{INS: 0x22, P1: 0x41, P2: 0xA4, Data: []byte{0x80, 0x01, 0x02, 0x84, 0x01, card.SigningKeyRef}}, nil, apdu.SWSuccess)
	f.add(apdu.Command{INS: 0x88, Data: digestInfo, Le: 256}, sig, apdu.SWSuccess)
	return f, nil
}

// WrongPINFixture scripts a session whose PIN verification is refused
// with sw.
func WrongPINFixture(pin []byte, sw apdu.StatusWord) *Fixture {
	f := &Fixture{Description: "wrong PIN", ATR: []byte{0x3B, 0x8F, 0x80, 0x01}}
	f.add(apdu.Command{INS: 0xA4, P1: 0x04, P2: 0x0C, Data: card.AIDIAS}, nil, apdu.SWSuccess)
	f.add(apdu.Command{INS: 0xA4, P1: 0x04, P2: 0x0C, Data: card.AIDCIE}, nil, apdu.SWSuccess)
	f.add(apdu.Command{INS: 0x20, P2: card.PINReference, Data: pin}, nil, sw)
	return f
}

func (f *Fixture) add(cmd apdu.Command, data []byte, sw apdu.StatusWord) {
	raw, err := cmd.Bytes()
	if err != nil {
		panic(err)
	}
	resp := append(append([]byte(nil), data...), byte(sw>>8), byte(sw))
	f.Exchanges = append(f.Exchanges, Exchange{Command: raw, Response: resp})
}
