package apdu

import (
	"errors"
	"fmt"
)

// Command is a short (non-extended) command APDU.
type Command struct {
	CLA  byte
	INS  byte
	P1   byte
	P2   byte
	Data []byte
	// Le is the expected response length. Zero means "no Le byte"; 256 is
	// encoded as 0x00.
	Le int
}

// Bytes encodes the command using the short APDU cases 1 to 4.
func (c Command) Bytes() ([]byte, error) {
	if len(c.Data) > 255 {
		return nil, fmt.Errorf("command data too long: %d bytes", len(c.Data))
	}
	if c.Le < 0 || c.Le > 256 {
		return nil, fmt.Errorf("invalid Le: %d", c.Le)
	}

	out := make([]byte, 0, 5+len(c.Data)+1)
	out = append(out, c.CLA, c.INS, c.P1, c.P2)
	if len(c.Data) > 0 {
		out = append(out, byte(len(c.Data)))
		out = append(out, c.Data...)
	}
	if c.Le > 0 {
		out = append(out, byte(c.Le)) // 256 wraps to 0x00
	}
	return out, nil
}

// ParseResponse splits a raw response into its data field and status word.
func ParseResponse(raw []byte) ([]byte, StatusWord, error) {
	if len(raw) < 2 {
		return nil, 0, errors.New("response shorter than a status word")
	}
	n := len(raw) - 2
	sw := StatusWord(uint16(raw[n])<<8 | uint16(raw[n+1]))
	return raw[:n], sw, nil
}

// Transmit sends cmd and returns the response data and status word. A
// 61xx status is followed by GET RESPONSE until the card has delivered
// everything. Only transport failures are returned as errors; callers
// decide what a status word means.
func Transmit(t Transport, cmd Command) ([]byte, StatusWord, error) {
	raw, err := cmd.Bytes()
	if err != nil {
		return nil, 0, err
	}

	resp, err := t.Transceive(raw)
	if err != nil {
		return nil, 0, err
	}
	data, sw, err := ParseResponse(resp)
	if err != nil {
		return nil, 0, err
	}

	var out []byte
	out = append(out, data...)
	for sw&0xFF00 == 0x6100 {
		le := int(sw & 0x00FF)
		if le == 0 {
			le = 256
		}
		getResponse, _ := Command{CLA: 0x00, INS: 0xC0, Le: le}.Bytes()
		resp, err = t.Transceive(getResponse)
		if err != nil {
			return nil, 0, err
		}
		data, sw, err = ParseResponse(resp)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, data...)
	}

	return out, sw, nil
}

// TransmitOK is Transmit with any non-9000 status turned into a *StatusError.
func TransmitOK(t Transport, cmd Command) ([]byte, error) {
	data, sw, err := Transmit(t, cmd)
	if err != nil {
		return nil, err
	}
	if sw != SWSuccess {
		return nil, &StatusError{SW: sw}
	}
	return data, nil
}
