package apdu

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestCommandBytes(t *testing.T) {
	tests := []struct {
		name string
		cmd  Command
		want []byte
	}{
		{"case 1", Command{CLA: 0x00, INS: 0xA4, P1: 0x04, P2: 0x0C}, []byte{0x00, 0xA4, 0x04, 0x0C}},
		{"case 2", Command{CLA: 0x00, INS: 0xB0, Le: 256}, []byte{0x00, 0xB0, 0x00, 0x00, 0x00}},
		{"case 3", Command{CLA: 0x00, INS: 0x20, P2: 0x81, Data: []byte("1234")}, []byte{0x00, 0x20, 0x00, 0x81, 0x04, '1', '2', '3', '4'}},
		{"case 4", Command{INS: 0x88, Data: []byte{0xAA}, Le: 256}, []byte{0x00, 0x88, 0x00, 0x00, 0x01, 0xAA, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.cmd.Bytes()
			if err != nil {
				t.Fatalf("Bytes() error = %v", err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("Bytes() = % X, want % X", got, tt.want)
			}
		})
	}

	if _, err := (Command{Data: make([]byte, 256)}).Bytes(); err == nil {
		t.Error("expected error for oversized data")
	}
}

func TestStatusWordString(t *testing.T) {
	if got := StatusWord(0x63C2).String(); got != "0x63C2" {
		t.Errorf("String() = %q", got)
	}
	if n, ok := StatusWord(0x63C2).RetriesLeft(); !ok || n != 2 {
		t.Errorf("RetriesLeft() = %d, %v", n, ok)
	}
	if _, ok := SWSuccess.RetriesLeft(); ok {
		t.Error("9000 must not report retries")
	}
}

func TestTransmitGetResponse(t *testing.T) {
	var sent [][]byte
	tr := Funcs{
		TransceiveFunc: func(cmd []byte) ([]byte, error) {
			sent = append(sent, append([]byte(nil), cmd...))
			if cmd[1] == 0xC0 {
				return []byte{0x03, 0x04, 0x90, 0x00}, nil
			}
			return []byte{0x01, 0x02, 0x61, 0x02}, nil
		},
	}

	data, sw, err := Transmit(tr, Command{INS: 0xB0, Le: 256})
	if err != nil {
		t.Fatalf("Transmit() error = %v", err)
	}
	if sw != SWSuccess {
		t.Errorf("sw = %s", sw)
	}
	if !bytes.Equal(data, []byte{1, 2, 3, 4}) {
		t.Errorf("data = % X", data)
	}
	if len(sent) != 2 || !bytes.Equal(sent[1], []byte{0x00, 0xC0, 0x00, 0x00, 0x02}) {
		t.Errorf("unexpected exchange: % X", sent)
	}
}

func TestTransmitOKStatusError(t *testing.T) {
	tr := Funcs{TransceiveFunc: func([]byte) ([]byte, error) { return []byte{0x6A, 0x82}, nil }}

	_, err := TransmitOK(tr, Command{INS: 0xA4})
	var se *StatusError
	if !errors.As(err, &se) || se.SW != SWFileNotFound {
		t.Fatalf("expected StatusError 6A82, got %v", err)
	}
	if Code(err) != 0x6A82 {
		t.Errorf("Code() = %04X", Code(err))
	}
}

func TestCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &TransportError{Code: 0x6F00, Err: ErrFixtureExhausted})
	if Code(err) != 0x6F00 {
		t.Errorf("Code() = %04X", Code(err))
	}
	if !errors.Is(err, ErrFixtureExhausted) {
		t.Error("expected errors.Is to reach the sentinel")
	}
	if Code(errors.New("other")) != 0 {
		t.Error("unrelated error must have code 0")
	}
}
