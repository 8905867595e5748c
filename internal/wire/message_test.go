package wire

import (
	"bytes"
	"crypto/sha1"
	"errors"
	"testing"

	"github.com/ironseed/ironseed/internal/piece"
)

func TestMessage_KeepAlive_MarshalUnmarshal(t *testing.T) {
	var m *Message
	b, err := m.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary keep-alive error: %v", err)
	}

	if want := []byte{0, 0, 0, 0}; !bytes.Equal(b, want) {
		t.Fatalf("keep-alive encoded = %v, want %v", b, want)
	}

	var dec Message
	if err := (&dec).UnmarshalBinary(b); err != nil {
		t.Fatalf("UnmarshalBinary keep-alive: %v", err)
	}
	if dec.ID != 0 || dec.Payload != nil {
		t.Fatalf("decoded keep-alive unexpected: %+v", dec)
	}
}

func TestMessage_ConstructorsAndParsers(t *testing.T) {
	m := MessageHave(42)
	if idx, ok := m.ParseHave(); !ok || idx != 42 {
		t.Fatalf("ParseHave = (%d,%v), want (42,true)", idx, ok)
	}
	if err := m.ValidatePayloadSize(); err != nil {
		t.Fatalf("ValidatePayloadSize(Have) err: %v", err)
	}

	m = MessageRequest(7, 16, 16384)
	i, b, l, ok := m.ParseRequest()
	if !ok || i != 7 || b != 16 || l != 16384 {
		t.Fatalf("ParseRequest got (%d,%d,%d,%v)", i, b, l, ok)
	}

	block := []byte("data block")
	m = MessagePiece(3, 32, block)
	pi, pb, blk, ok := m.ParsePiece()
	if !ok || pi != 3 || pb != 32 || !bytes.Equal(blk, block) {
		t.Fatalf("ParsePiece mismatch")
	}

	bits := []byte{0xAA, 0x55}
	m = MessageBitfield(bits)
	bits[0] ^= 0xFF // mutate original
	if len(m.Payload) != 2 || m.Payload[0] != 0xAA || m.Payload[1] != 0x55 {
		t.Fatalf("MessageBitfield did not copy input: %v", m.Payload)
	}
}

func TestMessage_ValidatePayloadSize_Errors(t *testing.T) {
	tests := []Message{
		{ID: Have, Payload: []byte{}},
		{ID: Request, Payload: []byte("too short")},
		{ID: Cancel, Payload: []byte{1, 2, 3}},
		{ID: Piece, Payload: []byte{0, 1, 2, 3, 4, 5, 6}},
	}
	for _, m := range tests {
		if err := (&m).ValidatePayloadSize(); !errors.Is(err, ErrBadPayloadSize) {
			t.Fatalf("want ErrBadPayloadSize for %+v, got %v", m, err)
		}
	}
}

func TestMessage_WriteReadRoundTrip(t *testing.T) {
	msgs := []*Message{
		nil, // keep-alive
		MessageChoke(),
		MessageUnchoke(),
		MessageInterested(),
		MessageHave(5),
		MessageBitfield([]byte{0x80}),
		MessageRequest(0, 0, 16384),
		MessagePiece(0, 0, bytes.Repeat([]byte{0x42}, 16384)),
		MessageCancel(0, 0, 16384),
	}

	for _, want := range msgs {
		var buf bytes.Buffer
		if err := WriteMessage(&buf, want); err != nil {
			t.Fatalf("WriteMessage: %v", err)
		}

		got, err := ReadMessage(&buf)
		if err != nil {
			t.Fatalf("ReadMessage: %v", err)
		}

		if IsKeepAlive(want) != IsKeepAlive(got) {
			t.Fatalf("keep-alive mismatch: want %v got %v", want, got)
		}
		if IsKeepAlive(want) {
			continue
		}
		if got.ID != want.ID || !bytes.Equal(got.Payload, want.Payload) {
			t.Fatalf("round trip mismatch: want %+v, got %+v", want, got)
		}
	}
}

func TestMessage_ShortReadIsError(t *testing.T) {
	_, err := ReadMessage(bytes.NewReader([]byte{0, 0, 0}))
	if err == nil {
		t.Fatalf("expected error on truncated length prefix")
	}
}

func TestMessage_BlockRequestFinalBlockLength(t *testing.T) {
	// Boundary: a 32769-byte piece ends with a final block shorter than the
	// nominal 16 KiB (32769 mod 16384 = 1), while an exactly-divisible piece
	// ends with a full 16 KiB final block.
	const blockSize = 16384

	cases := []struct {
		pieceLen int
		want     int
	}{
		{32769, 1},
		{32768, blockSize},
	}

	for _, tc := range cases {
		a := piece.NewAssembler(0, tc.pieceLen, [sha1.Size]byte{})
		var last piece.Request
		for {
			req, ok := a.RequestNextBlock()
			if !ok {
				break
			}
			last = req
			if err := a.Append(piece.Block{Index: req.Index, Begin: req.Begin, Data: make([]byte, req.Length)}); err != nil {
				t.Fatalf("Append: %v", err)
			}
		}

		_, _, length, ok := MessageRequest(uint32(last.Index), uint32(last.Begin), uint32(last.Length)).ParseRequest()
		if !ok || int(length) != tc.want {
			t.Fatalf("final block length = %d, want %d", length, tc.want)
		}
	}
}
