// Package wire implements the BitTorrent peer-wire protocol (BEP 3): the
// handshake framing and the length-prefixed message codec.
package wire

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MessageID identifies the nine core peer-wire message types. Extension and
// fast-extension ids are not modeled.
type MessageID uint8

const (
	Choke MessageID = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

var messageIDNames = [...]string{
	Choke: "Choke", Unchoke: "Unchoke", Interested: "Interested",
	NotInterested: "NotInterested", Have: "Have", Bitfield: "Bitfield",
	Request: "Request", Piece: "Piece", Cancel: "Cancel",
}

func (mid MessageID) String() string {
	if int(mid) < len(messageIDNames) && messageIDNames[mid] != "" {
		return messageIDNames[mid]
	}
	return fmt.Sprintf("Unknown(%d)", uint8(mid))
}

// fixedPayloadLen maps each message ID whose payload has a single exact size
// (Have, Request, Cancel) to that size. Other IDs are absent from the table;
// ValidatePayloadSize checks them separately.
var fixedPayloadLen = map[MessageID]int{
	Have:    4,
	Request: 12,
	Cancel:  12,
}

// Message is a single BitTorrent length-prefixed peer-wire message.
//
// Wire format:
//
//	keep-alive: <length=0>
//	otherwise:  <length:4><id:1><payload:length-1>
//
// A nil *Message denotes a keep-alive frame. Payload may be empty for
// messages that carry no data (Choke, Unchoke, Interested, NotInterested).
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("wire: short message")
	ErrBadLengthPrefix = errors.New("wire: invalid length prefix")
	ErrBadPayloadSize  = errors.New("wire: invalid payload size for message id")
	ErrUnknownID       = errors.New("wire: unknown message id")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

// IsKeepAlive reports whether m denotes a keep-alive frame.
func IsKeepAlive(m *Message) bool { return m == nil }

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

// MessageHave builds a Have message announcing possession of piece index.
func MessageHave(index uint32) *Message {
	return &Message{ID: Have, Payload: beUint32s(index)}
}

// MessageBitfield builds a Bitfield message carrying a copy of bits.
func MessageBitfield(bits []byte) *Message {
	return &Message{ID: Bitfield, Payload: append([]byte(nil), bits...)}
}

// MessageRequest builds a Request for length bytes of piece index starting
// at byte offset begin.
func MessageRequest(index, begin, length uint32) *Message {
	return &Message{ID: Request, Payload: beUint32s(index, begin, length)}
}

// MessagePiece builds a Piece message carrying block as the data starting at
// byte offset begin within piece index.
func MessagePiece(index, begin uint32, block []byte) *Message {
	payload := append(beUint32s(index, begin), block...)
	return &Message{ID: Piece, Payload: payload}
}

// MessageCancel builds a Cancel withdrawing a previously-sent Request.
func MessageCancel(index, begin, length uint32) *Message {
	return &Message{ID: Cancel, Payload: beUint32s(index, begin, length)}
}

// beUint32s concatenates each value as 4 big-endian bytes.
func beUint32s(values ...uint32) []byte {
	out := make([]byte, 4*len(values))
	for i, v := range values {
		binary.BigEndian.PutUint32(out[i*4:], v)
	}
	return out
}

// ParseHave returns the piece index for a Have message.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest parses a Request (or Cancel) payload into index, begin, length.
func (m *Message) ParseRequest() (index, begin, length uint32, ok bool) {
	if m == nil || (m.ID != Request && m.ID != Cancel) || len(m.Payload) != 12 {
		return 0, 0, 0, false
	}
	fields := decodeUint32s(m.Payload, 3)
	return fields[0], fields[1], fields[2], true
}

// ParsePiece parses a Piece payload into index, begin, and the data block.
// The returned block aliases m.Payload.
func (m *Message) ParsePiece() (index, begin uint32, block []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 8 {
		return 0, 0, nil, false
	}
	fields := decodeUint32s(m.Payload[:8], 2)
	return fields[0], fields[1], m.Payload[8:], true
}

func decodeUint32s(b []byte, n int) []uint32 {
	out := make([]uint32, n)
	for i := range out {
		out[i] = binary.BigEndian.Uint32(b[i*4:])
	}
	return out
}

// MarshalBinary renders m (or a keep-alive, for nil) as a complete wire
// frame: the shared encoding every other serialization path builds on.
func (m *Message) MarshalBinary() ([]byte, error) {
	if m == nil {
		return []byte{0, 0, 0, 0}, nil
	}

	frame := make([]byte, 4, 5+len(m.Payload))
	binary.BigEndian.PutUint32(frame, uint32(1+len(m.Payload)))
	frame = append(frame, byte(m.ID))
	frame = append(frame, m.Payload...)

	return frame, nil
}

// UnmarshalBinary decodes a complete frame (keep-alive or otherwise) from b.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[:4])
	if length == 0 {
		*m = Message{}
		return nil
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)
	return nil
}

// WriteTo writes m's wire frame to w, via MarshalBinary.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	b, err := m.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads one complete frame from r into m, via UnmarshalBinary.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		*m = Message{}
		return 4, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return int64(4 + len(body)), err
	}

	frame := append(lp[:], body...)
	if err := m.UnmarshalBinary(frame); err != nil {
		return int64(len(frame)), err
	}
	return int64(len(frame)), nil
}

// ReadMessage reads one frame from r. It returns (nil, nil) for a keep-alive.
func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	n, err := m.ReadFrom(r)
	if err != nil {
		return nil, err
	}
	if n == 4 {
		// only the zero length prefix was read: a keep-alive frame
		return nil, nil
	}
	return &m, nil
}

// WriteMessage writes m to w. A nil m writes a keep-alive frame.
func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize checks that m's payload length matches the shape its
// message ID requires. A nil m (keep-alive) always validates.
func (m *Message) ValidatePayloadSize() error {
	if m == nil {
		return nil
	}

	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 8 {
			return ErrBadPayloadSize
		}
	case Bitfield:
		// any length is valid; bounds are checked by the session against
		// the torrent's known piece count.
	default:
		want, known := fixedPayloadLen[m.ID]
		if !known {
			return ErrUnknownID
		}
		if len(m.Payload) != want {
			return ErrBadPayloadSize
		}
	}
	return nil
}
