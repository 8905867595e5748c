package wire

import (
	"crypto/sha1"
	"encoding"
	"errors"
	"io"
)

const (
	btProtocol   = "BitTorrent protocol"
	reservedSize = 8
)

// Handshake is the initial BitTorrent wire handshake, always the first
// message exchanged on a new connection.
//
// Wire format (in bytes):
//
//	<pstrlen:1><pstr:pstrlen><reserved:8><info_hash:20><peer_id:20>
type Handshake struct {
	Pstr     string
	Reserved [reservedSize]byte
	InfoHash [sha1.Size]byte
	PeerID   [sha1.Size]byte
}

var (
	ErrProtocolMismatch = errors.New("handshake: protocol string mismatch")
	ErrBadPstrlen       = errors.New("handshake: invalid protocol string length")
	ErrShortHandshake   = errors.New("handshake: short read")
	ErrInfoHashMismatch = errors.New("handshake: info hash mismatch")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// fixedTailSize is the byte count following pstr: reserved + info_hash +
// peer_id.
const fixedTailSize = reservedSize + sha1.Size + sha1.Size

// NewHandshake returns a canonical BitTorrent handshake for infoHash/peerID
// using the standard protocol string and zeroed reserved bytes.
func NewHandshake(infoHash, peerID [sha1.Size]byte) *Handshake {
	return &Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// size reports the total encoded length of h, or an error if Pstr can't be
// length-prefixed in a single byte.
func (h *Handshake) size() (int, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return 0, ErrBadPstrlen
	}
	return 1 + len(h.Pstr) + fixedTailSize, nil
}

func (h *Handshake) MarshalBinary() ([]byte, error) {
	n, err := h.size()
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, n)
	buf = append(buf, byte(len(h.Pstr)))
	buf = append(buf, h.Pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)

	return buf, nil
}

func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < 1 {
		return ErrShortHandshake
	}

	pstrlen := int(b[0])
	if pstrlen == 0 || pstrlen > 255 {
		return ErrBadPstrlen
	}
	if len(b) < 1+pstrlen+fixedTailSize {
		return ErrShortHandshake
	}

	fields := b[1:]
	h.Pstr = string(fields[:pstrlen])
	fields = fields[pstrlen:]

	copy(h.Reserved[:], fields[:reservedSize])
	fields = fields[reservedSize:]

	copy(h.InfoHash[:], fields[:sha1.Size])
	fields = fields[sha1.Size:]

	copy(h.PeerID[:], fields[:sha1.Size])

	return nil
}

func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom reads a complete handshake from r. Per the engine's concurrency
// model, the handshake read carries no timeout of its own; callers that need
// one set it on the underlying connection before calling ReadFrom.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, ErrShortHandshake
		}
		return 0, err
	}

	pstrlen := int(lenByte[0])
	if pstrlen == 0 || pstrlen > 255 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+fixedTailSize)
	read, err := io.ReadFull(r, rest)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = ErrShortHandshake
		}
		return int64(1 + read), err
	}

	frame := append(lenByte[:], rest...)
	if err := h.UnmarshalBinary(frame); err != nil {
		return int64(len(frame)), err
	}
	return int64(len(frame)), nil
}

// ReadHandshake reads a full handshake from r and returns it.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes the local handshake h to rw, reads the remote handshake,
// and (optionally) verifies both sides share the same info hash.
func (h Handshake) Exchange(rw io.ReadWriter, verifyInfoHash bool) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	var remote Handshake
	if _, err := (&remote).ReadFrom(rw); err != nil {
		return Handshake{}, err
	}

	if remote.Pstr != btProtocol {
		return Handshake{}, ErrProtocolMismatch
	}
	if verifyInfoHash && remote.InfoHash != h.InfoHash {
		return Handshake{}, ErrInfoHashMismatch
	}
	return remote, nil
}

// Receive reads a remote handshake from rw without sending one first. It is
// used by an inbound session, which must decide whether the requested
// info-hash is served before replying with its own handshake.
func Receive(rw io.Reader) (Handshake, error) {
	return ReadHandshake(rw)
}

// Reply sends the local handshake h in response to an inbound Receive.
func Reply(rw io.Writer, h Handshake) error {
	return WriteHandshake(rw, h)
}
