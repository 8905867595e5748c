// Package notify implements the single-consumer event bus that bridges the
// download and upload sides of the engine: download workers announce new
// pieces, the acceptor announces new connections, and upload sessions
// announce their own end here; the upload scheduler's consumer reacts.
package notify

import "net"

// Kind discriminates the four notification variants.
type Kind int

const (
	// NewPiece announces that PieceIndex has been downloaded and verified
	// for the torrent identified by InfoHash.
	NewPiece Kind = iota
	// NewPeer announces an inbound connection accepted by the listener.
	NewPeer
	// EndPeer announces that the upload session for SessionID has ended.
	EndPeer
	// EndServer requests the notification consumer drain and exit.
	EndServer
)

func (k Kind) String() string {
	switch k {
	case NewPiece:
		return "new_piece"
	case NewPeer:
		return "new_peer"
	case EndPeer:
		return "end_peer"
	case EndServer:
		return "end_server"
	default:
		return "unknown"
	}
}

// Event is the single message type carried on the bus; only the fields
// relevant to Kind are populated.
type Event struct {
	Kind Kind

	// NewPiece
	InfoHash   [20]byte
	PieceIndex int
	TotalSize  int64
	PieceLen   int32
	PieceCount int

	// NewPeer
	Conn net.Conn

	// EndPeer
	SessionID uint64
}

// NewPieceEvent builds a NewPiece notification. totalSize/pieceLen/
// pieceCount let the consumer lazily allocate a correctly-sized bitfield the
// first time a torrent's info-hash is seen.
func NewPieceEvent(infoHash [20]byte, pieceIndex int, totalSize int64, pieceLen int32, pieceCount int) Event {
	return Event{
		Kind:       NewPiece,
		InfoHash:   infoHash,
		PieceIndex: pieceIndex,
		TotalSize:  totalSize,
		PieceLen:   pieceLen,
		PieceCount: pieceCount,
	}
}

// NewPeerEvent builds a NewPeer notification for an inbound connection.
func NewPeerEvent(conn net.Conn) Event {
	return Event{Kind: NewPeer, Conn: conn}
}

// EndPeerEvent builds an EndPeer notification for sessionID.
func EndPeerEvent(sessionID uint64) Event {
	return Event{Kind: EndPeer, SessionID: sessionID}
}

// EndServerEvent is the poison value that stops the notification consumer.
func EndServerEvent() Event {
	return Event{Kind: EndServer}
}

// Bus is a single-consumer, multi-producer notification channel.
type Bus struct {
	events chan Event
}

// New returns a Bus with the given buffer capacity.
func New(buffer int) *Bus {
	return &Bus{events: make(chan Event, buffer)}
}

// Send publishes ev. It blocks if the bus is full; producers are expected to
// run on goroutines that can tolerate backpressure from the single
// consumer.
func (b *Bus) Send(ev Event) {
	b.events <- ev
}

// Events returns the receive-only channel the consumer ranges over.
func (b *Bus) Events() <-chan Event {
	return b.events
}

// Close closes the underlying channel. Callers must ensure no further Send
// calls occur afterward.
func (b *Bus) Close() {
	close(b.events)
}
