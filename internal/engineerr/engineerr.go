// Package engineerr defines the error taxonomy schedulers and sessions use
// to decide what to retire (peer, piece, torrent, or worker) when something
// goes wrong.
package engineerr

import "fmt"

// PeerErr means the connection is unusable: I/O failure, bad framing, an
// unknown message id, or handshake mismatch. The caller should retire the
// peer and retain whatever piece was in progress.
type PeerErr struct {
	Peer string
	Err  error
}

func (e *PeerErr) Error() string {
	return fmt.Sprintf("peer error (%s): %v", e.Peer, e.Err)
}

func (e *PeerErr) Unwrap() error { return e.Err }

// NewPeerErr wraps err as a PeerErr attributed to peer.
func NewPeerErr(peer string, err error) *PeerErr {
	return &PeerErr{Peer: peer, Err: err}
}

// PieceErr means the connection is fine but this piece cannot be progressed
// via this peer: the peer doesn't serve it, the completed piece failed its
// hash check, or the peer cancelled. The caller should re-queue the piece
// and retain the peer.
type PieceErr struct {
	PieceIndex int
	Err        error
}

func (e *PieceErr) Error() string {
	return fmt.Sprintf("piece error (index %d): %v", e.PieceIndex, e.Err)
}

func (e *PieceErr) Unwrap() error { return e.Err }

// NewPieceErr wraps err as a PieceErr attributed to pieceIndex.
func NewPieceErr(pieceIndex int, err error) *PieceErr {
	return &PieceErr{PieceIndex: pieceIndex, Err: err}
}

// TrackerErr means an announce round trip failed or returned non-200. The
// caller re-queues the owning torrent after a delay.
type TrackerErr struct {
	URL string
	Err error
}

func (e *TrackerErr) Error() string {
	return fmt.Sprintf("tracker error (%s): %v", e.URL, e.Err)
}

func (e *TrackerErr) Unwrap() error { return e.Err }

// NewTrackerErr wraps err as a TrackerErr attributed to the announce url.
func NewTrackerErr(url string, err error) *TrackerErr {
	return &TrackerErr{URL: url, Err: err}
}

// FatalErr is an unrecoverable invariant violation: the owning worker exits
// and an EndServer notification unwinds the engine.
type FatalErr struct {
	Reason string
	Err    error
}

func (e *FatalErr) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fatal: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("fatal: %s", e.Reason)
}

func (e *FatalErr) Unwrap() error { return e.Err }

// NewFatalErr wraps err (which may be nil) as a FatalErr with reason.
func NewFatalErr(reason string, err error) *FatalErr {
	return &FatalErr{Reason: reason, Err: err}
}
