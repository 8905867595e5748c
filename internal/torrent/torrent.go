// Package torrent holds per-torrent shared state: the piece and peer
// queues a download worker pool drains, the downloaded-pieces set, and the
// file layout used for assembly.
package torrent

import (
	"crypto/sha1"
	"net/netip"
	"path/filepath"
	"sync"

	"github.com/ironseed/ironseed/internal/bitfield"
	"github.com/ironseed/ironseed/internal/metainfo"
)

// FileEntry is one output file's absolute byte range within the torrent's
// concatenated piece stream.
type FileEntry struct {
	Path   string // relative to the torrent's root directory
	Offset int64  // absolute byte offset where this file begins
	Length int64
}

// Torrent is one swarm's immutable identity plus the mutable queues and
// downloaded set its worker pool drains and fills.
type Torrent struct {
	InfoHash    [sha1.Size]byte
	Name        string
	Announce    string
	PieceLength int32
	PieceHashes [][sha1.Size]byte
	Files       []FileEntry
	TotalSize   int64
	Root        string // <download_root>/<name>

	mu         sync.Mutex
	pieceQueue []int
	peerQueue  []netip.AddrPort

	downloadedMu sync.Mutex
	downloaded   map[int]struct{}
	bitfield     bitfield.Bitfield
}

// New builds a Torrent from decoded metainfo, rooted under downloadRoot.
func New(m *metainfo.Metainfo, downloadRoot string) *Torrent {
	files := layoutFiles(m)

	pieceQueue := make([]int, len(m.Info.Pieces))
	for i := range pieceQueue {
		pieceQueue[i] = i
	}

	return &Torrent{
		InfoHash:    m.InfoHash,
		Name:        m.Info.Name,
		Announce:    m.Announce,
		PieceLength: m.Info.PieceLength,
		PieceHashes: m.Info.Pieces,
		Files:       files,
		TotalSize:   m.Size(),
		Root:        filepath.Join(downloadRoot, m.Info.Name),
		pieceQueue:  pieceQueue,
		downloaded:  make(map[int]struct{}),
		bitfield:    bitfield.New(len(m.Info.Pieces)),
	}
}

func layoutFiles(m *metainfo.Metainfo) []FileEntry {
	if len(m.Info.Files) == 0 {
		return []FileEntry{{Path: m.Info.Name, Offset: 0, Length: m.Info.Length}}
	}

	files := make([]FileEntry, len(m.Info.Files))
	var offset int64
	for i, f := range m.Info.Files {
		files[i] = FileEntry{
			Path:   filepath.Join(f.Path...),
			Offset: offset,
			Length: f.Length,
		}
		offset += f.Length
	}
	return files
}

// TotalPieces returns the declared piece count.
func (t *Torrent) TotalPieces() int { return len(t.PieceHashes) }

// PieceLen returns the byte length of piece index, accounting for the
// final, possibly shorter, piece.
func (t *Torrent) PieceLen(index int) int {
	if index == t.TotalPieces()-1 {
		if rem := t.TotalSize % int64(t.PieceLength); rem != 0 {
			return int(rem)
		}
	}
	return int(t.PieceLength)
}

// EnqueuePeers appends newly-discovered peers to the peer queue.
func (t *Torrent) EnqueuePeers(addrs []netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerQueue = append(t.peerQueue, addrs...)
}

// ClaimPeer pops the head of the peer queue, or ok=false if empty.
func (t *Torrent) ClaimPeer() (addr netip.AddrPort, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.peerQueue) == 0 {
		return netip.AddrPort{}, false
	}
	addr = t.peerQueue[0]
	t.peerQueue = t.peerQueue[1:]
	return addr, true
}

// ReturnPeer pushes addr back onto the tail of the peer queue, after a peer
// error or when a worker gives up its held peer at the end of a slice.
func (t *Torrent) ReturnPeer(addr netip.AddrPort) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.peerQueue = append(t.peerQueue, addr)
}

// ClaimPiece pops the head of the piece queue, or ok=false if empty.
func (t *Torrent) ClaimPiece() (index int, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.pieceQueue) == 0 {
		return 0, false
	}
	index = t.pieceQueue[0]
	t.pieceQueue = t.pieceQueue[1:]
	return index, true
}

// ReturnPiece pushes index back onto the tail of the piece queue.
func (t *Torrent) ReturnPiece(index int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pieceQueue = append(t.pieceQueue, index)
}

// QueuesEmpty reports whether both the piece and peer queues are drained.
func (t *Torrent) QueuesEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pieceQueue) == 0 && len(t.peerQueue) == 0
}

// PeerQueueEmpty reports whether the peer queue currently holds no
// addresses, used to decide whether a fresh tracker announce is due.
func (t *Torrent) PeerQueueEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.peerQueue) == 0
}

// MarkDownloaded records index as complete and returns true the first time
// it is marked, false on a duplicate call, so the download scheduler emits
// exactly one NewPiece notification per piece.
func (t *Torrent) MarkDownloaded(index int) bool {
	t.downloadedMu.Lock()
	defer t.downloadedMu.Unlock()

	if _, seen := t.downloaded[index]; seen {
		return false
	}
	t.downloaded[index] = struct{}{}
	t.bitfield.AddPiece(index)
	return true
}

// IsComplete reports whether every piece has been downloaded.
func (t *Torrent) IsComplete() bool {
	t.downloadedMu.Lock()
	defer t.downloadedMu.Unlock()
	return len(t.downloaded) == t.TotalPieces()
}

// Bitfield returns a clone of the current downloaded-pieces bitfield, safe
// for the caller to retain without further synchronization.
func (t *Torrent) Bitfield() bitfield.Bitfield {
	t.downloadedMu.Lock()
	defer t.downloadedMu.Unlock()
	return t.bitfield.Clone()
}
