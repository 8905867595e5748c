// Package upload implements the seeder worker pool: an acceptor goroutine
// that does no protocol work, a single notification-consumer goroutine that
// owns the served-torrents map and active session table, and one goroutine
// per accepted connection running the per-session read-timeout loop.
package upload

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ironseed/ironseed/internal/bitfield"
	"github.com/ironseed/ironseed/internal/config"
	"github.com/ironseed/ironseed/internal/notify"
	"github.com/ironseed/ironseed/internal/peer"
	"golang.org/x/sync/errgroup"
)

// servedTorrent is the per-served-torrent record the notification consumer
// maintains: spec.md's UploadInfo.
type servedTorrent struct {
	root     string
	pieceLen int32
	bitfield bitfield.Bitfield
}

// Server accepts inbound peer connections and serves blocks for whichever
// torrents have been registered with it.
type Server struct {
	peerID     [sha1.Size]byte
	listenAddr string
	bus        *notify.Bus
	log        *slog.Logger

	mu     sync.RWMutex
	served map[[sha1.Size]byte]*servedTorrent

	sessionsMu sync.Mutex
	sessions   map[uint64]chan struct{}
	nextID     uint64
}

// NewServer builds a Server listening on cfg.TCPPort.
func NewServer(cfg config.Config, peerID [sha1.Size]byte, bus *notify.Bus, log *slog.Logger) *Server {
	return &Server{
		peerID:     peerID,
		listenAddr: net.JoinHostPort("", strconv.Itoa(int(cfg.TCPPort))),
		bus:        bus,
		log:        log.With("component", "upload"),
		served:     make(map[[sha1.Size]byte]*servedTorrent),
		sessions:   make(map[uint64]chan struct{}),
	}
}

// RegisterTorrent makes infoHash servable: called by the engine glue code
// when a torrent is added, before any of its pieces may have completed, so
// the notification consumer always has a root path and piece length to
// serve from by the time the first NewPiece event for it arrives.
func (s *Server) RegisterTorrent(infoHash [sha1.Size]byte, root string, pieceLen int32, pieceCount int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.served[infoHash]; ok {
		return
	}
	s.served[infoHash] = &servedTorrent{
		root:     root,
		pieceLen: pieceLen,
		bitfield: bitfield.New(pieceCount),
	}
}

// Run starts the acceptor and notification consumer and blocks until ctx is
// cancelled or either exits with an error.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.acceptLoop(gctx) })
	g.Go(func() error { return s.consumeLoop(gctx) })

	return g.Wait()
}

// acceptLoop runs no protocol work: it only forwards accepted connections
// to the notification bus as NewPeer events.
func (s *Server) acceptLoop(ctx context.Context) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", s.listenAddr)
	if err != nil {
		return fmt.Errorf("upload: listen %s: %w", s.listenAddr, err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Error("accept failed", "error", err)
				continue
			}
		}
		s.bus.Send(notify.NewPeerEvent(conn))
	}
}

// consumeLoop is the single notification-consumer thread: it owns the
// served-torrents map and the active-sessions table and is the only
// goroutine that performs inbound handshakes.
func (s *Server) consumeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.endAllSessions()
			return nil

		case ev := <-s.bus.Events():
			switch ev.Kind {
			case notify.NewPiece:
				s.handleNewPiece(ev)
			case notify.NewPeer:
				s.handleNewPeer(ev)
			case notify.EndPeer:
				s.handleEndPeer(ev)
			case notify.EndServer:
				s.endAllSessions()
				return nil
			}
		}
	}
}

func (s *Server) handleNewPiece(ev notify.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.served[ev.InfoHash]
	if !ok {
		entry = &servedTorrent{pieceLen: ev.PieceLen, bitfield: bitfield.New(ev.PieceCount)}
		s.served[ev.InfoHash] = entry
	}
	entry.bitfield.AddPiece(ev.PieceIndex)
}

func (s *Server) handleNewPeer(ev notify.Event) {
	remote, infoHash, err := peer.AcceptInbound(ev.Conn, s.isServed, s.peerID)
	if err != nil {
		s.log.Warn("inbound handshake failed", "remote", ev.Conn.RemoteAddr(), "error", err)
		ev.Conn.Close()
		return
	}

	id := atomic.AddUint64(&s.nextID, 1)
	done := make(chan struct{})

	s.sessionsMu.Lock()
	s.sessions[id] = done
	s.sessionsMu.Unlock()

	go s.runSession(id, remote, infoHash, done)
}

func (s *Server) handleEndPeer(ev notify.Event) {
	s.sessionsMu.Lock()
	delete(s.sessions, ev.SessionID)
	s.sessionsMu.Unlock()
}

func (s *Server) runSession(id uint64, conn *peer.Connection, infoHash [sha1.Size]byte, done chan struct{}) {
	defer func() {
		conn.Close()
		s.bus.Send(notify.EndPeerEvent(id))
	}()

	session := peer.NewUploadSession(id, conn.Conn(), s.log)

	getInfo := func() peer.UploadInfo {
		s.mu.RLock()
		defer s.mu.RUnlock()

		entry := s.served[infoHash]
		if entry == nil {
			return peer.UploadInfo{}
		}
		return peer.UploadInfo{
			Bitfield: entry.bitfield.Clone(),
			PieceLen: entry.pieceLen,
			// PieceRoot mirrors the torrent's on-disk root; blobs live
			// under <root>/.tmp/<index> as torrent.WriteBlob writes them.
		}
	}
	// Resolve PieceRoot once up front: it does not change for the life of
	// a served torrent.
	s.mu.RLock()
	root := ""
	if entry := s.served[infoHash]; entry != nil {
		root = entry.root
	}
	s.mu.RUnlock()

	getInfoWithRoot := func() peer.UploadInfo {
		info := getInfo()
		info.PieceRoot = root
		return info
	}

	if err := session.Run(done, getInfoWithRoot); err != nil {
		s.log.Warn("upload session ended", "session", id, "error", err)
	}
}

func (s *Server) isServed(infoHash [sha1.Size]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.served[infoHash]
	return ok
}

// IsServed reports whether infoHash has been registered with this server,
// chiefly for callers wiring up a torrent and tests asserting on it.
func (s *Server) IsServed(infoHash [sha1.Size]byte) bool {
	return s.isServed(infoHash)
}

func (s *Server) endAllSessions() {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	for id, done := range s.sessions {
		close(done)
		delete(s.sessions, id)
	}
}
