// Package download implements the leecher worker pool: a fixed set of
// goroutines draining a shared torrent queue, each spending up to
// torrent_time_slice successfully-downloaded pieces on one torrent before
// returning it to the queue so no single torrent starves the rest.
package download

import (
	"context"
	"crypto/sha1"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/ironseed/ironseed/internal/config"
	"github.com/ironseed/ironseed/internal/engineerr"
	"github.com/ironseed/ironseed/internal/notify"
	"github.com/ironseed/ironseed/internal/peer"
	"github.com/ironseed/ironseed/internal/piece"
	"github.com/ironseed/ironseed/internal/torrent"
	"github.com/ironseed/ironseed/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// trackerRetryDelay is how long a worker waits before re-enqueuing a
// torrent whose announce just failed.
const trackerRetryDelay = 15 * time.Second

// dialTimeout bounds how long a worker waits for a TCP handshake with a
// newly-claimed peer.
const dialTimeout = 10 * time.Second

// Pool is the fixed-size leecher worker pool: workers goroutines, each
// draining torrentQueue and time-slicing attention across torrents.
type Pool struct {
	workers   int
	timeSlice int
	blockTO   time.Duration
	peerID    [sha1.Size]byte
	port      uint16

	bus *notify.Bus
	log *slog.Logger

	torrentQueue chan *torrent.Torrent

	completeMu sync.Mutex
	complete   map[[sha1.Size]byte]struct{}
}

// NewPool builds a download pool sized per cfg.MaxDownloadConnections.
func NewPool(cfg config.Config, peerID [sha1.Size]byte, bus *notify.Bus, log *slog.Logger) *Pool {
	return &Pool{
		workers:      cfg.MaxDownloadConnections,
		timeSlice:    cfg.TorrentTimeSlice,
		blockTO:      cfg.BlockRequestTimeout,
		peerID:       peerID,
		port:         cfg.TCPPort,
		bus:          bus,
		log:          log.With("component", "download"),
		torrentQueue: make(chan *torrent.Torrent, 64),
		complete:     make(map[[sha1.Size]byte]struct{}),
	}
}

// Submit places t on the torrent queue.
func (p *Pool) Submit(t *torrent.Torrent) {
	p.torrentQueue <- t
}

// Queue exposes the torrent queue for inspection, chiefly by tests.
func (p *Pool) Queue() <-chan *torrent.Torrent {
	return p.torrentQueue
}

// Run starts the worker pool and blocks until ctx is cancelled or a worker
// hits a FatalErr.
func (p *Pool) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	for i := 0; i < p.workers; i++ {
		g.Go(func() error { return p.workerLoop(gctx) })
	}

	return g.Wait()
}

func (p *Pool) workerLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case t, ok := <-p.torrentQueue:
			if !ok {
				return nil
			}

			err := p.serviceSlice(ctx, t)
			if err == nil {
				continue
			}

			var fatalErr *engineerr.FatalErr
			var trackerErr *engineerr.TrackerErr
			switch {
			case errors.As(err, &fatalErr):
				p.log.Error("fatal error, worker exiting", "torrent", t.Name, "error", err)
				p.bus.Send(notify.EndServerEvent())
				return err
			case errors.As(err, &trackerErr):
				p.log.Warn("tracker announce failed, retrying later", "torrent", t.Name, "error", err)
				go p.requeueAfterDelay(ctx, t, trackerRetryDelay)
			default:
				p.log.Error("unexpected download error", "torrent", t.Name, "error", err)
			}
		}
	}
}

func (p *Pool) requeueAfterDelay(ctx context.Context, t *torrent.Torrent, d time.Duration) {
	select {
	case <-time.After(d):
		p.Submit(t)
	case <-ctx.Done():
	}
}

// serviceSlice implements spec §4.5's per-worker operations 1–6 for one
// dequeued torrent. Returning a non-nil error other than TrackerErr/FatalErr
// is a programming error; all peer/piece-level failures are handled here.
func (p *Pool) serviceSlice(ctx context.Context, t *torrent.Torrent) error {
	if p.isComplete(t.InfoHash) {
		return nil
	}

	if t.PeerQueueEmpty() {
		if err := p.announce(ctx, t); err != nil {
			return engineerr.NewTrackerErr(t.Announce, err)
		}
	}

	p.Submit(t) // re-enqueue immediately so other workers can join this torrent

	var (
		heldPiece *int
		heldAddr  *netip.AddrPort
		heldConn  *peer.Connection
	)
	defer func() {
		if heldConn != nil {
			heldConn.Close()
		}
		if heldPiece != nil {
			t.ReturnPiece(*heldPiece)
		}
		if heldAddr != nil {
			t.ReturnPeer(*heldAddr)
		}
	}()

	for slice := 0; slice < p.timeSlice; {
		if t.IsComplete() {
			return p.assembleIfFirst(t)
		}

		if heldPiece == nil {
			idx, ok := t.ClaimPiece()
			if !ok {
				return nil
			}
			heldPiece = &idx
		}
		if heldAddr == nil {
			addr, ok := t.ClaimPeer()
			if !ok {
				return nil
			}
			heldAddr = &addr
		}

		if heldConn == nil {
			conn, err := peer.Dial(*heldAddr, t.InfoHash, p.peerID, t.TotalPieces(), dialTimeout)
			if err != nil {
				t.ReturnPeer(*heldAddr)
				heldAddr = nil
				continue
			}
			heldConn = conn
		}

		length := t.PieceLen(*heldPiece)
		asm := piece.NewAssembler(*heldPiece, length, t.PieceHashes[*heldPiece])

		if err := heldConn.Download(asm, p.blockTO); err != nil {
			var pieceErr *engineerr.PieceErr
			var peerErr *engineerr.PeerErr
			switch {
			case errors.As(err, &pieceErr):
				t.ReturnPiece(*heldPiece)
				heldPiece = nil
			case errors.As(err, &peerErr):
				heldConn.Close()
				heldConn = nil
				t.ReturnPeer(*heldAddr)
				heldAddr = nil
			default:
				return engineerr.NewFatalErr("download session", err)
			}
			continue
		}

		if err := t.WriteBlob(*heldPiece, asm.Bytes()); err != nil {
			return engineerr.NewFatalErr("write piece blob", err)
		}
		if t.MarkDownloaded(*heldPiece) {
			p.bus.Send(notify.NewPieceEvent(t.InfoHash, *heldPiece, t.TotalSize, t.PieceLength, t.TotalPieces()))
		}
		heldPiece = nil
		slice++
	}

	return nil
}

func (p *Pool) announce(ctx context.Context, t *torrent.Torrent) error {
	client, err := tracker.New(t.Announce)
	if err != nil {
		return err
	}

	resp, err := client.Announce(ctx, tracker.AnnounceParams{
		InfoHash: t.InfoHash,
		PeerID:   p.peerID,
		Port:     p.port,
		Left:     uint64(t.TotalSize),
		Event:    tracker.EventStarted,
		Compact:  true,
	})
	if err != nil {
		return err
	}

	t.EnqueuePeers(resp.Peers)
	return nil
}

// assembleIfFirst runs file assembly the first time this torrent is seen
// complete, via a CAS-style insertion into the pool's downloaded-torrents
// set (§4.5 duplicate protection).
func (p *Pool) assembleIfFirst(t *torrent.Torrent) error {
	if !p.claimAssembler(t.InfoHash) {
		return nil
	}

	if err := t.Assemble(); err != nil {
		return engineerr.NewFatalErr("assemble "+t.Name, err)
	}

	p.log.Info("torrent complete", "torrent", t.Name)
	return nil
}

func (p *Pool) isComplete(hash [sha1.Size]byte) bool {
	p.completeMu.Lock()
	defer p.completeMu.Unlock()
	_, ok := p.complete[hash]
	return ok
}

func (p *Pool) claimAssembler(hash [sha1.Size]byte) bool {
	p.completeMu.Lock()
	defer p.completeMu.Unlock()
	if _, ok := p.complete[hash]; ok {
		return false
	}
	p.complete[hash] = struct{}{}
	return true
}
