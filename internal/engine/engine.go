// Package engine wires the download pool, upload server, notification bus,
// and configuration together into the single running peer-engine instance
// a CLI front-end drives.
package engine

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"

	"github.com/ironseed/ironseed/internal/config"
	"github.com/ironseed/ironseed/internal/download"
	"github.com/ironseed/ironseed/internal/metainfo"
	"github.com/ironseed/ironseed/internal/notify"
	"github.com/ironseed/ironseed/internal/torrent"
	"github.com/ironseed/ironseed/internal/upload"
	"golang.org/x/sync/errgroup"
)

// notificationBufferSize bounds how many pending events the bus holds
// before a producer blocks; generous enough to absorb a burst of piece
// completions across every active torrent between consumer wakeups.
const notificationBufferSize = 256

// Engine owns one running instance of the peer engine: its download pool,
// upload server, and the torrents submitted to both.
type Engine struct {
	cfg    config.Config
	peerID [sha1.Size]byte
	log    *slog.Logger

	bus          *notify.Bus
	downloadPool *download.Pool
	uploadServer *upload.Server
}

// New constructs an Engine from cfg, generating this instance's peer id.
func New(cfg config.Config, log *slog.Logger) (*Engine, error) {
	peerID, err := config.NewPeerID(cfg)
	if err != nil {
		return nil, fmt.Errorf("engine: peer id: %w", err)
	}

	bus := notify.New(notificationBufferSize)

	return &Engine{
		cfg:          cfg,
		peerID:       peerID,
		log:          log,
		bus:          bus,
		downloadPool: download.NewPool(cfg, peerID, bus, log),
		uploadServer: upload.NewServer(cfg, peerID, bus, log),
	}, nil
}

// PeerID returns this instance's 20-byte peer identity.
func (e *Engine) PeerID() [sha1.Size]byte { return e.peerID }

// AddTorrent constructs a Torrent from decoded metainfo, registers it with
// the upload server (so it becomes servable as pieces complete), and
// submits it to the download pool's torrent queue.
func (e *Engine) AddTorrent(m *metainfo.Metainfo) *torrent.Torrent {
	t := torrent.New(m, e.cfg.DownloadPath)

	e.uploadServer.RegisterTorrent(t.InfoHash, t.Root, t.PieceLength, t.TotalPieces())
	e.downloadPool.Submit(t)

	e.log.Info("torrent added", "name", t.Name, "pieces", t.TotalPieces())
	return t
}

// Run starts the download pool and upload server and blocks until ctx is
// cancelled or either exits with a fatal error.
func (e *Engine) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return e.downloadPool.Run(gctx) })
	g.Go(func() error { return e.uploadServer.Run(gctx) })

	return g.Wait()
}
