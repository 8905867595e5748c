// Command ironseed runs the peer engine against a single .torrent file:
// load metainfo, start the download and upload pools, and print progress
// until every piece is downloaded and assembled.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin"
	"github.com/schollz/progressbar/v3"

	"github.com/ironseed/ironseed/internal/config"
	"github.com/ironseed/ironseed/internal/engine"
	"github.com/ironseed/ironseed/internal/logging"
	"github.com/ironseed/ironseed/internal/metainfo"
)

var (
	app        = kingpin.New("ironseed", "A BitTorrent peer engine")
	configPath = app.Flag("config", "Path to a key=value configuration file").Short('c').Default("ironseed.conf").String()
	torrentArg = app.Arg("torrent", ".torrent file to download/seed").Required().String()
)

func main() {
	kingpin.MustParse(app.Parse(os.Args[1:]))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("ironseed: loading config: %v", err)
	}

	logger, closer, err := logging.New(cfg.LogPath, slog.LevelInfo)
	if err != nil {
		log.Fatalf("ironseed: opening log: %v", err)
	}
	defer closer.Close()

	data, err := os.ReadFile(*torrentArg)
	if err != nil {
		logger.Error("reading torrent file", "path", *torrentArg, "error", err)
		os.Exit(1)
	}

	m, err := metainfo.Parse(data)
	if err != nil {
		logger.Error("parsing torrent file", "path", *torrentArg, "error", err)
		os.Exit(1)
	}

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("constructing engine", "error", err)
		os.Exit(1)
	}

	tr := eng.AddTorrent(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- eng.Run(ctx) }()

	bar := progressbar.NewOptions(tr.TotalPieces(),
		progressbar.OptionSetDescription(fmt.Sprintf("downloading %s", tr.Name)),
		progressbar.OptionShowCount(),
	)

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			bf := tr.Bitfield()
			done := 0
			for i := 0; i < tr.TotalPieces(); i++ {
				if bf.Has(i) {
					done++
				}
			}
			bar.Set(done)
			if tr.IsComplete() {
				bar.Finish()
				fmt.Println()
				logger.Info("download complete", "torrent", tr.Name)
				stop()
				<-errCh
				return
			}

		case err := <-errCh:
			if err != nil {
				logger.Error("engine stopped", "error", err)
				os.Exit(1)
			}
			return

		case <-ctx.Done():
			<-errCh
			return
		}
	}
}
