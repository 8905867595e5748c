package download

import (
	"crypto/sha1"
	"log/slog"
	"sync"
	"testing"

	"github.com/ironseed/ironseed/internal/config"
	"github.com/ironseed/ironseed/internal/metainfo"
	"github.com/ironseed/ironseed/internal/notify"
	"github.com/ironseed/ironseed/internal/torrent"
)

func newTestPool(t *testing.T) *Pool {
	t.Helper()
	cfg := config.Default()
	return NewPool(cfg, [sha1.Size]byte{1, 2, 3}, notify.New(8), slog.Default())
}

func TestPool_NewPool_SizedFromConfig(t *testing.T) {
	cfg := config.Default()
	p := NewPool(cfg, [sha1.Size]byte{}, notify.New(1), slog.Default())

	if p.workers != cfg.MaxDownloadConnections {
		t.Fatalf("workers = %d, want %d", p.workers, cfg.MaxDownloadConnections)
	}
	if p.timeSlice != cfg.TorrentTimeSlice {
		t.Fatalf("timeSlice = %d, want %d", p.timeSlice, cfg.TorrentTimeSlice)
	}
}

func TestPool_ClaimAssembler_ExactlyOneWins(t *testing.T) {
	p := newTestPool(t)
	hash := [sha1.Size]byte{9, 9, 9}

	const workers = 16
	var wg sync.WaitGroup
	results := make([]bool, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = p.claimAssembler(hash)
		}(i)
	}
	wg.Wait()

	wins := 0
	for _, r := range results {
		if r {
			wins++
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one claimAssembler win, got %d", wins)
	}

	if !p.isComplete(hash) {
		t.Fatalf("expected hash recorded complete after claim")
	}
	if p.claimAssembler(hash) {
		t.Fatalf("expected second claimAssembler call to fail")
	}
}

func TestPool_IsComplete_FalseForUnseenHash(t *testing.T) {
	p := newTestPool(t)
	if p.isComplete([sha1.Size]byte{1}) {
		t.Fatalf("expected unseen hash to be incomplete")
	}
}

func TestPool_Submit_EnqueuesOnChannel(t *testing.T) {
	p := newTestPool(t)

	m := &metainfo.Metainfo{
		Announce: "http://tracker.example/announce",
		Info: &metainfo.Info{
			Name:        "file.bin",
			PieceLength: 16,
			Length:      16,
			Pieces:      [][sha1.Size]byte{{1}},
		},
	}
	tr := torrent.New(m, t.TempDir())

	select {
	case <-p.torrentQueue:
		t.Fatalf("expected empty queue before submit")
	default:
	}

	p.Submit(tr)

	select {
	case got := <-p.torrentQueue:
		if got != tr {
			t.Fatalf("dequeued torrent does not match submitted one")
		}
	default:
		t.Fatalf("expected submitted torrent on queue")
	}
}
