package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_WritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true

	logger := slog.New(NewPrettyHandler(&buf, &opts))
	logger.Info("peer connected", "addr", "127.0.0.1:6881")

	out := buf.String()
	if !strings.Contains(out, "peer connected") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, "127.0.0.1:6881") {
		t.Fatalf("output missing attr value: %q", out)
	}
	if !strings.Contains(out, "INFO") {
		t.Fatalf("output missing level: %q", out)
	}
}

func TestPrettyHandler_WithAttrsPersistsAcrossCalls(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.DisableTimestamp = true

	base := slog.New(NewPrettyHandler(&buf, &opts))
	scoped := base.With("torrent", "abc123")
	scoped.Warn("stalled")

	if out := buf.String(); !strings.Contains(out, "abc123") {
		t.Fatalf("output missing inherited attr: %q", out)
	}
}

func TestPrettyHandler_RespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.SlogOpts.Level = slog.LevelWarn

	logger := slog.New(NewPrettyHandler(&buf, &opts))
	logger.Debug("should not appear")
	logger.Info("also filtered")

	if buf.Len() != 0 {
		t.Fatalf("expected no output below Warn level, got %q", buf.String())
	}
}
