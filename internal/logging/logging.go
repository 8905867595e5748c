package logging

import (
	"io"
	"log/slog"
	"os"
)

// New opens (creating/appending) the file at logPath and returns a
// slog.Logger writing to it through PrettyHandler, plus the underlying file
// so the caller can close it on shutdown.
func New(logPath string, level slog.Level) (*slog.Logger, io.Closer, error) {
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, err
	}

	opts := DefaultOptions()
	opts.UseColor = false
	opts.SlogOpts.Level = level

	handler := NewPrettyHandler(f, &opts)
	return slog.New(handler), f, nil
}
