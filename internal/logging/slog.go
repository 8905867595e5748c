// Package logging provides a colorized, human-readable slog.Handler used
// across the engine in place of slog's built-in text/JSON handlers.
package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/fatih/color"
)

var lineBufPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

// PrettyHandlerOptions configures PrettyHandler's rendering.
type PrettyHandlerOptions struct {
	SlogOpts          slog.HandlerOptions
	UseColor          bool
	ShowSource        bool
	FullSource        bool
	CompactJSON       bool
	TimeFormat        string
	LevelWidth        int
	DisableTimestamp  bool
	FieldSeparator    string
	MaxFieldLength    int
	DisableHTMLEscape bool
}

// DefaultOptions returns PrettyHandlerOptions as used by an interactive
// terminal session.
func DefaultOptions() PrettyHandlerOptions {
	return PrettyHandlerOptions{
		SlogOpts:          slog.HandlerOptions{Level: slog.LevelInfo},
		UseColor:          true,
		ShowSource:        true,
		TimeFormat:        time.RFC3339,
		LevelWidth:        7,
		FieldSeparator:    " | ",
		DisableHTMLEscape: true,
	}
}

// palette holds the color functions PrettyHandler renders each field with.
// plainPalette is used when UseColor is false: every function just
// stringifies its arguments.
type palette struct {
	timeFn    func(...any) string
	messageFn func(...any) string
	sourceFn  func(...any) string
	fieldsFn  func(...any) string
	levelFn   map[slog.Level]func(...any) string
	fallback  func(...any) string // used for a level outside levelFn
}

func plainPalette() palette {
	plain := func(a ...any) string { return fmt.Sprint(a...) }
	return palette{
		timeFn: plain, messageFn: plain, sourceFn: plain, fieldsFn: plain,
		fallback: plain,
		levelFn: map[slog.Level]func(...any) string{
			slog.LevelDebug: plain, slog.LevelInfo: plain,
			slog.LevelWarn: plain, slog.LevelError: plain,
		},
	}
}

func colorPalette() palette {
	return palette{
		timeFn:    color.New(color.FgHiBlack).SprintFunc(),
		messageFn: color.New(color.FgCyan).SprintFunc(),
		sourceFn:  color.New(color.FgHiBlack).SprintFunc(),
		fieldsFn:  color.New(color.FgWhite).SprintFunc(),
		fallback:  color.New(color.FgRed, color.Bold).SprintFunc(),
		levelFn: map[slog.Level]func(...any) string{
			slog.LevelDebug: color.New(color.FgMagenta).SprintFunc(),
			slog.LevelInfo:  color.New(color.FgBlue).SprintFunc(),
			slog.LevelWarn:  color.New(color.FgYellow).SprintFunc(),
			slog.LevelError: color.New(color.FgRed).SprintFunc(),
		},
	}
}

func (p palette) forLevel(level slog.Level) func(...any) string {
	if fn, ok := p.levelFn[level]; ok {
		return fn
	}
	return p.fallback
}

// PrettyHandler implements slog.Handler, rendering each record as
// timestamp | level | source | message | json-attrs, colorized when UseColor
// is set. The attrs JSON is indented over several lines unless CompactJSON
// is set.
type PrettyHandler struct {
	opts    PrettyHandlerOptions
	writer  io.Writer
	mu      *sync.Mutex
	groupPx string // dotted group prefix applied to attrs added via WithGroup
	attrs   []slog.Attr
	colors  palette
}

func NewPrettyHandler(w io.Writer, opts *PrettyHandlerOptions) *PrettyHandler {
	if opts == nil {
		defaults := DefaultOptions()
		opts = &defaults
	}
	if opts.TimeFormat == "" {
		opts.TimeFormat = time.RFC3339
	}
	if opts.LevelWidth < 5 {
		opts.LevelWidth = 7
	}
	if opts.FieldSeparator == "" {
		opts.FieldSeparator = " | "
	}

	colors := plainPalette()
	if opts.UseColor {
		colors = colorPalette()
	}

	return &PrettyHandler{
		opts:   *opts,
		writer: w,
		mu:     &sync.Mutex{},
		colors: colors,
	}
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.opts.SlogOpts.Level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := lineBufPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		lineBufPool.Put(buf)
	}()

	h.mu.Lock()
	defer h.mu.Unlock()

	sep := h.opts.FieldSeparator

	if !h.opts.DisableTimestamp {
		buf.WriteString(h.colors.timeFn(r.Time.Format(h.opts.TimeFormat)))
		buf.WriteString(sep)
	}

	levelStr := strings.ToUpper(r.Level.String())
	if h.opts.LevelWidth > 0 {
		levelStr = fmt.Sprintf("%-*s", h.opts.LevelWidth, levelStr)
	}
	buf.WriteString(h.colors.forLevel(r.Level)(levelStr))
	buf.WriteString(sep)

	if h.opts.ShowSource {
		if source := h.formatSource(r.PC); source != "" {
			buf.WriteString(h.colors.sourceFn(source))
			buf.WriteString(sep)
		}
	}

	buf.WriteString(h.colors.messageFn(r.Message))

	fields := h.flattenAttrs(r)
	if len(fields) > 0 {
		buf.WriteString(sep)
		rendered, err := h.renderFields(fields)
		if err != nil {
			buf.WriteString(fmt.Sprintf("(error formatting attributes: %v)", err))
		} else {
			buf.WriteString(h.colors.fieldsFn(rendered))
		}
	}

	buf.WriteByte('\n')
	_, err := h.writer.Write(buf.Bytes())
	return err
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	next := *h
	next.mu = &sync.Mutex{}
	next.attrs = append(append([]slog.Attr(nil), h.attrs...), h.prefixed(attrs)...)
	return &next
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	next := *h
	next.mu = &sync.Mutex{}
	if h.groupPx == "" {
		next.groupPx = name
	} else {
		next.groupPx = h.groupPx + "." + name
	}
	return &next
}

// prefixed renames attrs to carry the handler's current group prefix, since
// groups are modeled here as a dotted key prefix rather than a tree of
// nested maps.
func (h *PrettyHandler) prefixed(attrs []slog.Attr) []slog.Attr {
	if h.groupPx == "" {
		return attrs
	}
	out := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		out[i] = slog.Attr{Key: h.groupPx + "." + a.Key, Value: a.Value}
	}
	return out
}

type fieldKV struct {
	key string
	val any
}

// flattenAttrs merges the handler's bound attrs with the record's own into
// a single ordered key/value list, using dotted keys for nested groups.
func (h *PrettyHandler) flattenAttrs(r slog.Record) []fieldKV {
	var out []fieldKV
	for _, a := range h.attrs {
		out = appendAttr(out, "", a, h.opts)
	}

	r.Attrs(func(a slog.Attr) bool {
		out = appendAttr(out, h.groupPx, a, h.opts)
		return true
	})

	return out
}

func appendAttr(out []fieldKV, prefix string, a slog.Attr, opts PrettyHandlerOptions) []fieldKV {
	key := a.Key
	if prefix != "" {
		key = prefix + "." + key
	}

	value := a.Value.Resolve()
	if value.Kind() == slog.KindGroup {
		for _, ga := range value.Group() {
			out = appendAttr(out, key, ga, opts)
		}
		return out
	}

	var v any
	switch value.Kind() {
	case slog.KindTime:
		v = value.Time().Format(opts.TimeFormat)
	case slog.KindDuration:
		v = value.Duration().String()
	default:
		v = value.Any()
		if str, ok := v.(string); ok && opts.MaxFieldLength > 0 && len(str) > opts.MaxFieldLength {
			v = str[:opts.MaxFieldLength] + "..."
		}
	}

	return append(out, fieldKV{key: key, val: v})
}

func (h *PrettyHandler) renderFields(fields []fieldKV) (string, error) {
	m := make(map[string]any, len(fields))
	for _, f := range fields {
		m[f.key] = f.val
	}

	var jsonBuf bytes.Buffer
	enc := json.NewEncoder(&jsonBuf)
	enc.SetEscapeHTML(!h.opts.DisableHTMLEscape)
	if h.opts.CompactJSON {
		enc.SetIndent("", "")
	} else {
		enc.SetIndent("", "  ")
	}
	if err := enc.Encode(m); err != nil {
		return "", err
	}

	return string(bytes.TrimRight(jsonBuf.Bytes(), "\n")), nil
}

func (h *PrettyHandler) formatSource(pc uintptr) string {
	if pc == 0 {
		return ""
	}

	frame, _ := runtime.CallersFrames([]uintptr{pc}).Next()
	if frame.Function == "" {
		return ""
	}

	file := frame.File
	if !h.opts.FullSource {
		file = filepath.Base(file)
	}
	source := fmt.Sprintf("%s:%d", file, frame.Line)

	if h.opts.SlogOpts.AddSource {
		fn := frame.Function
		if idx := strings.LastIndex(fn, "."); idx >= 0 {
			fn = fn[idx+1:]
		}
		source = fmt.Sprintf("%s:%s", source, fn)
	}

	return source
}
