package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
)

// ANSI color codes used by the text handler.
const (
	ansiReset  = "\033[0m"
	ansiRed    = "\033[31m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiGray   = "\033[90m"
)

// ColorTextHandler is a slog.Handler producing human-oriented text:
// [timestamp] [LEVEL] message key=value ...
type ColorTextHandler struct {
	opts     *slog.HandlerOptions
	w        io.Writer
	mu       *sync.Mutex
	attrs    []slog.Attr
	useColor bool
}

// NewColorTextHandler creates a text handler writing to w.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, useColor bool) *ColorTextHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &ColorTextHandler{opts: opts, w: w, mu: &sync.Mutex{}, useColor: useColor}
}

// Enabled reports whether records at the given level are handled.
func (h *ColorTextHandler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

// Handle formats and writes a record.
func (h *ColorTextHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = fmt.Appendf(buf, "[%s] [%s] %s",
		r.Time.Format("2006-01-02 15:04:05"), h.levelTag(r.Level), r.Message)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, a)
	}
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	_, err := h.w.Write(buf)
	h.mu.Unlock()
	return err
}

func (h *ColorTextHandler) levelTag(level slog.Level) string {
	var tag, color string
	switch {
	case level < slog.LevelInfo:
		tag, color = "DEBUG", ansiGray
	case level < slog.LevelWarn:
		tag, color = "INFO", ansiGreen
	case level < slog.LevelError:
		tag, color = "WARN", ansiYellow
	default:
		tag, color = "ERROR", ansiRed
	}
	if h.useColor {
		return color + tag + ansiReset
	}
	return tag
}

func (h *ColorTextHandler) appendAttr(buf []byte, a slog.Attr) []byte {
	if a.Equal(slog.Attr{}) {
		return buf
	}
	a.Value = a.Value.Resolve()
	if h.useColor {
		return fmt.Appendf(buf, " %s%s%s=%v", ansiGray, a.Key, ansiReset, a.Value)
	}
	return fmt.Appendf(buf, " %s=%v", a.Key, a.Value)
}

// WithAttrs returns a handler with additional pre-bound attributes.
func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &ColorTextHandler{opts: h.opts, w: h.w, mu: h.mu, attrs: merged, useColor: h.useColor}
}

// WithGroup returns the handler unchanged; groups are flattened in
// text output.
func (h *ColorTextHandler) WithGroup(string) slog.Handler {
	return h
}
