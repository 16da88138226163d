// Package logging provides structured logging for anonchat, plus a
// teeing handler that feeds the runtime's bounded log ring (the
// history behind the CLI's /logs command and the HTTP UI's
// /api/logs) from ordinary slog calls instead of requiring every
// call site to double-log.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// NewLogger creates a new structured logger with the specified level and format.
// Supported levels: debug, info, warn, error
// Supported formats: text, json
func NewLogger(level, format string) *slog.Logger {
	return NewLoggerWithWriter(level, format, os.Stderr)
}

// NewLoggerWithWriter creates a new structured logger with a custom writer.
func NewLoggerWithWriter(level, format string, w io.Writer) *slog.Logger {
	lvl := parseLevel(level)

	opts := &slog.HandlerOptions{
		Level: lvl,
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// parseLevel converts a string log level to slog.Level. Anything
// unrecognized falls back to info rather than rejecting the
// configuration outright.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NopLogger returns a logger that discards all output.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// RingSink receives one rendered line per log record handled by a
// teed logger. internal/runtime.LogBuffer implements this so the
// per-datagram debug logging SPEC calls for also shows up in the
// CLI's /logs output and the HTTP UI's /api/logs feed, without
// discovery/chat/room needing to know the ring exists.
type RingSink interface {
	Push(level, message string)
}

// Tee wraps logger so every record it handles is also rendered into
// sink, in addition to being written through the logger's own
// handler. Attributes attached via With/WithGroup are preserved on
// both paths.
func Tee(logger *slog.Logger, sink RingSink) *slog.Logger {
	if sink == nil {
		return logger
	}
	return slog.New(&ringHandler{inner: logger.Handler(), sink: sink})
}

type ringHandler struct {
	inner slog.Handler
	sink  RingSink
}

func (h *ringHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *ringHandler) Handle(ctx context.Context, r slog.Record) error {
	var line strings.Builder
	line.WriteString(r.Message)
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&line, " %s=%v", a.Key, a.Value.Any())
		return true
	})
	h.sink.Push(r.Level.String(), line.String())
	return h.inner.Handle(ctx, r)
}

func (h *ringHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ringHandler{inner: h.inner.WithAttrs(attrs), sink: h.sink}
}

func (h *ringHandler) WithGroup(name string) slog.Handler {
	return &ringHandler{inner: h.inner.WithGroup(name), sink: h.sink}
}

// Common attribute keys for consistent logging.
const (
	KeyPeerID     = "peer_id"
	KeyRoomID     = "room_id"
	KeyFrameType  = "frame_type"
	KeyAddress    = "address"
	KeyError      = "error"
	KeyComponent  = "component"
	KeyAnonID     = "anon_id"
	KeyRemoteAddr = "remote_addr"
	KeyLocalAddr  = "local_addr"
	KeyDuration   = "duration"
	KeyCount      = "count"
	KeyReason     = "reason"
)
