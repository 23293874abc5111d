// Package log carries structured attributes through context.Context so every
// record logged while working on a job is tagged with it.
package log

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/google/uuid"
)

type attrsKeyT struct{}

var attrsKey attrsKeyT

// ContextHandler appends the attributes stored in the context to each record.
type ContextHandler struct {
	slog.Handler
}

func NewContextHandler(handler slog.Handler) ContextHandler {
	return ContextHandler{
		Handler: handler,
	}
}

func (h ContextHandler) Handle(ctx context.Context, r slog.Record) error {
	if a, ok := ctx.Value(attrsKey).([]slog.Attr); ok {
		r.AddAttrs(a...)
	}
	return h.Handler.Handle(ctx, r)
}

func (h ContextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h ContextHandler) WithGroup(name string) slog.Handler {
	return ContextHandler{Handler: h.Handler.WithGroup(name)}
}

// ContextAttrs returns a context carrying attrs in addition to the ones
// already stored. The parent context is not modified.
func ContextAttrs(ctx context.Context, attrs ...slog.Attr) context.Context {
	a, _ := ctx.Value(attrsKey).([]slog.Attr)
	merged := make([]slog.Attr, 0, len(a)+len(attrs))
	merged = append(merged, a...)
	merged = append(merged, attrs...)
	return context.WithValue(ctx, attrsKey, merged)
}

func WithJob(ctx context.Context, id uuid.UUID) context.Context {
	return ContextAttrs(ctx, slog.String("job_id", id.String()))
}

func WithValidator(ctx context.Context, name string) context.Context {
	return ContextAttrs(ctx, slog.String("validator", name))
}

// New returns a JSON logger writing to w (stderr when nil).
func New(w io.Writer, verbose bool) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	base := slog.NewJSONHandler(w, &slog.HandlerOptions{
		AddSource: false,
		Level:     level,
	})
	return slog.New(NewContextHandler(base))
}
