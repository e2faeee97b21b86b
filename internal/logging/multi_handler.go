package logging

import (
	"context"
	"errors"
	"log/slog"
)

// fanout sends each record to every member that accepts its level.
type fanout []slog.Handler

// Tee combines handlers into one. Nil handlers are skipped and nested tees
// are flattened; a single remaining handler is returned as is.
func Tee(handlers ...slog.Handler) slog.Handler {
	var flat fanout
	for _, h := range handlers {
		switch h := h.(type) {
		case nil:
		case fanout:
			flat = append(flat, h...)
		default:
			flat = append(flat, h)
		}
	}
	if len(flat) == 1 {
		return flat[0]
	}
	return flat
}

func (f fanout) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range f {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

// Handle reports the errors of every member that failed.
func (f fanout) Handle(ctx context.Context, r slog.Record) error {
	var errs []error
	for _, h := range f {
		if !h.Enabled(ctx, r.Level) {
			continue
		}
		if err := h.Handle(ctx, r.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (f fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return f.each(func(h slog.Handler) slog.Handler { return h.WithAttrs(attrs) })
}

func (f fanout) WithGroup(name string) slog.Handler {
	if name == "" {
		return f
	}
	return f.each(func(h slog.Handler) slog.Handler { return h.WithGroup(name) })
}

func (f fanout) each(fn func(slog.Handler) slog.Handler) fanout {
	out := make(fanout, len(f))
	for i, h := range f {
		out[i] = fn(h)
	}
	return out
}
