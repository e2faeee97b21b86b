package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync/atomic"
	"time"
)

// BufferHandler is a slog.Handler that records into an EntryRing until its
// gate is closed. The module, task_id and spider attributes fill the
// matching LogEntry fields. Handlers derived through WithAttrs or WithGroup share the
// buffer and the gate.
type BufferHandler struct {
	buffer *EntryRing
	level  slog.Leveler
	attrs  []slog.Attr
	groups []string
	closed *atomic.Bool
}

// NewBufferHandler creates a handler that writes to buffer.
func NewBufferHandler(buffer *EntryRing, level slog.Leveler) *BufferHandler {
	return &BufferHandler{
		buffer: buffer,
		level:  level,
		closed: &atomic.Bool{},
	}
}

// Close stops recording. Later records are dropped.
func (h *BufferHandler) Close() {
	h.closed.Store(true)
}

// Enabled implements slog.Handler.
func (h *BufferHandler) Enabled(_ context.Context, level slog.Level) bool {
	return !h.closed.Load() && level >= h.level.Level()
}

// Handle implements slog.Handler.
func (h *BufferHandler) Handle(_ context.Context, r slog.Record) error {
	if h.closed.Load() {
		return nil
	}

	entry := LogEntry{
		Timestamp:  r.Time,
		Level:      levelToString(r.Level),
		Module:     "app",
		Message:    r.Message,
		Attributes: make(map[string]any),
	}
	collect := func(a slog.Attr) {
		if len(h.groups) == 0 {
			switch a.Key {
			case "module":
				entry.Module = a.Value.String()
				return
			case "task_id":
				entry.TaskID = a.Value.String()
				return
			case "spider":
				entry.Spider = a.Value.String()
				return
			}
		}
		flattenAttr(entry.Attributes, h.groups, a)
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})

	h.buffer.Append(entry)
	return nil
}

// WithAttrs implements slog.Handler.
func (h *BufferHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := *h
	c.attrs = append(append([]slog.Attr(nil), h.attrs...), attrs...)
	return &c
}

// WithGroup implements slog.Handler.
func (h *BufferHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := *h
	c.groups = append(append([]string(nil), h.groups...), name)
	return &c
}

// flattenAttr writes a into attrs using dotted keys for groups.
func flattenAttr(attrs map[string]any, groups []string, a slog.Attr) {
	key := a.Key
	if len(groups) > 0 {
		key = strings.Join(groups, ".") + "." + key
	}

	switch a.Value.Kind() {
	case slog.KindGroup:
		nested := append(append([]string(nil), groups...), a.Key)
		for _, ga := range a.Value.Group() {
			flattenAttr(attrs, nested, ga)
		}
	case slog.KindTime:
		attrs[key] = a.Value.Time().Format(time.RFC3339Nano)
	case slog.KindDuration:
		attrs[key] = a.Value.Duration().String()
	case slog.KindAny:
		if err, ok := a.Value.Any().(error); ok {
			attrs[key] = err.Error()
		} else {
			attrs[key] = a.Value.Any()
		}
	default:
		attrs[key] = a.Value.Any()
	}
}

func levelToString(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "error"
	case level >= slog.LevelWarn:
		return "warn"
	case level >= slog.LevelInfo:
		return "info"
	default:
		return "debug"
	}
}

// FormatLogLine renders entry as a single text line with sorted attributes.
func FormatLogLine(entry LogEntry) string {
	var sb strings.Builder
	sb.WriteString(entry.Timestamp.Format(time.RFC3339Nano))
	sb.WriteString(" [")
	sb.WriteString(strings.ToUpper(entry.Level))
	sb.WriteString("] [")
	sb.WriteString(entry.Module)
	sb.WriteString("] ")
	if entry.Spider != "" {
		sb.WriteString(entry.Spider)
		sb.WriteString(": ")
	}
	sb.WriteString(entry.Message)

	keys := make([]string, 0, len(entry.Attributes))
	for k := range entry.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&sb, " %s=%v", k, entry.Attributes[k])
	}
	if entry.TaskID != "" {
		sb.WriteString(" task_id=")
		sb.WriteString(entry.TaskID)
	}
	return sb.String()
}

// FormatJSONLine renders entry as a JSON object.
func FormatJSONLine(entry LogEntry) string {
	data, err := json.Marshal(entry)
	if err != nil {
		return FormatLogLine(entry)
	}
	return string(data)
}
