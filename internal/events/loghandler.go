package events

import (
	"context"
	"log/slog"
)

// TagKey is the record attribute used as the LOG event tag.
const TagKey = "component"

// defaultTag is used when a record has no component attribute.
const defaultTag = "wearlink"

// LogHandler is an slog.Handler that passes records to an inner handler and
// also publishes them as LOG events.
//
// Records below MinLevel are not published. The component attribute becomes
// the tag; all other attributes become the obj map.
type LogHandler struct {
	inner    slog.Handler
	sink     Sink
	minLevel slog.Level
	attrs    []slog.Attr
	group    string
}

// NewLogHandler wraps inner so that records at or above minLevel are also
// published to sink.
func NewLogHandler(inner slog.Handler, sink Sink, minLevel slog.Level) *LogHandler {
	return &LogHandler{inner: inner, sink: sink, minLevel: minLevel}
}

// Enabled implements slog.Handler.
func (h *LogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return level >= h.minLevel || h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *LogHandler) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if h.inner.Enabled(ctx, r.Level) {
		err = h.inner.Handle(ctx, r)
	}

	if r.Level >= h.minLevel {
		h.sink.Publish(Logged(h.entry(r)))
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *LogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.inner = h.inner.WithAttrs(attrs)
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)
	for _, a := range attrs {
		clone.attrs = append(clone.attrs, h.qualify(a))
	}
	return &clone
}

// WithGroup implements slog.Handler.
func (h *LogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.inner = h.inner.WithGroup(name)
	clone.group = h.qualifyKey(name)
	return &clone
}

func (h *LogHandler) entry(r slog.Record) LogEntry {
	entry := LogEntry{
		Level:   LevelName(r.Level),
		Tag:     defaultTag,
		Message: r.Message,
	}

	add := func(a slog.Attr) {
		if a.Key == TagKey {
			entry.Tag = a.Value.String()
			return
		}
		if entry.Obj == nil {
			entry.Obj = make(map[string]any)
		}
		entry.Obj[a.Key] = attrValue(a.Value)
	}

	for _, a := range h.attrs {
		add(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		add(h.qualify(a))
		return true
	})
	return entry
}

func (h *LogHandler) qualify(a slog.Attr) slog.Attr {
	if h.group == "" {
		return a
	}
	return slog.Attr{Key: h.qualifyKey(a.Key), Value: a.Value}
}

func (h *LogHandler) qualifyKey(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// LevelName maps an slog level to the LOG vocabulary.
func LevelName(level slog.Level) string {
	switch {
	case level < slog.LevelInfo:
		return LevelDebug
	case level < slog.LevelWarn:
		return LevelNotice
	case level < slog.LevelError:
		return LevelImportant
	default:
		return LevelError
	}
}

func attrValue(v slog.Value) any {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindGroup:
		out := make(map[string]any)
		for _, a := range v.Group() {
			out[a.Key] = attrValue(a.Value)
		}
		return out
	case slog.KindAny:
		if err, ok := v.Any().(error); ok {
			return err.Error()
		}
		return v.Any()
	default:
		return v.Any()
	}
}
