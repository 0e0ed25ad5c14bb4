package logstream

import (
	"context"
	"log/slog"
)

// Handler is a slog.Handler that mirrors every record into a Stream while
// delegating to an inner handler for normal output. The "component", "agent"
// and "job_id" attributes are lifted into the Entry's dedicated fields.
type Handler struct {
	inner  slog.Handler
	stream *Stream
	attrs  []slog.Attr
}

// NewHandler wraps inner so all records are also published to stream.
// inner may be nil, in which case records only reach the stream.
func NewHandler(stream *Stream, inner slog.Handler) *Handler {
	return &Handler{inner: inner, stream: stream}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.inner != nil {
		return h.inner.Enabled(ctx, level)
	}
	return true
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	e := Entry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
	}
	collect := func(a slog.Attr) {
		switch a.Key {
		case "component":
			e.Source = a.Value.String()
		case "agent":
			e.Agent = a.Value.String()
		case "job_id":
			e.JobID = a.Value.String()
		default:
			if e.Attrs == nil {
				e.Attrs = make(map[string]any)
			}
			e.Attrs[a.Key] = a.Value.Any()
		}
	}
	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	h.stream.Publish(e)

	if h.inner != nil {
		return h.inner.Handle(ctx, r)
	}
	return nil
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	var inner slog.Handler
	if h.inner != nil {
		inner = h.inner.WithAttrs(attrs)
	}
	return &Handler{inner: inner, stream: h.stream, attrs: merged}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	var inner slog.Handler
	if h.inner != nil {
		inner = h.inner.WithGroup(name)
	}
	return &Handler{inner: inner, stream: h.stream, attrs: h.attrs}
}

// Compile-time interface verification.
var _ slog.Handler = (*Handler)(nil)
