// Package logging builds the service's slog logger and carries per-request
// fields on the context so handlers and services log with the same
// request_id, actor and trace_id.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// fields are the request-scoped values L attaches to every line.
type fields struct {
	logger    *slog.Logger
	requestID string
	actor     string
}

func from(ctx context.Context) fields {
	f, _ := ctx.Value(ctxKey{}).(fields)
	return f
}

func with(ctx context.Context, update func(*fields)) context.Context {
	f := from(ctx)
	update(&f)
	return context.WithValue(ctx, ctxKey{}, f)
}

// ParseLevel maps a configured level name to a slog level. Names are case
// insensitive and accept offsets such as "warn+2". Unknown names give info.
func ParseLevel(name string) slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// New creates a logger writing to stdout. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewTo(os.Stdout, level, format)
}

// NewTo creates a logger writing to w.
func NewTo(w io.Writer, level, format string) *slog.Logger {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl, AddSource: lvl <= slog.LevelDebug}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// WithLogger stores the base logger on the context.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return with(ctx, func(f *fields) { f.logger = logger })
}

// WithRequestID records the request ID.
func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *fields) { f.requestID = id })
}

// WithActor records the authenticated caller as "role:id".
func WithActor(ctx context.Context, actor string) context.Context {
	return with(ctx, func(f *fields) { f.actor = actor })
}

// RequestID returns the request ID on ctx, if any.
func RequestID(ctx context.Context) string { return from(ctx).requestID }

// Actor returns the caller on ctx, if any.
func Actor(ctx context.Context) string { return from(ctx).actor }

// FromContext returns the stored logger, or slog.Default.
func FromContext(ctx context.Context) *slog.Logger {
	if l := from(ctx).logger; l != nil {
		return l
	}
	return slog.Default()
}

// L returns the context logger annotated with the request fields and, when a
// span is recording, its trace and span IDs.
func L(ctx context.Context) *slog.Logger {
	f := from(ctx)
	logger := FromContext(ctx)

	var attrs []any
	if f.requestID != "" {
		attrs = append(attrs, "request_id", f.requestID)
	}
	if f.actor != "" {
		attrs = append(attrs, "actor", f.actor)
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		attrs = append(attrs, "trace_id", sc.TraceID().String(), "span_id", sc.SpanID().String())
	}
	if len(attrs) == 0 {
		return logger
	}
	return logger.With(attrs...)
}
