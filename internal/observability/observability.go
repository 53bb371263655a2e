// Package observability defines the metrics and tracing hooks used by the
// entity store, with expvar, Prometheus and JSON-lines implementations.
package observability

import (
	"context"
	"time"
)

// Recorder receives the outcome of each store operation. Operation names have
// the form "<entity>.<op>", e.g. "profile.create".
type Recorder interface {
	Observe(ctx context.Context, operation string, success bool, duration time.Duration)
}

// Tracer starts spans around store operations.
type Tracer interface {
	Start(ctx context.Context, operation string) (context.Context, Span)
}

// Span is ended exactly once with the operation's error (nil on success).
type Span interface {
	End(err error)
}

// NoopRecorder discards observations.
type NoopRecorder struct{}

func (NoopRecorder) Observe(context.Context, string, bool, time.Duration) {}

// NoopTracer produces spans that do nothing.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End(error) {}

// MultiRecorder fans observations out to several recorders.
type MultiRecorder []Recorder

func (m MultiRecorder) Observe(ctx context.Context, operation string, success bool, duration time.Duration) {
	for _, r := range m {
		if r != nil {
			r.Observe(ctx, operation, success, duration)
		}
	}
}
