package entity

import (
	"context"
	"io"
	"log/slog"
	"time"

	"omnipost/internal/observability"
)

// DefaultListConcurrency bounds concurrent record reads while materialising a page.
const DefaultListConcurrency = 8

type options struct {
	logger          *slog.Logger
	recorder        observability.Recorder
	tracer          observability.Tracer
	retry           RetryPolicy
	listConcurrency int
	twoStep         bool
}

// Option configures a Store.
type Option func(*options)

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r observability.Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithTracer sets the span tracer.
func WithTracer(t observability.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithRetryPolicy overrides DefaultRetryPolicy.
func WithRetryPolicy(p RetryPolicy) Option {
	return func(o *options) { o.retry = p.normalized() }
}

// WithListConcurrency overrides DefaultListConcurrency.
func WithListConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.listConcurrency = n
		}
	}
}

// WithTwoStepWrites forces the write-then-register / deregister-then-delete
// protocol even when the backend supports transactions.
func WithTwoStepWrites() Option {
	return func(o *options) { o.twoStep = true }
}

func defaultOptions() options {
	return options{
		logger:          slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder:        observability.NoopRecorder{},
		tracer:          observability.NoopTracer{},
		retry:           DefaultRetryPolicy,
		listConcurrency: DefaultListConcurrency,
	}
}

// observe opens a span and returns the function that closes it and records the outcome.
func (o options) observe(ctx context.Context, operation string) (context.Context, func(error)) {
	started := time.Now()
	ctx, span := o.tracer.Start(ctx, operation)
	return ctx, func(err error) {
		span.End(err)
		o.recorder.Observe(ctx, operation, err == nil, time.Since(started))
	}
}
