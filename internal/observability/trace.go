package observability

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"time"
)

// JSONTraceEntry is one finished span as written by JSONTracer.
type JSONTraceEntry struct {
	Entity     string    `json:"entity,omitempty"`
	Operation  string    `json:"operation"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMS float64   `json:"duration_ms"`
}

// JSONTracer writes each finished span to w as one JSON line and keeps a copy
// for Entries. A nil writer only keeps the copies.
type JSONTracer struct {
	w io.Writer

	mu      sync.Mutex
	entries []JSONTraceEntry
}

func NewJSONTracer(w io.Writer) *JSONTracer { return &JSONTracer{w: w} }

// Entries returns the spans finished so far, oldest first.
func (t *JSONTracer) Entries() []JSONTraceEntry {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]JSONTraceEntry(nil), t.entries...)
}

// Start implements Tracer.
func (t *JSONTracer) Start(ctx context.Context, operation string) (context.Context, Span) {
	entity, op := splitOperation(operation)
	return ctx, &jsonSpan{t: t, entry: JSONTraceEntry{Entity: entity, Operation: op, StartedAt: time.Now().UTC()}}
}

type jsonSpan struct {
	t     *JSONTracer
	entry JSONTraceEntry
}

func (s *jsonSpan) End(err error) {
	e := s.entry
	e.DurationMS = float64(time.Since(e.StartedAt)) / float64(time.Millisecond)
	e.Status = statusLabel(err == nil)
	if err != nil {
		e.Error = err.Error()
	}
	line, _ := json.Marshal(e)

	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.entries = append(s.t.entries, e)
	if s.t.w != nil {
		_, _ = s.t.w.Write(append(line, '\n'))
	}
}
