package observability

import (
	"context"
	"expvar"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var expvarSeq atomic.Uint64

// OperationStats is the expvar view of one entity operation.
type OperationStats struct {
	Success int64   `json:"success"`
	Error   int64   `json:"error"`
	TotalMS float64 `json:"total_ms"`
}

// ExpvarSnapshot maps entity name to operation name to its counters.
type ExpvarSnapshot map[string]map[string]OperationStats

// ExpvarRecorder publishes store counters as a nested expvar.Map:
//
//	{"profile": {"create.success": 3, "create.error": 1, "create.total_ms": 4.2}, ...}
//
// Counters are expvar atomics, so Observe only locks when it meets a new entity.
type ExpvarRecorder struct {
	name     string
	entities *expvar.Map

	mu sync.Mutex
}

// NewExpvarRecorder publishes a recorder under name, or under a generated
// omnipost_store_<n> name when name is empty. Publishing the same name twice
// panics, as with expvar.Publish.
func NewExpvarRecorder(name string) *ExpvarRecorder {
	if name == "" {
		name = fmt.Sprintf("omnipost_store_%d", expvarSeq.Add(1))
	}
	r := &ExpvarRecorder{name: name, entities: new(expvar.Map).Init()}
	expvar.Publish(name, r.entities)
	return r
}

// Name returns the expvar key the recorder is published under.
func (r *ExpvarRecorder) Name() string { return r.name }

// Observe implements Recorder.
func (r *ExpvarRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	if operation == "" {
		return
	}
	entity, op := splitOperation(operation)
	m := r.entity(entity)
	m.Add(op+"."+statusLabel(success), 1)
	m.AddFloat(op+".total_ms", float64(duration)/float64(time.Millisecond))
}

func (r *ExpvarRecorder) entity(name string) *expvar.Map {
	if m, ok := r.entities.Get(name).(*expvar.Map); ok {
		return m
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if m, ok := r.entities.Get(name).(*expvar.Map); ok {
		return m
	}
	m := new(expvar.Map).Init()
	r.entities.Set(name, m)
	return m
}

// Snapshot copies the current counters.
func (r *ExpvarRecorder) Snapshot() ExpvarSnapshot {
	out := make(ExpvarSnapshot)
	r.entities.Do(func(e expvar.KeyValue) {
		m, ok := e.Value.(*expvar.Map)
		if !ok {
			return
		}
		ops := make(map[string]OperationStats)
		m.Do(func(kv expvar.KeyValue) {
			i := strings.LastIndex(kv.Key, ".")
			if i < 0 {
				return
			}
			op, field := kv.Key[:i], kv.Key[i+1:]
			st := ops[op]
			switch v := kv.Value.(type) {
			case *expvar.Int:
				if field == "success" {
					st.Success = v.Value()
				} else {
					st.Error = v.Value()
				}
			case *expvar.Float:
				st.TotalMS = v.Value()
			}
			ops[op] = st
		})
		out[e.Key] = ops
	})
	return out
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}
