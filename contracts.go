// Package orchestra holds the shared contracts of the workflow engine: the
// event envelope, the collaborator seams (handler invocation, observability,
// persistence), the error taxonomy, and the logging contract. Engine
// components live in the subpackages and depend only on what is defined here.
package orchestra

import (
	"context"
	"time"
)

// Event is the engine's event envelope. Events drive statechart transitions
// and carry task lifecycle results back into the interpreter.
type Event struct {
	Name    string
	Payload map[string]any
}

// Lifecycle event names emitted by the task executor.
const (
	TaskStarted   = "task.started"
	TaskRetried   = "task.retried"
	TaskSucceeded = "task.succeeded"
	TaskFailed    = "task.failed"
	TaskTimedOut  = "task.timed_out"
	TaskCancelled = "task.cancelled"
)

// Invoker resolves a handler reference and runs it. Implementations adapt
// agent calls, HTTP endpoints, shell commands, or child machines; the engine
// only sees this contract. Invoke must honor ctx cancellation.
type Invoker interface {
	Invoke(ctx context.Context, src string, input map[string]any) (map[string]any, error)
}

// InvokerFunc adapts a function to the Invoker contract.
type InvokerFunc func(ctx context.Context, src string, input map[string]any) (map[string]any, error)

// Invoke calls the underlying function.
func (f InvokerFunc) Invoke(ctx context.Context, src string, input map[string]any) (map[string]any, error) {
	return f(ctx, src, input)
}

// Record is one timestamped observation pushed to a Sink.
type Record struct {
	Name  string
	Scope string
	Value float64
	At    time.Time
	Meta  map[string]any
}

// Sink accepts engine observations. The wire protocol behind it is not the
// engine's concern.
type Sink interface {
	Push(rec Record)
}

// SinkFunc adapts a function to the Sink contract.
type SinkFunc func(rec Record)

// Push calls the underlying function.
func (f SinkFunc) Push(rec Record) { f(rec) }

// NopSink discards all records.
type NopSink struct{}

func (NopSink) Push(Record) {}

// Store kinds used by the engine when persisting through a Store.
const (
	KindMachineInstance = "machine_instance"
	KindTaskInstance    = "task_instance"
	KindRegistry        = "registry"
)

// Store is the pluggable persistence contract. Values are opaque encoded
// snapshots; the engine serializes before calling Save.
type Store interface {
	Save(ctx context.Context, kind, id string, data []byte) error
	Load(ctx context.Context, kind, id string) ([]byte, error)
	List(ctx context.Context, kind string) ([]string, error)
	Delete(ctx context.Context, kind, id string) error
}

// Emit pushes a record guarding against a nil sink.
func Emit(sink Sink, name, scope string, value float64, meta map[string]any) {
	if sink == nil {
		return
	}
	sink.Push(Record{Name: name, Scope: scope, Value: value, At: time.Now(), Meta: meta})
}
