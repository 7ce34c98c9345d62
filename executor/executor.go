// Package executor runs task instances: input/output validation against the
// registered schemas, wall-clock timeout with a cancellation grace period,
// and retries governed by the task type's retry policy. Lifecycle events are
// pushed to the configured sink.
package executor

import (
	"context"
	"time"

	apperrors "github.com/goliatone/go-errors"
	orchestra "github.com/goliatone/go-orchestra"
	"github.com/goliatone/go-orchestra/registry"
)

// DefaultGrace is the cancellation grace period applied when the task type
// does not declare one.
const DefaultGrace = 5 * time.Second

// Executor runs task instances through the configured Invoker.
type Executor struct {
	invoker orchestra.Invoker
	sink    orchestra.Sink
	logger  orchestra.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

// Option customizes executor construction.
type Option func(*Executor)

// WithSink sets the lifecycle event sink.
func WithSink(sink orchestra.Sink) Option {
	return func(e *Executor) { e.sink = sink }
}

// WithLogger sets the executor logger.
func WithLogger(logger orchestra.Logger) Option {
	return func(e *Executor) { e.logger = logger }
}

// New constructs an executor around the handler invoker.
func New(invoker orchestra.Invoker, opts ...Option) *Executor {
	e := &Executor{
		invoker: invoker,
		sink:    orchestra.NopSink{},
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = orchestra.NormalizeLogger(e.logger)
	return e
}

type invokeResult struct {
	output map[string]any
	err    error
}

// Execute runs one task instance to a terminal status. The returned error is
// nil only when the task succeeded; terminal failures carry the task ref,
// error kind, attempt count, and last cause in metadata.
func (e *Executor) Execute(ctx context.Context, task *orchestra.Task, def *registry.Resolved) (map[string]any, error) {
	if err := def.ValidateInput(task.Input); err != nil {
		return nil, e.fail(task, orchestra.TaskStatusFailed, orchestra.TaskFailed, err)
	}

	policy := def.Definition.Execution.Retry
	strategy := StrategyFromPolicy(policy)

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		task.Attempts = attempt + 1
		task.Status = orchestra.TaskStatusRunning
		if attempt == 0 {
			task.StartedAt = time.Now()
			e.emit(orchestra.TaskStarted, task, nil)
		} else {
			e.emit(orchestra.TaskRetried, task, map[string]any{"attempt": task.Attempts})
		}

		output, err := e.invokeOnce(ctx, task, def)
		if err == nil {
			if verr := def.ValidateOutput(output); verr != nil {
				return nil, e.fail(task, orchestra.TaskStatusFailed, orchestra.TaskFailed, verr)
			}
			task.Status = orchestra.TaskStatusSucceeded
			task.FinishedAt = time.Now()
			e.emit(orchestra.TaskSucceeded, task, nil)
			return output, nil
		}

		lastErr = err
		kind := orchestra.ErrorKind(err)
		switch kind {
		case orchestra.ErrCodeCancelled:
			return nil, e.fail(task, orchestra.TaskStatusCancelled, orchestra.TaskCancelled, err)
		case orchestra.ErrCodeTimeout:
			if !policy.Retryable(kind) {
				return nil, e.fail(task, orchestra.TaskStatusTimedOut, orchestra.TaskTimedOut, err)
			}
		default:
			if !policy.Retryable(kind) {
				return nil, e.fail(task, orchestra.TaskStatusFailed, orchestra.TaskFailed, err)
			}
		}

		if attempt < policy.MaxRetries {
			if serr := e.sleep(ctx, strategy.SleepDuration(attempt, err)); serr != nil {
				cancelErr := orchestra.CloneError(orchestra.ErrCancelled, "", serr, nil)
				return nil, e.fail(task, orchestra.TaskStatusCancelled, orchestra.TaskCancelled, cancelErr)
			}
		}
	}

	status := orchestra.TaskStatusFailed
	event := orchestra.TaskFailed
	if orchestra.ErrorKind(lastErr) == orchestra.ErrCodeTimeout {
		status = orchestra.TaskStatusTimedOut
		event = orchestra.TaskTimedOut
	}
	return nil, e.fail(task, status, event, lastErr)
}

// invokeOnce runs the handler under the task type's timeout. On timeout the
// handler context is cancelled, the grace period elapses, and the attempt is
// reported as timed out regardless of what the handler returns afterwards.
func (e *Executor) invokeOnce(ctx context.Context, task *orchestra.Task, def *registry.Resolved) (map[string]any, error) {
	exec := def.Definition.Execution

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if exec.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, exec.Timeout)
	}
	defer cancel()

	done := make(chan invokeResult, 1)
	go func() {
		out, err := e.invoker.Invoke(runCtx, exec.Handler, task.Input)
		done <- invokeResult{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, orchestra.CloneError(orchestra.ErrCancelled, "", ctx.Err(), nil)
			}
			if runCtx.Err() == context.DeadlineExceeded {
				return nil, e.timeoutError(task, exec.Timeout)
			}
			return nil, res.err
		}
		return res.output, nil
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return nil, orchestra.CloneError(orchestra.ErrCancelled, "", ctx.Err(), nil)
		}
		grace := exec.Grace
		if grace <= 0 {
			grace = DefaultGrace
		}
		graceTimer := time.NewTimer(grace)
		defer graceTimer.Stop()
		select {
		case <-done:
			// handler honored cancellation inside the grace window; the
			// attempt is still a timeout
		case <-graceTimer.C:
			e.logger.Warn("task %s ignored cancellation past grace period", task.Ref())
		}
		return nil, e.timeoutError(task, exec.Timeout)
	}
}

func (e *Executor) timeoutError(task *orchestra.Task, timeout time.Duration) error {
	return orchestra.CloneError(orchestra.ErrTimeout, "", nil, map[string]any{
		"task":    task.Ref(),
		"timeout": timeout,
	})
}

func (e *Executor) fail(task *orchestra.Task, status orchestra.TaskStatus, event string, cause error) error {
	task.Status = status
	task.FinishedAt = time.Now()
	if cause != nil {
		task.LastError = cause.Error()
	}
	e.emit(event, task, map[string]any{"error": task.LastError})
	e.logger.Error("task %s terminal status %s after %d attempts: %v",
		task.Ref(), status, task.Attempts, cause)
	kind := orchestra.ErrorKind(cause)
	return orchestra.CloneError(failBase(kind), "task execution failed", cause, map[string]any{
		"task":     task.Ref(),
		"machine":  task.Machine,
		"kind":     kind,
		"attempts": task.Attempts,
		"status":   string(status),
	})
}

// failBase picks the wrapping error so the surfaced text code matches the
// underlying kind; callers branch on it (cancellation is never reported as a
// handler failure).
func failBase(kind string) *apperrors.Error {
	switch kind {
	case orchestra.ErrCodeTimeout:
		return orchestra.ErrTimeout
	case orchestra.ErrCodeCancelled:
		return orchestra.ErrCancelled
	case orchestra.ErrCodeInputValidation:
		return orchestra.ErrInputValidation
	case orchestra.ErrCodeOutputValidation:
		return orchestra.ErrOutputValidation
	default:
		return orchestra.ErrHandlerFailed
	}
}

func (e *Executor) emit(name string, task *orchestra.Task, meta map[string]any) {
	orchestra.Emit(e.sink, name, orchestra.ScopeTaskType(task.Name), float64(task.Attempts), meta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
