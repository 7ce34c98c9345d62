package admission

import (
	"context"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// Chain composes the admission gates in order: rate limit, circuit breaker,
// backpressure strategy, bounded queue. Executors then pull admitted tasks
// with Next, which gates on the concurrency controller.
type Chain struct {
	limiter      *RateLimiter
	breakers     *BreakerSet
	backpressure *Controller
	queue        *Queue
	concurrency  *Concurrency
	dlq          *DeadLetter
	logger       orchestra.Logger
	sink         orchestra.Sink
}

// ChainOption customizes chain construction.
type ChainOption func(*Chain)

// WithQueueConfig replaces the default queue configuration.
func WithQueueConfig(cfg QueueConfig) ChainOption {
	return func(c *Chain) { c.queue = NewQueue(cfg, c.dlq) }
}

// WithChainLogger sets the chain logger.
func WithChainLogger(logger orchestra.Logger) ChainOption {
	return func(c *Chain) { c.logger = logger }
}

// WithChainSink pushes admission observations.
func WithChainSink(sink orchestra.Sink) ChainOption {
	return func(c *Chain) { c.sink = sink }
}

// WithBackpressure replaces the default controller.
func WithBackpressure(ctrl *Controller) ChainOption {
	return func(c *Chain) { c.backpressure = ctrl }
}

// NewChain wires the admission gates with shared dead-letter storage.
func NewChain(opts ...ChainOption) *Chain {
	dlq := NewDeadLetter(0)
	c := &Chain{
		limiter:     NewRateLimiter(),
		breakers:    NewBreakerSet(),
		concurrency: NewConcurrency(),
		dlq:         dlq,
	}
	c.backpressure = NewController(WithControllerDeadLetter(dlq))
	c.queue = NewQueue(QueueConfig{}, dlq)
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = orchestra.NormalizeLogger(c.logger)
	return c
}

// Limiter exposes the rate limiter for configuration.
func (c *Chain) Limiter() *RateLimiter { return c.limiter }

// Breakers exposes the circuit breaker set for configuration.
func (c *Chain) Breakers() *BreakerSet { return c.breakers }

// Backpressure exposes the backpressure controller.
func (c *Chain) Backpressure() *Controller { return c.backpressure }

// Concurrency exposes the concurrency controller for configuration.
func (c *Chain) Concurrency() *Concurrency { return c.concurrency }

// Queue exposes the holding queue.
func (c *Chain) Queue() *Queue { return c.queue }

// DeadLetters returns the parked dead-letter entries.
func (c *Chain) DeadLetters() []DeadLetterEntry { return c.dlq.Entries() }

// ParkDeadLetter parks a task that exhausted execution retries.
func (c *Chain) ParkDeadLetter(task *orchestra.Task, reason string) {
	c.dlq.Park(task, reason)
}

// Submit runs a task through the admission gates and enqueues it. Denials
// return flow-control errors with retry hints; the engine never auto-retries
// them.
func (c *Chain) Submit(task *orchestra.Task) error {
	scopes := task.ScopeKeys()

	if err := c.limiter.Acquire(scopes, 1); err != nil {
		c.deny(task, "rate_limited", err)
		return err
	}
	if err := c.breakers.Allow(scopes); err != nil {
		c.deny(task, "circuit_open", err)
		return err
	}
	if err := c.backpressure.Admit(task); err != nil {
		c.deny(task, "backpressure", err)
		return err
	}
	if err := c.queue.Enqueue(task); err != nil {
		c.deny(task, "queue_overflow", err)
		return err
	}
	orchestra.Emit(c.sink, "admission.enqueued", orchestra.ScopeTaskType(task.Name), float64(c.queue.Len()), nil)
	return nil
}

// Next pulls the next admitted task and acquires its concurrency slots,
// blocking until one is available or ctx cancels. The release func must run
// when execution finishes, regardless of outcome.
func (c *Chain) Next(ctx context.Context) (*orchestra.Task, func(), error) {
	for {
		task, ok := c.queue.Dequeue()
		if !ok {
			select {
			case <-ctx.Done():
				return nil, nil, orchestra.CloneError(orchestra.ErrCancelled, "", ctx.Err(), nil)
			case <-c.queue.Ready():
				continue
			}
		}
		release, err := c.concurrency.Acquire(ctx, task.ScopeKeys())
		if err != nil {
			// the task was already admitted; put it back for the next puller
			if qerr := c.queue.Enqueue(task); qerr != nil {
				c.dlq.Park(task, "requeue_failed")
			}
			return nil, nil, err
		}
		return task, release, nil
	}
}

// Report feeds an execution outcome back into the breaker and backpressure
// state. Flow-control denials never reach here; only handler outcomes count
// as breaker signals.
func (c *Chain) Report(task *orchestra.Task, latency time.Duration, err error) {
	scopes := task.ScopeKeys()
	if err == nil {
		c.breakers.RecordSuccess(scopes)
	} else {
		c.breakers.RecordFailure(scopes)
	}
	c.backpressure.Observe(latency, err != nil, c.queue.Len(), 0)
}

func (c *Chain) deny(task *orchestra.Task, gate string, err error) {
	retryAfter, _ := orchestra.RetryAfter(err)
	c.logger.Debug("admission denied task %s at %s (retry in %v)", task.Ref(), gate, retryAfter)
	orchestra.Emit(c.sink, "admission.denied", orchestra.ScopeTaskType(task.Name), 1, map[string]any{
		"gate": gate,
	})
}
