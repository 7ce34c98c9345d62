// Package engine ties the pieces together: registered workflows are
// interpreted per instance behind a serializing mailbox, invoked tasks pass
// through the admission chain, and a worker pool executes them and routes the
// outcome back into the owning instance.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	orchestra "github.com/goliatone/go-orchestra"
	"github.com/goliatone/go-orchestra/admission"
	"github.com/goliatone/go-orchestra/executor"
	"github.com/goliatone/go-orchestra/machine"
	"github.com/goliatone/go-orchestra/registry"
)

// DefaultWorkers is the size of the execution pool when not configured.
const DefaultWorkers = 4

const mailboxSize = 128

// Engine hosts workflow instances and drives task execution.
type Engine struct {
	registry *registry.Registry
	chain    *admission.Chain
	exec     *executor.Executor
	store    orchestra.Store
	logger   orchestra.Logger
	sink     orchestra.Sink
	workers  int

	mu        sync.RWMutex
	workflows map[string]*workflow
	instances map[string]*runtime
	pending   map[string]*pendingInvoke

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	started    bool
}

type workflow struct {
	def    *machine.Definition
	interp *machine.Interpreter
}

// runtime is one live instance plus its mailbox. All interpretation of the
// instance happens under mu, so events are strictly serialized.
type runtime struct {
	mu      sync.Mutex
	inst    *machine.Instance
	interp  *machine.Interpreter
	mailbox chan orchestra.Event
	stop    chan struct{}
}

type pendingInvoke struct {
	instanceID string
	statePath  string
	ctx        context.Context
	cancel     context.CancelFunc
}

// Option customizes engine construction.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger orchestra.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithSink pushes engine observations.
func WithSink(sink orchestra.Sink) Option {
	return func(e *Engine) {
		if sink != nil {
			e.sink = sink
		}
	}
}

// WithStore persists instance snapshots after every processed event.
func WithStore(store orchestra.Store) Option {
	return func(e *Engine) { e.store = store }
}

// WithChain replaces the default admission chain.
func WithChain(chain *admission.Chain) Option {
	return func(e *Engine) {
		if chain != nil {
			e.chain = chain
		}
	}
}

// WithWorkers sets the execution pool size.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// New creates an engine over the task registry and handler invoker.
func New(reg *registry.Registry, invoker orchestra.Invoker, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		registry:   reg,
		sink:       orchestra.NopSink{},
		workers:    DefaultWorkers,
		workflows:  make(map[string]*workflow),
		instances:  make(map[string]*runtime),
		pending:    make(map[string]*pendingInvoke),
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	e.logger = orchestra.NormalizeLogger(e.logger)
	if e.chain == nil {
		e.chain = admission.NewChain(
			admission.WithChainLogger(e.logger),
			admission.WithChainSink(e.sink),
		)
	}
	e.exec = executor.New(invoker,
		executor.WithLogger(e.logger),
		executor.WithSink(e.sink),
	)
	return e
}

// Chain exposes the admission chain for limiter, breaker, and queue tuning.
func (e *Engine) Chain() *admission.Chain { return e.chain }

// Registry exposes the task registry.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// RegisterWorkflow makes a compiled statechart startable by id. Re-register
// replaces the definition for future instances; running instances keep the
// definition they started with.
func (e *Engine) RegisterWorkflow(def *machine.Definition) error {
	if def == nil {
		return orchestra.CloneError(orchestra.ErrInvalidSchema, "nil workflow definition", nil, nil)
	}
	interp := machine.NewInterpreter(def,
		machine.WithInterpreterLogger(e.logger),
		machine.WithInterpreterSink(e.sink),
		machine.WithRouter(func(inst *machine.Instance, evt orchestra.Event) {
			e.enqueue(inst.ID, evt)
		}),
		machine.WithInvocationHandler(e.submitInvoke),
	)
	e.mu.Lock()
	e.workflows[def.ID] = &workflow{def: def, interp: interp}
	e.mu.Unlock()
	e.logger.Info("registered workflow %s@%s", def.ID, def.Version)
	return nil
}

// Workflows returns the registered workflow ids.
func (e *Engine) Workflows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.workflows))
	for id := range e.workflows {
		out = append(out, id)
	}
	return out
}

// Start launches the execution worker pool. Instances can be started before
// Start; their invoked tasks wait in the queue until workers pull them.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()
	for i := 0; i < e.workers; i++ {
		e.wg.Add(1)
		go e.worker()
	}
}

// Stop cancels all work and waits for workers and mailboxes to drain.
func (e *Engine) Stop() {
	e.baseCancel()
	e.wg.Wait()
}

// StartInstance creates an instance of the workflow, applies context
// overrides, and enters the initial configuration. The returned id addresses
// the instance in Send, Snapshot, and CancelInstance.
func (e *Engine) StartInstance(workflowID string, overrides map[string]any) (string, error) {
	e.mu.RLock()
	wf := e.workflows[workflowID]
	e.mu.RUnlock()
	if wf == nil {
		return "", orchestra.CloneError(orchestra.ErrNotFound,
			"workflow not registered: "+workflowID, nil, map[string]any{"workflow": workflowID})
	}

	id := uuid.NewString()
	inst := machine.NewInstance(id, wf.def)
	for k, v := range overrides {
		inst.Context[k] = v
	}
	rt := &runtime{
		inst:    inst,
		interp:  wf.interp,
		mailbox: make(chan orchestra.Event, mailboxSize),
		stop:    make(chan struct{}),
	}
	e.mu.Lock()
	e.instances[id] = rt
	e.mu.Unlock()

	rt.mu.Lock()
	err := wf.interp.Start(inst)
	terminal := inst.Status.Terminal()
	e.persist(inst)
	rt.mu.Unlock()
	if err != nil {
		e.remove(id)
		return id, err
	}
	if terminal {
		e.remove(id)
		return id, nil
	}

	e.wg.Add(1)
	go e.loop(rt)
	orchestra.Emit(e.sink, "instance.started", workflowID, 1, map[string]any{"instance": id})
	return id, nil
}

// Send delivers an external event to a running instance. Delivery is
// asynchronous; the instance processes events one at a time in order.
func (e *Engine) Send(instanceID string, evt orchestra.Event) error {
	e.mu.RLock()
	rt := e.instances[instanceID]
	e.mu.RUnlock()
	if rt == nil {
		return orchestra.CloneError(orchestra.ErrNotFound,
			"instance not running: "+instanceID, nil, map[string]any{"instance": instanceID})
	}
	select {
	case rt.mailbox <- evt:
		return nil
	default:
		return orchestra.CloneError(orchestra.ErrQueueOverflow,
			"instance mailbox full", nil, map[string]any{"instance": instanceID, "event": evt.Name})
	}
}

// CancelInstance tears an instance down and persists the cancelled snapshot.
func (e *Engine) CancelInstance(instanceID string) error {
	e.mu.RLock()
	rt := e.instances[instanceID]
	e.mu.RUnlock()
	if rt == nil {
		return orchestra.CloneError(orchestra.ErrNotFound,
			"instance not running: "+instanceID, nil, map[string]any{"instance": instanceID})
	}
	rt.mu.Lock()
	rt.interp.Cancel(rt.inst)
	e.persist(rt.inst)
	rt.mu.Unlock()
	close(rt.stop)
	e.remove(instanceID)
	return nil
}

// Snapshot returns the current state of an instance: the live configuration
// for running instances, the stored snapshot for finished ones.
func (e *Engine) Snapshot(ctx context.Context, instanceID string) (machine.Snapshot, error) {
	e.mu.RLock()
	rt := e.instances[instanceID]
	e.mu.RUnlock()
	if rt != nil {
		rt.mu.Lock()
		defer rt.mu.Unlock()
		return rt.inst.Snapshot(), nil
	}
	if e.store == nil {
		return machine.Snapshot{}, orchestra.CloneError(orchestra.ErrNotFound,
			"instance not found: "+instanceID, nil, map[string]any{"instance": instanceID})
	}
	data, err := e.store.Load(ctx, orchestra.KindMachineInstance, instanceID)
	if err != nil {
		return machine.Snapshot{}, err
	}
	return machine.UnmarshalSnapshot(data)
}

// SubmitTask pushes a standalone task through the admission chain. Workers
// execute it like an invoked task, minus the completion routing.
func (e *Engine) SubmitTask(task *orchestra.Task) error {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	task.CreatedAt = time.Now()
	return e.chain.Submit(task)
}

// loop serializes event processing for one instance.
func (e *Engine) loop(rt *runtime) {
	defer e.wg.Done()
	for {
		select {
		case evt := <-rt.mailbox:
			rt.mu.Lock()
			err := rt.interp.Send(rt.inst, evt)
			terminal := rt.inst.Status.Terminal()
			e.persist(rt.inst)
			rt.mu.Unlock()
			if err != nil {
				e.logger.Warn("instance %s event %s: %v", rt.inst.ID, evt.Name, err)
			}
			if terminal {
				e.remove(rt.inst.ID)
				return
			}
		case <-rt.stop:
			return
		case <-e.baseCtx.Done():
			return
		}
	}
}

// enqueue routes a synthesized event into an instance mailbox, dropping it
// when the instance already finished.
func (e *Engine) enqueue(instanceID string, evt orchestra.Event) {
	e.mu.RLock()
	rt := e.instances[instanceID]
	e.mu.RUnlock()
	if rt == nil {
		e.logger.Debug("dropping event %s for finished instance %s", evt.Name, instanceID)
		return
	}
	select {
	case rt.mailbox <- evt:
	default:
		e.logger.Warn("instance %s mailbox full, dropping %s", instanceID, evt.Name)
	}
}

// submitInvoke admits the task delegated by an invoke state. Admission
// denials surface immediately as an error event on the invoking state; the
// chart decides whether to reroute, wait, or fail.
func (e *Engine) submitInvoke(inst *machine.Instance, node *machine.Node, spec *machine.InvokeSpec, input map[string]any) func() {
	task := &orchestra.Task{
		ID:        uuid.NewString(),
		Name:      spec.Task,
		Version:   spec.Version,
		Machine:   inst.ID,
		Input:     input,
		CreatedAt: time.Now(),
	}
	if agent, ok := input["agent"].(string); ok {
		task.Agent = agent
	}
	if p, ok := inst.Context["priority"].(int); ok {
		task.Priority = p
	}

	ctx, cancel := context.WithCancel(e.baseCtx)
	e.mu.Lock()
	e.pending[task.ID] = &pendingInvoke{
		instanceID: inst.ID,
		statePath:  node.Path,
		ctx:        ctx,
		cancel:     cancel,
	}
	e.mu.Unlock()

	if err := e.chain.Submit(task); err != nil {
		e.takePending(task.ID)
		cancel()
		payload := map[string]any{
			"error": err.Error(),
			"kind":  orchestra.ErrorKind(err),
		}
		if retryAfter, ok := orchestra.RetryAfter(err); ok {
			payload["retry_after"] = retryAfter
		}
		e.enqueue(inst.ID, orchestra.Event{
			Name:    machine.InvokeErrorEvent(node.Path),
			Payload: payload,
		})
		return func() {}
	}
	return cancel
}

// worker pulls admitted tasks and executes them to a terminal status.
func (e *Engine) worker() {
	defer e.wg.Done()
	for {
		task, release, err := e.chain.Next(e.baseCtx)
		if err != nil {
			return
		}
		e.runTask(task, release)
	}
}

func (e *Engine) runTask(task *orchestra.Task, release func()) {
	defer release()

	p := e.takePending(task.ID)
	runCtx := e.baseCtx
	if p != nil {
		runCtx = p.ctx
		defer p.cancel()
	}

	start := time.Now()
	var out map[string]any
	res, err := e.registry.Resolve(task.Name, task.Version)
	if err == nil {
		out, err = e.exec.Execute(runCtx, task, res)
	}

	kind := orchestra.ErrorKind(err)
	if err == nil || kind != orchestra.ErrCodeCancelled {
		// cancelled work says nothing about handler health
		e.chain.Report(task, time.Since(start), err)
	}
	if err != nil && (task.Status == orchestra.TaskStatusFailed || task.Status == orchestra.TaskStatusTimedOut) {
		e.chain.ParkDeadLetter(task, "retries_exhausted")
	}

	if p == nil {
		return
	}
	if err != nil {
		e.enqueue(p.instanceID, orchestra.Event{
			Name: machine.InvokeErrorEvent(p.statePath),
			Payload: map[string]any{
				"error":    err.Error(),
				"kind":     kind,
				"attempts": task.Attempts,
			},
		})
		return
	}
	e.enqueue(p.instanceID, orchestra.Event{
		Name:    machine.InvokeDoneEvent(p.statePath),
		Payload: out,
	})
}

func (e *Engine) takePending(taskID string) *pendingInvoke {
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.pending[taskID]
	delete(e.pending, taskID)
	return p
}

func (e *Engine) remove(instanceID string) {
	e.mu.Lock()
	delete(e.instances, instanceID)
	e.mu.Unlock()
}

func (e *Engine) persist(inst *machine.Instance) {
	if e.store == nil {
		return
	}
	data, err := inst.MarshalSnapshot()
	if err != nil {
		e.logger.Error("snapshot instance %s: %v", inst.ID, err)
		return
	}
	if err := e.store.Save(e.baseCtx, orchestra.KindMachineInstance, inst.ID, data); err != nil {
		e.logger.Error("persist instance %s: %v", inst.ID, err)
	}
}
