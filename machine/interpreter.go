package machine

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// DefaultEventlessLimit bounds the chained transitions processed for a single
// external event before the instance is declared stuck.
const DefaultEventlessLimit = 128

// Scheduler arms a timer and returns its cancel function. Injected in tests
// to drive delayed transitions deterministically.
type Scheduler func(d time.Duration, fire func()) (cancel func())

func realScheduler(d time.Duration, fire func()) func() {
	t := time.AfterFunc(d, fire)
	return func() { t.Stop() }
}

// Router re-enters an instance with a synthesized event. Timer firings and
// invocation completions go through here; the engine points it at the
// instance mailbox so delivery stays serialized.
type Router func(inst *Instance, evt orchestra.Event)

// InvocationHandler starts the work delegated by an invoke state. It runs
// asynchronously and must eventually route a done.invoke or error.invoke
// event back through the Router. The returned cancel aborts the work when
// the invoking state exits first.
type InvocationHandler func(inst *Instance, node *Node, spec *InvokeSpec, input map[string]any) (cancel func())

// Interpreter drives instances of a single definition. It holds no per
// instance state and can be shared across instances of the same definition.
type Interpreter struct {
	def       *Definition
	logger    orchestra.Logger
	sink      orchestra.Sink
	scheduler Scheduler
	router    Router
	invoke    InvocationHandler
	limit     int
}

// InterpreterOption configures an Interpreter.
type InterpreterOption func(*Interpreter)

// WithInterpreterLogger sets the logger.
func WithInterpreterLogger(l orchestra.Logger) InterpreterOption {
	return func(it *Interpreter) { it.logger = orchestra.NormalizeLogger(l) }
}

// WithInterpreterSink sets the observation sink.
func WithInterpreterSink(s orchestra.Sink) InterpreterOption {
	return func(it *Interpreter) {
		if s != nil {
			it.sink = s
		}
	}
}

// WithScheduler replaces the timer scheduler.
func WithScheduler(s Scheduler) InterpreterOption {
	return func(it *Interpreter) {
		if s != nil {
			it.scheduler = s
		}
	}
}

// WithRouter sets the callback that re-delivers synthesized events.
func WithRouter(r Router) InterpreterOption {
	return func(it *Interpreter) {
		if r != nil {
			it.router = r
		}
	}
}

// WithInvocationHandler sets the invoke delegate.
func WithInvocationHandler(h InvocationHandler) InterpreterOption {
	return func(it *Interpreter) { it.invoke = h }
}

// WithEventlessLimit overrides the chained-transition bound.
func WithEventlessLimit(n int) InterpreterOption {
	return func(it *Interpreter) {
		if n > 0 {
			it.limit = n
		}
	}
}

// NewInterpreter creates an interpreter for def.
func NewInterpreter(def *Definition, opts ...InterpreterOption) *Interpreter {
	it := &Interpreter{
		def:       def,
		logger:    orchestra.NewFmtLogger(nil),
		sink:      orchestra.NopSink{},
		scheduler: realScheduler,
		limit:     DefaultEventlessLimit,
	}
	for _, opt := range opts {
		opt(it)
	}
	if it.router == nil {
		it.router = func(inst *Instance, evt orchestra.Event) {
			_ = it.Send(inst, evt)
		}
	}
	return it
}

// Synthesized event names.
func doneStateEvent(path string) string  { return "done.state." + path }
func invokeDoneEvent(path string) string { return "done.invoke." + path }
func invokeErrEvent(path string) string  { return "error.invoke." + path }

// InvokeDoneEvent names the completion event routed to the state at path
// when its delegated task succeeds.
func InvokeDoneEvent(path string) string { return invokeDoneEvent(path) }

// InvokeErrorEvent names the completion event routed to the state at path
// when its delegated task fails.
func InvokeErrorEvent(path string) string { return invokeErrEvent(path) }

const errorExecutionEvent = "error.execution"

func afterEvent(path string, idx int) string {
	return "after#" + path + "#" + strconv.Itoa(idx)
}

// Start enters the initial configuration and settles eventless transitions.
func (it *Interpreter) Start(inst *Instance) error {
	if inst.Status.Terminal() {
		return it.terminalErr(inst)
	}
	inst.StartedAt = time.Now()
	var queue []orchestra.Event
	it.enterPath(inst, it.def.root, it.def.Node(it.def.root).Initial, orchestra.Event{Name: "machine.start"}, &queue)
	it.checkCompletion(inst, &queue)
	return it.drain(inst, &queue, 0)
}

// Send delivers one external event. Unhandled external events are dropped;
// the error return reports machine faults (terminal status, stuck loops),
// never mere non-matches.
func (it *Interpreter) Send(inst *Instance, evt orchestra.Event) error {
	if inst.Status.Terminal() {
		return it.terminalErr(inst)
	}
	queue := []orchestra.Event{evt}
	return it.drain(inst, &queue, 0)
}

// Cancel tears the instance down without running exit actions.
func (it *Interpreter) Cancel(inst *Instance) {
	if inst.Status.Terminal() {
		return
	}
	inst.cancelAll()
	inst.Status = StatusCancelled
	inst.FinishedAt = time.Now()
	it.logger.Info("machine %s instance %s cancelled", it.def.ID, inst.ID)
	orchestra.Emit(it.sink, "machine.cancelled", inst.ID, 1, nil)
}

func (it *Interpreter) terminalErr(inst *Instance) error {
	return orchestra.CloneError(orchestra.ErrErroredState,
		"instance is terminal", nil,
		map[string]any{"instance": inst.ID, "status": string(inst.Status)})
}

// drain processes the event queue plus any eventless follow-up until the
// configuration is stable, enforcing the chained-transition bound.
func (it *Interpreter) drain(inst *Instance, queue *[]orchestra.Event, steps int) error {
	for {
		for len(*queue) > 0 {
			evt := (*queue)[0]
			*queue = (*queue)[1:]
			steps++
			if steps > it.limit {
				return it.failStuck(inst, evt.Name)
			}
			if err := it.processEvent(inst, evt, queue); err != nil {
				return err
			}
			if inst.Status.Terminal() {
				return nil
			}
		}
		fired, err := it.eventlessStep(inst, queue)
		if err != nil {
			return err
		}
		if inst.Status.Terminal() {
			return nil
		}
		if !fired && len(*queue) == 0 {
			return nil
		}
		if fired {
			steps++
			if steps > it.limit {
				return it.failStuck(inst, "")
			}
		}
	}
}

func (it *Interpreter) failStuck(inst *Instance, evt string) error {
	err := orchestra.CloneError(orchestra.ErrInfiniteLoop,
		"transition limit exceeded", nil,
		map[string]any{"instance": inst.ID, "workflow": it.def.ID, "limit": it.limit, "event": evt})
	it.fail(inst, err)
	return err
}

// fail moves the instance to the errored terminal status.
func (it *Interpreter) fail(inst *Instance, cause error) {
	inst.cancelAll()
	inst.Status = StatusErrored
	inst.FinishedAt = time.Now()
	if cause != nil {
		inst.LastError = cause.Error()
	}
	it.logger.Error("machine %s instance %s errored: %v", it.def.ID, inst.ID, cause)
	orchestra.Emit(it.sink, "machine.errored", inst.ID, 1, map[string]any{"error": inst.LastError})
}

// processEvent routes one event: synthesized events resolve directly to the
// owning state's candidates, everything else bubbles from each active leaf.
func (it *Interpreter) processEvent(inst *Instance, evt orchestra.Event, queue *[]orchestra.Event) error {
	if source, cands, ok := it.routeSynthesized(inst, evt); ok {
		if source == NoNode {
			return nil // owner no longer active, stale event
		}
		fired, err := it.fireCandidates(inst, source, cands, evt, queue)
		if err != nil {
			return err
		}
		if !fired && strings.HasPrefix(evt.Name, "error.") {
			// the owning state did not route the error; bubble it toward
			// the root before giving up on the instance
			fired, err = it.bubble(inst, source, evt, queue)
			if err != nil {
				return err
			}
			if !fired {
				return it.failUnhandledError(inst, evt)
			}
		}
		it.checkCompletion(inst, queue)
		return nil
	}

	handledAny := false
	for _, leaf := range inst.activeOrdered() {
		if !inst.active[leaf] {
			continue // exited by an earlier firing in this step
		}
		fired, err := it.bubble(inst, leaf, evt, queue)
		if err != nil {
			return err
		}
		if fired {
			handledAny = true
		}
		if inst.Status.Terminal() {
			return nil
		}
	}
	if !handledAny {
		if strings.HasPrefix(evt.Name, "error.") {
			return it.failUnhandledError(inst, evt)
		}
		it.logger.Debug("instance %s dropped unhandled event %s", inst.ID, evt.Name)
	}
	it.checkCompletion(inst, queue)
	return nil
}

func (it *Interpreter) failUnhandledError(inst *Instance, evt orchestra.Event) error {
	err := orchestra.CloneError(orchestra.ErrErroredState,
		"unhandled error event: "+evt.Name, nil,
		map[string]any{"instance": inst.ID, "event": evt.Name, "payload": evt.Payload})
	it.fail(inst, err)
	return err
}

// routeSynthesized recognizes timer, invocation, and completion events and
// resolves them to the state that owns the reaction. ok is false for plain
// external events. A NoNode source with ok means the owner already exited.
func (it *Interpreter) routeSynthesized(inst *Instance, evt orchestra.Event) (NodeID, []Candidate, bool) {
	switch {
	case strings.HasPrefix(evt.Name, "after#"):
		parts := strings.Split(evt.Name, "#")
		if len(parts) != 3 {
			return NoNode, nil, true
		}
		id, ok := it.def.Lookup(parts[1])
		idx, convErr := strconv.Atoi(parts[2])
		if !ok || convErr != nil || !it.nodeActive(inst, id) {
			return NoNode, nil, true
		}
		node := it.def.Node(id)
		if idx < 0 || idx >= len(node.After) {
			return NoNode, nil, true
		}
		return id, node.After[idx].Candidates, true

	case strings.HasPrefix(evt.Name, "done.invoke."):
		path := strings.TrimPrefix(evt.Name, "done.invoke.")
		if id, ok := it.def.Lookup(path); ok {
			node := it.def.Node(id)
			if node.Invoke != nil && it.nodeActive(inst, id) {
				delete(inst.invocations, id)
				return id, node.Invoke.OnDone, true
			}
		}
		return NoNode, nil, true

	case strings.HasPrefix(evt.Name, "error.invoke."):
		path := strings.TrimPrefix(evt.Name, "error.invoke.")
		if id, ok := it.def.Lookup(path); ok {
			node := it.def.Node(id)
			if node.Invoke != nil && it.nodeActive(inst, id) {
				delete(inst.invocations, id)
				return id, node.Invoke.OnError, true
			}
		}
		return NoNode, nil, true

	case strings.HasPrefix(evt.Name, "done.state."):
		path := strings.TrimPrefix(evt.Name, "done.state.")
		if id, ok := it.def.Lookup(path); ok {
			node := it.def.Node(id)
			if it.nodeActive(inst, id) && len(node.OnAllDone) > 0 {
				return id, node.OnAllDone, true
			}
		}
		return NoNode, nil, true
	}
	return NoNode, nil, false
}

// bubble walks from leaf toward the root looking for the innermost state
// with a transition matching evt. Exact event names beat the wildcard at
// every level.
func (it *Interpreter) bubble(inst *Instance, leaf NodeID, evt orchestra.Event, queue *[]orchestra.Event) (bool, error) {
	for id := leaf; id != NoNode && id != it.def.root; id = it.def.Node(id).Parent {
		node := it.def.Node(id)
		for _, exact := range []bool{true, false} {
			for _, tr := range node.Transitions {
				if exact && tr.Event != evt.Name {
					continue
				}
				if !exact && tr.Event != Wildcard {
					continue
				}
				fired, err := it.fireCandidates(inst, id, tr.Candidates, evt, queue)
				if err != nil || fired {
					return fired, err
				}
			}
		}
	}
	return false, nil
}

// fireCandidates evaluates candidates in order and fires the first whose
// guard passes. Guard failures and guard errors skip the candidate.
func (it *Interpreter) fireCandidates(inst *Instance, source NodeID, cands []Candidate, evt orchestra.Event, queue *[]orchestra.Event) (bool, error) {
	for _, cand := range cands {
		pass, err := it.evalGuard(inst, cand.Guard, evt)
		if err != nil {
			it.logger.Warn("guard %s errored in %s, candidate skipped: %v",
				cand.Guard, it.def.Node(source).Path, err)
			continue
		}
		if !pass {
			continue
		}
		return true, it.fire(inst, source, cand, evt, queue)
	}
	return false, nil
}

func (it *Interpreter) evalGuard(inst *Instance, name string, evt orchestra.Event) (bool, error) {
	if name == "" {
		return true, nil
	}
	guard, err := it.def.guards.Lookup(name)
	if err != nil {
		return false, err
	}
	return guard(inst.Context, evt)
}

// fire executes one transition: exits up to the transition domain, runs the
// transition actions, and enters down to the target. A candidate without a
// target is internal and runs actions only.
func (it *Interpreter) fire(inst *Instance, source NodeID, cand Candidate, evt orchestra.Event, queue *[]orchestra.Event) error {
	if cand.Target == "" {
		return it.runActions(inst, cand.Actions, evt, queue)
	}
	target, err := it.def.resolveTarget(source, cand.Target)
	if err != nil {
		return err
	}

	domain := it.def.lca(source, target)
	if domain == source || domain == target {
		// self and descendant transitions re-enter through the parent
		domain = it.def.Node(domain).Parent
		if domain == NoNode {
			domain = it.def.root
		}
	}
	// a parallel node cannot hold a single active child: a cross-region
	// transition exits the whole parallel state and re-enters it, restoring
	// the sibling regions by default or history
	for domain != it.def.root && it.def.Node(domain).Type == StateParallel {
		domain = it.def.Node(domain).Parent
		if domain == NoNode {
			domain = it.def.root
		}
	}

	it.exitDomain(inst, domain, evt)
	if err := it.runActions(inst, cand.Actions, evt, queue); err != nil {
		return err
	}
	it.enterPath(inst, domain, target, evt, queue)
	it.checkCompletion(inst, queue)
	return nil
}

// exitDomain exits every active state strictly below domain, deepest first,
// recording history and cancelling timers and invocations on the way out.
func (it *Interpreter) exitDomain(inst *Instance, domain NodeID, evt orchestra.Event) {
	exitSet := make(map[NodeID]bool)
	for leaf := range inst.active {
		if !it.def.isDescendant(leaf, domain) {
			continue
		}
		for id := leaf; id != domain && id != NoNode; id = it.def.Node(id).Parent {
			exitSet[id] = true
		}
	}
	if len(exitSet) == 0 {
		return
	}

	ordered := make([]NodeID, 0, len(exitSet))
	for id := range exitSet {
		ordered = append(ordered, id)
	}
	// arena ids grow parent-to-child, so descending order exits children first
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] > ordered[j] })

	for _, id := range ordered {
		it.recordHistory(inst, id)
	}
	for _, id := range ordered {
		node := it.def.Node(id)
		for _, name := range node.Exit {
			it.runAction(inst, name, evt)
		}
		inst.cancelTimers(id)
		inst.cancelInvocation(id)
		delete(inst.active, id)
		delete(inst.signaled, id)
	}
}

// recordHistory notes, for a history child of the exiting state, which
// descendants to restore on re-entry.
func (it *Interpreter) recordHistory(inst *Instance, exiting NodeID) {
	hist := it.def.historyNodeOf(exiting)
	if hist == NoNode {
		return
	}
	node := it.def.Node(exiting)
	kind := it.def.Node(hist).HistoryKind
	var paths []string
	if kind == HistoryDeep {
		for leaf := range inst.active {
			if it.def.isDescendant(leaf, exiting) && leaf != exiting {
				paths = append(paths, it.def.Node(leaf).Path)
			}
		}
	} else {
		for _, child := range node.Children {
			if child == hist {
				continue
			}
			for leaf := range inst.active {
				if it.def.isDescendant(leaf, child) {
					paths = append(paths, it.def.Node(child).Path)
					break
				}
			}
		}
	}
	if len(paths) > 0 {
		sort.Strings(paths)
		inst.history[hist] = paths
	}
}

// enterPath enters states from just below domain down to target and then
// descends into target's default (or recorded) configuration.
func (it *Interpreter) enterPath(inst *Instance, domain, target NodeID, evt orchestra.Event, queue *[]orchestra.Event) {
	full := it.def.pathTo(target)
	var chain []NodeID
	for _, id := range full {
		if it.def.isDescendant(domain, id) && id != target {
			continue // at or above the domain
		}
		chain = append(chain, id)
	}
	for i, id := range chain {
		last := i == len(chain)-1
		it.enterNode(inst, id, evt, queue)
		if last {
			it.descend(inst, id, evt, queue)
			continue
		}
		node := it.def.Node(id)
		if node.Type != StateParallel {
			continue
		}
		// entering one region of a parallel state activates the others
		next := chain[i+1]
		for _, child := range node.Children {
			if child == next || it.def.Node(child).Type == StateHistory {
				continue
			}
			it.enterNode(inst, child, evt, queue)
			it.descend(inst, child, evt, queue)
		}
	}
}

// enterNode runs entry actions, arms delayed transitions, and starts the
// invocation for one state being entered.
func (it *Interpreter) enterNode(inst *Instance, id NodeID, evt orchestra.Event, queue *[]orchestra.Event) {
	node := it.def.Node(id)
	for _, name := range node.Entry {
		it.runAction(inst, name, evt)
	}
	for idx, delayed := range node.After {
		it.armTimer(inst, node, idx, delayed)
	}
	if node.Invoke != nil && it.invoke != nil {
		input := resolveInput(node.Invoke.Input, inst.Context)
		if cancel := it.invoke(inst, node, node.Invoke, input); cancel != nil {
			inst.invocations[id] = cancel
		}
	}
}

// descend activates the default configuration below an entered state.
func (it *Interpreter) descend(inst *Instance, id NodeID, evt orchestra.Event, queue *[]orchestra.Event) {
	node := it.def.Node(id)
	switch node.Type {
	case StateAtomic, StateFinal:
		inst.active[id] = true
	case StateCompound:
		child := node.Initial
		if child == NoNode {
			inst.active[id] = true
			return
		}
		it.enterNode(inst, child, evt, queue)
		it.descend(inst, child, evt, queue)
	case StateParallel:
		for _, child := range node.Children {
			if it.def.Node(child).Type == StateHistory {
				continue
			}
			it.enterNode(inst, child, evt, queue)
			it.descend(inst, child, evt, queue)
		}
	case StateHistory:
		it.restoreHistory(inst, id, evt, queue)
	}
}

// restoreHistory re-enters the recorded configuration for a history state,
// falling back to the parent's default when nothing was recorded.
func (it *Interpreter) restoreHistory(inst *Instance, hist NodeID, evt orchestra.Event, queue *[]orchestra.Event) {
	parent := it.def.Node(hist).Parent
	paths := inst.history[hist]
	if len(paths) == 0 {
		it.descend(inst, parent, evt, queue)
		return
	}
	for _, path := range paths {
		id, ok := it.def.Lookup(path)
		if !ok {
			continue
		}
		it.enterPath(inst, parent, id, evt, queue)
	}
}

// armTimer schedules one delayed transition. The delay is fixed at schedule
// time, including context-sourced delays.
func (it *Interpreter) armTimer(inst *Instance, node *Node, idx int, delayed DelayedTransition) {
	d := delayed.Delay
	if delayed.DelayKey != "" {
		if fromCtx, ok := contextDelay(inst.Context[delayed.DelayKey]); ok {
			d = fromCtx
		} else {
			it.logger.Warn("delay key %q missing or invalid in %s, using literal delay",
				delayed.DelayKey, node.Path)
		}
	}
	name := afterEvent(node.Path, idx)
	cancel := it.scheduler(d, func() {
		it.router(inst, orchestra.Event{Name: name})
	})
	inst.timers[node.ID] = append(inst.timers[node.ID], cancel)
}

func contextDelay(v any) (time.Duration, bool) {
	switch value := v.(type) {
	case time.Duration:
		return value, true
	case string:
		d, err := time.ParseDuration(value)
		return d, err == nil
	case int:
		return time.Duration(value) * time.Millisecond, true
	case int64:
		return time.Duration(value) * time.Millisecond, true
	case float64:
		return time.Duration(value * float64(time.Millisecond)), true
	}
	return 0, false
}

// runActions runs transition actions; an action error becomes an internal
// error.execution event so the chart can route it before the instance fails.
func (it *Interpreter) runActions(inst *Instance, names []string, evt orchestra.Event, queue *[]orchestra.Event) error {
	for _, name := range names {
		if err := it.runActionErr(inst, name, evt); err != nil {
			*queue = append(*queue, orchestra.Event{
				Name:    errorExecutionEvent,
				Payload: map[string]any{"action": name, "error": err.Error()},
			})
			return nil
		}
	}
	return nil
}

// runAction runs an entry/exit action, reporting failures without aborting
// the transition in flight.
func (it *Interpreter) runAction(inst *Instance, name string, evt orchestra.Event) {
	if err := it.runActionErr(inst, name, evt); err != nil {
		it.logger.Warn("action %s failed in instance %s: %v", name, inst.ID, err)
	}
}

func (it *Interpreter) runActionErr(inst *Instance, name string, evt orchestra.Event) error {
	action, err := it.def.actions.Lookup(name)
	if err != nil {
		return err
	}
	return action(inst.Context, evt)
}

// eventlessStep scans the active configuration for the first enabled
// eventless transition and fires it. Reports whether anything fired.
func (it *Interpreter) eventlessStep(inst *Instance, queue *[]orchestra.Event) (bool, error) {
	evt := orchestra.Event{Name: ""}
	for _, leaf := range inst.activeOrdered() {
		if !inst.active[leaf] {
			continue
		}
		for id := leaf; id != NoNode && id != it.def.root; id = it.def.Node(id).Parent {
			node := it.def.Node(id)
			if len(node.Always) == 0 {
				continue
			}
			fired, err := it.fireCandidates(inst, id, node.Always, evt, queue)
			if err != nil {
				return false, err
			}
			if fired {
				it.checkCompletion(inst, queue)
				return true, nil
			}
		}
	}
	return false, nil
}

// checkCompletion raises completion events for finished parallel states and
// finishes the instance when a top level final state is reached.
func (it *Interpreter) checkCompletion(inst *Instance, queue *[]orchestra.Event) {
	if inst.Status.Terminal() {
		return
	}
	for _, node := range it.def.nodes {
		if node.Type != StateParallel || inst.signaled[node.ID] || !it.nodeActive(inst, node.ID) {
			continue
		}
		if it.parallelComplete(inst, node) {
			inst.signaled[node.ID] = true
			*queue = append(*queue, orchestra.Event{Name: doneStateEvent(node.Path)})
		}
	}
	for leaf := range inst.active {
		node := it.def.Node(leaf)
		if node.Type == StateFinal && node.Parent == it.def.root {
			inst.cancelAll()
			inst.Status = StatusDone
			inst.FinishedAt = time.Now()
			it.logger.Info("machine %s instance %s done in %s", it.def.ID, inst.ID, node.Path)
			orchestra.Emit(it.sink, "machine.done", inst.ID, 1, map[string]any{"final": node.Path})
			return
		}
	}
}

// parallelComplete reports whether every region of p rests in a final state.
func (it *Interpreter) parallelComplete(inst *Instance, p *Node) bool {
	for _, region := range p.Children {
		if it.def.Node(region).Type == StateHistory {
			continue
		}
		regionDone := false
		regionActive := false
		for leaf := range inst.active {
			if !it.def.isDescendant(leaf, region) {
				continue
			}
			regionActive = true
			if it.def.Node(leaf).Type != StateFinal {
				return false
			}
			regionDone = true
		}
		if !regionActive || !regionDone {
			return false
		}
	}
	return true
}

// nodeActive reports whether id is active directly or through a descendant.
func (it *Interpreter) nodeActive(inst *Instance, id NodeID) bool {
	if inst.active[id] {
		return true
	}
	for leaf := range inst.active {
		if it.def.isDescendant(leaf, id) {
			return true
		}
	}
	return false
}

// resolveInput substitutes $ctx.<key> references in invoke input values.
func resolveInput(input, ctx map[string]any) map[string]any {
	out := make(map[string]any, len(input))
	for k, v := range input {
		if s, ok := v.(string); ok && strings.HasPrefix(s, "$ctx.") {
			out[k] = ctx[strings.TrimPrefix(s, "$ctx.")]
			continue
		}
		out[k] = v
	}
	return out
}

// Describe renders a one line summary of the definition for CLI inspection.
func Describe(def *Definition) string {
	leaves := 0
	for _, n := range def.nodes {
		if len(n.Children) == 0 && n.ID != def.root {
			leaves++
		}
	}
	return fmt.Sprintf("%s@%s states=%d leaves=%d", def.ID, def.Version, len(def.nodes)-1, leaves)
}
