package machine

import (
	"testing"

	orchestra "github.com/goliatone/go-orchestra"
)

const fetchChart = `
id: fetcher
initial: fetching
context:
  url: https://example.com/data
states:
  fetching:
    invoke:
      task: fetch
      version: "^1.0.0"
      input:
        url: $ctx.url
        mode: fast
      on_done:
        - target: store
          actions: [keep]
      on_error:
        - target: failed
    on:
      ABORT: failed
  store:
    type: final
  failed: {}
`

type fakeInvocation struct {
	node      *Node
	spec      *InvokeSpec
	input     map[string]any
	cancelled bool
}

func fetchSetup(t *testing.T) (*Interpreter, *Instance, *fakeInvocation) {
	t.Helper()
	def := mustDef(t, fetchChart)
	def.Actions().Register("keep", func(ctx map[string]any, evt orchestra.Event) error {
		ctx["result"] = evt.Payload["body"]
		return nil
	})
	call := &fakeInvocation{}
	it := NewInterpreter(def, WithInvocationHandler(
		func(_ *Instance, node *Node, spec *InvokeSpec, input map[string]any) func() {
			call.node = node
			call.spec = spec
			call.input = input
			return func() { call.cancelled = true }
		}))
	inst := NewInstance("i", def)
	if err := it.Start(inst); err != nil {
		t.Fatalf("start: %v", err)
	}
	return it, inst, call
}

func TestInvokeStartsOnEntryWithResolvedInput(t *testing.T) {
	_, _, call := fetchSetup(t)

	if call.spec == nil || call.spec.Task != "fetch" || call.spec.Version != "^1.0.0" {
		t.Fatalf("expected fetch invocation, got %+v", call.spec)
	}
	if call.input["url"] != "https://example.com/data" {
		t.Fatalf("context reference must resolve, got %v", call.input["url"])
	}
	if call.input["mode"] != "fast" {
		t.Fatalf("literal input must pass through, got %v", call.input["mode"])
	}
}

func TestInvokeCompletionRoutesOnDone(t *testing.T) {
	it, inst, _ := fetchSetup(t)

	err := it.Send(inst, orchestra.Event{
		Name:    invokeDoneEvent("fetching"),
		Payload: map[string]any{"body": "ok"},
	})
	if err != nil {
		t.Fatalf("completion event: %v", err)
	}
	if inst.Status != StatusDone {
		t.Fatalf("expected done, got %s in %v", inst.Status, inst.ActivePaths())
	}
	if inst.Context["result"] != "ok" {
		t.Fatalf("completion payload must reach actions, got %v", inst.Context["result"])
	}
}

func TestInvokeFailureRoutesOnError(t *testing.T) {
	it, inst, _ := fetchSetup(t)

	it.Send(inst, orchestra.Event{
		Name:    invokeErrEvent("fetching"),
		Payload: map[string]any{"error": "connect refused"},
	})
	if !inst.InState("failed") {
		t.Fatalf("expected failed, got %v", inst.ActivePaths())
	}
}

func TestInvokeCancelledWhenStateExits(t *testing.T) {
	it, inst, call := fetchSetup(t)

	it.Send(inst, orchestra.Event{Name: "ABORT"})
	if !call.cancelled {
		t.Fatalf("exiting the invoking state must cancel the work")
	}
	if !inst.InState("failed") {
		t.Fatalf("expected failed, got %v", inst.ActivePaths())
	}
}

func TestInvokeFailureWithoutHandlerErrorsInstance(t *testing.T) {
	def := mustDef(t, `
id: fragile
initial: working
states:
  working:
    invoke:
      task: risky
      on_done:
        - target: finished
  finished:
    type: final
`)
	it := NewInterpreter(def, WithInvocationHandler(
		func(*Instance, *Node, *InvokeSpec, map[string]any) func() { return nil }))
	inst := NewInstance("i", def)
	it.Start(inst)

	err := it.Send(inst, orchestra.Event{Name: invokeErrEvent("working")})
	if orchestra.ErrorCode(err) != orchestra.ErrCodeErroredState {
		t.Fatalf("unrouted invoke failure must error the instance, got %v", err)
	}
	if inst.Status != StatusErrored {
		t.Fatalf("expected errored, got %s", inst.Status)
	}
}

func TestInvokeFailureBubblesToAncestorHandler(t *testing.T) {
	def := mustDef(t, `
id: guarded
initial: wrap
states:
  wrap:
    type: compound
    initial: work
    on:
      "*": recovering
    states:
      work:
        invoke:
          task: risky
          on_done:
            - target: done
      done:
        type: final
  recovering: {}
`)
	it := NewInterpreter(def, WithInvocationHandler(
		func(*Instance, *Node, *InvokeSpec, map[string]any) func() { return nil }))
	inst := NewInstance("i", def)
	it.Start(inst)

	// the invoking state declares no on_error; the failure must climb to the
	// wrapping handler instead of killing the instance
	err := it.Send(inst, orchestra.Event{Name: invokeErrEvent("wrap.work")})
	if err != nil {
		t.Fatalf("routed failure must not error the instance: %v", err)
	}
	if inst.Status != StatusRunning || !inst.InState("recovering") {
		t.Fatalf("expected recovering, got %s in %v", inst.Status, inst.ActivePaths())
	}
}

func TestStaleInvokeCompletionIsDropped(t *testing.T) {
	it, inst, _ := fetchSetup(t)

	it.Send(inst, orchestra.Event{Name: "ABORT"})
	// the completion raced with the abort; it must not resurrect the state
	if err := it.Send(inst, orchestra.Event{Name: invokeDoneEvent("fetching")}); err != nil {
		t.Fatalf("stale completion must be dropped: %v", err)
	}
	if !inst.InState("failed") {
		t.Fatalf("expected failed, got %v", inst.ActivePaths())
	}
}
