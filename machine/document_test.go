package machine

import (
	"testing"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

func TestCompileBuildsArenaInDocumentOrder(t *testing.T) {
	def := mustDef(t, `
id: order
version: "2.1.0"
initial: idle
states:
  idle: {}
  running:
    type: compound
    initial: step1
    states:
      step1: {}
      step2: {}
  completed:
    type: final
`)
	if def.ID != "order" || def.Version != "2.1.0" {
		t.Fatalf("identity not carried: %s@%s", def.ID, def.Version)
	}
	for i, path := range []string{"idle", "running", "running.step1", "running.step2", "completed"} {
		id, ok := def.Lookup(path)
		if !ok {
			t.Fatalf("missing path %s", path)
		}
		if int(id) != i+1 {
			t.Fatalf("arena order broken: %s has id %d", path, id)
		}
	}
	running, _ := def.Lookup("running")
	if def.Node(running).Type != StateCompound {
		t.Fatalf("nested states must promote to compound")
	}
	completed, _ := def.Lookup("completed")
	if def.Node(completed).Type != StateFinal {
		t.Fatalf("final type not carried")
	}
}

func TestCompileRejectsUnknownTarget(t *testing.T) {
	_, err := LoadDefinition([]byte(`
id: bad
initial: a
states:
  a:
    on:
      GO: nowhere
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeNotFound {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestCompileRequiresInitial(t *testing.T) {
	_, err := LoadDefinition([]byte(`
id: bad
states:
  a: {}
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeInvalidSchema {
		t.Fatalf("expected invalid schema, got %v", err)
	}

	_, err = LoadDefinition([]byte(`
id: bad
initial: outer
states:
  outer:
    type: compound
    states:
      inner: {}
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeInvalidSchema {
		t.Fatalf("compound without initial must fail, got %v", err)
	}
}

func TestCompileRejectsSingleRegionParallel(t *testing.T) {
	_, err := LoadDefinition([]byte(`
id: bad
initial: par
states:
  par:
    type: parallel
    states:
      only:
        type: compound
        initial: x
        states:
          x: {}
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeInvalidSchema {
		t.Fatalf("expected invalid schema, got %v", err)
	}
}

func TestCompileRejectsUnguardedEventlessCycle(t *testing.T) {
	_, err := LoadDefinition([]byte(`
id: spin
initial: a
states:
  a:
    always:
      - target: b
  b:
    always:
      - target: a
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeCircularTransition {
		t.Fatalf("expected circular transition, got %v", err)
	}
}

func TestCompileAllowsGuardedEventlessCycle(t *testing.T) {
	// guarded cycles are legal at registration and bounded at run time
	if _, err := LoadDefinition([]byte(`
id: retry
initial: a
states:
  a:
    always:
      - target: b
        guard: should_flip
  b:
    always:
      - target: a
        guard: should_flip
`)); err != nil {
		t.Fatalf("guarded cycle must compile: %v", err)
	}
}

func TestCompileRejectsTransitionsOnFinal(t *testing.T) {
	_, err := LoadDefinition([]byte(`
id: bad
initial: a
states:
  a:
    on:
      GO: end
  end:
    type: final
    on:
      GO: a
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeInvalidSchema {
		t.Fatalf("expected invalid schema, got %v", err)
	}
}

func TestCandidateShorthandForms(t *testing.T) {
	def := mustDef(t, `
id: forms
initial: a
states:
  a:
    on:
      SCALAR: b
      MAPPING:
        target: b
        guard: g
      LIST:
        - target: b
          guard: g
        - target: c
  b: {}
  c: {}
`)
	id, _ := def.Lookup("a")
	node := def.Node(id)
	byEvent := map[string]Transition{}
	for _, tr := range node.Transitions {
		byEvent[tr.Event] = tr
	}
	if len(byEvent["SCALAR"].Candidates) != 1 || byEvent["SCALAR"].Candidates[0].Target != "b" {
		t.Fatalf("scalar shorthand broken: %+v", byEvent["SCALAR"])
	}
	if byEvent["MAPPING"].Candidates[0].Guard != "g" {
		t.Fatalf("mapping shorthand broken: %+v", byEvent["MAPPING"])
	}
	if len(byEvent["LIST"].Candidates) != 2 {
		t.Fatalf("list form broken: %+v", byEvent["LIST"])
	}
}

func TestDelayedDocumentParsing(t *testing.T) {
	def := mustDef(t, `
id: timed
initial: a
states:
  a:
    after:
      - delay: 1m30s
        target: b
  b: {}
`)
	id, _ := def.Lookup("a")
	after := def.Node(id).After
	if len(after) != 1 || after[0].Delay != 90*time.Second {
		t.Fatalf("delay parse broken: %+v", after)
	}

	_, err := LoadDefinition([]byte(`
id: timed
initial: a
states:
  a:
    after:
      - delay: soon
        target: b
  b: {}
`))
	if orchestra.ErrorCode(err) != orchestra.ErrCodeInvalidSchema {
		t.Fatalf("bad delay must fail, got %v", err)
	}
}

func TestDefinitionDocumentRoundTrip(t *testing.T) {
	def := mustDef(t, `
id: pipeline
version: "1.2.0"
initial: prep
context:
  retries: 0
states:
  prep:
    entry: [announce]
    on:
      READY: work
      "*":
        - target: failed
          guard: is_fatal
  work:
    type: parallel
    on_all_done:
      - target: done
    states:
      fetch:
        type: compound
        initial: pending
        states:
          recent:
            type: history
            history: deep
          pending:
            invoke:
              task: fetch
              version: "^1.0.0"
              input:
                url: $ctx.url
              on_done:
                - target: fetched
              on_error:
                - target: pending
            after:
              - delay: 1m30s
                target: fetched
          fetched:
            type: final
      audit:
        type: compound
        initial: open
        states:
          open:
            always:
              - target: closed
                guard: audit_done
          closed:
            type: final
  done:
    type: final
  failed: {}
`)

	data, err := MarshalDocument(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := LoadDefinition(data)
	if err != nil {
		t.Fatalf("reload: %v\n%s", err, data)
	}

	wantPaths := def.Paths()
	gotPaths := again.Paths()
	if len(wantPaths) != len(gotPaths) {
		t.Fatalf("paths diverged: %v vs %v", wantPaths, gotPaths)
	}
	for i := range wantPaths {
		if wantPaths[i] != gotPaths[i] {
			t.Fatalf("path order diverged at %d: %v vs %v", i, wantPaths, gotPaths)
		}
	}
	if Describe(def) != Describe(again) {
		t.Fatalf("summaries diverged: %q vs %q", Describe(def), Describe(again))
	}

	// a second serialization must reproduce the first byte for byte
	data2, err := MarshalDocument(again)
	if err != nil {
		t.Fatalf("re-marshal: %v", err)
	}
	if string(data) != string(data2) {
		t.Fatalf("serialization not a fixed point:\n--- first\n%s\n--- second\n%s", data, data2)
	}
}

func TestRoundTripPreservesTransitionShape(t *testing.T) {
	def := mustDef(t, `
id: shape
initial: a
states:
  a:
    on:
      GO:
        - target: b
          guard: ok
          actions: [mark]
        - target: c
  b: {}
  c: {}
`)
	data, err := MarshalDocument(def)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	again, err := LoadDefinition(data)
	if err != nil {
		t.Fatalf("reload: %v\n%s", err, data)
	}

	a, _ := again.Lookup("a")
	trs := again.Node(a).Transitions
	if len(trs) != 1 || trs[0].Event != "GO" || len(trs[0].Candidates) != 2 {
		t.Fatalf("transition shape lost: %+v", trs)
	}
	first := trs[0].Candidates[0]
	if first.Guard != "ok" || first.Target != "b" || len(first.Actions) != 1 || first.Actions[0] != "mark" {
		t.Fatalf("candidate detail lost: %+v", first)
	}
}

func TestParseDocumentAcceptsJSON(t *testing.T) {
	doc, err := ParseDocument([]byte(`{"id":"j","initial":"a","states":{"a":{}}}`))
	if err != nil {
		t.Fatalf("json parse: %v", err)
	}
	if doc.ID != "j" || len(doc.States.Keys) != 1 {
		t.Fatalf("json decode broken: %+v", doc)
	}
	if _, err := doc.Compile(); err != nil {
		t.Fatalf("compile: %v", err)
	}
}

func TestRelativeTargetResolution(t *testing.T) {
	def := mustDef(t, `
id: scoped
initial: outer
states:
  outer:
    type: compound
    initial: a
    states:
      a:
        on:
          SIBLING: b
          ESCAPE: elsewhere
      b: {}
  elsewhere: {}
`)
	a, _ := def.Lookup("outer.a")
	sibling, err := def.resolveTarget(a, "b")
	if err != nil {
		t.Fatalf("sibling resolve: %v", err)
	}
	if def.Node(sibling).Path != "outer.b" {
		t.Fatalf("expected outer.b, got %s", def.Node(sibling).Path)
	}
	top, err := def.resolveTarget(a, "elsewhere")
	if err != nil {
		t.Fatalf("top-level resolve: %v", err)
	}
	if def.Node(top).Path != "elsewhere" {
		t.Fatalf("expected elsewhere, got %s", def.Node(top).Path)
	}
}
