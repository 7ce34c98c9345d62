package machine

import (
	"testing"

	orchestra "github.com/goliatone/go-orchestra"
)

func TestSnapshotRoundTrip(t *testing.T) {
	it, inst := orderInterpreter(t)
	it.Send(inst, orchestra.Event{Name: "START"})
	inst.Context["note"] = "halfway"

	data, err := inst.MarshalSnapshot()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	snap, err := UnmarshalSnapshot(data)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if snap.Workflow != "order" || snap.Status != StatusRunning {
		t.Fatalf("snapshot header broken: %+v", snap)
	}

	restored, err := RestoreInstance(snap, inst.Def)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	if !restored.InState("running") {
		t.Fatalf("restored instance must be running, got %v", restored.ActivePaths())
	}
	if restored.Context["note"] != "halfway" {
		t.Fatalf("context not restored: %v", restored.Context)
	}

	// the restored instance keeps interpreting where the original stopped
	if err := it.Send(restored, orchestra.Event{Name: "FINISH"}); err != nil {
		t.Fatalf("send to restored: %v", err)
	}
	if restored.Status != StatusDone {
		t.Fatalf("expected done, got %s", restored.Status)
	}
}

func TestSnapshotPreservesHistory(t *testing.T) {
	def := mustDef(t, editorChart)
	it := NewInterpreter(def)
	inst := NewInstance("i", def)
	it.Start(inst)

	it.Send(inst, orchestra.Event{Name: "EDIT"})
	it.Send(inst, orchestra.Event{Name: "PAUSE"})

	data, _ := inst.MarshalSnapshot()
	snap, _ := UnmarshalSnapshot(data)
	restored, err := RestoreInstance(snap, def)
	if err != nil {
		t.Fatalf("restore: %v", err)
	}

	it.Send(restored, orchestra.Event{Name: "RESUME"})
	if !restored.InState("active.review") {
		t.Fatalf("history must survive the snapshot, got %v", restored.ActivePaths())
	}
}

func TestRestoreRejectsUnknownState(t *testing.T) {
	def := mustDef(t, orderChart)
	_, err := RestoreInstance(Snapshot{ID: "i", Active: []string{"ghost"}}, def)
	if err == nil {
		t.Fatalf("restore must reject unknown states")
	}
}

func TestInStateCoversAncestors(t *testing.T) {
	def := mustDef(t, `
id: nest
initial: outer
states:
  outer:
    type: compound
    initial: inner
    states:
      inner: {}
`)
	it := NewInterpreter(def)
	inst := NewInstance("i", def)
	it.Start(inst)

	if !inst.InState("outer") || !inst.InState("outer.inner") {
		t.Fatalf("ancestors of active leaves are active, got %v", inst.ActivePaths())
	}
	if inst.InState("missing") {
		t.Fatalf("unknown paths are never active")
	}
}
