package orchestra

import (
	"context"
	"testing"
)

func TestTaskScopeKeysMostSpecificLast(t *testing.T) {
	task := &Task{ID: "t1", Name: "fetch", Agent: "crawler"}
	keys := task.ScopeKeys()
	want := []string{ScopeGlobal, ScopeAgent("crawler"), ScopeTaskType("fetch")}
	if len(keys) != len(want) {
		t.Fatalf("keys %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("keys %v, want %v", keys, want)
		}
	}
}

func TestTaskScopeKeysSkipEmptyAgent(t *testing.T) {
	task := &Task{ID: "t1", Name: "fetch"}
	for _, key := range task.ScopeKeys() {
		if key == ScopeAgent("") {
			t.Fatalf("empty agent must not produce a scope: %v", task.ScopeKeys())
		}
	}
}

func TestTaskStatusTerminal(t *testing.T) {
	terminal := []TaskStatus{TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Fatalf("%s must be terminal", s)
		}
	}
	for _, s := range []TaskStatus{TaskStatusScheduled, TaskStatusRunning} {
		if s.Terminal() {
			t.Fatalf("%s must not be terminal", s)
		}
	}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Save(ctx, KindMachineInstance, "i-1", []byte(`{"status":"running"}`)); err != nil {
		t.Fatalf("save: %v", err)
	}
	data, err := store.Load(ctx, KindMachineInstance, "i-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(data) != `{"status":"running"}` {
		t.Fatalf("unexpected payload: %s", data)
	}

	ids, err := store.List(ctx, KindMachineInstance)
	if err != nil || len(ids) != 1 || ids[0] != "i-1" {
		t.Fatalf("list: %v %v", ids, err)
	}

	if err := store.Delete(ctx, KindMachineInstance, "i-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Load(ctx, KindMachineInstance, "i-1"); ErrorCode(err) != ErrCodeNotFound {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}

func TestMemoryStoreCopiesOnWrite(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	payload := []byte("original")
	store.Save(ctx, KindTaskInstance, "t-1", payload)
	payload[0] = 'X'

	data, _ := store.Load(ctx, KindTaskInstance, "t-1")
	if string(data) != "original" {
		t.Fatalf("stored value must not alias caller memory: %s", data)
	}
}
