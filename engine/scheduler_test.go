package engine

import (
	"context"
	"testing"

	orchestra "github.com/goliatone/go-orchestra"
	"github.com/goliatone/go-orchestra/registry"
)

func schedulerEngine(t *testing.T) *Engine {
	t.Helper()
	invoker := orchestra.InvokerFunc(func(context.Context, string, map[string]any) (map[string]any, error) {
		return nil, nil
	})
	e := New(registry.New(), invoker)
	t.Cleanup(e.Stop)
	return e
}

func TestScheduleRegistersTrigger(t *testing.T) {
	s := NewScheduler(schedulerEngine(t))

	id, err := s.Schedule("*/5 * * * *", "pipeline", map[string]any{"source": "cron"})
	if err != nil {
		t.Fatalf("schedule: %v", err)
	}
	entries := s.Entries()
	if entries[id] != "pipeline" {
		t.Fatalf("expected entry for pipeline, got %v", entries)
	}

	s.Remove(id)
	if len(s.Entries()) != 0 {
		t.Fatalf("expected no entries after remove")
	}
}

func TestScheduleRejectsBadExpression(t *testing.T) {
	s := NewScheduler(schedulerEngine(t))

	_, err := s.Schedule("not a cron line", "pipeline", nil)
	if orchestra.ErrorCode(err) != orchestra.ErrCodeInvalidSchema {
		t.Fatalf("expected invalid schema, got %v", err)
	}
	if len(s.Entries()) != 0 {
		t.Fatalf("failed schedule must not register")
	}
}

func TestSchedulerStartStop(t *testing.T) {
	s := NewScheduler(schedulerEngine(t))
	if _, err := s.Schedule("@hourly", "pipeline", nil); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	s.Start()
	s.Stop()
}
