package orchestra

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a task instance.
type TaskStatus string

const (
	TaskStatusScheduled TaskStatus = "scheduled"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusTimedOut  TaskStatus = "timed_out"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusTimedOut, TaskStatusCancelled:
		return true
	}
	return false
}

// Task is one runnable instance of a registered task type.
type Task struct {
	ID       string
	Name     string
	Version  string
	Agent    string
	Machine  string
	Input    map[string]any
	Priority int

	// Deadline orders deadline queues; TTL bounds time buffered under
	// backpressure. Zero values disable both.
	Deadline time.Time
	TTL      time.Duration

	Attempts  int
	Status    TaskStatus
	LastError string

	CreatedAt  time.Time
	EnqueuedAt time.Time
	StartedAt  time.Time
	FinishedAt time.Time
}

// Admission scope keys, most specific last. A task must pass every
// applicable gate: global, per-agent, and per-task-type.
func (t *Task) ScopeKeys() []string {
	keys := []string{ScopeGlobal}
	if t.Agent != "" {
		keys = append(keys, ScopeAgent(t.Agent))
	}
	if t.Name != "" {
		keys = append(keys, ScopeTaskType(t.Name))
	}
	return keys
}

// ScopeGlobal is the catch-all admission scope.
const ScopeGlobal = "global"

// ScopeAgent builds a per-agent scope key.
func ScopeAgent(agent string) string { return "agent:" + agent }

// ScopeTaskType builds a per-task-type scope key.
func ScopeTaskType(name string) string { return "task:" + name }

// Ref renders the task reference used in logs and errors.
func (t *Task) Ref() string {
	return fmt.Sprintf("%s@%s/%s", t.Name, t.Version, t.ID)
}
