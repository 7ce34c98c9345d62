package engine

import (
	"sync"
	"time"

	orchestra "github.com/goliatone/go-orchestra"

	rcron "github.com/robfig/cron/v3"
)

// Scheduler starts workflow instances on cron expressions. Each trigger is a
// fresh instance with its own context overrides.
type Scheduler struct {
	mu       sync.Mutex
	cron     *rcron.Cron
	engine   *Engine
	logger   orchestra.Logger
	location *time.Location
	entries  map[rcron.EntryID]string
}

// SchedulerOption customizes scheduler construction.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets the scheduler logger.
func WithSchedulerLogger(logger orchestra.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = logger }
}

// WithLocation evaluates cron expressions in the given timezone.
func WithLocation(loc *time.Location) SchedulerOption {
	return func(s *Scheduler) {
		if loc != nil {
			s.location = loc
		}
	}
}

// NewScheduler creates a scheduler bound to the engine.
func NewScheduler(engine *Engine, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		engine:   engine,
		location: time.Local,
		entries:  make(map[rcron.EntryID]string),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = orchestra.NormalizeLogger(s.logger)
	s.cron = rcron.New(rcron.WithLocation(s.location))
	return s
}

// Schedule registers a recurring trigger. The expression uses the standard
// five-field cron format. The overrides map is copied into each instance's
// initial context.
func (s *Scheduler) Schedule(expression, workflowID string, overrides map[string]any) (rcron.EntryID, error) {
	id, err := s.cron.AddFunc(expression, func() {
		instID, err := s.engine.StartInstance(workflowID, overrides)
		if err != nil {
			s.logger.Error("scheduled start of %s failed: %v", workflowID, err)
			return
		}
		s.logger.Info("scheduled trigger started %s instance %s", workflowID, instID)
	})
	if err != nil {
		return 0, orchestra.CloneError(orchestra.ErrInvalidSchema,
			"invalid cron expression", err, map[string]any{
				"expression": expression, "workflow": workflowID,
			})
	}
	s.mu.Lock()
	s.entries[id] = workflowID
	s.mu.Unlock()
	return id, nil
}

// Remove unregisters a trigger.
func (s *Scheduler) Remove(id rcron.EntryID) {
	s.cron.Remove(id)
	s.mu.Lock()
	delete(s.entries, id)
	s.mu.Unlock()
}

// Entries lists active triggers as entry id to workflow id.
func (s *Scheduler) Entries() map[rcron.EntryID]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[rcron.EntryID]string, len(s.entries))
	for id, wf := range s.entries {
		out[id] = wf
	}
	return out
}

// Start begins firing triggers.
func (s *Scheduler) Start() { s.cron.Start() }

// Stop halts triggering and waits for in-flight trigger callbacks.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}
