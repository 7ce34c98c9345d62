package machine

import (
	"sync"

	apperrors "github.com/goliatone/go-errors"
	orchestra "github.com/goliatone/go-orchestra"
)

// GuardRegistry holds named guard predicates referenced by transitions.
type GuardRegistry struct {
	mu     sync.RWMutex
	guards map[string]Guard
}

// NewGuardRegistry creates an empty guard registry.
func NewGuardRegistry() *GuardRegistry {
	return &GuardRegistry{guards: make(map[string]Guard)}
}

// Register binds a guard under name, replacing any previous binding.
func (r *GuardRegistry) Register(name string, guard Guard) *GuardRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.guards[name] = guard
	return r
}

// Lookup returns the guard registered under name.
func (r *GuardRegistry) Lookup(name string) (Guard, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if g, ok := r.guards[name]; ok {
		return g, nil
	}
	return nil, apperrors.New("guard not registered: "+name, apperrors.CategoryBadInput).
		WithTextCode(orchestra.ErrCodeNotFound).
		WithMetadata(map[string]any{"guard": name})
}

// Names returns the registered guard names, unsorted.
func (r *GuardRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.guards))
	for name := range r.guards {
		out = append(out, name)
	}
	return out
}

// ActionRegistry holds named actions run on entry, exit, and transitions.
type ActionRegistry struct {
	mu      sync.RWMutex
	actions map[string]Action
}

// NewActionRegistry creates an empty action registry.
func NewActionRegistry() *ActionRegistry {
	return &ActionRegistry{actions: make(map[string]Action)}
}

// Register binds an action under name, replacing any previous binding.
func (r *ActionRegistry) Register(name string, action Action) *ActionRegistry {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.actions[name] = action
	return r
}

// Lookup returns the action registered under name.
func (r *ActionRegistry) Lookup(name string) (Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if a, ok := r.actions[name]; ok {
		return a, nil
	}
	return nil, apperrors.New("action not registered: "+name, apperrors.CategoryBadInput).
		WithTextCode(orchestra.ErrCodeNotFound).
		WithMetadata(map[string]any{"action": name})
}

// Names returns the registered action names, unsorted.
func (r *ActionRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.actions))
	for name := range r.actions {
		out = append(out, name)
	}
	return out
}
