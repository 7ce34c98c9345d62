package machine

import (
	"encoding/json"
	"sort"
	"time"
)

// Status of a machine instance. Running is the only non-terminal status.
type Status string

const (
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further events.
func (s Status) Terminal() bool { return s != StatusRunning }

// Instance is one running statechart. It is NOT safe for concurrent use: the
// engine serializes all event delivery per instance through a mailbox, so the
// interpreter never sees two events at once.
type Instance struct {
	ID     string
	Def    *Definition
	Status Status

	Context map[string]any

	// active is the set of active leaf nodes. Compound and parallel
	// ancestors are implicitly active through their leaves.
	active map[NodeID]bool

	// history records, per history pseudostate, the leaf paths to restore.
	history map[NodeID][]string

	// timers holds cancel functions for pending delayed events, keyed by
	// the owning state. Cancelled on state exit.
	timers map[NodeID][]func()

	// invocations holds cancel functions for in-flight invokes per state.
	invocations map[NodeID]func()

	// signaled marks parallel states whose completion event was already
	// raised, so a lingering configuration does not raise it twice.
	signaled map[NodeID]bool

	StartedAt  time.Time
	FinishedAt time.Time
	LastError  string
}

// NewInstance creates a fresh instance for def. Call Interpreter.Start to
// enter the initial configuration.
func NewInstance(id string, def *Definition) *Instance {
	ctx := make(map[string]any, len(def.InitialContext))
	for k, v := range def.InitialContext {
		ctx[k] = v
	}
	return &Instance{
		ID:          id,
		Def:         def,
		Status:      StatusRunning,
		Context:     ctx,
		active:      make(map[NodeID]bool),
		history:     make(map[NodeID][]string),
		timers:      make(map[NodeID][]func()),
		invocations: make(map[NodeID]func()),
		signaled:    make(map[NodeID]bool),
	}
}

// ActivePaths returns the active leaf paths in arena (document) order.
func (in *Instance) ActivePaths() []string {
	ids := in.activeOrdered()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, in.Def.Node(id).Path)
	}
	return out
}

// InState reports whether the state at path is active, either as a leaf or
// as an ancestor of an active leaf.
func (in *Instance) InState(path string) bool {
	target, ok := in.Def.Lookup(path)
	if !ok {
		return false
	}
	for id := range in.active {
		if in.Def.isDescendant(id, target) {
			return true
		}
	}
	return false
}

// activeOrdered returns active leaf ids sorted by arena order.
func (in *Instance) activeOrdered() []NodeID {
	ids := make([]NodeID, 0, len(in.active))
	for id := range in.active {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// cancelTimers stops and forgets every pending timer owned by id.
func (in *Instance) cancelTimers(id NodeID) {
	for _, cancel := range in.timers[id] {
		cancel()
	}
	delete(in.timers, id)
}

// cancelInvocation aborts the in-flight invoke owned by id, if any.
func (in *Instance) cancelInvocation(id NodeID) {
	if cancel, ok := in.invocations[id]; ok {
		cancel()
		delete(in.invocations, id)
	}
}

// cancelAll tears down every timer and invocation. Used on terminal status.
func (in *Instance) cancelAll() {
	for id := range in.timers {
		in.cancelTimers(id)
	}
	for id := range in.invocations {
		in.cancelInvocation(id)
	}
}

// Snapshot is the persistent form of an instance.
type Snapshot struct {
	ID         string              `json:"id"`
	Workflow   string              `json:"workflow"`
	Version    string              `json:"version"`
	Status     Status              `json:"status"`
	Active     []string            `json:"active"`
	Context    map[string]any      `json:"context"`
	History    map[string][]string `json:"history,omitempty"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at,omitempty"`
	LastError  string              `json:"last_error,omitempty"`
}

// Snapshot captures the persistent state of the instance. Pending timers and
// invocations are not captured; a restored instance re-enters its active
// states' delayed transitions from zero.
func (in *Instance) Snapshot() Snapshot {
	hist := make(map[string][]string, len(in.history))
	for id, paths := range in.history {
		hist[in.Def.Node(id).Path] = append([]string(nil), paths...)
	}
	return Snapshot{
		ID:         in.ID,
		Workflow:   in.Def.ID,
		Version:    in.Def.Version,
		Status:     in.Status,
		Active:     in.ActivePaths(),
		Context:    in.Context,
		History:    hist,
		StartedAt:  in.StartedAt,
		FinishedAt: in.FinishedAt,
		LastError:  in.LastError,
	}
}

// MarshalSnapshot encodes the snapshot for a Store.
func (in *Instance) MarshalSnapshot() ([]byte, error) {
	return json.Marshal(in.Snapshot())
}

// RestoreInstance rebuilds an instance from a snapshot against def.
func RestoreInstance(snap Snapshot, def *Definition) (*Instance, error) {
	in := NewInstance(snap.ID, def)
	in.Status = snap.Status
	if snap.Context != nil {
		in.Context = snap.Context
	}
	in.StartedAt = snap.StartedAt
	in.FinishedAt = snap.FinishedAt
	in.LastError = snap.LastError
	for _, path := range snap.Active {
		id, ok := def.Lookup(path)
		if !ok {
			return nil, compileErr("snapshot references unknown state: "+path, path)
		}
		in.active[id] = true
	}
	for histPath, paths := range snap.History {
		id, ok := def.Lookup(histPath)
		if !ok {
			return nil, compileErr("snapshot references unknown history state: "+histPath, histPath)
		}
		in.history[id] = append([]string(nil), paths...)
	}
	return in, nil
}

// UnmarshalSnapshot decodes Store bytes into a Snapshot.
func UnmarshalSnapshot(data []byte) (Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return snap, compileErr("decode instance snapshot", "")
	}
	return snap, nil
}
