// Package machine holds statechart definitions and the interpreter that
// drives them: hierarchical and parallel states, guarded transitions,
// eventless and delayed transitions, history, and task invocation hooks.
package machine

import (
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// StateType is the kind of state node.
type StateType string

const (
	StateAtomic   StateType = "atomic"
	StateCompound StateType = "compound"
	StateParallel StateType = "parallel"
	StateFinal    StateType = "final"
	StateHistory  StateType = "history"
)

// History kinds.
const (
	HistoryShallow = "shallow"
	HistoryDeep    = "deep"
)

// NodeID indexes the definition's node arena. The arena assigns ids in
// document order, which also fixes evaluation order for tie-breaks.
type NodeID int

// NoNode is the null arena reference.
const NoNode NodeID = -1

// Guard is a pure predicate over context and event. A guard error skips the
// candidate, it never aborts interpretation.
type Guard func(ctx map[string]any, evt orchestra.Event) (bool, error)

// Action mutates context during entry/exit/transition. Action errors bubble
// as error.execution events.
type Action func(ctx map[string]any, evt orchestra.Event) error

// Candidate is one (guard, target, actions) transition alternative,
// evaluated first-match in declaration order.
type Candidate struct {
	Guard   string   `json:"guard,omitempty" yaml:"guard,omitempty"`
	Target  string   `json:"target,omitempty" yaml:"target,omitempty"`
	Actions []string `json:"actions,omitempty" yaml:"actions,omitempty"`
}

// Transition binds an event name to its ordered candidates. The empty event
// name marks an eventless (always) transition; "*" matches any event.
type Transition struct {
	Event      string
	Candidates []Candidate
}

// Wildcard matches any event name.
const Wildcard = "*"

// DelayedTransition schedules a synthesized event Delay after state entry.
// When DelayKey is set, the delay is read from context at schedule time.
type DelayedTransition struct {
	Delay      time.Duration
	DelayKey   string
	Candidates []Candidate
}

// InvokeSpec delegates work to a registered task type while the state is
// active. OnDone/OnError route the completion event.
type InvokeSpec struct {
	Task    string         `json:"task" yaml:"task"`
	Version string         `json:"version" yaml:"version"`
	Input   map[string]any `json:"input" yaml:"input"`
	OnDone  []Candidate    `json:"on_done" yaml:"on_done"`
	OnError []Candidate    `json:"on_error" yaml:"on_error"`
}

// Node is one state in the arena. Children of a parallel node are its
// regions; each evolves independently.
type Node struct {
	ID      NodeID
	Name    string
	Path    string
	Type    StateType
	Parent  NodeID
	Initial NodeID
	Children []NodeID

	HistoryKind string // for history pseudostates

	Entry []string
	Exit  []string

	Transitions []Transition
	Always      []Candidate
	After       []DelayedTransition
	Invoke      *InvokeSpec
	OnAllDone   []Candidate
}

// Definition is an immutable compiled statechart.
type Definition struct {
	ID             string
	Version        string
	InitialContext map[string]any

	nodes []*Node
	byPath map[string]NodeID
	root   NodeID

	guards  *GuardRegistry
	actions *ActionRegistry
}

// Node returns the arena node for id, nil when out of range.
func (d *Definition) Node(id NodeID) *Node {
	if id < 0 || int(id) >= len(d.nodes) {
		return nil
	}
	return d.nodes[id]
}

// Lookup resolves a dotted state path to its node id.
func (d *Definition) Lookup(path string) (NodeID, bool) {
	id, ok := d.byPath[path]
	return id, ok
}

// Root returns the synthetic root node id.
func (d *Definition) Root() NodeID { return d.root }

// Paths lists every declared state path in document order.
func (d *Definition) Paths() []string {
	out := make([]string, 0, len(d.nodes)-1)
	for _, n := range d.nodes {
		if n.ID == d.root {
			continue
		}
		out = append(out, n.Path)
	}
	return out
}

// Guards returns the guard registry bound to this definition.
func (d *Definition) Guards() *GuardRegistry { return d.guards }

// Actions returns the action registry bound to this definition.
func (d *Definition) Actions() *ActionRegistry { return d.actions }

// ancestors returns ids from the immediate parent up to (excluding) root.
func (d *Definition) ancestors(id NodeID) []NodeID {
	var out []NodeID
	for n := d.Node(id); n != nil && n.Parent != NoNode; n = d.Node(n.Parent) {
		out = append(out, n.Parent)
	}
	return out
}

// pathTo returns root-to-node order, excluding the synthetic root.
func (d *Definition) pathTo(id NodeID) []NodeID {
	anc := d.ancestors(id)
	out := make([]NodeID, 0, len(anc)+1)
	for i := len(anc) - 1; i >= 0; i-- {
		if anc[i] == d.root {
			continue
		}
		out = append(out, anc[i])
	}
	return append(out, id)
}

// isDescendant reports whether id sits under ancestor (or equals it).
func (d *Definition) isDescendant(id, ancestor NodeID) bool {
	for n := id; n != NoNode; {
		if n == ancestor {
			return true
		}
		node := d.Node(n)
		if node == nil {
			return false
		}
		n = node.Parent
	}
	return false
}

// lca returns the lowest common ancestor of two nodes.
func (d *Definition) lca(a, b NodeID) NodeID {
	onA := make(map[NodeID]bool)
	for _, id := range d.pathTo(a) {
		onA[id] = true
	}
	onA[a] = true
	for n := b; n != NoNode; {
		if onA[n] {
			return n
		}
		node := d.Node(n)
		if node == nil {
			break
		}
		n = node.Parent
	}
	return d.root
}

// initialLeafTargets resolves a node to the leaf (or leaves, for parallel
// subtrees) entered by default, ignoring history.
func (d *Definition) historyNodeOf(compound NodeID) NodeID {
	n := d.Node(compound)
	if n == nil {
		return NoNode
	}
	for _, child := range n.Children {
		if c := d.Node(child); c != nil && c.Type == StateHistory {
			return child
		}
	}
	return NoNode
}
