package machine

import (
	"fmt"
	"strings"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
	"gopkg.in/yaml.v3"
)

// Document is the YAML form of a statechart definition. Field order in the
// source document is significant: states compile into the arena in the order
// they are declared, and that order fixes region and leaf iteration order.
type Document struct {
	ID      string         `yaml:"id"`
	Version string         `yaml:"version,omitempty"`
	Initial string         `yaml:"initial"`
	Context map[string]any `yaml:"context,omitempty"`
	States  StateMap       `yaml:"states"`
}

// StateDoc is one state in document form.
type StateDoc struct {
	Type    string   `yaml:"type,omitempty"`
	Initial string   `yaml:"initial,omitempty"`
	History string   `yaml:"history,omitempty"`
	Entry   []string `yaml:"entry,omitempty"`
	Exit    []string `yaml:"exit,omitempty"`

	On        TransitionMap `yaml:"on,omitempty"`
	Always    CandidateList `yaml:"always,omitempty"`
	After     []DelayedDoc  `yaml:"after,omitempty"`
	Invoke    *InvokeDoc    `yaml:"invoke,omitempty"`
	OnAllDone CandidateList `yaml:"on_all_done,omitempty"`
	States    StateMap      `yaml:"states,omitempty"`
}

// DelayedDoc is a delayed transition in document form. Delay holds a duration
// string ("30s"); DelayKey names a context key read at schedule time instead.
type DelayedDoc struct {
	Delay    string        `yaml:"delay,omitempty"`
	DelayKey string        `yaml:"delay_key,omitempty"`
	Target   string        `yaml:"target,omitempty"`
	Guard    string        `yaml:"guard,omitempty"`
	Actions  []string      `yaml:"actions,omitempty"`
	To       CandidateList `yaml:"candidates,omitempty"`
}

// InvokeDoc is an invocation in document form.
type InvokeDoc struct {
	Task    string         `yaml:"task"`
	Version string         `yaml:"version,omitempty"`
	Input   map[string]any `yaml:"input,omitempty"`
	OnDone  CandidateList  `yaml:"on_done,omitempty"`
	OnError CandidateList  `yaml:"on_error,omitempty"`
}

// CandidateList decodes a scalar target, a single candidate mapping, or a
// candidate sequence into a uniform candidate slice.
type CandidateList []Candidate

// UnmarshalYAML implements flexible candidate decoding.
func (l *CandidateList) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var target string
		if err := node.Decode(&target); err != nil {
			return err
		}
		*l = CandidateList{{Target: target}}
		return nil
	case yaml.MappingNode:
		var c Candidate
		if err := node.Decode(&c); err != nil {
			return err
		}
		*l = CandidateList{c}
		return nil
	case yaml.SequenceNode:
		out := make(CandidateList, 0, len(node.Content))
		for _, item := range node.Content {
			var sub CandidateList
			if err := sub.UnmarshalYAML(item); err != nil {
				return err
			}
			out = append(out, sub...)
		}
		*l = out
		return nil
	}
	return fmt.Errorf("unsupported candidate node kind %d", node.Kind)
}

// StateMap preserves the declaration order of a YAML state mapping.
type StateMap struct {
	Keys  []string
	Items map[string]*StateDoc
}

// UnmarshalYAML decodes the mapping while recording key order.
func (m *StateMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("states must be a mapping")
	}
	m.Items = make(map[string]*StateDoc, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		doc := &StateDoc{}
		if err := node.Content[i+1].Decode(doc); err != nil {
			return fmt.Errorf("state %q: %w", key, err)
		}
		m.Keys = append(m.Keys, key)
		m.Items[key] = doc
	}
	return nil
}

// MarshalYAML emits the states in declaration order.
func (m StateMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range m.Keys {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(key); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(m.Items[key]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// IsZero lets omitempty skip empty state maps.
func (m StateMap) IsZero() bool { return len(m.Keys) == 0 }

// TransitionMap preserves the declaration order of an `on:` mapping.
type TransitionMap struct {
	Keys  []string
	Items map[string]CandidateList
}

// UnmarshalYAML decodes the mapping while recording key order.
func (m *TransitionMap) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("on must be a mapping")
	}
	m.Items = make(map[string]CandidateList, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key := node.Content[i].Value
		var list CandidateList
		if err := list.UnmarshalYAML(node.Content[i+1]); err != nil {
			return fmt.Errorf("event %q: %w", key, err)
		}
		m.Keys = append(m.Keys, key)
		m.Items[key] = list
	}
	return nil
}

// MarshalYAML emits the events in declaration order.
func (m TransitionMap) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode}
	for _, key := range m.Keys {
		keyNode := &yaml.Node{}
		if err := keyNode.Encode(key); err != nil {
			return nil, err
		}
		valNode := &yaml.Node{}
		if err := valNode.Encode(m.Items[key]); err != nil {
			return nil, err
		}
		node.Content = append(node.Content, keyNode, valNode)
	}
	return node, nil
}

// IsZero lets omitempty skip empty transition maps.
func (m TransitionMap) IsZero() bool { return len(m.Keys) == 0 }

// ParseDocument decodes YAML bytes into a Document. yaml can handle JSON
// documents too, so a single decode attempt covers both.
func ParseDocument(data []byte) (*Document, error) {
	doc := &Document{}
	if err := yaml.Unmarshal(data, doc); err != nil {
		return nil, orchestra.CloneError(orchestra.ErrInvalidSchema,
			"parse workflow document", err, nil)
	}
	return doc, nil
}

// LoadDefinition parses and compiles a document in one step.
func LoadDefinition(data []byte) (*Definition, error) {
	doc, err := ParseDocument(data)
	if err != nil {
		return nil, err
	}
	return doc.Compile()
}

// Compile builds the immutable node arena from the document and validates
// structure: initial children exist, targets resolve, history and final nodes
// are well formed, and no unguarded eventless cycle exists.
func (doc *Document) Compile() (*Definition, error) {
	if doc.ID == "" {
		return nil, compileErr("workflow id is required", "")
	}
	if len(doc.States.Keys) == 0 {
		return nil, compileErr("workflow declares no states", doc.ID)
	}
	if doc.Initial == "" {
		return nil, compileErr("workflow initial state is required", doc.ID)
	}

	def := &Definition{
		ID:             doc.ID,
		Version:        doc.Version,
		InitialContext: doc.Context,
		byPath:         make(map[string]NodeID),
		guards:         NewGuardRegistry(),
		actions:        NewActionRegistry(),
	}

	root := &Node{ID: 0, Name: "", Path: "", Type: StateCompound, Parent: NoNode, Initial: NoNode}
	def.nodes = append(def.nodes, root)
	def.root = 0

	if err := def.addStates(root, "", doc.States); err != nil {
		return nil, err
	}

	rootInitial, ok := def.byPath[doc.Initial]
	if !ok {
		return nil, compileErr("initial state not declared: "+doc.Initial, doc.ID)
	}
	root.Initial = rootInitial

	if err := def.validate(); err != nil {
		return nil, err
	}
	if err := def.detectUnguardedCycles(); err != nil {
		return nil, err
	}
	return def, nil
}

func (d *Definition) addStates(parent *Node, prefix string, states StateMap) error {
	for _, name := range states.Keys {
		sd := states.Items[name]
		path := name
		if prefix != "" {
			path = prefix + "." + name
		}
		node := &Node{
			ID:     NodeID(len(d.nodes)),
			Name:   name,
			Path:   path,
			Parent: parent.ID,
			Initial: NoNode,
			Entry:  sd.Entry,
			Exit:   sd.Exit,
		}
		switch sd.Type {
		case "", string(StateAtomic):
			node.Type = StateAtomic
			if len(sd.States.Keys) > 0 {
				node.Type = StateCompound
			}
		case string(StateCompound), string(StateParallel), string(StateFinal), string(StateHistory):
			node.Type = StateType(sd.Type)
		default:
			return compileErr("unknown state type: "+sd.Type, path)
		}
		if node.Type == StateHistory {
			node.HistoryKind = sd.History
			if node.HistoryKind == "" {
				node.HistoryKind = HistoryShallow
			}
			if node.HistoryKind != HistoryShallow && node.HistoryKind != HistoryDeep {
				return compileErr("unknown history kind: "+node.HistoryKind, path)
			}
		}

		for _, evtName := range sd.On.Keys {
			node.Transitions = append(node.Transitions, Transition{
				Event:      evtName,
				Candidates: sd.On.Items[evtName],
			})
		}
		node.Always = sd.Always
		node.OnAllDone = sd.OnAllDone
		for _, dd := range sd.After {
			delayed, err := dd.toDelayed(path)
			if err != nil {
				return err
			}
			node.After = append(node.After, delayed)
		}
		if sd.Invoke != nil {
			node.Invoke = &InvokeSpec{
				Task:    sd.Invoke.Task,
				Version: sd.Invoke.Version,
				Input:   sd.Invoke.Input,
				OnDone:  sd.Invoke.OnDone,
				OnError: sd.Invoke.OnError,
			}
			if node.Invoke.Task == "" {
				return compileErr("invoke requires a task name", path)
			}
		}

		d.nodes = append(d.nodes, node)
		d.byPath[path] = node.ID
		parent.Children = append(parent.Children, node.ID)

		if len(sd.States.Keys) > 0 {
			if node.Type == StateAtomic || node.Type == StateFinal || node.Type == StateHistory {
				return compileErr("state type cannot have children", path)
			}
			if err := d.addStates(node, path, sd.States); err != nil {
				return err
			}
			if node.Type == StateCompound {
				initial := sd.Initial
				if initial == "" {
					return compileErr("compound state requires initial", path)
				}
				childID, ok := d.byPath[path+"."+initial]
				if !ok {
					return compileErr("initial child not declared: "+initial, path)
				}
				node.Initial = childID
			}
		} else if node.Type == StateCompound || node.Type == StateParallel {
			return compileErr("state type requires children", path)
		}
	}
	return nil
}

func (dd DelayedDoc) toDelayed(path string) (DelayedTransition, error) {
	out := DelayedTransition{DelayKey: dd.DelayKey}
	if dd.Delay != "" {
		d, err := time.ParseDuration(dd.Delay)
		if err != nil {
			return out, compileErr("invalid delay "+dd.Delay, path)
		}
		out.Delay = d
	}
	if dd.Delay == "" && dd.DelayKey == "" {
		return out, compileErr("delayed transition requires delay or delay_key", path)
	}
	if len(dd.To) > 0 {
		out.Candidates = dd.To
	} else {
		out.Candidates = []Candidate{{Target: dd.Target, Guard: dd.Guard, Actions: dd.Actions}}
	}
	return out, nil
}

// validate checks structural rules and resolves every transition target.
func (d *Definition) validate() error {
	for _, node := range d.nodes {
		if node.ID == d.root {
			continue
		}
		switch node.Type {
		case StateParallel:
			regions := 0
			for _, child := range node.Children {
				if d.Node(child).Type != StateHistory {
					regions++
				}
			}
			if regions < 2 {
				return compileErr("parallel state requires at least two regions", node.Path)
			}
		case StateHistory:
			parent := d.Node(node.Parent)
			if parent == nil || (parent.Type != StateCompound && parent.Type != StateParallel) {
				return compileErr("history state requires a compound parent", node.Path)
			}
		case StateFinal:
			if len(node.Transitions) > 0 || len(node.Always) > 0 || len(node.After) > 0 {
				return compileErr("final state cannot declare transitions", node.Path)
			}
		}

		check := func(cands []Candidate) error {
			for _, c := range cands {
				if c.Target == "" {
					continue
				}
				if _, err := d.resolveTarget(node.ID, c.Target); err != nil {
					return err
				}
			}
			return nil
		}
		for _, tr := range node.Transitions {
			if err := check(tr.Candidates); err != nil {
				return err
			}
		}
		if err := check(node.Always); err != nil {
			return err
		}
		if err := check(node.OnAllDone); err != nil {
			return err
		}
		for _, delayed := range node.After {
			if err := check(delayed.Candidates); err != nil {
				return err
			}
		}
		if node.Invoke != nil {
			if err := check(node.Invoke.OnDone); err != nil {
				return err
			}
			if err := check(node.Invoke.OnError); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveTarget resolves a candidate target relative to the source node:
// first as an absolute path, then as a name scoped to each enclosing state.
func (d *Definition) resolveTarget(source NodeID, target string) (NodeID, error) {
	if id, ok := d.byPath[target]; ok {
		return id, nil
	}
	for scope := d.Node(source).Parent; scope != NoNode; scope = d.Node(scope).Parent {
		prefix := d.Node(scope).Path
		candidate := target
		if prefix != "" {
			candidate = prefix + "." + target
		}
		if id, ok := d.byPath[candidate]; ok {
			return id, nil
		}
		if scope == d.root {
			break
		}
	}
	return NoNode, orchestra.CloneError(orchestra.ErrNotFound,
		"transition target not declared: "+target, nil,
		map[string]any{"state": d.Node(source).Path, "target": target})
}

// detectUnguardedCycles rejects definitions whose mandatory eventless
// transitions form a cycle. Only the first candidate of an always block is
// mandatory; guarded candidates are bounded at interpretation time instead.
func (d *Definition) detectUnguardedCycles() error {
	edges := make(map[NodeID][]NodeID)
	for _, node := range d.nodes {
		if len(node.Always) > 0 {
			first := node.Always[0]
			if first.Guard == "" && first.Target != "" {
				target, err := d.resolveTarget(node.ID, first.Target)
				if err != nil {
					return err
				}
				edges[node.ID] = append(edges[node.ID], target)
			}
		}
		if node.Type == StateCompound && node.Initial != NoNode {
			edges[node.ID] = append(edges[node.ID], node.Initial)
		}
		if node.Type == StateParallel {
			edges[node.ID] = append(edges[node.ID], node.Children...)
		}
	}

	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	state := make(map[NodeID]int, len(d.nodes))
	var visit func(id NodeID) *Node
	visit = func(id NodeID) *Node {
		switch state[id] {
		case visiting:
			return d.Node(id)
		case done:
			return nil
		}
		state[id] = visiting
		for _, next := range edges[id] {
			if hit := visit(next); hit != nil {
				return hit
			}
		}
		state[id] = done
		return nil
	}
	for _, node := range d.nodes {
		if hit := visit(node.ID); hit != nil {
			return orchestra.CloneError(orchestra.ErrCircularTransition,
				"unguarded eventless transitions form a cycle", nil,
				map[string]any{"state": hit.Path, "workflow": d.ID})
		}
	}
	return nil
}

func compileErr(msg, path string) error {
	meta := map[string]any{}
	if path != "" {
		meta["state"] = path
	}
	return orchestra.CloneError(orchestra.ErrInvalidSchema, msg, nil, meta)
}

// Document reconstructs the declarative form of a compiled definition. The
// states come back in arena order, which is the original declaration order,
// so re-compiling the result yields an equivalent definition.
func (d *Definition) Document() *Document {
	root := d.Node(d.root)
	doc := &Document{
		ID:      d.ID,
		Version: d.Version,
		Context: d.InitialContext,
		States:  d.statesDoc(root),
	}
	if root.Initial != NoNode {
		doc.Initial = d.Node(root.Initial).Path
	}
	return doc
}

// MarshalDocument renders a compiled definition back to YAML.
func MarshalDocument(def *Definition) ([]byte, error) {
	data, err := yaml.Marshal(def.Document())
	if err != nil {
		return nil, orchestra.CloneError(orchestra.ErrInvalidSchema,
			"marshal workflow document", err, map[string]any{"workflow": def.ID})
	}
	return data, nil
}

func (d *Definition) statesDoc(parent *Node) StateMap {
	out := StateMap{}
	if len(parent.Children) == 0 {
		return out
	}
	out.Items = make(map[string]*StateDoc, len(parent.Children))
	for _, id := range parent.Children {
		child := d.Node(id)
		out.Keys = append(out.Keys, child.Name)
		out.Items[child.Name] = d.stateDoc(child)
	}
	return out
}

func (d *Definition) stateDoc(node *Node) *StateDoc {
	sd := &StateDoc{
		Entry:     node.Entry,
		Exit:      node.Exit,
		Always:    CandidateList(node.Always),
		OnAllDone: CandidateList(node.OnAllDone),
		States:    d.statesDoc(node),
	}
	if node.Type != StateAtomic {
		sd.Type = string(node.Type)
	}
	if node.Type == StateCompound && node.Initial != NoNode {
		sd.Initial = d.Node(node.Initial).Name
	}
	if node.Type == StateHistory {
		sd.History = node.HistoryKind
	}
	if len(node.Transitions) > 0 {
		tm := TransitionMap{Items: make(map[string]CandidateList, len(node.Transitions))}
		for _, tr := range node.Transitions {
			tm.Keys = append(tm.Keys, tr.Event)
			tm.Items[tr.Event] = CandidateList(tr.Candidates)
		}
		sd.On = tm
	}
	for _, delayed := range node.After {
		dd := DelayedDoc{DelayKey: delayed.DelayKey, To: CandidateList(delayed.Candidates)}
		if delayed.Delay > 0 {
			dd.Delay = delayed.Delay.String()
		}
		sd.After = append(sd.After, dd)
	}
	if node.Invoke != nil {
		sd.Invoke = &InvokeDoc{
			Task:    node.Invoke.Task,
			Version: node.Invoke.Version,
			Input:   node.Invoke.Input,
			OnDone:  CandidateList(node.Invoke.OnDone),
			OnError: CandidateList(node.Invoke.OnError),
		}
	}
	return sd
}

// String renders the document id and version for logs.
func (doc *Document) String() string {
	var b strings.Builder
	b.WriteString(doc.ID)
	if doc.Version != "" {
		b.WriteString("@")
		b.WriteString(doc.Version)
	}
	return b.String()
}
