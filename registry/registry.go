// Package registry catalogs versioned task-type definitions. Registration
// compiles and validates schemas up front; published versions are immutable
// and every mutation lands in an append-only audit log.
package registry

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Masterminds/semver/v3"
	apperrors "github.com/goliatone/go-errors"
	orchestra "github.com/goliatone/go-orchestra"
	"github.com/xeipuuv/gojsonschema"
)

// Latest resolves to the highest registered, non-removed version.
const Latest = "latest"

// Resolved is a definition plus its compiled schemas, ready for execution.
type Resolved struct {
	Definition Definition
	Deprecated bool

	version      *semver.Version
	inputSchema  *gojsonschema.Schema
	outputSchema *gojsonschema.Schema
}

// Version returns the parsed semantic version.
func (r *Resolved) Version() *semver.Version { return r.version }

// ValidateInput checks a task input payload against the registered schema.
func (r *Resolved) ValidateInput(input map[string]any) error {
	return validatePayload(r.inputSchema, input, orchestra.ErrInputValidation, r.Definition.Name)
}

// ValidateOutput checks a handler result against the registered schema.
func (r *Resolved) ValidateOutput(output map[string]any) error {
	return validatePayload(r.outputSchema, output, orchestra.ErrOutputValidation, r.Definition.Name)
}

// AuditEntry is one append-only audit record.
type AuditEntry struct {
	Actor   string
	At      time.Time
	Action  string
	Name    string
	Version string
	Before  *Definition
	After   *Definition
}

type entry struct {
	resolved    Resolved
	fingerprint string
}

// Registry is the versioned task-type catalog. Resolution is read-mostly and
// safe for concurrent use; register/deprecate serialize per task name.
type Registry struct {
	mu     sync.RWMutex
	types  map[string]map[string]*entry
	names  map[string]*sync.Mutex
	audit  []AuditEntry
	logger orchestra.Logger
	clock  func() time.Time
}

// Option customizes registry construction.
type Option func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(logger orchestra.Logger) Option {
	return func(r *Registry) { r.logger = logger }
}

// WithClock overrides the time source, used by removal-date tests.
func WithClock(clock func() time.Time) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// New constructs an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		types: make(map[string]map[string]*entry),
		names: make(map[string]*sync.Mutex),
		clock: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = orchestra.NormalizeLogger(r.logger)
	return r
}

// Register validates and publishes a definition. Re-registering identical
// content is idempotent; conflicting content for an existing version fails.
func (r *Registry) Register(actor string, def Definition) error {
	if err := def.validate(); err != nil {
		return err
	}
	in, err := compileSchema(def.InputSchema, def.Name, "input_schema")
	if err != nil {
		return err
	}
	out, err := compileSchema(def.OutputSchema, def.Name, "output_schema")
	if err != nil {
		return err
	}
	ver, _ := semver.NewVersion(strings.TrimPrefix(def.Version, "v"))

	nameMu := r.nameLock(def.Name)
	nameMu.Lock()
	defer nameMu.Unlock()

	fingerprint := def.Fingerprint()

	r.mu.Lock()
	defer r.mu.Unlock()

	versions := r.types[def.Name]
	if versions == nil {
		versions = make(map[string]*entry)
		r.types[def.Name] = versions
	}
	if existing, ok := versions[ver.String()]; ok {
		if existing.fingerprint == fingerprint {
			return nil
		}
		return orchestra.CloneError(orchestra.ErrDuplicateVersion, "", nil, map[string]any{
			"name": def.Name, "version": ver.String(),
		})
	}

	versions[ver.String()] = &entry{
		resolved: Resolved{
			Definition:   def,
			version:      ver,
			inputSchema:  in,
			outputSchema: out,
		},
		fingerprint: fingerprint,
	}
	defCopy := def
	r.audit = append(r.audit, AuditEntry{
		Actor:   actor,
		At:      r.clock(),
		Action:  "register",
		Name:    def.Name,
		Version: ver.String(),
		After:   &defCopy,
	})
	r.logger.Info("registered task type %s@%s", def.Name, ver.String())
	return nil
}

// Deprecate marks a published version deprecated. It stays resolvable, with
// a warning, until removalDate passes.
func (r *Registry) Deprecate(actor, name, version, replacement string, removalDate time.Time) error {
	ver, err := semver.NewVersion(strings.TrimPrefix(version, "v"))
	if err != nil {
		return orchestra.CloneError(orchestra.ErrNotFound, "invalid version", err, map[string]any{
			"name": name, "version": version,
		})
	}

	nameMu := r.nameLock(name)
	nameMu.Lock()
	defer nameMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookup(name, ver.String())
	if e == nil {
		return orchestra.CloneError(orchestra.ErrNotFound, "", nil, map[string]any{
			"name": name, "version": ver.String(),
		})
	}
	before := e.resolved.Definition
	after := before
	after.Deprecation = &Deprecation{Replacement: replacement, RemovalDate: removalDate}
	e.resolved.Definition = after
	r.audit = append(r.audit, AuditEntry{
		Actor:   actor,
		At:      r.clock(),
		Action:  "deprecate",
		Name:    name,
		Version: ver.String(),
		Before:  &before,
		After:   &after,
	})
	r.logger.Warn("deprecated task type %s@%s, replacement %q", name, ver.String(), replacement)
	return nil
}

// Resolve satisfies a version constraint: an exact version, a semver range,
// or Latest. Deprecated matches resolve with a warning; matches past their
// removal date fail with a removed error.
func (r *Registry) Resolve(name, constraint string) (*Resolved, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	versions := r.types[name]
	if len(versions) == 0 {
		return nil, orchestra.CloneError(orchestra.ErrNotFound, "", nil, map[string]any{
			"name": name, "constraint": constraint,
		})
	}

	match, err := matchConstraint(constraint)
	if err != nil {
		return nil, orchestra.CloneError(orchestra.ErrNotFound, "unsatisfiable version constraint", err, map[string]any{
			"name": name, "constraint": constraint,
		})
	}

	candidates := make([]*semver.Version, 0, len(versions))
	for _, e := range versions {
		if match(e.resolved.version) {
			candidates = append(candidates, e.resolved.version)
		}
	}
	if len(candidates) == 0 {
		return nil, orchestra.CloneError(orchestra.ErrNotFound, "", nil, map[string]any{
			"name": name, "constraint": constraint,
		})
	}
	sortVersions(candidates)

	now := r.clock()
	removed := 0
	for i := len(candidates) - 1; i >= 0; i-- {
		e := versions[candidates[i].String()]
		dep := e.resolved.Definition.Deprecation
		if dep != nil && !dep.RemovalDate.IsZero() && now.After(dep.RemovalDate) {
			removed++
			continue
		}
		res := e.resolved
		if dep != nil {
			res.Deprecated = true
			r.logger.Warn("task type %s@%s is deprecated, use %q", name, res.version.String(), dep.Replacement)
		}
		return &res, nil
	}
	if removed > 0 {
		return nil, orchestra.CloneError(orchestra.ErrRemoved, "", nil, map[string]any{
			"name": name, "constraint": constraint,
		})
	}
	return nil, orchestra.CloneError(orchestra.ErrNotFound, "", nil, map[string]any{
		"name": name, "constraint": constraint,
	})
}

// List returns the registered task type names, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.types))
	for name := range r.types {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Versions returns the registered versions for a name, ascending.
func (r *Registry) Versions(name string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	versions := r.types[name]
	parsed := make([]*semver.Version, 0, len(versions))
	for _, e := range versions {
		parsed = append(parsed, e.resolved.version)
	}
	sortVersions(parsed)
	out := make([]string, len(parsed))
	for i, v := range parsed {
		out[i] = v.String()
	}
	return out
}

// Audit returns a copy of the audit log.
func (r *Registry) Audit() []AuditEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]AuditEntry, len(r.audit))
	copy(out, r.audit)
	return out
}

func (r *Registry) lookup(name, version string) *entry {
	versions := r.types[name]
	if versions == nil {
		return nil
	}
	return versions[version]
}

func (r *Registry) nameLock(name string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	mu := r.names[name]
	if mu == nil {
		mu = &sync.Mutex{}
		r.names[name] = mu
	}
	return mu
}

func matchConstraint(constraint string) (func(*semver.Version) bool, error) {
	constraint = strings.TrimSpace(constraint)
	if constraint == "" || strings.EqualFold(constraint, Latest) {
		return func(*semver.Version) bool { return true }, nil
	}
	if exact, err := semver.StrictNewVersion(strings.TrimPrefix(constraint, "v")); err == nil {
		return func(v *semver.Version) bool { return v.Equal(exact) }, nil
	}
	rng, err := semver.NewConstraint(constraint)
	if err != nil {
		return nil, err
	}
	return rng.Check, nil
}

func compileSchema(schema map[string]any, name, field string) (*gojsonschema.Schema, error) {
	if schema == nil {
		return nil, nil
	}
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewGoLoader(schema))
	if err != nil {
		return nil, orchestra.CloneError(orchestra.ErrInvalidSchema, "", err, map[string]any{
			"name": name, "field": field,
		})
	}
	return compiled, nil
}

func validatePayload(schema *gojsonschema.Schema, payload map[string]any, base *apperrors.Error, name string) error {
	if schema == nil {
		return nil
	}
	if payload == nil {
		payload = map[string]any{}
	}
	result, err := schema.Validate(gojsonschema.NewGoLoader(payload))
	if err != nil {
		return orchestra.CloneError(base, "", err, map[string]any{"name": name})
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return orchestra.CloneError(base, "", nil, map[string]any{
		"name": name, "problems": problems,
	})
}
