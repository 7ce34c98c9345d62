package registry

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	orchestra "github.com/goliatone/go-orchestra"
	"gopkg.in/yaml.v3"
)

// Backoff kinds accepted by RetryPolicy.
const (
	BackoffFixed       = "fixed"
	BackoffLinear      = "linear"
	BackoffExponential = "exponential"
)

// Risk levels accepted by Governance.
const (
	RiskLow      = "low"
	RiskMedium   = "medium"
	RiskHigh     = "high"
	RiskCritical = "critical"
)

// RetryPolicy governs how the executor retries a failing handler.
type RetryPolicy struct {
	MaxRetries      int           `json:"max_retries" yaml:"max_retries"`
	Backoff         string        `json:"backoff" yaml:"backoff"`
	InitialDelay    time.Duration `json:"initial_delay" yaml:"-"`
	MaxDelay        time.Duration `json:"max_delay" yaml:"-"`
	RetryableErrors []string      `json:"retryable_errors" yaml:"retryable_errors"`
}

// Retryable reports whether the given error kind is retryable under the policy.
func (p RetryPolicy) Retryable(kind string) bool {
	for _, k := range p.RetryableErrors {
		if k == kind {
			return true
		}
	}
	return false
}

// Execution describes how a task type runs: the handler reference resolved by
// the Invoker, the wall-clock timeout, and the retry policy.
type Execution struct {
	Handler string        `json:"handler" yaml:"handler"`
	Timeout time.Duration `json:"timeout" yaml:"-"`
	Grace   time.Duration `json:"grace" yaml:"-"`
	Retry   RetryPolicy   `json:"retry" yaml:"retry"`
}

// Governance carries the ownership and approval metadata every published
// task type must declare.
type Governance struct {
	RiskLevel        string `json:"risk_level" yaml:"risk_level"`
	Owner            string `json:"owner" yaml:"owner"`
	ApprovalRequired bool   `json:"approval_required" yaml:"approval_required"`
}

// Deprecation marks a version as superseded. The version stays resolvable
// (with a warning) until RemovalDate passes.
type Deprecation struct {
	Replacement string    `json:"replacement" yaml:"replacement"`
	RemovalDate time.Time `json:"removal_date" yaml:"removal_date"`
}

// Definition is one versioned task type. Published definitions are immutable;
// any change requires a new version.
type Definition struct {
	Name         string         `json:"name" yaml:"name"`
	Version      string         `json:"version" yaml:"version"`
	InputSchema  map[string]any `json:"input_schema" yaml:"input_schema"`
	OutputSchema map[string]any `json:"output_schema" yaml:"output_schema"`
	Execution    Execution      `json:"execution" yaml:"execution"`
	Governance   Governance     `json:"governance" yaml:"governance"`
	Deprecation  *Deprecation   `json:"deprecation,omitempty" yaml:"deprecation,omitempty"`
}

// Fingerprint hashes the definition content so re-registrations of identical
// content are idempotent while conflicting content is rejected.
func (d Definition) Fingerprint() string {
	cp := d
	cp.Deprecation = nil
	data, _ := json.Marshal(cp)
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func (d Definition) validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return orchestra.CloneError(orchestra.ErrInvalidSchema, "task type name is required", nil, nil)
	}
	if _, err := semver.StrictNewVersion(strings.TrimPrefix(d.Version, "v")); err != nil {
		return orchestra.CloneError(orchestra.ErrInvalidSchema, "invalid semantic version", err, map[string]any{
			"name": d.Name, "version": d.Version,
		})
	}
	if strings.TrimSpace(d.Execution.Handler) == "" {
		return orchestra.CloneError(orchestra.ErrInvalidSchema, "execution handler is required", nil, map[string]any{
			"name": d.Name,
		})
	}
	switch d.Execution.Retry.Backoff {
	case "", BackoffFixed, BackoffLinear, BackoffExponential:
	default:
		return orchestra.CloneError(orchestra.ErrInvalidSchema, "unknown backoff kind", nil, map[string]any{
			"name": d.Name, "backoff": d.Execution.Retry.Backoff,
		})
	}
	if d.Execution.Retry.MaxRetries < 0 {
		return orchestra.CloneError(orchestra.ErrInvalidSchema, "max_retries cannot be negative", nil, map[string]any{
			"name": d.Name,
		})
	}
	return d.validateGovernance()
}

func (d Definition) validateGovernance() error {
	missing := []string{}
	switch d.Governance.RiskLevel {
	case RiskLow, RiskMedium, RiskHigh, RiskCritical:
	case "":
		missing = append(missing, "risk_level")
	default:
		return orchestra.CloneError(orchestra.ErrMissingGovernance, "unknown risk level", nil, map[string]any{
			"name": d.Name, "risk_level": d.Governance.RiskLevel,
		})
	}
	if strings.TrimSpace(d.Governance.Owner) == "" {
		missing = append(missing, "owner")
	}
	if len(missing) > 0 {
		return orchestra.CloneError(orchestra.ErrMissingGovernance, "", nil, map[string]any{
			"name": d.Name, "missing": missing,
		})
	}
	return nil
}

// Document is the declarative task-type definition with string durations,
// as authored in YAML or JSON.
type Document struct {
	Name         string         `yaml:"name" json:"name"`
	Version      string         `yaml:"version" json:"version"`
	InputSchema  map[string]any `yaml:"input_schema" json:"input_schema"`
	OutputSchema map[string]any `yaml:"output_schema" json:"output_schema"`
	Execution    struct {
		Handler string `yaml:"handler" json:"handler"`
		Timeout string `yaml:"timeout" json:"timeout"`
		Grace   string `yaml:"grace" json:"grace"`
		Retry   struct {
			MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
			Backoff         string   `yaml:"backoff" json:"backoff"`
			InitialDelay    string   `yaml:"initial_delay" json:"initial_delay"`
			MaxDelay        string   `yaml:"max_delay" json:"max_delay"`
			RetryableErrors []string `yaml:"retryable_errors" json:"retryable_errors"`
		} `yaml:"retry" json:"retry"`
	} `yaml:"execution" json:"execution"`
	Governance  Governance   `yaml:"governance" json:"governance"`
	Deprecation *Deprecation `yaml:"deprecation,omitempty" json:"deprecation,omitempty"`
}

// ParseDocument parses a YAML or JSON task-type document.
func ParseDocument(data []byte) (Definition, error) {
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		// yaml can handle JSON too, so a single attempt is fine
		return Definition{}, orchestra.CloneError(orchestra.ErrInvalidSchema, "unparseable task document", err, nil)
	}
	return doc.ToDefinition()
}

// ToDefinition converts the document form, parsing duration strings.
func (doc Document) ToDefinition() (Definition, error) {
	def := Definition{
		Name:         doc.Name,
		Version:      doc.Version,
		InputSchema:  doc.InputSchema,
		OutputSchema: doc.OutputSchema,
		Governance:   doc.Governance,
		Deprecation:  doc.Deprecation,
	}
	def.Execution.Handler = doc.Execution.Handler
	def.Execution.Retry.MaxRetries = doc.Execution.Retry.MaxRetries
	def.Execution.Retry.Backoff = doc.Execution.Retry.Backoff
	def.Execution.Retry.RetryableErrors = doc.Execution.Retry.RetryableErrors

	var err error
	if def.Execution.Timeout, err = parseDuration(doc.Execution.Timeout, doc.Name, "execution.timeout"); err != nil {
		return Definition{}, err
	}
	if def.Execution.Grace, err = parseDuration(doc.Execution.Grace, doc.Name, "execution.grace"); err != nil {
		return Definition{}, err
	}
	if def.Execution.Retry.InitialDelay, err = parseDuration(doc.Execution.Retry.InitialDelay, doc.Name, "retry.initial_delay"); err != nil {
		return Definition{}, err
	}
	if def.Execution.Retry.MaxDelay, err = parseDuration(doc.Execution.Retry.MaxDelay, doc.Name, "retry.max_delay"); err != nil {
		return Definition{}, err
	}
	return def, def.validate()
}

func parseDuration(raw, name, field string) (time.Duration, error) {
	if strings.TrimSpace(raw) == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, orchestra.CloneError(orchestra.ErrInvalidSchema, "invalid duration", err, map[string]any{
			"name": name, "field": field, "value": raw,
		})
	}
	return d, nil
}

func sortVersions(versions []*semver.Version) {
	sort.Sort(semver.Collection(versions))
}
