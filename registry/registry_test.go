package registry

import (
	"testing"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDefinition(name, version string) Definition {
	return Definition{
		Name:    name,
		Version: version,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"url": map[string]any{"type": "string"}},
			"required":   []any{"url"},
		},
		OutputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"status": map[string]any{"type": "integer"}},
		},
		Execution: Execution{
			Handler: "http:fetch",
			Timeout: 5 * time.Second,
			Retry: RetryPolicy{
				MaxRetries:      2,
				Backoff:         BackoffFixed,
				InitialDelay:    10 * time.Millisecond,
				RetryableErrors: []string{orchestra.ErrCodeTimeout},
			},
		},
		Governance: Governance{RiskLevel: RiskLow, Owner: "platform"},
	}
}

func TestRegisterAndResolveExact(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("tester", sampleDefinition("fetch", "1.2.0")))

	res, err := reg.Resolve("fetch", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, "fetch", res.Definition.Name)
	assert.Equal(t, "1.2.0", res.Version().String())
	assert.False(t, res.Deprecated)

	// resolving the same exact version twice yields structurally identical definitions
	res2, err := reg.Resolve("fetch", "1.2.0")
	require.NoError(t, err)
	assert.Equal(t, res.Definition, res2.Definition)
}

func TestRegisterIdempotentForIdenticalContent(t *testing.T) {
	reg := New()
	def := sampleDefinition("fetch", "1.0.0")
	require.NoError(t, reg.Register("tester", def))
	require.NoError(t, reg.Register("tester", def))

	changed := def
	changed.Execution.Handler = "http:fetch-v2"
	err := reg.Register("tester", changed)
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeDuplicateVersion, orchestra.ErrorCode(err))
}

func TestResolveLatestAndRange(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("tester", sampleDefinition("fetch", "1.0.0")))
	require.NoError(t, reg.Register("tester", sampleDefinition("fetch", "1.4.0")))
	require.NoError(t, reg.Register("tester", sampleDefinition("fetch", "2.0.0")))

	res, err := reg.Resolve("fetch", Latest)
	require.NoError(t, err)
	assert.Equal(t, "2.0.0", res.Version().String())

	res, err = reg.Resolve("fetch", "^1.0.0")
	require.NoError(t, err)
	assert.Equal(t, "1.4.0", res.Version().String())

	_, err = reg.Resolve("fetch", "^3.0.0")
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeNotFound, orchestra.ErrorCode(err))

	_, err = reg.Resolve("missing", Latest)
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeNotFound, orchestra.ErrorCode(err))
}

func TestGovernanceRequired(t *testing.T) {
	reg := New()
	def := sampleDefinition("fetch", "1.0.0")
	def.Governance.Owner = ""
	err := reg.Register("tester", def)
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeMissingGovernance, orchestra.ErrorCode(err))

	def = sampleDefinition("fetch", "1.0.0")
	def.Governance.RiskLevel = "reckless"
	err = reg.Register("tester", def)
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeMissingGovernance, orchestra.ErrorCode(err))
}

func TestInvalidSchemaRejected(t *testing.T) {
	reg := New()
	def := sampleDefinition("fetch", "1.0.0")
	def.InputSchema = map[string]any{"type": 42}
	err := reg.Register("tester", def)
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeInvalidSchema, orchestra.ErrorCode(err))
}

func TestDeprecationLifecycle(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	reg := New(WithClock(clock))
	require.NoError(t, reg.Register("tester", sampleDefinition("fetch", "1.0.0")))

	removal := now.Add(24 * time.Hour)
	require.NoError(t, reg.Deprecate("tester", "fetch", "1.0.0", "fetch@2", removal))

	// still resolvable before removal, flagged deprecated
	res, err := reg.Resolve("fetch", "1.0.0")
	require.NoError(t, err)
	assert.True(t, res.Deprecated)

	// past the removal date the only match fails as removed
	now = removal.Add(time.Minute)
	_, err = reg.Resolve("fetch", "1.0.0")
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeRemoved, orchestra.ErrorCode(err))
}

func TestAuditTrail(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("alice", sampleDefinition("fetch", "1.0.0")))
	require.NoError(t, reg.Deprecate("bob", "fetch", "1.0.0", "", time.Now().Add(time.Hour)))

	audit := reg.Audit()
	require.Len(t, audit, 2)
	assert.Equal(t, "register", audit[0].Action)
	assert.Equal(t, "alice", audit[0].Actor)
	assert.Nil(t, audit[0].Before)
	require.NotNil(t, audit[0].After)
	assert.Equal(t, "deprecate", audit[1].Action)
	require.NotNil(t, audit[1].Before)
	assert.Nil(t, audit[1].Before.Deprecation)
	require.NotNil(t, audit[1].After.Deprecation)
}

func TestSchemaValidationOnResolvedDefinition(t *testing.T) {
	reg := New()
	require.NoError(t, reg.Register("tester", sampleDefinition("fetch", "1.0.0")))
	res, err := reg.Resolve("fetch", Latest)
	require.NoError(t, err)

	require.NoError(t, res.ValidateInput(map[string]any{"url": "https://example.com"}))

	err = res.ValidateInput(map[string]any{})
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeInputValidation, orchestra.ErrorCode(err))

	err = res.ValidateOutput(map[string]any{"status": "nope"})
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeOutputValidation, orchestra.ErrorCode(err))
}

func TestParseDocument(t *testing.T) {
	doc := []byte(`
name: fetch
version: 1.0.0
input_schema:
  type: object
execution:
  handler: http:fetch
  timeout: 30s
  retry:
    max_retries: 2
    backoff: exponential
    initial_delay: 100ms
    max_delay: 5s
    retryable_errors: [ORCH_TIMEOUT]
governance:
  risk_level: low
  owner: platform
`)
	def, err := ParseDocument(doc)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, def.Execution.Timeout)
	assert.Equal(t, 100*time.Millisecond, def.Execution.Retry.InitialDelay)
	assert.Equal(t, BackoffExponential, def.Execution.Retry.Backoff)

	_, err = ParseDocument([]byte("name: x\nversion: not-a-version\n"))
	require.Error(t, err)
	assert.Equal(t, orchestra.ErrCodeInvalidSchema, orchestra.ErrorCode(err))
}
