package admission

import (
	"sync"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

// BreakerState is the circuit breaker state machine position.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// BreakerConfig tunes one scope's breaker.
type BreakerConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"`
	FailureWindow    time.Duration `json:"-" yaml:"-"`
	ResetTimeout     time.Duration `json:"-" yaml:"-"`
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"`
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = time.Minute
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 2
	}
	return c
}

type breaker struct {
	cfg BreakerConfig

	state       BreakerState
	failures    int
	successes   int
	windowStart time.Time
	openedAt    time.Time
}

// BreakerSet holds an independent circuit breaker per scope key.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*breaker
	defaults BreakerConfig
	clock    func() time.Time
}

// BreakerOption customizes breaker set construction.
type BreakerOption func(*BreakerSet)

// WithBreakerDefaults replaces the default per-scope config.
func WithBreakerDefaults(cfg BreakerConfig) BreakerOption {
	return func(b *BreakerSet) { b.defaults = cfg }
}

// WithBreakerClock overrides the time source for tests.
func WithBreakerClock(clock func() time.Time) BreakerOption {
	return func(b *BreakerSet) {
		if clock != nil {
			b.clock = clock
		}
	}
}

// NewBreakerSet constructs a breaker set.
func NewBreakerSet(opts ...BreakerOption) *BreakerSet {
	b := &BreakerSet{
		breakers: make(map[string]*breaker),
		clock:    time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	b.defaults = b.defaults.withDefaults()
	return b
}

// Configure installs scope-specific settings.
func (b *BreakerSet) Configure(scope string, cfg BreakerConfig) {
	b.mu.Lock()
	defer b.mu.Unlock()
	br := b.get(scope)
	br.cfg = cfg.withDefaults()
}

// Allow checks every scope's breaker; an OPEN breaker fails fast with the
// scope key and remaining cool-down. An OPEN breaker past its reset timeout
// moves to HALF_OPEN and admits trial calls.
func (b *BreakerSet) Allow(scopes []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	for _, scope := range scopes {
		br := b.get(scope)
		switch br.state {
		case BreakerOpen:
			elapsed := now.Sub(br.openedAt)
			if elapsed < br.cfg.ResetTimeout {
				return orchestra.FlowControlError(orchestra.ErrCircuitOpen, scope, br.cfg.ResetTimeout-elapsed)
			}
			br.state = BreakerHalfOpen
			br.successes = 0
		case BreakerHalfOpen, BreakerClosed:
		}
	}
	return nil
}

// RecordSuccess reports a monitored success on every scope.
func (b *BreakerSet) RecordSuccess(scopes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, scope := range scopes {
		br := b.get(scope)
		switch br.state {
		case BreakerHalfOpen:
			br.successes++
			if br.successes >= br.cfg.SuccessThreshold {
				br.state = BreakerClosed
				br.failures = 0
				br.successes = 0
			}
		case BreakerClosed:
			br.failures = 0
		}
	}
}

// RecordFailure reports a monitored failure on every scope. CLOSED breakers
// trip after FailureThreshold failures inside FailureWindow; a HALF_OPEN
// breaker re-opens on any trial failure.
func (b *BreakerSet) RecordFailure(scopes []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.clock()
	for _, scope := range scopes {
		br := b.get(scope)
		switch br.state {
		case BreakerHalfOpen:
			br.open(now)
		case BreakerClosed:
			if br.failures == 0 || now.Sub(br.windowStart) > br.cfg.FailureWindow {
				br.windowStart = now
				br.failures = 0
			}
			br.failures++
			if br.failures >= br.cfg.FailureThreshold {
				br.open(now)
			}
		}
	}
}

// State reports the current state for a scope.
func (b *BreakerSet) State(scope string) BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(scope).state
}

func (br *breaker) open(now time.Time) {
	br.state = BreakerOpen
	br.openedAt = now
	br.successes = 0
}

func (b *BreakerSet) get(scope string) *breaker {
	br := b.breakers[scope]
	if br == nil {
		br = &breaker{cfg: b.defaults, state: BreakerClosed}
		b.breakers[scope] = br
	}
	return br
}
