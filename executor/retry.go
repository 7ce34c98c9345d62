package executor

import (
	"math"
	"time"

	"github.com/goliatone/go-orchestra/registry"
)

// RetryStrategy encapsulates the delay between retries. The attempt index
// starts at 0, incrementing after each failure.
type RetryStrategy interface {
	SleepDuration(attempt int, err error) time.Duration
}

// FixedBackoff waits the same delay between every retry.
type FixedBackoff struct {
	Delay time.Duration
}

func (f FixedBackoff) SleepDuration(_ int, _ error) time.Duration {
	return f.Delay
}

// LinearBackoff grows the delay by Initial each attempt, capped at Max.
type LinearBackoff struct {
	Initial time.Duration
	Max     time.Duration
}

func (l LinearBackoff) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := l.Initial * time.Duration(attempt+1)
	if l.Max > 0 && delay > l.Max {
		return l.Max
	}
	return delay
}

// ExponentialBackoff doubles (by Factor) each attempt, capped at Max.
type ExponentialBackoff struct {
	Initial time.Duration
	Factor  float64
	Max     time.Duration
}

func (e ExponentialBackoff) SleepDuration(attempt int, _ error) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := e.Factor
	if factor <= 0 {
		factor = 2
	}
	delay := float64(e.Initial) * math.Pow(factor, float64(attempt))
	if e.Max > 0 && time.Duration(delay) > e.Max {
		return e.Max
	}
	return time.Duration(delay)
}

// StrategyFromPolicy maps a registered retry policy onto a strategy.
func StrategyFromPolicy(p registry.RetryPolicy) RetryStrategy {
	switch p.Backoff {
	case registry.BackoffLinear:
		return LinearBackoff{Initial: p.InitialDelay, Max: p.MaxDelay}
	case registry.BackoffExponential:
		return ExponentialBackoff{Initial: p.InitialDelay, Factor: 2, Max: p.MaxDelay}
	default:
		return FixedBackoff{Delay: p.InitialDelay}
	}
}
