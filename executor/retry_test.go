package executor

import (
	"testing"
	"time"

	"github.com/goliatone/go-orchestra/registry"
)

func TestFixedBackoff(t *testing.T) {
	s := FixedBackoff{Delay: 50 * time.Millisecond}
	for attempt := 0; attempt < 4; attempt++ {
		if got := s.SleepDuration(attempt, nil); got != 50*time.Millisecond {
			t.Fatalf("attempt %d: got %v", attempt, got)
		}
	}
}

func TestLinearBackoffCaps(t *testing.T) {
	s := LinearBackoff{Initial: 10 * time.Millisecond, Max: 25 * time.Millisecond}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 25 * time.Millisecond, 25 * time.Millisecond}
	for attempt, expected := range want {
		if got := s.SleepDuration(attempt, nil); got != expected {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, expected)
		}
	}
}

func TestExponentialBackoffCaps(t *testing.T) {
	s := ExponentialBackoff{Initial: 10 * time.Millisecond, Factor: 2, Max: 35 * time.Millisecond}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 35 * time.Millisecond, 35 * time.Millisecond}
	for attempt, expected := range want {
		if got := s.SleepDuration(attempt, nil); got != expected {
			t.Fatalf("attempt %d: got %v want %v", attempt, got, expected)
		}
	}
}

func TestStrategyFromPolicy(t *testing.T) {
	if _, ok := StrategyFromPolicy(registry.RetryPolicy{Backoff: registry.BackoffLinear}).(LinearBackoff); !ok {
		t.Fatalf("expected linear strategy")
	}
	if _, ok := StrategyFromPolicy(registry.RetryPolicy{Backoff: registry.BackoffExponential}).(ExponentialBackoff); !ok {
		t.Fatalf("expected exponential strategy")
	}
	if _, ok := StrategyFromPolicy(registry.RetryPolicy{Backoff: registry.BackoffFixed}).(FixedBackoff); !ok {
		t.Fatalf("expected fixed strategy")
	}
	if _, ok := StrategyFromPolicy(registry.RetryPolicy{}).(FixedBackoff); !ok {
		t.Fatalf("expected fixed fallback")
	}
}
