package admission

import (
	"testing"
	"time"

	orchestra "github.com/goliatone/go-orchestra"
)

func testBreakerSet(now *time.Time) *BreakerSet {
	return NewBreakerSet(
		WithBreakerDefaults(BreakerConfig{
			FailureThreshold: 3,
			FailureWindow:    time.Minute,
			ResetTimeout:     30 * time.Second,
			SuccessThreshold: 2,
		}),
		WithBreakerClock(func() time.Time { return *now }),
	)
}

func TestBreakerTripsAfterThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bs := testBreakerSet(&now)
	scopes := []string{"task:flaky"}

	for i := 0; i < 3; i++ {
		if err := bs.Allow(scopes); err != nil {
			t.Fatalf("call %d should be admitted: %v", i, err)
		}
		bs.RecordFailure(scopes)
	}
	if bs.State("task:flaky") != BreakerOpen {
		t.Fatalf("expected open after threshold, got %s", bs.State("task:flaky"))
	}

	// the (threshold+1)th call fails fast with scope and cool-down
	err := bs.Allow(scopes)
	if orchestra.ErrorCode(err) != orchestra.ErrCodeCircuitOpen {
		t.Fatalf("expected circuit open, got %v", err)
	}
	retryAfter, ok := orchestra.RetryAfter(err)
	if !ok || retryAfter != 30*time.Second {
		t.Fatalf("expected full cool-down hint, got %v", retryAfter)
	}
}

func TestBreakerRecoversThroughHalfOpen(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bs := testBreakerSet(&now)
	scopes := []string{"task:flaky"}

	for i := 0; i < 3; i++ {
		bs.RecordFailure(scopes)
	}
	now = now.Add(31 * time.Second)
	if err := bs.Allow(scopes); err != nil {
		t.Fatalf("post reset-timeout trial should be admitted: %v", err)
	}
	if bs.State("task:flaky") != BreakerHalfOpen {
		t.Fatalf("expected half-open, got %s", bs.State("task:flaky"))
	}

	bs.RecordSuccess(scopes)
	if bs.State("task:flaky") != BreakerHalfOpen {
		t.Fatalf("one success must not close yet")
	}
	bs.RecordSuccess(scopes)
	if bs.State("task:flaky") != BreakerClosed {
		t.Fatalf("expected closed after success threshold, got %s", bs.State("task:flaky"))
	}
}

func TestBreakerReopensOnTrialFailure(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bs := testBreakerSet(&now)
	scopes := []string{"task:flaky"}

	for i := 0; i < 3; i++ {
		bs.RecordFailure(scopes)
	}
	now = now.Add(31 * time.Second)
	if err := bs.Allow(scopes); err != nil {
		t.Fatalf("trial should be admitted: %v", err)
	}
	bs.RecordFailure(scopes)
	if bs.State("task:flaky") != BreakerOpen {
		t.Fatalf("trial failure must reopen, got %s", bs.State("task:flaky"))
	}
}

func TestBreakerFailureWindowResets(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bs := testBreakerSet(&now)
	scopes := []string{"task:flaky"}

	bs.RecordFailure(scopes)
	bs.RecordFailure(scopes)
	// the window expires before the third failure
	now = now.Add(2 * time.Minute)
	bs.RecordFailure(scopes)
	if bs.State("task:flaky") != BreakerClosed {
		t.Fatalf("stale failures must not trip the breaker")
	}
}

func TestBreakerScopesAreIndependent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	bs := testBreakerSet(&now)

	for i := 0; i < 3; i++ {
		bs.RecordFailure([]string{"task:flaky"})
	}
	if bs.State("task:flaky") != BreakerOpen {
		t.Fatalf("expected flaky open")
	}
	if err := bs.Allow([]string{"task:steady"}); err != nil {
		t.Fatalf("other scope must stay closed: %v", err)
	}
}
