package orchestra

import (
	"errors"
	"testing"
	"time"
)

func TestCloneErrorKeepsBaseImmutable(t *testing.T) {
	derived := CloneError(ErrRateLimited, "too many fetches", errors.New("bucket empty"), map[string]any{
		"scope": "task:fetch",
	})
	if derived.TextCode != ErrCodeRateLimited {
		t.Fatalf("code must carry over, got %s", derived.TextCode)
	}
	if derived.Message != "too many fetches" {
		t.Fatalf("message not replaced: %s", derived.Message)
	}
	if ErrRateLimited.Message != "rate limited" {
		t.Fatalf("base error mutated: %s", ErrRateLimited.Message)
	}
	if ErrRateLimited.Metadata != nil {
		t.Fatalf("base error picked up metadata")
	}
}

func TestFlowControlErrorCarriesRetryHint(t *testing.T) {
	err := FlowControlError(ErrCircuitOpen, "task:fetch", 30*time.Second)

	if !IsFlowControl(err) {
		t.Fatalf("expected flow-control classification")
	}
	retryAfter, ok := RetryAfter(err)
	if !ok || retryAfter != 30*time.Second {
		t.Fatalf("expected 30s hint, got %v ok=%v", retryAfter, ok)
	}
	if err.Metadata["scope"] != "task:fetch" {
		t.Fatalf("scope missing: %v", err.Metadata)
	}
}

func TestErrorCodeOnForeignError(t *testing.T) {
	if code := ErrorCode(errors.New("plain")); code != "" {
		t.Fatalf("foreign errors have no code, got %s", code)
	}
	if code := ErrorCode(nil); code != "" {
		t.Fatalf("nil has no code, got %s", code)
	}
}

func TestErrorKindClassifiesForeignAsHandlerFailure(t *testing.T) {
	if kind := ErrorKind(errors.New("db exploded")); kind != ErrCodeHandlerFailed {
		t.Fatalf("expected handler failure kind, got %s", kind)
	}
	if kind := ErrorKind(CloneError(ErrTimeout, "", nil, nil)); kind != ErrCodeTimeout {
		t.Fatalf("engine codes pass through, got %s", kind)
	}
}

func TestIsFlowControlExcludesExecutionErrors(t *testing.T) {
	for _, err := range []error{ErrHandlerFailed, ErrTimeout, ErrInputValidation, ErrInfiniteLoop} {
		if IsFlowControl(err) {
			t.Fatalf("%v must not classify as flow control", err)
		}
	}
	for _, err := range []error{ErrRateLimited, ErrCircuitOpen, ErrQueueOverflow, ErrShed} {
		if !IsFlowControl(err) {
			t.Fatalf("%v must classify as flow control", err)
		}
	}
}
