package orchestra

import (
	stderrors "errors"
	"time"

	apperrors "github.com/goliatone/go-errors"
)

// Text codes grouped by error family. Codes are stable API: callers and
// transports match on these rather than on messages.
const (
	// Definition errors: raised at registration/validation time only.
	ErrCodeInvalidSchema      = "ORCH_INVALID_SCHEMA"
	ErrCodeDuplicateVersion   = "ORCH_DUPLICATE_VERSION"
	ErrCodeMissingGovernance  = "ORCH_MISSING_GOVERNANCE"
	ErrCodeCircularTransition = "ORCH_CIRCULAR_TRANSITION"
	ErrCodeNotFound           = "ORCH_NOT_FOUND"
	ErrCodeRemoved            = "ORCH_REMOVED"

	// Execution errors: raised per task instance, governed by retry policy.
	ErrCodeInputValidation  = "ORCH_INPUT_VALIDATION"
	ErrCodeOutputValidation = "ORCH_OUTPUT_VALIDATION"
	ErrCodeHandlerFailed    = "ORCH_HANDLER_FAILED"
	ErrCodeTimeout          = "ORCH_TIMEOUT"

	// Flow-control errors: admission denials, never auto-retried by the
	// engine. They always carry retry_after metadata.
	ErrCodeRateLimited   = "ORCH_RATE_LIMITED"
	ErrCodeCircuitOpen   = "ORCH_CIRCUIT_OPEN"
	ErrCodeQueueOverflow = "ORCH_QUEUE_OVERFLOW"
	ErrCodeShed          = "ORCH_SHED"

	// Machine errors: interpretation cannot make progress.
	ErrCodeInfiniteLoop   = "ORCH_INFINITE_LOOP"
	ErrCodeErroredState   = "ORCH_ERRORED_STATE"
	ErrCodeUnhandledEvent = "ORCH_UNHANDLED_EVENT"
	ErrCodeCancelled      = "ORCH_CANCELLED"
)

var (
	ErrInvalidSchema = apperrors.New("invalid schema", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInvalidSchema)
	ErrDuplicateVersion = apperrors.New("duplicate version", apperrors.CategoryConflict).
				WithTextCode(ErrCodeDuplicateVersion)
	ErrMissingGovernance = apperrors.New("missing governance fields", apperrors.CategoryValidation).
				WithTextCode(ErrCodeMissingGovernance)
	ErrCircularTransition = apperrors.New("circular transition", apperrors.CategoryValidation).
				WithTextCode(ErrCodeCircularTransition)
	ErrNotFound = apperrors.New("not found", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeNotFound)
	ErrRemoved = apperrors.New("version removed", apperrors.CategoryBadInput).
			WithTextCode(ErrCodeRemoved)

	ErrInputValidation = apperrors.New("input validation failed", apperrors.CategoryValidation).
				WithTextCode(ErrCodeInputValidation)
	ErrOutputValidation = apperrors.New("output validation failed", apperrors.CategoryValidation).
				WithTextCode(ErrCodeOutputValidation)
	ErrHandlerFailed = apperrors.New("handler failed", apperrors.CategoryHandler).
				WithTextCode(ErrCodeHandlerFailed)
	ErrTimeout = apperrors.New("handler timed out", apperrors.CategoryHandler).
			WithTextCode(ErrCodeTimeout)

	ErrRateLimited = apperrors.New("rate limited", apperrors.CategoryConflict).
			WithTextCode(ErrCodeRateLimited)
	ErrCircuitOpen = apperrors.New("circuit open", apperrors.CategoryConflict).
			WithTextCode(ErrCodeCircuitOpen)
	ErrQueueOverflow = apperrors.New("queue overflow", apperrors.CategoryConflict).
				WithTextCode(ErrCodeQueueOverflow)
	ErrShed = apperrors.New("admission shed", apperrors.CategoryConflict).
		WithTextCode(ErrCodeShed)

	ErrInfiniteLoop = apperrors.New("eventless transition loop", apperrors.CategoryHandler).
			WithTextCode(ErrCodeInfiniteLoop)
	ErrErroredState = apperrors.New("machine entered errored state", apperrors.CategoryHandler).
			WithTextCode(ErrCodeErroredState)
	ErrCancelled = apperrors.New("instance cancelled", apperrors.CategoryHandler).
			WithTextCode(ErrCodeCancelled)
)

// CloneError derives a concrete error from one of the base taxonomy errors,
// optionally replacing the message and attaching a source and metadata.
func CloneError(base *apperrors.Error, message string, source error, metadata map[string]any) *apperrors.Error {
	if base == nil {
		base = ErrHandlerFailed
	}
	err := base.Clone()
	if message != "" {
		err.Message = message
	}
	if source != nil {
		err.Source = source
	}
	if len(metadata) > 0 {
		err = err.WithMetadata(metadata)
	}
	return err
}

// FlowControlError builds an admission denial carrying scope and retry hint.
func FlowControlError(base *apperrors.Error, scope string, retryAfter time.Duration) *apperrors.Error {
	return CloneError(base, "", nil, map[string]any{
		"scope":       scope,
		"retry_after": retryAfter,
	})
}

// ErrorCode extracts the engine text code from err, or "" for foreign errors.
func ErrorCode(err error) string {
	var ge *apperrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}

// RetryAfter reports the retry hint on a flow-control rejection.
func RetryAfter(err error) (time.Duration, bool) {
	var ge *apperrors.Error
	if !stderrors.As(err, &ge) || ge.Metadata == nil {
		return 0, false
	}
	d, ok := ge.Metadata["retry_after"].(time.Duration)
	return d, ok
}

// IsFlowControl reports whether err is an admission denial.
func IsFlowControl(err error) bool {
	switch ErrorCode(err) {
	case ErrCodeRateLimited, ErrCodeCircuitOpen, ErrCodeQueueOverflow, ErrCodeShed:
		return true
	}
	return false
}

// ErrorKind returns the classification string consulted by retry policies.
// Engine text codes pass through; foreign errors classify as handler failures.
func ErrorKind(err error) string {
	if code := ErrorCode(err); code != "" {
		return code
	}
	return ErrCodeHandlerFailed
}
