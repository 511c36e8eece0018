package errors

import (
	stderrors "errors"
	"fmt"
	"testing"
	"time"
)

func TestKindMatching(t *testing.T) {
	err := InsufficientBenefit(7, 0.1, 0.3)
	if !stderrors.Is(err, ErrCompilationFailed) {
		t.Fatalf("expected compilation failure kind, got %v", err)
	}
	if stderrors.Is(err, ErrExecutionFailed) {
		t.Fatalf("kinds must not cross-match")
	}

	wrapped := fmt.Errorf("compile: %w", err)
	if KindOf(wrapped) != KindCompilationFailed {
		t.Fatalf("KindOf through wrap = %v", KindOf(wrapped))
	}
	if err.Caller == "unknown" || err.Caller == "" {
		t.Fatalf("caller not recorded")
	}
}

func TestRetryAfter(t *testing.T) {
	err := ResourceExhausted("memory pressure", 25*time.Millisecond)
	d, ok := RetryAfter(fmt.Errorf("admit: %w", err))
	if !ok || d != 25*time.Millisecond {
		t.Fatalf("RetryAfter = %v, %v", d, ok)
	}
	if _, ok := RetryAfter(UnknownFunction(1)); ok {
		t.Fatalf("retry hint only exists on resource exhaustion")
	}
}

func TestExecutionFailedUnwrap(t *testing.T) {
	cause := stderrors.New("boom")
	err := ExecutionFailed(3, cause)
	if !stderrors.Is(err, cause) {
		t.Fatalf("cause not reachable")
	}
	if KindOf(err) != KindExecutionFailed {
		t.Fatalf("unexpected kind %v", KindOf(err))
	}
}
