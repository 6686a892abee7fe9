package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorKindMatching(t *testing.T) {
	err := New(KindQuotaExceeded, "max concurrent sessions reached").WithDetail("limit", 2)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("expected errors.Is to match quota sentinel")
	}
	if errors.Is(err, ErrForbidden) {
		t.Fatalf("unexpected match against forbidden sentinel")
	}
	if err.Details["limit"] != 2 {
		t.Fatalf("Details[limit] = %v, want 2", err.Details["limit"])
	}

	wrapped := fmt.Errorf("create: %w", err)
	if KindOf(wrapped) != KindQuotaExceeded {
		t.Fatalf("KindOf(wrapped) = %q, want %q", KindOf(wrapped), KindQuotaExceeded)
	}
	if !errors.Is(wrapped, ErrQuotaExceeded) {
		t.Fatalf("expected wrapped error to match sentinel")
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("fork failed")
	err := Wrap(cause, KindProcessFailed, "spawn terminal")
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable")
	}
	if got := err.Error(); got != "PROCESS_FAILED: spawn terminal: fork failed" {
		t.Fatalf("Error() = %q", got)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if KindOf(nil) != "" {
		t.Fatalf("KindOf(nil) should be empty")
	}
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatalf("plain errors should classify as internal")
	}
	if IsKind(nil, KindInternal) {
		t.Fatalf("nil error should not match any kind")
	}
}
