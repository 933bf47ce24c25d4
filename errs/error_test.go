package errs

import (
	"errors"
	"testing"
)

func TestError_ChainingAndHelpers(t *testing.T) {
	t.Parallel()

	root := errors.New("connection refused")
	err := New(StoreUnavailable, "could not reach postgres").WithCause(root)

	if GetCode(err) != StoreUnavailable {
		t.Fatalf("expected code %s, got %s", StoreUnavailable, GetCode(err))
	}
	if !IsRetryable(err) {
		t.Fatalf("expected StoreUnavailable to default retryable")
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is to unwrap to root cause")
	}
	if got := err.Error(); got == "" {
		t.Fatalf("expected non-empty error string")
	}
}

func TestError_WithRetryableOverride(t *testing.T) {
	t.Parallel()

	err := New(Invalid, "bad project scope").WithRetryable(true)
	if !IsRetryable(err) {
		t.Fatalf("expected explicit WithRetryable override to take effect")
	}
}

func TestDefaultRetryable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code      Code
		retryable bool
	}{
		{StoreUnavailable, true},
		{EmbeddingUnavailable, true},
		{ConsolidationBusy, true},
		{IngestBusy, true},
		{DeadlineExceeded, true},
		{Conflict, false},
		{NotFound, false},
		{Invalid, false},
		{ConsolidationRejected, false},
		{AlreadyClaimed, false},
		{Cancelled, false},
		{SchemaMismatch, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			err := New(tt.code, "msg")
			if err.Retryable != tt.retryable {
				t.Fatalf("code %s: expected retryable=%v, got %v", tt.code, tt.retryable, err.Retryable)
			}
		})
	}
}

func TestIs(t *testing.T) {
	t.Parallel()

	err := New(AlreadyClaimed, "task already claimed")
	if !Is(err, AlreadyClaimed) {
		t.Fatalf("expected Is to match AlreadyClaimed")
	}
	if Is(err, NotFound) {
		t.Fatalf("expected Is to reject mismatched code")
	}
	if Is(errors.New("plain error"), AlreadyClaimed) {
		t.Fatalf("expected Is to reject non-*Error values")
	}
}

func TestWrap(t *testing.T) {
	t.Parallel()

	root := errors.New("dial tcp: timeout")
	err := Wrap(EmbeddingUnavailable, root, "embedding request failed")

	if GetCode(err) != EmbeddingUnavailable {
		t.Fatalf("expected code %s, got %s", EmbeddingUnavailable, GetCode(err))
	}
	if !errors.Is(err, root) {
		t.Fatalf("expected Wrap to preserve the cause chain")
	}
}

func TestNewf(t *testing.T) {
	t.Parallel()

	err := Newf(Conflict, "task %s already claimed by %s", "t-1", "worker-2")
	want := "[CONFLICT] task t-1 already claimed by worker-2"
	if err.Error() != want {
		t.Fatalf("expected %q, got %q", want, err.Error())
	}
}

func TestGetCode_NonAthenaError(t *testing.T) {
	t.Parallel()

	if GetCode(errors.New("oops")) != "" {
		t.Fatalf("expected empty code for non-*Error values")
	}
}
