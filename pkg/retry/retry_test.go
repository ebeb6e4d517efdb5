package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/healthlane/rxledger/internal/errs"
)

func conflictErr() error {
	return errs.Conflict(errs.CodeVersionConflict, "modified concurrently")
}

func TestDoSucceedsFirstTry(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{Attempts: 3, Backoff: time.Millisecond}, nil, func() error {
		calls++
		return nil
	})
	if err != nil || calls != 1 {
		t.Fatalf("err = %v, calls = %d", err, calls)
	}
}

func TestDoRetriesVersionConflict(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{Attempts: 3, Backoff: time.Millisecond}, nil, func() error {
		calls++
		if calls < 3 {
			return conflictErr()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("err = %v, want nil", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoGivesUpAfterAttempts(t *testing.T) {
	calls := 0
	err := Do(context.Background(), Config{Attempts: 3, Backoff: time.Millisecond}, nil, func() error {
		calls++
		return conflictErr()
	})
	if errs.CodeOf(err) != errs.CodeVersionConflict {
		t.Fatalf("err = %v, want version conflict", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestDoDoesNotRetryOtherErrors(t *testing.T) {
	cases := []struct {
		name string
		err  error
	}{
		{"duplicate conflict", errs.Conflict(errs.CodeDuplicatePrescription, "exists")},
		{"invalid state", errs.InvalidState(errs.CodeCancelled, "cancelled")},
		{"validation", errs.Validation("field", "bad")},
		{"untyped", errors.New("boom")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			calls := 0
			err := Do(context.Background(), Config{Attempts: 3, Backoff: time.Millisecond}, nil, func() error {
				calls++
				return tc.err
			})
			if !errors.Is(err, tc.err) {
				t.Fatalf("err = %v, want %v", err, tc.err)
			}
			if calls != 1 {
				t.Errorf("calls = %d, want 1", calls)
			}
		})
	}
}

func TestDoStopsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Do(ctx, Config{Attempts: 5, Backoff: time.Second}, nil, func() error {
		return conflictErr()
	})
	if err != context.Canceled {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestRetryable(t *testing.T) {
	if !Retryable(conflictErr()) {
		t.Error("version conflict should be retryable")
	}
	if Retryable(errs.Conflict(errs.CodeDuplicatePrescription, "exists")) {
		t.Error("duplicate conflict should not be retryable")
	}
	if Retryable(errors.New("boom")) {
		t.Error("untyped error should not be retryable")
	}
}
