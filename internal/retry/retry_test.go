package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsEventually(t *testing.T) {
	t.Parallel()

	attempts := 0
	err := Do(context.Background(), 5, time.Millisecond, func() error {
		attempts++
		if attempts < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoReturnsLastErrorAfterExhausting(t *testing.T) {
	t.Parallel()

	wantErr := errors.New("permanent")
	attempts := 0
	err := Do(context.Background(), 3, time.Millisecond, func() error {
		attempts++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("Do() err = %v, want %v", err, wantErr)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	attempts := 0
	err := Do(ctx, 5, 10*time.Millisecond, func() error {
		attempts++
		return errors.New("always fails")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do() err = %v, want context.Canceled", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (fails before first backoff wait)", attempts)
	}
}
