package fn

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestThen_ShortCircuits(t *testing.T) {
	boom := errors.New("boom")
	first := func(_ context.Context, n int) Result[int] { return Err[int](boom) }
	called := false
	second := func(_ context.Context, n int) Result[string] {
		called = true
		return Ok("never")
	}
	r := Then(first, second)(context.Background(), 1)
	if !r.IsErr() {
		t.Fatal("expected error")
	}
	if called {
		t.Error("second stage should not run after failure")
	}
	if _, err := r.Unwrap(); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
}

func TestRetry_SucceedsAfterFailures(t *testing.T) {
	attempts := 0
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 3, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		attempts++
		if attempts < 3 {
			return Err[int](errors.New("transient"))
		}
		return Ok(42)
	})
	if v, _ := r.Unwrap(); v != 42 {
		t.Fatalf("expected 42, got %v", v)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}
}

func TestRetry_Exhausted(t *testing.T) {
	r := Retry(context.Background(), RetryOpts{MaxAttempts: 2, InitialWait: time.Millisecond}, func(context.Context) Result[int] {
		return Err[int](errors.New("always"))
	})
	if !r.IsErr() {
		t.Fatal("expected error after exhausting attempts")
	}
}

func TestRetry_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := Retry(ctx, RetryOpts{MaxAttempts: 5, InitialWait: time.Minute}, func(context.Context) Result[int] {
		return Err[int](errors.New("transient"))
	})
	if _, err := r.Unwrap(); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestParMap_PreservesOrder(t *testing.T) {
	in := []int{1, 2, 3, 4, 5, 6, 7, 8}
	out := ParMap(in, 3, func(n int) int { return n * n })
	for i, v := range out {
		if v != in[i]*in[i] {
			t.Fatalf("out[%d] = %d, want %d", i, v, in[i]*in[i])
		}
	}
}

func TestCollect(t *testing.T) {
	ok := Collect([]Result[int]{Ok(1), Ok(2)})
	if vs, _ := ok.Unwrap(); len(vs) != 2 {
		t.Fatal("expected two values")
	}
	bad := Collect([]Result[int]{Ok(1), Err[int](errors.New("x"))})
	if !bad.IsErr() {
		t.Fatal("expected error")
	}
}
