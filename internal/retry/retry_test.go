package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var fast = Policy{MaxAttempts: 3, BaseDelay: time.Millisecond}

func TestDo_SuccessOnFirstAttempt(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_SuccessOnRetry(t *testing.T) {
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected nil error, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_AllAttemptsExhausted(t *testing.T) {
	want := errors.New("still down")
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return want
	})
	if !errors.Is(err, want) {
		t.Fatalf("expected %v, got %v", want, err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestDo_PermanentErrorStopsRetry(t *testing.T) {
	want := errors.New("card declined")
	var calls int
	err := Do(context.Background(), fast, func(context.Context) error {
		calls++
		return Permanent(want)
	})
	if err != want {
		t.Fatalf("expected unwrapped %v, got %v", want, err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	var calls int
	transient := errors.New("transient")
	err := Do(ctx, Policy{MaxAttempts: 5, BaseDelay: time.Second}, func(context.Context) error {
		calls++
		cancel()
		return transient
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if !errors.Is(err, transient) {
		t.Fatalf("expected the last attempt's error to be kept, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestDo_ZeroMaxAttempts(t *testing.T) {
	var calls int
	_ = Do(context.Background(), Policy{}, func(context.Context) error {
		calls++
		return errors.New("x")
	})
	if calls != 1 {
		t.Fatalf("expected 1 call, got %d", calls)
	}
}

func TestPermanent(t *testing.T) {
	if Permanent(nil) != nil {
		t.Fatal("Permanent(nil) should be nil")
	}
	base := errors.New("base")
	err := Permanent(base)
	if !IsPermanent(err) {
		t.Fatal("expected IsPermanent")
	}
	if !errors.Is(err, base) {
		t.Fatal("expected Permanent to unwrap to base")
	}
	if IsPermanent(base) {
		t.Fatal("plain error should not be permanent")
	}
}

func TestJittered_Bounds(t *testing.T) {
	d := 100 * time.Millisecond
	for i := 0; i < 100; i++ {
		got := jittered(d)
		if got < 75*time.Millisecond || got > 125*time.Millisecond {
			t.Fatalf("jittered(%v) = %v out of +-25%%", d, got)
		}
	}
	if jittered(0) != 0 {
		t.Fatal("jittered(0) should be 0")
	}
}
