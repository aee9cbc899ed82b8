package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errProvider = errors.New("provider error")

func newTestBreaker() *Breaker {
	return New(Config{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		Timeout:          50 * time.Millisecond,
	})
}

func failUntilOpen(t *testing.T, b *Breaker) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_ = b.Execute(ctx, func() error { return errProvider })
	}
	if b.State() != StateOpen {
		t.Fatalf("expected open after threshold, got %s", b.State())
	}
}

func TestBreaker_OpensAfterThreshold(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	if b.State() != StateClosed {
		t.Fatalf("expected closed initially, got %s", b.State())
	}

	failUntilOpen(t, b)

	err := b.Execute(ctx, func() error {
		t.Error("call must not run while circuit is open")
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	_ = b.Execute(ctx, func() error { return errProvider })
	_ = b.Execute(ctx, func() error { return errProvider })
	_ = b.Execute(ctx, func() error { return nil })
	_ = b.Execute(ctx, func() error { return errProvider })
	_ = b.Execute(ctx, func() error { return errProvider })

	if b.State() != StateClosed {
		t.Errorf("expected closed after interleaved successes, got %s", b.State())
	}
}

func TestBreaker_HalfOpenRecovery(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	failUntilOpen(t, b)
	time.Sleep(60 * time.Millisecond)

	// Two successful probes close the circuit.
	for i := 0; i < 2; i++ {
		if err := b.Execute(ctx, func() error { return nil }); err != nil {
			t.Fatalf("unexpected probe error: %v", err)
		}
	}
	if b.State() != StateClosed {
		t.Errorf("expected closed after recovery, got %s", b.State())
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker()
	ctx := context.Background()

	failUntilOpen(t, b)
	time.Sleep(60 * time.Millisecond)

	_ = b.Execute(ctx, func() error { return errProvider })
	if b.State() != StateOpen {
		t.Errorf("expected open after half-open failure, got %s", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := newTestBreaker()

	failUntilOpen(t, b)
	b.Reset()

	if b.State() != StateClosed {
		t.Errorf("expected closed after reset, got %s", b.State())
	}
}

func TestBreaker_StateChangeCallback(t *testing.T) {
	var transitions []string
	b := New(Config{
		FailureThreshold: 1,
		SuccessThreshold: 1,
		Timeout:          time.Minute,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	})

	_ = b.Execute(context.Background(), func() error { return errProvider })

	if len(transitions) != 1 || transitions[0] != "closed->open" {
		t.Errorf("unexpected transitions: %v", transitions)
	}
}
