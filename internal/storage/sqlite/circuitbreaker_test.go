package sqlite

import (
	"errors"
	"testing"
	"time"
)

func TestBreakerStartsClosed(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	if cb.State() != StateClosed {
		t.Fatalf("expected closed, got %s", cb.State())
	}
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open after 5 failures, got %s", cb.State())
	}
}

func TestBreakerRejectsWhenOpen(t *testing.T) {
	cb := NewCircuitBreaker(5, 30*time.Second)
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	called := false
	err := cb.Execute(func() error {
		called = true
		return nil
	})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Fatal("fn should not run while breaker is open")
	}
}

func TestBreakerProbesAfterTimeout(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	now = now.Add(200 * time.Millisecond)

	if err := cb.Execute(func() error { return nil }); err != nil {
		t.Fatalf("expected probe to succeed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Fatalf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestBreakerProbeFailureReOpens(t *testing.T) {
	cb := NewCircuitBreaker(5, 100*time.Millisecond)
	now := time.Now()
	cb.nowFunc = func() time.Time { return now }
	testErr := errors.New("fail")

	for i := 0; i < 5; i++ {
		_ = cb.Execute(func() error { return testErr })
	}

	now = now.Add(200 * time.Millisecond)

	if err := cb.Execute(func() error { return testErr }); !errors.Is(err, testErr) {
		t.Fatalf("probe should run fn, got %v", err)
	}
	if cb.State() != StateOpen {
		t.Fatalf("expected re-open after failed probe, got %s", cb.State())
	}
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(3, 30*time.Second)
	testErr := errors.New("fail")

	_ = cb.Execute(func() error { return testErr })
	_ = cb.Execute(func() error { return testErr })
	_ = cb.Execute(func() error { return nil })
	_ = cb.Execute(func() error { return testErr })
	_ = cb.Execute(func() error { return testErr })

	if cb.State() != StateClosed {
		t.Fatalf("expected closed (count reset by success), got %s", cb.State())
	}
}
