package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"
)

func trippyConfig(name string) Config {
	return Config{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          time.Minute,
		FailureThreshold: 2,
		FailureRatio:     0.6,
		MinRequests:      100,
	}
}

func TestExecutePassesThroughWhileClosed(t *testing.T) {
	cb, err := New(trippyConfig("publish"), nil)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}

	if err := cb.Execute(context.Background(), func() error { return nil }); err != nil {
		t.Fatalf("execute = %v, want nil", err)
	}
	if cb.GetState() != StateClosed {
		t.Errorf("state = %s, want closed", cb.GetState())
	}

	boom := errors.New("broker down")
	if err := cb.Execute(context.Background(), func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("execute = %v, want wrapped error", err)
	}
}

func TestOpensAfterConsecutiveFailuresAndRejects(t *testing.T) {
	cb, err := New(trippyConfig("publish"), nil)
	if err != nil {
		t.Fatalf("new failed: %v", err)
	}
	ctx := context.Background()
	boom := errors.New("broker down")

	for i := 0; i < 2; i++ {
		if err := cb.Execute(ctx, func() error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("failure %d = %v, want broker error", i, err)
		}
	}
	if cb.GetState() != StateOpen {
		t.Fatalf("state = %s, want open", cb.GetState())
	}

	// The open circuit must reject without invoking the function, and the
	// rejection must be distinguishable from a real publish failure.
	called := false
	err = cb.Execute(ctx, func() error { called = true; return nil })
	if err == nil {
		t.Fatal("open circuit accepted a request")
	}
	if called {
		t.Error("open circuit invoked the wrapped function")
	}
	if !Rejected(err) {
		t.Errorf("Rejected(%v) = false, want true", err)
	}
	if Rejected(boom) {
		t.Error("Rejected reported a plain failure as an open-circuit rejection")
	}
}

func TestManagerReusesBreakers(t *testing.T) {
	m := NewManager(nil)

	a, err := m.GetOrCreate("prescription.lifecycle", DefaultConfig("prescription.lifecycle"))
	if err != nil {
		t.Fatalf("get or create failed: %v", err)
	}
	b, err := m.GetOrCreate("prescription.lifecycle", DefaultConfig("prescription.lifecycle"))
	if err != nil {
		t.Fatalf("second get failed: %v", err)
	}
	if a != b {
		t.Error("manager created a second breaker for the same name")
	}

	states := m.States()
	if len(states) != 1 || states["prescription.lifecycle"] != StateClosed {
		t.Errorf("states = %v", states)
	}
}

func TestGaugeValue(t *testing.T) {
	cases := map[State]float64{
		StateClosed:   0,
		StateOpen:     1,
		StateHalfOpen: 2,
	}
	for state, want := range cases {
		if got := state.GaugeValue(); got != want {
			t.Errorf("GaugeValue(%s) = %v, want %v", state, got, want)
		}
	}
}
