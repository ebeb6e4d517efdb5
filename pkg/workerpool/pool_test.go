package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func testConfig() Config {
	return Config{
		Workers:         2,
		QueueSize:       8,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		ShutdownTimeout: time.Second,
	}
}

func TestPoolRunsTasks(t *testing.T) {
	var ran int64
	done := make(chan struct{}, 4)

	p := New(testConfig(), func(task *Task, err error) {
		if err != nil {
			t.Errorf("task %s failed: %v", task.ID, err)
		}
		done <- struct{}{}
	}, nil)
	p.Start()
	defer p.Stop()

	for i := 0; i < 4; i++ {
		err := p.Submit(&Task{
			ID: "t",
			Run: func(ctx context.Context) error {
				atomic.AddInt64(&ran, 1)
				return nil
			},
		})
		if err != nil {
			t.Fatalf("submit failed: %v", err)
		}
	}

	for i := 0; i < 4; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tasks")
		}
	}
	if atomic.LoadInt64(&ran) != 4 {
		t.Errorf("ran = %d, want 4", ran)
	}
}

func TestPoolRetriesUntilSuccess(t *testing.T) {
	var attempts int64
	done := make(chan error, 1)

	p := New(testConfig(), func(task *Task, err error) {
		done <- err
	}, nil)
	p.Start()
	defer p.Stop()

	p.Submit(&Task{
		ID: "flaky",
		Run: func(ctx context.Context) error {
			if atomic.AddInt64(&attempts, 1) < 3 {
				return errors.New("transient")
			}
			return nil
		},
	})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("task failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}
	if got := atomic.LoadInt64(&attempts); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
}

func TestPoolReportsExhaustedRetries(t *testing.T) {
	done := make(chan error, 1)

	p := New(testConfig(), func(task *Task, err error) {
		done <- err
	}, nil)
	p.Start()
	defer p.Stop()

	p.Submit(&Task{
		ID:  "broken",
		Run: func(ctx context.Context) error { return errors.New("permanent") },
	})

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected terminal error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out")
	}

	stats := p.Stats()
	if stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", stats.Failed)
	}
	if stats.Retried != 2 {
		t.Errorf("retried = %d, want 2", stats.Retried)
	}
}

func TestSubmitAfterStopFails(t *testing.T) {
	p := New(testConfig(), nil, nil)
	p.Start()
	p.Stop()

	if err := p.Submit(&Task{ID: "late", Run: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("submit after stop succeeded")
	}
}

func TestSubmitFullQueueFails(t *testing.T) {
	cfg := testConfig()
	cfg.Workers = 1
	cfg.QueueSize = 1

	block := make(chan struct{})
	p := New(cfg, nil, nil)
	p.Start()
	defer func() {
		close(block)
		p.Stop()
	}()

	// Occupy the worker, then fill the single queue slot.
	p.Submit(&Task{ID: "blocker", Run: func(ctx context.Context) error { <-block; return nil }})
	time.Sleep(10 * time.Millisecond)
	p.Submit(&Task{ID: "queued", Run: func(ctx context.Context) error { return nil }})

	if err := p.Submit(&Task{ID: "overflow", Run: func(ctx context.Context) error { return nil }}); err == nil {
		t.Fatal("submit into full queue succeeded")
	}
}
