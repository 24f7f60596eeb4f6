package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	started    atomic.Bool
	stopped    atomic.Bool
	drained    atomic.Bool
	startErr   error
	drainDelay time.Duration
}

func (f *fakeTransport) Start(ctx context.Context) error {
	f.started.Store(true)
	return f.startErr
}

func (f *fakeTransport) Stop() error {
	f.stopped.Store(true)
	return nil
}

func (f *fakeTransport) Drain() error {
	if f.drainDelay > 0 {
		time.Sleep(f.drainDelay)
	}
	f.drained.Store(true)
	return nil
}

func waitForState(t *testing.T, r *LifecycleRunner, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if r.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("runner never reached state %d, stuck at %d", want, r.State())
}

func TestRunStopsAndDrainsOnCancel(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()

	waitForState(t, r, StateRunning)
	if !tr.started.Load() {
		t.Fatalf("transport was not started")
	}
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return after cancel")
	}
	if !tr.stopped.Load() || !tr.drained.Load() {
		t.Fatalf("transport must be stopped and drained: stopped=%v drained=%v",
			tr.stopped.Load(), tr.drained.Load())
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped state, got %d", r.State())
	}
}

func TestRunReturnsStartError(t *testing.T) {
	tr := &fakeTransport{startErr: errors.New("port in use")}
	r := New(tr, time.Second)
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("expected start error")
	}
	if r.State() != StateStopped {
		t.Fatalf("expected stopped state, got %d", r.State())
	}
}

func TestDrainDeadlineExceeded(t *testing.T) {
	tr := &fakeTransport{drainDelay: time.Second}
	r := New(tr, time.Millisecond)
	r.drainTimeout = 30 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx) }()
	waitForState(t, r, StateRunning)
	cancel()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatalf("expected drain timeout error")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not return")
	}
}

func TestRunnerIsSingleUse(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, time.Second)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := r.Run(context.Background()); err == nil {
		t.Fatalf("second run must be rejected")
	}
}
