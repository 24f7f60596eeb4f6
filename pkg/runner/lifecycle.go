package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// Transport is the serving surface the runner drives. Stop must make the
// transport refuse new connections; Drain must block until the session loops
// already in flight have returned.
type Transport interface {
	Start(ctx context.Context) error
	Stop() error
	Drain() error
}

// shutdownGrace pads the session drain deadline so synthesis tasks admitted
// just before shutdown can flush their audio.
const shutdownGrace = 5 * time.Second

// LifecycleRunner runs one transport from banner to drained exit. The drain
// deadline derives from the per-utterance synthesis drain timeout: a session
// mid-utterance needs at most that long after the transport stops accepting
// reads.
type LifecycleRunner struct {
	state        int32
	transport    Transport
	drainTimeout time.Duration
	cancel       context.CancelFunc
	onceStop     sync.Once
	stopErr      error
}

func New(transport Transport, drainTimeout time.Duration) *LifecycleRunner {
	if drainTimeout <= 0 {
		drainTimeout = 10 * time.Second
	}
	return &LifecycleRunner{
		state:        int32(StateNew),
		transport:    transport,
		drainTimeout: drainTimeout + shutdownGrace,
	}
}

// Run starts the transport and blocks until ctx is cancelled, then stops and
// drains it. A runner is single-use.
func (r *LifecycleRunner) Run(ctx context.Context) error {
	if !r.casState(StateNew, StateStarting) {
		return errors.New("runner already started")
	}
	PrintBanner()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, r.cancel = context.WithCancel(ctx)
	if err := r.transport.Start(ctx); err != nil {
		r.setState(StateStopped)
		return err
	}
	r.setState(StateRunning)
	<-ctx.Done()
	return r.stop()
}

// Stop triggers shutdown from outside the Run goroutine.
func (r *LifecycleRunner) Stop() error {
	if r.cancel != nil {
		r.cancel()
	}
	return r.stop()
}

func (r *LifecycleRunner) State() State {
	return State(atomic.LoadInt32(&r.state))
}

func (r *LifecycleRunner) stop() error {
	r.onceStop.Do(func() {
		r.setState(StateDraining)
		_ = r.transport.Stop()
		done := make(chan struct{})
		go func() {
			_ = r.transport.Drain()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(r.drainTimeout):
			r.stopErr = errors.New("session drain timed out")
		}
		r.setState(StateStopped)
	})
	return r.stopErr
}

func (r *LifecycleRunner) casState(from, to State) bool {
	return atomic.CompareAndSwapInt32(&r.state, int32(from), int32(to))
}

func (r *LifecycleRunner) setState(s State) {
	atomic.StoreInt32(&r.state, int32(s))
}
