// Package fanout bounds concurrent synthesis work for one session.
package fanout

import (
	"errors"
	"log/slog"
	"time"

	"github.com/tenkv/voicechat/pkg/logging"
)

// ErrDrainTimeout reports that some tasks were abandoned at drain time.
var ErrDrainTimeout = errors.New("synthesis drain timed out")

// Controller admits synthesis tasks while keeping at most max of them open.
// Admission control is FIFO wait-for-oldest: inserting beyond the limit
// removes the oldest handle and blocks until that task finishes. The oldest
// task is never cancelled, so a slow early segment stalls admission of later
// ones; this soft backpressure is deliberate.
//
// A controller belongs to one session loop goroutine; methods are not safe
// for concurrent use.
type Controller struct {
	max     int
	pending []*task
	logger  *slog.Logger
}

type task struct {
	label string
	done  chan struct{}
	err   error
}

func New(max int, logger *slog.Logger) *Controller {
	if max <= 0 {
		max = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		max:    max,
		logger: logging.NewComponentLogger(logger, "tts_fanout"),
	}
}

// Launch starts fn as a new synthesis task. When the pending list would
// exceed the limit, the call blocks until the oldest task completes.
func (c *Controller) Launch(label string, fn func() error) {
	t := &task{label: label, done: make(chan struct{})}
	go func() {
		t.err = fn()
		close(t.done)
	}()
	c.pending = append(c.pending, t)

	if len(c.pending) > c.max {
		oldest := c.pending[0]
		c.pending = c.pending[1:]
		<-oldest.done
		c.finish(oldest)
	}
}

// Pending returns the number of admitted tasks not yet waited on.
func (c *Controller) Pending() int { return len(c.pending) }

// Drain waits for all remaining tasks with one overall deadline. Tasks that
// miss the deadline are abandoned: their results are discarded, not retried.
func (c *Controller) Drain(timeout time.Duration) error {
	if len(c.pending) == 0 {
		return nil
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for i, t := range c.pending {
		select {
		case <-t.done:
			c.finish(t)
		case <-deadline.C:
			abandoned := len(c.pending) - i
			c.logger.Warn("abandoning unfinished synthesis tasks",
				slog.Int("abandoned", abandoned))
			c.pending = nil
			return ErrDrainTimeout
		}
	}
	c.pending = nil
	return nil
}

func (c *Controller) finish(t *task) {
	if t.err != nil {
		c.logger.Warn("synthesis task failed",
			slog.String("segment", t.label),
			slog.String("error", t.err.Error()))
	}
}
