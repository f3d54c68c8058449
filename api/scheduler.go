/*
scheduler.go - Opportunistic schedule execution for the HTTP boundary

PURPOSE:
  Executes due schedule items on access instead of on a timer. Reads run
  the scheduler before building a response so a due value is visible in
  the archive the reader is about to see. Mutations run it before touching
  the stores, so a due item is published before it can be edited or
  dropped, and kick it off again in the background afterwards.

DESIGN:
  - No ticker: a due item is executed on the first access after its
    publish time (readers already see it before that through the
    Reconciler's due-item layer)
  - Concurrent triggers are coalesced by Scheduler.RunDue
  - Background runs are tracked so Stop can wait for them on shutdown
  - Failures are logged, never surfaced to readers

USAGE:
  trigger := NewDueTrigger(engine.Scheduler)
  trigger.Before(ctx)  // in read handlers and before admin mutations
  trigger.After()      // after admin mutations
  // ... on shutdown
  trigger.Stop()

SEE ALSO:
  - results/scheduler.go: RunDue
  - handlers.go: call sites
*/
package api

import (
	"context"
	"sync"
	"time"

	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/results"
)

// backgroundRunTimeout bounds a run started by After.
const backgroundRunTimeout = 30 * time.Second

var triggerLog = logging.Component("due-trigger")

// DueTrigger runs the scheduler around API requests.
type DueTrigger struct {
	Scheduler *results.Scheduler
	Enabled   bool

	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewDueTrigger creates an enabled trigger.
func NewDueTrigger(s *results.Scheduler) *DueTrigger {
	return &DueTrigger{Scheduler: s, Enabled: true}
}

// Before runs due items synchronously. Errors are logged.
func (t *DueTrigger) Before(ctx context.Context) {
	if !t.Enabled {
		return
	}
	t.run(ctx, "request")
}

// After runs due items in the background.
func (t *DueTrigger) After() {
	if !t.Enabled {
		return
	}

	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return
	}
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), backgroundRunTimeout)
		defer cancel()
		t.run(ctx, "mutation")
	}()
}

// Wait blocks until background runs started so far have finished.
func (t *DueTrigger) Wait() {
	t.wg.Wait()
}

// Stop refuses new background runs and waits for the pending ones.
func (t *DueTrigger) Stop() {
	t.mu.Lock()
	already := t.stopped
	t.stopped = true
	t.mu.Unlock()

	t.wg.Wait()
	if !already {
		triggerLog.Info("stopped")
	}
}

func (t *DueTrigger) run(ctx context.Context, reason string) {
	res, err := t.Scheduler.RunDue(ctx)
	if err != nil {
		triggerLog.Warn("run due failed", "reason", reason, "error", err)
		return
	}
	if len(res.Executed) > 0 {
		triggerLog.Info("executed due items", "reason", reason, "count", len(res.Executed), "run_id", res.RunID)
	}
}
