/*
scheduler.go - Applies due schedule items to the Archive Store

PURPOSE:
  Moves scheduled values into the durable archive once their publish time
  has passed. There is no background timer: RunDue is called at the start
  of read requests and admin mutations, so a due item is executed on the
  next access after its publish time.

EXECUTION MODEL (at-least-once):
  1. Load the queue, select due items (publishAt <= now, not executed)
  2. Sort by publish time ascending; later items overwrite earlier ones
  3. Upsert each month's items into the archive (one write per month)
  4. Mark the items of successfully written months executed
  5. Save the whole queue in one batch write

  A crash between 3 and 5 leaves items pending; the next run upserts the
  same values again, which changes nothing.

SEE ALSO:
  - queue.go: the list this operates on
  - archive.go: per-month read-modify-write
*/
package results

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/warp/results-engine/logging"
	"github.com/warp/results-engine/metrics"
	"golang.org/x/sync/singleflight"
)

// Run triggers.
const (
	TriggerRunDue     = "run_due"
	TriggerExecuteAll = "execute_all"
)

// Run statuses.
const (
	RunCompleted = "completed"
	RunFailed    = "failed"
)

// RunResult describes one scheduler pass.
type RunResult struct {
	RunID    string         `json:"run_id,omitempty"`
	Trigger  string         `json:"trigger"`
	Executed []ScheduleItem `json:"executed"`
	Months   []MonthKey     `json:"months"`
}

// Scheduler applies due ScheduleItems to the Archive Store.
type Scheduler struct {
	queue   *Queue
	archive *archiveWriter
	runs    RunLog
	clock   Clock

	flight singleflight.Group
}

var schedLog = logging.Component("scheduler")

// RunDue executes every item whose publish time has passed. Concurrent
// calls share one pass.
func (s *Scheduler) RunDue(ctx context.Context) (RunResult, error) {
	return s.coalesced(ctx, TriggerRunDue, func(it ScheduleItem, now time.Time) bool {
		return it.Due(now)
	})
}

// ForceExecuteAll executes every pending item regardless of publish time.
// It goes through the same upsert path as RunDue.
func (s *Scheduler) ForceExecuteAll(ctx context.Context) (RunResult, error) {
	return s.coalesced(ctx, TriggerExecuteAll, func(it ScheduleItem, _ time.Time) bool {
		return it.Pending()
	})
}

func (s *Scheduler) coalesced(ctx context.Context, trigger string, selectFn func(ScheduleItem, time.Time) bool) (RunResult, error) {
	// Detached: the pass is shared, so no single caller may cancel it.
	runCtx := context.WithoutCancel(ctx)
	v, err, _ := s.flight.Do(trigger, func() (any, error) {
		return s.execute(runCtx, trigger, selectFn)
	})
	res, _ := v.(RunResult)
	return res, err
}

func (s *Scheduler) execute(ctx context.Context, trigger string, selectFn func(ScheduleItem, time.Time) bool) (RunResult, error) {
	started := s.clock.Now()
	res := RunResult{Trigger: trigger}
	attempted := 0

	saved, err := s.queue.update(ctx, func(items []ScheduleItem) ([]ScheduleItem, bool, error) {
		var due []int
		for i, it := range items {
			if selectFn(it, started) {
				due = append(due, i)
			}
		}
		if len(due) == 0 {
			return items, false, nil
		}
		attempted = len(due)

		sort.SliceStable(due, func(a, b int) bool { return scheduleLess(items[due[a]], items[due[b]]) })

		byMonth := make(map[MonthKey][]int)
		var months []MonthKey
		for _, i := range due {
			m := items[i].Date.MonthKey()
			if _, ok := byMonth[m]; !ok {
				months = append(months, m)
			}
			byMonth[m] = append(byMonth[m], i)
		}
		sort.Slice(months, func(a, b int) bool { return months[a] < months[b] })

		var errs []error
		executedAt := s.clock.Now().UTC()
		for _, m := range months {
			idxs := byMonth[m]
			_, err := s.archive.Update(ctx, m, func(g *MonthlyGrid) bool {
				changed := false
				for _, i := range idxs {
					if g.Upsert(items[i].Date, items[i].Category, items[i].Value) {
						changed = true
					}
				}
				return changed
			})
			if err != nil {
				schedLog.Error("archive upsert failed, items stay pending",
					"month", m, "items", len(idxs), "error", err)
				errs = append(errs, err)
				continue
			}
			for _, i := range idxs {
				at := executedAt
				items[i].Executed = true
				items[i].ExecutedAt = &at
				res.Executed = append(res.Executed, items[i])
				schedLog.Info("schedule item executed",
					"id", items[i].ID, "date", items[i].Date, "category", items[i].Category, "trigger", trigger)
			}
			res.Months = append(res.Months, m)
		}
		return items, len(res.Executed) > 0, errors.Join(errs...)
	})

	if attempted == 0 && err == nil {
		return res, nil
	}
	if !saved {
		// Items only count as executed once the batch write succeeded.
		res.Executed = nil
	}
	metrics.ScheduleExecuted.WithLabelValues(trigger).Add(float64(len(res.Executed)))
	res.RunID = s.record(ctx, trigger, started, len(res.Executed), err)
	return res, err
}

func (s *Scheduler) record(ctx context.Context, trigger string, started time.Time, executed int, runErr error) string {
	if s.runs == nil {
		return ""
	}
	completed := s.clock.Now().UTC()
	run := ScheduleRun{
		ID:          uuid.Must(uuid.NewV7()).String(),
		Trigger:     trigger,
		Executed:    executed,
		Status:      RunCompleted,
		StartedAt:   started.UTC(),
		CompletedAt: &completed,
	}
	if runErr != nil {
		run.Status = RunFailed
		run.Error = runErr.Error()
	}
	if err := s.runs.RecordRun(ctx, run); err != nil {
		schedLog.Warn("failed to record schedule run", "run_id", run.ID, "error", err)
	}
	return run.ID
}

// Runs returns recent scheduler passes, newest first.
func (s *Scheduler) Runs(ctx context.Context, limit int) ([]ScheduleRun, error) {
	if s.runs == nil {
		return []ScheduleRun{}, nil
	}
	runs, err := s.runs.ListRuns(ctx, limit)
	if err != nil {
		return nil, persistErr("list runs", err)
	}
	return runs, nil
}

func scheduleLess(a, b ScheduleItem) bool {
	if !a.PublishAt.Equal(b.PublishAt) {
		return a.PublishAt.Before(b.PublishAt)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}
