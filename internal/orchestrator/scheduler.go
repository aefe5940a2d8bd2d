package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrRunActive is returned by StartRun while max_active_runs runs are running.
var ErrRunActive = errors.New("max active runs reached")

// ErrBeforeStartDate is returned for a scheduled time earlier than the start date.
var ErrBeforeStartDate = errors.New("scheduled time is before the pipeline start date")

// Scheduler triggers runs and enforces max_active_runs.
type Scheduler struct {
	runner        *Runner
	maxActiveRuns int

	mu     sync.Mutex
	active map[string]*Run
}

// NewScheduler returns a scheduler over runner. maxActiveRuns <= 0 means 1.
func NewScheduler(runner *Runner, maxActiveRuns int) *Scheduler {
	if maxActiveRuns <= 0 {
		maxActiveRuns = 1
	}
	return &Scheduler{
		runner:        runner,
		maxActiveRuns: maxActiveRuns,
		active:        make(map[string]*Run),
	}
}

// StartRun starts a run for scheduled. It fails with ErrRunActive when the
// limit of concurrently running runs is reached; the rejected trigger is not
// queued.
func (s *Scheduler) StartRun(ctx context.Context, scheduled time.Time) (*Run, error) {
	start := s.runner.cfg.StartDate
	if !start.IsZero() && scheduled.Before(start) {
		return nil, fmt.Errorf("%w: %s < %s", ErrBeforeStartDate,
			scheduled.Format(time.RFC3339), start.Format(time.RFC3339))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.active) >= s.maxActiveRuns {
		return nil, ErrRunActive
	}

	// release runs before Done closes. It waits on mu until the run is
	// registered below.
	run := s.runner.start(ctx, scheduled, s.release)
	s.active[run.ID] = run
	return run, nil
}

func (s *Scheduler) release(run *Run) {
	s.mu.Lock()
	delete(s.active, run.ID)
	s.mu.Unlock()
}

// Active returns the runs currently holding a slot.
func (s *Scheduler) Active() []*Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Run, 0, len(s.active))
	for _, run := range s.active {
		out = append(out, run)
	}
	return out
}

// Next returns the first interval boundary at or after t, counted from the
// start date. It is the scheduled time a trigger at t runs for.
func (s *Scheduler) Next(t time.Time) time.Time {
	start := s.runner.cfg.StartDate
	interval := s.runner.cfg.Interval
	if start.IsZero() || interval <= 0 || !t.After(start) {
		if start.IsZero() {
			return t
		}
		return start
	}
	n := t.Sub(start) / interval
	next := start.Add(n * interval)
	if next.Before(t) {
		next = next.Add(interval)
	}
	return next
}

// Latest returns the last interval boundary at or before t: the most recent
// scheduled time a trigger at t may run for. Before the start date it
// returns the start date, which StartRun accepts.
func (s *Scheduler) Latest(t time.Time) time.Time {
	next := s.Next(t)
	if interval := s.runner.cfg.Interval; interval > 0 && next.After(t) && next.After(s.runner.cfg.StartDate) {
		return next.Add(-interval)
	}
	return next
}

// Interval is the schedule period.
func (s *Scheduler) Interval() time.Duration { return s.runner.cfg.Interval }
