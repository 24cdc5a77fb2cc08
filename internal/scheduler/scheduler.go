// Package scheduler drives the periodic economy jobs. Each job owns a period;
// a slot is the current time truncated to it, and a job runs at most once per
// slot. The last successful slot is kept in the store, so a restart catches
// up with one run instead of replaying every missed period.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"realmecon/internal/econ"
	"realmecon/internal/metrics"
	"realmecon/internal/store"
)

type Job struct {
	Name   string
	Period time.Duration
	Run    func(ctx context.Context, slot time.Time) error
}

type Scheduler struct {
	store   store.Store
	jobs    map[string]Job
	metrics *metrics.Metrics
	log     *slog.Logger
	now     func() time.Time
	after   func(time.Duration) <-chan time.Time
}

var ErrUnknownJob = errors.New("unknown job")

func New(st store.Store, jobs []Job, m *metrics.Metrics, now func() time.Time, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if now == nil {
		now = time.Now
	}
	byName := make(map[string]Job, len(jobs))
	for _, j := range jobs {
		if j.Period <= 0 {
			return nil, fmt.Errorf("job %s: period must be > 0", j.Name)
		}
		if _, dup := byName[j.Name]; dup {
			return nil, fmt.Errorf("job %s registered twice", j.Name)
		}
		byName[j.Name] = j
	}
	return &Scheduler{store: st, jobs: byName, metrics: m, log: logger, now: now, after: time.After}, nil
}

// Names lists the registered jobs in a stable order.
func (s *Scheduler) Names() []string {
	out := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Slot is the period boundary at or before t.
func Slot(t time.Time, period time.Duration) time.Time {
	return t.UTC().Truncate(period)
}

// Tick runs the job if its current slot has not completed yet. It reports
// whether the job ran.
func (s *Scheduler) Tick(ctx context.Context, name string) (bool, error) {
	j, ok := s.jobs[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	slot := Slot(s.now(), j.Period)
	last, seen, err := s.store.LastTickRun(ctx, name)
	if err != nil {
		return false, err
	}
	if seen && !last.Before(slot) {
		return false, nil
	}
	return true, s.run(ctx, j, slot)
}

// RunOnce runs the job for the current slot even if that slot already completed.
func (s *Scheduler) RunOnce(ctx context.Context, name string) error {
	j, ok := s.jobs[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.run(ctx, j, Slot(s.now(), j.Period))
}

func (s *Scheduler) run(ctx context.Context, j Job, slot time.Time) error {
	start := time.Now()
	err := j.Run(ctx, slot)
	if err == nil {
		err = s.store.InTx(ctx, func(ctx context.Context, tx store.Tx) error {
			return tx.SetTickRun(ctx, j.Name, slot)
		})
	}
	took := time.Since(start)
	s.metrics.ObserveTick(j.Name, took, err)
	switch {
	case err == nil:
		s.log.Info("job complete", "job", j.Name, "slot", slot, "took", took.String())
	case econ.CodeOf(err) == econ.CodeStoreUnavailable:
		s.log.Error("job aborted: store unavailable", "job", j.Name, "slot", slot, "err", err)
	default:
		s.log.Error("job failed", "job", j.Name, "slot", slot, "err", err)
	}
	return err
}

// Start runs every job in its own goroutine until ctx is done. Due jobs run
// immediately, then each job waits for its next slot boundary. A failed run
// is retried at the next boundary.
func (s *Scheduler) Start(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, name := range s.Names() {
		j := s.jobs[name]
		g.Go(func() error {
			s.loop(ctx, j)
			return nil
		})
	}
	s.log.Info("scheduler started", "jobs", len(s.jobs))
	return g.Wait()
}

func (s *Scheduler) loop(ctx context.Context, j Job) {
	for {
		if _, err := s.Tick(ctx, j.Name); err != nil && ctx.Err() == nil {
			s.log.Warn("tick did not complete", "job", j.Name, "err", err)
		}
		now := s.now()
		wait := Slot(now, j.Period).Add(j.Period).Sub(now)
		select {
		case <-ctx.Done():
			return
		case <-s.after(wait):
		}
	}
}
