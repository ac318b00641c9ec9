// Package scheduler drives search cycles and retention sweeps on fixed intervals.
package scheduler

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"yad2_bot/internal/model"
)

// Runner executes one search cycle.
type Runner interface {
	Run(ctx context.Context, searches []model.Search) model.CycleResult
}

// Dispatcher drains pending notifications.
type Dispatcher interface {
	Drain(ctx context.Context) (model.DrainResult, error)
}

// Store is the part of the deduplication store the scheduler needs.
type Store interface {
	SweepStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Stats(ctx context.Context) (model.Stats, error)
}

// Options configures the two loops.
type Options struct {
	CycleInterval time.Duration
	SweepInterval time.Duration
	Retention     time.Duration
}

// Defaults for zero Options fields.
const (
	DefaultCycleInterval = time.Minute
	DefaultSweepInterval = time.Hour
	DefaultRetention     = 7 * 24 * time.Hour
)

// Scheduler runs the search cycle and the retention sweep as two
// independent loops. A loop never overlaps itself: a tick that arrives while
// the previous run is still going is skipped and counted.
type Scheduler struct {
	runner     Runner
	dispatcher Dispatcher
	store      Store
	searches   []model.Search
	opts       Options
	log        zerolog.Logger
	now        func() time.Time

	cycleBusy atomic.Bool
	sweepBusy atomic.Bool
	wg        sync.WaitGroup

	mu     sync.Mutex
	status model.Status
}

// New creates a Scheduler.
func New(r Runner, d Dispatcher, store Store, searches []model.Search, opts Options, log zerolog.Logger) *Scheduler {
	if opts.CycleInterval <= 0 {
		opts.CycleInterval = DefaultCycleInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultSweepInterval
	}
	if opts.Retention <= 0 {
		opts.Retention = DefaultRetention
	}
	return &Scheduler{
		runner:     r,
		dispatcher: d,
		store:      store,
		searches:   slices.Clone(searches),
		opts:       opts,
		log:        log,
		now:        time.Now,
		status: model.Status{
			CycleState: model.StateIdle,
			SweepState: model.StateIdle,
		},
	}
}

// Run fires a cycle and a sweep immediately, then on their intervals,
// blocking until ctx is cancelled and in-flight runs have returned.
func (s *Scheduler) Run(ctx context.Context) {
	s.log.Info().
		Dur("cycle_interval", s.opts.CycleInterval).
		Dur("sweep_interval", s.opts.SweepInterval).
		Dur("retention", s.opts.Retention).
		Int("searches", len(s.searches)).
		Msg("scheduler started")

	s.spawn(ctx, &s.cycleBusy, s.cycle, s.skipCycle)
	s.spawn(ctx, &s.sweepBusy, s.sweep, s.skipSweep)

	cycleTicker := time.NewTicker(s.opts.CycleInterval)
	defer cycleTicker.Stop()
	sweepTicker := time.NewTicker(s.opts.SweepInterval)
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			s.log.Info().Msg("scheduler stopped")
			return
		case <-cycleTicker.C:
			s.spawn(ctx, &s.cycleBusy, s.cycle, s.skipCycle)
		case <-sweepTicker.C:
			s.spawn(ctx, &s.sweepBusy, s.sweep, s.skipSweep)
		}
	}
}

// RunCycle runs one cycle synchronously. It returns false without running
// when a cycle is already in progress. Run does not return on shutdown
// while such a cycle is still going.
func (s *Scheduler) RunCycle(ctx context.Context) bool {
	if !s.cycleBusy.CompareAndSwap(false, true) {
		s.skipCycle()
		return false
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.cycleBusy.Store(false)
	s.guard("cycle", func() { s.cycle(ctx) })
	return true
}

// RunSweep runs one retention sweep synchronously. It returns false without
// running when a sweep is already in progress.
func (s *Scheduler) RunSweep(ctx context.Context) bool {
	if !s.sweepBusy.CompareAndSwap(false, true) {
		s.skipSweep()
		return false
	}
	s.wg.Add(1)
	defer s.wg.Done()
	defer s.sweepBusy.Store(false)
	s.guard("sweep", func() { s.sweep(ctx) })
	return true
}

// Status returns a snapshot of the scheduler state merged with store stats.
// The snapshot is returned even when the stats query fails.
func (s *Scheduler) Status(ctx context.Context) (model.Status, error) {
	s.mu.Lock()
	st := s.status
	st.Searches = slices.Clone(s.searches)
	st.LastResults = slices.Clone(s.status.LastResults)
	s.mu.Unlock()

	stats, err := s.store.Stats(ctx)
	if err != nil {
		return st, fmt.Errorf("load stats: %w", err)
	}
	st.Stats = stats
	return st, nil
}

func (s *Scheduler) spawn(ctx context.Context, busy *atomic.Bool, work func(context.Context), skip func()) {
	if !busy.CompareAndSwap(false, true) {
		skip()
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer busy.Store(false)
		s.guard("loop", func() { work(ctx) })
	}()
}

// guard keeps a panicking run from taking the process down with it.
func (s *Scheduler) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("%s panic: %v", name, r)
			s.log.Error().Err(err).Msg("recovered from panic")
			s.setError(err)
		}
	}()
	fn()
}

func (s *Scheduler) cycle(ctx context.Context) {
	s.setState(func(st *model.Status) { st.CycleState = model.StateRunning })
	defer s.setState(func(st *model.Status) { st.CycleState = model.StateIdle })

	started := s.now()
	result := s.runner.Run(ctx, s.searches)

	for _, r := range result.Searches {
		switch {
		case r.Err != nil:
			s.setError(fmt.Errorf("search %s: %w", r.Tag, r.Err))
		case r.FailedPages > 0:
			s.setError(fmt.Errorf("search %s: %d pages failed", r.Tag, r.FailedPages))
		}
	}

	var drain model.DrainResult
	if ctx.Err() == nil {
		var err error
		drain, err = s.dispatcher.Drain(ctx)
		if err != nil {
			s.log.Error().Err(err).Msg("drain notifications")
			s.setError(fmt.Errorf("drain notifications: %w", err))
		}
	}

	took := s.now().Sub(started)
	s.setState(func(st *model.Status) {
		st.LastResults = result.Searches
		st.LastDrain = drain
		st.LastCycleAt = started
		st.LastCycleTook = took
	})

	s.log.Info().
		Int("searches", len(result.Searches)).
		Int("distinct", result.Distinct).
		Int("sent", drain.Sent).
		Int("deferred", drain.Deferred).
		Dur("duration", took).
		Msg("cycle finished")
}

func (s *Scheduler) sweep(ctx context.Context) {
	s.setState(func(st *model.Status) { st.SweepState = model.StateSweeping })
	defer s.setState(func(st *model.Status) { st.SweepState = model.StateIdle })

	started := s.now()
	deleted, err := s.store.SweepStale(ctx, s.opts.Retention)
	if err != nil {
		s.log.Error().Err(err).Msg("sweep stale listings")
		s.setError(fmt.Errorf("sweep stale listings: %w", err))
		return
	}

	s.setState(func(st *model.Status) {
		st.LastSweepAt = started
		st.LastSwept = deleted
	})
	s.log.Info().Int64("count", deleted).Dur("retention", s.opts.Retention).Msg("sweep finished")
}

func (s *Scheduler) skipCycle() {
	s.setState(func(st *model.Status) { st.SkippedCycles++ })
	s.log.Warn().Msg("cycle still running, tick skipped")
}

func (s *Scheduler) skipSweep() {
	s.setState(func(st *model.Status) { st.SkippedSweeps++ })
	s.log.Warn().Msg("sweep still running, tick skipped")
}

func (s *Scheduler) setError(err error) {
	now := s.now()
	s.setState(func(st *model.Status) {
		st.LastError = err.Error()
		st.LastErrorAt = now
	})
}

func (s *Scheduler) setState(fn func(*model.Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.status)
}
