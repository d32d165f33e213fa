/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package scheduler runs checks on their schedules, keeps each check's last
// snapshot and funnels every emitted event through a single dispatcher.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/marcus-qen/hostwarden/internal/alerts"
	"github.com/marcus-qen/hostwarden/internal/metrics"
	"github.com/marcus-qen/hostwarden/internal/telemetry"
)

// Check is one scheduled observation. Run receives the snapshot returned by
// the previous successful run (nil on the first) and returns the events to
// publish and the snapshot to keep.
type Check interface {
	Name() string
	Run(ctx context.Context, prev any, now time.Time) ([]alerts.Event, any, error)
}

// Dispatcher consumes published events.
type Dispatcher interface {
	Dispatch(ctx context.Context, events []alerts.Event) []error
}

// Job binds a check to its schedule. Schedule, a standard five-field cron
// expression, wins over Interval when both are set.
type Job struct {
	Check    Check
	Interval time.Duration
	Schedule string
}

// CheckStatus reports the health of one check.
type CheckStatus struct {
	Name                string
	Schedule            string
	Runs                int
	Events              int
	ConsecutiveFailures int
	LastRun             time.Time
	LastSuccess         time.Time
	LastError           string
	Next                time.Time
}

// Config tunes the scheduler.
type Config struct {
	// EventBuffer is the capacity of the event stream.
	EventBuffer int
	// Now overrides the clock passed to checks.
	Now func() time.Time
}

type entry struct {
	check  Check
	id     cron.EntryID
	status CheckStatus
}

// Scheduler runs checks on cron schedules. Each check never overlaps itself.
type Scheduler struct {
	cron       *cron.Cron
	dispatcher Dispatcher
	logger     *zap.Logger
	now        func() time.Time

	events chan []alerts.Event

	mu        sync.Mutex
	entries   map[string]*entry
	order     []string
	snapshots map[string]any
	runCtx    context.Context
	cancel    context.CancelFunc
	started   bool

	pubMu  sync.RWMutex
	closed bool

	wg         sync.WaitGroup
	dispatchWG sync.WaitGroup
}

// New creates a scheduler. cronLog receives the cron library's own
// messages, including recovered panics.
func New(d Dispatcher, logger *zap.Logger, cronLog logr.Logger, cfg Config) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 64
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cronLog = cronLog.WithName("cron")
	return &Scheduler{
		cron: cron.New(
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		dispatcher: d,
		logger:     logger.Named("scheduler"),
		now:        cfg.Now,
		events:     make(chan []alerts.Event, cfg.EventBuffer),
		entries:    make(map[string]*entry),
		snapshots:  make(map[string]any),
	}
}

// Add registers a job. It must be called before Start.
func (s *Scheduler) Add(job Job) error {
	if job.Check == nil {
		return errors.New("job has no check")
	}
	name := job.Check.Name()

	var (
		sched cron.Schedule
		desc  string
	)
	switch {
	case strings.TrimSpace(job.Schedule) != "":
		parsed, err := cron.ParseStandard(job.Schedule)
		if err != nil {
			return fmt.Errorf("check %s: invalid schedule %q: %w", name, job.Schedule, err)
		}
		sched, desc = parsed, job.Schedule
	case job.Interval > 0:
		sched, desc = cron.Every(job.Interval), "every "+job.Interval.String()
	default:
		return fmt.Errorf("check %s: interval or schedule is required", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("check %s: scheduler already started", name)
	}
	if _, dup := s.entries[name]; dup {
		return fmt.Errorf("check %s registered twice", name)
	}

	check := job.Check
	id := s.cron.Schedule(sched, cron.FuncJob(func() {
		s.mu.Lock()
		ctx := s.runCtx
		s.mu.Unlock()
		s.runCheck(ctx, check)
	}))
	s.entries[name] = &entry{check: check, id: id, status: CheckStatus{Name: name, Schedule: desc}}
	s.order = append(s.order, name)
	return nil
}

// Start runs every check once, then on its schedule, and starts the
// dispatcher. Events are dispatched with a context that outlives ctx so
// final notices still go out during shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	ids := make([]cron.EntryID, 0, len(s.order))
	for _, name := range s.order {
		ids = append(ids, s.entries[name].id)
	}
	s.mu.Unlock()

	s.dispatchWG.Add(1)
	go s.dispatchLoop(context.WithoutCancel(ctx))

	for _, id := range ids {
		job := s.cron.Entry(id).WrappedJob
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			job.Run()
		}()
	}
	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("checks", len(ids)))
}

// Stop cancels running checks, waits for them, then drains and stops the
// dispatcher.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	<-s.cron.Stop().Done()
	s.wg.Wait()

	s.pubMu.Lock()
	s.closed = true
	close(s.events)
	s.pubMu.Unlock()

	s.dispatchWG.Wait()
	s.logger.Info("scheduler stopped")
}

// Publish queues events for dispatch. Events published after Stop are
// dropped.
func (s *Scheduler) Publish(events []alerts.Event) {
	if len(events) == 0 {
		return
	}
	s.pubMu.RLock()
	defer s.pubMu.RUnlock()
	if s.closed {
		s.logger.Warn("dropping events after shutdown", zap.Int("events", len(events)))
		return
	}
	s.events <- events
}

// Status returns every check's health in registration order.
func (s *Scheduler) Status() []CheckStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]CheckStatus, 0, len(s.order))
	for _, name := range s.order {
		e := s.entries[name]
		st := e.status
		if s.started {
			st.Next = s.cron.Entry(e.id).Next
		}
		out = append(out, st)
	}
	return out
}

// Snapshot returns the last stored snapshot of a check.
func (s *Scheduler) Snapshot(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[name]
	return snap, ok
}

// Names returns the registered check names, sorted.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := append([]string(nil), s.order...)
	sort.Strings(names)
	return names
}

func (s *Scheduler) runCheck(ctx context.Context, c Check) {
	if ctx == nil || ctx.Err() != nil {
		return
	}
	name := c.Name()
	now := s.now()

	s.mu.Lock()
	prev := s.snapshots[name]
	s.mu.Unlock()

	spanCtx, span := telemetry.StartCheckSpan(ctx, name)
	start := time.Now()
	events, next, err := c.Run(spanCtx, prev, now)
	telemetry.EndCheckSpan(span, len(events), err)
	metrics.RecordCheckRun(name, time.Since(start), err)

	s.mu.Lock()
	e := s.entries[name]
	e.status.Runs++
	e.status.LastRun = now
	if err != nil {
		e.status.ConsecutiveFailures++
		e.status.LastError = err.Error()
		failures := e.status.ConsecutiveFailures
		s.mu.Unlock()
		if ctx.Err() == nil {
			s.logger.Warn("check failed", zap.String("check", name), zap.Int("consecutive_failures", failures), zap.Error(err))
		}
		return
	}
	e.status.ConsecutiveFailures = 0
	e.status.LastError = ""
	e.status.LastSuccess = now
	e.status.Events += len(events)
	s.snapshots[name] = next
	s.mu.Unlock()

	if len(events) > 0 {
		s.logger.Debug("check emitted events", zap.String("check", name), zap.Int("events", len(events)))
	}
	s.Publish(events)
}

func (s *Scheduler) dispatchLoop(ctx context.Context) {
	defer s.dispatchWG.Done()
	for batch := range s.events {
		if s.dispatcher == nil {
			continue
		}
		for _, err := range s.dispatcher.Dispatch(ctx, batch) {
			s.logger.Debug("dispatch error", zap.Error(err))
		}
	}
}
