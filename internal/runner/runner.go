// Package runner drives the service: one polling worker per connector feeding the
// dispatcher, plus cron-scheduled maintenance jobs, all under one supervisor.
package runner

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"pmagent/internal/dispatcher"
	"pmagent/internal/event"
	"pmagent/internal/metrics"
	"pmagent/internal/runtime/supervisor"
	"pmagent/pkg/logx"
)

const (
	DefaultStopTimeout = 10 * time.Second
	rewindTimeout      = 5 * time.Second
)

// Source is a polled connector.
type Source interface {
	Source() event.Source
	Poll(ctx context.Context) ([]event.NormalizedEvent, error)
	Rewind(ctx context.Context, ev event.NormalizedEvent) error
}

type Handler interface {
	Handle(ctx context.Context, ev event.NormalizedEvent) (dispatcher.Outcome, error)
}

type Worker struct {
	Source   Source
	Interval time.Duration
}

type Options struct {
	// Location is the zone cron specs are evaluated in.
	Location    *time.Location
	StopTimeout time.Duration
	// Notify receives service manager states (READY=1, STOPPING=1, WATCHDOG=1).
	// Nil uses systemd notifications, which are no-ops outside systemd.
	Notify func(state string)
	// Watchdog overrides the interval detected from WATCHDOG_USEC.
	Watchdog time.Duration
}

type Runner struct {
	handler Handler
	workers []Worker
	jobs    []Job
	opts    Options
	log     logx.Logger

	mu   sync.Mutex
	sup  *supervisor.Supervisor
	cron *cron.Cron
}

func New(handler Handler, workers []Worker, jobs []Job, opts Options, log logx.Logger) (*Runner, error) {
	if handler == nil {
		return nil, errors.New("runner: handler is required")
	}
	for _, w := range workers {
		if w.Source == nil || w.Interval <= 0 {
			return nil, errors.New("runner: every worker needs a source and a positive interval")
		}
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.StopTimeout <= 0 {
		opts.StopTimeout = DefaultStopTimeout
	}
	if opts.Notify == nil {
		opts.Notify = sdNotify
	}
	if opts.Watchdog <= 0 {
		opts.Watchdog = watchdogInterval()
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Runner{
		handler: handler,
		workers: workers,
		jobs:    jobs,
		opts:    opts,
		log:     log.With(logx.String("comp", "runner")),
	}
	// Reject bad specs before anything starts.
	if _, err := r.newCron(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start launches workers and jobs and returns immediately. Stop ends them.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sup != nil {
		return errors.New("runner: already started")
	}

	c, err := r.newCron()
	if err != nil {
		return err
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(r.log))
	r.sup, r.cron = sup, c

	for _, w := range r.workers {
		w := w
		sup.GoRestart("worker."+string(w.Source.Source()), func(ctx context.Context) error {
			return r.loop(ctx, w)
		}, supervisor.WithRestartBackoff(time.Second, time.Minute))
	}
	r.bindJobs(sup.Context())
	c.Start()

	if wd := r.opts.Watchdog; wd > 0 {
		sup.Go("watchdog", func(ctx context.Context) error {
			t := time.NewTicker(wd / 2)
			defer t.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-t.C:
					r.opts.Notify(stateWatchdog)
				}
			}
		})
	}

	r.opts.Notify(stateReady)
	r.log.Info("runner started", logx.Int("workers", len(r.workers)), logx.Int("jobs", len(r.jobs)),
		logx.String("tz", r.opts.Location.String()))
	return nil
}

// Stop cancels workers and jobs and waits for them, bounded by ctx and StopTimeout.
func (r *Runner) Stop(ctx context.Context) error {
	r.mu.Lock()
	sup, c := r.sup, r.cron
	r.sup, r.cron = nil, nil
	r.mu.Unlock()
	if sup == nil {
		return nil
	}

	r.opts.Notify(stateStopping)
	ctx, cancel := context.WithTimeout(ctx, r.opts.StopTimeout)
	defer cancel()

	sup.Cancel()
	var errs []error
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("jobs: %w", ctx.Err()))
	}
	if err := sup.Wait(ctx); err != nil {
		errs = append(errs, fmt.Errorf("workers: %w", err))
	}
	err := errors.Join(errs...)
	if err != nil {
		r.log.Warn("runner stopped with errors", logx.Err(err))
	} else {
		r.log.Info("runner stopped")
	}
	return err
}

// Snapshot reports the state of the supervised goroutines.
func (r *Runner) Snapshot() []supervisor.WorkerState {
	r.mu.Lock()
	sup := r.sup
	r.mu.Unlock()
	if sup == nil {
		return nil
	}
	return sup.Snapshot()
}

func (r *Runner) loop(ctx context.Context, w Worker) error {
	log := r.log.With(logx.String("source", string(w.Source.Source())))
	log.Info("worker started", logx.Duration("interval", w.Interval))
	for {
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}
		r.cycle(ctx, w.Source, log)

		t := time.NewTimer(w.Interval)
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.C:
		}
	}
}

// cycle polls once and dispatches every event in order. A failed event is rewound
// so the next poll fetches it again; the rest of the batch is still handled.
func (r *Runner) cycle(ctx context.Context, src Source, log logx.Logger) (handled, failed int) {
	evs, err := src.Poll(ctx)
	if err != nil && ctx.Err() == nil {
		log.Warn("poll failed", logx.Err(err))
	}
	source := string(src.Source())
	for _, ev := range evs {
		if ctx.Err() != nil {
			return handled, failed
		}
		out, err := r.handle(ctx, ev)
		if err != nil {
			failed++
			metrics.EventsTotal.WithLabelValues(source, "error").Inc()
			log.Warn("dispatch failed; will retry", logx.String("item", ev.ItemKey), logx.Err(err))
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rewindTimeout)
			if err := src.Rewind(rctx, ev); err != nil {
				log.Error("rewind failed", logx.String("item", ev.ItemKey), logx.Err(err))
			}
			cancel()
			continue
		}
		handled++
		metrics.EventsTotal.WithLabelValues(source, string(out)).Inc()
		log.Debug("event handled", logx.String("item", ev.ItemKey), logx.String("outcome", string(out)))
	}
	return handled, failed
}

func (r *Runner) handle(ctx context.Context, ev event.NormalizedEvent) (out dispatcher.Outcome, err error) {
	defer func() {
		if p := recover(); p != nil {
			r.log.Error("dispatch panicked", logx.String("item", ev.ItemKey), logx.Any("panic", p), logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return r.handler.Handle(ctx, ev)
}
