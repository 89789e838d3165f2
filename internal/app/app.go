// Package app assembles pmagent from its configuration and owns the process lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"pmagent/internal/approval"
	"pmagent/internal/config"
	"pmagent/internal/dispatcher"
	"pmagent/internal/escalation"
	"pmagent/internal/ledger"
	"pmagent/internal/ops"
	"pmagent/internal/runner"
	"pmagent/internal/runtime/supervisor"
	"pmagent/internal/storage"
	"pmagent/pkg/logx"
)

type StopReason string

const (
	StopSignal     StopReason = "signal"
	StopFatalError StopReason = "fatal_error"
)

type App struct {
	cfgm *config.Manager
	cfg  *config.Config
	dur  config.Durations

	log  logx.Logger
	logs *logx.Service

	db        *storage.DB
	ledger    *ledger.Ledger
	approvals *approval.Store
	alerts    *escalation.Tracker
	disp      *dispatcher.Dispatcher
	runner    *runner.Runner
	ops       *ops.Server

	sup *supervisor.Supervisor
}

// New loads the config at cfgPath and builds every component. Nothing runs until Start.
func New(ctx context.Context, cfgPath string) (_ *App, err error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	dur, err := cfg.Durations()
	if err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLogging(cfg))
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	a := &App{cfgm: cfgm, cfg: cfg, dur: dur, log: log, logs: logs}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.db, err = storage.Open(ctx, storage.Config{Path: cfg.Storage.Path, BusyTimeout: dur.BusyTimeout}, log)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}
	a.ledger = ledger.New(a.db)
	a.approvals = approval.NewStore(a.db)
	a.alerts = escalation.New(a.db, escalation.WithCooldown(dur.SLACooldown))

	conns, err := buildConnectors(cfg, dur, a.ledger, log)
	if err != nil {
		return nil, err
	}
	a.disp = buildDispatcher(cfg, dur, a.approvals, a.ledger, conns, log)

	jobs, err := a.jobs(conns)
	if err != nil {
		return nil, err
	}
	a.runner, err = runner.New(a.disp, conns.workers(dur), jobs, runner.Options{Location: cfg.Scheduler.Location()}, log)
	if err != nil {
		return nil, err
	}

	opsCfg, err := mapOps(cfg)
	if err != nil {
		return nil, err
	}
	a.ops = ops.NewServer(opsCfg, a.db.Ping, func() any { return a.runner.Snapshot() }, log)
	return a, nil
}

// Done is closed once the app is stopping, either after a fatal error or because
// the context passed to Start was cancelled.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.sup != nil {
		return errors.New("app already started")
	}
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	run := a.sup.Context()

	if err := a.runner.Start(run); err != nil {
		return err
	}
	a.ops.Start(run)

	updates := a.cfgm.Subscribe(1)
	a.sup.Go("config.watch", a.cfgm.Watch)
	a.sup.Go("config.apply", func(ctx context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		for {
			select {
			case <-ctx.Done():
				return nil
			case cfg := <-updates:
				a.apply(ctx, cfg)
			}
		}
	})

	a.log.Info("pmagent started",
		logx.Bool("chat", a.cfg.Chat.Enabled),
		logx.Bool("tracker", a.cfg.Tracker.Enabled),
		logx.Bool("review", a.cfg.Review.Enabled),
		logx.Bool("sla", a.cfg.SLA.Enabled),
	)
	return nil
}

// apply hot-reloads the sections that do not need a restart.
func (a *App) apply(ctx context.Context, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.logs.Apply(mapLogging(cfg))
	opsCfg, err := mapOps(cfg)
	if err != nil {
		a.log.Warn("ops config rejected", logx.Err(err))
		return
	}
	a.ops.Reconfigure(ctx, opsCfg)
}

// Run starts the app and blocks until ctx is done or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.close()
		return err
	}
	reason := StopSignal
	select {
	case <-ctx.Done():
	case <-a.Done():
		if ctx.Err() == nil {
			reason = StopFatalError
		}
	}
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	stopErr := a.Stop(stopCtx, reason)
	return errors.Join(a.Err(), stopErr)
}

// Stop shuts components down in dependency order. Each step is bounded so one
// stuck component cannot hold up the rest.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	var errs []error
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		sctx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(sctx)
		}()

		select {
		case err := <-done:
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
				a.log.Warn("stop step error", logx.String("step", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("step", name), logx.Duration("took", time.Since(start)))
		case <-sctx.Done():
			errs = append(errs, fmt.Errorf("%s: %w", name, sctx.Err()))
			a.log.Warn("stop step deadline reached (continuing)", logx.String("step", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	step("runner", 10*time.Second, a.runner.Stop)
	step("ops", 2*time.Second, func(c context.Context) error { a.ops.Stop(c); return nil })
	step("supervisor", 2*time.Second, func(c context.Context) error {
		err := a.sup.Wait(c)
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		// Fatal errors are reported through Err.
		return nil
	})
	step("storage", time.Second, func(context.Context) error { return a.db.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return errors.Join(errs...)
}

// close releases what New acquired when Start never ran.
func (a *App) close() {
	if a.db != nil {
		_ = a.db.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
