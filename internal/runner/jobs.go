package runner

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"pmagent/internal/metrics"
	"pmagent/pkg/logx"
)

const maxStartupSpread = 30 * time.Second

// Job is a scheduled task. Runs of the same job never overlap.
type Job struct {
	Name string
	// Spec is a standard 5-field cron spec or a descriptor ("@hourly", "@every 15m").
	Spec    string
	Timeout time.Duration
	Run     func(ctx context.Context) error
}

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

func (r *Runner) newCron() (*cron.Cron, error) {
	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithLocation(r.opts.Location),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{r.log})),
	)
	for _, j := range r.jobs {
		if j.Run == nil || strings.TrimSpace(j.Name) == "" {
			return nil, fmt.Errorf("runner: job %q needs a name and a func", j.Name)
		}
		if _, err := schedule(j.Spec, time.Now().In(r.opts.Location), j.Name); err != nil {
			return nil, fmt.Errorf("runner: job %s: %w", j.Name, err)
		}
	}
	return c, nil
}

func (r *Runner) bindJobs(ctx context.Context) {
	for _, j := range r.jobs {
		j := j
		sched, _ := schedule(j.Spec, time.Now().In(r.opts.Location), j.Name)
		r.cron.Schedule(sched, cron.FuncJob(func() { r.runJob(ctx, j) }))
	}
}

func (r *Runner) runJob(ctx context.Context, j Job) {
	if ctx.Err() != nil {
		return
	}
	if j.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, j.Timeout)
		defer cancel()
	}
	start := time.Now()
	err := func() (err error) {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
			}
		}()
		return j.Run(ctx)
	}()
	log := r.log.With(logx.String("job", j.Name), logx.Duration("took", time.Since(start)))
	if err != nil {
		metrics.JobRunsTotal.WithLabelValues(j.Name, "error").Inc()
		log.Warn("job failed", logx.Err(err))
		return
	}
	metrics.JobRunsTotal.WithLabelValues(j.Name, "ok").Inc()
	log.Debug("job finished")
}

// schedule parses spec. Interval specs get a random first-run delay so jobs added
// together do not all fire at once after a restart.
func schedule(spec string, now time.Time, tag string) (cron.Schedule, error) {
	spec = strings.TrimSpace(spec)
	if every, ok := strings.CutPrefix(spec, "@every"); ok {
		d, err := time.ParseDuration(strings.TrimSpace(every))
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("invalid interval %q", spec)
		}
		return spreadInterval(d, now, tag), nil
	}
	return cronParser.Parse(spec)
}

type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadInterval(every time.Duration, now time.Time, tag string) cron.Schedule {
	base := cron.Every(every)
	spread := min(every, maxStartupSpread)
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewPCG(uint64(now.UnixNano()), h.Sum64()))
	jitter := time.Duration(rng.Int64N(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}
}

// cronLogger adapts logx to cron's logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
