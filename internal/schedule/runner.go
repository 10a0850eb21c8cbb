package schedule

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "twitchwatch/pkg/logx"
)

// maxStartupSpread caps the random delay before the first interval run so
// several watchers started together do not hit the API in lockstep.
const maxStartupSpread = 30 * time.Second

// Job is one scheduled unit of work.
type Job func(ctx context.Context)

// Runner fires Job on a Spec. Runs never overlap: a tick that arrives while
// the previous run is still going is skipped.
type Runner struct {
	spec Spec
	job  Job
	log  logx.Logger

	// RunAtStart triggers one run as soon as Run starts.
	RunAtStart bool
}

func NewRunner(spec Spec, job Job, log logx.Logger) *Runner {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Runner{spec: spec, job: job, log: log.With(logx.String("comp", "schedule"))}
}

// Run blocks until ctx is done, then waits for an in-flight run to finish.
func (r *Runner) Run(ctx context.Context) error {
	sched, jitter, err := r.schedule(time.Now())
	if err != nil {
		return err
	}
	cl := cronLogger{log: r.log}
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	id := c.Schedule(sched, cron.FuncJob(func() { r.job(ctx) }))
	c.Start()
	r.log.Info("schedule started", logx.String("spec", r.spec.String()), logx.Duration("startup_jitter", jitter))

	var first sync.WaitGroup
	if r.RunAtStart {
		// The wrapped job carries the chain, so this run also blocks overlap.
		wrapped := c.Entry(id).WrappedJob
		first.Add(1)
		go func() {
			defer first.Done()
			wrapped.Run()
		}()
	}

	<-ctx.Done()
	<-c.Stop().Done()
	first.Wait()
	r.log.Info("schedule stopped")
	return nil
}

func (r *Runner) schedule(now time.Time) (cron.Schedule, time.Duration, error) {
	switch r.spec.Kind {
	case KindCron:
		s, err := parser.Parse(r.spec.Cron)
		if err != nil {
			return nil, 0, fmt.Errorf("invalid cron schedule %q: %w", r.spec.Cron, err)
		}
		return s, 0, nil
	case KindInterval:
		s, jitter := spreadInterval(r.spec.Every, now, r.spec.String())
		return s, jitter, nil
	default:
		return nil, 0, fmt.Errorf("unknown schedule kind %d", r.spec.Kind)
	}
}

// spreadSchedule overrides the first run time, then defers to base.
type spreadSchedule struct {
	base  cron.Schedule
	first time.Time
}

func (s *spreadSchedule) Next(t time.Time) time.Time {
	if !s.first.IsZero() && t.Before(s.first) {
		return s.first
	}
	return s.base.Next(t)
}

func spreadInterval(every time.Duration, now time.Time, tag string) (cron.Schedule, time.Duration) {
	base := cron.Every(every)
	spread := every
	if spread > maxStartupSpread {
		spread = maxStartupSpread
	}
	if spread <= 0 {
		return base, 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(tag))
	rng := rand.New(rand.NewSource(now.UnixNano() ^ int64(h.Sum64())))
	jitter := time.Duration(rng.Int63n(int64(spread)))
	return &spreadSchedule{base: base, first: now.Add(every + jitter)}, jitter
}

// cronLogger routes cron's own messages into logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			k = fmt.Sprint(kv[i])
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
