// Package daemon is the long-lived broadcast process: it owns the socket,
// the sinks and the dispatcher for the life of the process.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	sdaemon "github.com/coreos/go-systemd/v22/daemon"

	"twitchwatch/internal/config"
	"twitchwatch/internal/directory"
	"twitchwatch/internal/dispatch"
	"twitchwatch/internal/metrics"
	"twitchwatch/internal/observability/debugsrv"
	rtsup "twitchwatch/internal/runtime/supervisor"
	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	"twitchwatch/internal/transport"
	logx "twitchwatch/pkg/logx"
)

// DefaultStopTimeout bounds the whole shutdown sequence.
const DefaultStopTimeout = 10 * time.Second

type Daemon struct {
	cfgm *config.ConfigManager
	log  logx.Logger
	logs *logx.Service

	sup   *rtsup.Supervisor
	srv   *transport.Server
	disp  *dispatch.Dispatcher
	debug *debugsrv.Service

	serving  atomic.Bool
	stopOnce sync.Once

	// sinkFactories is swapped in tests.
	sinkFactories map[string]sinkFactory
}

// New loads the configuration and sets up logging. Nothing is bound yet.
func New(cfgm *config.ConfigManager) (*Daemon, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	logs, log := logx.New(cfg.LogConfig())
	log = log.With(logx.String("comp", "daemon"))
	cfgm.SetLogger(logs.Logger().With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error { return config.Validate(c) })
	return &Daemon{cfgm: cfgm, log: log, logs: logs, sinkFactories: sinkFactories}, nil
}

// Start binds the socket, builds the sinks and starts serving. Only a bind
// failure is fatal; sinks that fail to construct are skipped.
func (d *Daemon) Start(ctx context.Context) error {
	cfg := d.cfgm.Get()
	d.sup = rtsup.New(ctx,
		rtsup.WithLogger(d.logs.Logger().With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)
	sup := d.sup
	metrics.TrackSupervised(func() int64 { return sup.Counters().Active })

	srv, err := d.bind(cfg)
	if err != nil {
		d.sup.Cancel()
		return err
	}
	d.srv = srv

	var lookup directory.Fetcher
	if err := config.RequireTwitch(cfg); err != nil {
		d.log.Warn("no twitch credentials; chat queries will not be answered", logx.Err(err))
	} else {
		timeout, _ := config.ParseDurationField("twitch.timeout", cfg.Twitch.Timeout)
		h, err := directory.NewHelix(directory.HelixConfig{
			ClientID:     cfg.Twitch.ClientID,
			ClientSecret: cfg.Twitch.ClientSecret,
			AppToken:     cfg.Twitch.AppToken,
			Timeout:      timeout,
		}, d.logs.Logger().With(logx.String("comp", "directory")))
		if err != nil {
			d.log.Warn("directory client unavailable; chat queries will not be answered", logx.Err(err))
		} else {
			lookup = h
		}
	}

	regs := buildSinks(d.sup.Context(), cfg, lookup, d.logs.Logger(), d.sinkFactories)
	if len(regs) == 0 {
		d.log.Warn("no broadcasters registered; batches will be received and dropped")
	}
	d.disp = dispatch.New(regs, d.logs.Logger())
	for _, reg := range regs {
		if r, ok := reg.Sink.(sink.Runner); ok {
			d.sup.Go("sink."+reg.Name(), r.Run)
		}
	}

	d.debug = debugsrv.New(cfg.DebugServerConfig(), metrics.Registry, d.health, d.logs.Logger())
	d.debug.Reconfigure(d.sup.Context(), cfg.DebugServerConfig())

	d.sup.Go("transport.serve", func(ctx context.Context) error {
		return d.srv.Serve(ctx, d.handle)
	})
	d.sup.Go0("config.watch", func(ctx context.Context) { _ = d.cfgm.Watch(ctx) })
	d.sup.Go0("config.apply", d.applyUpdates)
	d.startWatchdog()

	d.serving.Store(true)
	if ok, err := sdaemon.SdNotify(false, sdaemon.SdNotifyReady); err != nil {
		d.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if ok {
		d.log.Debug("sd_notify ready sent")
	}
	d.log.Info("daemon started",
		logx.String("socket", d.srv.Path()),
		logx.Strings("sinks", d.disp.Sinks()),
		logx.Bool("queries", lookup != nil),
	)
	return nil
}

func (d *Daemon) bind(cfg *config.Config) (*transport.Server, error) {
	srv, err := transport.ListenActivated(d.logs.Logger())
	if err != nil {
		d.log.Warn("socket activation unusable; binding directly", logx.Err(err))
	}
	if srv != nil {
		d.log.Info("using socket from systemd", logx.String("socket", srv.Path()))
		return srv, nil
	}
	srv, err = transport.Listen(cfg.Socket, d.logs.Logger())
	if err != nil {
		d.log.Error("socket bind failed", logx.String("socket", cfg.Socket), logx.Err(err))
		return nil, err
	}
	return srv, nil
}

func (d *Daemon) handle(ctx context.Context, batch stream.Batch) {
	d.disp.Dispatch(ctx, batch)
}

func (d *Daemon) health() error {
	if !d.serving.Load() {
		return errors.New("not serving")
	}
	return nil
}

// Socket returns the bound socket path.
func (d *Daemon) Socket() string {
	if d.srv == nil {
		return ""
	}
	return d.srv.Path()
}

// Done is closed when the daemon's run context ends, either by the parent
// context or by a fatal component error.
func (d *Daemon) Done() <-chan struct{} { return d.sup.Context().Done() }

// Err returns the first fatal component error, if any.
func (d *Daemon) Err() error { return d.sup.Err() }

// applyUpdates applies hot-reloadable sections. Sink registrations are
// fixed for the process lifetime.
func (d *Daemon) applyUpdates(ctx context.Context) {
	ch := d.cfgm.Subscribe(1)
	defer d.cfgm.Unsubscribe(ch)
	prev := d.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok {
				return
			}
			changed, fields, restart := config.SummarizeConfigChange(prev, cfg)
			prev = cfg
			if len(changed) == 0 {
				continue
			}
			d.logs.Apply(cfg.LogConfig())
			d.debug.Reconfigure(ctx, cfg.DebugServerConfig())
			d.log.Info("config applied", append(fields, logx.Strings("sections", changed))...)
			if restart {
				d.log.Warn("some changes need a daemon restart to take effect", logx.Strings("sections", changed))
			}
		}
	}
}

func (d *Daemon) startWatchdog() {
	interval, err := sdaemon.SdWatchdogEnabled(false)
	if err != nil {
		d.log.Warn("watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	d.sup.Go0("systemd.watchdog", func(ctx context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if d.serving.Load() {
					_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyWatchdog)
				}
			}
		}
	})
}

// Stop shuts everything down in order, each step bounded so one stuck
// component cannot stall the rest.
func (d *Daemon) Stop(ctx context.Context, reason string) {
	d.stopOnce.Do(func() { d.stop(ctx, reason) })
}

func (d *Daemon) stop(ctx context.Context, reason string) {
	if d.sup == nil {
		return
	}
	d.log.Info("stopping", logx.String("reason", reason))
	d.serving.Store(false)
	_, _ = sdaemon.SdNotify(false, sdaemon.SdNotifyStopping)

	d.sup.Cancel()

	d.step(ctx, "transport", time.Second, func(context.Context) error {
		if d.srv == nil {
			return nil
		}
		return d.srv.Close()
	})
	d.step(ctx, "sinks", 4*time.Second, func(c context.Context) error {
		if d.disp == nil {
			return nil
		}
		return d.disp.Close(c)
	})
	d.step(ctx, "debug", time.Second, func(c context.Context) error {
		if d.debug != nil {
			d.debug.Stop(c)
		}
		return nil
	})
	d.step(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return d.sup.Wait(c) })

	d.log.Info("stopped")
	_ = d.logs.Close()
}

func (d *Daemon) step(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < limit {
			limit = rem
		}
	}
	if limit <= 0 {
		d.log.Warn("stop step skipped; no time left", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			d.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		d.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	case <-stepCtx.Done():
		d.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
	}
}

// Run starts the daemon and blocks until ctx is done or a component fails
// fatally, then stops it.
func Run(ctx context.Context, cfgm *config.ConfigManager) error {
	d, err := New(cfgm)
	if err != nil {
		return err
	}
	if err := d.Start(ctx); err != nil {
		_ = d.logs.Close()
		return err
	}
	<-d.Done()

	reason := "signal"
	if ctx.Err() == nil {
		reason = "fatal error"
	}
	stopCtx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()
	d.Stop(stopCtx, reason)
	return d.Err()
}

