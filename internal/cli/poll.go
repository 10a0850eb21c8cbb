package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/jonboulle/clockwork"
	"github.com/spf13/cobra"

	"twitchwatch/internal/cache"
	"twitchwatch/internal/config"
	"twitchwatch/internal/directory"
	"twitchwatch/internal/poller"
	"twitchwatch/internal/transport"
	logx "twitchwatch/pkg/logx"
)

type pollFlags struct {
	cacheFile string
	maxAge    string
	noCache   bool
	limit     int
}

func (f *pollFlags) register(cmd *cobra.Command) {
	fl := cmd.Flags()
	fl.StringVar(&f.cacheFile, "cache-file", "", "stream cache path (/dev/null disables writes)")
	fl.StringVar(&f.maxAge, "max-age", "", "advisory age window; a bare number is hours (default 24h)")
	fl.BoolVar(&f.noCache, "no-cache", false, "do not write the stream cache")
	fl.IntVar(&f.limit, "limit", 0, "streams fetched per game (default 5)")
}

func (f *pollFlags) overrides(cmd *cobra.Command) config.Overrides {
	o := config.Overrides{CacheFile: f.cacheFile, MaxAge: f.maxAge, Limit: f.limit}
	if cmd.Flags().Changed("no-cache") {
		v := f.noCache
		o.NoCache = &v
	}
	return o
}

func newPollCmd(g *globals) *cobra.Command {
	f := &pollFlags{}
	cmd := &cobra.Command{
		Use:   "poll [game...]",
		Short: "Poll each game once and notify the daemon about new streams",
		Long: `Poll fetches the live streams of each game, compares them with the cache
and sends the new ones to the daemon. Games default to the config's "games".

Fetch and delivery failures are logged; they never make poll fail.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			o := f.overrides(cmd)
			o.Games = args
			env, err := openPollEnv(g.manager(o))
			if err != nil {
				return err
			}
			defer env.close()
			env.poller.RunAll(cmd.Context(), env.games)
			return nil
		},
	}
	f.register(cmd)
	return cmd
}

// pollEnv is everything a poll run needs, opened from config.
type pollEnv struct {
	cfg    *config.Config
	logs   *logx.Service
	log    logx.Logger
	store  cache.Store
	poller *poller.Poller
	games  []string
}

func openPollEnv(cfgm *config.ConfigManager) (*pollEnv, error) {
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.RequireTwitch(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Games) == 0 {
		return nil, errors.New("no games to poll: pass them as arguments or set \"games\" in the config")
	}

	logs, log := logx.New(cfg.LogConfig())
	busy, _ := config.ParseDurationField("cache.busy_timeout", cfg.Cache.BusyTimeout)
	store, err := cache.Open(cache.Config{Driver: cfg.Cache.Driver, Path: cfg.Cache.Path, BusyTimeout: busy}, log.With(logx.String("comp", "cache")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open cache: %w", err)
	}
	timeout, _ := config.ParseDurationField("twitch.timeout", cfg.Twitch.Timeout)
	fetcher, err := directory.NewHelix(directory.HelixConfig{
		ClientID:     cfg.Twitch.ClientID,
		ClientSecret: cfg.Twitch.ClientSecret,
		AppToken:     cfg.Twitch.AppToken,
		Timeout:      timeout,
		APIBaseURL:   cfg.Twitch.APIURL,
	}, log.With(logx.String("comp", "directory")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	return &pollEnv{
		cfg:   cfg,
		logs:  logs,
		log:   log,
		store: store,
		games: cfg.Games,
		poller: &poller.Poller{
			Fetcher:  fetcher,
			Store:    store,
			Notifier: transport.NewClient(cfg.Socket),
			MaxAge:   cfg.MaxAge.Std(),
			Limit:    cfg.Limit,
			NoCache:  cfg.NoCache,
			Clock:    clockwork.NewRealClock(),
			Log:      log,
		},
	}, nil
}

func (e *pollEnv) close() {
	if err := e.store.Close(); err != nil {
		e.log.Warn("cache close failed", logx.Err(err))
	}
	_ = e.logs.Close()
}

// pollJob adapts a poll environment to a scheduled job.
func (e *pollEnv) pollJob() func(ctx context.Context) {
	return func(ctx context.Context) { e.poller.RunAll(ctx, e.games) }
}
