package daemon

import (
	"context"
	"strings"
	"time"

	"twitchwatch/internal/config"
	"twitchwatch/internal/directory"
	"twitchwatch/internal/sink"
	"twitchwatch/internal/sink/chat"
	"twitchwatch/internal/sink/desktop"
	"twitchwatch/internal/sink/telegram"
	"twitchwatch/internal/sink/webhook"
	logx "twitchwatch/pkg/logx"
)

// sinkEnv is what a sink constructor may draw on besides its own section.
type sinkEnv struct {
	cfg    *config.Config
	lookup directory.Fetcher
	log    logx.Logger
}

type sinkFactory func(ctx context.Context, b config.BroadcasterConfig, env sinkEnv) (sink.Sink, error)

var sinkFactories = map[string]sinkFactory{
	"irc":      newChatSink,
	"dbus":     newDesktopSink,
	"discord":  newWebhookSink,
	"webhook":  newWebhookSink,
	"telegram": newTelegramSink,
}

// BuildSinks constructs one registration per configured broadcaster. A sink
// that fails to construct is logged and left out; the rest still run.
// lookup may be nil, in which case chat queries go unanswered.
func BuildSinks(ctx context.Context, cfg *config.Config, lookup directory.Fetcher, log logx.Logger) []sink.Registration {
	return buildSinks(ctx, cfg, lookup, log, sinkFactories)
}

func buildSinks(ctx context.Context, cfg *config.Config, lookup directory.Fetcher, log logx.Logger, factories map[string]sinkFactory) []sink.Registration {
	env := sinkEnv{cfg: cfg, lookup: lookup, log: log}
	regs := make([]sink.Registration, 0, len(cfg.Broadcasters))
	for i, b := range cfg.Broadcasters {
		typ := strings.ToLower(strings.TrimSpace(b.Type))
		blog := log.With(logx.Int("broadcaster", i), logx.String("type", typ))
		f, ok := factories[typ]
		if !ok {
			blog.Error("unknown broadcaster type; skipped")
			continue
		}
		s, err := f(ctx, b, env)
		if err != nil {
			blog.Error("broadcaster failed to start; skipped", logx.Err(err))
			continue
		}
		regs = append(regs, sink.Registration{
			Sink:   s,
			Filter: sink.Filter{Categories: b.Games, Blacklist: cfg.Blacklist},
		})
		blog.Info("broadcaster registered", logx.String("sink", s.Name()), logx.Strings("games", b.Games))
	}
	return regs
}

func newChatSink(_ context.Context, b config.BroadcasterConfig, env sinkEnv) (sink.Sink, error) {
	cmdLimit, err := config.ParseDurationUnit("cmd_limit", b.CmdLimit, time.Second)
	if err != nil {
		return nil, err
	}
	if cmdLimit <= 0 {
		cmdLimit = config.DefaultCmdLimit
	}
	rps := b.RatePerSec
	if rps == 0 {
		rps = chat.DefaultRatePerSec
	}
	return chat.New(chat.Config{
		Name:        b.Name,
		Network:     b.Network,
		Port:        b.Port,
		TLS:         b.TLS,
		Room:        b.Room,
		Nick:        b.Nick,
		Password:    b.Password,
		CmdLimit:    cmdLimit,
		RatePerSec:  rps,
		AllowQuit:   b.AllowQuit,
		QuitMessage: b.QuitMessage,
		Limit:       env.cfg.Limit,
		Blacklist:   env.cfg.Blacklist,
	}, env.lookup, env.log)
}

func newDesktopSink(ctx context.Context, b config.BroadcasterConfig, env sinkEnv) (sink.Sink, error) {
	return desktop.New(ctx, desktop.Config{Name: b.Name, AppName: b.AppName}, env.log)
}

func newWebhookSink(_ context.Context, b config.BroadcasterConfig, env sinkEnv) (sink.Sink, error) {
	return webhook.New(webhook.Config{Name: b.Name, URL: b.WebhookURL, Username: b.Username}, env.log)
}

func newTelegramSink(_ context.Context, b config.BroadcasterConfig, env sinkEnv) (sink.Sink, error) {
	return telegram.New(telegram.Config{Name: b.Name, Token: b.Token, ChatID: b.ChatID, ThreadID: b.ThreadID}, env.log)
}
