// Package poller runs one poll cycle per category: fetch the directory,
// compare against the cache, persist, and hand new streams to the daemon.
package poller

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"twitchwatch/internal/cache"
	"twitchwatch/internal/detect"
	"twitchwatch/internal/directory"
	"twitchwatch/internal/metrics"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

// Notifier delivers a batch of new streams. transport.Client implements it.
type Notifier interface {
	Send(ctx context.Context, batch stream.Batch) error
}

// Outcome summarizes one category poll.
type Outcome struct {
	Category string
	Fetched  int
	New      int
	Aged     int
	Saved    bool
	Notified bool
	Err      error
}

// Poller is stateless between runs; every run reads the cache afresh.
type Poller struct {
	Fetcher  directory.Fetcher
	Store    cache.Store
	Notifier Notifier

	MaxAge time.Duration
	Limit  int
	// NoCache disables cache writes; reads still happen.
	NoCache bool

	Clock clockwork.Clock
	Log   logx.Logger
}

func (p *Poller) clock() clockwork.Clock {
	if p.Clock == nil {
		return clockwork.NewRealClock()
	}
	return p.Clock
}

func (p *Poller) logger() logx.Logger {
	if p.Log.IsZero() {
		return logx.Nop()
	}
	return p.Log
}

// Run polls category once. Fetch and transport failures are logged and
// reported in the Outcome; Run itself never fails the process. The cache is
// committed before the notification is sent.
func (p *Poller) Run(ctx context.Context, category string) Outcome {
	log := p.logger().With(logx.String("comp", "poller"), logx.String("category", category), logx.String("run_id", uuid.NewString()))
	out := Outcome{Category: category}

	limit := p.Limit
	if limit <= 0 {
		limit = directory.DefaultLimit
	}
	current, err := p.Fetcher.FetchStreams(ctx, category, limit)
	if err != nil {
		metrics.Polls.WithLabelValues(category, "fetch_error").Inc()
		log.Warn("fetch failed; cache untouched", logx.Err(err))
		out.Err = err
		return out
	}
	out.Fetched = len(current)
	if len(current) == 0 {
		metrics.Polls.WithLabelValues(category, "empty").Inc()
		log.Info("no live streams; cache untouched")
		return out
	}

	c := p.Store.Load(ctx)
	res := detect.Plan(category, current, c, p.MaxAge, p.clock().Now())
	out.New, out.Aged = len(res.New), len(res.Aged)
	for _, r := range res.Aged {
		log.Debug("matched a cached broadcast older than the age window", logx.String("channel_id", r.ChannelID), logx.String("session_id", r.SessionID))
	}

	if res.UpdateCache && !p.NoCache {
		res.Apply(c)
		if err := p.Store.Save(ctx, c); err != nil {
			log.Error("cache save failed", logx.Err(err))
			out.Err = err
		} else {
			out.Saved = true
		}
	}

	metrics.Polls.WithLabelValues(category, "ok").Inc()
	if len(res.New) == 0 {
		log.Debug("no new streams", logx.Int("fetched", out.Fetched))
		return out
	}
	metrics.NewStreams.WithLabelValues(category).Add(float64(len(res.New)))
	log.Info("new streams", logx.Int("count", len(res.New)), logx.Strings("channels", channelNames(res.New)))

	if p.Notifier == nil {
		return out
	}
	if err := p.Notifier.Send(ctx, stream.Batch(res.New)); err != nil {
		log.Warn("notification not delivered; streams stay cached", logx.Err(err))
		out.Err = errors.Join(out.Err, err)
		return out
	}
	out.Notified = true
	return out
}

// RunAll polls each category in order. One failing category never stops the
// rest.
func (p *Poller) RunAll(ctx context.Context, categories []string) []Outcome {
	outs := make([]Outcome, 0, len(categories))
	for _, cat := range categories {
		if ctx.Err() != nil {
			break
		}
		outs = append(outs, p.Run(ctx, cat))
	}
	return outs
}

func channelNames(recs []stream.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		if r.UserName != "" {
			out = append(out, r.UserName)
		} else {
			out = append(out, r.ChannelID)
		}
	}
	return out
}
