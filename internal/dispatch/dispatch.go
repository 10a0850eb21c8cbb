// Package dispatch fans each received record out to every registered sink.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"twitchwatch/internal/metrics"
	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

// Report counts per-sink outcomes for one batch.
type Report struct {
	Delivered int
	Skipped   int
	Failed    int
}

// Dispatcher owns the sink registrations for the daemon's lifetime.
type Dispatcher struct {
	regs []sink.Registration
	log  logx.Logger
}

// New copies regs; the dispatcher's view never changes afterwards.
func New(regs []sink.Registration, log logx.Logger) *Dispatcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Dispatcher{
		regs: append([]sink.Registration(nil), regs...),
		log:  log.With(logx.String("comp", "dispatch")),
	}
}

// Sinks returns the registered sink names in registration order.
func (d *Dispatcher) Sinks() []string {
	out := make([]string, 0, len(d.regs))
	for _, r := range d.regs {
		out = append(out, r.Name())
	}
	return out
}

// Dispatch delivers every record, in order, to every sink, in registration
// order. A failing sink is logged and skipped; it never stops delivery to
// the other sinks or the remaining records. There is no retry here.
func (d *Dispatcher) Dispatch(ctx context.Context, batch stream.Batch) Report {
	var rep Report
	if len(batch) == 0 || len(d.regs) == 0 {
		return rep
	}
	start := time.Now()
	log := d.log.With(logx.String("batch", uuid.NewString()))

	for _, rec := range batch {
		for _, reg := range d.regs {
			err := deliver(ctx, reg, rec)
			name := reg.Name()
			switch {
			case err == nil:
				rep.Delivered++
				metrics.Deliveries.WithLabelValues(name, "delivered").Inc()
			case sink.Skipped(err):
				rep.Skipped++
				metrics.Deliveries.WithLabelValues(name, "skipped").Inc()
				log.Debug("sink skipped record",
					logx.String("sink", name),
					logx.String("category", rec.Category),
					logx.String("channel_id", rec.ChannelID),
					logx.Err(err),
				)
			default:
				rep.Failed++
				metrics.Deliveries.WithLabelValues(name, "failed").Inc()
				log.Warn("sink failed",
					logx.String("sink", name),
					logx.String("category", rec.Category),
					logx.String("channel_id", rec.ChannelID),
					logx.Err(err),
				)
			}
		}
	}
	log.Info("batch dispatched",
		logx.Int("records", len(batch)),
		logx.Int("delivered", rep.Delivered),
		logx.Int("skipped", rep.Skipped),
		logx.Int("failed", rep.Failed),
		logx.Duration("took", time.Since(start)),
	)
	return rep
}

// deliver isolates a panicking sink like a failing one.
func deliver(ctx context.Context, reg sink.Registration, rec stream.Record) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &sink.Error{Sink: reg.Name(), Err: fmt.Errorf("panic: %v", r)}
		}
	}()
	return reg.Broadcast(ctx, rec)
}

// Close releases every sink that holds resources, in reverse registration
// order.
func (d *Dispatcher) Close(ctx context.Context) error {
	var errs []error
	for i := len(d.regs) - 1; i >= 0; i-- {
		c, ok := d.regs[i].Sink.(sink.Closer)
		if !ok {
			continue
		}
		if err := c.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", d.regs[i].Name(), err))
		}
	}
	return errors.Join(errs...)
}
