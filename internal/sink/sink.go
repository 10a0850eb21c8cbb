// Package sink defines the delivery capability every notification backend
// implements, plus the static per-sink filter applied before delivery.
package sink

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"twitchwatch/internal/stream"
)

var (
	// ErrNotReady means the sink cannot deliver yet (e.g. chat handshake in
	// progress). Dispatch treats it as a skip.
	ErrNotReady = errors.New("sink not ready")
	// ErrClosed means the sink was shut down and will never deliver again.
	ErrClosed = errors.New("sink closed")
	// ErrFiltered means the registration filter rejected the record.
	ErrFiltered = errors.New("record filtered")
)

// Sink delivers one record to a backend.
type Sink interface {
	Name() string
	Broadcast(ctx context.Context, r stream.Record) error
}

// Runner is implemented by sinks that own a long-lived connection. The
// daemon runs them under its supervisor for the process lifetime.
type Runner interface {
	Run(ctx context.Context) error
}

// Closer is implemented by sinks that hold resources to release on shutdown.
type Closer interface {
	Close(ctx context.Context) error
}

// Error attributes a delivery failure to a sink.
type Error struct {
	Sink string
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("sink %s: %v", e.Sink, e.Err) }

func (e *Error) Unwrap() error { return e.Err }

// Skipped reports whether err is a normal skip rather than a failure.
func Skipped(err error) bool {
	return errors.Is(err, ErrNotReady) || errors.Is(err, ErrFiltered)
}

// Filter is the static configuration deciding which records a sink sees.
//
// An empty Categories list accepts every category. Blacklist entries match a
// channel id, login or display name (case-insensitive).
type Filter struct {
	Categories []string
	Blacklist  []string
}

// Allows reports whether r passes both the category allow-list and the
// blacklist.
func (f Filter) Allows(r stream.Record) bool {
	if len(f.Categories) > 0 && !containsFold(f.Categories, r.Category) {
		return false
	}
	return !f.Blacklisted(r)
}

// Blacklisted reports whether r's channel is on the blacklist.
func (f Filter) Blacklisted(r stream.Record) bool {
	for _, b := range f.Blacklist {
		b = strings.TrimSpace(b)
		if b == "" {
			continue
		}
		if b == r.ChannelID || strings.EqualFold(b, r.UserLogin) || strings.EqualFold(b, r.UserName) {
			return true
		}
	}
	return false
}

// Without returns recs minus blacklisted channels, order preserved.
func (f Filter) Without(recs []stream.Record) []stream.Record {
	out := make([]stream.Record, 0, len(recs))
	for _, r := range recs {
		if !f.Blacklisted(r) {
			out = append(out, r)
		}
	}
	return out
}

func containsFold(list []string, v string) bool {
	for _, s := range list {
		if strings.EqualFold(strings.TrimSpace(s), v) {
			return true
		}
	}
	return false
}

// Registration binds a sink to its filter. It is created once at daemon
// startup and never mutated.
type Registration struct {
	Sink   Sink
	Filter Filter
}

func (r Registration) Name() string {
	if r.Sink == nil {
		return "<nil>"
	}
	return r.Sink.Name()
}

// Broadcast applies the filter, then delivers. Failures come back as *Error.
func (r Registration) Broadcast(ctx context.Context, rec stream.Record) error {
	if !r.Filter.Allows(rec) {
		return ErrFiltered
	}
	err := r.Sink.Broadcast(ctx, rec)
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		return err
	}
	return &Error{Sink: r.Sink.Name(), Err: err}
}
