// Package detect decides which polled streams are genuinely new broadcasts.
//
// A channel id is stable across broadcasts while the session id changes
// every time the broadcaster goes live, so a cached channel with a different
// session id is a new broadcast and one with the same session id is the same
// broadcast still running. The age window is advisory only: it is reported,
// never used to suppress a record.
package detect

import (
	"time"

	"twitchwatch/internal/stream"
)

// Result is the outcome of comparing one category's poll against the cache.
type Result struct {
	Category string
	// New holds the records to announce, in poll order.
	New []stream.Record
	// Aged holds polled records whose cached entry started before the age
	// window. Informational.
	Aged []stream.Record
	// UpdateCache is set when the cache entry should be replaced by Current.
	UpdateCache bool
	// Current is the deduplicated poll result.
	Current []stream.Record
}

// Detect returns the records of current that represent new broadcasts
// relative to cached, in the order they appear in current.
func Detect(current, cached []stream.Record, maxAge time.Duration, now time.Time) []stream.Record {
	return compare(current, cached, maxAge, now).New
}

// Plan compares a poll for category against the cache. An empty poll is a
// no-op: nothing is new and the cache is left untouched.
func Plan(category string, current []stream.Record, c stream.Cache, maxAge time.Duration, now time.Time) Result {
	if len(current) == 0 {
		return Result{Category: category}
	}
	current = stream.Dedup(append([]stream.Record(nil), current...))
	cached := c[category]

	res := compare(current, cached, maxAge, now)
	res.Category = category
	res.Current = current
	res.UpdateCache = len(res.New) > 0 || !sameChannels(current, cached)
	return res
}

// Apply writes the poll into c when the plan calls for it and reports
// whether c changed.
func (r Result) Apply(c stream.Cache) bool {
	if !r.UpdateCache || c == nil {
		return false
	}
	c[r.Category] = append([]stream.Record(nil), r.Current...)
	return true
}

func compare(current, cached []stream.Record, maxAge time.Duration, now time.Time) Result {
	var res Result
	if len(cached) == 0 {
		res.New = append(res.New, current...)
		return res
	}

	byChannel := make(map[string]stream.Record, len(cached))
	for _, c := range cached {
		if _, ok := byChannel[c.ChannelID]; !ok {
			byChannel[c.ChannelID] = c
		}
	}
	cutoff := now.Add(-maxAge)

	for _, r := range current {
		c, ok := byChannel[r.ChannelID]
		if !ok {
			res.New = append(res.New, r)
			continue
		}
		if maxAge > 0 && c.StartedAt.Before(cutoff) {
			res.Aged = append(res.Aged, r)
		}
		if r.SessionID != c.SessionID {
			res.New = append(res.New, r)
		}
	}
	return res
}

func sameChannels(a, b []stream.Record) bool {
	sa, sb := stream.ChannelIDs(a), stream.ChannelIDs(b)
	if len(sa) != len(sb) {
		return false
	}
	for id := range sa {
		if _, ok := sb[id]; !ok {
			return false
		}
	}
	return true
}
