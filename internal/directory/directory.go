// Package directory looks up live streams for a category on Twitch.
package directory

import (
	"context"
	"errors"

	"twitchwatch/internal/stream"
)

// DefaultLimit is the number of streams requested per lookup.
const DefaultLimit = 5

// ErrFetch marks a failed or malformed directory lookup. Callers treat it as
// "no poll result" and skip the poll.
var ErrFetch = errors.New("directory fetch")

// Fetcher returns the current live streams for a category.
type Fetcher interface {
	FetchStreams(ctx context.Context, category string, limit int) ([]stream.Record, error)
}

// FetcherFunc adapts a function to Fetcher.
type FetcherFunc func(ctx context.Context, category string, limit int) ([]stream.Record, error)

func (f FetcherFunc) FetchStreams(ctx context.Context, category string, limit int) ([]stream.Record, error) {
	return f(ctx, category, limit)
}
