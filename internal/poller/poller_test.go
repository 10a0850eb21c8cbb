package poller

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitchwatch/internal/cache"
	"twitchwatch/internal/directory"
	"twitchwatch/internal/stream"
	"twitchwatch/internal/transport"
	logx "twitchwatch/pkg/logx"
)

type recordingNotifier struct {
	batches []stream.Batch
	err     error
}

func (n *recordingNotifier) Send(_ context.Context, b stream.Batch) error {
	n.batches = append(n.batches, b)
	return n.err
}

func fetcherOf(byCategory map[string][]stream.Record, err error) directory.Fetcher {
	return directory.FetcherFunc(func(_ context.Context, category string, _ int) ([]stream.Record, error) {
		if err != nil {
			return nil, err
		}
		return byCategory[category], nil
	})
}

func openStore(t *testing.T) cache.Store {
	t.Helper()
	st, err := cache.Open(cache.Config{Path: filepath.Join(t.TempDir(), "streams.json")}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

var (
	now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a1  = stream.Record{ChannelID: "a", SessionID: "a1", UserName: "A", Category: "X", StartedAt: now.Add(-time.Hour)}
	a2  = stream.Record{ChannelID: "a", SessionID: "a2", UserName: "A", Category: "X", StartedAt: now}
	b1  = stream.Record{ChannelID: "b", SessionID: "b1", UserName: "B", Category: "X", StartedAt: now}
)

func newPoller(t *testing.T, f directory.Fetcher, n Notifier) *Poller {
	return &Poller{
		Fetcher:  f,
		Store:    openStore(t),
		Notifier: n,
		MaxAge:   24 * time.Hour,
		Clock:    clockwork.NewFakeClockAt(now),
		Log:      logx.Nop(),
	}
}

func TestRunFirstPollAnnouncesEverything(t *testing.T) {
	n := &recordingNotifier{}
	p := newPoller(t, fetcherOf(map[string][]stream.Record{"X": {a1, b1}}, nil), n)

	out := p.Run(context.Background(), "X")
	require.NoError(t, out.Err)
	assert.Equal(t, 2, out.New)
	assert.True(t, out.Saved)
	assert.True(t, out.Notified)
	require.Len(t, n.batches, 1)
	assert.Equal(t, stream.Batch{a1, b1}, n.batches[0])

	assert.Equal(t, []stream.Record{a1, b1}, p.Store.Load(context.Background())["X"])
}

func TestRunSameBroadcastSendsNothing(t *testing.T) {
	n := &recordingNotifier{}
	p := newPoller(t, fetcherOf(map[string][]stream.Record{"X": {a1}}, nil), n)

	p.Run(context.Background(), "X")
	out := p.Run(context.Background(), "X")
	assert.Zero(t, out.New)
	assert.False(t, out.Saved)
	assert.Len(t, n.batches, 1, "second run must not attempt a send")
}

func TestRunRestartedBroadcastIsNew(t *testing.T) {
	n := &recordingNotifier{}
	polls := map[string][]stream.Record{"X": {a1}}
	p := newPoller(t, fetcherOf(polls, nil), n)
	p.Run(context.Background(), "X")

	polls["X"] = []stream.Record{a2, b1}
	out := p.Run(context.Background(), "X")
	assert.Equal(t, 2, out.New)
	require.Len(t, n.batches, 2)
	assert.Equal(t, stream.Batch{a2, b1}, n.batches[1])
	assert.Equal(t, []stream.Record{a2, b1}, p.Store.Load(context.Background())["X"])
}

func TestRunFetchFailureLeavesCacheUntouched(t *testing.T) {
	n := &recordingNotifier{}
	p := newPoller(t, fetcherOf(nil, errors.New("helix down")), n)
	require.NoError(t, p.Store.Save(context.Background(), stream.Cache{"X": {a1}}))

	out := p.Run(context.Background(), "X")
	assert.Error(t, out.Err)
	assert.Empty(t, n.batches)
	assert.Equal(t, stream.Cache{"X": {a1}}, p.Store.Load(context.Background()))
}

func TestRunEmptyPollIsNoop(t *testing.T) {
	n := &recordingNotifier{}
	p := newPoller(t, fetcherOf(map[string][]stream.Record{}, nil), n)
	require.NoError(t, p.Store.Save(context.Background(), stream.Cache{"X": {a1}}))

	out := p.Run(context.Background(), "X")
	assert.NoError(t, out.Err)
	assert.Empty(t, n.batches)
	assert.Equal(t, stream.Cache{"X": {a1}}, p.Store.Load(context.Background()))
}

func TestRunNoCacheSkipsSave(t *testing.T) {
	n := &recordingNotifier{}
	p := newPoller(t, fetcherOf(map[string][]stream.Record{"X": {a1}}, nil), n)
	p.NoCache = true

	out := p.Run(context.Background(), "X")
	assert.False(t, out.Saved)
	assert.True(t, out.Notified)
	assert.Empty(t, p.Store.Load(context.Background()))
}

func TestRunTransportFailureKeepsCache(t *testing.T) {
	// Nothing listens on this socket.
	client := transport.NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	p := newPoller(t, fetcherOf(map[string][]stream.Record{"X": {a1}}, nil), client)

	out := p.Run(context.Background(), "X")
	assert.ErrorIs(t, out.Err, transport.ErrTransport)
	assert.True(t, out.Saved)
	assert.False(t, out.Notified)
	assert.Equal(t, []stream.Record{a1}, p.Store.Load(context.Background())["X"])
}

func TestRunAllContinuesAfterFailure(t *testing.T) {
	n := &recordingNotifier{}
	f := directory.FetcherFunc(func(_ context.Context, category string, _ int) ([]stream.Record, error) {
		if category == "broken" {
			return nil, errors.New("boom")
		}
		return []stream.Record{{ChannelID: "c-" + category, SessionID: "s", Category: category}}, nil
	})
	p := newPoller(t, f, n)

	outs := p.RunAll(context.Background(), []string{"Y", "broken", "Z"})
	require.Len(t, outs, 3)
	assert.Error(t, outs[1].Err)
	assert.True(t, outs[0].Notified)
	assert.True(t, outs[2].Notified)
	c := p.Store.Load(context.Background())
	assert.Contains(t, c, "Y")
	assert.Contains(t, c, "Z")
}
