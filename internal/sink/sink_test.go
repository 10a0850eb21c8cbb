package sink

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitchwatch/internal/stream"
)

type funcSink struct {
	name string
	fn   func(stream.Record) error
}

func (f funcSink) Name() string { return f.name }

func (f funcSink) Broadcast(_ context.Context, r stream.Record) error { return f.fn(r) }

func TestFilterAllows(t *testing.T) {
	rec := stream.Record{ChannelID: "25590253", UserLogin: "rainoa92", UserName: "Rainoa92", Category: "Quake"}

	assert.True(t, Filter{}.Allows(rec))
	assert.True(t, Filter{Categories: []string{"quake"}}.Allows(rec))
	assert.False(t, Filter{Categories: []string{"Doom"}}.Allows(rec))
	assert.False(t, Filter{Blacklist: []string{"25590253"}}.Allows(rec))
	assert.False(t, Filter{Blacklist: []string{"RAINOA92"}}.Allows(rec))
	assert.True(t, Filter{Blacklist: []string{"", "someone"}}.Allows(rec))
}

func TestFilterWithout(t *testing.T) {
	recs := []stream.Record{{ChannelID: "1"}, {ChannelID: "2"}, {ChannelID: "3"}}
	got := Filter{Blacklist: []string{"2"}}.Without(recs)
	assert.Equal(t, []stream.Record{{ChannelID: "1"}, {ChannelID: "3"}}, got)
}

func TestRegistrationWrapsErrors(t *testing.T) {
	boom := errors.New("boom")
	reg := Registration{Sink: funcSink{name: "hook", fn: func(stream.Record) error { return boom }}}

	err := reg.Broadcast(context.Background(), stream.Record{})
	var se *Error
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "hook", se.Sink)
	assert.ErrorIs(t, err, boom)
	assert.False(t, Skipped(err))
}

func TestRegistrationFilterSkips(t *testing.T) {
	called := false
	reg := Registration{
		Sink:   funcSink{name: "hook", fn: func(stream.Record) error { called = true; return nil }},
		Filter: Filter{Categories: []string{"Doom"}},
	}
	err := reg.Broadcast(context.Background(), stream.Record{Category: "Quake"})
	assert.ErrorIs(t, err, ErrFiltered)
	assert.True(t, Skipped(err))
	assert.False(t, called)
}

func TestNotReadyIsSkip(t *testing.T) {
	reg := Registration{Sink: funcSink{name: "irc", fn: func(stream.Record) error { return ErrNotReady }}}
	err := reg.Broadcast(context.Background(), stream.Record{})
	assert.True(t, Skipped(err))
}
