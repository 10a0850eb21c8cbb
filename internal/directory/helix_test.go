package directory

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "twitchwatch/pkg/logx"
)

func newTestHelix(t *testing.T, h http.HandlerFunc) *Helix {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := NewHelix(HelixConfig{ClientID: "cid", AppToken: "tok", APIBaseURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	return c
}

func TestFetchStreams(t *testing.T) {
	var gameLookups atomic.Int32
	c := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/games"):
			gameLookups.Add(1)
			assert.Equal(t, "Quake", r.URL.Query().Get("name"))
			_, _ = w.Write([]byte(`{"data":[{"id":"7348","name":"Quake"}]}`))
		case strings.HasSuffix(r.URL.Path, "/streams"):
			assert.Equal(t, "7348", r.URL.Query().Get("game_id"))
			assert.Equal(t, "3", r.URL.Query().Get("first"))
			_, _ = w.Write([]byte(`{"data":[{
				"id":"36338956736","user_id":"25590253","user_login":"rainoa92","user_name":"Rainoa92",
				"game_id":"7348","game_name":"Quake","type":"live","title":"dm6",
				"viewer_count":4,"started_at":"2019-12-03T00:03:33Z","language":"en"}]}`))
		default:
			http.NotFound(w, r)
		}
	})

	for i := 0; i < 2; i++ {
		recs, err := c.FetchStreams(context.Background(), "Quake", 3)
		require.NoError(t, err)
		require.Len(t, recs, 1)
		r := recs[0]
		assert.Equal(t, "36338956736", r.SessionID)
		assert.Equal(t, "25590253", r.ChannelID)
		assert.Equal(t, "Quake", r.Category)
		assert.Equal(t, "https://www.twitch.tv/rainoa92", r.URL())
		assert.True(t, r.StartedAt.Equal(time.Date(2019, 12, 3, 0, 3, 33, 0, time.UTC)))
	}
	assert.Equal(t, int32(1), gameLookups.Load(), "game id is cached")
}

func TestFetchUnknownCategory(t *testing.T) {
	c := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[]}`))
	})
	recs, err := c.FetchStreams(context.Background(), "Nope", 5)
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestFetchServerError(t *testing.T) {
	c := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"Internal Server Error","status":500,"message":"boom"}`))
	})
	_, err := c.FetchStreams(context.Background(), "Quake", 5)
	assert.ErrorIs(t, err, ErrFetch)
}

func TestFetchEmptyCategory(t *testing.T) {
	c := newTestHelix(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})
	_, err := c.FetchStreams(context.Background(), " ", 5)
	assert.ErrorIs(t, err, ErrFetch)
}
