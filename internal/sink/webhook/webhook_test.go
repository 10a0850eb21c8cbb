package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

var rec = stream.Record{ChannelID: "1", UserLogin: "alice", Category: "Quake", Title: "dm6\nfinals"}

func TestBroadcastPostsJSON(t *testing.T) {
	var got payload
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL + "/api/webhooks/1/secret", Username: "twitchwatch"}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Broadcast(context.Background(), rec))

	assert.Equal(t, "twitchwatch", got.Username)
	assert.Equal(t, "New **Quake** stream: dm6 finals\nhttps://www.twitch.tv/alice", got.Content)
}

func TestBroadcastNon2xxIsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "rate limited", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	s, err := New(Config{URL: srv.URL}, logx.Nop())
	require.NoError(t, err)

	err = s.Broadcast(context.Background(), rec)
	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusTooManyRequests, se.Code)
	assert.Equal(t, "rate limited", se.Body)
}

func TestBroadcastTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	s, err := New(Config{URL: srv.URL, Timeout: 50 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, s.Broadcast(context.Background(), rec))
}

func TestNewRejectsBadURL(t *testing.T) {
	for _, u := range []string{"", "discord.com/api/webhooks/1", "ftp://example.org/hook"} {
		_, err := New(Config{URL: u}, logx.Nop())
		assert.Error(t, err, u)
	}
}

func TestNameHidesSecret(t *testing.T) {
	s, err := New(Config{URL: "https://discord.com/api/webhooks/1/secret"}, logx.Nop())
	require.NoError(t, err)
	assert.Equal(t, "webhook:discord.com", s.Name())
}
