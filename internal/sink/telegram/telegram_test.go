package telegram

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

func TestRenderEscapesHTML(t *testing.T) {
	got := render(stream.Record{UserLogin: "alice", Category: "Tom & Jerry", Title: "<b>any%</b>\nrun"})
	assert.Equal(t, "🎮 New <b>Tom &amp; Jerry</b> stream\n&lt;b&gt;any%&lt;/b&gt; run\nhttps://www.twitch.tv/alice", got)
}

func TestBroadcastSendsMessage(t *testing.T) {
	var (
		path string
		body map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"result":{"message_id":7,"date":0,"chat":{"id":-100,"type":"supergroup"}}}`))
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatID: -100, ThreadID: 9, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Broadcast(context.Background(), stream.Record{UserLogin: "alice", Category: "Quake"}))

	assert.True(t, strings.HasSuffix(path, "/sendMessage"), path)
	assert.Equal(t, "-100", body["chat_id"])
	assert.Equal(t, "HTML", body["parse_mode"])
	assert.Contains(t, body["text"], "Quake")
	assert.Equal(t, "telegram:-100/9", s.Name())
}

func TestBroadcastAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"ok":false,"error_code":400,"description":"Bad Request: chat not found"}`))
	}))
	defer srv.Close()

	s, err := New(Config{Token: "123:abc", ChatID: 1, APIURL: srv.URL}, logx.Nop())
	require.NoError(t, err)
	assert.Error(t, s.Broadcast(context.Background(), stream.Record{Category: "Quake"}))
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{ChatID: 1}, logx.Nop())
	assert.Error(t, err)
	_, err = New(Config{Token: "t"}, logx.Nop())
	assert.Error(t, err)
}
