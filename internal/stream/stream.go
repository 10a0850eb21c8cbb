// Package stream holds the broadcast record types shared by the poller,
// the cache store, the transport and the sinks.
package stream

import (
	"strings"
	"time"
)

const channelBaseURL = "https://www.twitch.tv/"

// Record is one live broadcast as returned by the directory API.
//
// The JSON shape follows the Helix "Get Streams" object so cache files and
// transport payloads stay pass-through.
type Record struct {
	SessionID    string    `json:"id"`
	ChannelID    string    `json:"user_id"`
	UserLogin    string    `json:"user_login,omitempty"`
	UserName     string    `json:"user_name"`
	GameID       string    `json:"game_id,omitempty"`
	Category     string    `json:"game_name"`
	Type         string    `json:"type,omitempty"`
	Title        string    `json:"title"`
	ViewerCount  int       `json:"viewer_count,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	Language     string    `json:"language,omitempty"`
	ThumbnailURL string    `json:"thumbnail_url,omitempty"`
}

// URL returns the public channel page for the broadcaster.
func (r Record) URL() string {
	login := strings.TrimSpace(r.UserLogin)
	if login == "" {
		login = strings.ToLower(strings.TrimSpace(r.UserName))
	}
	if login == "" {
		return ""
	}
	return channelBaseURL + login
}

// OneLineTitle returns the title with line breaks folded into spaces.
func (r Record) OneLineTitle() string {
	t := strings.NewReplacer("\r\n", " ", "\n", " ", "\r", " ").Replace(r.Title)
	return strings.TrimSpace(t)
}

// Batch is the payload of one transport message. It is never sent empty.
type Batch []Record

// Cache maps a category to the records observed by the last poll.
type Cache map[string][]Record

// Clone returns a deep copy of the cache.
func (c Cache) Clone() Cache {
	out := make(Cache, len(c))
	for k, v := range c {
		out[k] = append([]Record(nil), v...)
	}
	return out
}

// Normalize drops repeated channel ids per category, keeping the first
// occurrence. The cache holds at most one entry per channel.
func (c Cache) Normalize() Cache {
	for cat, recs := range c {
		c[cat] = Dedup(recs)
	}
	return c
}

// Dedup returns recs with repeated channel ids removed, order preserved.
func Dedup(recs []Record) []Record {
	if len(recs) < 2 {
		return recs
	}
	seen := make(map[string]struct{}, len(recs))
	out := recs[:0:0]
	for _, r := range recs {
		if _, ok := seen[r.ChannelID]; ok {
			continue
		}
		seen[r.ChannelID] = struct{}{}
		out = append(out, r)
	}
	return out
}

// ChannelIDs returns the channel ids of recs as a set.
func ChannelIDs(recs []Record) map[string]struct{} {
	out := make(map[string]struct{}, len(recs))
	for _, r := range recs {
		out[r.ChannelID] = struct{}{}
	}
	return out
}
