package config

// Config is the on-disk configuration shared by every subcommand.
//
// Unknown keys are rejected so typos surface at startup instead of being
// silently ignored.
type Config struct {
	Twitch TwitchConfig `json:"twitch"`

	// Games are the categories polled when none are given on the command line.
	Games []string `json:"games,omitempty"`

	// Socket is the path of the daemon's Unix socket.
	Socket string `json:"socket,omitempty"`

	Cache CacheConfig `json:"cache"`

	// MaxAge is the advisory age window. A bare number is read as hours.
	MaxAge Duration `json:"max_age,omitempty"`

	// Limit caps the number of streams fetched per category.
	Limit   int  `json:"limit,omitempty"`
	NoCache bool `json:"no_cache,omitempty"`

	// Schedule drives `watch` (cron expression, @every, Go duration or HH:MM).
	Schedule string `json:"schedule,omitempty"`

	Logging LoggingConfig `json:"logging"`
	Debug   DebugConfig   `json:"debug,omitempty"`

	// Blacklist holds channel ids or logins that are never announced.
	Blacklist []string `json:"blacklist,omitempty"`

	Broadcasters []BroadcasterConfig `json:"broadcasters,omitempty"`
}

// TwitchConfig holds Helix API credentials.
//
// Either client_secret (client credentials flow) or app_token must be set.
type TwitchConfig struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	AppToken     string `json:"app_token,omitempty"`
	// Timeout is a Go duration string (e.g. "10s").
	Timeout string `json:"timeout,omitempty"`
	// APIURL overrides the Helix base URL (proxies, local mocks).
	APIURL string `json:"api_url,omitempty"`
}

// CacheConfig selects the cache store.
//
// Example:
//
//	"cache": { "driver": "sqlite", "path": "~/.cache/twitchwatch/streams.db" }
type CacheConfig struct {
	Driver      string `json:"driver,omitempty"` // file (default) | sqlite
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// DebugConfig controls the optional debug HTTP server (health, metrics, pprof).
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:6060").
//   - A non-loopback address requires a token or allow_insecure.
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`   // default: "127.0.0.1:6060"
	Prefix        string `json:"prefix,omitempty"` // default: "/debug/pprof/"
	Token         string `json:"token,omitempty"`  // optional bearer token (do not log)
	AllowInsecure bool   `json:"allow_insecure,omitempty"`

	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty"`
}

// BroadcasterConfig describes one sink. Which fields apply depends on Type:
//
//	irc:      network, port, tls, room, nick, password, games, cmd_limit, rate_per_sec, allow_quit, quit_message
//	dbus:     app_name, games
//	discord:  webhook_url, username, games (alias: webhook)
//	telegram: token, chat_id, thread_id, games
type BroadcasterConfig struct {
	Type  string   `json:"type"`
	Name  string   `json:"name,omitempty"`
	Games []string `json:"games,omitempty"`

	Network  string `json:"network,omitempty"`
	Port     int    `json:"port,omitempty"`
	TLS      bool   `json:"tls,omitempty"`
	Room     string `json:"room,omitempty"`
	Nick     string `json:"nick,omitempty"`
	Password string `json:"password,omitempty"`
	// CmdLimit is a Go duration string; a bare number is read as seconds.
	CmdLimit    string  `json:"cmd_limit,omitempty"`
	RatePerSec  float64 `json:"rate_per_sec,omitempty"`
	AllowQuit   bool    `json:"allow_quit,omitempty"`
	QuitMessage string  `json:"quit_message,omitempty"`

	WebhookURL string `json:"webhook_url,omitempty"`
	Username   string `json:"username,omitempty"`

	Token    string `json:"token,omitempty"`
	ChatID   int64  `json:"chat_id,omitempty"`
	ThreadID int    `json:"thread_id,omitempty"`

	AppName string `json:"app_name,omitempty"`
}
