package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const AppName = "twitchwatch"

const (
	DefaultMaxAge   = 24 * time.Hour
	DefaultLimit    = 5
	DefaultCmdLimit = 30 * time.Second
	DefaultSchedule = "@every 5m"
)

// ErrInvalid marks configuration errors. They are fatal at startup.
var ErrInvalid = errors.New("invalid config")

// Overrides carries command-line values that win over the file.
// Nil/empty fields leave the file value untouched.
type Overrides struct {
	Socket    string
	CacheFile string
	MaxAge    string
	LogLevel  string
	LogFile   string // enables file logging at this path
	Limit     int
	NoCache   *bool
	Games     []string
}

func (o Overrides) Apply(cfg *Config) error {
	if cfg == nil {
		return nil
	}
	if s := strings.TrimSpace(o.Socket); s != "" {
		cfg.Socket = s
	}
	if s := strings.TrimSpace(o.CacheFile); s != "" {
		cfg.Cache.Path = s
	}
	if s := strings.TrimSpace(o.MaxAge); s != "" {
		d, err := ParseDurationUnit("--max-age", s, time.Hour)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrInvalid, err)
		}
		cfg.MaxAge = Duration(d)
	}
	if s := strings.TrimSpace(o.LogLevel); s != "" {
		cfg.Logging.Level = s
	}
	if s := strings.TrimSpace(o.LogFile); s != "" {
		cfg.Logging.File = LoggingFile{Enabled: true, Path: s}
	}
	if o.Limit > 0 {
		cfg.Limit = o.Limit
	}
	if o.NoCache != nil {
		cfg.NoCache = *o.NoCache
	}
	if len(o.Games) > 0 {
		cfg.Games = append([]string(nil), o.Games...)
	}
	return nil
}

// ApplyDefaults fills every omitted field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg == nil {
		return
	}
	if strings.TrimSpace(cfg.Socket) == "" {
		cfg.Socket = DefaultSocketPath()
	}
	cfg.Socket = expandHome(cfg.Socket)
	if strings.TrimSpace(cfg.Cache.Driver) == "" {
		cfg.Cache.Driver = "file"
	}
	if strings.TrimSpace(cfg.Cache.Path) == "" {
		name := "streams.json"
		if strings.EqualFold(cfg.Cache.Driver, "sqlite") {
			name = "streams.db"
		}
		cfg.Cache.Path = filepath.Join(cacheHome(), AppName, name)
	}
	cfg.Cache.Path = expandHome(cfg.Cache.Path)
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = Duration(DefaultMaxAge)
	}
	if cfg.Limit <= 0 {
		cfg.Limit = DefaultLimit
	}
	if strings.TrimSpace(cfg.Schedule) == "" {
		cfg.Schedule = DefaultSchedule
	}
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = "info"
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}
	for i := range cfg.Broadcasters {
		b := &cfg.Broadcasters[i]
		b.Type = strings.ToLower(strings.TrimSpace(b.Type))
		if b.Type == "irc" && b.Port == 0 {
			b.Port = 6667
			if b.TLS {
				b.Port = 6697
			}
		}
		if b.Type == "dbus" && strings.TrimSpace(b.AppName) == "" {
			b.AppName = "TwitchWatch"
		}
	}
}

// Validate reports unrecoverable configuration errors.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	switch strings.ToLower(cfg.Cache.Driver) {
	case "file", "sqlite":
	default:
		return fmt.Errorf("%w: cache.driver: unsupported %q", ErrInvalid, cfg.Cache.Driver)
	}
	if _, err := ParseDurationField("cache.busy_timeout", cfg.Cache.BusyTimeout); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if _, err := ParseDurationField("twitch.timeout", cfg.Twitch.Timeout); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for i, b := range cfg.Broadcasters {
		path := fmt.Sprintf("broadcasters[%d]", i)
		switch b.Type {
		case "irc":
			if strings.TrimSpace(b.Network) == "" || strings.TrimSpace(b.Room) == "" || strings.TrimSpace(b.Nick) == "" {
				return fmt.Errorf("%w: %s: irc requires network, room and nick", ErrInvalid, path)
			}
			if b.Port <= 0 || b.Port > 65535 {
				return fmt.Errorf("%w: %s.port: out of range", ErrInvalid, path)
			}
			if _, err := ParseDurationUnit(path+".cmd_limit", b.CmdLimit, time.Second); err != nil {
				return fmt.Errorf("%w: %v", ErrInvalid, err)
			}
			if b.RatePerSec < 0 {
				return fmt.Errorf("%w: %s.rate_per_sec: must be >= 0", ErrInvalid, path)
			}
		case "dbus":
		case "discord", "webhook":
			if strings.TrimSpace(b.WebhookURL) == "" {
				return fmt.Errorf("%w: %s: webhook_url is required", ErrInvalid, path)
			}
		case "telegram":
			if strings.TrimSpace(b.Token) == "" || b.ChatID == 0 {
				return fmt.Errorf("%w: %s: telegram requires token and chat_id", ErrInvalid, path)
			}
		default:
			return fmt.Errorf("%w: %s.type: unknown %q", ErrInvalid, path, b.Type)
		}
	}
	return nil
}

// RequireTwitch checks the credentials needed by commands that poll.
func RequireTwitch(cfg *Config) error {
	if cfg == nil || strings.TrimSpace(cfg.Twitch.ClientID) == "" {
		return fmt.Errorf("%w: twitch.client_id is required", ErrInvalid)
	}
	if strings.TrimSpace(cfg.Twitch.ClientSecret) == "" && strings.TrimSpace(cfg.Twitch.AppToken) == "" {
		return fmt.Errorf("%w: twitch.client_secret or twitch.app_token is required", ErrInvalid)
	}
	return nil
}

// Discover returns the config file to use. An explicit path always wins;
// otherwise the first existing config.{json,yaml,yml} under the user config
// dir is returned. An empty result means "no file, defaults only".
func Discover(explicit string) string {
	if s := strings.TrimSpace(explicit); s != "" {
		return expandHome(s)
	}
	dir := filepath.Join(configHome(), AppName)
	for _, name := range []string{"config.json", "config.yaml", "config.yml"} {
		p := filepath.Join(dir, name)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

// DefaultSocketPath is $XDG_RUNTIME_DIR/twitchwatch.sock, or the temp dir
// when no runtime dir is set.
func DefaultSocketPath() string {
	dir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	if dir == "" {
		dir = os.TempDir()
	}
	return filepath.Join(dir, AppName+".sock")
}

func configHome() string {
	if d := strings.TrimSpace(os.Getenv("XDG_CONFIG_HOME")); d != "" {
		return d
	}
	if d, err := os.UserConfigDir(); err == nil {
		return d
	}
	return "."
}

func cacheHome() string {
	if d := strings.TrimSpace(os.Getenv("XDG_CACHE_HOME")); d != "" {
		return d
	}
	if d, err := os.UserCacheDir(); err == nil {
		return d
	}
	return os.TempDir()
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
