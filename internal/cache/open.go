package cache

import (
	"context"
	"errors"
	"strings"
	"time"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

// ErrIO marks a cache read/write failure. Reads never surface it (they
// degrade to an empty cache); writes return it wrapped with the path.
var ErrIO = errors.New("cache io")

// DiscardPath disables cache writes with the file driver.
const DiscardPath = "/dev/null"

// Config configures the cache store.
//
// Driver values:
//   - "file": one JSON document replaced atomically on save (default)
//   - "sqlite": the same document kept in a single SQLite row
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API used by the poller.
type Store interface {
	// Load returns the cached mapping. Missing or corrupt data yields an
	// empty mapping; corruption is logged, never returned.
	Load(ctx context.Context) stream.Cache
	// Save replaces the whole document. Readers never observe a partial write.
	Save(ctx context.Context, c stream.Cache) error
	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown cache driver: " + driver)
	}
}
