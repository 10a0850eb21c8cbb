package cache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

const schema = `CREATE TABLE IF NOT EXISTS stream_cache (
	id         INTEGER PRIMARY KEY CHECK (id = 1),
	doc        TEXT NOT NULL,
	updated_at TEXT NOT NULL
)`

// sqliteStore keeps the same JSON document as the file driver in one row.
// A save replaces the row inside a transaction.
type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	path string
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %s: migrate: %v", ErrIO, path, err)
	}
	return &sqliteStore{db: db, log: log.With(logx.String("path", path)), path: path}, nil
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) Load(ctx context.Context) stream.Cache {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM stream_cache WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return stream.Cache{}
	}
	if err != nil {
		s.log.Warn("cache read failed; starting empty", logx.Err(err))
		return stream.Cache{}
	}
	return decodeDoc(s.log, []byte(doc))
}

func (s *sqliteStore) Save(ctx context.Context, c stream.Cache) error {
	b, err := encodeDoc(c)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO stream_cache(id, doc, updated_at) VALUES(1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`,
		string(b), time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	return nil
}
