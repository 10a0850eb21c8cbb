package cache

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

// fileStore keeps the cache as one JSON object keyed by category.
//
// Saves go to a temp file in the same directory which is synced and renamed
// over the target, so a crash mid-write leaves the previous document intact.
type fileStore struct {
	log     logx.Logger
	path    string
	discard bool

	mu sync.Mutex
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("cache.path is required for file driver")
	}
	s := &fileStore{log: log.With(logx.String("path", path)), path: path}
	if filepath.Clean(path) == DiscardPath {
		s.discard = true
		return s, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrIO, path, err)
	}
	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) Load(ctx context.Context) stream.Cache {
	_ = ctx
	if s.discard {
		return stream.Cache{}
	}
	s.mu.Lock()
	b, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("cache read failed; starting empty", logx.Err(err))
		}
		return stream.Cache{}
	}
	return decodeDoc(s.log, b)
}

func (s *fileStore) Save(ctx context.Context, c stream.Cache) error {
	_ = ctx
	if s.discard {
		return nil
	}
	b, err := encodeDoc(c)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := writeAtomic(s.path, b); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrIO, s.path, err)
	}
	s.log.Debug("cache saved", logx.Int("categories", len(c)), logx.Int("bytes", len(b)))
	return nil
}

func writeAtomic(path string, b []byte) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	ok := false
	defer func() {
		if !ok {
			_ = os.Remove(tmp)
		}
	}()

	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	ok = true
	return nil
}

func encodeDoc(c stream.Cache) ([]byte, error) {
	if c == nil {
		c = stream.Cache{}
	}
	return json.Marshal(c)
}

// decodeDoc never fails: an empty or corrupt document is an empty cache,
// and a single undecodable record is dropped without losing its neighbours.
func decodeDoc(log logx.Logger, b []byte) stream.Cache {
	if len(bytes.TrimSpace(b)) == 0 {
		log.Info("cache is empty")
		return stream.Cache{}
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(b, &doc); err != nil {
		log.Warn("cache is corrupt; starting empty", logx.Err(err))
		return stream.Cache{}
	}
	c := make(stream.Cache, len(doc))
	for category, raw := range doc {
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			log.Warn("cache category is corrupt; dropped", logx.String("category", category), logx.Err(err))
			continue
		}
		recs := make([]stream.Record, 0, len(items))
		for i, item := range items {
			var r stream.Record
			if err := json.Unmarshal(item, &r); err != nil {
				log.Warn("cache record is corrupt; dropped",
					logx.String("category", category), logx.Int("index", i), logx.Err(err))
				continue
			}
			recs = append(recs, r)
		}
		c[category] = recs
	}
	return c.Normalize()
}
