package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/activation"
	"github.com/google/uuid"

	"twitchwatch/internal/metrics"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

const (
	DefaultMaxMessageBytes = 1 << 20
	DefaultReadTimeout     = 10 * time.Second
)

// Handler receives every decoded, non-empty batch. It runs on the
// connection's own goroutine.
type Handler func(ctx context.Context, batch stream.Batch)

// Server accepts batches on the daemon's socket.
type Server struct {
	MaxMessageBytes int64
	ReadTimeout     time.Duration

	ln     net.Listener
	path   string
	unlink bool
	log    logx.Logger

	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// Listen binds path, first removing whatever a previous instance left there.
// A prior daemon either released the socket or is dead, so the path is
// always safe to reclaim.
func Listen(path string, log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("%w: socket dir: %v", ErrTransport, err)
	}
	if err := os.Remove(path); err == nil {
		log.Info("removed stale socket", logx.String("socket", path))
	} else if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: reclaim %s: %v", ErrTransport, path, err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("%w: bind %s: %v", ErrTransport, path, err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		log.Warn("socket chmod failed", logx.String("socket", path), logx.Err(err))
	}
	return newServer(ln, path, true, log), nil
}

// ListenActivated uses a socket passed in by systemd. It returns (nil, nil)
// when the process was not socket-activated. The socket file belongs to
// systemd and is not removed on Close.
func ListenActivated(log logx.Logger) (*Server, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	lns, err := activation.Listeners()
	if err != nil {
		return nil, fmt.Errorf("%w: socket activation: %v", ErrTransport, err)
	}
	for _, ln := range lns {
		if ln == nil {
			continue
		}
		if ln.Addr().Network() != "unix" {
			_ = ln.Close()
			continue
		}
		return newServer(ln, ln.Addr().String(), false, log), nil
	}
	return nil, nil
}

func newServer(ln net.Listener, path string, unlink bool, log logx.Logger) *Server {
	if ul, ok := ln.(*net.UnixListener); ok {
		// Close removes the file itself; keep net from doing it twice.
		ul.SetUnlinkOnClose(false)
	}
	return &Server{
		MaxMessageBytes: DefaultMaxMessageBytes,
		ReadTimeout:     DefaultReadTimeout,
		ln:              ln,
		path:            path,
		unlink:          unlink,
		log:             log.With(logx.String("comp", "transport"), logx.String("socket", path)),
	}
}

func (s *Server) Path() string { return s.path }

// Serve accepts connections until ctx is done or the server is closed. Every
// connection is read on its own goroutine, so a slow handler never delays
// accepting the next one. Serve closes the server before returning.
func (s *Server) Serve(ctx context.Context, h Handler) error {
	// The socket file is gone by the time Serve returns.
	defer func() { _ = s.Close() }()
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()

	s.log.Info("listening")
	var backoff time.Duration
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				s.wg.Wait()
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			backoff = min(max(backoff*2, 5*time.Millisecond), time.Second)
			s.log.Warn("accept failed; retrying", logx.Err(err), logx.Duration("backoff", backoff))
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn, h)
		}()
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn, h Handler) {
	defer func() { _ = conn.Close() }()
	log := s.log.With(logx.String("conn", uuid.NewString()))

	if s.ReadTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(s.ReadTimeout))
	}
	limit := s.MaxMessageBytes
	if limit <= 0 {
		limit = DefaultMaxMessageBytes
	}
	buf, err := io.ReadAll(io.LimitReader(conn, limit+1))
	if err != nil {
		metrics.MessagesDiscarded.WithLabelValues("read").Inc()
		log.Warn("read failed; message discarded", logx.Err(err))
		return
	}
	if int64(len(buf)) > limit {
		metrics.MessagesDiscarded.WithLabelValues("oversize").Inc()
		log.Warn("message too large; discarded", logx.Int64("limit", limit))
		return
	}
	if len(buf) == 0 {
		metrics.MessagesDiscarded.WithLabelValues("empty").Inc()
		log.Debug("empty message")
		return
	}

	var batch stream.Batch
	if err := json.Unmarshal(buf, &batch); err != nil {
		metrics.MessagesDiscarded.WithLabelValues("decode").Inc()
		log.Warn("malformed message; discarded", logx.Err(err), logx.Int("bytes", len(buf)))
		return
	}
	if len(batch) == 0 {
		metrics.MessagesDiscarded.WithLabelValues("empty").Inc()
		log.Debug("empty batch")
		return
	}
	metrics.BatchesReceived.Inc()
	metrics.RecordsReceived.Add(float64(len(batch)))
	log.Info("batch received", logx.Int("records", len(batch)))
	h(ctx, batch)
}

// Close stops accepting and removes the socket file. Safe to call more
// than once and from any exit path.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.ln.Close()
		if errors.Is(s.closeErr, net.ErrClosed) {
			s.closeErr = nil
		}
		if s.unlink {
			if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) && s.closeErr == nil {
				s.closeErr = err
			}
		}
		s.log.Info("socket closed")
	})
	return s.closeErr
}
