// Package desktop shows a freedesktop notification popup per new stream.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"

	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyCall = busName + ".Notify"

	DefaultAppName = "TwitchWatch"
)

// Connector opens the notification service object. The returned closer
// releases the underlying bus connection.
type Connector func(ctx context.Context) (dbus.BusObject, io.Closer, error)

// SessionBus connects to the user's session bus.
func SessionBus(ctx context.Context) (dbus.BusObject, io.Closer, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, nil, err
	}
	return conn.Object(busName, objectPath), conn, nil
}

type Config struct {
	Name    string
	AppName string
}

type Option func(*Sink)

// WithConnector replaces the session bus connector.
func WithConnector(c Connector) Option { return func(s *Sink) { s.connect = c } }

// Sink sends one notification per record. A failed call reconnects the bus
// and retries once.
type Sink struct {
	cfg     Config
	log     logx.Logger
	connect Connector

	mu     sync.Mutex
	obj    dbus.BusObject
	closer io.Closer
	closed bool
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Closer = (*Sink)(nil)
)

// New connects eagerly so a missing session bus surfaces at startup.
func New(ctx context.Context, cfg Config, log logx.Logger, opts ...Option) (*Sink, error) {
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = DefaultAppName
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{cfg: cfg, connect: SessionBus}
	for _, o := range opts {
		o(s)
	}
	s.log = log.With(logx.String("comp", "desktop"), logx.String("sink", s.Name()))

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.reconnectLocked(ctx); err != nil {
		return nil, fmt.Errorf("desktop: connect session bus: %w", err)
	}
	return s, nil
}

func (s *Sink) Name() string {
	if n := strings.TrimSpace(s.cfg.Name); n != "" {
		return n
	}
	return "dbus"
}

func (s *Sink) Broadcast(ctx context.Context, r stream.Record) error {
	summary, body := message(r)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return sink.ErrClosed
	}
	err := s.notifyLocked(ctx, summary, body)
	if err == nil {
		return nil
	}
	s.log.Warn("notification failed; reconnecting session bus", logx.Err(err))
	if rerr := s.reconnectLocked(ctx); rerr != nil {
		return fmt.Errorf("reconnect session bus: %w", errors.Join(err, rerr))
	}
	return s.notifyLocked(ctx, summary, body)
}

func message(r stream.Record) (summary, body string) {
	return fmt.Sprintf("New %q stream", r.Category), r.URL()
}

func (s *Sink) notifyLocked(ctx context.Context, summary, body string) error {
	if s.obj == nil {
		return errors.New("no session bus")
	}
	call := s.obj.CallWithContext(ctx, notifyCall, 0,
		s.cfg.AppName, uint32(0), "", summary, body,
		[]string{}, map[string]dbus.Variant{}, int32(-1))
	return call.Err
}

func (s *Sink) reconnectLocked(ctx context.Context) error {
	if s.closer != nil {
		_ = s.closer.Close()
		s.obj, s.closer = nil, nil
	}
	obj, closer, err := s.connect(ctx)
	if err != nil {
		return err
	}
	s.obj, s.closer = obj, closer
	return nil
}

func (s *Sink) Close(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	if s.closer == nil {
		return nil
	}
	err := s.closer.Close()
	s.obj, s.closer = nil, nil
	return err
}
