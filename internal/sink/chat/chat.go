// Package chat implements the chat-relay sink: a persistent IRC client that
// announces new streams in a room and answers directed "<nick>: <game>"
// queries with a live directory lookup.
//
// One owner goroutine (Run) holds the whole session: connection state, the
// handshake, and the query rate limiter. Broadcast only reads the published
// state and hands a line to the owner, so callers never touch the session.
package chat

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"twitchwatch/internal/directory"
	"twitchwatch/internal/metrics"
	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

const (
	DefaultCmdLimit    = 30 * time.Second
	DefaultRatePerSec  = 1.0
	DefaultQuitMessage = "twitchwatch signing off"
)

// Config describes one chat relay.
type Config struct {
	Name     string
	Network  string
	Port     int
	TLS      bool
	Room     string
	Nick     string
	Password string

	// CmdLimit is the minimum time between served queries.
	CmdLimit time.Duration
	// RatePerSec paces outbound chat lines; <= 0 disables pacing.
	RatePerSec float64
	Burst      int
	// AllowQuit lets a room member stop the relay with "<nick>: quit".
	AllowQuit   bool
	QuitMessage string

	// Limit is the number of streams requested per query.
	Limit int
	// Blacklist is applied to query replies.
	Blacklist []string

	DialTimeout   time.Duration
	WriteTimeout  time.Duration
	LookupTimeout time.Duration
	QueueSize     int
}

func (c *Config) applyDefaults() {
	if c.Port <= 0 {
		c.Port = 6667
	}
	if c.CmdLimit <= 0 {
		c.CmdLimit = DefaultCmdLimit
	}
	if c.Burst <= 0 {
		c.Burst = 4
	}
	if strings.TrimSpace(c.QuitMessage) == "" {
		c.QuitMessage = DefaultQuitMessage
	}
	if c.Limit <= 0 {
		c.Limit = directory.DefaultLimit
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.LookupTimeout <= 0 {
		c.LookupTimeout = 15 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
}

type dialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type Option func(*Sink)

// WithClock sets the clock used by the query rate limiter.
func WithClock(c clockwork.Clock) Option { return func(s *Sink) { s.clock = c } }

// WithDialer replaces the network dialer.
func WithDialer(fn func(ctx context.Context, network, addr string) (net.Conn, error)) Option {
	return func(s *Sink) { s.dial = fn }
}

// Sink is the chat relay. Run must be running for it to deliver.
type Sink struct {
	cfg    Config
	log    logx.Logger
	lookup directory.Fetcher
	filter sink.Filter
	clock  clockwork.Clock
	dial   dialFunc

	state atomic.Int32

	out  chan string
	kick chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	done     chan struct{}
}

var (
	_ sink.Sink   = (*Sink)(nil)
	_ sink.Runner = (*Sink)(nil)
	_ sink.Closer = (*Sink)(nil)
)

// New builds the relay. lookup may be nil, in which case queries are
// acknowledged in the log but not answered.
func New(cfg Config, lookup directory.Fetcher, log logx.Logger, opts ...Option) (*Sink, error) {
	if strings.TrimSpace(cfg.Network) == "" || strings.TrimSpace(cfg.Room) == "" || strings.TrimSpace(cfg.Nick) == "" {
		return nil, errors.New("chat: network, room and nick are required")
	}
	cfg.applyDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{
		cfg:    cfg,
		lookup: lookup,
		filter: sink.Filter{Blacklist: cfg.Blacklist},
		clock:  clockwork.NewRealClock(),
		out:    make(chan string, cfg.QueueSize),
		kick:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if s.dial == nil {
		s.dial = s.defaultDial
	}
	s.log = log.With(logx.String("comp", "chat"), logx.String("sink", s.Name()))
	metrics.ChatState.WithLabelValues(s.Name()).Set(float64(StateDisconnected))
	return s, nil
}

func (s *Sink) Name() string {
	if n := strings.TrimSpace(s.cfg.Name); n != "" {
		return n
	}
	return "irc:" + s.cfg.Network + "/" + s.cfg.Room
}

// State returns the last published session state.
func (s *Sink) State() State { return State(s.state.Load()) }

// Broadcast announces r in the room. It fails with sink.ErrNotReady until
// the handshake completes and with sink.ErrClosed once the session ended.
func (s *Sink) Broadcast(ctx context.Context, r stream.Record) error {
	_ = ctx
	switch st := s.State(); st {
	case StateReady:
	case StateClosed:
		return sink.ErrClosed
	case StateDisconnected:
		s.requestConnect()
		return fmt.Errorf("%w: %s", sink.ErrNotReady, st)
	default:
		return fmt.Errorf("%w: %s", sink.ErrNotReady, st)
	}
	select {
	case s.out <- privmsg(s.cfg.Room, announcement(r)):
		return nil
	default:
		return errors.New("outbound queue full")
	}
}

func announcement(r stream.Record) string {
	return fmt.Sprintf("%s | %s | %s", r.Category, r.OneLineTitle(), r.URL())
}

func (s *Sink) requestConnect() {
	select {
	case s.kick <- struct{}{}:
	default:
	}
}

// Close sends QUIT and ends the session. The sink never reconnects.
func (s *Sink) Close(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stop) })
	if !s.running.Load() {
		s.state.Store(int32(StateClosed))
		return nil
	}
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// session is owned by Run; nothing else reads or writes it.
type session struct {
	state      State
	nick       string
	identified bool

	conn     net.Conn
	lines    <-chan string
	w        *writer
	cancelIO context.CancelFunc

	lastQueryAt time.Time
	results     chan queryResult
}

type queryResult struct {
	q    query
	recs []stream.Record
	err  error
}

// Run owns the session until the connection closes, Close is called or ctx
// is done. It connects immediately; a failed attempt is retried on the next
// Broadcast.
func (s *Sink) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("chat: already running")
	}
	defer close(s.done)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-s.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	sess := &session{nick: s.cfg.Nick, results: make(chan queryResult, 4)}
	s.connect(ctx, sess)

	for sess.state != StateClosed {
		select {
		case <-ctx.Done():
			s.hangup(sess, evShutdown)
		case raw, ok := <-sess.lines:
			if !ok {
				s.log.Warn("chat connection closed by server")
				s.hangup(sess, evRemoteClosed)
				continue
			}
			s.handleLine(ctx, sess, raw)
		case <-s.kick:
			if sess.state == StateDisconnected {
				s.connect(ctx, sess)
			}
		case line := <-s.out:
			if sess.state != StateReady {
				s.log.Debug("announcement dropped; session not ready", logx.String("state", sess.state.String()))
				continue
			}
			if !sess.w.sendPaced(line) {
				s.log.Warn("announcement dropped; outbound queue full")
			}
		case res := <-sess.results:
			s.reply(sess, res)
		}
	}
	return nil
}

func (s *Sink) step(sess *session, ev event) bool {
	next, err := transition(sess.state, ev)
	if err != nil {
		s.log.Error("chat state machine rejected event", logx.Err(err))
		return false
	}
	prev := sess.state
	sess.state = next
	s.state.Store(int32(next))
	metrics.ChatState.WithLabelValues(s.Name()).Set(float64(next))
	s.log.Debug("chat state", logx.String("from", prev.String()), logx.String("to", next.String()), logx.String("event", ev.String()))
	return true
}

func (s *Sink) defaultDial(ctx context.Context, network, addr string) (net.Conn, error) {
	d := &net.Dialer{}
	if s.cfg.TLS {
		td := &tls.Dialer{NetDialer: d, Config: &tls.Config{ServerName: s.cfg.Network, MinVersion: tls.VersionTLS12}}
		return td.DialContext(ctx, network, addr)
	}
	return d.DialContext(ctx, network, addr)
}

func (s *Sink) connect(ctx context.Context, sess *session) {
	if !s.step(sess, evDial) {
		return
	}
	addr := net.JoinHostPort(s.cfg.Network, strconv.Itoa(s.cfg.Port))
	dctx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	conn, err := s.dial(dctx, "tcp", addr)
	cancel()
	if err != nil {
		s.log.Warn("chat connect failed; will retry on next broadcast", logx.String("addr", addr), logx.Err(err))
		s.step(sess, evDialFailed)
		return
	}

	ioCtx, cancelIO := context.WithCancel(ctx)
	limit := rate.Inf
	if s.cfg.RatePerSec > 0 {
		limit = rate.Limit(s.cfg.RatePerSec)
	}
	sess.conn = conn
	sess.cancelIO = cancelIO
	sess.w = newWriter(conn, rate.NewLimiter(limit, s.cfg.Burst), s.cfg.WriteTimeout, s.cfg.QueueSize, s.log)
	sess.lines = readLines(ioCtx, conn, s.log)
	go sess.w.run(ioCtx)

	s.step(sess, evConnected)
	s.log.Info("chat connected", logx.String("addr", addr))
	// Servers hold back the welcome until the client has identified.
	s.identify(ctx, sess)
}

func (s *Sink) identify(ctx context.Context, sess *session) {
	if sess.identified {
		return
	}
	if s.cfg.Password != "" {
		sess.w.sendUrgent(ctx, "PASS "+s.cfg.Password)
	}
	sess.w.sendUrgent(ctx, "NICK "+sess.nick)
	sess.w.sendUrgent(ctx, fmt.Sprintf("USER %s 0 * :twitchwatch", s.cfg.Nick))
	sess.identified = true
}

// maxLineBytes bounds one inbound line. Longer lines are discarded whole and
// the session keeps reading.
const maxLineBytes = 64 * 1024

// readLines delivers inbound lines without their CR/LF. The channel closes
// only on EOF or a read error.
func readLines(ctx context.Context, conn net.Conn, log logx.Logger) <-chan string {
	ch := make(chan string, 64)
	go func() {
		defer close(ch)
		r := bufio.NewReaderSize(conn, 4096)
		var (
			buf      []byte
			overlong bool
		)
		for {
			frag, err := r.ReadSlice('\n')
			if !overlong {
				if len(buf)+len(frag) > maxLineBytes {
					overlong, buf = true, buf[:0]
				} else {
					buf = append(buf, frag...)
				}
			}
			if errors.Is(err, bufio.ErrBufferFull) {
				continue
			}
			if err != nil {
				if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
					log.Debug("chat read ended", logx.Err(err))
				}
				return
			}
			if overlong {
				log.Debug("overlong chat line discarded", logx.Int("limit", maxLineBytes))
				overlong = false
				continue
			}
			line := strings.TrimRight(string(buf), "\r\n")
			buf = buf[:0]
			log.Trace("chat <<", logx.String("line", line))
			select {
			case ch <- line:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// handleLine evaluates, in order: keep-alive ping, handshake progress, and
// directed queries. Anything else is ignored.
func (s *Sink) handleLine(ctx context.Context, sess *session, raw string) {
	m, ok := parseLine(raw)
	if !ok {
		s.log.Debug("unparseable chat line ignored", logx.String("line", raw))
		return
	}
	if isPing(m) {
		sess.w.sendUrgent(ctx, pongFor(m))
		return
	}
	if m.Command == "ERROR" {
		s.log.Warn("chat server error", logx.String("msg", m.Trailing))
		return
	}

	switch sess.state {
	case StateAwaitingWelcome:
		if m.Command == "433" {
			sess.nick += "_"
			s.log.Info("nick in use; retrying", logx.String("nick", sess.nick))
			sess.w.sendUrgent(ctx, "NICK "+sess.nick)
			return
		}
		if isWelcome(raw, m) {
			s.log.Info("chat welcome received")
			s.step(sess, evWelcome)
			s.register(ctx, sess)
		}
	case StateReady:
		if q, ok := directedQuery(m, s.cfg.Room, sess.nick); ok {
			s.handleQuery(ctx, sess, q)
		}
	}
}

func (s *Sink) register(ctx context.Context, sess *session) {
	s.identify(ctx, sess)
	if !s.step(sess, evRegistered) {
		return
	}
	sess.w.sendUrgent(ctx, "JOIN "+s.cfg.Room)
	// Join confirmation is not awaited; the room accepts messages once the
	// server processes the JOIN.
	if s.step(sess, evJoinSent) {
		s.log.Info("chat ready", logx.String("room", s.cfg.Room), logx.String("nick", sess.nick))
	}
}

func (s *Sink) handleQuery(ctx context.Context, sess *session, q query) {
	log := s.log.With(logx.String("from", q.From), logx.String("query", q.Text))
	if strings.EqualFold(q.Text, "quit") {
		if s.cfg.AllowQuit {
			log.Info("quit requested")
			s.hangup(sess, evShutdown)
			return
		}
		log.Info("quit request ignored")
		return
	}

	now := s.clock.Now()
	if !sess.lastQueryAt.IsZero() && now.Before(sess.lastQueryAt.Add(s.cfg.CmdLimit)) {
		metrics.ChatQueries.WithLabelValues(s.Name(), "limited").Inc()
		log.Info("query rate limited", logx.Duration("retry_in", sess.lastQueryAt.Add(s.cfg.CmdLimit).Sub(now)))
		return
	}
	sess.lastQueryAt = now

	if s.lookup == nil {
		log.Warn("query ignored; no directory configured")
		return
	}
	log.Debug("query accepted")
	results := sess.results
	go func() {
		lctx, cancel := context.WithTimeout(ctx, s.cfg.LookupTimeout)
		recs, err := s.lookup.FetchStreams(lctx, q.Text, s.cfg.Limit)
		cancel()
		select {
		case results <- queryResult{q: q, recs: recs, err: err}:
		case <-ctx.Done():
		}
	}()
}

func (s *Sink) reply(sess *session, res queryResult) {
	if sess.state != StateReady {
		return
	}
	q := res.q
	var msg string
	switch {
	case res.err != nil:
		metrics.ChatQueries.WithLabelValues(s.Name(), "failed").Inc()
		s.log.Warn("query lookup failed", logx.String("category", q.Text), logx.Err(res.err))
		msg = fmt.Sprintf("%s: Could not look up %s streams right now.", q.From, q.Text)
	default:
		metrics.ChatQueries.WithLabelValues(s.Name(), "served").Inc()
		recs := s.filter.Without(res.recs)
		urls := make([]string, 0, len(recs))
		for _, r := range recs {
			if u := r.URL(); u != "" {
				urls = append(urls, u)
			}
		}
		if len(urls) == 0 {
			msg = fmt.Sprintf("%s: There are no %s streams.", q.From, q.Text)
		} else {
			msg = fmt.Sprintf("%s: Current %s streams include %s", q.From, q.Text, strings.Join(urls, ", "))
		}
	}
	if !sess.w.sendPaced(privmsg(s.cfg.Room, msg)) {
		s.log.Warn("query reply dropped; outbound queue full")
	}
}

// hangup ends the connection with a best-effort QUIT and moves to Closed.
func (s *Sink) hangup(sess *session, ev event) {
	if sess.state == StateClosed {
		return
	}
	if sess.state.Connected() {
		sess.cancelIO()
		<-sess.w.done
		_ = sess.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
		if _, err := sess.conn.Write([]byte("QUIT :" + s.cfg.QuitMessage + "\r\n")); err != nil {
			s.log.Debug("quit not delivered", logx.Err(err))
		}
		_ = sess.conn.Close()
		sess.lines = nil
	}
	if s.step(sess, ev) {
		s.log.Info("chat session closed", logx.String("event", ev.String()))
	}
}
