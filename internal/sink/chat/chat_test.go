package chat

import (
	"bufio"
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

// peer is the server side of one accepted chat connection.
type peer struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func (p *peer) next() string {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := p.r.ReadString('\n')
	require.NoError(p.t, err)
	return strings.TrimRight(line, "\r\n")
}

func (p *peer) send(line string) {
	p.t.Helper()
	_, err := p.conn.Write([]byte(line + "\r\n"))
	require.NoError(p.t, err)
}

// sync proves every line sent before it has been processed and answered.
func (p *peer) sync(token string) {
	p.t.Helper()
	p.send("PING :" + token)
	assert.Equal(p.t, "PONG :"+token, p.next())
}

type fakeServer struct {
	ln    net.Listener
	conns chan net.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	fs := &fakeServer{ln: ln, conns: make(chan net.Conn, 4)}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fs.conns <- c
		}
	}()
	t.Cleanup(func() { _ = ln.Close() })
	return fs
}

func (fs *fakeServer) port() int { return fs.ln.Addr().(*net.TCPAddr).Port }

func (fs *fakeServer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case c := <-fs.conns:
		t.Cleanup(func() { _ = c.Close() })
		return &peer{t: t, conn: c, r: bufio.NewReader(c)}
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not connect")
		return nil
	}
}

type fakeFetcher struct {
	mu    sync.Mutex
	calls []string
	recs  []stream.Record
	err   error
}

func (f *fakeFetcher) FetchStreams(_ context.Context, category string, _ int) ([]stream.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, category)
	return f.recs, f.err
}

func (f *fakeFetcher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func testConfig(port int) Config {
	return Config{Network: "127.0.0.1", Port: port, Room: "#quake", Nick: "tw", QuitMessage: "bye"}
}

func start(t *testing.T, s *Sink) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func handshake(t *testing.T, s *Sink, p *peer) {
	t.Helper()
	assert.Equal(t, "NICK tw", p.next())
	assert.True(t, strings.HasPrefix(p.next(), "USER tw "))
	p.send(":irc.example.org 001 tw :Welcome to the network")
	assert.Equal(t, "JOIN #quake", p.next())
	require.Eventually(t, func() bool { return s.State() == StateReady }, 5*time.Second, 5*time.Millisecond)
}

func rec(login, title string) stream.Record {
	return stream.Record{ChannelID: login + "-id", UserLogin: login, UserName: login, Category: "Quake", Title: title}
}

func TestHandshakeThenBroadcast(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)

	err = s.Broadcast(context.Background(), rec("one", "dm6"))
	assert.ErrorIs(t, err, sink.ErrNotReady)

	handshake(t, s, p)

	require.NoError(t, s.Broadcast(context.Background(), rec("one", "dm6\nday 2")))
	assert.Equal(t, "PRIVMSG #quake :Quake | dm6 day 2 | https://www.twitch.tv/one", p.next())
}

func TestEndOfMOTDIsAlsoReadiness(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)

	p.next()
	p.next()
	p.send(":irc.example.org NOTICE * :*** Looking up your hostname")
	p.send(":irc.example.org 375 tw :- irc.example.org Message of the day -")
	p.send(":irc.example.org 376 tw :End of /MOTD command.")
	assert.Equal(t, "JOIN #quake", p.next())
}

func TestPasswordAndNickCollision(t *testing.T) {
	srv := newFakeServer(t)
	cfg := testConfig(srv.port())
	cfg.Password = "hunter2"
	s, err := New(cfg, nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)

	assert.Equal(t, "PASS hunter2", p.next())
	assert.Equal(t, "NICK tw", p.next())
	p.next()
	p.send(":irc.example.org 433 * tw :Nickname is already in use")
	assert.Equal(t, "NICK tw_", p.next())
}

func TestPingAnsweredInEveryConnectedState(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)

	p.next()
	p.next()
	// Before the welcome.
	p.send("PING :early")
	assert.Equal(t, "PONG :early", p.next())

	p.send(":irc.example.org 001 tw :Welcome")
	assert.Equal(t, "JOIN #quake", p.next())

	// Once ready, with the server prefix form.
	p.send(":irc.example.org PING irc.example.org")
	assert.Equal(t, "PONG :irc.example.org", p.next())
	p.sync("again")
}

func TestOverlongLineIsDiscardedNotFatal(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	p.send("NOTICE tw :" + strings.Repeat("x", 70*1024))
	p.send("PING :after")
	assert.Equal(t, "PONG :after", p.next())
	assert.Equal(t, StateReady, s.State())

	require.NoError(t, s.Broadcast(context.Background(), rec("one", "dm6")))
	assert.Equal(t, "PRIVMSG #quake :Quake | dm6 | https://www.twitch.tv/one", p.next())
}

func TestQueryRateLimit(t *testing.T) {
	srv := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	f := &fakeFetcher{recs: []stream.Record{rec("one", "a")}}
	s, err := New(testConfig(srv.port()), f, logx.Nop(), WithClock(clock))
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	p.send(":alice!a@h PRIVMSG #quake :tw: Quake")
	assert.Equal(t, "PRIVMSG #quake :alice: Current Quake streams include https://www.twitch.tv/one", p.next())

	// Within the window: dropped, no lookup, no reply.
	p.send(":bob!b@h PRIVMSG #quake :tw: Quake")
	p.sync("one")
	assert.Never(t, func() bool { return f.count() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	p.sync("two")
	assert.Equal(t, 1, f.count())

	// Past the window: served again.
	clock.Advance(DefaultCmdLimit + time.Second)
	p.send(":bob!b@h PRIVMSG #quake :tw: Quake")
	assert.Equal(t, "PRIVMSG #quake :bob: Current Quake streams include https://www.twitch.tv/one", p.next())
	assert.Equal(t, 2, f.count())
}

func TestQueryReplyFiltersBlacklist(t *testing.T) {
	srv := newFakeServer(t)
	f := &fakeFetcher{recs: []stream.Record{rec("spammer", "x"), rec("two", "y")}}
	cfg := testConfig(srv.port())
	cfg.Blacklist = []string{"spammer"}
	s, err := New(cfg, f, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	p.send(":alice!a@h PRIVMSG #quake :tw: Quake")
	assert.Equal(t, "PRIVMSG #quake :alice: Current Quake streams include https://www.twitch.tv/two", p.next())
}

func TestQueryNoStreamsAndLookupFailure(t *testing.T) {
	srv := newFakeServer(t)
	clock := clockwork.NewFakeClock()
	f := &fakeFetcher{}
	s, err := New(testConfig(srv.port()), f, logx.Nop(), WithClock(clock))
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	p.send(":alice!a@h PRIVMSG #quake :tw: Doom")
	assert.Equal(t, "PRIVMSG #quake :alice: There are no Doom streams.", p.next())

	f.mu.Lock()
	f.err = errors.New("api down")
	f.mu.Unlock()
	clock.Advance(time.Minute)
	p.send(":alice!a@h PRIVMSG #quake :tw: Doom")
	assert.Equal(t, "PRIVMSG #quake :alice: Could not look up Doom streams right now.", p.next())
}

func TestCloseSendsQuitAndIsTerminal(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	assert.Equal(t, "QUIT :bye", p.next())
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Broadcast(context.Background(), rec("one", "a")), sink.ErrClosed)
}

func TestRemoteCloseIsTerminal(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	require.NoError(t, p.conn.Close())
	require.Eventually(t, func() bool { return s.State() == StateClosed }, 5*time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, s.Broadcast(context.Background(), rec("one", "a")), sink.ErrClosed)

	select {
	case <-srv.conns:
		t.Fatal("closed sink reconnected")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestQuitCommand(t *testing.T) {
	srv := newFakeServer(t)
	cfg := testConfig(srv.port())
	cfg.AllowQuit = true
	s, err := New(cfg, nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	p.send(":alice!a@h PRIVMSG #quake :tw: quit")
	assert.Equal(t, "QUIT :bye", p.next())
	require.Eventually(t, func() bool { return s.State() == StateClosed }, 5*time.Second, 5*time.Millisecond)
}

func TestQuitCommandIgnoredByDefault(t *testing.T) {
	srv := newFakeServer(t)
	s, err := New(testConfig(srv.port()), nil, logx.Nop())
	require.NoError(t, err)
	start(t, s)
	p := srv.accept(t)
	handshake(t, s, p)

	p.send(":alice!a@h PRIVMSG #quake :tw: quit")
	p.sync("still-here")
	assert.Equal(t, StateReady, s.State())
}

func TestConnectFailureRetriesOnBroadcast(t *testing.T) {
	srv := newFakeServer(t)
	var (
		mu    sync.Mutex
		dials int
	)
	dialer := func(ctx context.Context, network, addr string) (net.Conn, error) {
		mu.Lock()
		dials++
		n := dials
		mu.Unlock()
		if n == 1 {
			return nil, errors.New("connection refused")
		}
		var d net.Dialer
		return d.DialContext(ctx, network, net.JoinHostPort("127.0.0.1", strconv.Itoa(srv.port())))
	}
	s, err := New(testConfig(srv.port()), nil, logx.Nop(), WithDialer(dialer))
	require.NoError(t, err)
	start(t, s)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return dials == 1 && s.State() == StateDisconnected
	}, 5*time.Second, 5*time.Millisecond)

	err = s.Broadcast(context.Background(), rec("one", "a"))
	assert.ErrorIs(t, err, sink.ErrNotReady)

	p := srv.accept(t)
	handshake(t, s, p)
}

func TestNewValidates(t *testing.T) {
	_, err := New(Config{Network: "irc.example.org", Room: "#r"}, nil, logx.Nop())
	assert.Error(t, err)
}
