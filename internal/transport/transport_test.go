package transport

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "tw")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "tw.sock")
}

// serve starts a server and returns a channel of received batches.
func serve(t *testing.T, path string, opts ...func(*Server)) (*Server, <-chan stream.Batch) {
	t.Helper()
	srv, err := Listen(path, logx.Nop())
	require.NoError(t, err)
	for _, o := range opts {
		o(srv)
	}

	got := make(chan stream.Batch, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = srv.Serve(ctx, func(_ context.Context, b stream.Batch) { got <- b })
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return srv, got
}

func recv(t *testing.T, ch <-chan stream.Batch) stream.Batch {
	t.Helper()
	select {
	case b := <-ch:
		return b
	case <-time.After(5 * time.Second):
		t.Fatal("no batch received")
		return nil
	}
}

func TestSendReceive(t *testing.T) {
	path := socketPath(t)
	_, got := serve(t, path)

	batch := stream.Batch{
		{SessionID: "A", ChannelID: "1", UserName: "one", Category: "X", Title: "t1"},
		{SessionID: "B", ChannelID: "2", UserName: "two", Category: "X", Title: "t2"},
	}
	require.NoError(t, NewClient(path).Send(context.Background(), batch))
	assert.Equal(t, batch, recv(t, got))
}

func TestMalformedMessageIsDiscarded(t *testing.T) {
	path := socketPath(t)
	_, got := serve(t, path)

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	_, err = conn.Write([]byte(`[{"user_id": `))
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	// The server keeps accepting after a bad message.
	good := stream.Batch{{ChannelID: "1", SessionID: "A"}}
	require.NoError(t, NewClient(path).Send(context.Background(), good))
	assert.Equal(t, good, recv(t, got))
	assert.Empty(t, got)
}

func TestEmptyBatchNeverDials(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	err := c.Send(context.Background(), nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestDaemonNotRunning(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "missing.sock"))
	err := c.Send(context.Background(), stream.Batch{{ChannelID: "1"}})
	assert.ErrorIs(t, err, ErrTransport)
}

func TestListenReclaimsStaleSocket(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.WriteFile(path, []byte("left over"), 0o600))

	srv, err := Listen(path, logx.Nop())
	require.NoError(t, err)
	defer srv.Close()

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.ModeSocket, st.Mode()&os.ModeSocket)
	assert.Equal(t, os.FileMode(0o600), st.Mode().Perm())
}

func TestCloseRemovesSocket(t *testing.T) {
	path := socketPath(t)
	srv, err := Listen(path, logx.Nop())
	require.NoError(t, err)

	require.NoError(t, srv.Close())
	require.NoError(t, srv.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestServeReturnsOnCancel(t *testing.T) {
	path := socketPath(t)
	srv, err := Listen(path, logx.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Serve(ctx, func(context.Context, stream.Batch) {}) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSocketGoneWheneverServeReturns(t *testing.T) {
	path := socketPath(t)
	for i := 0; i < 20; i++ {
		srv, err := Listen(path, logx.Nop())
		require.NoError(t, err)
		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() { done <- srv.Serve(ctx, func(context.Context, stream.Batch) {}) }()
		cancel()
		require.NoError(t, <-done)

		_, err = os.Stat(path)
		require.Truef(t, os.IsNotExist(err), "socket still present after cycle %d", i)
	}
}

func TestOversizeMessageIsDiscarded(t *testing.T) {
	path := socketPath(t)
	_, got := serve(t, path, func(s *Server) { s.MaxMessageBytes = 16 })

	_ = NewClient(path).Send(context.Background(), stream.Batch{{ChannelID: "1", Title: "far too long for the limit"}})
	select {
	case b := <-got:
		t.Fatalf("unexpected batch %v", b)
	case <-time.After(200 * time.Millisecond):
	}
}
