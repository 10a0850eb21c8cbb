// Package transport carries notification batches from the poller to the
// daemon over a Unix domain socket.
//
// The protocol is one-way: the client connects, writes one JSON array of
// records, and closes. There is no framing beyond the connection boundary
// and no acknowledgement.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"twitchwatch/internal/stream"
)

var (
	// ErrTransport marks a failed send or an unusable endpoint.
	ErrTransport = errors.New("transport")
	// ErrEmptyBatch is returned without dialing when there is nothing to send.
	ErrEmptyBatch = errors.New("empty batch")
)

// Client sends batches to the daemon.
type Client struct {
	Path         string
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

func NewClient(path string) *Client {
	return &Client{Path: path, DialTimeout: 2 * time.Second, WriteTimeout: 5 * time.Second}
}

// Send writes batch as a single message. An empty batch is never sent.
func (c *Client) Send(ctx context.Context, batch stream.Batch) error {
	if len(batch) == 0 {
		return ErrEmptyBatch
	}
	payload, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("%w: encode: %v", ErrTransport, err)
	}

	d := net.Dialer{Timeout: c.DialTimeout}
	conn, err := d.DialContext(ctx, "unix", c.Path)
	if err != nil {
		return fmt.Errorf("%w: connect %s: %v", ErrTransport, c.Path, err)
	}
	defer func() { _ = conn.Close() }()

	if c.WriteTimeout > 0 {
		_ = conn.SetWriteDeadline(time.Now().Add(c.WriteTimeout))
	}
	if _, err := conn.Write(payload); err != nil {
		return fmt.Errorf("%w: write %s: %v", ErrTransport, c.Path, err)
	}
	// Half-close so the daemon sees end-of-stream even before Close returns.
	if uc, ok := conn.(*net.UnixConn); ok {
		_ = uc.CloseWrite()
	}
	return nil
}
