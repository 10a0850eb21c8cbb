package chat

import (
	"context"
	"net"
	"time"

	"golang.org/x/time/rate"

	logx "twitchwatch/pkg/logx"
)

// writer serializes outbound lines for one connection. Urgent lines (PONG,
// handshake) go out immediately; paced lines (chat messages) wait for the
// flood limiter while still letting urgent lines through.
type writer struct {
	conn    net.Conn
	timeout time.Duration
	limiter *rate.Limiter
	log     logx.Logger

	urgent chan string
	paced  chan string
	done   chan struct{}
}

func newWriter(conn net.Conn, limiter *rate.Limiter, timeout time.Duration, queue int, log logx.Logger) *writer {
	return &writer{
		conn:    conn,
		timeout: timeout,
		limiter: limiter,
		log:     log,
		urgent:  make(chan string, 16),
		paced:   make(chan string, queue),
		done:    make(chan struct{}),
	}
}

// sendUrgent never drops: the owner must not lose a keep-alive reply.
func (w *writer) sendUrgent(ctx context.Context, line string) {
	select {
	case w.urgent <- line:
	case <-w.done:
	case <-ctx.Done():
	}
}

// sendPaced reports false when the queue is full.
func (w *writer) sendPaced(line string) bool {
	select {
	case w.paced <- line:
		return true
	default:
		return false
	}
}

func (w *writer) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case l := <-w.urgent:
			if !w.write(l) {
				return
			}
			continue
		default:
		}
		select {
		case <-ctx.Done():
			return
		case l := <-w.urgent:
			if !w.write(l) {
				return
			}
		case l := <-w.paced:
			if !w.waitTurn(ctx) {
				return
			}
			if !w.write(l) {
				return
			}
		}
	}
}

func (w *writer) waitTurn(ctx context.Context) bool {
	r := w.limiter.Reserve()
	d := r.Delay()
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			r.Cancel()
			return false
		case l := <-w.urgent:
			if !w.write(l) {
				return false
			}
		case <-t.C:
			return true
		}
	}
}

func (w *writer) write(line string) bool {
	if w.timeout > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.timeout))
	}
	if _, err := w.conn.Write([]byte(line + "\r\n")); err != nil {
		w.log.Warn("chat write failed", logx.Err(err))
		return false
	}
	w.log.Trace("chat >>", logx.String("line", redact(line)))
	return true
}

func redact(line string) string {
	if len(line) >= 5 && line[:5] == "PASS " {
		return "PASS ***"
	}
	return line
}
