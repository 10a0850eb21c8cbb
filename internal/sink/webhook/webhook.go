// Package webhook posts new streams to a Discord-style incoming webhook.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

const DefaultTimeout = 10 * time.Second

type Config struct {
	Name     string
	URL      string
	Username string
	Timeout  time.Duration
}

type payload struct {
	Content  string `json:"content"`
	Username string `json:"username,omitempty"`
}

// StatusError is returned for a non-2xx webhook response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("webhook: http %d", e.Code)
	}
	return fmt.Sprintf("webhook: http %d: %s", e.Code, e.Body)
}

type Sink struct {
	cfg  Config
	log  logx.Logger
	http *http.Client
	host string
}

var _ sink.Sink = (*Sink)(nil)

func New(cfg Config, log logx.Logger) (*Sink, error) {
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.New("webhook: webhook_url must be an absolute http(s) URL")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{cfg: cfg, http: &http.Client{Timeout: cfg.Timeout}, host: u.Host}
	// The URL embeds the webhook secret; only the host is logged.
	s.log = log.With(logx.String("comp", "webhook"), logx.String("sink", s.Name()), logx.String("host", u.Host))
	return s, nil
}

func (s *Sink) Name() string {
	if n := strings.TrimSpace(s.cfg.Name); n != "" {
		return n
	}
	return "webhook:" + s.host
}

func (s *Sink) Broadcast(ctx context.Context, r stream.Record) error {
	b, err := json.Marshal(payload{Content: content(r), Username: s.cfg.Username})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("webhook post: %w", redactURL(err))
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	s.log.Debug("webhook delivered", logx.String("channel_id", r.ChannelID))
	return nil
}

func content(r stream.Record) string {
	return fmt.Sprintf("New **%s** stream: %s\n%s", r.Category, r.OneLineTitle(), r.URL())
}

// redactURL strips the request URL from transport errors.
func redactURL(err error) error {
	var ue *url.Error
	if errors.As(err, &ue) {
		return ue.Err
	}
	return err
}
