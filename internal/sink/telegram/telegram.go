// Package telegram announces new streams in a Telegram chat or forum topic.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strconv"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"twitchwatch/internal/sink"
	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

type Config struct {
	Name     string
	Token    string
	ChatID   int64
	ThreadID int
	// APIURL overrides the Bot API endpoint.
	APIURL  string
	Timeout time.Duration
}

// Sink sends one HTML message per record. It only sends; updates are never
// polled.
type Sink struct {
	cfg Config
	log logx.Logger
	bot *tele.Bot
}

var _ sink.Sink = (*Sink)(nil)

func New(cfg Config, log logx.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat_id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	b, err := tele.NewBot(tele.Settings{
		URL:     cfg.APIURL,
		Token:   cfg.Token,
		Client:  &http.Client{Timeout: timeout},
		Offline: true,
	})
	if err != nil {
		return nil, err
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Sink{cfg: cfg, bot: b}
	s.log = log.With(logx.String("comp", "telegram"), logx.String("sink", s.Name()))
	return s, nil
}

func (s *Sink) Name() string {
	if n := strings.TrimSpace(s.cfg.Name); n != "" {
		return n
	}
	name := "telegram:" + strconv.FormatInt(s.cfg.ChatID, 10)
	if s.cfg.ThreadID != 0 {
		name += "/" + strconv.Itoa(s.cfg.ThreadID)
	}
	return name
}

// Broadcast sends r. telebot calls are not cancellable; ctx is only checked
// before sending.
func (s *Sink) Broadcast(ctx context.Context, r stream.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	opt := &tele.SendOptions{
		ParseMode: tele.ModeHTML,
		ThreadID:  s.cfg.ThreadID,
	}
	msg, err := s.bot.Send(&tele.Chat{ID: s.cfg.ChatID}, render(r), opt)
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	s.log.Debug("telegram delivered", logx.Int("message_id", msg.ID), logx.String("channel_id", r.ChannelID))
	return nil
}

func render(r stream.Record) string {
	var b strings.Builder
	b.WriteString("🎮 New <b>")
	b.WriteString(html.EscapeString(r.Category))
	b.WriteString("</b> stream")
	if t := r.OneLineTitle(); t != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(t))
	}
	if u := r.URL(); u != "" {
		b.WriteString("\n")
		b.WriteString(html.EscapeString(u))
	}
	return b.String()
}
