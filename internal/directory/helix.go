package directory

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"

	"twitchwatch/internal/stream"
	logx "twitchwatch/pkg/logx"
)

// HelixConfig configures the Helix client.
//
// Either ClientSecret (an app token is requested on demand) or AppToken must
// be set alongside ClientID.
type HelixConfig struct {
	ClientID     string
	ClientSecret string
	AppToken     string
	Timeout      time.Duration

	// APIBaseURL overrides the Helix endpoint (tests).
	APIBaseURL string
}

// Helix fetches streams through the Twitch Helix API.
//
// helix.Client is not safe for concurrent token swaps, so calls are
// serialized; lookups are rare and small.
type Helix struct {
	mu       sync.Mutex
	client   *helix.Client
	canMint  bool
	hasToken bool
	gameIDs  map[string]string

	log logx.Logger
}

func NewHelix(cfg HelixConfig, log logx.Logger) (*Helix, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	opts := &helix.Options{
		ClientID:       cfg.ClientID,
		ClientSecret:   cfg.ClientSecret,
		AppAccessToken: cfg.AppToken,
		HTTPClient:     &http.Client{Timeout: timeout},
	}
	if cfg.APIBaseURL != "" {
		opts.APIBaseURL = cfg.APIBaseURL
	}
	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}
	return &Helix{
		client:   client,
		canMint:  cfg.ClientSecret != "",
		hasToken: cfg.AppToken != "",
		gameIDs:  map[string]string{},
		log:      log.With(logx.String("comp", "directory")),
	}, nil
}

// FetchStreams returns up to limit live streams for the named category.
// Failures wrap ErrFetch.
func (h *Helix) FetchStreams(ctx context.Context, category string, limit int) ([]stream.Record, error) {
	category = strings.TrimSpace(category)
	if category == "" {
		return nil, fmt.Errorf("%w: empty category", ErrFetch)
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetch, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	gameID, err := h.gameID(category)
	if err != nil {
		return nil, err
	}
	if gameID == "" {
		h.log.Info("unknown category", logx.String("category", category))
		return nil, nil
	}

	var resp *helix.StreamsResponse
	err = h.withToken(func() (int, error) {
		var err error
		resp, err = h.client.GetStreams(&helix.StreamsParams{GameIDs: []string{gameID}, First: limit})
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: get streams: status %d: %s", ErrFetch, resp.StatusCode, resp.ErrorMessage)
	}

	out := make([]stream.Record, 0, len(resp.Data.Streams))
	for _, s := range resp.Data.Streams {
		out = append(out, stream.Record{
			SessionID:    s.ID,
			ChannelID:    s.UserID,
			UserLogin:    s.UserLogin,
			UserName:     s.UserName,
			GameID:       s.GameID,
			Category:     s.GameName,
			Type:         s.Type,
			Title:        s.Title,
			ViewerCount:  s.ViewerCount,
			StartedAt:    s.StartedAt,
			Language:     s.Language,
			ThumbnailURL: s.ThumbnailURL,
		})
	}
	h.log.Debug("streams fetched", logx.String("category", category), logx.Int("count", len(out)))
	return out, nil
}

// gameID resolves a category name, caching hits. An empty id means Twitch
// has no such category.
func (h *Helix) gameID(name string) (string, error) {
	key := strings.ToLower(name)
	if id, ok := h.gameIDs[key]; ok {
		return id, nil
	}
	var resp *helix.GamesResponse
	err := h.withToken(func() (int, error) {
		var err error
		resp, err = h.client.GetGames(&helix.GamesParams{Names: []string{name}})
		if err != nil {
			return 0, err
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: get games: status %d: %s", ErrFetch, resp.StatusCode, resp.ErrorMessage)
	}
	if len(resp.Data.Games) == 0 {
		return "", nil
	}
	id := resp.Data.Games[0].ID
	h.gameIDs[key] = id
	return id, nil
}

// withToken runs call, minting an app token first if needed and once more
// after a 401.
func (h *Helix) withToken(call func() (int, error)) error {
	if !h.hasToken {
		if err := h.mintToken(); err != nil {
			return err
		}
	}
	status, err := call()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	if status != http.StatusUnauthorized || !h.canMint {
		return nil
	}
	h.log.Info("app token rejected; refreshing")
	if err := h.mintToken(); err != nil {
		return err
	}
	if _, err := call(); err != nil {
		return fmt.Errorf("%w: %v", ErrFetch, err)
	}
	return nil
}

func (h *Helix) mintToken() error {
	if !h.canMint {
		return fmt.Errorf("%w: no app token and no client secret", ErrFetch)
	}
	resp, err := h.client.RequestAppAccessToken(nil)
	if err != nil {
		return fmt.Errorf("%w: app token: %v", ErrFetch, err)
	}
	if resp.StatusCode != http.StatusOK || resp.Data.AccessToken == "" {
		return fmt.Errorf("%w: app token: status %d: %s", ErrFetch, resp.StatusCode, resp.ErrorMessage)
	}
	h.client.SetAppAccessToken(resp.Data.AccessToken)
	h.hasToken = true
	return nil
}
