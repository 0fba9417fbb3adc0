package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// SlackPoster posts messages through the Slack Web API
type SlackPoster struct {
	apiURL         string
	defaultChannel string
	client         *http.Client
	log            *slog.Logger
}

type slackResponse struct {
	OK    bool   `json:"ok"`
	TS    string `json:"ts"`
	Error string `json:"error"`
}

// NewSlackPoster creates a poster authenticated with a bot token. An empty
// token disables posting.
func NewSlackPoster(apiURL, botToken, defaultChannel string, log *slog.Logger) *SlackPoster {
	if log == nil {
		log = slog.Default()
	}
	var client *http.Client
	if botToken != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: botToken, TokenType: "Bearer"})
		client = oauth2.NewClient(context.Background(), src)
		client.Timeout = 10 * time.Second
	}
	return &SlackPoster{
		apiURL:         strings.TrimSuffix(apiURL, "/"),
		defaultChannel: defaultChannel,
		client:         client,
		log:            log.With("component", "slack"),
	}
}

// PostMessage calls chat.postMessage and returns the message timestamp
func (s *SlackPoster) PostMessage(ctx context.Context, msg Message) string {
	if s.client == nil {
		return "" // Disabled
	}
	if msg.Channel == "" {
		msg.Channel = s.defaultChannel
	}
	if msg.Channel == "" {
		s.log.Warn("no slack channel for message")
		return ""
	}

	ts, err := s.post(ctx, msg)
	if err != nil {
		s.log.Warn("slack post failed", "channel", msg.Channel, "error", err)
		return ""
	}
	return ts
}

func (s *SlackPoster) post(ctx context.Context, msg Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.apiURL+"/chat.postMessage", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("slack returned %d", resp.StatusCode)
	}

	var out slackResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode slack response: %w", err)
	}
	if !out.OK {
		return "", fmt.Errorf("slack error: %s", out.Error)
	}
	return out.TS, nil
}
