package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

// slackMaxSkew bounds how old a signed request may be.
const slackMaxSkew = 5 * time.Minute

type slackEnvelope struct {
	Type      string      `json:"type"`
	Challenge string      `json:"challenge"`
	TeamID    string      `json:"team_id"`
	Event     *slackEvent `json:"event"`
}

type slackEvent struct {
	Type     string `json:"type"`
	Subtype  string `json:"subtype"`
	User     string `json:"user"`
	BotID    string `json:"bot_id"`
	Text     string `json:"text"`
	Channel  string `json:"channel"`
	TS       string `json:"ts"`
	ThreadTS string `json:"thread_ts"`
}

var workspacePattern = regexp.MustCompile(`(?i)\bworkspace[:=](\S+)`)

// VerifySlackSignature checks the v0 request signature over
// "v0:<timestamp>:<body>".
func VerifySlackSignature(secret string, body []byte, timestamp, signature string, now time.Time) bool {
	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return false
	}
	if d := now.Sub(time.Unix(ts, 0)); d > slackMaxSkew || d < -slackMaxSkew {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "v0:%s:", timestamp)
	mac.Write(body)
	want := "v0=" + hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(want), []byte(signature))
}

func (s *Server) slackEvents(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err)
	}
	req := c.Request()
	if s.cfg.SlackSigningSecret != "" &&
		!VerifySlackSignature(s.cfg.SlackSigningSecret, body, req.Header.Get("X-Slack-Request-Timestamp"), req.Header.Get("X-Slack-Signature"), time.Now()) {
		s.log.Warn("slack signature mismatch")
		return domain.ErrUnauthorized
	}

	var env slackEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("%w: decode slack event: %v", domain.ErrInvalidInput, err)
	}

	switch env.Type {
	case "url_verification":
		return c.JSON(http.StatusOK, map[string]string{"challenge": env.Challenge})
	case "event_callback":
	default:
		return ignored(c, "envelope type "+env.Type)
	}

	// Slack redelivers when we are slow to answer; the first delivery
	// already created the job.
	if req.Header.Get("X-Slack-Retry-Num") != "" {
		return ignored(c, "retry")
	}

	ev := env.Event
	if ev == nil || ev.Type != "app_mention" {
		return ignored(c, "not an app mention")
	}
	if ev.BotID != "" || ev.Subtype == "bot_message" {
		return ignored(c, "bot message")
	}

	payload := domain.SlackMentionPayload{
		Channel:  ev.Channel,
		User:     ev.User,
		Text:     ev.Text,
		TS:       ev.TS,
		ThreadTS: ev.ThreadTS,
		TeamID:   env.TeamID,
	}
	if m := workspacePattern.FindStringSubmatch(ev.Text); m != nil {
		payload.Workspace = m[1]
	}
	return s.enqueue(c, http.StatusOK, domain.JobSlackMention, payload)
}
