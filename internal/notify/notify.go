package notify

import (
	"context"
	"log/slog"
)

// NotificationType represents the severity of a notification
type NotificationType int

const (
	NotifyInfo NotificationType = iota
	NotifySuccess
	NotifyWarning
	NotifyError
	NotifyCritical
)

// Emoji returns the status marker prefixed to threaded updates
func Emoji(t NotificationType) string {
	switch t {
	case NotifySuccess:
		return ":white_check_mark:"
	case NotifyWarning:
		return ":warning:"
	case NotifyError:
		return ":x:"
	case NotifyCritical:
		return ":rotating_light:"
	default:
		return ":information_source:"
	}
}

// Message is a chat message to post
type Message struct {
	Text     string  `json:"text"`
	Channel  string  `json:"channel,omitempty"`
	ThreadTS string  `json:"thread_ts,omitempty"`
	Blocks   []Block `json:"blocks,omitempty"`
}

// Block is a Slack section block
type Block struct {
	Type string     `json:"type"`
	Text *BlockText `json:"text,omitempty"`
}

// BlockText is the text element of a block
type BlockText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Section returns a markdown section block
func Section(markdown string) Block {
	return Block{Type: "section", Text: &BlockText{Type: "mrkdwn", Text: markdown}}
}

// Poster posts chat messages. PostMessage returns the timestamp of the
// posted message, or "" when nothing was posted. It never fails loudly.
type Poster interface {
	PostMessage(ctx context.Context, msg Message) string
}

// MultiPoster posts to every poster and returns the first timestamp
type MultiPoster struct {
	posters []Poster
}

// NewMultiPoster creates a poster that fans out to all provided posters
func NewMultiPoster(posters ...Poster) *MultiPoster {
	return &MultiPoster{posters: posters}
}

// PostMessage posts msg to all posters
func (m *MultiPoster) PostMessage(ctx context.Context, msg Message) string {
	var ts string
	for _, p := range m.posters {
		if got := p.PostMessage(ctx, msg); ts == "" {
			ts = got
		}
	}
	return ts
}

// LogPoster writes messages to a logger instead of a chat channel
type LogPoster struct {
	Logger *slog.Logger
}

func (l LogPoster) PostMessage(_ context.Context, msg Message) string {
	log := l.Logger
	if log == nil {
		log = slog.Default()
	}
	log.Info("notification", "channel", msg.Channel, "thread_ts", msg.ThreadTS, "text", msg.Text)
	return ""
}

// NoopPoster does nothing (for testing or disabled notifications)
type NoopPoster struct{}

func (NoopPoster) PostMessage(context.Context, Message) string { return "" }
