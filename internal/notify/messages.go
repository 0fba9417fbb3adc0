package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

// ThreadRef identifies a chat thread. It is persisted on the job as
// "<channel>/<ts>"; an empty channel means the poster's default channel.
type ThreadRef struct {
	Channel string
	TS      string
}

func (r ThreadRef) String() string {
	if r.TS == "" {
		return ""
	}
	if r.Channel == "" {
		return r.TS
	}
	return r.Channel + "/" + r.TS
}

// ParseThreadRef is the inverse of ThreadRef.String
func ParseThreadRef(s string) ThreadRef {
	if ch, ts, ok := strings.Cut(s, "/"); ok {
		return ThreadRef{Channel: ch, TS: ts}
	}
	return ThreadRef{TS: s}
}

// Notifier builds the task lifecycle messages on top of a Poster
type Notifier struct {
	poster Poster
}

// NewNotifier wraps poster. A nil poster posts nothing.
func NewNotifier(poster Poster) *Notifier {
	if poster == nil {
		poster = NoopPoster{}
	}
	return &Notifier{poster: poster}
}

// PostMessage posts a raw message
func (n *Notifier) PostMessage(ctx context.Context, msg Message) string {
	return n.poster.PostMessage(ctx, msg)
}

// PostTaskStarted announces a job and returns the thread reference that
// later updates should be posted to, or "" when nothing was posted.
// Chat-triggered jobs reply in the thread they came from.
func (n *Notifier) PostTaskStarted(ctx context.Context, jobID int64, jobType domain.JobType, payload json.RawMessage) string {
	summary, origin := TaskSummary(jobType, payload)
	msg := Message{
		Text:     summary,
		Channel:  origin.Channel,
		ThreadTS: origin.TS,
		Blocks: []Block{
			Section(summary),
			Section(fmt.Sprintf("_Job %d · %s_", jobID, jobType)),
		},
	}

	ts := n.poster.PostMessage(ctx, msg)
	if ts == "" {
		return ""
	}
	if origin.TS != "" {
		return origin.String()
	}
	return ThreadRef{Channel: origin.Channel, TS: ts}.String()
}

// PostThreadedUpdate posts text prefixed with the status marker into the
// referenced thread
func (n *Notifier) PostThreadedUpdate(ctx context.Context, threadRef, text string, t NotificationType) string {
	if threadRef == "" {
		return ""
	}
	ref := ParseThreadRef(threadRef)
	return n.poster.PostMessage(ctx, Message{
		Text:     Emoji(t) + " " + text,
		Channel:  ref.Channel,
		ThreadTS: ref.TS,
	})
}

// PostTaskCompleted reports the outcome and elapsed time into the thread
func (n *Notifier) PostTaskCompleted(ctx context.Context, threadRef string, success bool, elapsed time.Duration) string {
	took := FormatDuration(elapsed)
	if success {
		return n.PostThreadedUpdate(ctx, threadRef, "Task completed in "+took, NotifySuccess)
	}
	return n.PostThreadedUpdate(ctx, threadRef, "Task failed after "+took, NotifyError)
}

// FormatDuration renders an elapsed time for humans, e.g. "3 minutes"
func FormatDuration(d time.Duration) string {
	if d < time.Second {
		return "less than a second"
	}
	now := time.Now()
	return strings.TrimSpace(humanize.RelTime(now.Add(-d), now, "", ""))
}

// TaskSummary returns the announcement text for a job and, for chat jobs,
// the thread the job originated in.
func TaskSummary(jobType domain.JobType, raw json.RawMessage) (string, ThreadRef) {
	p, err := domain.DecodePayload(jobType, raw)
	if err != nil {
		return fmt.Sprintf(":rocket: Started %s job", jobType), ThreadRef{}
	}

	switch v := p.(type) {
	case *domain.IssueFixPayload:
		return fmt.Sprintf(":hammer_and_wrench: Working on <https://github.com/%s/issues/%d|%s#%d>: %s",
			v.Repo, v.Issue, v.Repo, v.Issue, v.Title), ThreadRef{}
	case *domain.IssueCommentPayload:
		return fmt.Sprintf(":speech_balloon: Responding to @%s on %s#%d", v.CommentAuthor, v.Repo, v.Issue), ThreadRef{}
	case *domain.PRCommentPayload:
		return fmt.Sprintf(":mag: Addressing @%s's comment on %s#%d (%s)", v.CommentAuthor, v.Repo, v.PRNumber, v.PRBranch), ThreadRef{}
	case *domain.SlackMentionPayload:
		return ":eyes: On it: " + truncate(v.Text, 200), ThreadRef{Channel: v.Channel, TS: v.Thread()}
	case *domain.GeneralTaskPayload:
		return ":rocket: Working on: " + truncate(v.Description, 200), ThreadRef{}
	}
	return fmt.Sprintf(":rocket: Started %s job", jobType), ThreadRef{}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
