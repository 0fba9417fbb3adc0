package api

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
)

type ghUser struct {
	Login string `json:"login"`
}

type ghLabel struct {
	Name string `json:"name"`
}

type ghRepo struct {
	FullName string `json:"full_name"`
}

type ghIssue struct {
	Number      int       `json:"number"`
	Title       string    `json:"title"`
	Body        string    `json:"body"`
	Labels      []ghLabel `json:"labels"`
	PullRequest *struct{} `json:"pull_request"`
}

type ghComment struct {
	ID      int64  `json:"id"`
	Body    string `json:"body"`
	User    ghUser `json:"user"`
	HTMLURL string `json:"html_url"`
	Path    string `json:"path"`
	Line    int    `json:"line"`
}

type ghPullRequest struct {
	Number  int    `json:"number"`
	Title   string `json:"title"`
	Body    string `json:"body"`
	HTMLURL string `json:"html_url"`
	Head    struct {
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
}

type ghEvent struct {
	Action      string         `json:"action"`
	Repository  ghRepo         `json:"repository"`
	Issue       *ghIssue       `json:"issue"`
	Comment     *ghComment     `json:"comment"`
	PullRequest *ghPullRequest `json:"pull_request"`
	Label       *ghLabel       `json:"label"`
	Sender      ghUser         `json:"sender"`
}

// webhookResult is the body returned for every accepted delivery.
type webhookResult struct {
	Ignored       bool   `json:"ignored,omitempty"`
	Reason        string `json:"reason,omitempty"`
	JobID         int64  `json:"jobId,omitempty"`
	EnqueuedJobID string `json:"enqueuedJobId,omitempty"`
	Correlated    bool   `json:"correlated,omitempty"`
}

func ignored(c echo.Context, reason string) error {
	return JSON(c, http.StatusOK, webhookResult{Ignored: true, Reason: reason})
}

// VerifyGitHubSignature checks an X-Hub-Signature-256 header against body.
func VerifyGitHubSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), want)
}

func (s *Server) githubWebhook(c echo.Context) error {
	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %v", domain.ErrInvalidInput, err)
	}
	if s.cfg.GitHubSecret != "" && !VerifyGitHubSignature(s.cfg.GitHubSecret, body, c.Request().Header.Get("X-Hub-Signature-256")) {
		s.log.Warn("github webhook signature mismatch")
		return domain.ErrUnauthorized
	}

	event := c.Request().Header.Get("X-GitHub-Event")
	if event == "ping" {
		return JSON(c, http.StatusOK, map[string]string{"status": "pong"})
	}

	var ev ghEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: decode %s event: %v", domain.ErrInvalidInput, event, err)
	}
	ctx := c.Request().Context()
	repo := ev.Repository.FullName

	switch event {
	case "issues":
		return s.onIssue(c, ev, repo)
	case "issue_comment":
		return s.onIssueComment(c, ev, repo)
	case "pull_request_review_comment":
		return s.onReviewComment(c, ev, repo)
	case "pull_request":
		if ev.Action != "opened" || ev.PullRequest == nil {
			return ignored(c, "pull request action "+ev.Action)
		}
		ok, err := s.correlatePullRequest(ctx, repo, ev.PullRequest)
		if err != nil {
			return err
		}
		return JSON(c, http.StatusOK, webhookResult{Correlated: ok})
	}
	return ignored(c, "unhandled event "+event)
}

func (s *Server) onIssue(c echo.Context, ev ghEvent, repo string) error {
	if ev.Issue == nil || ev.Issue.PullRequest != nil {
		return ignored(c, "not an issue")
	}

	switch ev.Action {
	case "opened":
		if s.cfg.TriggerLabel != "" && !hasLabel(ev.Issue.Labels, s.cfg.TriggerLabel) {
			return ignored(c, "issue lacks trigger label")
		}
	case "labeled":
		if s.cfg.TriggerLabel == "" || ev.Label == nil || !strings.EqualFold(ev.Label.Name, s.cfg.TriggerLabel) {
			return ignored(c, "label is not the trigger label")
		}
	default:
		return ignored(c, "issue action "+ev.Action)
	}

	labels := make([]string, 0, len(ev.Issue.Labels))
	for _, l := range ev.Issue.Labels {
		labels = append(labels, l.Name)
	}
	return s.enqueue(c, http.StatusAccepted, domain.JobIssueFix, domain.IssueFixPayload{
		Repo:   repo,
		Issue:  ev.Issue.Number,
		Title:  ev.Issue.Title,
		Body:   ev.Issue.Body,
		Labels: labels,
	})
}

func (s *Server) onIssueComment(c echo.Context, ev ghEvent, repo string) error {
	if ev.Action != "created" || ev.Issue == nil || ev.Comment == nil {
		return ignored(c, "comment action "+ev.Action)
	}
	if !s.mentions.ShouldTrigger(ev.Comment.Body, ev.Comment.User.Login) {
		return ignored(c, "comment does not trigger")
	}

	if ev.Issue.PullRequest != nil {
		return s.enqueue(c, http.StatusAccepted, domain.JobPRCommentRespond, domain.PRCommentPayload{
			Repo:          repo,
			PRNumber:      ev.Issue.Number,
			PRTitle:       ev.Issue.Title,
			PRBody:        ev.Issue.Body,
			CommentID:     ev.Comment.ID,
			CommentBody:   ev.Comment.Body,
			CommentAuthor: ev.Comment.User.Login,
			CommentType:   "issue_comment",
			CommentURL:    ev.Comment.HTMLURL,
		})
	}
	return s.enqueue(c, http.StatusAccepted, domain.JobIssueCommentRespond, domain.IssueCommentPayload{
		Repo:          repo,
		Issue:         ev.Issue.Number,
		IssueTitle:    ev.Issue.Title,
		IssueBody:     ev.Issue.Body,
		CommentID:     ev.Comment.ID,
		CommentBody:   ev.Comment.Body,
		CommentAuthor: ev.Comment.User.Login,
		CommentURL:    ev.Comment.HTMLURL,
	})
}

func (s *Server) onReviewComment(c echo.Context, ev ghEvent, repo string) error {
	if ev.Action != "created" || ev.PullRequest == nil || ev.Comment == nil {
		return ignored(c, "review comment action "+ev.Action)
	}
	if !s.mentions.ShouldTrigger(ev.Comment.Body, ev.Comment.User.Login) {
		return ignored(c, "comment does not trigger")
	}
	pr := ev.PullRequest
	return s.enqueue(c, http.StatusAccepted, domain.JobPRCommentRespond, domain.PRCommentPayload{
		Repo:          repo,
		PRNumber:      pr.Number,
		PRTitle:       pr.Title,
		PRBody:        pr.Body,
		PRBranch:      pr.Head.Ref,
		BaseRef:       pr.Base.Ref,
		CommentID:     ev.Comment.ID,
		CommentBody:   ev.Comment.Body,
		CommentAuthor: ev.Comment.User.Login,
		CommentType:   "review_comment",
		FilePath:      ev.Comment.Path,
		LineNumber:    ev.Comment.Line,
		CommentURL:    ev.Comment.HTMLURL,
	})
}

// correlatePullRequest links an opened pull request to the issue-fix job
// that produced it and announces it in that job's thread. It reports
// whether a job was found.
func (s *Server) correlatePullRequest(ctx context.Context, repo string, pr *ghPullRequest) (bool, error) {
	issue, ok := LinkedIssue(pr.Title, pr.Body)
	if !ok {
		return false, nil
	}

	job, err := s.jobs.FindIssueFixJob(ctx, repo, issue)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Debug("no issue-fix job for pull request", "repo", repo, "issue", issue, "pr", pr.Number)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	s.log.Info("pull request correlated", "job_id", job.ID, "repo", repo, "issue", issue, "pr", pr.Number)
	if job.ThreadRef != nil {
		text := fmt.Sprintf("Pull request opened: <%s|%s#%d> %s", pr.HTMLURL, repo, pr.Number, pr.Title)
		s.notifier.PostThreadedUpdate(ctx, *job.ThreadRef, text, notify.NotifySuccess)
	}
	return true, nil
}

func (s *Server) enqueue(c echo.Context, status int, jobType domain.JobType, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	created, err := s.intake.CreateAndEnqueueJob(c.Request().Context(), jobType, raw, "")
	if err != nil {
		return err
	}
	return JSON(c, status, webhookResult{JobID: created.JobID, EnqueuedJobID: created.EnqueuedJobID})
}

func hasLabel(labels []ghLabel, name string) bool {
	for _, l := range labels {
		if strings.EqualFold(l.Name, name) {
			return true
		}
	}
	return false
}
