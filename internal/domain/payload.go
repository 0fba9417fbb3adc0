package domain

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// IssueFixPayload asks the runner to fix a GitHub issue
type IssueFixPayload struct {
	Repo   string   `json:"repo" validate:"required"`
	Issue  int      `json:"issue" validate:"required,gt=0"`
	Title  string   `json:"title" validate:"required"`
	Body   string   `json:"body"`
	Labels []string `json:"labels,omitempty"`
}

// IssueCommentPayload responds to a mention in an issue comment
type IssueCommentPayload struct {
	Repo          string `json:"repo" validate:"required"`
	Issue         int    `json:"issue" validate:"required,gt=0"`
	IssueTitle    string `json:"issueTitle"`
	IssueBody     string `json:"issueBody"`
	CommentID     int64  `json:"commentId" validate:"required"`
	CommentBody   string `json:"commentBody" validate:"required"`
	CommentAuthor string `json:"commentAuthor" validate:"required"`
	CommentURL    string `json:"commentUrl,omitempty"`
}

// PRCommentPayload responds to a mention on a pull request
type PRCommentPayload struct {
	Repo          string `json:"repo" validate:"required"`
	PRNumber      int    `json:"prNumber" validate:"required,gt=0"`
	PRTitle       string `json:"prTitle"`
	PRBody        string `json:"prBody"`
	PRBranch      string `json:"prBranch"`
	BaseRef       string `json:"baseRef"`
	CommentID     int64  `json:"commentId" validate:"required"`
	CommentBody   string `json:"commentBody" validate:"required"`
	CommentAuthor string `json:"commentAuthor" validate:"required"`
	CommentType   string `json:"commentType" validate:"omitempty,oneof=issue_comment review_comment"`
	FilePath      string `json:"filePath,omitempty"`
	LineNumber    int    `json:"lineNumber,omitempty"`
	CommentURL    string `json:"commentUrl,omitempty"`
}

// SlackMentionPayload responds to an app mention in a chat channel
type SlackMentionPayload struct {
	Channel   string `json:"channel" validate:"required"`
	User      string `json:"user" validate:"required"`
	Text      string `json:"text" validate:"required"`
	TS        string `json:"ts" validate:"required"`
	ThreadTS  string `json:"threadTs,omitempty"`
	TeamID    string `json:"teamId,omitempty"`
	Workspace string `json:"workspace,omitempty"`
}

// GeneralTaskPayload runs a free-form task
type GeneralTaskPayload struct {
	Description string `json:"description" validate:"required"`
	Repo        string `json:"repo,omitempty"`
	Workspace   string `json:"workspace,omitempty"`
}

// Thread returns the thread the mention belongs to, or the mention itself
// when it was posted at the top level.
func (p SlackMentionPayload) Thread() string {
	if p.ThreadTS != "" {
		return p.ThreadTS
	}
	return p.TS
}

// DecodePayload unmarshals and validates raw into the payload type for t.
func DecodePayload(t JobType, raw []byte) (any, error) {
	var target any
	switch t {
	case JobIssueFix:
		target = &IssueFixPayload{}
	case JobIssueCommentRespond:
		target = &IssueCommentPayload{}
	case JobPRCommentRespond:
		target = &PRCommentPayload{}
	case JobSlackMention:
		target = &SlackMentionPayload{}
	case JobGeneralTask:
		target = &GeneralTaskPayload{}
	default:
		return nil, fmt.Errorf("%w: unknown job type %q", ErrInvalidInput, t)
	}

	if err := json.Unmarshal(raw, target); err != nil {
		return nil, fmt.Errorf("%w: decode %s payload: %v", ErrInvalidInput, t, err)
	}
	if err := ValidatePayload(target); err != nil {
		return nil, err
	}
	return target, nil
}

// ValidatePayload checks validator tags on a payload struct.
func ValidatePayload(p any) error {
	if err := validate.Struct(p); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			fe := verrs[0]
			return &ValidationError{
				Field:   fe.Field(),
				Message: fmt.Sprintf("failed on '%s' validation", fe.Tag()),
			}
		}
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}

// RepoAndIssue extracts the repository and issue (or PR) number a payload
// refers to. Zero values are returned for payloads without them.
func RepoAndIssue(t JobType, raw []byte) (string, int) {
	var ref struct {
		Repo     string `json:"repo"`
		Issue    int    `json:"issue"`
		PRNumber int    `json:"prNumber"`
	}
	if err := json.Unmarshal(raw, &ref); err != nil {
		return "", 0
	}
	if t == JobPRCommentRespond {
		return ref.Repo, ref.PRNumber
	}
	return ref.Repo, ref.Issue
}
