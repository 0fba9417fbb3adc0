package domain

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// IsTerminal reports whether no further transition is allowed
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Nothing ever moves back to pending.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing || next.IsTerminal()
	case StatusProcessing:
		return next == StatusProcessing || next.IsTerminal()
	default:
		return false
	}
}

// JobType identifies what kind of automation a job performs
type JobType string

const (
	JobIssueFix            JobType = "github.issue.fix"
	JobIssueCommentRespond JobType = "github.issue.comment.respond"
	JobPRCommentRespond    JobType = "github.pr.comment.respond"
	JobSlackMention        JobType = "slack.app.mention"
	JobGeneralTask         JobType = "general.task"
)

// JobTypes lists every known job type
var JobTypes = []JobType{
	JobIssueFix,
	JobIssueCommentRespond,
	JobPRCommentRespond,
	JobSlackMention,
	JobGeneralTask,
}

// Valid reports whether t is one of the known job types
func (t JobType) Valid() bool {
	for _, known := range JobTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParseJobType converts a string into a JobType
func ParseJobType(s string) (JobType, error) {
	t := JobType(s)
	if !t.Valid() {
		return "", &ValidationError{Field: "type", Message: "unknown job type " + s}
	}
	return t, nil
}
