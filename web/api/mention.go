package api

import (
	"regexp"
	"strconv"
	"strings"
)

// MentionFilter decides whether a comment should start a job.
type MentionFilter struct {
	Mention  string
	BotLogin string
	// Disallowed are automation accounts whose comments never trigger.
	Disallowed []string
}

// ShouldTrigger reports whether body mentions the bot and author is not the
// bot itself or a disallowed account. Logins compare exactly, ignoring case.
func (f MentionFilter) ShouldTrigger(body, author string) bool {
	if f.Mention == "" || !strings.Contains(strings.ToLower(body), strings.ToLower(f.Mention)) {
		return false
	}
	if f.BotLogin != "" && strings.EqualFold(author, f.BotLogin) {
		return false
	}
	for _, login := range f.Disallowed {
		if strings.EqualFold(author, login) {
			return false
		}
	}
	return true
}

var linkedIssuePattern = regexp.MustCompile(`(?i)\b(?:fixes|closes|resolves)\s+#(\d+)`)

// LinkedIssue returns the issue number a pull request claims to fix, taken
// from its title first and then its body.
func LinkedIssue(title, body string) (int, bool) {
	for _, text := range []string{title, body} {
		if m := linkedIssuePattern.FindStringSubmatch(text); m != nil {
			n, err := strconv.Atoi(m[1])
			if err == nil && n > 0 {
				return n, true
			}
		}
	}
	return 0, false
}
