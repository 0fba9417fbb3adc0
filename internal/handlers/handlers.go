// Package handlers turns a claimed job into a runner task: one prompt and
// workspace builder per job type, plus the processor that runs the task and
// reports every transition to the reconciler.
package handlers

import (
	"fmt"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/roomote-orchestrator/internal/prompts"
)

// Output is what a handler returns and what is stored as the job result:
// the fields identifying what the job worked on plus the task result.
type Output struct {
	JobID     int64                `json:"jobId"`
	Type      domain.JobType       `json:"type"`
	Repo      string               `json:"repo,omitempty"`
	Issue     int                  `json:"issue,omitempty"`
	PRNumber  int                  `json:"prNumber,omitempty"`
	CommentID int64                `json:"commentId,omitempty"`
	Channel   string               `json:"channel,omitempty"`
	ThreadTS  string               `json:"threadTs,omitempty"`
	Workspace string               `json:"workspace,omitempty"`
	Result    *orchestrator.Result `json:"result"`
}

// plan is a built task, ready for the orchestrator.
type plan struct {
	Prompt    string
	Workspace string
	Output    Output
}

type builder func(p *Processor, jobID int64, payload any) (plan, error)

var builders = map[domain.JobType]builder{
	domain.JobIssueFix:            buildIssueFix,
	domain.JobIssueCommentRespond: buildIssueComment,
	domain.JobPRCommentRespond:    buildPRComment,
	domain.JobSlackMention:        buildSlackMention,
	domain.JobGeneralTask:         buildGeneralTask,
}

func buildIssueFix(p *Processor, jobID int64, payload any) (plan, error) {
	v := payload.(*domain.IssueFixPayload)
	prompt, err := p.prompts.BuildTaskPrompt(domain.JobIssueFix, v, p.blocks(fmt.Sprintf("roomote/issue-%d", v.Issue), v.Issue))
	if err != nil {
		return plan{}, err
	}
	return plan{
		Prompt:    prompt,
		Workspace: p.workspaces.ForRepo(v.Repo),
		Output:    Output{Repo: v.Repo, Issue: v.Issue},
	}, nil
}

func buildIssueComment(p *Processor, jobID int64, payload any) (plan, error) {
	v := payload.(*domain.IssueCommentPayload)
	branch := fmt.Sprintf("roomote/issue-%d-comment-%d", v.Issue, v.CommentID)
	prompt, err := p.prompts.BuildTaskPrompt(domain.JobIssueCommentRespond, v, p.blocks(branch, v.Issue))
	if err != nil {
		return plan{}, err
	}
	return plan{
		Prompt:    prompt,
		Workspace: p.workspaces.ForRepo(v.Repo),
		Output:    Output{Repo: v.Repo, Issue: v.Issue, CommentID: v.CommentID},
	}, nil
}

func buildPRComment(p *Processor, jobID int64, payload any) (plan, error) {
	v := payload.(*domain.PRCommentPayload)
	blocks := p.blocks(v.PRBranch, 0)
	if v.BaseRef != "" {
		blocks.DefaultBranch = v.BaseRef
	}
	prompt, err := p.prompts.BuildTaskPrompt(domain.JobPRCommentRespond, v, blocks)
	if err != nil {
		return plan{}, err
	}
	return plan{
		Prompt:    prompt,
		Workspace: p.workspaces.ForRepo(v.Repo),
		Output:    Output{Repo: v.Repo, PRNumber: v.PRNumber, CommentID: v.CommentID},
	}, nil
}

func buildSlackMention(p *Processor, jobID int64, payload any) (plan, error) {
	v := payload.(*domain.SlackMentionPayload)
	prompt, err := p.prompts.BuildTaskPrompt(domain.JobSlackMention, v, p.blocks(fmt.Sprintf("roomote/job-%d", jobID), 0))
	if err != nil {
		return plan{}, err
	}
	return plan{
		Prompt:    prompt,
		Workspace: p.workspaces.Resolve(v.Workspace, ""),
		Output:    Output{Channel: v.Channel, ThreadTS: v.Thread()},
	}, nil
}

func buildGeneralTask(p *Processor, jobID int64, payload any) (plan, error) {
	v := payload.(*domain.GeneralTaskPayload)
	prompt, err := p.prompts.BuildTaskPrompt(domain.JobGeneralTask, v, p.blocks(fmt.Sprintf("roomote/job-%d", jobID), 0))
	if err != nil {
		return plan{}, err
	}
	return plan{
		Prompt:    prompt,
		Workspace: p.workspaces.Resolve(v.Workspace, v.Repo),
		Output:    Output{Repo: v.Repo},
	}, nil
}

func (p *Processor) blocks(branch string, issue int) prompts.BlockData {
	return prompts.BlockData{DefaultBranch: p.cfg.DefaultBranch, Branch: branch, Issue: issue}
}
