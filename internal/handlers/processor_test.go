package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/roomote-orchestrator/internal/runnerproto"
	"github.com/hochfrequenz/roomote-orchestrator/internal/workspace"
)

// scriptedRunner records the task and replays a fixed outcome through the
// callbacks.
type scriptedRunner struct {
	task    orchestrator.Task
	outcome string
	err     error
}

func (r *scriptedRunner) RunTask(ctx context.Context, task orchestrator.Task) (*orchestrator.Result, error) {
	r.task = task
	cb := task.Callbacks
	cb.OnTaskStarted(ctx, "C1/1700.1", "rt-1")
	cb.OnTaskMessage(ctx, runnerproto.TaskMessage{Say: "text", Text: "working"})

	switch r.outcome {
	case "completed":
		cb.OnTaskCompleted(ctx, "C1/1700.1", true, time.Minute, "rt-1")
		return &orchestrator.Result{RunnerTaskID: "rt-1", ThreadRef: "C1/1700.1", Completed: true, Duration: time.Minute}, nil
	case "aborted":
		cb.OnTaskAborted(ctx, "C1/1700.1")
		return &orchestrator.Result{RunnerTaskID: "rt-1", Aborted: true}, nil
	case "timeout":
		cb.OnTaskTimedOut(ctx, "C1/1700.1")
		return &orchestrator.Result{RunnerTaskID: "rt-1", TimedOut: true}, nil
	}
	cb.OnClientDisconnected(ctx, "C1/1700.1")
	return nil, r.err
}

type lifecycleCall struct {
	op     string
	detail string
}

type recordingLifecycle struct {
	calls  []lifecycleCall
	causes []error
}

func (l *recordingLifecycle) Start(_ context.Context, _ int64, threadRef string) error {
	l.calls = append(l.calls, lifecycleCall{"start", threadRef})
	return nil
}

func (l *recordingLifecycle) Complete(_ context.Context, _ int64, result any) error {
	raw, _ := json.Marshal(result)
	l.calls = append(l.calls, lifecycleCall{"complete", string(raw)})
	return nil
}

func (l *recordingLifecycle) Fail(_ context.Context, _ int64, cause error) error {
	l.calls = append(l.calls, lifecycleCall{"fail", domain.FailureMessage(cause)})
	l.causes = append(l.causes, cause)
	return nil
}

func (l *recordingLifecycle) ops() []string {
	var out []string
	for _, c := range l.calls {
		out = append(out, c.op)
	}
	return out
}

type modeStore struct {
	modes map[domain.JobType]string
	err   error
}

func (m modeStore) OrgModes(context.Context, string) (map[domain.JobType]string, error) {
	return m.modes, m.err
}

func newProcessor(runner Runner, lc Lifecycle, modes ModeStore) *Processor {
	return New(Config{
		DefaultModes: map[string]string{
			"github.issue.fix":  "issue-fixer",
			"slack.app.mention": "code",
			"general.task":      "code",
		},
		TaskBudget: 30 * time.Minute,
	}, Deps{
		Workspaces: workspace.Resolver{
			Root:     "/roo/repos",
			Registry: map[string]string{"widgets": "/roo/repos/widgets"},
		},
		Modes:     modes,
		Runner:    runner,
		Lifecycle: lc,
	})
}

func issueFixJob() Job {
	return Job{
		ID:      42,
		Type:    domain.JobIssueFix,
		Payload: json.RawMessage(`{"repo":"acme/widgets","issue":42,"title":"Bug","body":"desc"}`),
		OrgID:   "org_1",
	}
}

func TestProcess_IssueFixCompletes(t *testing.T) {
	runner := &scriptedRunner{outcome: "completed"}
	lc := &recordingLifecycle{}
	p := newProcessor(runner, lc, nil)

	out, err := p.Process(context.Background(), issueFixJob())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if out.Repo != "acme/widgets" || out.Issue != 42 || out.JobID != 42 {
		t.Errorf("output does not echo identifying fields: %+v", out)
	}
	if out.Result == nil || !out.Result.Completed {
		t.Errorf("Result = %+v", out.Result)
	}

	task := runner.task
	if task.Workspace != "/roo/repos/widgets" {
		t.Errorf("Workspace = %q", task.Workspace)
	}
	if task.Mode != "issue-fixer" {
		t.Errorf("Mode = %q", task.Mode)
	}
	for _, want := range []string{"Issue #42: Bug", "## Command restrictions", "## Branch protection", "## Git workflow", "roomote/issue-42"} {
		if !strings.Contains(task.Prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}

	want := []string{"start", "complete", "complete"}
	if got := lc.ops(); fmt.Sprint(got) != fmt.Sprint(want) {
		t.Errorf("lifecycle = %v, want %v", got, want)
	}
	if lc.calls[0].detail != "C1/1700.1" {
		t.Errorf("start thread ref = %q", lc.calls[0].detail)
	}
	if !strings.Contains(lc.calls[1].detail, `"runnerTaskId":"rt-1"`) {
		t.Errorf("completion result = %s", lc.calls[1].detail)
	}
}

func TestProcess_AbortAndTimeoutFailTheJob(t *testing.T) {
	tests := []struct {
		outcome string
		wantErr string
		wantIs  error
	}{
		{"aborted", "Task was aborted", ErrTaskAborted},
		{"timeout", "Task timed out after 30 minutes", ErrTaskTimedOut},
	}

	for _, tt := range tests {
		t.Run(tt.outcome, func(t *testing.T) {
			lc := &recordingLifecycle{}
			p := newProcessor(&scriptedRunner{outcome: tt.outcome}, lc, nil)

			if _, err := p.Process(context.Background(), issueFixJob()); err != nil {
				t.Fatalf("Process() error = %v, want nil", err)
			}
			var fails int
			for _, c := range lc.calls {
				if c.op == "complete" {
					t.Errorf("job should not complete after %s", tt.outcome)
				}
				if c.op == "fail" {
					fails++
					if c.detail != tt.wantErr {
						t.Errorf("fail detail = %q, want %q", c.detail, tt.wantErr)
					}
				}
			}
			if fails == 0 {
				t.Error("job was never failed")
			}
			for _, cause := range lc.causes {
				if !errors.Is(cause, tt.wantIs) {
					t.Errorf("fail cause = %v, want %v", cause, tt.wantIs)
				}
				if strings.ContainsAny(cause.Error()[:1], "ABCDEFGHIJKLMNOPQRSTUVWXYZ") {
					t.Errorf("error value %q should start lowercase", cause)
				}
			}
		})
	}
}

func TestProcess_RunnerErrorIsRecordedAndReturned(t *testing.T) {
	boom := errors.New("client disconnected before task completion")
	lc := &recordingLifecycle{}
	p := newProcessor(&scriptedRunner{err: boom}, lc, nil)

	_, err := p.Process(context.Background(), issueFixJob())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	last := lc.calls[len(lc.calls)-1]
	if last.op != "fail" || last.detail != boom.Error() {
		t.Errorf("last lifecycle call = %+v", last)
	}
}

func TestProcess_InvalidPayloadFailsWithoutRunning(t *testing.T) {
	runner := &scriptedRunner{outcome: "completed"}
	lc := &recordingLifecycle{}
	p := newProcessor(runner, lc, nil)

	_, err := p.Process(context.Background(), Job{ID: 1, Type: domain.JobIssueFix, Payload: json.RawMessage(`{"repo":"a/b"}`)})
	if err == nil {
		t.Fatal("expected validation error")
	}
	if runner.task.Prompt != "" {
		t.Error("runner should not be called for an invalid payload")
	}
	if got := lc.ops(); len(got) != 1 || got[0] != "fail" {
		t.Errorf("lifecycle = %v, want [fail]", got)
	}
}

func TestProcess_SlackMentionWorkspace(t *testing.T) {
	tests := []struct {
		name      string
		workspace string
		want      string
	}{
		{"registry", "Widgets", "/roo/repos/widgets"},
		{"absolute path", "/srv/checkouts/api", "/srv/checkouts/api"},
		{"unknown falls back to root", "gadgets", "/roo/repos"},
		{"none", "", "/roo/repos"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &scriptedRunner{outcome: "completed"}
			p := newProcessor(runner, &recordingLifecycle{}, nil)

			payload, _ := json.Marshal(domain.SlackMentionPayload{
				Channel: "C1", User: "U1", Text: "<@B1> fix the build", TS: "1700.9", Workspace: tt.workspace,
			})
			out, err := p.Process(context.Background(), Job{ID: 5, Type: domain.JobSlackMention, Payload: payload})
			if err != nil {
				t.Fatal(err)
			}
			if runner.task.Workspace != tt.want {
				t.Errorf("Workspace = %q, want %q", runner.task.Workspace, tt.want)
			}
			if out.Channel != "C1" || out.ThreadTS != "1700.9" {
				t.Errorf("output = %+v", out)
			}
			if strings.Contains(runner.task.Prompt, "## Git workflow") {
				t.Error("chat mentions should not get the git workflow block")
			}
		})
	}
}

func TestResolveMode(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		modes ModeStore
		org   string
		typ   domain.JobType
		want  string
	}{
		{"no store", nil, "org_1", domain.JobIssueFix, "issue-fixer"},
		{"org override", modeStore{modes: map[domain.JobType]string{domain.JobIssueFix: "architect"}}, "org_1", domain.JobIssueFix, "architect"},
		{"override for other type", modeStore{modes: map[domain.JobType]string{domain.JobGeneralTask: "ask"}}, "org_1", domain.JobIssueFix, "issue-fixer"},
		{"lookup failure degrades", modeStore{err: errors.New("db down")}, "org_1", domain.JobIssueFix, "issue-fixer"},
		{"no org", modeStore{modes: map[domain.JobType]string{domain.JobIssueFix: "architect"}}, "", domain.JobIssueFix, "issue-fixer"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newProcessor(nil, nil, tt.modes)
			if got := p.ResolveMode(ctx, tt.org, tt.typ); got != tt.want {
				t.Errorf("ResolveMode() = %q, want %q", got, tt.want)
			}
		})
	}
}
