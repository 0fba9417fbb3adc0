package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
	"github.com/hochfrequenz/roomote-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/roomote-orchestrator/internal/prompts"
	"github.com/hochfrequenz/roomote-orchestrator/internal/runnerproto"
	"github.com/hochfrequenz/roomote-orchestrator/internal/workspace"
)

var (
	// ErrTaskAborted is recorded when the runner aborts a task.
	ErrTaskAborted = errors.New("task aborted")
	// ErrTaskTimedOut is recorded when a task outlives its budget.
	ErrTaskTimedOut = errors.New("task timed out")
)

// Job is a claimed unit of work.
type Job struct {
	ID      int64
	Type    domain.JobType
	Payload json.RawMessage
	OrgID   string
}

// Runner executes a task.
type Runner interface {
	RunTask(ctx context.Context, task orchestrator.Task) (*orchestrator.Result, error)
}

// ModeStore holds per-organization mode overrides.
type ModeStore interface {
	OrgModes(ctx context.Context, orgID string) (map[domain.JobType]string, error)
}

// Lifecycle receives status transitions.
type Lifecycle interface {
	Start(ctx context.Context, jobID int64, threadRef string) error
	Complete(ctx context.Context, jobID int64, result any) error
	Fail(ctx context.Context, jobID int64, cause error) error
}

// Config configures a Processor.
type Config struct {
	// DefaultModes maps job types to the mode used without an org override.
	DefaultModes  map[string]string
	DefaultBranch string
	// TaskBudget is only used to word the timeout error.
	TaskBudget time.Duration
	Overrides  map[string]any
}

// Deps are the collaborators of a Processor. Modes is optional.
type Deps struct {
	Prompts    *prompts.Loader
	Workspaces workspace.Resolver
	Modes      ModeStore
	Runner     Runner
	Lifecycle  Lifecycle
	Logger     *slog.Logger
}

// Processor runs jobs through the orchestrator.
type Processor struct {
	cfg        Config
	prompts    *prompts.Loader
	workspaces workspace.Resolver
	modes      ModeStore
	runner     Runner
	lifecycle  Lifecycle
	log        *slog.Logger
}

// New creates a Processor.
func New(cfg Config, deps Deps) *Processor {
	if cfg.DefaultBranch == "" {
		cfg.DefaultBranch = "main"
	}
	if cfg.TaskBudget <= 0 {
		cfg.TaskBudget = orchestrator.DefaultTimings().TaskBudget
	}
	loader := deps.Prompts
	if loader == nil {
		loader = prompts.NewLoader()
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Processor{
		cfg:        cfg,
		prompts:    loader,
		workspaces: deps.Workspaces,
		modes:      deps.Modes,
		runner:     deps.Runner,
		lifecycle:  deps.Lifecycle,
		log:        log.With("component", "handlers"),
	}
}

// ResolveMode returns the runner mode for jobType in orgID. Org overrides
// win; lookup failures fall back to the defaults.
func (p *Processor) ResolveMode(ctx context.Context, orgID string, jobType domain.JobType) string {
	if p.modes != nil && orgID != "" {
		modes, err := p.modes.OrgModes(ctx, orgID)
		if err != nil {
			p.log.Warn("org mode lookup failed, using defaults", "org_id", orgID, "error", err)
		} else if mode := modes[jobType]; mode != "" {
			return mode
		}
	}
	return p.cfg.DefaultModes[string(jobType)]
}

// Process runs job to completion. Any error is written to the job as a
// failure before it is returned.
func (p *Processor) Process(ctx context.Context, job Job) (*Output, error) {
	log := p.log.With("job_id", job.ID, "type", job.Type)

	out, err := p.run(ctx, log, job)
	if err != nil {
		log.Error("job failed", "error", err)
		if ferr := p.lifecycle.Fail(ctx, job.ID, err); ferr != nil {
			log.Error("failed to record job failure", "error", ferr)
		}
		return nil, err
	}

	res := out.Result
	switch {
	case res.Completed:
		if err := p.lifecycle.Complete(ctx, job.ID, out); err != nil {
			log.Error("failed to record job completion", "error", err)
		}
	case res.TimedOut:
		if err := p.lifecycle.Fail(ctx, job.ID, p.timeoutError()); err != nil {
			log.Error("failed to record job timeout", "error", err)
		}
	case res.Aborted:
		if err := p.lifecycle.Fail(ctx, job.ID, abortedError()); err != nil {
			log.Error("failed to record job abort", "error", err)
		}
	}
	return out, nil
}

func (p *Processor) run(ctx context.Context, log *slog.Logger, job Job) (*Output, error) {
	build, ok := builders[job.Type]
	if !ok {
		return nil, fmt.Errorf("%w: no handler for job type %q", domain.ErrInvalidInput, job.Type)
	}
	payload, err := domain.DecodePayload(job.Type, job.Payload)
	if err != nil {
		return nil, err
	}
	pl, err := build(p, job.ID, payload)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}
	mode := p.ResolveMode(ctx, job.OrgID, job.Type)
	log.Info("running task", "workspace", pl.Workspace, "mode", mode)

	out := pl.Output
	out.JobID = job.ID
	out.Type = job.Type
	out.Workspace = pl.Workspace

	res, err := p.runner.RunTask(ctx, orchestrator.Task{
		JobID:     job.ID,
		JobType:   job.Type,
		Payload:   job.Payload,
		Prompt:    pl.Prompt,
		Workspace: pl.Workspace,
		Mode:      mode,
		Overrides: p.cfg.Overrides,
		Callbacks: p.callbacks(log, job.ID, out),
	})
	if err != nil {
		return nil, err
	}
	out.Result = res
	return &out, nil
}

func (p *Processor) callbacks(log *slog.Logger, jobID int64, out Output) orchestrator.Callbacks {
	return orchestrator.Callbacks{
		OnTaskMessage: func(_ context.Context, msg runnerproto.TaskMessage) {
			log.Debug("runner message", "say", msg.Say, "ask", msg.Ask, "text", msg.Text)
		},
		OnTaskStarted: func(ctx context.Context, threadRef, runnerTaskID string) {
			if err := p.lifecycle.Start(ctx, jobID, threadRef); err != nil {
				log.Error("failed to record job start", "error", err)
			}
		},
		OnTaskAborted: func(ctx context.Context, _ string) {
			if err := p.lifecycle.Fail(ctx, jobID, abortedError()); err != nil {
				log.Error("failed to record job abort", "error", err)
			}
		},
		OnTaskTimedOut: func(ctx context.Context, _ string) {
			if err := p.lifecycle.Fail(ctx, jobID, p.timeoutError()); err != nil {
				log.Error("failed to record job timeout", "error", err)
			}
		},
		OnTaskCompleted: func(ctx context.Context, threadRef string, success bool, elapsed time.Duration, runnerTaskID string) {
			done := out
			done.Result = &orchestrator.Result{
				RunnerTaskID: runnerTaskID,
				ThreadRef:    threadRef,
				Completed:    success,
				Duration:     elapsed,
			}
			if err := p.lifecycle.Complete(ctx, jobID, done); err != nil {
				log.Error("failed to record job completion", "error", err)
			}
		},
		OnClientDisconnected: func(context.Context, string) {
			log.Warn("runner disconnected before the task finished")
		},
	}
}

func abortedError() error {
	return &domain.JobFailure{Err: ErrTaskAborted, Message: "Task was aborted"}
}

func (p *Processor) timeoutError() error {
	return &domain.JobFailure{
		Err:     fmt.Errorf("%w after %s", ErrTaskTimedOut, p.cfg.TaskBudget),
		Message: "Task timed out after " + notify.FormatDuration(p.cfg.TaskBudget),
	}
}
