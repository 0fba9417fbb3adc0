// Package orchestrator drives one job through an editor task runner: it
// launches the editor, connects over IPC, starts the task, follows its
// lifecycle events under a wall-clock budget and always tears the editor
// down again.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hochfrequenz/roomote-orchestrator/internal/authtoken"
	"github.com/hochfrequenz/roomote-orchestrator/internal/bridge"
	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/metrics"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
	"github.com/hochfrequenz/roomote-orchestrator/internal/runnerproto"
)

// Fatal execution errors. RunTask returns no other errors once the editor
// has been launched.
var (
	ErrSocketTimeout      = bridge.ErrSocketTimeout
	ErrConnectFailed      = bridge.ErrConnectFailed
	ErrClientDisconnected = errors.New("client disconnected before task completion")
)

// Environment variables handed to the editor
const (
	EnvAuthToken         = "ROO_CODE_CLOUD_TOKEN"
	EnvAnalyticsEndpoint = "ROO_CODE_ANALYTICS_URL"
)

// Timings are the polling intervals, budgets and grace periods of RunTask.
type Timings struct {
	SocketPoll      time.Duration
	SocketTimeout   time.Duration
	ReadyWait       time.Duration
	ConnectAttempts int
	TerminalPoll    time.Duration
	TaskBudget      time.Duration
	CancelGrace     time.Duration
	CloseGrace      time.Duration
	ExitTimeout     time.Duration
}

// DefaultTimings returns the production timings.
func DefaultTimings() Timings {
	return Timings{
		SocketPoll:      250 * time.Millisecond,
		SocketTimeout:   10 * time.Second,
		ReadyWait:       time.Second,
		ConnectAttempts: 5,
		TerminalPoll:    time.Second,
		TaskBudget:      30 * time.Minute,
		CancelGrace:     5 * time.Second,
		CloseGrace:      2 * time.Second,
		ExitTimeout:     10 * time.Second,
	}
}

// Overhead is the longest RunTask can spend outside the task budget,
// excluding the git pull.
func (t Timings) Overhead() time.Duration {
	return t.SocketTimeout +
		time.Duration(t.ConnectAttempts)*t.ReadyWait +
		t.CancelGrace + t.CloseGrace + t.ExitTimeout
}

// Callbacks receive lifecycle transitions. Every callback is optional and
// runs on the event consumer, one at a time, in event order.
type Callbacks struct {
	OnTaskMessage        func(ctx context.Context, msg runnerproto.TaskMessage)
	OnTaskStarted        func(ctx context.Context, threadRef, runnerTaskID string)
	OnTaskAborted        func(ctx context.Context, threadRef string)
	OnTaskTimedOut       func(ctx context.Context, threadRef string)
	OnTaskCompleted      func(ctx context.Context, threadRef string, success bool, elapsed time.Duration, runnerTaskID string)
	OnClientDisconnected func(ctx context.Context, threadRef string)
}

// Task is one unit of work for the runner.
type Task struct {
	JobID     int64
	JobType   domain.JobType
	Payload   json.RawMessage
	Prompt    string
	Workspace string
	Mode      string
	// Overrides are merged over the baseline runner configuration.
	Overrides map[string]any
	Callbacks Callbacks
}

// Result summarises a finished RunTask.
type Result struct {
	RunnerTaskID string        `json:"runnerTaskId,omitempty"`
	ThreadRef    string        `json:"threadRef,omitempty"`
	Completed    bool          `json:"completed"`
	Aborted      bool          `json:"aborted"`
	TimedOut     bool          `json:"timedOut"`
	Duration     time.Duration `json:"duration"`
}

// JobReader reads persisted jobs.
type JobReader interface {
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
}

// TokenMinter mints runner auth tokens.
type TokenMinter interface {
	Mint(tokenType, userID, orgID string, jobID int64) (string, error)
}

// GitPuller refreshes a checkout.
type GitPuller interface {
	Pull(ctx context.Context, dir string) error
}

// Config configures an Orchestrator.
type Config struct {
	SocketDir         string
	LogDir            string
	Container         bool
	Notify            bool
	AnalyticsEndpoint string
	Timings           Timings
}

// Deps are the collaborators of an Orchestrator. Jobs, Tokens and Git are
// optional.
type Deps struct {
	Launcher bridge.Launcher
	Notifier *notify.Notifier
	Jobs     JobReader
	Tokens   TokenMinter
	Git      GitPuller
	Logger   *slog.Logger
}

// Orchestrator runs tasks. It holds no per-task state and may run several
// tasks concurrently.
type Orchestrator struct {
	cfg      Config
	launcher bridge.Launcher
	notifier *notify.Notifier
	jobs     JobReader
	tokens   TokenMinter
	git      GitPuller
	log      *slog.Logger
}

// New creates an Orchestrator. Zero timings take their defaults.
func New(cfg Config, deps Deps) *Orchestrator {
	cfg.Timings = withDefaults(cfg.Timings)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	notifier := deps.Notifier
	if notifier == nil {
		notifier = notify.NewNotifier(nil)
	}
	return &Orchestrator{
		cfg:      cfg,
		launcher: deps.Launcher,
		notifier: notifier,
		jobs:     deps.Jobs,
		tokens:   deps.Tokens,
		git:      deps.Git,
		log:      log.With("component", "orchestrator"),
	}
}

func withDefaults(t Timings) Timings {
	d := DefaultTimings()
	if t.SocketPoll <= 0 {
		t.SocketPoll = d.SocketPoll
	}
	if t.SocketTimeout <= 0 {
		t.SocketTimeout = d.SocketTimeout
	}
	if t.ReadyWait <= 0 {
		t.ReadyWait = d.ReadyWait
	}
	if t.ConnectAttempts <= 0 {
		t.ConnectAttempts = d.ConnectAttempts
	}
	if t.TerminalPoll <= 0 {
		t.TerminalPoll = d.TerminalPoll
	}
	if t.TaskBudget <= 0 {
		t.TaskBudget = d.TaskBudget
	}
	if t.CancelGrace <= 0 {
		t.CancelGrace = d.CancelGrace
	}
	if t.CloseGrace <= 0 {
		t.CloseGrace = d.CloseGrace
	}
	if t.ExitTimeout <= 0 {
		t.ExitTimeout = d.ExitTimeout
	}
	return t
}

// RunTask executes task and returns once the editor is torn down. It fails
// when the runner socket never appears, when no IPC session becomes ready,
// or when the runner disconnects before the task finished. A task that
// runs past its budget is cancelled and reported as timed out without an
// error.
func (o *Orchestrator) RunTask(ctx context.Context, task Task) (*Result, error) {
	log, output, release := o.jobLogger(task.JobID)
	defer release()

	t := o.cfg.Timings
	socketPath := bridge.SocketPath(o.cfg.SocketDir)
	log = log.With("socket", socketPath)
	env := o.environment(ctx, log, task.JobID, socketPath)

	if task.Workspace != "" && o.git != nil {
		if err := o.git.Pull(ctx, task.Workspace); err != nil {
			log.Warn("git pull failed, continuing with current checkout", "workspace", task.Workspace, "error", err)
		}
	}

	procCtx, cancelProc := context.WithCancel(ctx)
	proc, err := o.launcher.Launch(procCtx, bridge.LaunchSpec{
		Workspace: task.Workspace,
		Env:       env,
		Container: o.cfg.Container,
		Stdout:    output,
		Stderr:    output,
	})
	if err != nil {
		cancelProc()
		return nil, fmt.Errorf("launch editor: %w", err)
	}
	log.Info("editor launched", "pid", proc.Pid(), "workspace", task.Workspace, "container", o.cfg.Container)
	defer o.terminate(log, cancelProc, proc)

	if err := bridge.WaitForSocket(ctx, socketPath, t.SocketPoll, t.SocketTimeout); err != nil {
		log.Error("runner socket never appeared", "error", err)
		return nil, err
	}

	client, err := bridge.Connect(ctx, socketPath, t.ConnectAttempts, t.ReadyWait, log)
	if err != nil {
		log.Error("could not connect to runner", "error", err)
		return nil, err
	}

	s := &session{}
	consumed := make(chan struct{})
	go func() {
		defer close(consumed)
		for ev := range client.Events() {
			o.handleEvent(ctx, log, s, task, ev)
		}
		s.update(func(st *sessionState) { st.disconnected = true })
	}()
	defer func() {
		client.Disconnect()
		select {
		case <-consumed:
		case <-time.After(t.CloseGrace):
			log.Warn("event consumer still busy after disconnect")
		}
	}()

	err = client.StartNewTask(runnerproto.StartNewTaskCommand{
		Configuration: runnerproto.MergeConfiguration(task.Overrides, task.Mode),
		Text:          task.Prompt,
	})
	if err != nil {
		log.Error("failed to send start command", "error", err)
	}

	timedOut, err := o.waitTerminal(ctx, s)
	if err != nil {
		return nil, err
	}

	if timedOut {
		o.timeout(ctx, log, s, task, client)
	} else if st := s.snapshot(); st.finishedAt.IsZero() && st.abortedAt.IsZero() {
		log.Error("client disconnected before task finished")
		o.notifier.PostThreadedUpdate(ctx, st.threadRef, "Lost connection to the task runner before the task finished", notify.NotifyCritical)
		if cb := task.Callbacks.OnClientDisconnected; cb != nil {
			cb(ctx, st.threadRef)
		}
		return nil, ErrClientDisconnected
	}

	st := s.snapshot()
	if st.runnerTaskID != "" && client.IsConnected() {
		if err := client.CloseTask(st.runnerTaskID); err != nil {
			log.Warn("close task failed", "error", err)
		} else {
			sleep(ctx, t.CloseGrace)
		}
	}
	if client.IsConnected() {
		client.Disconnect()
	}

	st = s.snapshot()
	res := &Result{
		RunnerTaskID: st.runnerTaskID,
		ThreadRef:    st.threadRef,
		Completed:    !st.finishedAt.IsZero() && !st.timedOut,
		Aborted:      !st.abortedAt.IsZero(),
		TimedOut:     st.timedOut,
		Duration:     st.elapsed(st.finishedAt),
	}
	log.Info("task finished", "completed", res.Completed, "aborted", res.Aborted, "timed_out", res.TimedOut, "duration", res.Duration)
	return res, nil
}

// environment builds the editor's variables. Auth is best effort.
func (o *Orchestrator) environment(ctx context.Context, log *slog.Logger, jobID int64, socketPath string) map[string]string {
	env := map[string]string{bridge.SocketEnv: socketPath}
	if jobID <= 0 || o.jobs == nil || o.tokens == nil {
		return env
	}

	job, err := o.jobs.GetJob(ctx, jobID)
	if err != nil {
		log.Warn("cannot load job owner, running without auth", "error", err)
		return env
	}
	token, err := o.tokens.Mint(authtoken.TypeRunner, job.UserID, job.OrgID, job.ID)
	if err != nil {
		log.Warn("cannot mint runner token, running without auth", "error", err)
		return env
	}
	env[EnvAuthToken] = token
	if o.cfg.AnalyticsEndpoint != "" {
		env[EnvAnalyticsEndpoint] = o.cfg.AnalyticsEndpoint
	}
	return env
}

func (o *Orchestrator) handleEvent(ctx context.Context, log *slog.Logger, s *session, task Task, ev bridge.Event) {
	log.Info("runner event", "type", ev.Type, "runner_task_id", ev.TaskID)
	cb := task.Callbacks

	switch ev.Type {
	case runnerproto.TypeMessage:
		if ev.Message == nil || ev.Message.Partial {
			return
		}
		if cb.OnTaskMessage != nil {
			cb.OnTaskMessage(ctx, *ev.Message)
		}

	case runnerproto.TypeTaskStarted:
		s.update(func(st *sessionState) {
			st.startedAt = time.Now()
			st.runnerTaskID = ev.TaskID
		})
		var threadRef string
		if o.cfg.Notify {
			threadRef = o.notifier.PostTaskStarted(ctx, task.JobID, task.JobType, task.Payload)
			s.update(func(st *sessionState) { st.threadRef = threadRef })
		}
		if cb.OnTaskStarted != nil {
			cb.OnTaskStarted(ctx, threadRef, ev.TaskID)
		}

	case runnerproto.TypeTaskAborted:
		s.update(func(st *sessionState) { st.abortedAt = time.Now() })
		st := s.snapshot()
		o.notifier.PostThreadedUpdate(ctx, st.threadRef, "Task was aborted", notify.NotifyWarning)
		if cb.OnTaskAborted != nil {
			cb.OnTaskAborted(ctx, st.threadRef)
		}
		metrics.TaskDuration.WithLabelValues(string(task.JobType), "aborted").Observe(st.elapsed(st.abortedAt).Seconds())

	case runnerproto.TypeTaskCompleted:
		s.update(func(st *sessionState) {
			if st.finishedAt.IsZero() {
				st.finishedAt = time.Now()
			}
		})
		st := s.snapshot()
		elapsed := st.elapsed(st.finishedAt)
		o.notifier.PostTaskCompleted(ctx, st.threadRef, true, elapsed)
		taskID := ev.TaskID
		if taskID == "" {
			taskID = st.runnerTaskID
		}
		if cb.OnTaskCompleted != nil {
			cb.OnTaskCompleted(ctx, st.threadRef, true, elapsed, taskID)
		}
		metrics.TaskDuration.WithLabelValues(string(task.JobType), "completed").Observe(elapsed.Seconds())

	case bridge.EventDisconnect:
		s.update(func(st *sessionState) { st.disconnected = true })
	}
}

// waitTerminal polls until the task finished, aborted or disconnected. It
// reports true when the budget ran out first.
func (o *Orchestrator) waitTerminal(ctx context.Context, s *session) (bool, error) {
	t := o.cfg.Timings
	ticker := time.NewTicker(t.TerminalPoll)
	defer ticker.Stop()
	budget := time.NewTimer(t.TaskBudget)
	defer budget.Stop()

	for {
		if s.snapshot().terminal() {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-budget.C:
			if s.snapshot().terminal() {
				return false, nil
			}
			return true, nil
		case <-ticker.C:
		}
	}
}

func (o *Orchestrator) timeout(ctx context.Context, log *slog.Logger, s *session, task Task, client *bridge.Client) {
	t := o.cfg.Timings
	s.update(func(st *sessionState) { st.timedOut = true })
	st := s.snapshot()
	log.Warn("task timed out", "budget", t.TaskBudget)

	o.notifier.PostThreadedUpdate(ctx, st.threadRef, "Task timed out after "+notify.FormatDuration(t.TaskBudget), notify.NotifyError)
	if cb := task.Callbacks.OnTaskTimedOut; cb != nil {
		cb(ctx, st.threadRef)
	}

	if st.runnerTaskID != "" && client.IsConnected() {
		if err := client.CancelTask(st.runnerTaskID); err != nil {
			log.Warn("cancel task failed", "error", err)
		} else {
			sleep(ctx, t.CancelGrace)
		}
	}

	now := time.Now()
	s.update(func(st *sessionState) { st.finishedAt = now })
	metrics.TaskDuration.WithLabelValues(string(task.JobType), "timed_out").Observe(st.elapsed(now).Seconds())
}

// terminate cancels the editor and kills it if it outlives the exit timeout.
func (o *Orchestrator) terminate(log *slog.Logger, cancel context.CancelFunc, proc bridge.Process) {
	cancel()

	timer := time.NewTimer(o.cfg.Timings.ExitTimeout)
	defer timer.Stop()
	select {
	case <-proc.Done():
		log.Info("editor exited")
	case <-timer.C:
		log.Warn("editor did not exit in time, killing", "pid", proc.Pid())
		if err := proc.Kill(); err != nil {
			log.Error("failed to kill editor", "pid", proc.Pid(), "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
