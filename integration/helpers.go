//go:build integration

package integration

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/roomote-orchestrator/internal/bridge/bridgetest"
	"github.com/hochfrequenz/roomote-orchestrator/internal/config"
	"github.com/hochfrequenz/roomote-orchestrator/internal/handlers"
	"github.com/hochfrequenz/roomote-orchestrator/internal/intake"
	"github.com/hochfrequenz/roomote-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
	"github.com/hochfrequenz/roomote-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/roomote-orchestrator/internal/queue"
	"github.com/hochfrequenz/roomote-orchestrator/internal/reconciler"
	"github.com/hochfrequenz/roomote-orchestrator/internal/worker"
	"github.com/hochfrequenz/roomote-orchestrator/internal/workspace"
)

// TempDBPath creates a temporary database path for testing
func TempDBPath(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	return filepath.Join(dir, "test.db")
}

// SocketDir returns a short temp dir so unix socket paths stay under the
// platform length limit
func SocketDir(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ri")
	if err != nil {
		t.Fatalf("Failed to create socket dir: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

// FastTimings keeps runner polling short
func FastTimings() orchestrator.Timings {
	return orchestrator.Timings{
		SocketPoll:      10 * time.Millisecond,
		SocketTimeout:   2 * time.Second,
		ReadyWait:       500 * time.Millisecond,
		ConnectAttempts: 3,
		TerminalPoll:    10 * time.Millisecond,
		TaskBudget:      5 * time.Second,
		CancelGrace:     20 * time.Millisecond,
		CloseGrace:      20 * time.Millisecond,
		ExitTimeout:     500 * time.Millisecond,
	}
}

// Poster records chat messages and answers with a fixed timestamp
type Poster struct {
	mu   sync.Mutex
	TS   string
	msgs []notify.Message
}

func (p *Poster) PostMessage(_ context.Context, msg notify.Message) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msg)
	return p.TS
}

// Messages returns a copy of everything posted so far
func (p *Poster) Messages() []notify.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]notify.Message(nil), p.msgs...)
}

// Pipeline is the full job path: intake, queue, worker, handlers,
// orchestrator and reconciler, backed by sqlite and miniredis
type Pipeline struct {
	Store    *jobstore.Store
	Queue    *queue.Queue
	Intake   *intake.Service
	Launcher *bridgetest.Launcher
	Poster   *Poster
	Redis    *mrd.Miniredis

	processor *handlers.Processor
}

// NewPipeline wires a pipeline whose editor is a fake runner driven by h
func NewPipeline(t *testing.T, h bridgetest.Handler) *Pipeline {
	t.Helper()
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	store, err := jobstore.New("sqlite", TempDBPath(t))
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mr := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	q := queue.New(rdb, queue.Options{Name: "integration", Visibility: time.Minute, Logger: log})

	poster := &Poster{TS: "1700.9"}
	notifier := notify.NewNotifier(poster)
	launcher := &bridgetest.Launcher{Handler: h}
	timings := FastTimings()

	orch := orchestrator.New(orchestrator.Config{
		SocketDir: SocketDir(t),
		LogDir:    t.TempDir(),
		Notify:    true,
		Timings:   timings,
	}, orchestrator.Deps{
		Launcher: launcher,
		Notifier: notifier,
		Jobs:     store,
		Logger:   log,
	})

	processor := handlers.New(handlers.Config{
		DefaultModes: config.DefaultModes(),
		TaskBudget:   timings.TaskBudget,
	}, handlers.Deps{
		Workspaces: workspace.Resolver{Root: t.TempDir()},
		Modes:      store,
		Runner:     orch,
		Lifecycle:  reconciler.New(store, notifier, log),
		Logger:     log,
	})

	return &Pipeline{
		Store: store,
		Queue: q,
		Intake: intake.New(store, q, intake.Identity{
			FallbackUser: "u_fallback",
			FallbackOrg:  "org_fallback",
		}, log),
		Launcher:  launcher,
		Poster:    poster,
		Redis:     mr,
		processor: processor,
	}
}

// Work runs one worker to completion
func (p *Pipeline) Work(ctx context.Context) (worker.Outcome, error) {
	return worker.New(p.Queue, p.processor, slog.Default()).Run(ctx)
}
