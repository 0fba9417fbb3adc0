package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/hochfrequenz/roomote-orchestrator/internal/authtoken"
	"github.com/hochfrequenz/roomote-orchestrator/internal/bridge"
	"github.com/hochfrequenz/roomote-orchestrator/internal/config"
	"github.com/hochfrequenz/roomote-orchestrator/internal/dispatcher"
	"github.com/hochfrequenz/roomote-orchestrator/internal/handlers"
	"github.com/hochfrequenz/roomote-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
	"github.com/hochfrequenz/roomote-orchestrator/internal/orchestrator"
	"github.com/hochfrequenz/roomote-orchestrator/internal/prompts"
	"github.com/hochfrequenz/roomote-orchestrator/internal/queue"
	"github.com/hochfrequenz/roomote-orchestrator/internal/reconciler"
	"github.com/hochfrequenz/roomote-orchestrator/internal/workspace"
)

// forwardedEnv are passed on to containerised workers when set.
var forwardedEnv = []string{
	"DATABASE_URL",
	"REDIS_URL",
	"ROOMOTE_DATABASE_DRIVER",
	"ROOMOTE_AUTH_SECRET",
	"ROOMOTE_ANALYTICS_ENDPOINT",
	"ROOMOTE_FALLBACK_USER",
	"ROOMOTE_FALLBACK_ORG",
	"ROOMOTE_LOG_LEVEL",
	"ROOMOTE_TASK_BUDGET",
	"ROOMOTE_WORKSPACE_ROOT",
	"ROOMOTE_MODES",
	"SLACK_BOT_TOKEN",
}

func openStore(cfg *config.Config) (*jobstore.Store, error) {
	store, err := jobstore.New(cfg.General.DatabaseDriver, cfg.General.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("open job store: %w", err)
	}
	return store, nil
}

func openQueue(ctx context.Context, cfg *config.Config) (*queue.Queue, error) {
	return queue.Open(ctx, cfg.Queue.RedisURL, queue.Options{
		Name:       cfg.Queue.Name,
		Visibility: cfg.Queue.VisibilityTimeout.Std(),
		Logger:     slog.Default(),
	})
}

func newNotifier(cfg *config.Config) *notify.Notifier {
	if cfg.Slack.BotToken == "" {
		return notify.NewNotifier(notify.LogPoster{Logger: slog.Default()})
	}
	return notify.NewNotifier(notify.NewSlackPoster(cfg.Slack.APIURL, cfg.Slack.BotToken, cfg.Slack.Channel, slog.Default()))
}

func newIssuer(secret string, cfg *config.Config) *authtoken.Issuer {
	if secret == "" {
		return nil
	}
	return authtoken.NewIssuer(secret, cfg.Runner.TokenTTL.Std())
}

// newProcessor wires the handler chain a worker runs a job through.
func newProcessor(cfg *config.Config, store *jobstore.Store, notifier *notify.Notifier) *handlers.Processor {
	log := slog.Default()
	env := dispatcher.DetectEnvironment("", dispatcher.SystemHost())

	deps := orchestrator.Deps{
		Launcher: bridge.EditorLauncher{Binary: cfg.Runner.EditorBinary},
		Notifier: notifier,
		Jobs:     store,
		Git:      workspace.Git{},
		Logger:   log,
	}
	if issuer := newIssuer(cfg.Runner.AuthSecret, cfg); issuer != nil {
		deps.Tokens = issuer
	}

	timings := orchestrator.DefaultTimings()
	timings.TaskBudget = cfg.Runner.TaskBudget.Std()
	orch := orchestrator.New(orchestrator.Config{
		SocketDir:         cfg.Runner.SocketDir,
		LogDir:            cfg.General.LogDir,
		Container:         env != dispatcher.EnvBare,
		Notify:            cfg.Runner.Notify,
		AnalyticsEndpoint: cfg.Runner.AnalyticsEndpoint,
		Timings:           timings,
	}, deps)

	return handlers.New(handlers.Config{
		DefaultModes: cfg.Modes,
		TaskBudget:   timings.TaskBudget,
		Overrides:    cfg.Runner.Overrides,
	}, handlers.Deps{
		Prompts: prompts.DefaultLoader(cfg.Workspaces.Root),
		Workspaces: workspace.Resolver{
			Root:     cfg.Workspaces.Root,
			Registry: cfg.Workspaces.Registry,
		},
		Modes:     store,
		Runner:    orch,
		Lifecycle: reconciler.New(store, notifier, log),
		Logger:    log,
	})
}

// spawnSpec is the worker template the controller launches.
func spawnSpec(cfg *config.Config) (dispatcher.SpawnSpec, error) {
	binary := cfg.Dispatcher.Binary
	if binary == "" {
		self, err := os.Executable()
		if err != nil {
			return dispatcher.SpawnSpec{}, fmt.Errorf("locate roomote binary: %w", err)
		}
		binary = self
	}

	var env []string
	for _, key := range forwardedEnv {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}

	spec := dispatcher.SpawnSpec{
		Binary:    binary,
		Image:     cfg.Dispatcher.WorkerImage,
		Network:   cfg.Dispatcher.Network,
		Namespace: cfg.Dispatcher.Namespace,
		Env:       env,
	}
	if _, err := os.Stat(resolvedConfigPath()); err == nil {
		spec.ConfigPath = resolvedConfigPath()
	}
	return spec, nil
}
