package main

import (
	"context"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/roomote-orchestrator/internal/intake"
	"github.com/hochfrequenz/roomote-orchestrator/web/api"
)

var servePort int

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve webhooks, the job API and metrics",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort > 0 {
		cfg.Web.Port = servePort
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}
	defer q.Close()

	deps := api.Deps{
		Jobs: store,
		Intake: intake.New(store, q, intake.Identity{
			FallbackUser: cfg.Identity.FallbackUser,
			FallbackOrg:  cfg.Identity.FallbackOrg,
		}, slog.Default()),
		Notifier: newNotifier(cfg),
		Logger:   slog.Default(),
	}
	if issuer := newIssuer(cfg.Web.APISecret, cfg); issuer != nil {
		deps.Tokens = issuer
	} else {
		slog.Warn("no API secret configured, the job API rejects every request")
	}

	server := api.NewServer(api.Config{
		Addr:               cfg.Web.Addr(),
		GitHubSecret:       cfg.GitHub.WebhookSecret,
		SlackSigningSecret: cfg.Slack.SigningSecret,
		Mention:            cfg.GitHub.Mention,
		BotLogin:           cfg.GitHub.BotLogin,
		IgnoredUsers:       cfg.GitHub.IgnoredAuthors,
		TriggerLabel:       cfg.GitHub.TriggerLabel,
	}, deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(server.Start)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
