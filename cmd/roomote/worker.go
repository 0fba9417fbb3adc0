package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/roomote-orchestrator/internal/worker"
)

var workerID string

func init() {
	workerCmd := &cobra.Command{
		Use:   "worker",
		Short: "Claim and run a single job, then exit",
		RunE:  runWorker,
	}
	workerCmd.Flags().StringVar(&workerID, "worker-id", "", "identifier assigned by the controller")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if workerID != "" {
		slog.SetDefault(slog.Default().With("worker_id", workerID))
	}
	ctx := cmd.Context()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	q, err := openQueue(ctx, cfg)
	if err != nil {
		return err
	}

	processor := newProcessor(cfg, store, newNotifier(cfg))
	outcome, err := worker.New(q, processor, slog.Default()).Run(ctx)
	if err != nil {
		return err
	}
	slog.Info("worker done", "outcome", outcome)
	return nil
}
