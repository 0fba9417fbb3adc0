package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/intake"
)

var enqueueOrg string

func init() {
	enqueueCmd := &cobra.Command{
		Use:   "enqueue TYPE PAYLOAD",
		Short: "Create and enqueue a job",
		Long: `Create a job and put it on the queue. PAYLOAD is a JSON object, @FILE to
read it from a file, or - to read it from stdin.`,
		Example: `  roomote enqueue general.task '{"description":"bump the go version","repo":"acme/widgets"}'
  roomote enqueue github.issue.fix @issue.json --org org_1`,
		Args: cobra.ExactArgs(2),
		RunE: runEnqueue,
	}
	enqueueCmd.Flags().StringVar(&enqueueOrg, "org", "", "organization (defaults to the fallback organization)")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	jobType, err := domain.ParseJobType(args[0])
	if err != nil {
		return err
	}
	payload, err := readPayload(args[1], cmd.InOrStdin())
	if err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
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
	defer q.Close()

	svc := intake.New(store, q, intake.Identity{
		FallbackUser: cfg.Identity.FallbackUser,
		FallbackOrg:  cfg.Identity.FallbackOrg,
	}, slog.Default())

	created, err := svc.CreateAndEnqueueJob(ctx, jobType, payload, enqueueOrg)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %d enqueued (message %s)\n", created.JobID, created.EnqueuedJobID)
	return nil
}

func readPayload(arg string, stdin io.Reader) (json.RawMessage, error) {
	var data []byte
	var err error
	switch {
	case arg == "-":
		data, err = io.ReadAll(stdin)
	case strings.HasPrefix(arg, "@"):
		data, err = os.ReadFile(arg[1:])
	default:
		data = []byte(arg)
	}
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if !json.Valid(data) {
		return nil, fmt.Errorf("payload is not valid JSON")
	}
	return json.RawMessage(data), nil
}
