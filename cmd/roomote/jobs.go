package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
)

var (
	pendingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("244"))
	processingStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("214"))
	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))
	failedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))
	labelStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39"))
)

var (
	jobsStatus string
	jobsType   string
	jobsOrg    string
	jobsRepo   string
	jobsLimit  int
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect persisted jobs",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		RunE:  runJobsList,
	}
	listCmd.Flags().StringVar(&jobsStatus, "status", "", "filter by status")
	listCmd.Flags().StringVar(&jobsType, "type", "", "filter by job type")
	listCmd.Flags().StringVar(&jobsOrg, "org", "", "filter by organization")
	listCmd.Flags().StringVar(&jobsRepo, "repo", "", "filter by repository")
	listCmd.Flags().IntVar(&jobsLimit, "limit", 20, "maximum number of jobs")
	jobsCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show ID",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsShow,
	}
	jobsCmd.AddCommand(showCmd)

	rootCmd.AddCommand(jobsCmd)
}

func runJobsList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	f := domain.JobFilter{
		Status: domain.JobStatus(jobsStatus),
		OrgID:  jobsOrg,
		Repo:   jobsRepo,
		Limit:  jobsLimit,
	}
	if jobsType != "" {
		if f.Type, err = domain.ParseJobType(jobsType); err != nil {
			return err
		}
	}

	jobs, err := store.FindJobs(cmd.Context(), f)
	if err != nil {
		return err
	}
	if len(jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}
	renderJobs(os.Stdout, jobs, time.Now())
	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid job id %q", args[0])
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	job, err := store.GetJob(cmd.Context(), id)
	if err != nil {
		return err
	}
	renderJob(os.Stdout, job, time.Now())
	return nil
}

func renderJobs(w io.Writer, jobs []*domain.Job, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tSUMMARY\tCREATED\tDURATION")
	for _, j := range jobs {
		summary, _ := notify.TaskSummary(j.Type, j.Payload)
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			j.ID,
			j.Type,
			statusStyle(j.Status).Render(string(j.Status)),
			truncate(summary, 50),
			humanize.RelTime(j.CreatedAt, now, "ago", "from now"),
			jobDuration(j),
		)
	}
	tw.Flush()
}

func renderJob(w io.Writer, j *domain.Job, now time.Time) {
	field := func(label, value string) {
		fmt.Fprintf(w, "%s %s\n", labelStyle.Render(fmt.Sprintf("%-10s", label)), value)
	}
	summary, _ := notify.TaskSummary(j.Type, j.Payload)

	field("Job", strconv.FormatInt(j.ID, 10))
	field("Type", string(j.Type))
	field("Status", statusStyle(j.Status).Render(string(j.Status)))
	field("Summary", summary)
	field("Org", j.OrgID)
	field("User", j.UserID)
	field("Created", humanize.RelTime(j.CreatedAt, now, "ago", "from now"))
	if j.StartedAt != nil {
		field("Started", humanize.RelTime(*j.StartedAt, now, "ago", "from now"))
	}
	if j.CompletedAt != nil {
		field("Finished", humanize.RelTime(*j.CompletedAt, now, "ago", "from now"))
		field("Duration", jobDuration(j))
	}
	if j.ThreadRef != nil {
		field("Thread", *j.ThreadRef)
	}
	if j.Error != nil {
		field("Error", failedStyle.Render(*j.Error))
	}
	if len(j.Result) > 0 {
		var pretty any
		if err := json.Unmarshal(j.Result, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			field("Result", "\n"+string(out))
		}
	}
	field("Payload", string(j.Payload))
}

func statusStyle(s domain.JobStatus) lipgloss.Style {
	switch s {
	case domain.StatusProcessing:
		return processingStyle
	case domain.StatusCompleted:
		return completedStyle
	case domain.StatusFailed:
		return failedStyle
	default:
		return pendingStyle
	}
}

func jobDuration(j *domain.Job) string {
	if j.StartedAt == nil {
		return "-"
	}
	return notify.FormatDuration(j.Duration())
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
