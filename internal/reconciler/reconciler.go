// Package reconciler is the single writer of job lifecycle fields. Every
// status change a worker observes goes through it as a narrow, additive
// update.
package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/metrics"
	"github.com/hochfrequenz/roomote-orchestrator/internal/notify"
)

// Store is the persistence the reconciler writes through.
type Store interface {
	GetJob(ctx context.Context, id int64) (*domain.Job, error)
	UpdateJobStatus(ctx context.Context, id int64, status domain.JobStatus, upd domain.StatusUpdate) error
}

// Reconciler writes job status transitions.
type Reconciler struct {
	store    Store
	notifier *notify.Notifier
	log      *slog.Logger
}

// New creates a Reconciler. notifier may be nil.
func New(store Store, notifier *notify.Notifier, log *slog.Logger) *Reconciler {
	if notifier == nil {
		notifier = notify.NewNotifier(nil)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Reconciler{store: store, notifier: notifier, log: log.With("component", "reconciler")}
}

// Start moves the job to processing and records the thread reference, if any.
func (r *Reconciler) Start(ctx context.Context, jobID int64, threadRef string) error {
	upd := domain.StatusUpdate{}
	if threadRef != "" {
		upd.ThreadRef = &threadRef
	}
	return r.apply(ctx, jobID, domain.StatusProcessing, upd)
}

// Complete marks the job completed with result serialised as JSON.
func (r *Reconciler) Complete(ctx context.Context, jobID int64, result any) error {
	raw, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode result for job %d: %w", jobID, err)
	}
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		r.log.Debug("job already terminal, ignoring completion", "job_id", jobID, "status", job.Status)
		return nil
	}
	if err := r.apply(ctx, jobID, domain.StatusCompleted, domain.StatusUpdate{Result: raw}); err != nil {
		return err
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(job.Type), string(domain.StatusCompleted)).Inc()
	return nil
}

// Fail marks the job failed with cause as its error. Chat jobs that never
// got a status thread of their own also hear about it in the thread they
// came from.
func (r *Reconciler) Fail(ctx context.Context, jobID int64, cause error) error {
	msg := domain.FailureMessage(cause)

	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.IsTerminal() {
		r.log.Debug("job already terminal, ignoring failure", "job_id", jobID, "status", job.Status, "error", msg)
		return nil
	}
	if err := r.apply(ctx, jobID, domain.StatusFailed, domain.StatusUpdate{Error: &msg}); err != nil {
		return err
	}
	metrics.JobsFinishedTotal.WithLabelValues(string(job.Type), string(domain.StatusFailed)).Inc()

	if job.Type == domain.JobSlackMention && job.ThreadRef == nil {
		if _, origin := notify.TaskSummary(job.Type, job.Payload); origin.TS != "" {
			r.notifier.PostThreadedUpdate(ctx, origin.String(), "Sorry, that failed: "+msg, notify.NotifyError)
		}
	}
	return nil
}

// apply writes one transition. Transitions out of a terminal status are
// dropped: the first terminal write wins.
func (r *Reconciler) apply(ctx context.Context, jobID int64, status domain.JobStatus, upd domain.StatusUpdate) error {
	err := r.store.UpdateJobStatus(ctx, jobID, status, upd)
	switch {
	case err == nil:
		r.log.Info("job status updated", "job_id", jobID, "status", status)
		return nil
	case errors.Is(err, domain.ErrInvalidTransition):
		r.log.Debug("ignoring transition", "job_id", jobID, "status", status, "error", err)
		return nil
	default:
		r.log.Error("failed to update job status", "job_id", jobID, "status", status, "error", err)
		return err
	}
}
