// Package worker claims and runs exactly one job per invocation.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hochfrequenz/roomote-orchestrator/internal/handlers"
	"github.com/hochfrequenz/roomote-orchestrator/internal/queue"
)

// Queue is the part of the job queue a worker uses.
type Queue interface {
	ClaimNext(ctx context.Context, lockToken string) (*queue.Claimed, error)
	MarkCompleted(ctx context.Context, lockToken string) error
	MarkFailed(ctx context.Context, lockToken, reason string) error
	Close() error
}

// Processor runs a claimed job.
type Processor interface {
	Process(ctx context.Context, job handlers.Job) (*handlers.Output, error)
}

// Outcome is what one Run did.
type Outcome int

const (
	// NoJob means the queue was empty.
	NoJob Outcome = iota
	Completed
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return "no_job"
	}
}

// Worker handles a single job.
type Worker struct {
	queue     Queue
	processor Processor
	log       *slog.Logger
}

// New creates a Worker.
func New(q Queue, p Processor, log *slog.Logger) *Worker {
	if log == nil {
		log = slog.Default()
	}
	return &Worker{queue: q, processor: p, log: log.With("component", "worker")}
}

// Run claims one job and runs it. A job failure is recorded on the queue
// and logged but is not returned; the error result is reserved for queue
// faults. The queue is closed before Run returns.
func (w *Worker) Run(ctx context.Context) (outcome Outcome, err error) {
	defer func() {
		if cerr := w.queue.Close(); cerr != nil {
			w.log.Warn("failed to close queue", "error", cerr)
		}
	}()

	token := queue.NewLockToken()
	claimed, err := w.queue.ClaimNext(ctx, token)
	if err != nil {
		return NoJob, fmt.Errorf("claim job: %w", err)
	}
	if claimed == nil {
		w.log.Info("no job waiting")
		return NoJob, nil
	}

	log := w.log.With("job_id", claimed.JobID, "type", claimed.Type, "message_id", claimed.ID)
	log.Info("job claimed")

	_, perr := w.process(ctx, claimed)
	if perr == nil {
		if err := w.queue.MarkCompleted(ctx, token); err != nil {
			return Completed, fmt.Errorf("mark job %d completed: %w", claimed.JobID, err)
		}
		log.Info("job completed")
		return Completed, nil
	}

	log.Error("job failed", "error", perr)
	if err := w.queue.MarkFailed(ctx, token, perr.Error()); err != nil {
		return Failed, fmt.Errorf("mark job %d failed: %w", claimed.JobID, err)
	}
	return Failed, nil
}

// process converts a panic in the handler chain into a job failure so the
// queue message is still marked.
func (w *Worker) process(ctx context.Context, c *queue.Claimed) (out *handlers.Output, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	out, err = w.processor.Process(ctx, handlers.Job{
		ID:      c.JobID,
		Type:    c.Type,
		Payload: c.Payload,
		OrgID:   c.OrgID,
	})
	if err == nil && out == nil {
		err = errors.New("handler returned no output")
	}
	return out, err
}
