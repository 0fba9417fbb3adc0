package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/handlers"
	"github.com/hochfrequenz/roomote-orchestrator/internal/queue"
)

// closeCounter counts Close calls on a real queue.
type closeCounter struct {
	*queue.Queue
	closes int
}

func (c *closeCounter) Close() error {
	c.closes++
	return c.Queue.Close()
}

type fakeProcessor struct {
	jobs []handlers.Job
	err  error
	boom bool
}

func (p *fakeProcessor) Process(_ context.Context, job handlers.Job) (*handlers.Output, error) {
	p.jobs = append(p.jobs, job)
	if p.boom {
		panic("nil map")
	}
	if p.err != nil {
		return nil, p.err
	}
	return &handlers.Output{JobID: job.ID, Type: job.Type}, nil
}

func newTestQueue(t *testing.T) (*closeCounter, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return &closeCounter{Queue: queue.New(rdb, queue.Options{Name: "test", Visibility: time.Minute})}, s
}

func enqueueIssueFix(t *testing.T, q *closeCounter) {
	t.Helper()
	payload := json.RawMessage(`{"repo":"acme/widgets","issue":42,"title":"Bug","body":"desc"}`)
	_, err := q.Enqueue(context.Background(), 7, domain.JobIssueFix, payload, "org_1")
	require.NoError(t, err)
}

func TestWorker_NoJob(t *testing.T) {
	q, _ := newTestQueue(t)
	proc := &fakeProcessor{}

	outcome, err := New(q, proc, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, NoJob, outcome)
	require.Empty(t, proc.jobs, "an empty queue must not reach the processor")
	require.Equal(t, 1, q.closes)
}

func TestWorker_Success(t *testing.T) {
	q, _ := newTestQueue(t)
	enqueueIssueFix(t, q)
	proc := &fakeProcessor{}
	ctx := context.Background()

	outcome, err := New(q, proc, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Completed, outcome)

	require.Len(t, proc.jobs, 1)
	job := proc.jobs[0]
	require.Equal(t, int64(7), job.ID)
	require.Equal(t, domain.JobIssueFix, job.Type)
	require.Equal(t, "org_1", job.OrgID)
	require.JSONEq(t, `{"repo":"acme/widgets","issue":42,"title":"Bug","body":"desc"}`, string(job.Payload))

	active, _ := q.ActiveCount(ctx)
	dead, _ := q.DeadCount(ctx)
	require.Zero(t, active)
	require.Zero(t, dead)
	require.Equal(t, 1, q.closes)
}

func TestWorker_FailureIsRecordedNotReturned(t *testing.T) {
	q, s := newTestQueue(t)
	enqueueIssueFix(t, q)
	proc := &fakeProcessor{err: errors.New("client disconnected before task completion")}
	ctx := context.Background()

	outcome, err := New(q, proc, nil).Run(ctx)
	require.NoError(t, err)
	require.Equal(t, Failed, outcome)

	items, err := s.List(q.Keys().Dead)
	require.NoError(t, err)
	require.Len(t, items, 1)
	var msg queue.Message
	require.NoError(t, sonic.UnmarshalString(items[0], &msg))
	require.Equal(t, int64(7), msg.JobID)
	require.Equal(t, "client disconnected before task completion", msg.LastError)

	active, _ := q.ActiveCount(ctx)
	require.Zero(t, active)
	require.Equal(t, 1, q.closes)
}

func TestWorker_PanicIsAFailure(t *testing.T) {
	q, _ := newTestQueue(t)
	enqueueIssueFix(t, q)

	outcome, err := New(q, &fakeProcessor{boom: true}, nil).Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, Failed, outcome)

	dead, _ := q.DeadCount(context.Background())
	require.Equal(t, int64(1), dead)
}

func TestWorker_ClaimErrorStillCloses(t *testing.T) {
	q, s := newTestQueue(t)
	s.Close()
	proc := &fakeProcessor{}

	_, err := New(q, proc, nil).Run(context.Background())
	require.Error(t, err)
	require.Empty(t, proc.jobs)
	require.Equal(t, 1, q.closes)
}

func TestWorker_LockLost(t *testing.T) {
	q, s := newTestQueue(t)
	enqueueIssueFix(t, q)

	w := New(q, &fakeProcessor{}, nil)
	// The lock expires while the job runs.
	w.processor = processorFunc(func(context.Context, handlers.Job) (*handlers.Output, error) {
		s.FastForward(2 * time.Minute)
		return &handlers.Output{}, nil
	})

	outcome, err := w.Run(context.Background())
	require.ErrorIs(t, err, queue.ErrLockLost)
	require.Equal(t, Completed, outcome)
}

type processorFunc func(context.Context, handlers.Job) (*handlers.Output, error)

func (f processorFunc) Process(ctx context.Context, job handlers.Job) (*handlers.Output, error) {
	return f(ctx, job)
}

func TestOutcomeString(t *testing.T) {
	require.Equal(t, "no_job", NoJob.String())
	require.Equal(t, "completed", Completed.String())
	require.Equal(t, "failed", Failed.String())
}
