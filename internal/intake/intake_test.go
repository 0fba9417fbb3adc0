package intake

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
	"github.com/hochfrequenz/roomote-orchestrator/internal/jobstore"
	"github.com/hochfrequenz/roomote-orchestrator/internal/queue"
)

var issueFixPayload = json.RawMessage(`{"repo":"acme/widgets","issue":42,"title":"Bug","body":"desc"}`)

func newStore(t *testing.T) *jobstore.Store {
	t.Helper()
	store, err := jobstore.New("sqlite", ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func newQueue(t *testing.T) *queue.Queue {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return queue.New(rdb, queue.Options{Name: "test"})
}

type countingCreator struct {
	calls int
	job   *domain.Job
	err   error
}

func (c *countingCreator) CreateJob(context.Context, jobstore.NewJob) (*domain.Job, error) {
	c.calls++
	return c.job, c.err
}

type countingEnqueuer struct {
	calls   int
	id      string
	err     error
	gotJob  int64
	gotOrg  string
	gotType domain.JobType
}

func (e *countingEnqueuer) Enqueue(_ context.Context, jobID int64, jobType domain.JobType, _ json.RawMessage, orgID string) (string, error) {
	e.calls++
	e.gotJob, e.gotType, e.gotOrg = jobID, jobType, orgID
	return e.id, e.err
}

func TestCreateAndEnqueueJob_IssueFix(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)
	q := newQueue(t)
	svc := New(store, q, Identity{FallbackUser: "user_1", FallbackOrg: "org_default"}, nil)

	created, err := svc.CreateAndEnqueueJob(ctx, domain.JobIssueFix, issueFixPayload, "org_1")
	require.NoError(t, err)
	require.NotZero(t, created.JobID)
	require.NotEmpty(t, created.EnqueuedJobID)

	job, err := store.GetJob(ctx, created.JobID)
	require.NoError(t, err)
	require.Equal(t, domain.StatusPending, job.Status)
	require.Equal(t, "org_1", job.OrgID)
	require.Equal(t, "user_1", job.UserID)

	claimed, err := q.ClaimNext(ctx, queue.NewLockToken())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, created.EnqueuedJobID, claimed.ID)
	require.Equal(t, created.JobID, claimed.JobID)
	require.Equal(t, domain.JobIssueFix, claimed.Type)
	require.Equal(t, "org_1", claimed.OrgID)
	require.JSONEq(t, string(issueFixPayload), string(claimed.Payload))
}

func TestCreateAndEnqueueJob_FallbackOrg(t *testing.T) {
	enq := &countingEnqueuer{id: "m1"}
	svc := New(&countingCreator{job: &domain.Job{ID: 3}}, enq, Identity{FallbackUser: "u", FallbackOrg: "org_default"}, nil)

	_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "")
	require.NoError(t, err)
	require.Equal(t, "org_default", enq.gotOrg)
	require.Equal(t, int64(3), enq.gotJob)
}

func TestCreateAndEnqueueJob_NoFallbackUser(t *testing.T) {
	creator := &countingCreator{job: &domain.Job{ID: 1}}
	enq := &countingEnqueuer{id: "m1"}
	svc := New(creator, enq, Identity{FallbackOrg: "org_1"}, nil)

	_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "org_1")
	require.ErrorIs(t, err, ErrNoFallbackUser)
	require.Zero(t, creator.calls, "no row may be written")
	require.Zero(t, enq.calls, "nothing may be enqueued")
}

func TestCreateAndEnqueueJob_NoOrg(t *testing.T) {
	creator := &countingCreator{job: &domain.Job{ID: 1}}
	svc := New(creator, &countingEnqueuer{id: "m1"}, Identity{FallbackUser: "u"}, nil)

	_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "")
	require.ErrorIs(t, err, ErrNoOrg)
	require.Zero(t, creator.calls)
}

func TestCreateAndEnqueueJob_EnqueueReturnsNoID(t *testing.T) {
	store := newStore(t)
	svc := New(store, &countingEnqueuer{}, Identity{FallbackUser: "u", FallbackOrg: "o"}, nil)

	_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "org_1")
	require.ErrorIs(t, err, ErrNoEnqueuedID)
	require.EqualError(t, err, "Failed to get enqueued job ID.")
}

func TestCreateAndEnqueueJob_RowWriteReturnsNoID(t *testing.T) {
	enq := &countingEnqueuer{id: "m1"}
	svc := New(&countingCreator{job: &domain.Job{}}, enq, Identity{FallbackUser: "u", FallbackOrg: "o"}, nil)

	_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "org_1")
	require.ErrorIs(t, err, ErrNoJobID)
	require.EqualError(t, err, "failed to get job id")
	require.Zero(t, enq.calls)
}

func TestCreateAndEnqueueJob_Errors(t *testing.T) {
	boom := errors.New("boom")

	t.Run("create fails", func(t *testing.T) {
		svc := New(&countingCreator{err: boom}, &countingEnqueuer{id: "m1"}, Identity{FallbackUser: "u", FallbackOrg: "o"}, nil)
		_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "")
		require.ErrorIs(t, err, boom)
	})

	t.Run("enqueue fails", func(t *testing.T) {
		svc := New(&countingCreator{job: &domain.Job{ID: 1}}, &countingEnqueuer{err: boom}, Identity{FallbackUser: "u", FallbackOrg: "o"}, nil)
		_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, issueFixPayload, "")
		require.ErrorIs(t, err, boom)
	})

	t.Run("invalid payload", func(t *testing.T) {
		creator := &countingCreator{job: &domain.Job{ID: 1}}
		svc := New(creator, &countingEnqueuer{id: "m1"}, Identity{FallbackUser: "u", FallbackOrg: "o"}, nil)
		_, err := svc.CreateAndEnqueueJob(context.Background(), domain.JobIssueFix, json.RawMessage(`{"repo":"a/b"}`), "")
		var verr *domain.ValidationError
		require.ErrorAs(t, err, &verr)
		require.Zero(t, creator.calls)
	})
}
