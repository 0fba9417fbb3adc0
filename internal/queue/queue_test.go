package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	mrd "github.com/alicebob/miniredis/v2"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

func newTestQueue(t *testing.T) (*Queue, *mrd.Miniredis) {
	t.Helper()
	s := mrd.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return New(rdb, Options{Name: "test", Visibility: time.Minute}), s
}

func TestQueue_EnqueueAndClaim(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	payload := json.RawMessage(`{"repo":"acme/widgets","issue":42}`)
	id, err := q.Enqueue(ctx, 7, domain.JobIssueFix, payload, "org_1")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	waiting, err := q.WaitingCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), waiting)

	token := NewLockToken()
	claimed, err := q.ClaimNext(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, id, claimed.ID)
	require.Equal(t, int64(7), claimed.JobID)
	require.Equal(t, domain.JobIssueFix, claimed.Type)
	require.Equal(t, "org_1", claimed.OrgID)
	require.JSONEq(t, string(payload), string(claimed.Payload))
	require.Equal(t, token, claimed.LockToken)

	waiting, _ = q.WaitingCount(ctx)
	active, _ := q.ActiveCount(ctx)
	require.Equal(t, int64(0), waiting)
	require.Equal(t, int64(1), active)
}

func TestQueue_ClaimEmpty(t *testing.T) {
	q, _ := newTestQueue(t)

	claimed, err := q.ClaimNext(context.Background(), NewLockToken())
	require.NoError(t, err)
	require.Nil(t, claimed)
}

func TestQueue_ClaimIsFIFO(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, 1, domain.JobGeneralTask, json.RawMessage(`{}`), "org_1")
	second, _ := q.Enqueue(ctx, 2, domain.JobGeneralTask, json.RawMessage(`{}`), "org_1")

	a, err := q.ClaimNext(ctx, NewLockToken())
	require.NoError(t, err)
	b, err := q.ClaimNext(ctx, NewLockToken())
	require.NoError(t, err)
	require.Equal(t, first, a.ID)
	require.Equal(t, second, b.ID)
}

func TestQueue_MarkCompleted(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 1, domain.JobGeneralTask, json.RawMessage(`{}`), "org_1")
	require.NoError(t, err)
	token := NewLockToken()
	_, err = q.ClaimNext(ctx, token)
	require.NoError(t, err)

	require.NoError(t, q.MarkCompleted(ctx, token))

	active, _ := q.ActiveCount(ctx)
	require.Equal(t, int64(0), active)
	require.False(t, s.Exists(q.Keys().Lock(token)))

	// The token is spent.
	require.ErrorIs(t, q.MarkCompleted(ctx, token), ErrLockLost)
}

func TestQueue_MarkFailedMovesToDead(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 3, domain.JobSlackMention, json.RawMessage(`{}`), "org_1")
	require.NoError(t, err)
	token := NewLockToken()
	_, err = q.ClaimNext(ctx, token)
	require.NoError(t, err)

	require.NoError(t, q.MarkFailed(ctx, token, "client disconnected"))

	active, _ := q.ActiveCount(ctx)
	dead, _ := q.DeadCount(ctx)
	require.Equal(t, int64(0), active)
	require.Equal(t, int64(1), dead)

	items, err := s.List(q.Keys().Dead)
	require.NoError(t, err)
	var msg Message
	require.NoError(t, sonic.UnmarshalString(items[0], &msg))
	require.Equal(t, int64(3), msg.JobID)
	require.Equal(t, "client disconnected", msg.LastError)
	require.Equal(t, 1, msg.Attempts)
}

func TestQueue_UnknownTokenIsLost(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	require.ErrorIs(t, q.MarkCompleted(ctx, "nope"), ErrLockLost)
	require.ErrorIs(t, q.MarkFailed(ctx, "nope", "x"), ErrLockLost)
}

func TestQueue_ReclaimStalled(t *testing.T) {
	q, s := newTestQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, 9, domain.JobGeneralTask, json.RawMessage(`{}`), "org_1")
	require.NoError(t, err)
	token := NewLockToken()
	claimed, err := q.ClaimNext(ctx, token)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	// Nothing has expired yet.
	n, err := q.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	// Push the visibility deadline into the past.
	members, err := s.ZMembers(q.Keys().Active)
	require.NoError(t, err)
	require.Len(t, members, 1)
	_, err = s.ZAdd(q.Keys().Active, 0, members[0])
	require.NoError(t, err)

	n, err = q.ReclaimStalled(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	waiting, _ := q.WaitingCount(ctx)
	active, _ := q.ActiveCount(ctx)
	require.Equal(t, int64(1), waiting)
	require.Equal(t, int64(0), active)

	// The stalled worker can no longer acknowledge.
	require.ErrorIs(t, q.MarkCompleted(ctx, token), ErrLockLost)

	again, err := q.ClaimNext(ctx, NewLockToken())
	require.NoError(t, err)
	require.Equal(t, claimed.ID, again.ID)
}

func TestQueue_CloseIsIdempotent(t *testing.T) {
	s := mrd.RunT(t)
	q, err := Open(context.Background(), "redis://"+s.Addr()+"/0", Options{Name: "test"})
	require.NoError(t, err)

	require.NoError(t, q.Close())
	require.NoError(t, q.Close())
}

func TestQueue_OpenBadURL(t *testing.T) {
	_, err := Open(context.Background(), "not-a-url", Options{})
	require.Error(t, err)
}
