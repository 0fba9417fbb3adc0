// Package queue is the durable job queue shared by intake, the dispatcher
// and workers. Messages live in Redis: a pending LIST, an active ZSET scored
// by visibility deadline and a dead LIST for failed messages.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/hochfrequenz/roomote-orchestrator/internal/domain"
)

// ErrLockLost is returned when a lock token no longer refers to an active
// message, usually because the message was reclaimed as stalled.
var ErrLockLost = errors.New("queue lock lost")

// Message is the queued representation of a job.
type Message struct {
	ID         string          `json:"id"`
	JobID      int64           `json:"job_id"`
	Type       domain.JobType  `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	OrgID      string          `json:"org_id"`
	EnqueuedAt int64           `json:"enqueued_at"`
	Attempts   int             `json:"attempts,omitempty"`
	LastError  string          `json:"last_error,omitempty"`
}

// Claimed is a message held by one worker under a lock token.
type Claimed struct {
	Message
	LockToken string
}

// Options configures a Queue.
type Options struct {
	Name       string
	Visibility time.Duration
	// ReclaimBatch bounds how many stalled messages one sweep moves back.
	ReclaimBatch int
	Logger       *slog.Logger
}

// Queue is a Redis backed job queue. It is safe for concurrent use.
type Queue struct {
	rdb    redis.UniversalClient
	keys   Keys
	opts   Options
	log    *slog.Logger
	owned  bool
	once   sync.Once
	closed error
}

// claimScript atomically moves one message from pending to active and
// records the lock token with the visibility timeout as its TTL.
var claimScript = redis.NewScript(`
local v = redis.call('RPOP', KEYS[1])
if not v then return false end
redis.call('ZADD', KEYS[2], ARGV[1], v)
redis.call('SET', KEYS[3], v, 'EX', ARGV[2])
return v
`)

// reclaimOneScript moves one expired active message back to pending.
var reclaimOneScript = redis.NewScript(`
local items = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #items == 0 then return false end
local m = items[1]
if redis.call('ZREM', KEYS[1], m) == 1 then
  redis.call('LPUSH', KEYS[2], m)
  return m
end
return false
`)

// New wraps an existing client. The caller keeps ownership of rdb.
func New(rdb redis.UniversalClient, opts Options) *Queue {
	if opts.Name == "" {
		opts.Name = "roomote"
	}
	if opts.Visibility <= 0 {
		opts.Visibility = 45 * time.Minute
	}
	if opts.ReclaimBatch <= 0 {
		opts.ReclaimBatch = 100
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Queue{
		rdb:  rdb,
		keys: KeysFor(opts.Name),
		opts: opts,
		log:  log.With("component", "queue", "queue", opts.Name),
	}
}

// Open connects to the Redis instance at url. Close releases the connection.
func Open(ctx context.Context, url string, opts Options) (*Queue, error) {
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	q := New(rdb, opts)
	q.owned = true
	return q, nil
}

// Keys returns the Redis keys used by the queue.
func (q *Queue) Keys() Keys { return q.keys }

// Enqueue adds a job to the pending list and returns the message id.
func (q *Queue) Enqueue(ctx context.Context, jobID int64, jobType domain.JobType, payload json.RawMessage, orgID string) (string, error) {
	msg := Message{
		ID:         uuid.NewString(),
		JobID:      jobID,
		Type:       jobType,
		Payload:    payload,
		OrgID:      orgID,
		EnqueuedAt: time.Now().UnixMilli(),
	}
	raw, err := sonic.Marshal(&msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	if err := q.rdb.LPush(ctx, q.keys.Pending, raw).Err(); err != nil {
		return "", fmt.Errorf("enqueue job %d: %w", jobID, err)
	}
	q.log.Info("enqueued", "job_id", jobID, "message_id", msg.ID, "type", jobType)
	return msg.ID, nil
}

// NewLockToken returns a fresh token for ClaimNext.
func NewLockToken() string { return uuid.NewString() }

// ClaimNext claims the oldest pending message under lockToken. It returns
// nil and no error when the queue is empty.
func (q *Queue) ClaimNext(ctx context.Context, lockToken string) (*Claimed, error) {
	deadline := time.Now().Add(q.opts.Visibility).Unix()
	ttl := int64(q.opts.Visibility / time.Second)
	if ttl < 1 {
		ttl = 1
	}
	res, err := claimScript.Run(ctx, q.rdb,
		[]string{q.keys.Pending, q.keys.Active, q.keys.Lock(lockToken)},
		strconv.FormatInt(deadline, 10), strconv.FormatInt(ttl, 10),
	).Result()
	if errors.Is(err, redis.Nil) || (err == nil && res == nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}

	raw, ok := res.(string)
	if !ok {
		return nil, fmt.Errorf("claim: unexpected reply %T", res)
	}
	var msg Message
	if err := sonic.UnmarshalString(raw, &msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &Claimed{Message: msg, LockToken: lockToken}, nil
}

// MarkCompleted acknowledges the message held under lockToken.
func (q *Queue) MarkCompleted(ctx context.Context, lockToken string) error {
	raw, err := q.locked(ctx, lockToken)
	if err != nil {
		return err
	}
	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.Active, raw)
		p.Del(ctx, q.keys.Lock(lockToken))
		return nil
	})
	return err
}

// MarkFailed moves the message held under lockToken to the dead list with
// reason attached. Failed messages are not retried.
func (q *Queue) MarkFailed(ctx context.Context, lockToken, reason string) error {
	raw, err := q.locked(ctx, lockToken)
	if err != nil {
		return err
	}

	var msg Message
	if err := sonic.UnmarshalString(raw, &msg); err != nil {
		return fmt.Errorf("decode message: %w", err)
	}
	msg.Attempts++
	msg.LastError = reason
	dead, err := sonic.Marshal(&msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	_, err = q.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, q.keys.Active, raw)
		p.LPush(ctx, q.keys.Dead, dead)
		p.Del(ctx, q.keys.Lock(lockToken))
		return nil
	})
	return err
}

func (q *Queue) locked(ctx context.Context, lockToken string) (string, error) {
	raw, err := q.rdb.Get(ctx, q.keys.Lock(lockToken)).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrLockLost
	}
	if err != nil {
		return "", fmt.Errorf("read lock: %w", err)
	}
	if _, err := q.rdb.ZScore(ctx, q.keys.Active, raw).Result(); errors.Is(err, redis.Nil) {
		return "", ErrLockLost
	} else if err != nil {
		return "", fmt.Errorf("read active: %w", err)
	}
	return raw, nil
}

// ReclaimStalled returns messages whose visibility deadline passed to the
// pending list and reports how many were moved.
func (q *Queue) ReclaimStalled(ctx context.Context) (int, error) {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	moved := 0
	for moved < q.opts.ReclaimBatch {
		res, err := reclaimOneScript.Run(ctx, q.rdb, []string{q.keys.Active, q.keys.Pending}, now).Result()
		if errors.Is(err, redis.Nil) || (err == nil && res == nil) {
			break
		}
		if err != nil {
			return moved, fmt.Errorf("reclaim: %w", err)
		}
		moved++
	}
	if moved > 0 {
		q.log.Warn("reclaimed stalled jobs", "count", moved)
	}
	return moved, nil
}

// WaitingCount returns the number of pending messages.
func (q *Queue) WaitingCount(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.keys.Pending).Result()
}

// ActiveCount returns the number of claimed, unacknowledged messages.
func (q *Queue) ActiveCount(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.keys.Active).Result()
}

// DeadCount returns the number of failed messages.
func (q *Queue) DeadCount(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.keys.Dead).Result()
}

// Close releases the Redis connection if the queue opened it. It is safe to
// call more than once.
func (q *Queue) Close() error {
	q.once.Do(func() {
		if q.owned {
			q.closed = q.rdb.Close()
		}
	})
	return q.closed
}
