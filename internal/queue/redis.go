package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"time"
)

// Redis implements all three queue roles as Redis lists.
//
// A message's receipt handle is its own JSON payload. BRPopLPush atomically
// moves a message from the source list to a per-queue "processing" list;
// the exact string that landed there is precise enough for LRem to remove
// on Delete, so no separate receipt-to-message index is needed.
type Redis struct {
	client *redis.Client
}

// NewRedis wraps an existing *redis.Client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// Unclaimed returns an UnclaimedQueue backed by the Redis list named key.
func (r *Redis) Unclaimed(key string) UnclaimedQueue {
	return unclaimedAdapter{&redisQueue{client: r.client, key: key, processing: key + ":processing"}}
}

// Work returns a WorkQueue for (project,user), with the Redis key derived
// from pattern the same way identity.WorkerIdentity.OwnedWorkQueueURLPattern
// is formatted ("work:%s#%s" by default).
func (r *Redis) Work(project, user, pattern string) WorkQueue {
	key := fmt.Sprintf(pattern, project, user)
	return workAdapter{&redisQueue{client: r.client, key: key, processing: key + ":processing"}}
}

// Interrupt returns an InterruptQueue for (project,user).
func (r *Redis) Interrupt(project, user, pattern string) InterruptQueue {
	key := fmt.Sprintf(pattern, project, user)
	return interruptAdapter{&redisQueue{client: r.client, key: key, processing: key + ":processing"}}
}

// redisQueue backs all three interfaces; each exposes only the methods its
// role needs.
type redisQueue struct {
	client     *redis.Client
	key        string
	processing string
}

func (q *redisQueue) pollClaim(ctx context.Context, timeout time.Duration) (ClaimRequest, string, bool, error) {
	raw, ok, err := q.pop(ctx, timeout)
	if !ok || err != nil {
		return ClaimRequest{}, raw, ok, err
	}
	var req ClaimRequest
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return ClaimRequest{}, raw, false, fmt.Errorf("decoding claim request: %w", err)
	}
	return req, raw, true, nil
}

func (q *redisQueue) pollWork(ctx context.Context, timeout time.Duration) (WorkMessage, string, bool, error) {
	raw, ok, err := q.pop(ctx, timeout)
	if !ok || err != nil {
		return WorkMessage{}, raw, ok, err
	}
	var msg WorkMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return WorkMessage{}, raw, false, fmt.Errorf("decoding work message: %w", err)
	}
	return msg, raw, true, nil
}

func (q *redisQueue) pollInterrupt(ctx context.Context, timeout time.Duration) (InterruptMessage, string, bool, error) {
	raw, ok, err := q.pop(ctx, timeout)
	if !ok || err != nil {
		return InterruptMessage{}, raw, ok, err
	}
	var msg InterruptMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		return InterruptMessage{}, raw, false, fmt.Errorf("decoding interrupt message: %w", err)
	}
	return msg, raw, true, nil
}

func (q *redisQueue) pop(ctx context.Context, timeout time.Duration) (string, bool, error) {
	raw, err := q.client.BRPopLPush(ctx, q.key, q.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("polling %s: %w", q.key, err)
	}
	return raw, true, nil
}

func (q *redisQueue) Delete(ctx context.Context, receipt string) error {
	if err := q.client.LRem(ctx, q.processing, 1, receipt).Err(); err != nil {
		return fmt.Errorf("deleting from %s: %w", q.processing, err)
	}
	return nil
}

func (q *redisQueue) Return(ctx context.Context, receipt string) error {
	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.processing, 1, receipt)
	pipe.RPush(ctx, q.key, receipt)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("returning to %s: %w", q.key, err)
	}
	return nil
}

func (q *redisQueue) ExtendVisibility(ctx context.Context, receipt string, ttl time.Duration) error {
	if err := q.client.Set(ctx, q.processing+":visibility", receipt, ttl).Err(); err != nil {
		return fmt.Errorf("extending visibility on %s: %w", q.processing, err)
	}
	return nil
}

// The three role-specific wrapper types give each interface its own method
// set so callers can't, say, call Return on a WorkQueue.

type unclaimedAdapter struct{ *redisQueue }

func (a unclaimedAdapter) Poll(ctx context.Context, timeout time.Duration) (ClaimRequest, string, bool, error) {
	return a.pollClaim(ctx, timeout)
}

type workAdapter struct{ *redisQueue }

func (a workAdapter) Poll(ctx context.Context, timeout time.Duration) (WorkMessage, string, bool, error) {
	return a.pollWork(ctx, timeout)
}

type interruptAdapter struct{ *redisQueue }

func (a interruptAdapter) Poll(ctx context.Context, timeout time.Duration) (InterruptMessage, string, bool, error) {
	return a.pollInterrupt(ctx, timeout)
}
