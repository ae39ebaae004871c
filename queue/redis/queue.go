// Package redis provides a Redis-backed implementation of the pipeline
// queue for distributed deployments without a message broker. Per-document
// FIFO lanes are Redis lists; the set of lanes with deliverable work is a
// ready list; leases are SET NX keys with a TTL equal to the visibility
// timeout, so a crashed worker's lane is reclaimed automatically once its
// lease key expires.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"evermem.org/common"
	"evermem.org/queue"
)

// Queue implements queue.Queue on top of Redis.
type Queue struct {
	client      *goredis.Client
	prefix      string
	visibility  time.Duration
	maxAttempts int
}

type envelope struct {
	Message   queue.Message `json:"message"`
	NotBefore time.Time     `json:"notBefore"`
}

// Config configures the Redis queue.
type Config struct {
	// URL is a redis URL (redis://host:port/db).
	URL string

	// KeyPrefix namespaces all queue keys (default "evermem:queue:").
	KeyPrefix string

	VisibilityTimeout time.Duration
	MaxAttempts       int
}

// NewQueue connects to Redis and returns a queue client.
func NewQueue(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return NewQueueWithClient(client, cfg), nil
}

// NewQueueWithClient wraps an existing client. Used by tests with
// miniredis.
func NewQueueWithClient(client *goredis.Client, cfg Config) *Queue {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "evermem:queue:"
	}
	visibility := cfg.VisibilityTimeout
	if visibility <= 0 {
		visibility = queue.DefaultVisibilityTimeout
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = queue.DefaultMaxAttempts
	}
	return &Queue{
		client:      client,
		prefix:      prefix,
		visibility:  visibility,
		maxAttempts: maxAttempts,
	}
}

func (q *Queue) readyKey() string            { return q.prefix + "ready" }
func (q *Queue) readySetKey() string         { return q.prefix + "readyset" }
func (q *Queue) laneKey(lane string) string  { return q.prefix + "lane:" + lane }
func (q *Queue) leaseKey(lane string) string { return q.prefix + "lease:" + lane }
func (q *Queue) procKey(lane string) string  { return q.prefix + "processing:" + lane }
func (q *Queue) poisonKey() string           { return q.prefix + "poison" }

// scheduleLane adds the lane to the ready list unless it is already there.
// The membership set keeps duplicate entries out; a duplicate slipping in
// under a race only causes one extra empty pop.
func (q *Queue) scheduleLane(ctx context.Context, lane string) error {
	added, err := q.client.SAdd(ctx, q.readySetKey(), lane).Result()
	if err != nil {
		return err
	}
	if added == 0 {
		return nil
	}
	return q.client.RPush(ctx, q.readyKey(), lane).Err()
}

// Enqueue appends the message to its lane and schedules the lane when no
// delivery is in flight for it.
func (q *Queue) Enqueue(ctx context.Context, msg queue.Message) error {
	lane := msg.DocumentKey()
	data, err := json.Marshal(envelope{Message: msg, NotBefore: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := q.client.RPush(ctx, q.laneKey(lane), data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue: %w", err)
	}

	leased, err := q.client.Exists(ctx, q.leaseKey(lane), q.procKey(lane)).Result()
	if err != nil {
		return fmt.Errorf("failed to check lane state: %w", err)
	}
	if leased > 0 {
		return nil // the Ack/Nack of the in-flight delivery reschedules
	}
	if err := q.scheduleLane(ctx, lane); err != nil {
		return fmt.Errorf("failed to schedule lane: %w", err)
	}
	return nil
}

// reapExpiredLeases returns in-flight messages whose lease key expired to
// the head of their lane, attempts unchanged.
func (q *Queue) reapExpiredLeases(ctx context.Context) {
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.prefix+"processing:*", 100).Result()
		if err != nil {
			return
		}
		for _, key := range keys {
			lane := key[len(q.prefix+"processing:"):]
			held, err := q.client.Exists(ctx, q.leaseKey(lane)).Result()
			if err != nil || held > 0 {
				continue
			}
			data, err := q.client.Get(ctx, key).Result()
			if err != nil {
				continue
			}
			common.Logger.Warn("reclaiming expired queue lease for document ", lane)
			if err := q.client.LPush(ctx, q.laneKey(lane), data).Err(); err != nil {
				continue
			}
			q.client.Del(ctx, key)
			q.scheduleLane(ctx, lane)
		}
		cursor = next
		if cursor == 0 {
			return
		}
	}
}

// Dequeue pops the next ready lane, claims it with a lease key, and returns
// its head message.
func (q *Queue) Dequeue(ctx context.Context) (queue.Message, queue.Lease, error) {
	q.reapExpiredLeases(ctx)

	for {
		lane, err := q.client.LPop(ctx, q.readyKey()).Result()
		if err == goredis.Nil {
			return queue.Message{}, queue.Lease{}, queue.ErrEmpty
		}
		if err != nil {
			return queue.Message{}, queue.Lease{}, fmt.Errorf("failed to pop ready lane: %w", err)
		}
		q.client.SRem(ctx, q.readySetKey(), lane)

		head, err := q.client.LIndex(ctx, q.laneKey(lane), 0).Result()
		if err == goredis.Nil {
			continue // emptied lane
		}
		if err != nil {
			return queue.Message{}, queue.Lease{}, fmt.Errorf("failed to read lane head: %w", err)
		}

		var env envelope
		if err := json.Unmarshal([]byte(head), &env); err != nil {
			return queue.Message{}, queue.Lease{}, fmt.Errorf("failed to decode queue message: %w", err)
		}
		if env.NotBefore.After(time.Now()) {
			// Not visible yet: put the lane back and stop scanning.
			q.scheduleLane(ctx, lane)
			return queue.Message{}, queue.Lease{}, queue.ErrEmpty
		}

		token := uuid.NewString()
		claimed, err := q.client.SetNX(ctx, q.leaseKey(lane), token, q.visibility).Result()
		if err != nil {
			return queue.Message{}, queue.Lease{}, fmt.Errorf("failed to claim lane: %w", err)
		}
		if !claimed {
			continue // another worker holds the lane
		}

		data, err := q.client.LPop(ctx, q.laneKey(lane)).Result()
		if err != nil {
			q.client.Del(ctx, q.leaseKey(lane))
			return queue.Message{}, queue.Lease{}, fmt.Errorf("failed to pop lane: %w", err)
		}
		if err := q.client.Set(ctx, q.procKey(lane), data, 0).Err(); err != nil {
			return queue.Message{}, queue.Lease{}, fmt.Errorf("failed to record in-flight message: %w", err)
		}
		return env.Message, queue.NewLease(lane + "\x00" + token), nil
	}
}

// verifyLease checks the token against the lane's lease key.
func (q *Queue) verifyLease(ctx context.Context, lease queue.Lease) (string, error) {
	lane, token, ok := splitLeaseToken(lease.Token())
	if !ok {
		return "", queue.ErrUnknownLease
	}
	current, err := q.client.Get(ctx, q.leaseKey(lane)).Result()
	if err == goredis.Nil || (err == nil && current != token) {
		return "", queue.ErrUnknownLease
	}
	if err != nil {
		return "", fmt.Errorf("failed to verify lease: %w", err)
	}
	return lane, nil
}

func splitLeaseToken(token string) (lane, id string, ok bool) {
	for i := 0; i < len(token); i++ {
		if token[i] == '\x00' {
			return token[:i], token[i+1:], true
		}
	}
	return "", "", false
}

// releaseLane drops the lease and processing keys and reschedules the lane
// when it still has pending messages.
func (q *Queue) releaseLane(ctx context.Context, lane string) error {
	q.client.Del(ctx, q.procKey(lane), q.leaseKey(lane))
	pending, err := q.client.LLen(ctx, q.laneKey(lane)).Result()
	if err != nil {
		return err
	}
	if pending > 0 {
		return q.scheduleLane(ctx, lane)
	}
	return nil
}

// Ack completes the delivery.
func (q *Queue) Ack(ctx context.Context, lease queue.Lease) error {
	lane, err := q.verifyLease(ctx, lease)
	if err != nil {
		return err
	}
	return q.releaseLane(ctx, lane)
}

// Nack returns the message to the head of its lane with an incremented
// attempt counter, or moves it to the poison list once attempts are
// exhausted.
func (q *Queue) Nack(ctx context.Context, lease queue.Lease, delay time.Duration, reason string) error {
	lane, err := q.verifyLease(ctx, lease)
	if err != nil {
		return err
	}

	data, err := q.client.Get(ctx, q.procKey(lane)).Result()
	if err != nil {
		return fmt.Errorf("failed to load in-flight message: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("failed to decode in-flight message: %w", err)
	}

	env.Message.Attempts++
	if env.Message.Attempts > q.maxAttempts {
		dead := queue.DeadLetter{Message: env.Message, LastError: reason, PoisonedAt: time.Now()}
		deadData, err := json.Marshal(dead)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}
		if err := q.client.RPush(ctx, q.poisonKey(), deadData).Err(); err != nil {
			return fmt.Errorf("failed to record dead letter: %w", err)
		}
		common.Logger.Error(fmt.Sprintf("message for document %s poisoned after %d attempts: %s",
			lane, env.Message.Attempts, reason))
		return q.releaseLane(ctx, lane)
	}

	env.NotBefore = time.Now().Add(delay)
	updated, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.laneKey(lane), updated).Err(); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return q.releaseLane(ctx, lane)
}

// Release returns the message to the head of its lane after delay with
// attempts unchanged.
func (q *Queue) Release(ctx context.Context, lease queue.Lease, delay time.Duration) error {
	lane, err := q.verifyLease(ctx, lease)
	if err != nil {
		return err
	}

	data, err := q.client.Get(ctx, q.procKey(lane)).Result()
	if err != nil {
		return fmt.Errorf("failed to load in-flight message: %w", err)
	}
	var env envelope
	if err := json.Unmarshal([]byte(data), &env); err != nil {
		return fmt.Errorf("failed to decode in-flight message: %w", err)
	}

	env.NotBefore = time.Now().Add(delay)
	updated, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal queue message: %w", err)
	}
	if err := q.client.LPush(ctx, q.laneKey(lane), updated).Err(); err != nil {
		return fmt.Errorf("failed to requeue message: %w", err)
	}
	return q.releaseLane(ctx, lane)
}

// DeadLetters returns the poison list.
func (q *Queue) DeadLetters(ctx context.Context) ([]queue.DeadLetter, error) {
	items, err := q.client.LRange(ctx, q.poisonKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read poison list: %w", err)
	}
	out := make([]queue.DeadLetter, 0, len(items))
	for _, item := range items {
		var dead queue.DeadLetter
		if err := json.Unmarshal([]byte(item), &dead); err != nil {
			continue
		}
		out = append(out, dead)
	}
	return out, nil
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}
