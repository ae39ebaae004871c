package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"evermem.org/common"
)

// MemoryQueue is an in-process Queue used by tests and single-process
// deployments. All state lives behind one mutex; per-document lanes keep
// their FIFO order and at most one outstanding lease each.
type MemoryQueue struct {
	mu sync.Mutex

	lanes  map[string][]*memoryEntry // document key -> pending messages
	order  []string                  // document keys in arrival order
	leases map[string]*memoryLease   // lease token -> in-flight delivery
	poison []DeadLetter

	visibility  time.Duration
	maxAttempts int

	// now is replaceable in tests to simulate lease expiry.
	now func() time.Time
}

type memoryEntry struct {
	msg       Message
	notBefore time.Time
}

type memoryLease struct {
	docKey   string
	entry    *memoryEntry
	deadline time.Time
}

// MemoryQueueConfig tunes the in-memory queue. Zero values fall back to the
// package defaults.
type MemoryQueueConfig struct {
	VisibilityTimeout time.Duration
	MaxAttempts       int
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue(cfg MemoryQueueConfig) *MemoryQueue {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	return &MemoryQueue{
		lanes:       make(map[string][]*memoryEntry),
		leases:      make(map[string]*memoryLease),
		visibility:  cfg.VisibilityTimeout,
		maxAttempts: cfg.MaxAttempts,
		now:         time.Now,
	}
}

// Enqueue appends the message to its document lane.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg Message) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	docKey := msg.DocumentKey()
	if _, ok := q.lanes[docKey]; !ok {
		q.order = append(q.order, docKey)
	}
	q.lanes[docKey] = append(q.lanes[docKey], &memoryEntry{msg: msg, notBefore: q.now()})
	return nil
}

// Dequeue returns the head of the first document lane that has a ready
// message and no outstanding lease.
func (q *MemoryQueue) Dequeue(ctx context.Context) (Message, Lease, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	q.reapExpiredLeases(now)

	leased := make(map[string]bool, len(q.leases))
	for _, l := range q.leases {
		leased[l.docKey] = true
	}

	for _, docKey := range q.order {
		if leased[docKey] {
			continue
		}
		lane := q.lanes[docKey]
		if len(lane) == 0 {
			continue
		}
		head := lane[0]
		if head.notBefore.After(now) {
			continue
		}

		q.lanes[docKey] = lane[1:]
		token := uuid.NewString()
		q.leases[token] = &memoryLease{
			docKey:   docKey,
			entry:    head,
			deadline: now.Add(q.visibility),
		}
		return head.msg, NewLease(token), nil
	}
	return Message{}, Lease{}, ErrEmpty
}

// reapExpiredLeases returns timed-out deliveries to the head of their lane
// with attempts unchanged. Callers hold q.mu.
func (q *MemoryQueue) reapExpiredLeases(now time.Time) {
	for token, l := range q.leases {
		if now.After(l.deadline) {
			common.Logger.Warn("queue lease expired for document ", l.docKey)
			l.entry.notBefore = now
			q.lanes[l.docKey] = append([]*memoryEntry{l.entry}, q.lanes[l.docKey]...)
			delete(q.leases, token)
		}
	}
}

// Ack completes the delivery and discards the message.
func (q *MemoryQueue) Ack(ctx context.Context, lease Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[lease.Token()]
	if !ok {
		return ErrUnknownLease
	}
	delete(q.leases, lease.Token())
	q.pruneLane(l.docKey)
	return nil
}

// Nack returns the message to the head of its lane after delay, or moves it
// to the poison area once attempts are exhausted.
func (q *MemoryQueue) Nack(ctx context.Context, lease Lease, delay time.Duration, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[lease.Token()]
	if !ok {
		return ErrUnknownLease
	}
	delete(q.leases, lease.Token())

	l.entry.msg.Attempts++
	if l.entry.msg.Attempts > q.maxAttempts {
		q.poison = append(q.poison, DeadLetter{
			Message:    l.entry.msg,
			LastError:  reason,
			PoisonedAt: q.now(),
		})
		common.Logger.Error(fmt.Sprintf("message for document %s poisoned after %d attempts: %s",
			l.docKey, l.entry.msg.Attempts, reason))
		q.pruneLane(l.docKey)
		return nil
	}

	l.entry.notBefore = q.now().Add(delay)
	q.lanes[l.docKey] = append([]*memoryEntry{l.entry}, q.lanes[l.docKey]...)
	return nil
}

// Release returns the delivery to the head of its lane after delay with
// attempts unchanged.
func (q *MemoryQueue) Release(ctx context.Context, lease Lease, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.leases[lease.Token()]
	if !ok {
		return ErrUnknownLease
	}
	delete(q.leases, lease.Token())

	l.entry.notBefore = q.now().Add(delay)
	q.lanes[l.docKey] = append([]*memoryEntry{l.entry}, q.lanes[l.docKey]...)
	return nil
}

// pruneLane drops the lane bookkeeping for a document once its lane is
// empty and no delivery is in flight. Callers hold q.mu.
func (q *MemoryQueue) pruneLane(docKey string) {
	if len(q.lanes[docKey]) > 0 {
		return
	}
	for _, l := range q.leases {
		if l.docKey == docKey {
			return
		}
	}
	delete(q.lanes, docKey)
	for i, key := range q.order {
		if key == docKey {
			q.order = append(q.order[:i], q.order[i+1:]...)
			break
		}
	}
}

// DeadLetters returns a copy of the poison area.
func (q *MemoryQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]DeadLetter, len(q.poison))
	copy(out, q.poison)
	return out, nil
}

// Close is a no-op for the in-memory queue.
func (q *MemoryQueue) Close() error {
	return nil
}
