// Package queue provides the durable work queue that drives the ingestion
// pipeline. Messages reference a document by (index, documentID); delivery
// is at-least-once with a visibility timeout, FIFO per document, and a
// poison area for messages that exhaust their attempts.
//
// Variants: in-memory (single process), disk-backed (durable single node),
// RabbitMQ (distributed) and Redis (distributed, see queue/redis).
package queue

import (
	"context"
	"errors"
	"time"
)

// ErrEmpty is returned by Dequeue when no message is ready for delivery.
var ErrEmpty = errors.New("queue is empty")

// ErrUnknownLease is returned by Ack and Nack when the lease is not held,
// typically because its visibility timeout already expired.
var ErrUnknownLease = errors.New("unknown or expired lease")

// DefaultMaxAttempts is the number of nacks after which a message is moved
// to the poison area.
const DefaultMaxAttempts = 20

// DefaultVisibilityTimeout bounds how long a dequeued message stays
// invisible before it returns to the queue. It must exceed the handler soft
// deadline plus a safety margin.
const DefaultVisibilityTimeout = 5 * time.Minute

// Message is the envelope moved through the queue. Attempts counts failed
// deliveries (nacks); lease expiry does not increment it.
type Message struct {
	Index      string `json:"index"`
	DocumentID string `json:"documentId"`
	Attempts   int    `json:"attempts"`
}

// DocumentKey identifies the per-document FIFO lane of a message.
func (m Message) DocumentKey() string {
	return m.Index + "/" + m.DocumentID
}

// Lease is the opaque token handed out by Dequeue. It must be passed back
// to exactly one of Ack or Nack.
type Lease struct {
	token string
}

// NewLease wraps a backend-specific token. Exposed for queue
// implementations in sub-packages.
func NewLease(token string) Lease {
	return Lease{token: token}
}

// Token returns the backend-specific token.
func (l Lease) Token() string {
	return l.token
}

// DeadLetter records a poisoned message for inspection by the status
// reporter.
type DeadLetter struct {
	Message    Message   `json:"message"`
	LastError  string    `json:"lastError"`
	PoisonedAt time.Time `json:"poisonedAt"`
}

// Queue is the capability set every queue backend implements.
//
// Delivery contract:
//   - at-least-once: consumers must be idempotent;
//   - per-document FIFO: at most one message per (index, documentID) is in
//     flight at a time, and messages of one document are delivered in order;
//   - visibility: a dequeued message is invisible until Ack, Nack, or lease
//     expiry; expiry returns it unchanged (not an attempt);
//   - poison: Nack increments the attempt counter; past the configured
//     maximum, the message moves to the dead-letter area.
type Queue interface {
	// Enqueue appends a message to its document's lane.
	Enqueue(ctx context.Context, msg Message) error

	// Dequeue returns the next ready message and a lease on it, or ErrEmpty.
	Dequeue(ctx context.Context) (Message, Lease, error)

	// Ack completes delivery and discards the message.
	Ack(ctx context.Context, lease Lease) error

	// Nack records a failed delivery. The message becomes visible again
	// after delay with its attempt counter incremented, or moves to the
	// dead-letter area when attempts are exhausted. reason is preserved on
	// the dead letter.
	Nack(ctx context.Context, lease Lease, delay time.Duration, reason string) error

	// Release returns the leased message to its lane unchanged, visible
	// again after delay. Unlike Nack it does not count an attempt: it is
	// meant for failures that are not the message's fault, such as an
	// unavailable backend.
	Release(ctx context.Context, lease Lease, delay time.Duration) error

	// DeadLetters returns the poisoned messages.
	DeadLetters(ctx context.Context) ([]DeadLetter, error)

	// Close releases backend resources.
	Close() error
}
