package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"

	"evermem.org/common"
)

// RabbitQueue is a Queue backed by RabbitMQ for distributed deployments.
//
// Three durable queues are declared per pipeline queue name:
//
//	<name>          the work queue consumed by workers
//	<name>.retry    holds nacked messages; per-message TTL dead-letters
//	                them back into <name> after the retry delay
//	<name>.poison   dead-letter area for exhausted messages
//
// The broker redelivers unacked messages when a consumer dies, which is the
// visibility-timeout equivalent. Per-document FIFO holds because the
// orchestrator keeps at most one message per document in flight: the
// continuation for a document is only published after the previous message
// was acked.
type RabbitQueue struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     RabbitConfig

	deliveries <-chan amqp.Delivery

	mu     sync.Mutex
	leases map[string]amqp.Delivery
}

// RabbitConfig configures the RabbitMQ queue.
type RabbitConfig struct {
	URL         string
	QueueName   string
	MaxAttempts int
}

// NewRabbitQueue connects to RabbitMQ and declares the queue topology.
func NewRabbitQueue(cfg RabbitConfig) (*RabbitQueue, error) {
	return NewRabbitQueueWithDialer(cfg, &RealAMQPDialer{})
}

// NewRabbitQueueWithDialer creates a RabbitMQ queue with an injected dialer
// for testing.
func NewRabbitQueueWithDialer(cfg RabbitConfig, dialer AMQPDialer) (*RabbitQueue, error) {
	if cfg.QueueName == "" {
		cfg.QueueName = "evermem-pipeline"
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}

	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	// Work queue
	if _, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}
	// Retry queue: expired messages dead-letter back into the work queue.
	if _, err := ch.QueueDeclare(cfg.QueueName+".retry", true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": cfg.QueueName,
	}); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare retry queue: %w", err)
	}
	// Poison queue
	if _, err := ch.QueueDeclare(cfg.QueueName+".poison", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare poison queue: %w", err)
	}

	if err := ch.Qos(1, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set channel prefetch: %w", err)
	}

	deliveries, err := ch.Consume(cfg.QueueName, "", false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return &RabbitQueue{
		connection: conn,
		channel:    ch,
		config:     cfg,
		deliveries: deliveries,
		leases:     make(map[string]amqp.Delivery),
	}, nil
}

// Enqueue publishes the message to the work queue.
func (q *RabbitQueue) Enqueue(ctx context.Context, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	err = q.channel.Publish("", q.config.QueueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}

// Dequeue waits briefly for the next delivery from the consumer channel.
func (q *RabbitQueue) Dequeue(ctx context.Context) (Message, Lease, error) {
	select {
	case <-ctx.Done():
		return Message{}, Lease{}, ctx.Err()
	case delivery, ok := <-q.deliveries:
		if !ok {
			return Message{}, Lease{}, fmt.Errorf("consumer channel closed")
		}
		var msg Message
		if err := json.Unmarshal(delivery.Body, &msg); err != nil {
			// Undecodable payload: reject without requeue.
			delivery.Nack(false, false)
			return Message{}, Lease{}, fmt.Errorf("failed to decode message: %w", err)
		}

		token := uuid.NewString()
		q.mu.Lock()
		q.leases[token] = delivery
		q.mu.Unlock()
		return msg, NewLease(token), nil
	case <-time.After(200 * time.Millisecond):
		return Message{}, Lease{}, ErrEmpty
	}
}

func (q *RabbitQueue) takeLease(lease Lease) (amqp.Delivery, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delivery, ok := q.leases[lease.Token()]
	if !ok {
		return amqp.Delivery{}, ErrUnknownLease
	}
	delete(q.leases, lease.Token())
	return delivery, nil
}

// Ack acknowledges the delivery to the broker.
func (q *RabbitQueue) Ack(ctx context.Context, lease Lease) error {
	delivery, err := q.takeLease(lease)
	if err != nil {
		return err
	}
	return delivery.Ack(false)
}

// Nack republishes the message to the retry queue with a per-message TTL
// equal to the delay, or to the poison queue once attempts are exhausted,
// then acknowledges the original delivery.
func (q *RabbitQueue) Nack(ctx context.Context, lease Lease, delay time.Duration, reason string) error {
	delivery, err := q.takeLease(lease)
	if err != nil {
		return err
	}

	var msg Message
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		delivery.Nack(false, false)
		return fmt.Errorf("failed to decode message on nack: %w", err)
	}
	msg.Attempts++

	if msg.Attempts > q.config.MaxAttempts {
		dead := DeadLetter{Message: msg, LastError: reason, PoisonedAt: time.Now()}
		body, err := json.Marshal(dead)
		if err != nil {
			return fmt.Errorf("failed to marshal dead letter: %w", err)
		}
		if err := q.channel.Publish("", q.config.QueueName+".poison", false, false, amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		}); err != nil {
			// Keep the original for redelivery rather than losing it.
			delivery.Nack(false, true)
			return fmt.Errorf("failed to publish dead letter: %w", err)
		}
		common.Logger.Error(fmt.Sprintf("message for document %s poisoned after %d attempts: %s",
			msg.DocumentKey(), msg.Attempts, reason))
		return delivery.Ack(false)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	}
	if delay > 0 {
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		err = q.channel.Publish("", q.config.QueueName+".retry", false, false, publishing)
	} else {
		err = q.channel.Publish("", q.config.QueueName, false, false, publishing)
	}
	if err != nil {
		delivery.Nack(false, true)
		return fmt.Errorf("failed to publish retry message: %w", err)
	}
	return delivery.Ack(false)
}

// Release republishes the message unchanged, to the retry queue with a
// per-message TTL when a delay is requested, and acknowledges the original
// delivery. Attempts are not incremented.
func (q *RabbitQueue) Release(ctx context.Context, lease Lease, delay time.Duration) error {
	delivery, err := q.takeLease(lease)
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         delivery.Body,
	}
	if delay > 0 {
		publishing.Expiration = strconv.FormatInt(delay.Milliseconds(), 10)
		err = q.channel.Publish("", q.config.QueueName+".retry", false, false, publishing)
	} else {
		err = q.channel.Publish("", q.config.QueueName, false, false, publishing)
	}
	if err != nil {
		delivery.Nack(false, true)
		return fmt.Errorf("failed to republish released message: %w", err)
	}
	return delivery.Ack(false)
}

// DeadLetters drains the poison queue non-destructively: each message is
// fetched, decoded, and returned to the queue.
func (q *RabbitQueue) DeadLetters(ctx context.Context) ([]DeadLetter, error) {
	var out []DeadLetter
	var fetched []amqp.Delivery
	for {
		delivery, ok, err := q.channel.Get(q.config.QueueName+".poison", false)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect poison queue: %w", err)
		}
		if !ok {
			break
		}
		fetched = append(fetched, delivery)
		var dead DeadLetter
		if err := json.Unmarshal(delivery.Body, &dead); err == nil {
			out = append(out, dead)
		}
	}
	// Put everything back; inspection must not consume. Requeueing happens
	// after the loop so Get does not return the same message twice.
	for _, delivery := range fetched {
		delivery.Nack(false, true)
	}
	return out, nil
}

// Close closes the channel and connection.
func (q *RabbitQueue) Close() error {
	if q.channel != nil {
		q.channel.Close()
	}
	if q.connection != nil {
		q.connection.Close()
	}
	return nil
}
