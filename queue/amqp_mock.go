package queue

import (
	"sync"

	"github.com/streadway/amqp"
)

// MockAcknowledger records ack/nack calls so tests can assert on broker
// interactions. It implements amqp.Acknowledger.
type MockAcknowledger struct {
	mu       sync.Mutex
	Acked    []uint64
	Nacked   []uint64
	Requeued map[uint64]bool
}

// NewMockAcknowledger returns an empty acknowledger.
func NewMockAcknowledger() *MockAcknowledger {
	return &MockAcknowledger{Requeued: make(map[uint64]bool)}
}

// Ack records an acknowledged delivery tag.
func (m *MockAcknowledger) Ack(tag uint64, multiple bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Acked = append(m.Acked, tag)
	return nil
}

// Nack records a rejected delivery tag.
func (m *MockAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Nacked = append(m.Nacked, tag)
	m.Requeued[tag] = requeue
	return nil
}

// Reject records a rejected delivery tag.
func (m *MockAcknowledger) Reject(tag uint64, requeue bool) error {
	return m.Nack(tag, false, requeue)
}

// MockAMQPConnection is a mock implementation of AMQPConnection for testing
type MockAMQPConnection struct {
	MockChannel AMQPChannel
	ChannelErr  error
	CloseErr    error

	ChannelCalled bool
	CloseCalled   bool
}

// Channel returns the mock channel
func (m *MockAMQPConnection) Channel() (AMQPChannel, error) {
	m.ChannelCalled = true
	if m.ChannelErr != nil {
		return nil, m.ChannelErr
	}
	return m.MockChannel, nil
}

// Close mocks closing the connection
func (m *MockAMQPConnection) Close() error {
	m.CloseCalled = true
	return m.CloseErr
}

// MockAMQPChannel is a mock implementation of AMQPChannel. Messages
// published to a consumed queue are routed into the consumer channel with
// the mock acknowledger attached; everything else is recorded per queue.
type MockAMQPChannel struct {
	mu sync.Mutex

	Acknowledger *MockAcknowledger
	Declared     map[string]amqp.Table
	Published    map[string][]amqp.Publishing

	consumedQueue string
	deliveries    chan amqp.Delivery
	nextTag       uint64

	// Errors to return from operations
	QueueDeclareErr error
	PublishErr      error
	ConsumeErr      error
	QosErr          error
	CloseErr        error
}

// NewMockAMQPChannel returns a mock channel with empty queues.
func NewMockAMQPChannel() *MockAMQPChannel {
	return &MockAMQPChannel{
		Acknowledger: NewMockAcknowledger(),
		Declared:     make(map[string]amqp.Table),
		Published:    make(map[string][]amqp.Publishing),
		deliveries:   make(chan amqp.Delivery, 64),
	}
}

// QueueDeclare records the declared queue and its arguments.
func (m *MockAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if m.QueueDeclareErr != nil {
		return amqp.Queue{}, m.QueueDeclareErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Declared[name] = args
	return amqp.Queue{Name: name}, nil
}

// Publish records the message and, when the routing key matches the
// consumed queue, delivers it to the consumer.
func (m *MockAMQPChannel) Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if m.PublishErr != nil {
		return m.PublishErr
	}
	m.mu.Lock()
	m.Published[key] = append(m.Published[key], msg)
	deliver := key == m.consumedQueue
	m.nextTag++
	tag := m.nextTag
	m.mu.Unlock()

	if deliver {
		m.deliveries <- amqp.Delivery{
			Acknowledger: m.Acknowledger,
			DeliveryTag:  tag,
			ContentType:  msg.ContentType,
			Body:         msg.Body,
		}
	}
	return nil
}

// Consume returns the mock delivery channel for the given queue.
func (m *MockAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if m.ConsumeErr != nil {
		return nil, m.ConsumeErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.consumedQueue = queue
	return m.deliveries, nil
}

// Get pops the oldest recorded message of the queue.
func (m *MockAMQPChannel) Get(queue string, autoAck bool) (amqp.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	pending := m.Published[queue]
	if len(pending) == 0 {
		return amqp.Delivery{}, false, nil
	}
	msg := pending[0]
	m.Published[queue] = pending[1:]
	m.nextTag++
	return amqp.Delivery{
		Acknowledger: m.Acknowledger,
		DeliveryTag:  m.nextTag,
		Body:         msg.Body,
	}, true, nil
}

// Qos records nothing; prefetch has no effect on the mock.
func (m *MockAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return m.QosErr
}

// Close closes the mock delivery channel.
func (m *MockAMQPChannel) Close() error {
	return m.CloseErr
}

// MockAMQPDialer returns a fixed mock connection.
type MockAMQPDialer struct {
	Connection AMQPConnection
	DialErr    error

	DialCalled bool
	LastURL    string
}

// Dial returns the configured mock connection.
func (d *MockAMQPDialer) Dial(url string) (AMQPConnection, error) {
	d.DialCalled = true
	d.LastURL = url
	if d.DialErr != nil {
		return nil, d.DialErr
	}
	return d.Connection, nil
}
