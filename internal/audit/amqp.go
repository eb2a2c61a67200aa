package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// DefaultQueue is the durable queue audit events are published to.
const DefaultQueue = "clinicauth-audit"

// Publisher is the subset of *amqp.Channel the sink uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPSink publishes audit events as persistent JSON messages.
type AMQPSink struct {
	mu      sync.Mutex
	pub     Publisher
	queue   string
	timeout time.Duration
	logger  *zap.Logger
	closeFn func() error
}

// NewAMQPSink publishes to queue through pub. The queue must already exist.
func NewAMQPSink(pub Publisher, queue string, logger *zap.Logger) *AMQPSink {
	if queue == "" {
		queue = DefaultQueue
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AMQPSink{pub: pub, queue: queue, timeout: 5 * time.Second, logger: logger}
}

// DialAMQP connects to url, declares the durable queue and returns a sink
// owning the connection.
func DialAMQP(url, queue string, logger *zap.Logger) (*AMQPSink, error) {
	if queue == "" {
		queue = DefaultQueue
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("audit: connect to broker: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("audit: open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("audit: declare queue: %w", err)
	}

	s := NewAMQPSink(ch, queue, logger)
	s.closeFn = func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
	return s, nil
}

// Emit publishes event. Failures are logged; audit never blocks sign-in
// on the broker.
func (s *AMQPSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.pub == nil {
		return
	}
	if err := s.Publish(ctx, event); err != nil {
		s.logger.Warn("audit publish failed", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// Publish is Emit with the error returned.
func (s *AMQPSink) Publish(ctx context.Context, event Event) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pub.PublishWithContext(ctx, "", s.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    event.ID,
		Timestamp:    event.Timestamp,
		Type:         event.EventType,
		Body:         body,
	})
}

// Close releases the broker connection when the sink owns one.
func (s *AMQPSink) Close() error {
	if s == nil || s.closeFn == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	fn := s.closeFn
	s.closeFn = nil
	return fn()
}
