package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"walink/internal/constants"

	"github.com/sirupsen/logrus"
	"github.com/streadway/amqp"
)

// amqpChannel is the part of *amqp.Channel the forwarder uses
type amqpChannel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// AMQPForwarder publishes payloads to a durable RabbitMQ queue
type AMQPForwarder struct {
	mu      sync.Mutex
	conn    *amqp.Connection
	channel amqpChannel
	queue   string
	logger  *logrus.Logger
	now     func() time.Time
}

// NewAMQPForwarder dials the broker and declares the queue
func NewAMQPForwarder(url, queue string, logger *logrus.Logger) (*AMQPForwarder, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	f, err := newAMQPForwarder(ch, queue, logger)
	if err != nil {
		conn.Close()
		return nil, err
	}
	f.conn = conn
	return f, nil
}

func newAMQPForwarder(ch amqpChannel, queue string, logger *logrus.Logger) (*AMQPForwarder, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if queue == "" {
		queue = constants.DefaultForwarderQueue
	}

	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to declare queue %s: %w", queue, err)
	}

	return &AMQPForwarder{
		channel: ch,
		queue:   queue,
		logger:  logger,
		now:     time.Now,
	}, nil
}

// Forward publishes one payload as a persistent JSON message
func (f *AMQPForwarder) Forward(ctx context.Context, instanceID string, payload json.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(Message{
		Instance:   instanceID,
		Data:       payload,
		ReceivedAt: f.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to encode message: %w", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.channel == nil {
		return fmt.Errorf("forwarder closed")
	}

	err = f.channel.Publish("", f.queue, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    f.now(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to %s: %w", f.queue, err)
	}
	return nil
}

// Close releases the channel and connection
func (f *AMQPForwarder) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var firstErr error
	if f.channel != nil {
		if err := f.channel.Close(); err != nil {
			firstErr = err
		}
		f.channel = nil
	}
	if f.conn != nil {
		if err := f.conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		f.conn = nil
	}
	return firstErr
}
