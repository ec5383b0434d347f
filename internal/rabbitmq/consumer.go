package rabbitmq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Consumer registers a single consumer on a channel and exposes its
// delivery stream
type Consumer struct {
	ch            Channel
	prefetchCount int
	autoAck       bool
	exclusive     bool
	noLocal       bool
	noWait        bool
	consumerTag   string
	logger        *slog.Logger

	mu     sync.Mutex
	queue  string
	active bool
}

// ConsumerOption configures the consumer
type ConsumerOption func(*Consumer)

// WithPrefetchCount sets the prefetch count. Zero leaves the broker default.
func WithPrefetchCount(count int) ConsumerOption {
	return func(c *Consumer) {
		c.prefetchCount = count
	}
}

// WithAutoAck enables automatic acknowledgment
func WithAutoAck(autoAck bool) ConsumerOption {
	return func(c *Consumer) {
		c.autoAck = autoAck
	}
}

// WithExclusive sets exclusive consumer mode
func WithExclusive(exclusive bool) ConsumerOption {
	return func(c *Consumer) {
		c.exclusive = exclusive
	}
}

// WithConsumerTag sets the consumer tag
func WithConsumerTag(tag string) ConsumerOption {
	return func(c *Consumer) {
		c.consumerTag = tag
	}
}

// WithConsumerLogger sets the logger
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// NewConsumer creates a new consumer on ch
func NewConsumer(ch Channel, options ...ConsumerOption) *Consumer {
	c := &Consumer{
		ch:          ch,
		autoAck:     false,
		consumerTag: DefaultConnectionName + "-" + uuid.NewString(),
		logger:      slog.Default(),
	}

	for _, opt := range options {
		opt(c)
	}

	return c
}

// Tag returns the consumer tag sent to the broker
func (c *Consumer) Tag() string {
	return c.consumerTag
}

// AutoAck reports whether the broker acknowledges on delivery
func (c *Consumer) AutoAck() bool {
	return c.autoAck
}

// Subscribe starts consuming from queue. It returns once the broker has
// confirmed the registration.
func (c *Consumer) Subscribe(queue string) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.active {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "subscribe",
			Err:         errors.New("consumer already subscribed"),
			Timestamp:   time.Now(),
		}
	}

	if c.prefetchCount > 0 {
		if err := c.ch.Qos(c.prefetchCount, 0, false); err != nil {
			return nil, &ConsumerError{
				Queue:       queue,
				ConsumerTag: c.consumerTag,
				Op:          "qos",
				Err:         err,
				Timestamp:   time.Now(),
			}
		}
	}

	deliveries, err := c.ch.Consume(
		queue,
		c.consumerTag,
		c.autoAck,
		c.exclusive,
		c.noLocal,
		c.noWait,
		nil,
	)
	if err != nil {
		return nil, &ConsumerError{
			Queue:       queue,
			ConsumerTag: c.consumerTag,
			Op:          "subscribe",
			Err:         classifyDeclareError("queue", queue, "consume", err),
			Timestamp:   time.Now(),
		}
	}

	c.queue = queue
	c.active = true

	c.logger.Info("subscribed to queue",
		"queue", queue,
		"consumerTag", c.consumerTag,
		"autoAck", c.autoAck,
		"prefetchCount", c.prefetchCount,
	)

	return deliveries, nil
}

// Cancel asks the broker to stop delivering. The delivery stream is closed
// by the client once outstanding deliveries have been handed over.
func (c *Consumer) Cancel() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.active {
		return nil
	}
	c.active = false

	if c.ch.IsClosed() {
		return nil
	}

	if err := c.ch.Cancel(c.consumerTag, false); err != nil {
		if errors.Is(err, amqp.ErrClosed) {
			return nil
		}
		return &ConsumerError{
			Queue:       c.queue,
			ConsumerTag: c.consumerTag,
			Op:          "cancel",
			Err:         fmt.Errorf("%w: %v", ErrConsumerCancelled, err),
			Timestamp:   time.Now(),
		}
	}

	c.logger.Info("consumer cancelled", "queue", c.queue, "consumerTag", c.consumerTag)
	return nil
}
