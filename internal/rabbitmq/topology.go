package rabbitmq

import (
	"fmt"
	"log/slog"
	"strings"

	amqp "github.com/rabbitmq/amqp091-go"
)

// ExchangeKind is the routing type of an exchange
type ExchangeKind int

const (
	// ExchangeDirect routes on exact routing key match
	ExchangeDirect ExchangeKind = iota
	// ExchangeTopic routes on routing key patterns
	ExchangeTopic
	// ExchangeFanout routes to every bound queue
	ExchangeFanout
	// ExchangeHeaders routes on message header values
	ExchangeHeaders
)

// String returns the AMQP name of the exchange kind
func (k ExchangeKind) String() string {
	switch k {
	case ExchangeDirect:
		return amqp.ExchangeDirect
	case ExchangeTopic:
		return amqp.ExchangeTopic
	case ExchangeFanout:
		return amqp.ExchangeFanout
	case ExchangeHeaders:
		return amqp.ExchangeHeaders
	default:
		return fmt.Sprintf("ExchangeKind(%d)", int(k))
	}
}

// Valid reports whether k is one of the recognized kinds
func (k ExchangeKind) Valid() bool {
	return k >= ExchangeDirect && k <= ExchangeHeaders
}

// ParseExchangeKind parses an exchange type name. The empty string means
// direct.
func ParseExchangeKind(s string) (ExchangeKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", amqp.ExchangeDirect:
		return ExchangeDirect, nil
	case amqp.ExchangeTopic:
		return ExchangeTopic, nil
	case amqp.ExchangeFanout:
		return ExchangeFanout, nil
	case amqp.ExchangeHeaders:
		return ExchangeHeaders, nil
	}
	return 0, fmt.Errorf("%w: %w %q (want direct, topic, fanout or headers)",
		ErrInvalidConfiguration, ErrInvalidExchangeKind, s)
}

// TopologyConfig describes the exchange, queue and binding consumed from.
// An empty Exchange denotes the broker's default exchange.
type TopologyConfig struct {
	Exchange     string
	ExchangeKind ExchangeKind
	Queue        string
	RoutingKey   string
	Durable      bool
	Exclusive    bool
	AutoDelete   bool
}

// Validate checks the topology before anything is sent to the broker
func (c TopologyConfig) Validate() error {
	if !c.ExchangeKind.Valid() {
		return fmt.Errorf("%w: %w %s", ErrInvalidConfiguration, ErrInvalidExchangeKind, c.ExchangeKind)
	}
	if c.Queue == "" {
		return fmt.Errorf("%w: queue name is required", ErrInvalidConfiguration)
	}
	return nil
}

// UsesDefaultExchange reports whether the queue is reached through the
// default exchange, in which case no exchange is declared or bound
func (c TopologyConfig) UsesDefaultExchange() bool {
	return c.Exchange == ""
}

// TopologyManager declares exchanges, queues and bindings on a channel
type TopologyManager struct {
	logger *slog.Logger
}

// NewTopologyManager creates a new topology manager
func NewTopologyManager(logger *slog.Logger) *TopologyManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TopologyManager{logger: logger}
}

// Declare declares the exchange, then the queue, then binds them. Declaring
// a topology that already exists with identical arguments is a no-op.
func (tm *TopologyManager) Declare(ch Channel, cfg TopologyConfig) (amqp.Queue, error) {
	if err := cfg.Validate(); err != nil {
		return amqp.Queue{}, err
	}

	if err := tm.DeclareExchange(ch, cfg.Exchange, cfg.ExchangeKind); err != nil {
		return amqp.Queue{}, err
	}

	q, err := tm.DeclareQueue(ch, cfg.Queue, cfg.Durable, cfg.Exclusive, cfg.AutoDelete)
	if err != nil {
		return amqp.Queue{}, err
	}

	if err := tm.BindQueue(ch, q.Name, cfg.Exchange, cfg.RoutingKey); err != nil {
		return amqp.Queue{}, err
	}

	return q, nil
}

// DeclareExchange declares an exchange with broker defaults (non-durable,
// not auto-deleted). The default exchange always exists and is skipped.
func (tm *TopologyManager) DeclareExchange(ch Channel, name string, kind ExchangeKind) error {
	if name == "" {
		return nil
	}
	if !kind.Valid() {
		return fmt.Errorf("%w: %w %s", ErrInvalidConfiguration, ErrInvalidExchangeKind, kind)
	}

	tm.logger.Debug("declaring exchange", "exchange", name, "kind", kind.String())
	err := ch.ExchangeDeclare(
		name,
		kind.String(),
		false, // durable
		false, // auto-delete
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		return classifyDeclareError("exchange", name, "declare", err)
	}
	return nil
}

// DeclareQueue declares a queue and returns the broker's view of it
func (tm *TopologyManager) DeclareQueue(ch Channel, name string, durable, exclusive, autoDelete bool) (amqp.Queue, error) {
	tm.logger.Debug("declaring queue",
		"queue", name,
		"durable", durable,
		"exclusive", exclusive,
		"autoDelete", autoDelete)

	q, err := ch.QueueDeclare(
		name,
		durable,
		autoDelete,
		exclusive,
		false, // no-wait
		nil,
	)
	if err != nil {
		return amqp.Queue{}, classifyDeclareError("queue", name, "declare", err)
	}
	return q, nil
}

// BindQueue binds a queue to an exchange. Binding to the default exchange is
// implicit by queue name, so it is a no-op.
func (tm *TopologyManager) BindQueue(ch Channel, queue, exchange, routingKey string) error {
	if exchange == "" {
		return nil
	}

	tm.logger.Debug("binding queue",
		"queue", queue,
		"exchange", exchange,
		"routingKey", routingKey)

	err := ch.QueueBind(
		queue,
		routingKey,
		exchange,
		false, // no-wait
		nil,
	)
	if err != nil {
		return classifyDeclareError("binding", queue+"->"+exchange, "bind", err)
	}
	return nil
}
