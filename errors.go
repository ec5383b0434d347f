package rabbitmqinput

import (
	"errors"
	"fmt"
	"time"

	"github.com/glimte/rabbitmq-input/internal/rabbitmq"
)

var (
	// ErrInvalidConfiguration is wrapped by every configuration validation failure
	ErrInvalidConfiguration = rabbitmq.ErrInvalidConfiguration
	// ErrInvalidExchangeKind is returned for exchange types outside direct, topic, fanout and headers
	ErrInvalidExchangeKind = rabbitmq.ErrInvalidExchangeKind
	// ErrShutdownTimeout is returned by Stop when in-flight deliveries did not
	// finish within the grace period and teardown was forced
	ErrShutdownTimeout = errors.New("rabbitmq-input: shutdown grace period exceeded")
	// ErrNilSink is returned by Start when no sink is supplied
	ErrNilSink = errors.New("rabbitmq-input: sink is nil")
)

// Errors surfaced by Start. They are defined next to the broker client code
// and re-exported so owners can match them with errors.As.
type (
	ConnectionError = rabbitmq.ConnectionError
	ChannelError    = rabbitmq.ChannelError
	ConsumerError   = rabbitmq.ConsumerError
	TopologyError   = rabbitmq.TopologyError
	PermissionError = rabbitmq.PermissionError
)

// IsRetryable reports whether a failed Start may succeed when retried with
// the same configuration
func IsRetryable(err error) bool {
	var stateErr *InvalidStateError
	if errors.As(err, &stateErr) || errors.Is(err, ErrNilSink) {
		return false
	}
	return rabbitmq.IsRetryable(err)
}

// InvalidStateError reports a lifecycle call made from a state that does not
// allow it, e.g. a second Start
type InvalidStateError struct {
	Op    string
	State State
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("rabbitmq-input: cannot %s listener in state %s", e.Op, e.State)
}

// DecodeError reports a delivery body that is not valid UTF-8. The delivery
// is dropped and the stream continues.
type DecodeError struct {
	DeliveryTag uint64
	MessageID   string
	Offset      int // first invalid byte
	Size        int
	Err         error
	Timestamp   time.Time
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("rabbitmq-input: delivery %d (%d bytes) is not valid UTF-8 at byte %d: %v",
		e.DeliveryTag, e.Size, e.Offset, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}
