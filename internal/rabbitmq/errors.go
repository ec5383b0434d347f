package rabbitmq

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

var (
	// Connection errors
	ErrConnectionClosed    = errors.New("rabbitmq: connection is closed")
	ErrConnectionNotReady  = errors.New("rabbitmq: connection not ready")
	ErrConnectionTimeout   = errors.New("rabbitmq: connection timeout")
	ErrAccessRefused       = errors.New("rabbitmq: access refused")
	ErrVirtualHostNotFound = errors.New("rabbitmq: virtual host not found")

	// Channel errors
	ErrChannelCreationFailed = errors.New("rabbitmq: failed to create channel")

	// Consumer errors
	ErrConsumerCancelled = errors.New("rabbitmq: consumer cancelled")

	// Topology errors
	ErrTopologyConflict    = errors.New("rabbitmq: topology redeclared with incompatible arguments")
	ErrResourceLocked      = errors.New("rabbitmq: resource locked by another connection")
	ErrInvalidExchangeKind = errors.New("rabbitmq: invalid exchange kind")

	// General errors
	ErrInvalidConfiguration = errors.New("rabbitmq: invalid configuration")
	ErrOperationCancelled   = errors.New("rabbitmq: operation cancelled")
)

// ConnectionError represents a failure to open or use the broker connection
type ConnectionError struct {
	Op        string    // Operation that failed
	URL       string    // Connection URL (sanitized)
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rabbitmq connection error: %s %s failed: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ChannelError represents a channel-related error
type ChannelError struct {
	Op        string    // Operation that failed
	ChannelID string    // Channel identifier
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *ChannelError) Error() string {
	return fmt.Sprintf("rabbitmq channel error: %s on channel %s: %v", e.Op, e.ChannelID, e.Err)
}

func (e *ChannelError) Unwrap() error {
	return e.Err
}

// ConsumerError represents a consumer-related error
type ConsumerError struct {
	Queue       string    // Queue name
	ConsumerTag string    // Consumer tag
	Op          string    // Operation that failed
	Err         error     // Underlying error
	Timestamp   time.Time // When the error occurred
}

func (e *ConsumerError) Error() string {
	return fmt.Sprintf("rabbitmq consumer error: %s failed for consumer %s on queue %s: %v",
		e.Op, e.ConsumerTag, e.Queue, e.Err)
}

func (e *ConsumerError) Unwrap() error {
	return e.Err
}

// TopologyError represents a declaration or binding conflict
type TopologyError struct {
	Component string    // Component type (exchange, queue, binding)
	Name      string    // Component name
	Op        string    // Operation that failed
	Err       error     // Underlying error
	Timestamp time.Time // When the error occurred
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rabbitmq topology error: failed to %s %s '%s': %v",
		e.Op, e.Component, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// PermissionError is returned when the broker refuses access to a resource,
// e.g. an exclusive queue owned by another connection.
type PermissionError struct {
	Component string
	Name      string
	Err       error
	Timestamp time.Time
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("rabbitmq permission error: %s '%s': %v", e.Component, e.Name, e.Err)
}

func (e *PermissionError) Unwrap() error {
	return e.Err
}

// classifyDeclareError maps broker channel exceptions raised by a declaration
// to the topology error taxonomy.
func classifyDeclareError(component, name, op string, err error) error {
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.ResourceLocked:
			return &PermissionError{
				Component: component,
				Name:      name,
				Err:       fmt.Errorf("%w: %v", ErrResourceLocked, amqpErr),
				Timestamp: time.Now(),
			}
		case amqp.AccessRefused:
			return &PermissionError{
				Component: component,
				Name:      name,
				Err:       fmt.Errorf("%w: %v", ErrAccessRefused, amqpErr),
				Timestamp: time.Now(),
			}
		case amqp.PreconditionFailed:
			return &TopologyError{
				Component: component,
				Name:      name,
				Op:        op,
				Err:       fmt.Errorf("%w: %v", ErrTopologyConflict, amqpErr),
				Timestamp: time.Now(),
			}
		}
	}
	return &TopologyError{
		Component: component,
		Name:      name,
		Op:        op,
		Err:       err,
		Timestamp: time.Now(),
	}
}

// classifyDialError maps connection negotiation failures to sentinel errors
func classifyDialError(err error) error {
	switch {
	case errors.Is(err, amqp.ErrVhost):
		return fmt.Errorf("%w: %v", ErrVirtualHostNotFound, err)
	case errors.Is(err, amqp.ErrSASL), errors.Is(err, amqp.ErrCredentials):
		return fmt.Errorf("%w: %v", ErrAccessRefused, err)
	}

	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		switch amqpErr.Code {
		case amqp.AccessRefused:
			return fmt.Errorf("%w: %v", ErrAccessRefused, amqpErr)
		case amqp.NotAllowed:
			return fmt.Errorf("%w: %v", ErrVirtualHostNotFound, amqpErr)
		}
	}
	return err
}

// IsRetryable determines if a start-up error is worth retrying with the same
// configuration
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	switch {
	case errors.Is(err, ErrInvalidConfiguration):
		return false
	case errors.Is(err, ErrAccessRefused):
		return false
	case errors.Is(err, ErrVirtualHostNotFound):
		return false
	case errors.Is(err, ErrOperationCancelled):
		return false
	}

	var topoErr *TopologyError
	if errors.As(err, &topoErr) {
		return false
	}

	var permErr *PermissionError
	if errors.As(err, &permErr) {
		// exclusive owner may go away
		return errors.Is(err, ErrResourceLocked)
	}

	return true
}

// IsFatal determines if an error is fatal and should not be retried
func IsFatal(err error) bool {
	return !IsRetryable(err)
}

// SanitizeURL masks the password in a connection URL
func SanitizeURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}
