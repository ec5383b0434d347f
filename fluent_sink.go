package rabbitmqinput

import (
	"errors"
	"fmt"

	"github.com/fluent/fluent-logger-golang/fluent"
)

// FluentConfig describes a fluent-bit / fluentd forward endpoint
type FluentConfig struct {
	Host      string
	Port      int
	TagPrefix string
	Tag       string
}

// FluentPoster is the part of *fluent.Fluent used by FluentSink
type FluentPoster interface {
	Post(tag string, message interface{}) error
	Close() error
}

// FluentSink forwards each record to a fluent forward endpoint as
// {"message": line}
type FluentSink struct {
	client FluentPoster
	tag    string
}

// NewFluentSink connects a fluent client. As with any fluent client there is
// no handshake; delivery errors surface on the first WriteLine.
func NewFluentSink(cfg FluentConfig) (*FluentSink, error) {
	if cfg.TagPrefix == "" && cfg.Tag == "" {
		return nil, fmt.Errorf("%w: fluent tag is required", ErrInvalidConfiguration)
	}

	client, err := fluent.New(fluent.Config{
		FluentHost: cfg.Host,
		FluentPort: cfg.Port,
		TagPrefix:  cfg.TagPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create fluent client: %w", err)
	}

	return NewFluentSinkWithClient(client, cfg.Tag), nil
}

// NewFluentSinkWithClient wraps an existing client
func NewFluentSinkWithClient(client FluentPoster, tag string) *FluentSink {
	if tag == "" {
		tag = "rabbitmq"
	}
	return &FluentSink{client: client, tag: tag}
}

// WriteLine posts line under the sink tag
func (s *FluentSink) WriteLine(line string) error {
	if s.client == nil {
		return errors.New("fluent sink: closed")
	}
	return s.client.Post(s.tag, map[string]string{"message": line})
}

// Close flushes and closes the fluent client
func (s *FluentSink) Close() error {
	if s.client == nil {
		return nil
	}
	return s.client.Close()
}
