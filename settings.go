package rabbitmqinput

import (
	"fmt"

	"github.com/glimte/rabbitmq-input/internal/rabbitmq"
)

// Broker and topology configuration types, shared with the broker client
type (
	BrokerConfig   = rabbitmq.BrokerConfig
	TopologyConfig = rabbitmq.TopologyConfig
	ExchangeKind   = rabbitmq.ExchangeKind
)

// Exchange kinds accepted by TopologyConfig
const (
	ExchangeDirect  = rabbitmq.ExchangeDirect
	ExchangeTopic   = rabbitmq.ExchangeTopic
	ExchangeFanout  = rabbitmq.ExchangeFanout
	ExchangeHeaders = rabbitmq.ExchangeHeaders
)

// ParseExchangeKind parses direct, topic, fanout or headers
func ParseExchangeKind(s string) (ExchangeKind, error) {
	return rabbitmq.ParseExchangeKind(s)
}

// Default setting values
const (
	DefaultHost         = "localhost"
	DefaultVirtualHost  = "/"
	DefaultPort         = 5672
	DefaultUsername     = "guest"
	DefaultPassword     = "guest"
	DefaultQueue        = "logs"
	DefaultExchange     = ""
	DefaultExchangeType = "direct"
	DefaultRoutingKey   = ""
)

// Settings is the flat configuration surface a host exposes to its users.
// ExchangeType is kept as text so it can come straight from a flag or an
// environment variable; Validate rejects unknown kinds.
type Settings struct {
	Host            string
	VirtualHost     string
	Port            int
	Username        string
	Password        string
	Queue           string
	Exchange        string
	ExchangeType    string
	RoutingKey      string
	UseTLS          bool
	QueueDurable    bool
	QueueExclusive  bool
	QueueAutoDelete bool
	AutoAck         bool
}

// DefaultSettings returns the settings used when the host supplies none
func DefaultSettings() Settings {
	return Settings{
		Host:         DefaultHost,
		VirtualHost:  DefaultVirtualHost,
		Port:         DefaultPort,
		Username:     DefaultUsername,
		Password:     DefaultPassword,
		Queue:        DefaultQueue,
		Exchange:     DefaultExchange,
		ExchangeType: DefaultExchangeType,
		RoutingKey:   DefaultRoutingKey,
		AutoAck:      true,
	}
}

// Validate checks the settings without contacting the broker
func (s Settings) Validate() error {
	if err := s.BrokerConfig().Validate(); err != nil {
		return err
	}
	topology, err := s.TopologyConfig()
	if err != nil {
		return err
	}
	return topology.Validate()
}

// BrokerConfig extracts the connection part of the settings
func (s Settings) BrokerConfig() BrokerConfig {
	return BrokerConfig{
		Host:        s.Host,
		VirtualHost: s.VirtualHost,
		Port:        s.Port,
		Username:    s.Username,
		Password:    s.Password,
		UseTLS:      s.UseTLS,
	}
}

// TopologyConfig extracts the exchange, queue and binding part of the settings
func (s Settings) TopologyConfig() (TopologyConfig, error) {
	kind, err := ParseExchangeKind(s.ExchangeType)
	if err != nil {
		return TopologyConfig{}, fmt.Errorf("exchange type: %w", err)
	}
	return TopologyConfig{
		Exchange:     s.Exchange,
		ExchangeKind: kind,
		Queue:        s.Queue,
		RoutingKey:   s.RoutingKey,
		Durable:      s.QueueDurable,
		Exclusive:    s.QueueExclusive,
		AutoDelete:   s.QueueAutoDelete,
	}, nil
}

// SanitizeURL masks the password in a broker URL for display
func SanitizeURL(raw string) string {
	return rabbitmq.SanitizeURL(raw)
}
