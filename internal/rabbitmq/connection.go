package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultDialTimeout bounds a single connection attempt
	DefaultDialTimeout = 30 * time.Second
	// DefaultHeartbeat is the heartbeat interval proposed to the broker
	DefaultHeartbeat = 10 * time.Second
	// DefaultConnectionName is reported to the broker as a client property
	DefaultConnectionName = "rabbitmq-input"
)

// BrokerConfig holds the values needed to open a broker connection. It is
// read once by Connect and not retained afterwards.
type BrokerConfig struct {
	Host           string
	VirtualHost    string
	Port           int
	Username       string
	Password       string
	UseTLS         bool
	TLSConfig      *tls.Config
	Heartbeat      time.Duration
	DialTimeout    time.Duration
	ConnectionName string
}

// Validate checks the configuration for obviously unusable values
func (c BrokerConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidConfiguration)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfiguration, c.Port)
	}
	return nil
}

// URL renders the configuration as an AMQP URI. The password is included;
// pass the result through SanitizeURL before logging it.
func (c BrokerConfig) URL() string {
	scheme := "amqp"
	if c.UseTLS {
		scheme = "amqps"
	}
	u := url.URL{
		Scheme:  scheme,
		Host:    net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:    "/" + c.VirtualHost,
		RawPath: "/" + url.PathEscape(c.VirtualHost),
	}
	if c.Username != "" {
		u.User = url.UserPassword(c.Username, c.Password)
	}
	return u.String()
}

func (c BrokerConfig) amqpConfig() amqp.Config {
	heartbeat := c.Heartbeat
	if heartbeat == 0 {
		heartbeat = DefaultHeartbeat
	}
	timeout := c.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	name := c.ConnectionName
	if name == "" {
		name = DefaultConnectionName
	}
	vhost := c.VirtualHost
	if vhost == "" {
		vhost = "/"
	}

	cfg := amqp.Config{
		SASL: []amqp.Authentication{
			&amqp.PlainAuth{Username: c.Username, Password: c.Password},
		},
		Vhost:      vhost,
		Heartbeat:  heartbeat,
		Locale:     "en_US",
		Dial:       amqp.DefaultDial(timeout),
		Properties: amqp.Table{},
	}
	cfg.Properties.SetClientConnectionName(name)
	if c.UseTLS {
		tlsCfg := c.TLSConfig
		if tlsCfg == nil {
			tlsCfg = &tls.Config{ServerName: c.Host, MinVersion: tls.VersionTLS12}
		}
		cfg.TLSClientConfig = tlsCfg
	}
	return cfg
}

// Channel is the subset of *amqp.Channel used for topology and consumption
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
	IsClosed() bool
}

// Connection is the subset of *amqp.Connection the manager depends on
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Dialer opens a broker connection
type Dialer func(url string, cfg amqp.Config) (Connection, error)

// DialAMQP is the default Dialer backed by amqp091-go
func DialAMQP(url string, cfg amqp.Config) (Connection, error) {
	conn, err := amqp.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &amqpConnection{Connection: conn}, nil
}

type amqpConnection struct {
	*amqp.Connection
}

func (c *amqpConnection) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ConnectionStateListener receives connection state change notifications
type ConnectionStateListener interface {
	OnConnected()
	OnDisconnected(err error)
}

// ConnectionManager owns a single broker connection. It fails fast: there is
// no reconnection, callers decide on retry policy.
type ConnectionManager struct {
	cfg            BrokerConfig
	url            string
	dial           Dialer
	conn           Connection
	mu             sync.RWMutex
	logger         *slog.Logger
	notifyClose    chan *amqp.Error
	isConnected    bool
	done           chan struct{}
	stateListeners []ConnectionStateListener
	listenersMu    sync.RWMutex
}

// ConnectionOption configures the ConnectionManager
type ConnectionOption func(*ConnectionManager)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.logger = logger
	}
}

// WithDialer replaces the function used to open connections
func WithDialer(dial Dialer) ConnectionOption {
	return func(cm *ConnectionManager) {
		cm.dial = dial
	}
}

// NewConnectionManager creates a new connection manager
func NewConnectionManager(cfg BrokerConfig, options ...ConnectionOption) *ConnectionManager {
	cm := &ConnectionManager{
		cfg:    cfg,
		url:    cfg.URL(),
		dial:   DialAMQP,
		logger: slog.Default(),
	}

	for _, opt := range options {
		opt(cm)
	}

	return cm
}

// Connect opens the connection with a single attempt bounded by the dial
// timeout and ctx
func (cm *ConnectionManager) Connect(ctx context.Context) error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.isConnected {
		return nil
	}

	if err := cm.cfg.Validate(); err != nil {
		return &ConnectionError{Op: "connect", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()}
	}

	timeout := cm.cfg.DialTimeout
	if timeout == 0 {
		timeout = DefaultDialTimeout
	}
	connCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type dialResult struct {
		conn Connection
		err  error
	}
	result := make(chan dialResult, 1)
	amqpCfg := cm.cfg.amqpConfig()

	go func() {
		conn, err := cm.dial(cm.url, amqpCfg)
		result <- dialResult{conn: conn, err: err}
	}()

	select {
	case r := <-result:
		if r.err != nil {
			return &ConnectionError{
				Op:        "connect",
				URL:       SanitizeURL(cm.url),
				Err:       classifyDialError(r.err),
				Timestamp: time.Now(),
			}
		}

		cm.conn = r.conn
		cm.isConnected = true
		cm.done = make(chan struct{})
		cm.notifyClose = cm.conn.NotifyClose(make(chan *amqp.Error, 1))

		cm.logger.Info("connected to RabbitMQ",
			"url", SanitizeURL(cm.url),
			"tls", cm.cfg.UseTLS)

		cm.notifyConnected()
		go cm.watchClose(cm.notifyClose, cm.done)

		return nil

	case <-connCtx.Done():
		// a late dial result must not leak its socket
		go func() {
			if r := <-result; r.conn != nil {
				_ = r.conn.Close()
			}
		}()

		err := ErrConnectionTimeout
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %v", ErrOperationCancelled, ctx.Err())
		}
		return &ConnectionError{
			Op:        "connect",
			URL:       SanitizeURL(cm.url),
			Err:       err,
			Timestamp: time.Now(),
		}
	}
}

// GetConnection returns the current connection
func (cm *ConnectionManager) GetConnection() (Connection, error) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	if !cm.isConnected || cm.conn == nil {
		return nil, ErrConnectionNotReady
	}

	if cm.conn.IsClosed() {
		return nil, ErrConnectionClosed
	}

	return cm.conn, nil
}

// Channel opens a new logical channel on the connection
func (cm *ConnectionManager) Channel() (Channel, error) {
	conn, err := cm.GetConnection()
	if err != nil {
		return nil, &ChannelError{Op: "open", ChannelID: "-", Err: err, Timestamp: time.Now()}
	}

	id := uuid.NewString()
	ch, err := conn.Channel()
	if err != nil {
		return nil, &ChannelError{
			Op:        "open",
			ChannelID: id,
			Err:       fmt.Errorf("%w: %v", ErrChannelCreationFailed, err),
			Timestamp: time.Now(),
		}
	}

	cm.logger.Debug("channel opened", "channelId", id)
	return ch, nil
}

// IsConnected returns the connection status
func (cm *ConnectionManager) IsConnected() bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.isConnected && cm.conn != nil && !cm.conn.IsClosed()
}

// Close closes the connection. Closing an already closed manager is a no-op.
func (cm *ConnectionManager) Close() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if !cm.isConnected {
		return nil
	}

	close(cm.done)
	cm.isConnected = false

	conn := cm.conn
	cm.conn = nil
	if conn == nil || conn.IsClosed() {
		return nil
	}

	if err := conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		return &ConnectionError{Op: "close", URL: SanitizeURL(cm.url), Err: err, Timestamp: time.Now()}
	}

	cm.logger.Info("connection closed", "url", SanitizeURL(cm.url))
	return nil
}

// watchClose reports broker-initiated closure to listeners
func (cm *ConnectionManager) watchClose(notify chan *amqp.Error, done chan struct{}) {
	select {
	case err, ok := <-notify:
		if !ok || err == nil {
			return
		}
		cm.logger.Error("connection closed by broker", "error", err)

		cm.mu.Lock()
		cm.isConnected = false
		cm.conn = nil
		cm.mu.Unlock()

		cm.notifyDisconnected(&ConnectionError{
			Op:        "connection",
			URL:       SanitizeURL(cm.url),
			Err:       fmt.Errorf("%w: %v", ErrConnectionClosed, err),
			Timestamp: time.Now(),
		})

	case <-done:
	}
}

// AddStateListener adds a connection state listener
func (cm *ConnectionManager) AddStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()
	cm.stateListeners = append(cm.stateListeners, listener)
}

// RemoveStateListener removes a connection state listener
func (cm *ConnectionManager) RemoveStateListener(listener ConnectionStateListener) {
	cm.listenersMu.Lock()
	defer cm.listenersMu.Unlock()

	for i, l := range cm.stateListeners {
		if l == listener {
			cm.stateListeners = append(cm.stateListeners[:i], cm.stateListeners[i+1:]...)
			break
		}
	}
}

func (cm *ConnectionManager) notifyConnected() {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnConnected()
	}
}

func (cm *ConnectionManager) notifyDisconnected(err error) {
	cm.listenersMu.RLock()
	defer cm.listenersMu.RUnlock()

	for _, listener := range cm.stateListeners {
		go listener.OnDisconnected(err)
	}
}
