// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package rabbitmqinput

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/glimte/rabbitmq-input/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultShutdownTimeout bounds how long Stop waits for in-flight deliveries
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultBufferSize is the depth of the queue between the delivery pump and the sink writer
	DefaultBufferSize = 64
)

// State is the lifecycle state of a Listener
type State int32

const (
	StateCreated State = iota
	StateStarting
	StateRunning
	StateStopping
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Stats counts what happened to deliveries since Start
type Stats struct {
	Received       uint64
	Forwarded      uint64
	DecodeFailures uint64
	SinkFailures   uint64
	AckFailures    uint64
}

// Listener consumes a queue and forwards every message body to a Sink as one
// line of text. A Listener is started once; after Stop or Dispose a new one
// must be created.
type Listener struct {
	logger          *slog.Logger
	shutdownTimeout time.Duration
	bufferSize      int
	prefetchCount   int
	tlsConfig       *tls.Config
	dialer          rabbitmq.Dialer

	mu      sync.Mutex
	state   State
	session *session

	done     chan struct{}
	doneOnce sync.Once

	received       atomic.Uint64
	forwarded      atomic.Uint64
	decodeFailures atomic.Uint64
	sinkFailures   atomic.Uint64
	ackFailures    atomic.Uint64
}

// Option configures a Listener
type Option func(*Listener)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Listener) {
		l.logger = logger
	}
}

// WithShutdownTimeout sets the grace period Stop waits for in-flight
// deliveries before forcing teardown
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(l *Listener) {
		l.shutdownTimeout = timeout
	}
}

// WithBufferSize sets how many deliveries may wait for the sink writer
func WithBufferSize(size int) Option {
	return func(l *Listener) {
		l.bufferSize = size
	}
}

// WithPrefetchCount limits unacknowledged deliveries in manual-ack mode
func WithPrefetchCount(count int) Option {
	return func(l *Listener) {
		l.prefetchCount = count
	}
}

// WithTLSConfig sets the TLS client configuration used when the broker
// config asks for an encrypted transport
func WithTLSConfig(cfg *tls.Config) Option {
	return func(l *Listener) {
		l.tlsConfig = cfg
	}
}

// WithDialer replaces the function used to open broker connections
func WithDialer(dial rabbitmq.Dialer) Option {
	return func(l *Listener) {
		l.dialer = dial
	}
}

// NewListener creates a listener in the Created state
func NewListener(options ...Option) *Listener {
	l := &Listener{
		logger:          slog.Default(),
		shutdownTimeout: DefaultShutdownTimeout,
		bufferSize:      DefaultBufferSize,
		state:           StateCreated,
		done:            make(chan struct{}),
	}

	for _, opt := range options {
		opt(l)
	}

	if l.bufferSize < 0 {
		l.bufferSize = 0
	}

	return l
}

// session holds the resources of one started listener
type session struct {
	conn     *rabbitmq.ConnectionManager
	ch       rabbitmq.Channel
	consumer *rabbitmq.Consumer
	sink     Sink
	autoAck  bool
	queue    string

	records    chan amqp.Delivery
	cancel     context.CancelFunc
	writerDone chan struct{}

	closeOnce sync.Once
	closeErr  error
}

// StartWithSettings validates settings and starts the listener with them
func (l *Listener) StartWithSettings(ctx context.Context, settings Settings, sink Sink) error {
	topology, err := settings.TopologyConfig()
	if err != nil {
		return err
	}
	return l.Start(ctx, settings.BrokerConfig(), topology, settings.AutoAck, sink)
}

// Start connects, declares the topology, registers the consumer and begins
// forwarding deliveries to sink. It returns once the broker has confirmed
// the consumer. On failure every opened resource is released and the
// listener returns to Created so Start may be retried.
func (l *Listener) Start(ctx context.Context, broker BrokerConfig, topology TopologyConfig, autoAck bool, sink Sink) error {
	l.mu.Lock()
	if l.state != StateCreated {
		state := l.state
		l.mu.Unlock()
		return &InvalidStateError{Op: "start", State: state}
	}
	l.state = StateStarting
	l.mu.Unlock()

	s, err := l.open(ctx, broker, topology, autoAck, sink)
	if err != nil {
		l.mu.Lock()
		if l.state == StateStarting {
			l.state = StateCreated
		}
		l.mu.Unlock()

		l.logger.Error("failed to start listener",
			"error", err,
			"queue", topology.Queue,
			"exchange", topology.Exchange)
		return err
	}

	l.mu.Lock()
	if l.state != StateStarting {
		// stopped or disposed while starting
		state := l.state
		l.mu.Unlock()
		s.cancel()
		_ = s.close()
		l.logger.Info("start aborted", "queue", s.queue, "state", state.String())
		return &InvalidStateError{Op: "start", State: state}
	}
	l.session = s
	l.state = StateRunning
	l.mu.Unlock()

	// the stream may have ended before the session was published
	select {
	case <-s.writerDone:
		l.finish(s)
	default:
	}

	l.logger.Info("listener started",
		"queue", s.queue,
		"exchange", topology.Exchange,
		"exchangeType", topology.ExchangeKind.String(),
		"routingKey", topology.RoutingKey,
		"autoAck", autoAck)

	return nil
}

// open acquires connection, channel, topology and consumer in order and
// starts the forwarding goroutines
func (l *Listener) open(ctx context.Context, broker BrokerConfig, topology TopologyConfig, autoAck bool, sink Sink) (*session, error) {
	if sink == nil {
		return nil, ErrNilSink
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	if broker.UseTLS && broker.TLSConfig == nil {
		broker.TLSConfig = l.tlsConfig
	}

	connOpts := []rabbitmq.ConnectionOption{rabbitmq.WithLogger(l.logger)}
	if l.dialer != nil {
		connOpts = append(connOpts, rabbitmq.WithDialer(l.dialer))
	}
	conn := rabbitmq.NewConnectionManager(broker, connOpts...)
	if err := conn.Connect(ctx); err != nil {
		return nil, err
	}

	s := &session{
		conn:    conn,
		sink:    sink,
		autoAck: autoAck,
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.ch = ch

	q, err := rabbitmq.NewTopologyManager(l.logger).Declare(ch, topology)
	if err != nil {
		_ = s.close()
		return nil, err
	}
	s.queue = q.Name
	if s.queue == "" {
		s.queue = topology.Queue
	}

	s.consumer = rabbitmq.NewConsumer(ch,
		rabbitmq.WithAutoAck(autoAck),
		rabbitmq.WithPrefetchCount(l.prefetchCount),
		rabbitmq.WithConsumerLogger(l.logger),
	)
	deliveries, err := s.consumer.Subscribe(s.queue)
	if err != nil {
		_ = s.close()
		return nil, err
	}

	conn.AddStateListener(&connectionObserver{logger: l.logger, queue: s.queue})

	workerCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.records = make(chan amqp.Delivery, l.bufferSize)
	s.writerDone = make(chan struct{})

	go l.pump(workerCtx, s, deliveries)
	go l.write(workerCtx, s)

	return s, nil
}

// pump hands deliveries from the broker client over to the writer
func (l *Listener) pump(ctx context.Context, s *session, deliveries <-chan amqp.Delivery) {
	defer close(s.records)

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				l.logger.Debug("delivery stream closed", "queue", s.queue)
				return
			}
			l.received.Add(1)

			select {
			case s.records <- d:
			case <-ctx.Done():
				return
			}
		}
	}
}

// write is the only goroutine touching the sink, which keeps records whole
// and in delivery order
func (l *Listener) write(ctx context.Context, s *session) {
	defer func() {
		close(s.writerDone)
		l.finish(s)
		l.markDone()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-s.records:
			if !ok {
				return
			}
			l.forward(s, d)
		}
	}
}

// forward decodes one delivery, writes it and applies the ack policy. It
// never lets a failure escape to the writer loop.
func (l *Listener) forward(s *session, d amqp.Delivery) {
	defer func() {
		if r := recover(); r != nil {
			l.sinkFailures.Add(1)
			l.logger.Error("panic while forwarding delivery",
				"panic", r,
				"queue", s.queue,
				"deliveryTag", d.DeliveryTag)
		}
	}()

	line, err := decodeBody(d)
	if err != nil {
		l.decodeFailures.Add(1)
		l.logger.Error("a received message could not be decoded",
			"error", err,
			"queue", s.queue,
			"deliveryTag", d.DeliveryTag,
			"messageId", d.MessageId)
		if !s.autoAck {
			if rejectErr := d.Reject(false); rejectErr != nil {
				l.logger.Error("failed to reject message", "error", rejectErr, "deliveryTag", d.DeliveryTag)
			}
		}
		return
	}

	if err := s.sink.WriteLine(line); err != nil {
		l.sinkFailures.Add(1)
		// manual-ack deliveries stay unacknowledged and are redelivered
		// once the channel closes
		l.logger.Error("failed to write message to sink",
			"error", err,
			"queue", s.queue,
			"deliveryTag", d.DeliveryTag,
			"acknowledged", s.autoAck)
		return
	}
	l.forwarded.Add(1)

	if !s.autoAck {
		if err := d.Ack(false); err != nil {
			l.ackFailures.Add(1)
			l.logger.Error("failed to ack message",
				"error", err,
				"queue", s.queue,
				"deliveryTag", d.DeliveryTag)
		}
	}
}

// Stop cancels the consumer, lets deliveries already handed to the listener
// reach the sink, then closes the channel and connection. The wait is
// bounded by ctx and the shutdown timeout; past that teardown is forced and
// ErrShutdownTimeout is returned. Stop during Start closes the listener and
// makes the pending Start fail with *InvalidStateError. In any other state
// Stop is a no-op.
func (l *Listener) Stop(ctx context.Context) error {
	l.mu.Lock()
	switch l.state {
	case StateRunning:
	case StateStarting:
		l.state = StateClosed
		l.mu.Unlock()
		l.markDone()
		l.logger.Info("stop requested while starting")
		return nil
	default:
		l.mu.Unlock()
		return nil
	}
	l.state = StateStopping
	s := l.session
	l.mu.Unlock()

	l.logger.Info("stopping listener", "queue", s.queue)

	if err := s.consumer.Cancel(); err != nil {
		l.logger.Warn("failed to cancel consumer", "error", err, "queue", s.queue)
	}

	var waitErr error
	timer := time.NewTimer(l.shutdownTimeout)
	defer timer.Stop()

	select {
	case <-s.writerDone:
	case <-timer.C:
		waitErr = ErrShutdownTimeout
	case <-ctx.Done():
		waitErr = fmt.Errorf("%w: %v", ErrShutdownTimeout, ctx.Err())
	}
	if waitErr != nil {
		l.logger.Warn("in-flight deliveries did not finish, forcing shutdown",
			"queue", s.queue,
			"timeout", l.shutdownTimeout)
	}

	s.cancel()
	closeErr := s.close()

	l.mu.Lock()
	if l.state == StateStopping {
		l.state = StateClosed
		l.session = nil
	}
	l.mu.Unlock()
	l.markDone()

	l.logger.Info("listener stopped", "queue", s.queue, "forwarded", l.forwarded.Load())
	return errors.Join(waitErr, closeErr)
}

// Dispose releases the channel and connection immediately. It is safe to
// call in any state and more than once.
func (l *Listener) Dispose() error {
	l.mu.Lock()
	if l.state == StateClosed {
		l.mu.Unlock()
		return nil
	}
	l.state = StateClosed
	s := l.session
	l.session = nil
	l.mu.Unlock()
	l.markDone()

	if s == nil {
		return nil
	}

	s.cancel()
	err := s.close()
	l.logger.Info("listener disposed", "queue", s.queue)
	return err
}

// State returns the current lifecycle state
func (l *Listener) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Done is closed when the listener stops forwarding, whether through Stop,
// Dispose or loss of the broker connection. By then State reports Closed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// Stats returns delivery counters
func (l *Listener) Stats() Stats {
	return Stats{
		Received:       l.received.Load(),
		Forwarded:      l.forwarded.Load(),
		DecodeFailures: l.decodeFailures.Load(),
		SinkFailures:   l.sinkFailures.Load(),
		AckFailures:    l.ackFailures.Load(),
	}
}

// finish closes a running listener whose delivery stream ended without Stop
// or Dispose, e.g. after the broker closed the connection
func (l *Listener) finish(s *session) {
	l.mu.Lock()
	if l.state != StateRunning || l.session != s {
		l.mu.Unlock()
		return
	}
	l.state = StateClosed
	l.session = nil
	l.mu.Unlock()

	s.cancel()
	if err := s.close(); err != nil {
		l.logger.Warn("failed to release resources after the delivery stream ended", "error", err, "queue", s.queue)
	}
	l.logger.Warn("delivery stream ended, listener closed", "queue", s.queue)
}

func (l *Listener) markDone() {
	l.doneOnce.Do(func() { close(l.done) })
}

// close releases channel then connection exactly once
func (s *session) close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.ch != nil && !s.ch.IsClosed() {
			if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
				errs = append(errs, &ChannelError{Op: "close", ChannelID: s.queue, Err: err, Timestamp: time.Now()})
			}
		}
		if s.conn != nil {
			if err := s.conn.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// connectionObserver logs broker-side connection loss
type connectionObserver struct {
	logger *slog.Logger
	queue  string
}

func (o *connectionObserver) OnConnected() {}

func (o *connectionObserver) OnDisconnected(err error) {
	o.logger.Error("broker connection lost, deliveries stopped", "error", err, "queue", o.queue)
}
