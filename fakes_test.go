package rabbitmqinput

import (
	"errors"
	"sync"

	"github.com/glimte/rabbitmq-input/internal/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/mock"
)

// fakeBroker stands in for the broker behind the Dialer seam and counts
// open connections and channels
type fakeBroker struct {
	mu sync.Mutex

	dialErr     error
	exchangeErr error
	queueErr    error
	bindErr     error
	consumeErr  error

	dials        int
	dialURL      string
	dialConfig   amqp.Config
	openConns    int
	openChannels int

	exchanges []string
	queues    []string
	bindings  []string

	consumeQueue   string
	consumeAutoAck bool

	deliveries     chan amqp.Delivery
	deliveriesOnce sync.Once
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{deliveries: make(chan amqp.Delivery, 256)}
}

func (b *fakeBroker) dial(url string, cfg amqp.Config) (rabbitmq.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	b.dialURL = url
	b.dialConfig = cfg
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	b.openConns++
	return &fakeConnection{broker: b}, nil
}

// deliver pushes a message as the broker client would
func (b *fakeBroker) deliver(body []byte, ack amqp.Acknowledger, tag uint64) {
	b.deliveries <- amqp.Delivery{Body: body, Acknowledger: ack, DeliveryTag: tag}
}

func (b *fakeBroker) closeDeliveries() {
	b.deliveriesOnce.Do(func() { close(b.deliveries) })
}

func (b *fakeBroker) lastDial() (string, amqp.Config) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dialURL, b.dialConfig
}

func (b *fakeBroker) counts() (conns, channels int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.openConns, b.openChannels
}

type fakeConnection struct {
	broker  *fakeBroker
	mu      sync.Mutex
	closed  bool
	notify  []chan *amqp.Error
	channel *fakeChannel
}

func (c *fakeConnection) Channel() (rabbitmq.Channel, error) {
	c.broker.mu.Lock()
	c.broker.openChannels++
	c.broker.mu.Unlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.channel = &fakeChannel{broker: c.broker}
	return c.channel, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return amqp.ErrClosed
	}
	c.closed = true
	ch := c.channel
	for _, n := range c.notify {
		close(n)
	}
	c.mu.Unlock()

	if ch != nil {
		_ = ch.Close()
	}

	c.broker.mu.Lock()
	c.broker.openConns--
	c.broker.mu.Unlock()
	return nil
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeChannel struct {
	broker *fakeBroker
	mu     sync.Mutex
	closed bool
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.exchangeErr != nil {
		return ch.broker.exchangeErr
	}
	ch.broker.exchanges = append(ch.broker.exchanges, name+":"+kind)
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.queueErr != nil {
		return amqp.Queue{}, ch.broker.queueErr
	}
	ch.broker.queues = append(ch.broker.queues, name)
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.bindErr != nil {
		return ch.broker.bindErr
	}
	ch.broker.bindings = append(ch.broker.bindings, name+"<-"+exchange+":"+key)
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	return nil
}

func (ch *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.consumeErr != nil {
		return nil, ch.broker.consumeErr
	}
	ch.broker.consumeQueue = queue
	ch.broker.consumeAutoAck = autoAck
	return ch.broker.deliveries, nil
}

func (ch *fakeChannel) Cancel(consumer string, noWait bool) error {
	ch.broker.closeDeliveries()
	return nil
}

func (ch *fakeChannel) Close() error {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return amqp.ErrClosed
	}
	ch.closed = true
	ch.mu.Unlock()

	ch.broker.closeDeliveries()
	ch.broker.mu.Lock()
	ch.broker.openChannels--
	ch.broker.mu.Unlock()
	return nil
}

func (ch *fakeChannel) IsClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

// mockAcknowledger records acknowledgments of deliveries
type mockAcknowledger struct {
	mock.Mock
}

func (m *mockAcknowledger) Ack(tag uint64, multiple bool) error {
	args := m.Called(tag, multiple)
	return args.Error(0)
}

func (m *mockAcknowledger) Nack(tag uint64, multiple bool, requeue bool) error {
	args := m.Called(tag, multiple, requeue)
	return args.Error(0)
}

func (m *mockAcknowledger) Reject(tag uint64, requeue bool) error {
	args := m.Called(tag, requeue)
	return args.Error(0)
}

// recordingSink keeps every line and fails while failNext is set
type recordingSink struct {
	mu       sync.Mutex
	lines    []string
	failNext int
	inFlight int
	overlaps int
}

var errSinkUnavailable = errors.New("sink unavailable")

func (s *recordingSink) WriteLine(line string) error {
	s.mu.Lock()
	s.inFlight++
	if s.inFlight > 1 {
		s.overlaps++
	}
	defer func() {
		s.inFlight--
		s.mu.Unlock()
	}()

	if s.failNext > 0 {
		s.failNext--
		return errSinkUnavailable
	}
	s.lines = append(s.lines, line)
	return nil
}

func (s *recordingSink) Lines() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}
