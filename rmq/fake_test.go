package rmq

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeBroker simulates just enough of a RabbitMQ server to exercise topology
// declaration, consumption and reconnects: declared state persists across connections,
// as it would on a real broker
type fakeBroker struct {
	mu sync.Mutex

	exchanges        map[string]string
	passiveExchanges []string
	queues           map[string]bool
	bindings         map[fakeBinding]struct{}
	bindCalls        []fakeBinding
	consumers        []*fakeConsumer
	published        []fakePublish
	dials            []string
	conns            []*fakeConnection
	anonCount        int
	nextTag          uint64

	failDial     map[string]error
	failExchange error
	failQueue    error
}

type fakeBinding struct {
	Queue      string
	Exchange   string
	RoutingKey string
}

type fakePublish struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

type fakeConsumer struct {
	queue      string
	tag        string
	ch         *fakeChannel
	deliveries chan amqp.Delivery
	once       sync.Once
}

func (c *fakeConsumer) stop() {
	c.once.Do(func() { close(c.deliveries) })
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges: make(map[string]string),
		queues:    make(map[string]bool),
		bindings:  make(map[fakeBinding]struct{}),
		failDial:  make(map[string]error),
	}
}

func (b *fakeBroker) dial(ctx context.Context, uri string, cfg amqp.Config) (Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials = append(b.dials, uri)
	if err := b.failDial[uri]; err != nil {
		return nil, err
	}
	conn := &fakeConnection{broker: b, uri: uri}
	b.conns = append(b.conns, conn)
	return conn, nil
}

// drop simulates the broker severing the most recent connection
func (b *fakeBroker) drop() {
	b.mu.Lock()
	conn := b.conns[len(b.conns)-1]
	b.mu.Unlock()
	conn.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - simulated"})
}

func (b *fakeBroker) numConns() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

func (b *fakeBroker) sortedBindings() []fakeBinding {
	b.mu.Lock()
	defer b.mu.Unlock()
	result := make([]fakeBinding, 0, len(b.bindings))
	for binding := range b.bindings {
		result = append(result, binding)
	}
	sort.Slice(result, func(i, j int) bool {
		return fmt.Sprint(result[i]) < fmt.Sprint(result[j])
	})
	return result
}

func (b *fakeBroker) snapshot() (map[string]string, map[string]bool, []fakeBinding) {
	bindings := b.sortedBindings()
	b.mu.Lock()
	defer b.mu.Unlock()
	exchanges := make(map[string]string, len(b.exchanges))
	for k, v := range b.exchanges {
		exchanges[k] = v
	}
	queues := make(map[string]bool, len(b.queues))
	for k, v := range b.queues {
		queues[k] = v
	}
	return exchanges, queues, bindings
}

// liveConsumers returns the queues with a consumer on an open channel
func (b *fakeBroker) liveConsumers() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var queues []string
	for _, c := range b.consumers {
		if !c.ch.isClosed() {
			queues = append(queues, c.queue)
		}
	}
	sort.Strings(queues)
	return queues
}

// deliver sends a message to the most recently registered live consumer of a queue
func (b *fakeBroker) deliver(queue, routingKey string, body []byte, ack amqp.Acknowledger) (uint64, error) {
	b.mu.Lock()
	var target *fakeConsumer
	for i := len(b.consumers) - 1; i >= 0; i-- {
		if b.consumers[i].queue == queue && !b.consumers[i].ch.isClosed() {
			target = b.consumers[i]
			break
		}
	}
	b.nextTag++
	tag := b.nextTag
	b.mu.Unlock()

	if target == nil {
		return 0, fmt.Errorf("no consumer for queue %s", queue)
	}
	target.deliveries <- amqp.Delivery{
		Acknowledger: ack,
		DeliveryTag:  tag,
		Exchange:     "amq.topic",
		RoutingKey:   routingKey,
		ContentType:  "application/json",
		Body:         body,
	}
	return tag, nil
}

type fakeConnection struct {
	broker *fakeBroker
	uri    string

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*fakeChannel
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeChannel{broker: c.broker, conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

func (c *fakeConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConnection) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *fakeConnection) shutdown(reason *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify := c.notify
	c.notify = nil
	channels := c.channels
	c.mu.Unlock()

	for _, ch := range channels {
		ch.shutdown(reason)
	}
	for _, receiver := range notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
}

type fakeChannel struct {
	broker *fakeBroker
	conn   *fakeConnection

	mu     sync.Mutex
	closed bool
	notify []chan *amqp.Error
	qos    int
}

func (ch *fakeChannel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *fakeChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.failExchange != nil {
		return ch.broker.failExchange
	}
	if existing, ok := ch.broker.exchanges[name]; ok && existing != kind {
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "inequivalent arg 'type'"}
	}
	ch.broker.exchanges[name] = kind
	return nil
}

func (ch *fakeChannel) ExchangeDeclarePassive(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.passiveExchanges = append(ch.broker.passiveExchanges, name)
	return nil
}

func (ch *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.failQueue != nil {
		return amqp.Queue{}, ch.broker.failQueue
	}
	if name == "" {
		ch.broker.anonCount++
		name = fmt.Sprintf("amq.gen-%d", ch.broker.anonCount)
	}
	ch.broker.queues[name] = exclusive
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	b := fakeBinding{Queue: name, Exchange: exchange, RoutingKey: key}
	ch.broker.bindings[b] = struct{}{}
	ch.broker.bindCalls = append(ch.broker.bindCalls, b)
	return nil
}

func (ch *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.qos = prefetchCount
	return nil
}

func (ch *fakeChannel) ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if ch.isClosed() {
		return nil, amqp.ErrClosed
	}
	c := &fakeConsumer{
		queue:      queue,
		tag:        consumer,
		ch:         ch,
		deliveries: make(chan amqp.Delivery, 16),
	}
	ch.broker.mu.Lock()
	ch.broker.consumers = append(ch.broker.consumers, c)
	ch.broker.mu.Unlock()

	go func() {
		<-ctx.Done()
		c.stop()
	}()
	return c.deliveries, nil
}

func (ch *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.published = append(ch.broker.published, fakePublish{Exchange: exchange, RoutingKey: key, Msg: msg})
	return nil
}

func (ch *fakeChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(receiver)
		return receiver
	}
	ch.notify = append(ch.notify, receiver)
	return receiver
}

func (ch *fakeChannel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *fakeChannel) shutdown(reason *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	notify := ch.notify
	ch.notify = nil
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	for _, c := range ch.broker.consumers {
		if c.ch == ch {
			c.stop()
		}
	}
	ch.broker.mu.Unlock()

	for _, receiver := range notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
}

// fakeAcknowledger records how each delivery tag was settled
type fakeAcknowledger struct {
	mu      sync.Mutex
	acks    []uint64
	rejects map[uint64]bool
	nacks   []uint64
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{rejects: make(map[uint64]bool)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.acks = append(a.acks, tag)
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nacks = append(a.nacks, tag)
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rejects[tag] = requeue
	return nil
}

func (a *fakeAcknowledger) ackCount(tag uint64) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := 0
	for _, t := range a.acks {
		if t == tag {
			n++
		}
	}
	return n
}

func (a *fakeAcknowledger) rejected(tag uint64) (requeue bool, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	requeue, ok = a.rejects[tag]
	return requeue, ok
}

func (a *fakeAcknowledger) settled() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.acks) + len(a.rejects) + len(a.nacks)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")

var _ Channel = (*fakeChannel)(nil)
var _ Connection = (*fakeConnection)(nil)
var _ amqp.Acknowledger = (*fakeAcknowledger)(nil)
