package rmq

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// HandlerFunc processes a single message and decides how its delivery is settled
type HandlerFunc func(ctx context.Context, msg *Message) Result

// HeaderDeadLetterReason is set on messages republished to a dead-letter exchange,
// recording the error that caused the message to be parked
const HeaderDeadLetterReason = "x-dead-letter-reason"

// Consumer starts consuming a queue on behalf of a subscriber; it's satisfied by
// *Dispatcher
type Consumer interface {
	Consume(ctx context.Context, ch Channel, queue string, sub Subscriber) error
}

// Dispatcher runs the consumption loop for each queue that a subscriber is bound to:
// each delivery is decoded, handed to the subscriber's handler, and then acked,
// rejected or dead-lettered according to the handler's Result
type Dispatcher struct {
	logger      *slog.Logger
	metrics     *Metrics
	prefetch    int
	concurrency int
	tagPrefix   string
}

// DispatcherOption configures a Dispatcher
type DispatcherOption func(*Dispatcher)

// WithPrefetch sets the per-consumer QoS prefetch count; 0 leaves it unlimited
func WithPrefetch(count int) DispatcherOption {
	return func(d *Dispatcher) {
		d.prefetch = count
	}
}

// WithConcurrency bounds how many deliveries from a single queue may be handled at
// once; 0 means unbounded
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		d.concurrency = n
	}
}

// WithConsumerTagPrefix sets the prefix of the consumer tags reported to the broker
func WithConsumerTagPrefix(prefix string) DispatcherOption {
	return func(d *Dispatcher) {
		d.tagPrefix = prefix
	}
}

// WithDispatchMetrics records deliveries and handler latency
func WithDispatchMetrics(m *Metrics) DispatcherOption {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// NewDispatcher initializes a Dispatcher
func NewDispatcher(logger *slog.Logger, options ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		logger:    logger,
		tagPrefix: "rmq",
	}
	for _, opt := range options {
		opt(d)
	}
	return d
}

// Consume registers a consumer on the given queue and returns once the broker has
// accepted it; deliveries are then handled in the background until the channel is
// closed or ctx is canceled
func (d *Dispatcher) Consume(ctx context.Context, ch Channel, queue string, sub Subscriber) error {
	if d.prefetch > 0 {
		global := false
		if err := ch.Qos(d.prefetch, 0, global); err != nil {
			return &TopologyError{Kind: "consumer", Name: queue, Op: "set qos for", Err: err}
		}
	}

	consumerTag := fmt.Sprintf("%s-%s", d.tagPrefix, uuid.NewString())
	autoAck := false
	exclusive := false
	noLocal := false
	noWait := false
	deliveries, err := ch.ConsumeWithContext(ctx, queue, consumerTag, autoAck, exclusive, noLocal, noWait, nil)
	if err != nil {
		return &TopologyError{Kind: "consumer", Name: queue, Op: "start", Err: err}
	}

	logger := d.logger.With("queue", queue, "consumerTag", consumerTag, "service", sub.Service)
	logger.Info("Consuming queue")
	go d.run(ctx, logger, ch, queue, sub, deliveries)
	return nil
}

// run handles deliveries until the delivery stream is closed, which happens when the
// channel is torn down or ctx is canceled
func (d *Dispatcher) run(ctx context.Context, logger *slog.Logger, ch Channel, queue string, sub Subscriber, deliveries <-chan amqp.Delivery) {
	var g errgroup.Group
	if d.concurrency > 0 {
		g.SetLimit(d.concurrency)
	}
	for delivery := range deliveries {
		delivery := delivery
		g.Go(func() error {
			d.dispatch(ctx, logger, ch, queue, sub, delivery)
			return nil
		})
	}
	g.Wait()
	logger.Info("Consumer stopped")
}

// dispatch handles a single delivery from start to finish
func (d *Dispatcher) dispatch(ctx context.Context, logger *slog.Logger, ch Channel, queue string, sub Subscriber, delivery amqp.Delivery) {
	// A zero delivery tag is never issued by the broker: it marks an empty delivery
	// (e.g. after a connection reset), which we skip without attempting to ack it
	if delivery.DeliveryTag == 0 {
		logger.Warn("Ignoring empty delivery")
		return
	}

	msg := newMessage(queue, delivery)
	logger = logger.With("routingKey", msg.RoutingKey, "deliveryTag", msg.DeliveryTag)

	start := time.Now()
	result := d.invoke(ctx, sub.Handler, msg)
	d.metrics.observeDelivery(queue, result.Kind, time.Since(start))

	if err := d.settle(ctx, logger, ch, sub, msg, result); err != nil {
		logger.Error("Failed to settle delivery", "result", result.Kind.String(), "error", err)
	}
}

// invoke calls the handler, converting a panic into a dead-letter result
func (d *Dispatcher) invoke(ctx context.Context, handler HandlerFunc, msg *Message) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			result = DeadLetter(fmt.Errorf("handler panicked: %v", r))
		}
	}()
	return handler(ctx, msg)
}

// settle acts on a handler's Result. Only ResultAck (or a successful dead-letter
// republish) acknowledges the delivery.
func (d *Dispatcher) settle(ctx context.Context, logger *slog.Logger, ch Channel, sub Subscriber, msg *Message, result Result) error {
	switch result.Kind {
	case ResultAck:
		return msg.Delivery.Ack(false)

	case ResultReject:
		logger.Error("Handler failed; rejecting message", "requeue", result.Requeue, "error", result.Err)
		return msg.Delivery.Reject(result.Requeue)

	case ResultDeadLetter:
		if sub.DeadLetterExchange == "" {
			logger.Error("Handler failed; discarding message with no dead-letter exchange", "error", result.Err)
			return msg.Delivery.Reject(false)
		}
		if err := publishDeadLetter(ctx, ch, sub.DeadLetterExchange, msg, result.Err); err != nil {
			logger.Error("Failed to dead-letter message; requeueing", "deadLetterExchange", sub.DeadLetterExchange, "error", err)
			return msg.Delivery.Reject(true)
		}
		logger.Error("Handler failed; message dead-lettered", "deadLetterExchange", sub.DeadLetterExchange, "error", result.Err)
		return msg.Delivery.Ack(false)
	}
	return fmt.Errorf("unrecognized result kind %d", result.Kind)
}

// publishDeadLetter republishes a message, with its original routing key and headers,
// to a dead-letter exchange
func publishDeadLetter(ctx context.Context, ch Channel, exchange string, msg *Message, cause error) error {
	headers := amqp.Table{}
	for k, v := range msg.Delivery.Headers {
		headers[k] = v
	}
	if cause != nil {
		headers[HeaderDeadLetterReason] = cause.Error()
	}

	mandatory := false
	immediate := false
	return ch.PublishWithContext(ctx, exchange, msg.RoutingKey, mandatory, immediate, amqp.Publishing{
		Headers:      headers,
		ContentType:  msg.Delivery.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.Delivery.MessageId,
		Timestamp:    msg.Delivery.Timestamp,
		Body:         msg.Body,
	})
}
