package rmq

import (
	"context"
	"fmt"
)

// deadLetterQueueSuffix is appended to a subscriber's queue name to name the durable
// queue in which its dead-lettered messages are parked
const deadLetterQueueSuffix = ".dead-letter"

// Bind registers one setup task per subscriber. On every (re)connect, each task
// declares the subscriber's queue, binds it to the subscriber's exchange once per
// routing key, and starts consuming it with the given Consumer.
func Bind(r TaskRegistrar, consumer Consumer, subscribers []Subscriber) error {
	for _, sub := range subscribers {
		sub := sub
		task := SetupTask{
			Name: fmt.Sprintf("subscriber %s/%s", sub.Exchange, sub.queueLabel()),
			Run: func(ctx context.Context, ch Channel) error {
				return bindSubscriber(ctx, ch, consumer, sub)
			},
		}
		if err := r.RegisterSetupTask(task); err != nil {
			return fmt.Errorf("failed to register %s: %w", task.Name, err)
		}
	}
	return nil
}

// bindSubscriber establishes a subscriber's queue, bindings and consumer from scratch
func bindSubscriber(ctx context.Context, ch Channel, consumer Consumer, sub Subscriber) error {
	queue, err := declareQueue(ch, sub.Queue, sub.QueueOptions)
	if err != nil {
		return err
	}

	routingKeys := normalizeRoutingKeys(sub.RoutingKeys)
	if err := bindQueue(ch, queue, sub.Exchange, routingKeys); err != nil {
		return err
	}

	// Named subscribers with a dead-letter exchange get a durable parking queue bound
	// to that exchange with the same routing keys, so dead-lettered messages are kept
	if sub.DeadLetterExchange != "" && sub.Queue != "" {
		parked, err := declareQueue(ch, sub.Queue+deadLetterQueueSuffix, QueueOptions{Durable: true})
		if err != nil {
			return err
		}
		if err := bindQueue(ch, parked, sub.DeadLetterExchange, routingKeys); err != nil {
			return err
		}
	}

	return consumer.Consume(ctx, ch, queue, sub)
}
