package rmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher sends JSON-formatted messages to a single exchange
type Publisher struct {
	ch       Channel
	exchange string
}

// NewPublisher initializes a Publisher that sends to the named exchange over the given
// channel. The exchange is not declared: it's expected to be part of the configured
// topology.
func NewPublisher(ch Channel, exchange string) *Publisher {
	return &Publisher{
		ch:       ch,
		exchange: exchange,
	}
}

// Send serializes data to JSON and publishes it with the given routing key
func (p *Publisher) Send(ctx context.Context, routingKey string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	return p.SendRaw(ctx, routingKey, jsonData)
}

// SendRaw publishes a pre-serialized JSON body with the given routing key
func (p *Publisher) SendRaw(ctx context.Context, routingKey string, jsonData []byte) error {
	mandatory := false
	immediate := false
	err := p.ch.PublishWithContext(ctx, p.exchange, routingKey, mandatory, immediate, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    uuid.NewString(),
		Timestamp:    time.Now(),
		Body:         jsonData,
	})
	if err != nil {
		return fmt.Errorf("failed to publish to exchange '%s' with routing key '%s': %w", p.exchange, routingKey, err)
	}
	return nil
}
