package rmq

import (
	"context"
	"encoding/json"
	"fmt"
	"unicode/utf8"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is a single delivery as presented to a HandlerFunc
type Message struct {
	Queue       string
	Exchange    string
	RoutingKey  string
	DeliveryTag uint64
	Redelivered bool
	Body        []byte

	// Data holds the body if it's valid UTF-8 JSON, and is nil otherwise. A malformed
	// payload never prevents the handler from being invoked.
	Data json.RawMessage

	// Delivery is the raw delivery as received from the broker
	Delivery amqp.Delivery
}

func newMessage(queue string, d amqp.Delivery) *Message {
	msg := &Message{
		Queue:       queue,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
		Body:        d.Body,
		Delivery:    d,
	}
	if utf8.Valid(d.Body) && json.Valid(d.Body) {
		msg.Data = json.RawMessage(d.Body)
	}
	return msg
}

// Value returns the payload decoded as a generic JSON value, or nil if the body did not
// contain valid JSON
func (m *Message) Value() any {
	if m.Data == nil {
		return nil
	}
	var v any
	if err := json.Unmarshal(m.Data, &v); err != nil {
		return nil
	}
	return v
}

// Decode unmarshals the message payload into a new T
func Decode[T any](msg *Message) (*T, error) {
	if msg.Data == nil {
		return nil, ErrNoPayload
	}
	var v T
	if err := json.Unmarshal(msg.Data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode payload as %T: %w", v, err)
	}
	return &v, nil
}

// Typed adapts a handler that works with a typed record: the payload is decoded into a
// T before fn is called. If decoding fails, fn is still called, with a nil record and
// the decode error.
func Typed[T any](fn func(ctx context.Context, msg *Message, record *T, decodeErr error) Result) HandlerFunc {
	return func(ctx context.Context, msg *Message) Result {
		record, err := Decode[T](msg)
		return fn(ctx, msg, record, err)
	}
}
