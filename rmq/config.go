package rmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// BrokerConfig records everything a ConnectionManager needs to reach the broker and
// establish our topology. It's loaded once at startup and never mutated afterwards.
type BrokerConfig struct {
	// URIs lists 'amqp://' connection strings in order of preference; if the first is
	// unreachable, the next is tried, and so on
	URIs []string

	// ConnectionName is reported to the broker as the 'connection_name' client property
	ConnectionName string

	Heartbeat         time.Duration
	DialTimeout       time.Duration
	ReconnectDelay    time.Duration
	MaxReconnectDelay time.Duration

	// Exchanges are declared once per (re)connect, before any subscriber is bound
	Exchanges []ExchangeSpec
}

// ExchangeSpec declares an exchange. Declarations are idempotent, so an ExchangeSpec can
// be re-asserted on every reconnect.
type ExchangeSpec struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Arguments  amqp.Table
}

// QueueOptions are passed through to QueueDeclare when a subscriber's queue is asserted
type QueueOptions struct {
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

const (
	defaultHeartbeat         = 10 * time.Second
	defaultDialTimeout       = 30 * time.Second
	defaultReconnectDelay    = 5 * time.Second
	defaultMaxReconnectDelay = 2 * time.Minute
)

// withDefaults returns a copy of the config with zero durations replaced by defaults
func (c BrokerConfig) withDefaults() BrokerConfig {
	if c.Heartbeat == 0 {
		c.Heartbeat = defaultHeartbeat
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = defaultDialTimeout
	}
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = defaultReconnectDelay
	}
	if c.MaxReconnectDelay == 0 {
		c.MaxReconnectDelay = defaultMaxReconnectDelay
	}
	if c.MaxReconnectDelay < c.ReconnectDelay {
		c.MaxReconnectDelay = c.ReconnectDelay
	}
	return c
}

// amqpConfig builds the client-side connection settings for amqp.DialConfig
func (c BrokerConfig) amqpConfig() amqp.Config {
	props := amqp.NewConnectionProperties()
	if c.ConnectionName != "" {
		props.SetClientConnectionName(c.ConnectionName)
	}
	return amqp.Config{
		Heartbeat:  c.Heartbeat,
		Locale:     "en_US",
		Properties: props,
		Dial:       amqp.DefaultDial(c.DialTimeout),
	}
}
