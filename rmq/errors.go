package rmq

import (
	"errors"
	"fmt"
	"net/url"
)

var (
	// ErrClosed is returned when attempting to use a ConnectionManager after Stop
	ErrClosed = errors.New("rmq: connection manager is closed")

	// ErrAlreadyStarted is returned when Start is called more than once
	ErrAlreadyStarted = errors.New("rmq: connection manager already started")

	// ErrNoURIs is returned when a BrokerConfig lists no connection URIs
	ErrNoURIs = errors.New("rmq: no connection URIs configured")

	// ErrInvalidRoutingKey is returned when a routing key does not follow the
	// 'model.<entity>.<action>' convention
	ErrInvalidRoutingKey = errors.New("rmq: invalid model routing key")

	// ErrNoPayload is returned by Decode when a message body was not valid JSON
	ErrNoPayload = errors.New("rmq: message has no decodable payload")
)

// ConnectionError describes a transport-level failure to reach the broker. These are
// never fatal once a ConnectionManager has started: they're logged and retried.
type ConnectionError struct {
	Op  string
	URL string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("rmq connection error: %s %s: %v", e.Op, e.URL, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// TopologyError describes a failure to declare an exchange or queue, or to bind a
// routing key, while running a setup task
type TopologyError struct {
	Kind string // exchange, queue, binding or consumer
	Name string
	Op   string
	Err  error
}

func (e *TopologyError) Error() string {
	return fmt.Sprintf("rmq topology error: failed to %s %s '%s': %v", e.Op, e.Kind, e.Name, e.Err)
}

func (e *TopologyError) Unwrap() error {
	return e.Err
}

// SanitizeURL strips the password from an AMQP URI so that it can be logged
func SanitizeURL(uri string) string {
	u, err := url.Parse(uri)
	if err != nil {
		return "<invalid uri>"
	}
	return u.Redacted()
}
