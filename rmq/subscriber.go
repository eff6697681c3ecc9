package rmq

import "fmt"

// Subscription declares a handler's interest in messages routed to an exchange: it
// takes the place of per-method subscription annotations
type Subscription struct {
	// Exchange is the exchange that the subscription's queue is bound to
	Exchange string

	// RoutingKeys are bound to the same queue, once each; none means a single binding
	// with an empty routing key
	RoutingKeys []string

	// Queue names the queue to consume; if empty, the broker assigns an exclusive,
	// anonymous queue on each connect
	Queue        string
	QueueOptions QueueOptions

	// DeadLetterExchange, if set, receives messages whose handler returns DeadLetter
	DeadLetterExchange string

	// Handler is invoked for each delivery; it's typically a method value, bound to
	// the service instance that declared the subscription
	Handler HandlerFunc
}

// Service is implemented by anything that contributes subscriptions
type Service interface {
	Name() string
	Subscriptions() []Subscription
}

// Subscriber is a single subscription, tagged with the name of the service that
// declared it
type Subscriber struct {
	Service string
	Subscription
}

// Discover collects every subscription declared by the given services, in order. A
// service that declares no subscriptions contributes nothing.
func Discover(services ...Service) ([]Subscriber, error) {
	subscribers := make([]Subscriber, 0, len(services))
	for _, svc := range services {
		for i, sub := range svc.Subscriptions() {
			if sub.Exchange == "" {
				return nil, fmt.Errorf("subscription %d of service '%s' has no exchange", i, svc.Name())
			}
			if sub.Handler == nil {
				return nil, fmt.Errorf("subscription %d of service '%s' has no handler", i, svc.Name())
			}
			subscribers = append(subscribers, Subscriber{
				Service:      svc.Name(),
				Subscription: sub,
			})
		}
	}
	return subscribers, nil
}

// queueLabel identifies the subscriber's queue in logs and task names
func (s *Subscriber) queueLabel() string {
	if s.Queue == "" {
		return "<anonymous>"
	}
	return s.Queue
}
