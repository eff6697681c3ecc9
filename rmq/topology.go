package rmq

import (
	"context"
	"strings"

	"golang.org/x/sync/errgroup"
)

// ExchangesTaskName is the name of the setup task registered by RegisterExchanges
const ExchangesTaskName = "exchanges"

// reservedExchangePrefix marks exchanges predeclared by the broker, which may only be
// asserted passively
const reservedExchangePrefix = "amq."

// RegisterExchanges registers a single setup task that asserts every given exchange,
// concurrently, on each (re)connect. If any declaration fails, the whole task fails.
func RegisterExchanges(r TaskRegistrar, specs []ExchangeSpec) error {
	specs = append([]ExchangeSpec(nil), specs...)
	return r.RegisterSetupTask(SetupTask{
		Name: ExchangesTaskName,
		Run: func(ctx context.Context, ch Channel) error {
			if len(specs) == 0 {
				return nil
			}
			var g errgroup.Group
			for _, spec := range specs {
				spec := spec
				g.Go(func() error {
					return declareExchange(ch, spec)
				})
			}
			return g.Wait()
		},
	})
}

// declareExchange asserts a single exchange; exchanges with reserved 'amq.' names are
// checked passively
func declareExchange(ch Channel, spec ExchangeSpec) error {
	noWait := false
	declare := ch.ExchangeDeclare
	if strings.HasPrefix(spec.Name, reservedExchangePrefix) {
		declare = ch.ExchangeDeclarePassive
	}
	if err := declare(spec.Name, spec.Type, spec.Durable, spec.AutoDelete, spec.Internal, noWait, spec.Arguments); err != nil {
		return &TopologyError{Kind: "exchange", Name: spec.Name, Op: "declare", Err: err}
	}
	return nil
}

// declareQueue asserts a subscriber's queue, returning the queue's actual name (which
// the broker chooses for anonymous queues)
func declareQueue(ch Channel, name string, opts QueueOptions) (string, error) {
	if name == "" {
		opts.Durable = false
		opts.Exclusive = true
	}
	noWait := false
	q, err := ch.QueueDeclare(name, opts.Durable, opts.AutoDelete, opts.Exclusive, noWait, opts.Arguments)
	if err != nil {
		label := name
		if label == "" {
			label = "<anonymous>"
		}
		return "", &TopologyError{Kind: "queue", Name: label, Op: "declare", Err: err}
	}
	return q.Name, nil
}

// bindQueue binds a queue to an exchange once for each routing key
func bindQueue(ch Channel, queue, exchange string, routingKeys []string) error {
	noWait := false
	for _, key := range routingKeys {
		if err := ch.QueueBind(queue, key, exchange, noWait, nil); err != nil {
			return &TopologyError{Kind: "binding", Name: exchange + "/" + key, Op: "create", Err: err}
		}
	}
	return nil
}
