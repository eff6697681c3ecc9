// Package rmq binds declarative AMQP subscriptions to a RabbitMQ server and dispatches
// the messages they receive.
//
// A ConnectionManager owns the broker connection and a single channel, and replays every
// registered SetupTask against that channel each time it (re)connects. Exchanges are
// asserted via RegisterExchanges; services describe their subscriptions explicitly (see
// Service and Discover), and Bind turns each Subscriber into a setup task that declares
// its queue, binds its routing keys and starts a consumer on a Dispatcher. Handlers
// return a Result, and the Dispatcher acks, rejects or dead-letters each delivery
// accordingly.
//
// Example usage:
//
//	cm := rmq.NewConnectionManager(cfg, rmq.WithLogger(logger))
//	if err := rmq.RegisterExchanges(cm, cfg.Exchanges); err != nil {
//		return err
//	}
//	subscribers, err := rmq.Discover(categorySync, genreSync)
//	if err != nil {
//		return err
//	}
//	if err := rmq.Bind(cm, rmq.NewDispatcher(logger), subscribers); err != nil {
//		return err
//	}
//	if err := cm.Start(ctx); err != nil {
//		return err
//	}
//	defer cm.Stop()
package rmq
