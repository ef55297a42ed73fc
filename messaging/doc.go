// Package messaging consumes a RabbitMQ queue and dispatches each delivery to
// the subscriptions registered for its routing key.
//
// The Listener declares its exchange and queue, binds every registered routing
// key and then runs one goroutine per delivery. Within a delivery the bindings
// run sequentially in registration order:
//   - Event bindings invoke the handler and then acknowledge the delivery
//   - RPC bindings invoke the handler, publish the encoded response to the
//     delivery's reply address with the request's correlation id, and then
//     acknowledge the delivery whatever the handler outcome
//
// A delivery is acknowledged at most once even when several bindings run for
// it. Deliveries no handler ran for are settled by the UnroutedPolicy.
//
// Example usage:
//
//	builder := subscriptions.NewBuilder()
//	subscriptions.SubscribeEvent(builder, "order.placed", subscriptions.Instance[subscriptions.EventHandler[*OrderPlaced]](handler))
//
//	listener, err := messaging.NewListener(broker, builder.Build(),
//		messaging.WithExchange(messaging.ExchangeOptions{Name: "orders", Type: "topic", Durable: true}),
//		messaging.WithQueue(messaging.QueueOptions{Name: "orders.listener", Durable: true}),
//	)
//	if err != nil {
//		return err
//	}
//	return listener.Run(ctx)
package messaging
