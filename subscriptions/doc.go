// Package subscriptions holds the routing table that maps broker routing keys to
// typed handler bindings.
//
// Bindings are registered once at startup through a Builder. Each registration
// function matches one handler shape:
//   - SubscribeEvent: payload types implementing contracts.DistributedEvent
//   - SubscribeWrapped: any payload type, delivered inside contracts.EventWrapper
//   - SubscribeDynamic: payloads decoded without a declared type
//   - SubscribeRPC: request/response handlers whose result is sent as a reply
//
// Every binding stores a pre-bound invocation closure, so dispatch is a direct
// call and no reflection happens per delivery. Build freezes the table; the
// resulting Registry is safe for concurrent reads without locking.
//
// Example:
//
//	b := subscriptions.NewBuilder()
//	err := subscriptions.SubscribeRPC(b, "price.query",
//		subscriptions.Instance[subscriptions.RPCHandler[PriceRequest, PriceResponse]](&priceHandler{}))
//	registry := b.Build()
package subscriptions
