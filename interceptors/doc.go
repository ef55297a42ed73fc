// Package interceptors wraps handler invocations with cross-cutting behaviour.
//
// The listener runs every binding invocation through an InterceptorChain when
// one is configured. Interceptors see the delivery, the binding and the decoded
// message, and may short-circuit, time out or observe the handler.
//
// Built-in interceptors:
//   - LoggingInterceptor: logs each invocation with its duration
//   - TimeoutInterceptor: stops waiting for slow handlers
//   - FilteringInterceptor: skips invocations rejected by a MessageFilter
//
// Example usage:
//
//	chain := interceptors.NewInterceptorChain(logger).
//		Add(interceptors.NewFilteringInterceptor(interceptors.SkipRedelivered(), logger)).
//		Add(interceptors.NewTimeoutInterceptor(30 * time.Second))
//
//	listener, err := messaging.NewListener(broker, registry, messaging.WithInterceptors(chain))
//
// Interceptors are executed in the order they are added to the chain, with the
// handler being called last.
package interceptors
