package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/glimte/mmate-listener/config"
	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/subscriptions"
)

// echoReply is returned by echo handlers
type echoReply struct {
	RoutingKey    string         `json:"routingKey"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Payload       map[string]any `json:"payload"`
}

func logHandler(logger *slog.Logger) subscriptions.DynamicEventHandler {
	return subscriptions.DynamicEventHandlerFunc(func(ctx context.Context, msg any) error {
		attrs := []any{"payload", msg}
		if d, ok := contracts.DeliveryFromContext(ctx); ok {
			attrs = append(attrs,
				"routingKey", d.RoutingKey,
				"deliveryTag", d.DeliveryTag,
				"correlationId", d.CorrelationID,
				"redelivered", d.Redelivered,
			)
		}
		logger.Info("message received", attrs...)
		return nil
	})
}

func echoHandler() subscriptions.RPCHandler[map[string]any, echoReply] {
	return subscriptions.RPCHandlerFunc[map[string]any, echoReply](func(ctx context.Context, request map[string]any) (echoReply, error) {
		reply := echoReply{Payload: request}
		if d, ok := contracts.DeliveryFromContext(ctx); ok {
			reply.RoutingKey = d.RoutingKey
			reply.CorrelationID = d.CorrelationID
		}
		return reply, nil
	})
}

// buildRegistry subscribes the built-in handlers named in cfg
func buildRegistry(cfg config.HandlersConfig, logger *slog.Logger) (*subscriptions.Registry, error) {
	builder := subscriptions.NewBuilder(subscriptions.WithBuilderLogger(logger))

	for _, key := range cfg.LogRoutingKeys {
		if err := subscriptions.SubscribeDynamic(builder, key, subscriptions.Instance(logHandler(logger))); err != nil {
			return nil, fmt.Errorf("failed to subscribe log handler to %s: %w", key, err)
		}
	}
	for _, key := range cfg.EchoRoutingKeys {
		if err := subscriptions.SubscribeRPC(builder, key, subscriptions.Instance(echoHandler())); err != nil {
			return nil, fmt.Errorf("failed to subscribe echo handler to %s: %w", key, err)
		}
	}

	return builder.Build(), nil
}
