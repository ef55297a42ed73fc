package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/glimte/mmate-listener/config"
	"github.com/glimte/mmate-listener/contracts"
	"github.com/glimte/mmate-listener/subscriptions"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigCommands(t *testing.T) {
	t.Run("init writes a loadable default configuration", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "listener.yaml")

		out, err := execute(t, "config", "init", path)
		require.NoError(t, err)
		assert.Contains(t, out, path)

		cfg, err := config.Load(path)
		require.NoError(t, err)
		assert.Equal(t, config.Default(), cfg)
	})

	t.Run("init refuses to overwrite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "listener.yaml")
		require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o644))

		_, err := execute(t, "config", "init", path)
		assert.Error(t, err)
	})

	t.Run("validate reports invalid files", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("exchange:\n  type: x-delayed\n"), 0o644))

		_, err := execute(t, "--config", path, "config", "validate")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "exchange.type")
	})

	t.Run("url flag overrides the file", func(t *testing.T) {
		out, err := execute(t, "--url", "amqp://other:5672/", "config", "show")
		require.NoError(t, err)
		assert.Contains(t, out, "amqp://other:5672/")
	})

	t.Run("invalid url flag is rejected", func(t *testing.T) {
		_, err := execute(t, "--url", "http://other", "config", "validate")
		assert.Error(t, err)
	})
}

func TestRunWithoutHandlers(t *testing.T) {
	cfg := config.Default()
	cfg.Log.Level = "error"

	assert.NoError(t, run(context.Background(), cfg))
}

func TestBuildRegistry(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("subscribes configured handlers", func(t *testing.T) {
		registry, err := buildRegistry(config.HandlersConfig{
			LogRoutingKeys:  []string{"order.placed", "order.cancelled"},
			EchoRoutingKeys: []string{"order.echo"},
		}, logger)
		require.NoError(t, err)

		assert.Equal(t, 3, registry.Len())
		assert.Equal(t, []string{"order.cancelled", "order.echo", "order.placed"}, registry.RoutingKeys())
		bindings := registry.Lookup("order.echo")
		require.Len(t, bindings, 1)
		assert.True(t, bindings[0].IsRPC())
	})

	t.Run("empty configuration yields empty registry", func(t *testing.T) {
		registry, err := buildRegistry(config.HandlersConfig{}, logger)
		require.NoError(t, err)
		assert.True(t, registry.IsEmpty())
	})
}

func TestEchoHandler(t *testing.T) {
	ctx := contracts.WithDelivery(context.Background(), contracts.Delivery{
		RoutingKey:    "order.echo",
		CorrelationID: "c-9",
	})

	reply, err := echoHandler().Handle(ctx, map[string]any{"orderId": "o-1"})

	require.NoError(t, err)
	assert.Equal(t, echoReply{
		RoutingKey:    "order.echo",
		CorrelationID: "c-9",
		Payload:       map[string]any{"orderId": "o-1"},
	}, reply)
}

func TestLogHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := contracts.WithDelivery(context.Background(), contracts.Delivery{RoutingKey: "order.placed", DeliveryTag: 7})

	var handler subscriptions.DynamicEventHandler = logHandler(logger)
	require.NoError(t, handler.Handle(ctx, map[string]any{"orderId": "o-1"}))

	assert.Contains(t, buf.String(), "routingKey=order.placed")
	assert.Contains(t, buf.String(), "deliveryTag=7")
}
