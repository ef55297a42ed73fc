package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mmate "github.com/glimte/mmate-listener"
	"github.com/glimte/mmate-listener/config"
	"github.com/glimte/mmate-listener/health"
	"github.com/glimte/mmate-listener/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		rabbitURL  string
	)

	rootCmd := &cobra.Command{
		Use:   "mmate-listener",
		Short: "Consume RabbitMQ messages and dispatch them to handlers",
		Long: `mmate-listener binds a queue to an exchange for every configured routing key
and dispatches each delivery to the handlers subscribed to it. Event handlers are
acknowledged after they run; RPC handlers publish a reply to the requester first.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to the YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&rabbitURL, "url", "u", "", "RabbitMQ connection URL (overrides the configuration)")

	loadConfig := func() (*config.Config, error) {
		cfg, err := config.Load(configPath)
		if err != nil {
			return nil, err
		}
		if rabbitURL != "" {
			cfg.RabbitMQ.URL = rabbitURL
			if err := cfg.Validate(); err != nil {
				return nil, fmt.Errorf("invalid configuration: %w", err)
			}
		}
		return cfg, nil
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the listener until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and create configuration files",
	}

	configInitCmd := &cobra.Command{
		Use:   "init <path>",
		Short: "Write the default configuration to a file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := os.Stat(args[0]); err == nil {
				return fmt.Errorf("%s already exists", args[0])
			}
			if err := config.Default().Save(args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Wrote default configuration to %s\n", args[0])
			return nil
		},
	}

	configShowCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	configValidateCmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := loadConfig(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid")
			return nil
		},
	}

	configCmd.AddCommand(configInitCmd, configShowCmd, configValidateCmd)
	rootCmd.AddCommand(runCmd, configCmd)

	return rootCmd
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := cfg.Log.NewLogger(os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	registry, err := buildRegistry(cfg.Handlers, logger)
	if err != nil {
		return err
	}
	if registry.IsEmpty() {
		logger.Warn("no handlers configured, nothing to consume")
		return nil
	}

	promRegistry := prometheus.NewRegistry()
	client, err := mmate.NewClient(ctx, cfg, registry,
		mmate.WithLogger(logger),
		mmate.WithMetricsRegisterer(promRegistry),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	var servers []*http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, metrics.Handler(promRegistry))
		servers = append(servers, serve(logger, "metrics", cfg.Metrics.Addr, mux))
	}
	if cfg.Health.Enabled {
		servers = append(servers, serve(logger, "health", cfg.Health.Addr, health.Mux(client.Health(), cfg.Health.Timeout)))
	}

	runErr := client.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("failed to shut down server", "addr", srv.Addr, "error", err)
		}
	}

	if runErr != nil {
		logger.Error("listener stopped", "error", runErr)
		return runErr
	}
	logger.Info("listener stopped")
	return nil
}

func serve(logger *slog.Logger, name, addr string, handler http.Handler) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("starting http server", "server", name, "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "server", name, "addr", addr, "error", err)
		}
	}()

	return srv
}
