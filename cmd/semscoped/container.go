package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/semscope/componentregistry"
	"github.com/c360/semscope/config"
	"github.com/c360/semscope/container"
	"github.com/c360/semscope/metric"
)

type containerFlags struct {
	Name string
}

func newContainerCmd(globals *globalFlags) *cobra.Command {
	flags := &containerFlags{}
	cmd := &cobra.Command{
		Use:   "container",
		Short: "Run one child container (started by `run`)",
		Long: `Container serves one named container and waits for the root to instantiate
components in it. Settings come from the configuration the root published on NATS.
It exits when the container is terminated or on SIGINT/SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runContainer(cmd.Context(), globals, flags)
		},
	}
	cmd.Flags().StringVar(&flags.Name, "name", "", "Container name")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func runContainer(ctx context.Context, globals *globalFlags, flags *containerFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := setupLogger(os.Stdout, orDefault(globals.LogLevel, "info"), orDefault(globals.LogFormat, "json")).
		With("container", flags.Name)
	slog.SetDefault(logger)

	defaults := config.Defaults()
	url := natsURL(globals.NATSURL, defaults.NATS)
	metricsRegistry := metric.NewMetricsRegistry()
	client, err := connectNATS(ctx, url, defaults.NATS, flags.Name, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	cfg, err := config.Fetch(ctx, client, logger)
	if err != nil {
		logger.Warn("No published configuration, using defaults", "error", err)
		cfg = defaults
	}

	registry, err := componentregistry.NewRegistry()
	if err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	host, err := container.New(flags.Name, client, hostOptions(cfg, logger, registry, metricsRegistry)...)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start container %s: %w", flags.Name, err)
	}

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	select {
	case <-host.Done():
		logger.Info("Container terminated")
		return nil
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	}

	stop := cfg.Timeouts.Stop
	if stop <= 0 {
		stop = container.DefaultStopTimeout
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), stop+time.Second)
	defer cancel()
	return host.Terminate(shutdownCtx)
}
