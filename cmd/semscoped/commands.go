package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360/semscope/config"
	"github.com/c360/semscope/metric"
	"github.com/c360/semscope/natsclient"
)

func newRootCmd() *cobra.Command {
	globals := &globalFlags{}
	root := &cobra.Command{
		Use:   appName,
		Short: "Microscope hardware-control daemon",
		Long: `semscoped runs a microscope described by a YAML file. The root process launches
one process per hardware container and instantiates the components across them;
components in other containers are reached through proxies over NATS.`,
		SilenceUsage: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return globals.validate()
		},
	}
	globals.register(root)

	root.AddCommand(
		newRunCmd(globals),
		newContainerCmd(globals),
		newValidateCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (build %s)\n", appName, Version, BuildTime)
		},
	}
}

// loadConfig reads the layers in order over the defaults
func loadConfig(paths []string) (*config.Config, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("no microscope file given")
	}
	loader := config.NewLoader()
	for _, path := range paths {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// connectNATS connects to url with the connection settings of cfg
func connectNATS(
	ctx context.Context,
	url string,
	cfg config.NATSConfig,
	name string,
	logger *slog.Logger,
	metrics *metric.MetricsRegistry,
) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithName(appName + "-" + name),
		natsclient.WithLogger(logger),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
	}
	if cfg.ReconnectWait > 0 {
		opts = append(opts, natsclient.WithReconnectWait(cfg.ReconnectWait))
	}
	if cfg.ConnectTimeout > 0 {
		opts = append(opts, natsclient.WithTimeout(cfg.ConnectTimeout))
	}
	if cfg.PingInterval > 0 {
		opts = append(opts, natsclient.WithPingInterval(cfg.PingInterval))
	}
	if cfg.DrainTimeout > 0 {
		opts = append(opts, natsclient.WithDrainTimeout(cfg.DrainTimeout))
	}
	opts = append(opts, natsclient.WithHealthChangeCallback(func(healthy bool) {
		if healthy {
			logger.Info("Broker reachable")
			return
		}
		logger.Warn("Broker unreachable, remote components will fail until it returns")
	}))
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if metrics != nil {
		opts = append(opts, natsclient.WithMetrics(metrics))
	}

	client, err := natsclient.NewClient(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	logger.Info("Connecting to NATS", "url", url)
	if err := client.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.WaitForConnection(connCtx); err != nil {
		_ = client.Close(context.Background())
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return client, nil
}

func natsURL(flag string, cfg config.NATSConfig) string {
	if flag != "" {
		return flag
	}
	return strings.Join(cfg.URLs, ",")
}
