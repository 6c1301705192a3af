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

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/componentregistry"
	"github.com/c360/semscope/config"
	"github.com/c360/semscope/container"
	"github.com/c360/semscope/metric"
	"github.com/c360/semscope/natsclient"
	"github.com/c360/semscope/pkg/retry"
)

type runFlags struct {
	ConfigPaths     []string
	EmbedNATS       bool
	MetricsAddr     string
	ShutdownTimeout time.Duration
}

func newRunCmd(globals *globalFlags) *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the microscope described by the given files",
		Long: `Run loads the microscope files (later files override earlier ones), publishes the
configuration, launches the child containers and instantiates every component.
It runs until SIGINT/SIGTERM or until the root container is terminated.`,
		Example: `  semscoped run -c microscope.yaml
  semscoped run -c microscope.yaml -c site.yaml --embed-nats --log-format text`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runMicroscope(cmd.Context(), globals, flags)
		},
	}
	f := cmd.Flags()
	f.StringSliceVarP(&flags.ConfigPaths, "config", "c", getEnvSlice("SEMSCOPE_CONFIG", nil),
		"Microscope file, repeatable (env: SEMSCOPE_CONFIG)")
	f.BoolVar(&flags.EmbedNATS, "embed-nats", false, "Run an embedded NATS server with JetStream")
	f.StringVar(&flags.MetricsAddr, "metrics-addr", "", "Metrics listen address, overrides metrics.port")
	f.DurationVar(&flags.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("SEMSCOPE_SHUTDOWN_TIMEOUT", 30*time.Second),
		"Graceful shutdown timeout (env: SEMSCOPE_SHUTDOWN_TIMEOUT)")
	return cmd
}

func runMicroscope(ctx context.Context, globals *globalFlags, flags *runFlags) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig(flags.ConfigPaths)
	if err != nil {
		return err
	}
	logger := setupLogger(os.Stdout, orDefault(globals.LogLevel, cfg.Log.Level), orDefault(globals.LogFormat, cfg.Log.Format))
	slog.SetDefault(logger)
	logger.Info("Starting semscoped",
		"build_time", BuildTime,
		"platform", cfg.Platform.ID,
		"config", flags.ConfigPaths)

	registry, err := componentregistry.NewRegistry()
	if err != nil {
		return fmt.Errorf("register components: %w", err)
	}
	if err := config.ValidateClasses(cfg, registry); err != nil {
		return err
	}
	plan, err := cfg.Plan()
	if err != nil {
		return err
	}

	url := natsURL(globals.NATSURL, cfg.NATS)
	if flags.EmbedNATS || cfg.NATS.Embed {
		var opts []natsclient.EmbeddedOption
		if cfg.NATS.StoreDir != "" {
			opts = append(opts, natsclient.WithStoreDir(cfg.NATS.StoreDir))
		}
		srv, err := natsclient.RunEmbeddedServer(opts...)
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		defer srv.Shutdown()
		url = srv.URL()
		logger.Info("Embedded NATS running", "url", url)
	}

	metricsRegistry := metric.NewMetricsRegistry()
	root := cfg.RootContainer()
	client, err := connectNATS(ctx, url, cfg.NATS, root, logger, metricsRegistry)
	if err != nil {
		return err
	}
	defer func() { _ = client.Close(context.Background()) }()

	cm, err := config.NewManager(ctx, cfg, client, logger)
	if err != nil {
		return fmt.Errorf("create config manager: %w", err)
	}
	if err := cm.Start(ctx); err != nil {
		return fmt.Errorf("start config manager: %w", err)
	}
	defer func() { _ = cm.Stop(5 * time.Second) }()

	host, err := container.New(root, client, hostOptions(cfg, logger, registry, metricsRegistry)...)
	if err != nil {
		return err
	}
	if err := host.Start(ctx); err != nil {
		return fmt.Errorf("start root container: %w", err)
	}

	if cfg.Metrics.Enabled {
		srv := metric.NewServer(metricsAddr(flags.MetricsAddr, cfg.Metrics.Port), cfg.Metrics.Path,
			metricsRegistry, hostHealth(host))
		if err := srv.Start(); err != nil {
			logger.Warn("Metrics server not started", "error", err)
		} else {
			logger.Info("Serving metrics", "address", srv.Address())
			defer func() { _ = srv.Stop(context.Background()) }()
		}
	}

	launcher := &container.ExecLauncher{Args: childArgs(url, globals, cfg)}
	supervisor := container.NewSupervisor(host, launcher,
		container.WithReadiness(readiness(cfg.Timeouts.Ready)),
		container.WithStopTimeout(cfg.Timeouts.Stop))

	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	shutdown := func() error {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), flags.ShutdownTimeout)
		defer cancel()
		return supervisor.Terminate(shutdownCtx)
	}

	if err := supervisor.Start(signalCtx, cfg.ChildContainers()...); err != nil {
		_ = shutdown()
		return err
	}
	built, err := supervisor.Apply(signalCtx, plan)
	if err != nil {
		_ = shutdown()
		return err
	}
	logger.Info("Microscope ready",
		"components", len(built),
		"containers", append([]string{root}, supervisor.Children()...))

	select {
	case <-signalCtx.Done():
		logger.Info("Received shutdown signal")
	case <-host.Done():
		logger.Info("Root container terminated")
	}

	if err := shutdown(); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	logger.Info("semscoped shutdown complete")
	return nil
}

func hostOptions(
	cfg *config.Config,
	logger *slog.Logger,
	registry *component.Registry,
	metrics *metric.MetricsRegistry,
) []container.Option {
	opts := []container.Option{
		container.WithLogger(logger),
		container.WithRegistry(registry),
		container.WithMetrics(metrics),
		container.WithHeartbeat(cfg.Timeouts.Heartbeat, cfg.Timeouts.HeartbeatTimeout),
	}
	if cfg.Timeouts.Request > 0 {
		opts = append(opts, container.WithRequestTimeout(cfg.Timeouts.Request))
	}
	return opts
}

// childArgs forwards the broker and logging settings to child containers
func childArgs(url string, globals *globalFlags, cfg *config.Config) []string {
	return []string{
		"--nats-url", url,
		"--log-level", orDefault(globals.LogLevel, cfg.Log.Level),
		"--log-format", orDefault(globals.LogFormat, cfg.Log.Format),
	}
}

// readiness polls a launched container for about ready
func readiness(ready time.Duration) retry.Config {
	cfg := retry.Readiness()
	if ready > 0 {
		cfg.MaxAttempts = int(ready/cfg.MaxDelay) + 10
	}
	return cfg
}

func metricsAddr(flag string, port int) string {
	if flag != "" {
		return flag
	}
	return fmt.Sprintf(":%d", port)
}

// hostHealth reports unhealthy while a hosted component is faulted or a known
// container is dead
func hostHealth(host *container.Host) metric.HealthFunc {
	return func() (bool, any) {
		status := host.Health()
		return !status.IsUnhealthy(), status
	}
}
