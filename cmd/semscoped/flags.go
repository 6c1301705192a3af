package main

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// globalFlags are shared by every command
type globalFlags struct {
	LogLevel  string
	LogFormat string
	NATSURL   string
}

func (g *globalFlags) register(cmd *cobra.Command) {
	pf := cmd.PersistentFlags()
	pf.StringVar(&g.LogLevel, "log-level", getEnv("SEMSCOPE_LOG_LEVEL", ""),
		"Log level: debug, info, warn, error (env: SEMSCOPE_LOG_LEVEL)")
	pf.StringVar(&g.LogFormat, "log-format", getEnv("SEMSCOPE_LOG_FORMAT", ""),
		"Log format: json, text (env: SEMSCOPE_LOG_FORMAT)")
	pf.StringVar(&g.NATSURL, "nats-url", getEnv("SEMSCOPE_NATS_URL", ""),
		"NATS server URL (env: SEMSCOPE_NATS_URL)")
}

func (g *globalFlags) validate() error {
	if g.LogLevel != "" && !slices.Contains([]string{"debug", "info", "warn", "error"}, strings.ToLower(g.LogLevel)) {
		return fmt.Errorf("invalid log level: %s", g.LogLevel)
	}
	if g.LogFormat != "" && !slices.Contains([]string{"json", "text"}, strings.ToLower(g.LogFormat)) {
		return fmt.Errorf("invalid log format: %s", g.LogFormat)
	}
	return nil
}

// orDefault returns the flag value, or def when the flag is unset
func orDefault(flag, def string) string {
	if flag != "" {
		return flag
	}
	return def
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}
