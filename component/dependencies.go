package component

import (
	"log/slog"

	"github.com/c360/semscope/future"
	"github.com/c360/semscope/metric"
)

// Dependencies provides what a factory may need beyond its arguments
type Dependencies struct {
	Container       string                  // Name of the hosting container
	Logger          *slog.Logger            // Structured logger (can be nil, defaults to slog.Default())
	MetricsRegistry *metric.MetricsRegistry // Metrics registry for Prometheus (can be nil)
	Executor        *future.Executor        // Runs Async method bodies (can be nil)
	Resolver        Resolver                // Resolves other components by name (can be nil)
	Publisher       Publisher               // Hosts components created by the new one (can be nil)
}

// Publisher hosts a component created by another component, making it reachable by name
type Publisher interface {
	Publish(c Component) error
}

// GetLogger returns the configured logger or a default logger if none is provided
func (d *Dependencies) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// GetLoggerWithComponent returns a logger configured with component context
func (d *Dependencies) GetLoggerWithComponent(componentName string) *slog.Logger {
	return d.GetLogger().With("component", componentName, "container", d.Container)
}
