// Package componentregistry registers the component classes shipped with semscope.
package componentregistry

import (
	"errors"

	"github.com/c360/semscope/component"
	pkgerrors "github.com/c360/semscope/errors"
	"github.com/c360/semscope/simulated"
)

// Register registers all built-in component classes with the provided registry:
//   - simulated-camera (frames on a DataFlow, software trigger Event)
//   - simulated-stage (asynchronous cancellable moves)
//
// Hardware drivers living in other modules register themselves the same way.
func Register(registry *component.Registry) error {
	// Nil registry is a programming error (fatal), not invalid input
	if registry == nil {
		return pkgerrors.WrapFatal(
			errors.New("registry cannot be nil"),
			"ComponentRegistry", "Register", "registry validation")
	}

	if err := simulated.Register(registry); err != nil {
		return pkgerrors.WrapInvalid(err, "ComponentRegistry", "Register", "simulated driver registration")
	}
	return nil
}

// NewRegistry returns a registry holding every built-in class
func NewRegistry() (*component.Registry, error) {
	registry := component.NewRegistry()
	if err := Register(registry); err != nil {
		return nil, err
	}
	return registry, nil
}
