package component

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
)

// Args are the keyword arguments of a component constructor. They arrive decoded from
// YAML or from the wire, so numbers may be float64 whatever the driver expects.
type Args map[string]any

// Factory creates a component. Factories validate their arguments and may talk to the
// device; a returned error aborts instantiation.
type Factory func(name, role string, args Args, deps Dependencies) (Component, error)

// Registration holds a factory and metadata for a component class
type Registration struct {
	Class       string  `json:"class"`       // Class name used by microscope files (e.g. "simulated-camera")
	Description string  `json:"description"` // Human-readable description
	Version     string  `json:"version"`     // Driver version
	Factory     Factory `json:"-"`           // Factory function (not serializable)
}

// Registry maps component class names to factories
type Registry struct {
	factories map[string]*Registration
	mu        sync.RWMutex
}

// NewRegistry creates a new empty component registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]*Registration)}
}

// RegisterFactory registers a factory under registration.Class.
// Returns an error if the class is already registered.
func (r *Registry) RegisterFactory(registration *Registration) error {
	if registration == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "registration validation")
	}
	if err := ValidateComponentName(registration.Class); err != nil {
		return errors.Wrap(err, "Registry", "RegisterFactory", "class name validation")
	}
	if registration.Factory == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "Registry", "RegisterFactory", "factory function validation")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[registration.Class]; exists {
		msg := fmt.Errorf("class '%s' is already registered", registration.Class)
		return errors.WrapInvalid(msg, "Registry", "RegisterFactory", "duplicate class check")
	}
	r.factories[registration.Class] = registration
	return nil
}

// Create instantiates a component of the given class. Every failure matches
// errors.ErrConstruction: an unknown class, bad arguments, or a factory error.
func (r *Registry) Create(class, name, role string, args Args, deps Dependencies) (Component, error) {
	if err := ValidateComponentName(name); err != nil {
		return nil, constructionError(err, "instance name validation")
	}
	if err := ValidateArgs(args); err != nil {
		return nil, constructionError(err, "argument validation")
	}

	r.mu.RLock()
	registration, exists := r.factories[class]
	r.mu.RUnlock()
	if !exists {
		return nil, constructionError(fmt.Errorf("unknown component class '%s'", class), "class lookup")
	}

	c, err := registration.Factory(name, role, args, deps)
	if err != nil {
		return nil, constructionError(err, "factory execution")
	}
	if c == nil {
		return nil, constructionError(fmt.Errorf("factory for '%s' returned nil", class), "factory execution")
	}
	deps.GetLogger().Debug("Component created", "component", name, "class", class, "role", role)
	return c, nil
}

func constructionError(err error, action string) error {
	if !errors.IsConstruction(err) {
		err = fmt.Errorf("%w: %w", errors.ErrConstruction, err)
	}
	return errors.WrapInvalid(err, "Registry", "Create", action)
}

// Lookup returns the registration of a class
func (r *Registry) Lookup(class string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.factories[class]
	return reg, ok
}

// ListClasses returns the registered class names, sorted
func (r *Registry) ListClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Sorted(maps.Keys(r.factories))
}

// Arg extracts an argument converted to T, or def when the key is absent
func Arg[T any](args Args, key string, def T) (T, error) {
	v, ok := args[key]
	if !ok || v == nil {
		return def, nil
	}
	out, err := codec.As[T](v)
	if err != nil {
		return def, errors.WrapInvalid(err, "Args", "Arg", "convert "+key)
	}
	return out, nil
}

// DecodeArgs converts args into a struct and checks its validate tags
func DecodeArgs[T any](args Args) (T, error) {
	out, err := codec.As[T](map[string]any(args))
	if err != nil {
		return out, errors.WrapInvalid(err, "Args", "DecodeArgs", "decode arguments")
	}
	if err := argsValidator.Struct(out); err != nil {
		return out, errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrValidation, err),
			"Args", "DecodeArgs", "validate arguments")
	}
	return out, nil
}
