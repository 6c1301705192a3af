package config

import (
	"fmt"
	"strings"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
)

// ClassRegistry is the part of the component registry the validator needs
type ClassRegistry interface {
	Lookup(class string) (*component.Registration, bool)
}

var _ ClassRegistry = (*component.Registry)(nil)

// ValidateClasses checks that every instantiated component names a registered class.
// All unknown classes are reported at once.
func ValidateClasses(cfg *Config, registry ClassRegistry) error {
	if cfg == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateClasses", "nil config")
	}
	if registry == nil {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateClasses", "nil registry")
	}

	var unknown []string
	for _, name := range sortedNames(cfg.Components) {
		cc := cfg.Components[name]
		if cc.Creator != "" {
			continue
		}
		if _, ok := registry.Lookup(cc.Class); !ok {
			unknown = append(unknown, fmt.Sprintf("%s (%s)", name, cc.Class))
		}
	}
	if len(unknown) > 0 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: unknown class for %s", errors.ErrInvalidConfig, strings.Join(unknown, ", ")),
			"ConfigValidator", "ValidateClasses", "lookup classes")
	}
	return nil
}
