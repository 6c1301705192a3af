package component

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/c360/semscope/errors"
)

// Limits applied to names and constructor arguments
const (
	MaxNameLength   = 128
	MaxStringLength = 4096
	MaxArgsDepth    = 10
	MaxArraySize    = 100000
)

var argsValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateComponentName checks a component or container name. Names appear in
// NATS subjects, so only alphanumerics, dash and underscore are allowed.
func ValidateComponentName(name string) error {
	if name == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "empty name")
	}
	if len(name) > MaxNameLength {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "ConfigValidator", "ValidateComponentName", "name too long")
	}
	for _, r := range name {
		if !((r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') || r == '-' || r == '_') {
			return errors.WrapInvalid(
				fmt.Errorf("%w: invalid character %q in %q", errors.ErrInvalidConfig, r, name),
				"ConfigValidator", "ValidateComponentName", "name characters")
		}
	}
	return nil
}

// ValidateArgs walks constructor arguments and rejects oversized or malformed values
func ValidateArgs(args Args) error {
	for key, v := range args {
		if key == "" || len(key) > MaxNameLength || strings.ContainsAny(key, "\x00\n\r\t") {
			return errors.WrapInvalid(
				fmt.Errorf("%w: bad argument name %q", errors.ErrInvalidConfig, key),
				"ConfigValidator", "ValidateArgs", "key check")
		}
		if err := validateValue(v, 1); err != nil {
			return errors.Wrap(err, "ConfigValidator", "ValidateArgs", "argument "+key)
		}
	}
	return nil
}

func validateValue(value any, depth int) error {
	if depth > MaxArgsDepth {
		return errors.WrapInvalid(
			fmt.Errorf("depth %d exceeds maximum %d", depth, MaxArgsDepth),
			"ConfigValidator", "validateValue", "depth check")
	}

	switch val := value.(type) {
	case string:
		if len(val) > MaxStringLength {
			return errors.WrapInvalid(
				fmt.Errorf("string length %d exceeds maximum %d", len(val), MaxStringLength),
				"ConfigValidator", "validateValue", "string length check")
		}
		if strings.Contains(val, "\x00") {
			return errors.WrapInvalid(fmt.Errorf("string contains null byte"),
				"ConfigValidator", "validateValue", "null byte check")
		}
	case []any:
		if len(val) > MaxArraySize {
			return errors.WrapInvalid(
				fmt.Errorf("array size %d exceeds maximum %d", len(val), MaxArraySize),
				"ConfigValidator", "validateValue", "array size check")
		}
		for i, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", fmt.Sprintf("element %d", i))
			}
		}
	case map[string]any:
		for k, elem := range val {
			if err := validateValue(elem, depth+1); err != nil {
				return errors.Wrap(err, "ConfigValidator", "validateValue", fmt.Sprintf("field '%s'", k))
			}
		}
	}
	return nil
}
