package vattr

import (
	"math"
	"slices"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
)

// NewContinuous creates a float attribute bounded by [minimum, maximum]. Out of range writes
// fail with errors.ErrValidation, or are clamped when the Clip option is given.
func NewContinuous(initial, minimum, maximum float64, opts ...Option) (*VA[float64], error) {
	if minimum > maximum {
		return nil, errors.Validationf("range [%g, %g] is empty", minimum, maximum)
	}
	opts = append([]Option{withKind(KindContinuous)}, opts...)
	opts = append(opts, Range(minimum, maximum))
	va := New(initial, opts...)
	va.chain(func(v float64) (float64, error) {
		return checkRange(v, minimum, maximum, va.meta.Clip)
	})
	return va.checkInitial()
}

// NewEnumerated creates an attribute restricted to a set of choices
func NewEnumerated[T comparable](initial T, choices []T, opts ...Option) (*VA[T], error) {
	if len(choices) == 0 {
		return nil, errors.Validationf("enumerated attribute needs at least one choice")
	}
	meta := make([]any, len(choices))
	for i, c := range choices {
		meta[i] = c
	}
	opts = append([]Option{withKind(KindEnumerated)}, opts...)
	opts = append(opts, Choices(meta...))
	va := New(initial, opts...)
	va.chain(func(v T) (T, error) {
		if !slices.Contains(choices, v) {
			return v, errors.Validationf("%v is not one of %v", v, choices)
		}
		return v, nil
	})
	return va.checkInitial()
}

// checkInitial validates the initial value, keeping its clamped form when clipping applies
func (va *VA[T]) checkInitial() (*VA[T], error) {
	v, err := va.validate(va.value)
	if err != nil {
		return nil, err
	}
	va.value = v
	return va, nil
}

// NewBool creates a boolean attribute
func NewBool(initial bool, opts ...Option) *VA[bool] {
	return New(initial, append([]Option{withKind(KindBool)}, opts...)...)
}

// NewString creates a string attribute
func NewString(initial string, opts ...Option) *VA[string] {
	return New(initial, append([]Option{withKind(KindString)}, opts...)...)
}

// NewList creates a variable length list attribute. With the Choices option every element
// must be one of the choices; with Range every numeric element must fall in the range.
func NewList[T any](initial []T, opts ...Option) (*VA[[]T], error) {
	opts = append([]Option{withKind(KindList)}, opts...)
	va := New(slices.Clone(initial), opts...)
	va.chain(func(v []T) ([]T, error) {
		return checkElements(slices.Clone(v), va.meta)
	})
	return va.checkInitial()
}

// NewTuple creates a fixed length attribute. The length is the one of initial.
func NewTuple[T any](initial []T, opts ...Option) (*VA[[]T], error) {
	opts = append([]Option{withKind(KindTuple)}, opts...)
	va := New(slices.Clone(initial), opts...)
	va.meta.Length = len(initial)
	va.chain(func(v []T) ([]T, error) {
		if len(v) != va.meta.Length {
			return v, errors.Validationf("tuple needs %d elements, got %d", va.meta.Length, len(v))
		}
		return checkElements(slices.Clone(v), va.meta)
	})
	return va.checkInitial()
}

func checkRange(v, minimum, maximum float64, clip bool) (float64, error) {
	if math.IsNaN(v) {
		return v, errors.Validationf("NaN is not a valid value")
	}
	clipped, ok := inRange(v, minimum, maximum, clip)
	if !ok {
		return v, errors.Validationf("%g outside range [%g, %g]", v, minimum, maximum)
	}
	return clipped, nil
}

func inRange(v, minimum, maximum float64, clip bool) (float64, bool) {
	if v >= minimum && v <= maximum {
		return v, true
	}
	if !clip || math.IsNaN(v) {
		return v, false
	}
	return math.Min(math.Max(v, minimum), maximum), true
}

func checkElements[T any](v []T, meta Meta) ([]T, error) {
	for i, elem := range v {
		if len(meta.Choices) > 0 && !slices.ContainsFunc(meta.Choices, func(c any) bool {
			return codec.Equal(c, any(elem))
		}) {
			return v, errors.Validationf("element %d (%v) is not one of %v", i, elem, meta.Choices)
		}
		if len(meta.Range) == 2 {
			f, ok := toFloat(elem)
			if !ok {
				continue
			}
			clipped, ok := inRange(f, meta.Range[0], meta.Range[1], meta.Clip)
			if !ok {
				return v, errors.Validationf("element %d (%g) outside range [%g, %g]", i, f, meta.Range[0], meta.Range[1])
			}
			if clipped != f {
				conv, err := codec.As[T](clipped)
				if err != nil {
					return v, err
				}
				v[i] = conv
			}
		}
	}
	return v, nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	default:
		return 0, false
	}
}
