package vattr

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
)

func TestContinuous_RejectsOutOfRange(t *testing.T) {
	exposure, err := NewContinuous(1, 0, 10, WithUnit("s"))
	require.NoError(t, err)

	rec := &recorder{}
	sub := exposure.Subscribe(rec.listen, false)

	err = exposure.Set(-1)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 1.0, exposure.Value())

	require.NoError(t, exposure.Set(2))
	assert.Equal(t, 2.0, exposure.Value())
	assert.Equal(t, []any{2.0}, rec.got())

	assert.True(t, errors.IsValidation(exposure.SetValue(math.NaN())))

	meta := exposure.Meta()
	assert.Equal(t, KindContinuous, meta.Kind)
	assert.Equal(t, "s", meta.Unit)
	assert.Equal(t, []float64{0, 10}, meta.Range)
	sub.Unsubscribe()
}

func TestContinuous_Clip(t *testing.T) {
	gain, err := NewContinuous(20, 0, 10, Clip())
	require.NoError(t, err)
	assert.Equal(t, 10.0, gain.Value())

	require.NoError(t, gain.SetValue(-3))
	assert.Equal(t, 0.0, gain.Value())
}

func TestContinuous_BadRange(t *testing.T) {
	_, err := NewContinuous(1, 10, 0)
	assert.True(t, errors.IsValidation(err))

	_, err = NewContinuous(11, 0, 10)
	assert.True(t, errors.IsValidation(err))
}

func TestEnumerated(t *testing.T) {
	binning, err := NewEnumerated(1, []int{1, 2, 4})
	require.NoError(t, err)

	require.NoError(t, binning.Set(4.0))
	assert.Equal(t, 4, binning.Value())
	assert.True(t, errors.IsValidation(binning.SetValue(3)))
	assert.Equal(t, []any{1, 2, 4}, binning.Meta().Choices)

	_, err = NewEnumerated("fast", nil)
	assert.Error(t, err)
}

func TestBoolAndString(t *testing.T) {
	on := NewBool(false)
	require.NoError(t, on.Set(true))
	assert.True(t, on.Value())
	assert.Equal(t, KindBool, on.Meta().Kind)

	name := NewString("cam", ReadOnly())
	assert.ErrorIs(t, name.Set("det"), errors.ErrReadOnly)
}

func TestList(t *testing.T) {
	filters, err := NewList([]string{"red"}, Choices("red", "green", "blue"))
	require.NoError(t, err)

	require.NoError(t, filters.Set([]any{"green", "blue"}))
	assert.Equal(t, []string{"green", "blue"}, filters.Value())
	assert.True(t, errors.IsValidation(filters.SetValue([]string{"uv"})))

	rec := &recorder{}
	sub := filters.Subscribe(rec.listen, false)
	require.NoError(t, filters.SetValue([]string{"green", "blue"}))
	assert.Empty(t, rec.got())
	sub.Unsubscribe()
}

func TestTuple(t *testing.T) {
	pos, err := NewTuple([]float64{0, 0}, Range(-1, 1), WithUnit("m"))
	require.NoError(t, err)
	assert.Equal(t, 2, pos.Meta().Length)

	require.NoError(t, pos.Set([]any{0.5, -0.25}))
	assert.Equal(t, []float64{0.5, -0.25}, pos.Value())

	assert.True(t, errors.IsValidation(pos.SetValue([]float64{0.1})))
	assert.True(t, errors.IsValidation(pos.SetValue([]float64{0, 2})))

	clipped, err := NewTuple([]float64{0, 0}, Range(-1, 1), Clip())
	require.NoError(t, err)
	require.NoError(t, clipped.SetValue([]float64{3, -3}))
	assert.Equal(t, []float64{1, -1}, clipped.Value())
}

func TestAttributeInterface(t *testing.T) {
	exposure, err := NewContinuous(1, 0, 10)
	require.NoError(t, err)

	var attr Attribute = exposure
	assert.Equal(t, 1.0, attr.Get())
	require.NoError(t, attr.Set(3.5))
	assert.Equal(t, 3.5, attr.Get())
}
