package componentregistry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/simulated"
)

func TestRegister(t *testing.T) {
	registry, err := NewRegistry()
	require.NoError(t, err)

	assert.Equal(t, []string{simulated.CameraClass, simulated.StageClass}, registry.ListClasses())
}

func TestRegisterNilRegistry(t *testing.T) {
	err := Register(nil)
	require.Error(t, err)
	assert.True(t, errors.IsFatal(err))
}

func TestRegisterTwice(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))

	err := Register(registry)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
