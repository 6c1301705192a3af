package container

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
)

func TestDirectory_Entries(t *testing.T) {
	client := connect(t, startNATS(t))
	ctx := testCtx(t)

	d, err := OpenDirectory(ctx, client)
	require.NoError(t, err)

	_, err = d.Component(ctx, "cam")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	containers, err := d.Containers(ctx)
	require.NoError(t, err)
	assert.Empty(t, containers)

	started := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, d.RegisterContainer(ctx, ContainerEntry{Name: "hw", Instance: "i-2", Pid: 42, Started: started}))
	require.NoError(t, d.RegisterContainer(ctx, ContainerEntry{Name: "main", Instance: "i-1", Pid: 41, Started: started}))
	require.NoError(t, d.RegisterComponent(ctx, ComponentEntry{Name: "stage", Container: "hw", Role: "stage"}))
	require.NoError(t, d.RegisterComponent(ctx, ComponentEntry{Name: "cam", Container: "hw", Role: "ccd"}))

	entry, err := d.Component(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, ComponentEntry{Name: "cam", Container: "hw", Role: "ccd"}, *entry)

	hw, err := d.Container(ctx, "hw")
	require.NoError(t, err)
	assert.Equal(t, 42, hw.Pid)
	assert.True(t, started.Equal(hw.Started))

	containers, err = d.Containers(ctx)
	require.NoError(t, err)
	require.Len(t, containers, 2)
	assert.Equal(t, "hw", containers[0].Name)
	assert.Equal(t, "main", containers[1].Name)

	components, err := d.Components(ctx)
	require.NoError(t, err)
	require.Len(t, components, 2)
	assert.Equal(t, "cam", components[0].Name)
	assert.Equal(t, "stage", components[1].Name)

	// A later registration wins
	require.NoError(t, d.RegisterComponent(ctx, ComponentEntry{Name: "cam", Container: "main", Role: "ccd"}))
	entry, err = d.Component(ctx, "cam")
	require.NoError(t, err)
	assert.Equal(t, "main", entry.Container)

	require.NoError(t, d.UnregisterContainer(ctx, "hw", []string{"stage"}))
	_, err = d.Container(ctx, "hw")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = d.Component(ctx, "stage")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = d.Component(ctx, "cam")
	assert.NoError(t, err)

	require.NoError(t, d.UnregisterComponent(ctx, "never-registered"))
}

func TestDirectory_SharedBetweenContainers(t *testing.T) {
	main, hw := pair(t)
	ctx := testCtx(t)

	_, err := hw.Instantiate(ctx, blockerClass, "blk", "test", nil)
	require.NoError(t, err)

	d, err := OpenDirectory(ctx, main.client)
	require.NoError(t, err)

	entry, err := d.Component(ctx, "blk")
	require.NoError(t, err)
	assert.Equal(t, "hw", entry.Container)

	hwEntry, err := d.Container(ctx, "hw")
	require.NoError(t, err)
	assert.Equal(t, hw.Instance(), hwEntry.Instance)

	require.NoError(t, hw.Terminate(context.Background()))
	_, err = d.Component(ctx, "blk")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	_, err = d.Container(ctx, "hw")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}
