package simulated

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/future"
)

func startExecutor(t *testing.T) *future.Executor {
	t.Helper()
	e := future.NewExecutor(2, 8)
	require.NoError(t, e.Start(context.Background()))
	t.Cleanup(func() { _ = e.Stop(time.Second) })
	return e
}

func newStage(t *testing.T, args component.Args) *Stage {
	t.Helper()
	s, err := NewStage("stage", "stage", args, component.Dependencies{Container: "test", Executor: startExecutor(t)})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Terminate(context.Background()) })
	return s.(*Stage)
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestStage_NeedsExecutor(t *testing.T) {
	_, err := NewStage("stage", "stage", nil, component.Dependencies{})
	assert.ErrorIs(t, err, errors.ErrConstruction)
}

func TestStage_MoveCompletes(t *testing.T) {
	s := newStage(t, component.Args{"speed": 0.1})

	f, err := s.CallAsync(context.Background(), "moveRel", map[string]any{"x": 0.001, "y": -0.002})
	require.NoError(t, err)

	result, err := f.Result(waitCtx(t))
	require.NoError(t, err)
	assert.Equal(t, future.Finished, f.State())
	assert.InDeltaSlice(t, []float64{0.001, -0.002}, result, 1e-12)
	assert.InDeltaSlice(t, []float64{0.001, -0.002}, s.Position(), 1e-12)
}

func TestStage_MovesRunOneAtATime(t *testing.T) {
	s := newStage(t, component.Args{"speed": 0.1})

	first, err := s.MoveRel(map[string]float64{"x": 0.002})
	require.NoError(t, err)
	second, err := s.MoveRel(map[string]float64{"x": 0.002})
	require.NoError(t, err)

	require.NoError(t, second.Exception(waitCtx(t)))
	assert.True(t, first.Done())
	assert.InDelta(t, 0.004, s.Position()[0], 1e-12)
}

func TestStage_MoveAbsLeavesOtherAxes(t *testing.T) {
	s := newStage(t, component.Args{"speed": 0.1})

	f, err := s.MoveRel(map[string]float64{"y": 0.001})
	require.NoError(t, err)
	require.NoError(t, f.Exception(waitCtx(t)))

	f, err = s.MoveAbs(map[string]float64{"x": 0.003})
	require.NoError(t, err)
	require.NoError(t, f.Exception(waitCtx(t)))
	assert.InDeltaSlice(t, []float64{0.003, 0.001}, s.Position(), 1e-12)
}

func TestStage_CancelMidFlight(t *testing.T) {
	s := newStage(t, component.Args{"speed": 0.01})

	f, err := s.MoveRel(map[string]float64{"x": 0.01})
	require.NoError(t, err)

	var calls atomic.Int32
	f.AddDoneCallback(func(future.Interface) { calls.Add(1) })

	require.Eventually(t, func() bool {
		return f.Running() && s.Position()[0] > 0
	}, 2*time.Second, 5*time.Millisecond)

	assert.True(t, f.Cancel())
	_, err = f.Result(waitCtx(t))
	assert.ErrorIs(t, err, errors.ErrCancelled)
	assert.True(t, f.Cancelled())
	assert.False(t, f.Cancel())

	x := s.Position()[0]
	assert.Greater(t, x, 0.0)
	assert.Less(t, x, 0.01)

	time.Sleep(3 * step)
	assert.Equal(t, x, s.Position()[0], "stage kept moving after cancel")
	assert.Equal(t, int32(1), calls.Load())
}

func TestStage_ReportsProgress(t *testing.T) {
	s := newStage(t, component.Args{"speed": 0.01})

	f, err := s.MoveRel(map[string]float64{"x": 0.005})
	require.NoError(t, err)
	defer f.Cancel()

	require.Eventually(t, func() bool {
		_, remaining := f.Progress()
		return f.Running() && remaining > 0
	}, 2*time.Second, 5*time.Millisecond)

	_, remaining := f.Progress()
	assert.LessOrEqual(t, remaining, 500*time.Millisecond)
}

func TestStage_OutOfRange(t *testing.T) {
	s := newStage(t, component.Args{"limit": 0.01})

	_, err := s.MoveAbs(map[string]float64{"x": 0.02})
	assert.ErrorIs(t, err, errors.ErrValidation)

	f, err := s.MoveRel(map[string]float64{"y": -0.02})
	require.NoError(t, err)
	err = f.Exception(waitCtx(t))
	assert.ErrorIs(t, err, errors.ErrValidation)
	assert.Equal(t, future.Failed, f.State())
	assert.Equal(t, []float64{0, 0}, s.Position())

	_, err = s.CallAsync(context.Background(), "moveRel", map[string]any{"z": 0.001})
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestStage_OnewayStopCancelsMoves(t *testing.T) {
	s := newStage(t, component.Args{"speed": 0.001})

	f, err := s.MoveRel(map[string]float64{"x": 0.01})
	require.NoError(t, err)
	require.Eventually(t, f.Running, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, s.Cast("stop"))
	require.NoError(t, f.Wait(waitCtx(t)))
	assert.True(t, f.Cancelled())

	_, err = s.Call(context.Background(), "stop")
	assert.ErrorIs(t, err, errors.ErrCallKind)
}

func TestStage_InjectedFault(t *testing.T) {
	s := newStage(t, nil)

	_, err := s.Call(context.Background(), "injectFault", "encoder lost")
	require.NoError(t, err)

	st, err := component.ReadState(s)
	require.NoError(t, err)
	assert.True(t, st.Faulted())
	assert.Contains(t, st.Err.Error(), "encoder lost")

	f, err := s.MoveRel(map[string]float64{"x": 0.001})
	require.NoError(t, err)
	assert.ErrorIs(t, f.Exception(waitCtx(t)), errors.ErrHardware)
}

func TestStage_SpeedValidation(t *testing.T) {
	s := newStage(t, nil)
	speed := s.Attributes()["speed"]

	assert.ErrorIs(t, speed.Set(1.0), errors.ErrValidation)
	require.NoError(t, speed.Set(0.05))
	assert.Equal(t, 0.05, speed.Get())

	assert.ErrorIs(t, s.Attributes()["position"].Set([]float64{1, 1}), errors.ErrReadOnly)
}

func TestRegister(t *testing.T) {
	registry := component.NewRegistry()
	require.NoError(t, Register(registry))
	assert.Equal(t, []string{CameraClass, StageClass}, registry.ListClasses())

	c, err := registry.Create(CameraClass, "cam", "ccd", nil, component.Dependencies{})
	require.NoError(t, err)
	assert.Equal(t, "cam", c.Name())
	require.NoError(t, c.Terminate(context.Background()))
}
