package component

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/vattr"
)

func newTestComponent(t *testing.T, name string) *Base {
	t.Helper()
	b := NewBase(name, "test", WithVersions("hw-1", "sw-1"))
	b.AddMethod("double", Sync, func(_ context.Context, args []any) (any, error) {
		if len(args) != 1 {
			return nil, errors.Validationf("double takes one argument")
		}
		n, err := Arg[int](Args{"n": args[0]}, "n", 0)
		if err != nil {
			return nil, err
		}
		return n * 2, nil
	})
	b.SetPhase(PhaseRunning)
	return b
}

func TestBase_Identity(t *testing.T) {
	b := NewBase("cam", "ccd", WithParent("microscope"), WithVersions("hw-1", "sw-2"), WithAffects("spectrometer"))

	assert.Equal(t, "cam", b.Name())
	assert.Equal(t, "ccd", b.Role())
	assert.Equal(t, "microscope", b.Parent())
	assert.Equal(t, "sw-2", b.Metadata()["sw_version"])
	assert.Equal(t, []string{"spectrometer"}, b.Affects().Get())

	attrs := b.Attributes()
	assert.Contains(t, attrs, AttrState)
	assert.Contains(t, attrs, AttrChildren)
	assert.Contains(t, attrs, AttrAffects)

	st, err := ReadState(b)
	require.NoError(t, err)
	assert.Equal(t, PhaseUnloaded, st.Phase)
}

func TestBase_MetadataIsCopied(t *testing.T) {
	b := NewBase("cam", "ccd", WithMetadata("serial", "42"))
	md := b.Metadata()
	md["serial"] = "changed"
	assert.Equal(t, "42", b.Metadata()["serial"])
}

func TestBase_StateIsReadOnlyForClients(t *testing.T) {
	b := NewBase("cam", "ccd")
	err := b.State().Set(StateOf(PhaseRunning))
	assert.ErrorIs(t, err, errors.ErrReadOnly)

	b.SetPhase(PhaseRunning)
	assert.Equal(t, PhaseRunning, b.CurrentState().Phase)
}

func TestBase_HardwareErrorIsReportedThroughState(t *testing.T) {
	b := newTestComponent(t, "stage")

	var mu sync.Mutex
	var seen []State
	sub := b.State().Subscribe(func(v any) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, v.(State))
	}, false)
	defer sub.Unsubscribe()

	b.SetHardwareError(fmt.Errorf("motor stalled"))

	mu.Lock()
	require.Len(t, seen, 1)
	assert.True(t, seen[0].Faulted())
	assert.ErrorIs(t, seen[0].Err, errors.ErrHardware)
	assert.Equal(t, PhaseRunning, seen[0].Phase)
	mu.Unlock()

	// Calls keep working while the fault is reported
	v, err := b.Call(context.Background(), "double", 4)
	require.NoError(t, err)
	assert.Equal(t, 8, v)
}

func TestBase_CallKinds(t *testing.T) {
	b := newTestComponent(t, "c")
	ran := make(chan any, 1)
	b.AddMethod("fire", Oneway, func(_ context.Context, args []any) (any, error) {
		ran <- args[0]
		return nil, nil
	})
	b.AddMethod("later", Async, func(_ context.Context, _ []any) (any, error) {
		f := future.New()
		f.SetResult("done")
		return f, nil
	})

	assert.Equal(t, map[string]CallKind{"double": Sync, "fire": Oneway, "later": Async}, b.Methods())

	require.NoError(t, b.Cast("fire", "x"))
	select {
	case v := <-ran:
		assert.Equal(t, "x", v)
	case <-time.After(time.Second):
		t.Fatal("oneway method did not run")
	}

	f, err := b.CallAsync(context.Background(), "later")
	require.NoError(t, err)
	res, err := f.Result(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "done", res)

	_, err = b.Call(context.Background(), "fire", 1)
	assert.ErrorIs(t, err, errors.ErrCallKind)
	assert.ErrorIs(t, b.Cast("double", 1), errors.ErrCallKind)
	_, err = b.CallAsync(context.Background(), "double", 1)
	assert.ErrorIs(t, err, errors.ErrCallKind)

	_, err = b.Call(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestBase_MethodErrorsPropagate(t *testing.T) {
	b := newTestComponent(t, "c")
	_, err := b.Call(context.Background(), "double")
	assert.ErrorIs(t, err, errors.ErrValidation)
}

func TestBase_AsyncMethodMustReturnFuture(t *testing.T) {
	b := NewBase("c", "test")
	b.AddMethod("bad", Async, func(context.Context, []any) (any, error) { return 1, nil })
	_, err := b.CallAsync(context.Background(), "bad")
	assert.True(t, errors.IsFatal(err))
}

func TestBase_TerminateCascadesInReverseOrder(t *testing.T) {
	parent := newTestComponent(t, "parent")

	var mu sync.Mutex
	var order []string
	for _, name := range []string{"a", "b", "c"} {
		child := NewBase(name, "child", WithParent("parent"))
		child.OnTerminate(func(context.Context) error {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, name)
			return nil
		})
		parent.Adopt(child)
	}
	parent.SetChildren("a", "b", "c")
	parent.OnTerminate(func(context.Context) error {
		mu.Lock()
		defer mu.Unlock()
		order = append(order, "parent")
		return nil
	})

	names, err := ChildNames(parent)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, names)

	require.NoError(t, parent.Terminate(context.Background()))
	require.NoError(t, parent.Terminate(context.Background()))

	assert.Equal(t, []string{"c", "b", "a", "parent"}, order)
	assert.Equal(t, PhaseStopped, parent.CurrentState().Phase)
	assert.True(t, parent.Terminated())

	_, err = parent.Call(context.Background(), "double", 1)
	assert.ErrorIs(t, err, errors.ErrTerminated)
}

func TestBase_TerminateJoinsErrors(t *testing.T) {
	parent := NewBase("parent", "test")
	child := NewBase("child", "test")
	child.OnTerminate(func(context.Context) error { return fmt.Errorf("release failed") })
	parent.Adopt(child)

	err := parent.Terminate(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "terminate child")
}

func TestBase_DeclaredMembersOnly(t *testing.T) {
	b := NewBase("c", "test")
	exposure, err := vattr.NewContinuous(1, 0, 10, vattr.WithUnit("s"))
	require.NoError(t, err)
	b.AddAttribute("exposureTime", exposure)

	attrs := b.Attributes()
	assert.Len(t, attrs, 4)
	assert.Same(t, exposure, attrs["exposureTime"])

	delete(attrs, "exposureTime")
	assert.Contains(t, b.Attributes(), "exposureTime")
	assert.Empty(t, b.DataFlows())
	assert.Empty(t, b.Events())
}

func TestBase_TerminateClosesMembers(t *testing.T) {
	b := NewBase("c", "test")
	gain := vattr.New(1.0)
	b.AddAttribute("gain", gain)
	df := dataflow.New("data")
	b.AddDataFlow("data", df)

	require.NoError(t, b.Terminate(context.Background()))
	assert.True(t, gain.Closed())
	assert.True(t, df.Closed())
	assert.ErrorIs(t, b.Attributes()["gain"].Set(2.0), errors.ErrTerminated)
	assert.Equal(t, 1.0, gain.Value())
	assert.Equal(t, PhaseStopped, b.CurrentState().Phase)
}
