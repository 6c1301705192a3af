package vattr

import (
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
)

type recorder struct {
	mu     sync.Mutex
	values []any
}

func (r *recorder) listen(v any) {
	r.mu.Lock()
	r.values = append(r.values, v)
	r.mu.Unlock()
}

func (r *recorder) got() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]any(nil), r.values...)
}

func TestVA_NotifiesOnlyDistinctValues(t *testing.T) {
	va := New(0)
	rec := &recorder{}
	sub := va.Subscribe(rec.listen, false)

	for _, v := range []int{1, 1, 2, 2, 2, 3, 1} {
		require.NoError(t, va.SetValue(v))
	}

	assert.Equal(t, []any{1, 2, 3, 1}, rec.got())
	sub.Unsubscribe()
}

func TestVA_LateSubscriberSeesLaterValues(t *testing.T) {
	va := New("idle")
	require.NoError(t, va.SetValue("acquiring"))

	rec := &recorder{}
	sub := va.Subscribe(rec.listen, true)
	require.NoError(t, va.SetValue("acquiring"))
	require.NoError(t, va.SetValue("idle"))

	assert.Equal(t, []any{"acquiring", "idle"}, rec.got())
	sub.Unsubscribe()
}

func TestVA_NotifiedBeforeSetReturns(t *testing.T) {
	va := New(0.0)
	var seen float64
	sub := va.Subscribe(func(v any) { seen = v.(float64) }, false)

	require.NoError(t, va.SetValue(4.5))
	assert.Equal(t, 4.5, seen)
	sub.Unsubscribe()
}

func TestVA_SetConvertsWireValues(t *testing.T) {
	va := New(0)
	require.NoError(t, va.Set(float64(7)))
	assert.Equal(t, 7, va.Value())

	err := va.Set("seven")
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, 7, va.Value())
}

func TestVA_ReadOnly(t *testing.T) {
	va := New(1.0, ReadOnly())
	rec := &recorder{}
	sub := va.Subscribe(rec.listen, false)

	assert.ErrorIs(t, va.Set(2.0), errors.ErrReadOnly)
	require.NoError(t, va.Update(2.0))
	assert.Equal(t, 2.0, va.Value())
	assert.Equal(t, []any{2.0}, rec.got())
	sub.Unsubscribe()
}

func TestVA_SetterTransformsValue(t *testing.T) {
	// the device only supports even values
	va := New(0, Setter(func(v int) (int, error) { return v - v%2, nil }))
	rec := &recorder{}
	sub := va.Subscribe(rec.listen, false)

	require.NoError(t, va.SetValue(5))
	assert.Equal(t, 4, va.Value())
	require.NoError(t, va.SetValue(4))
	assert.Equal(t, []any{4}, rec.got())
	sub.Unsubscribe()
}

func TestVA_UnsubscribeInsideListener(t *testing.T) {
	va := New(0)
	calls := 0
	var sub *Subscription
	sub = va.Subscribe(func(any) {
		calls++
		sub.Unsubscribe()
	}, false)

	require.NoError(t, va.SetValue(1))
	require.NoError(t, va.SetValue(2))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, va.Subscribers())
}

func TestVA_ListenerPanicIsIsolated(t *testing.T) {
	panics := 0
	va := New(0, WithPanicHook(func(any) { panics++ }))
	rec := &recorder{}
	bad := va.Subscribe(func(any) { panic("broken listener") }, false)
	good := va.Subscribe(rec.listen, false)

	require.NoError(t, va.SetValue(1))
	assert.Equal(t, 1, panics)
	assert.Equal(t, []any{1}, rec.got())
	bad.Unsubscribe()
	good.Unsubscribe()
}

func TestVA_CollectedSubscriberDoesNotBlockSet(t *testing.T) {
	va := New(0)
	func() {
		_ = va.Subscribe(func(any) {}, false)
	}()

	require.Eventually(t, func() bool {
		runtime.GC()
		return va.Subscribers() == 0
	}, 2*time.Second, 10*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- va.SetValue(1) }()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Set blocked after subscriber was collected")
	}
}

func TestVA_ConcurrentWritersNotifyInStoreOrder(t *testing.T) {
	va := New(0)
	var mu sync.Mutex
	var order []int
	sub := va.Subscribe(func(v any) {
		mu.Lock()
		order = append(order, v.(int))
		mu.Unlock()
	}, false)

	var wg sync.WaitGroup
	for i := 1; i <= 50; i++ {
		wg.Add(1)
		go func(v int) {
			defer wg.Done()
			_ = va.SetValue(v)
		}(i)
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, order)
	assert.Equal(t, va.Value(), order[len(order)-1])
	sub.Unsubscribe()
}

func TestVA_LinkedListenersDoNotDeadlock(t *testing.T) {
	a := New(1.0)
	b := New(2.0)
	subA := a.Subscribe(func(v any) { _ = b.SetValue(v.(float64) * 2) }, false)
	subB := b.Subscribe(func(v any) { _ = a.SetValue(v.(float64) / 2) }, false)

	done := make(chan error, 1)
	go func() { done <- a.SetValue(4) }()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("linked attributes deadlocked")
	}
	assert.Equal(t, 4.0, a.Value())
	assert.Equal(t, 8.0, b.Value())
	subA.Unsubscribe()
	subB.Unsubscribe()
}

func TestVA_WriteFromListenerIsDeliveredInSameRound(t *testing.T) {
	// a listener of b pushes a back to a fixed value when b goes negative
	a := New(0)
	b := New(0)
	rec := &recorder{}
	subRec := a.Subscribe(rec.listen, false)
	subA := a.Subscribe(func(v any) { _ = b.SetValue(v.(int)) }, false)
	subB := b.Subscribe(func(v any) {
		if v.(int) < 0 {
			_ = a.SetValue(0)
		}
	}, false)

	require.NoError(t, a.SetValue(-3))
	assert.Equal(t, 0, a.Value())
	assert.Equal(t, []any{-3, 0}, rec.got())
	subRec.Unsubscribe()
	subA.Unsubscribe()
	subB.Unsubscribe()
}

func TestVA_InitialValueNeverFollowsNewerValue(t *testing.T) {
	va := New(0)
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; ; i++ {
			select {
			case <-stop:
				return
			default:
				_ = va.SetValue(i)
			}
		}
	}()

	for round := 0; round < 50; round++ {
		var mu sync.Mutex
		var seen []int
		sub := va.Subscribe(func(v any) {
			mu.Lock()
			seen = append(seen, v.(int))
			mu.Unlock()
		}, true)

		require.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return len(seen) > 0
		}, time.Second, time.Millisecond)

		mu.Lock()
		for i := 1; i < len(seen); i++ {
			assert.GreaterOrEqual(t, seen[i], seen[i-1])
		}
		mu.Unlock()
		sub.Unsubscribe()
	}
	close(stop)
	wg.Wait()
}

func TestVA_ClosedRejectsWrites(t *testing.T) {
	va := New(1.0)
	rec := &recorder{}
	sub := va.Subscribe(rec.listen, false)

	va.Close()
	assert.True(t, va.Closed())
	assert.ErrorIs(t, va.Set(3.0), errors.ErrTerminated)
	assert.ErrorIs(t, va.Update(3.0), errors.ErrTerminated)
	assert.Equal(t, 1.0, va.Value())
	assert.Empty(t, rec.got())

	ro := New(1, ReadOnly())
	ro.Close()
	assert.ErrorIs(t, ro.SetValue(2), errors.ErrTerminated)
	sub.Unsubscribe()
}
