package event

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_TwoListenersEachConsumeOnce(t *testing.T) {
	ev := New("softwareTrigger")
	l1, l2 := NewListener(), NewListener()
	ev.Subscribe(l1)
	ev.Subscribe(l2)

	ev.Trigger()

	assert.True(t, l2.WaitTimeout(time.Second))
	assert.True(t, l1.WaitTimeout(time.Second))

	start := time.Now()
	assert.False(t, l1.WaitTimeout(50*time.Millisecond))
	assert.False(t, l2.WaitTimeout(50*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestEvent_QueueIsLossFree(t *testing.T) {
	ev := New("tick")
	l := NewListener()
	ev.Subscribe(l)

	for i := 0; i < 5; i++ {
		ev.Trigger()
	}
	assert.Equal(t, 5, l.Pending())
	for i := 0; i < 5; i++ {
		assert.True(t, l.WaitTimeout(time.Second))
	}
	assert.False(t, l.WaitTimeout(10*time.Millisecond))
}

func TestEvent_ConcurrentTriggersNeverLost(t *testing.T) {
	ev := New("tick")
	l := NewListener()
	ev.Subscribe(l)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ev.Trigger()
		}()
	}

	consumed := 0
	for consumed < 100 {
		require.True(t, l.WaitTimeout(time.Second), "lost trigger after %d", consumed)
		consumed++
	}
	wg.Wait()
	assert.Equal(t, 0, l.Pending())
}

func TestListener_Clear(t *testing.T) {
	ev := New("tick")
	l := NewListener()
	ev.Subscribe(l)
	ev.Trigger()
	ev.Trigger()

	l.Clear()
	assert.Equal(t, 0, l.Pending())
	assert.False(t, l.WaitTimeout(10*time.Millisecond))
}

func TestListener_WaitReturnsFalseWhenUnsubscribed(t *testing.T) {
	ev := New("tick")
	l := NewListener()
	ev.Subscribe(l)

	result := make(chan bool, 1)
	go func() { result <- l.Wait(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	ev.Unsubscribe(l)

	select {
	case got := <-result:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after unsubscribe")
	}
	assert.Equal(t, 0, ev.Listeners())
}

func TestListener_WaitHonoursContext(t *testing.T) {
	ev := New("tick")
	l := NewListener()
	ev.Subscribe(l)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.False(t, l.Wait(ctx))
}

func TestListener_OnEvent(t *testing.T) {
	var calls atomic.Int32
	hooks := 0
	ev := New("tick", WithTriggerHook(func(time.Time) { hooks++ }))
	l := NewListener(OnEvent(func(src Interface, _ time.Time) {
		assert.Equal(t, "tick", src.Name())
		calls.Add(1)
		panic("listener bug")
	}))
	ev.Subscribe(l)
	ev.Subscribe(l)

	ev.Trigger()
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1, hooks)
	assert.Equal(t, 1, l.Pending())
}
