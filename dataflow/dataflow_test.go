package dataflow

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/pkg/buffer"
)

type hooks struct {
	starts atomic.Int32
	stops  atomic.Int32
}

func (h *hooks) option() Option {
	return WithHooks(func() { h.starts.Add(1) }, func() { h.stops.Add(1) })
}

type collector struct {
	mu     sync.Mutex
	blocks []int
}

func (c *collector) listen(b Block) {
	c.mu.Lock()
	c.blocks = append(c.blocks, b.Metadata["seq"].(int))
	c.mu.Unlock()
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blocks)
}

func (c *collector) got() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.blocks...)
}

func seq(i int) Block {
	return Block{Data: []byte{byte(i)}, Metadata: map[string]any{"seq": i}}
}

func TestDataFlow_StartStopExactlyOncePerTransition(t *testing.T) {
	h := &hooks{}
	df := New("data", h.option())

	a := df.Subscribe(func(Block) {})
	b := df.Subscribe(func(Block) {})
	assert.Equal(t, int32(1), h.starts.Load())
	assert.True(t, df.Generating())

	a.Unsubscribe()
	assert.Equal(t, int32(0), h.stops.Load())
	b.Unsubscribe()
	b.Unsubscribe()
	assert.Equal(t, int32(1), h.stops.Load())
	assert.False(t, df.Generating())

	c := df.Subscribe(func(Block) {})
	assert.Equal(t, int32(2), h.starts.Load())
	c.Unsubscribe()
	assert.Equal(t, int32(2), h.stops.Load())
}

func TestDataFlow_PerSubscriberOrder(t *testing.T) {
	df := New("data", WithOverflowPolicy(buffer.Block, 2))
	fast, slow := &collector{}, &collector{}
	s1 := df.Subscribe(fast.listen)
	s2 := df.Subscribe(func(b Block) {
		time.Sleep(time.Millisecond)
		slow.listen(b)
	})

	for i := 0; i < 50; i++ {
		df.Notify(seq(i))
	}

	require.Eventually(t, func() bool { return fast.count() == 50 && slow.count() == 50 }, 5*time.Second, 5*time.Millisecond)
	want := make([]int, 50)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, fast.got())
	assert.Equal(t, want, slow.got())
	s1.Unsubscribe()
	s2.Unsubscribe()
}

func TestDataFlow_NoBlocksFromBeforeSubscription(t *testing.T) {
	df := New("data")
	for i := 0; i < 5; i++ {
		df.Notify(seq(i))
	}

	c := &collector{}
	sub := df.Subscribe(c.listen)
	df.Notify(seq(5))
	require.Eventually(t, func() bool { return c.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{5}, c.got())
	sub.Unsubscribe()
}

func TestDataFlow_DropOldestKeepsOrder(t *testing.T) {
	df := New("data", WithOverflowPolicy(buffer.DropOldest, 1))
	release := make(chan struct{})
	c := &collector{}
	sub := df.Subscribe(func(b Block) {
		<-release
		c.listen(b)
	})

	for i := 0; i < 20; i++ {
		df.Notify(seq(i))
	}
	close(release)

	require.Eventually(t, func() bool {
		got := c.got()
		return len(got) > 0 && got[len(got)-1] == 19
	}, time.Second, 5*time.Millisecond)
	got := c.got()
	assert.Less(t, len(got), 20)
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
	sub.Unsubscribe()
}

func TestDataFlow_Get(t *testing.T) {
	h := &hooks{}
	df := New("data", h.option())

	go func() {
		for i := 0; h.starts.Load() == 0 && i < 100; i++ {
			time.Sleep(time.Millisecond)
		}
		df.Notify(seq(7))
	}()

	b, err := df.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, b.Metadata["seq"])
	assert.Equal(t, int32(1), h.starts.Load())
	assert.Equal(t, int32(1), h.stops.Load())
	assert.Equal(t, 0, df.Subscribers())
}

func TestDataFlow_GetTimeout(t *testing.T) {
	df := New("data")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := df.Get(ctx)
	assert.ErrorIs(t, err, errors.ErrTimeout)
}

func TestDataFlow_CollectedSubscriberStopsGeneration(t *testing.T) {
	h := &hooks{}
	df := New("data", h.option())
	func() {
		_ = df.Subscribe(func(Block) {})
	}()
	assert.Equal(t, int32(1), h.starts.Load())

	require.Eventually(t, func() bool {
		runtime.GC()
		return h.stops.Load() == 1
	}, 2*time.Second, 10*time.Millisecond)
	df.Notify(seq(1))
}

func TestDataFlow_SubscriberPanicIsIsolated(t *testing.T) {
	df := New("data")
	c := &collector{}
	bad := df.Subscribe(func(Block) { panic("bad subscriber") })
	good := df.Subscribe(c.listen)

	df.Notify(seq(1))
	df.Notify(seq(2))
	require.Eventually(t, func() bool { return c.count() == 2 }, time.Second, 5*time.Millisecond)
	bad.Unsubscribe()
	good.Unsubscribe()
}

func TestDataFlow_SynchronizedOn(t *testing.T) {
	df := New("data")
	trigger := event.New("softwareTrigger")
	require.NoError(t, df.SynchronizedOn(trigger))
	assert.Equal(t, trigger, df.SynchronizedEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	assert.False(t, df.WaitSync(ctx), "no trigger yet")
	cancel()

	trigger.Trigger()
	assert.True(t, df.WaitSync(context.Background()))

	released := make(chan bool, 1)
	go func() { released <- df.WaitSync(context.Background()) }()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, df.SynchronizedOn(nil))

	select {
	case got := <-released:
		assert.False(t, got)
	case <-time.After(time.Second):
		t.Fatal("producer not released when synchronization was removed")
	}
	assert.Equal(t, 0, trigger.Listeners())
	assert.True(t, df.WaitSync(context.Background()))
}

func TestBlock_Uint16(t *testing.T) {
	b := NewUint16Block([]int{2, 2}, []uint16{1, 2, 65535, 0}, nil)
	assert.Equal(t, 4, b.Elements())
	pixels, err := b.Uint16s()
	require.NoError(t, err)
	assert.Equal(t, []uint16{1, 2, 65535, 0}, pixels)

	_, err = Block{DType: DTypeUint8}.Uint16s()
	assert.ErrorIs(t, err, errors.ErrInvalidData)
}

func TestDataFlow_CloseStopsGenerationAndRefusesSubscribers(t *testing.T) {
	h := &hooks{}
	df := New("data", h.option())
	rec := &collector{}
	sub := df.Subscribe(rec.listen)
	require.True(t, df.Generating())

	df.Close()
	df.Close()
	assert.True(t, df.Closed())
	assert.False(t, df.Generating())
	assert.Equal(t, int32(1), h.stops.Load())

	df.Notify(seq(1))
	late := df.Subscribe(rec.listen)
	assert.Equal(t, int32(1), h.starts.Load())
	assert.False(t, df.Generating())
	assert.Equal(t, 0, rec.count())

	_, err := df.Get(context.Background())
	assert.ErrorIs(t, err, errors.ErrTerminated)

	sub.Unsubscribe()
	late.Unsubscribe()
	assert.Equal(t, int32(1), h.stops.Load())
}
