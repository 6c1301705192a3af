// Package dataflow implements streaming channels: a producer generates an ordered sequence of
// blocks, and every subscriber receives them in generation order on its own goroutine.
//
// Generation is tied to the subscriber set. The start hook runs on the transition from no
// subscriber to one, the stop hook on the transition back, exactly once each. Subscriptions
// are held weakly like attribute listeners: a collected *Subscription unsubscribes itself.
//
// A closed dataflow stops generation and drops its subscribers; later subscriptions receive
// nothing and Get fails with errors.ErrTerminated.
//
// Each subscriber has a bounded queue. What happens when it is full is a per-channel policy:
// buffer.Block stalls the producer, buffer.DropOldest and buffer.DropNewest discard blocks for
// that subscriber only. Either way no subscriber sees blocks out of order.
package dataflow

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/metric"
	"github.com/c360/semscope/pkg/buffer"
	"github.com/c360/semscope/pkg/weakset"
)

// Listener receives the blocks of a dataflow
type Listener func(b Block)

// Subscription is the owning token of a subscriber
type Subscription = weakset.Handle[Listener]

// Interface is the subscriber-facing side of a dataflow, shared by local dataflows and proxies
type Interface interface {
	Name() string
	Subscribe(fn Listener) *Subscription
	Get(ctx context.Context) (Block, error)
	SynchronizedOn(ev event.Interface) error
}

// DefaultQueueDepth is the per-subscriber queue length
const DefaultQueueDepth = 4

// DataFlow is a local streaming channel driven by its owner through Notify
type DataFlow struct {
	name    string
	logger  *slog.Logger
	metrics *metric.Metrics
	policy  buffer.OverflowPolicy
	depth   int
	start   func()
	stop    func()

	subs *weakset.Set[Listener]

	mu     sync.Mutex
	queues map[uint64]buffer.Buffer[Block]
	closed atomic.Bool

	hookMu     sync.Mutex
	generating bool

	notifyMu sync.Mutex

	syncMu   sync.Mutex
	syncOn   event.Interface
	listener *event.Listener
}

// Option configures a DataFlow
type Option func(*DataFlow)

// WithHooks sets the generation hooks. They run serialized and must not subscribe to or
// unsubscribe from the dataflow themselves.
func WithHooks(start, stop func()) Option {
	return func(df *DataFlow) {
		df.start = start
		df.stop = stop
	}
}

// WithOverflowPolicy sets what happens when a subscriber queue of the given depth is full
func WithOverflowPolicy(policy buffer.OverflowPolicy, depth int) Option {
	return func(df *DataFlow) {
		df.policy = policy
		if depth > 0 {
			df.depth = depth
		}
	}
}

// WithLogger sets the dataflow logger
func WithLogger(logger *slog.Logger) Option {
	return func(df *DataFlow) { df.logger = logger }
}

// WithMetrics records delivered and dropped blocks
func WithMetrics(metrics *metric.Metrics) Option {
	return func(df *DataFlow) { df.metrics = metrics }
}

// New creates a dataflow with the Block overflow policy
func New(name string, opts ...Option) *DataFlow {
	df := &DataFlow{
		name:   name,
		logger: slog.Default(),
		policy: buffer.Block,
		depth:  DefaultQueueDepth,
		queues: make(map[uint64]buffer.Buffer[Block]),
	}
	for _, opt := range opts {
		opt(df)
	}
	df.logger = df.logger.With("dataflow", name)
	df.subs = weakset.New[Listener](df.removed)
	return df
}

// Name returns the dataflow name
func (df *DataFlow) Name() string {
	return df.name
}

// Policy returns the overflow policy
func (df *DataFlow) Policy() buffer.OverflowPolicy {
	return df.policy
}

// Subscribe registers fn. The first subscriber starts generation before any block is sent.
func (df *DataFlow) Subscribe(fn Listener) *Subscription {
	h, _ := df.subs.Add(fn)
	queue := buffer.NewCircularBuffer[Block](df.depth,
		buffer.WithOverflowPolicy[Block](df.policy),
		buffer.WithDropCallback[Block](func(Block) { df.metrics.RecordBlockDropped(df.name) }),
	)

	df.mu.Lock()
	if df.closed.Load() {
		df.mu.Unlock()
		h.Unsubscribe()
		return h
	}
	df.queues[h.ID()] = queue
	df.mu.Unlock()

	go df.deliver(h.ID(), weakset.Weak(h), queue)
	df.updateGeneration()
	return h
}

// Subscribers returns the number of current subscribers
func (df *DataFlow) Subscribers() int {
	return df.subs.Len()
}

// Generating reports whether the start hook ran without a matching stop
func (df *DataFlow) Generating() bool {
	df.hookMu.Lock()
	defer df.hookMu.Unlock()
	return df.generating
}

// Close stops generation and releases every subscriber queue
func (df *DataFlow) Close() {
	df.mu.Lock()
	if df.closed.Swap(true) {
		df.mu.Unlock()
		return
	}
	queues := df.queues
	df.queues = make(map[uint64]buffer.Buffer[Block])
	df.mu.Unlock()

	for _, queue := range queues {
		_ = queue.Close()
	}
	df.updateGeneration()
}

// Closed reports whether Close ran
func (df *DataFlow) Closed() bool {
	return df.closed.Load()
}

func (df *DataFlow) removed(id uint64, _ int) {
	df.mu.Lock()
	queue := df.queues[id]
	delete(df.queues, id)
	df.mu.Unlock()

	if queue != nil {
		_ = queue.Close()
	}
	df.updateGeneration()
}

func (df *DataFlow) updateGeneration() {
	df.hookMu.Lock()
	defer df.hookMu.Unlock()

	want := !df.closed.Load() && df.subs.Len() > 0
	if want == df.generating {
		return
	}
	df.generating = want

	hook, name := df.stop, "stop"
	if want {
		hook, name = df.start, "start"
	}
	if hook == nil {
		return
	}
	errors.Isolate(hook, func(r any) {
		df.logger.Error("Generation hook panicked", "hook", name, "error", errors.PanicError(r))
	})
}

func (df *DataFlow) active(id uint64) bool {
	df.mu.Lock()
	defer df.mu.Unlock()
	_, ok := df.queues[id]
	return ok
}

func (df *DataFlow) deliver(id uint64, ref weak.Pointer[Subscription], queue buffer.Buffer[Block]) {
	for {
		b, ok := queue.ReadWait()
		if !ok || !df.active(id) {
			return
		}
		if !df.dispatch(ref, b) {
			return
		}
	}
}

// dispatch holds the subscription only for the duration of one callback
func (df *DataFlow) dispatch(ref weak.Pointer[Subscription], b Block) bool {
	h := ref.Value()
	if h == nil {
		return false
	}
	fn := h.Value()
	errors.Isolate(func() { fn(b) }, func(r any) {
		df.logger.Error("Dataflow subscriber panicked", "error", errors.PanicError(r))
		df.metrics.RecordCallbackPanic("dataflow")
	})
	df.metrics.RecordBlockDelivered(df.name)
	return true
}

// Notify hands b to every current subscriber. Only the producer calls it. Calls are
// serialized so that all subscribers see the same order.
func (df *DataFlow) Notify(b Block) {
	df.notifyMu.Lock()
	defer df.notifyMu.Unlock()

	for _, h := range df.subs.Live() {
		df.mu.Lock()
		queue := df.queues[h.ID()]
		df.mu.Unlock()
		if queue == nil {
			continue
		}
		if err := queue.Write(b); err != nil && !stderrors.Is(err, errors.ErrAlreadyStopped) {
			df.logger.Debug("Block not queued", "error", err)
		}
	}
}

// Get subscribes, waits for the next block, and unsubscribes. A ctx deadline maps to
// errors.ErrTimeout.
func (df *DataFlow) Get(ctx context.Context) (Block, error) {
	if df.closed.Load() {
		return Block{}, errors.Wrap(errors.ErrTerminated, df.name, "Get", "read block")
	}
	return Get(ctx, df)
}

// Get implements Interface.Get on top of Subscribe for any dataflow
func Get(ctx context.Context, df Interface) (Block, error) {
	blocks := make(chan Block, 1)
	sub := df.Subscribe(func(b Block) {
		select {
		case blocks <- b:
		default:
		}
	})
	defer sub.Unsubscribe()

	select {
	case b := <-blocks:
		return b, nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Block{}, errors.ErrTimeout
		}
		return Block{}, ctx.Err()
	}
}

// SynchronizedOn makes every generation cycle wait for the next trigger of ev. A nil ev
// removes the synchronization. A producer blocked in WaitSync is released by a change.
func (df *DataFlow) SynchronizedOn(ev event.Interface) error {
	if df.closed.Load() && ev != nil {
		return errors.Wrap(errors.ErrTerminated, df.name, "SynchronizedOn", "synchronize")
	}
	df.syncMu.Lock()
	defer df.syncMu.Unlock()

	if df.syncOn != nil {
		df.syncOn.Unsubscribe(df.listener)
	}
	df.syncOn, df.listener = nil, nil
	if ev != nil {
		df.syncOn = ev
		df.listener = event.NewListener(event.WithListenerLogger(df.logger))
		ev.Subscribe(df.listener)
	}
	return nil
}

// SynchronizedEvent returns the event generation waits for, nil if none
func (df *DataFlow) SynchronizedEvent() event.Interface {
	df.syncMu.Lock()
	defer df.syncMu.Unlock()
	return df.syncOn
}

// WaitSync is called by the producer before each generation cycle. Without synchronization
// it returns true at once; otherwise it consumes one trigger and returns false if ctx ends
// or the synchronization changed while waiting.
func (df *DataFlow) WaitSync(ctx context.Context) bool {
	df.syncMu.Lock()
	l := df.listener
	df.syncMu.Unlock()
	if l == nil {
		return ctx.Err() == nil
	}
	return l.Wait(ctx)
}
