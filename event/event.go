// Package event implements a one-to-many trigger with loss-free per-listener queues.
//
// Each Listener counts the occurrences it has not consumed yet. Trigger increments the count
// of every subscribed listener atomically with respect to Subscribe, so a listener registered
// before a trigger never misses it. There is no global fired state.
package event

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/semscope/errors"
)

// Interface is the listener-facing side of an event, shared by local events and proxies.
// Only the owner of an *Event can trigger it.
type Interface interface {
	Name() string
	Subscribe(l *Listener)
	Unsubscribe(l *Listener)
}

// Event is a trigger owned by exactly one producer
type Event struct {
	name   string
	logger *slog.Logger

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	onTrigger func(at time.Time)
}

// Option configures an Event
type Option func(*Event)

// WithLogger sets the event logger
func WithLogger(logger *slog.Logger) Option {
	return func(e *Event) { e.logger = logger }
}

// WithTriggerHook registers fn to run after each trigger, outside the event lock
func WithTriggerHook(fn func(at time.Time)) Option {
	return func(e *Event) { e.onTrigger = fn }
}

// New creates an event
func New(name string, opts ...Option) *Event {
	e := &Event{
		name:      name,
		logger:    slog.Default(),
		listeners: make(map[*Listener]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Name returns the event name
func (e *Event) Name() string {
	return e.name
}

// Subscribe registers l. Subscribing twice is a no-op.
func (e *Event) Subscribe(l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[l]; ok {
		return
	}
	e.listeners[l] = struct{}{}
	l.attach()
}

// Unsubscribe removes l. A Wait blocked on l returns false once l listens to no event.
func (e *Event) Unsubscribe(l *Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.listeners[l]; !ok {
		return
	}
	delete(e.listeners, l)
	l.detach()
}

// Listeners returns the number of subscribed listeners
func (e *Event) Listeners() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.listeners)
}

// Trigger appends one occurrence to the queue of every subscribed listener
func (e *Event) Trigger() {
	at := time.Now()
	e.mu.Lock()
	notified := make([]*Listener, 0, len(e.listeners))
	for l := range e.listeners {
		l.push()
		notified = append(notified, l)
	}
	e.mu.Unlock()

	for _, l := range notified {
		l.callback(e, at)
	}
	if e.onTrigger != nil {
		e.onTrigger(at)
	}
}

// Listener owns a queue of unconsumed occurrences
type Listener struct {
	mu      sync.Mutex
	pending int
	events  int
	signal  chan struct{}

	onEvent func(src Interface, at time.Time)
	logger  *slog.Logger
}

// ListenerOption configures a Listener
type ListenerOption func(*Listener)

// OnEvent registers fn to run on every trigger, after the occurrence was queued.
// Panics raised by fn are logged and do not reach the triggering goroutine.
func OnEvent(fn func(src Interface, at time.Time)) ListenerOption {
	return func(l *Listener) { l.onEvent = fn }
}

// WithListenerLogger sets the logger used to report OnEvent panics
func WithListenerLogger(logger *slog.Logger) ListenerOption {
	return func(l *Listener) { l.logger = logger }
}

// NewListener creates a listener with an empty queue
func NewListener(opts ...ListenerOption) *Listener {
	l := &Listener{
		signal: make(chan struct{}, 1),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) wake() {
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

func (l *Listener) push() {
	l.mu.Lock()
	l.pending++
	l.mu.Unlock()
	l.wake()
}

func (l *Listener) attach() {
	l.mu.Lock()
	l.events++
	l.mu.Unlock()
}

func (l *Listener) detach() {
	l.mu.Lock()
	l.events--
	l.mu.Unlock()
	l.wake()
}

func (l *Listener) callback(src Interface, at time.Time) {
	if l.onEvent == nil {
		return
	}
	errors.Isolate(func() { l.onEvent(src, at) }, func(r any) {
		l.logger.Error("Event listener panicked", "event", src.Name(), "error", errors.PanicError(r))
	})
}

// Pending returns the number of queued occurrences
func (l *Listener) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.pending
}

// Wait consumes one occurrence, blocking until one is queued, ctx is done, or the listener
// is no longer subscribed to any event. It reports whether an occurrence was consumed.
func (l *Listener) Wait(ctx context.Context) bool {
	for {
		l.mu.Lock()
		if l.pending > 0 {
			l.pending--
			more := l.pending > 0
			l.mu.Unlock()
			if more {
				l.wake()
			}
			return true
		}
		if l.events == 0 {
			l.mu.Unlock()
			return false
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return false
		case <-l.signal:
		}
	}
}

// WaitTimeout is Wait bounded by a timeout
func (l *Listener) WaitTimeout(timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return l.Wait(ctx)
}

// Clear discards every queued occurrence without waiting
func (l *Listener) Clear() {
	l.mu.Lock()
	l.pending = 0
	l.mu.Unlock()
	select {
	case <-l.signal:
	default:
	}
}
