// Package vattr implements reactive attributes: validated value cells that notify their
// subscribers synchronously on every change.
//
// A write is serialized with every other write of the same attribute. Subscribers are called
// in notification rounds: the writer that stores a value while no round is running runs one
// itself, and all live subscribers have seen its value when Set returns. A write made while a
// round is running, from another goroutine or from a listener, is handed to that round, which
// delivers it or a newer value before it ends. Subscribers therefore always end on the stored
// value, and listeners of two attributes may write each other. Writing the value already held
// notifies no one.
//
// Subscribers are held weakly: the *Subscription returned by Subscribe is the owning token and
// the listener stops receiving values once the token is unsubscribed or collected. A closed
// attribute keeps its last value and rejects every write with errors.ErrTerminated.
package vattr

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/pkg/codec"
	"github.com/c360/semscope/pkg/weakset"
)

// Listener receives the new value of an attribute
type Listener func(value any)

// Subscription is the owning token of a listener registration
type Subscription = weakset.Handle[Listener]

// Kinds of attribute, reported in Meta
const (
	KindGeneric    = "generic"
	KindContinuous = "continuous"
	KindEnumerated = "enumerated"
	KindBool       = "bool"
	KindString     = "string"
	KindList       = "list"
	KindTuple      = "tuple"
)

// Meta is the read-only description of an attribute
type Meta struct {
	Kind     string    `json:"kind"`
	Unit     string    `json:"unit,omitempty"`
	ReadOnly bool      `json:"readonly,omitempty"`
	Range    []float64 `json:"range,omitempty"`
	Choices  []any     `json:"choices,omitempty"`
	Length   int       `json:"length,omitempty"`
	Clip     bool      `json:"clip,omitempty"`
}

// Attribute is the type-erased view shared by local attributes and their proxies
type Attribute interface {
	Get() any
	Set(v any) error
	Subscribe(fn Listener, init bool) *Subscription
	Meta() Meta
}

// Closer is implemented by attributes that can be shut down with their component
type Closer interface {
	Close()
}

// VA is a reactive attribute holding a T
type VA[T any] struct {
	setMu  sync.Mutex
	closed atomic.Bool

	mu    sync.RWMutex
	value T
	seq   uint64

	roundMu    sync.Mutex
	delivering bool
	delivered  uint64
	inits      []*Subscription

	meta     Meta
	validate func(T) (T, error)
	setter   func(T) (T, error)
	subs     *weakset.Set[Listener]
	logger   *slog.Logger
	onNotify func()
	onPanic  func(any)
}

type config struct {
	meta     Meta
	setter   any
	validate any
	logger   *slog.Logger
	onNotify func()
	onPanic  func(any)
}

// Option configures an attribute
type Option func(*config)

// WithUnit sets the unit reported in Meta
func WithUnit(unit string) Option {
	return func(c *config) { c.meta.Unit = unit }
}

// ReadOnly rejects Set with errors.ErrReadOnly. The owner still writes through Update.
func ReadOnly() Option {
	return func(c *config) { c.meta.ReadOnly = true }
}

// Clip makes range violations clamp instead of failing
func Clip() Option {
	return func(c *config) { c.meta.Clip = true }
}

// Range bounds every numeric element of a tuple or list
func Range(minimum, maximum float64) Option {
	return func(c *config) { c.meta.Range = []float64{minimum, maximum} }
}

// Choices restricts every element of a list to the given values
func Choices(choices ...any) Option {
	return func(c *config) { c.meta.Choices = choices }
}

// Setter installs a hook turning a requested value into the applied one. It runs after
// validation and before the value is stored.
func Setter[T any](fn func(T) (T, error)) Option {
	return func(c *config) { c.setter = fn }
}

// Validator installs an extra check run before the setter
func Validator[T any](fn func(T) (T, error)) Option {
	return func(c *config) { c.validate = fn }
}

// WithLogger sets the logger used to report listener panics
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

// WithNotifyHook registers fn to run once per notification round
func WithNotifyHook(fn func()) Option {
	return func(c *config) { c.onNotify = fn }
}

// WithPanicHook registers fn to run for each recovered listener panic
func WithPanicHook(fn func(recovered any)) Option {
	return func(c *config) { c.onPanic = fn }
}

func withKind(kind string) Option {
	return func(c *config) { c.meta.Kind = kind }
}

// New creates an attribute holding initial. The initial value is not validated.
func New[T any](initial T, opts ...Option) *VA[T] {
	cfg := &config{meta: Meta{Kind: KindGeneric}}
	for _, opt := range opts {
		opt(cfg)
	}

	va := &VA[T]{
		value:    initial,
		meta:     cfg.meta,
		subs:     weakset.New[Listener](nil),
		logger:   cfg.logger,
		onNotify: cfg.onNotify,
		onPanic:  cfg.onPanic,
	}
	if va.logger == nil {
		va.logger = slog.Default()
	}
	if fn, ok := cfg.setter.(func(T) (T, error)); ok {
		va.setter = fn
	}
	if fn, ok := cfg.validate.(func(T) (T, error)); ok {
		va.validate = fn
	}
	return va
}

// chain runs check before the validator installed by options
func (va *VA[T]) chain(check func(T) (T, error)) *VA[T] {
	user := va.validate
	va.validate = func(v T) (T, error) {
		v, err := check(v)
		if err != nil || user == nil {
			return v, err
		}
		return user(v)
	}
	return va
}

// Value returns the current value
func (va *VA[T]) Value() T {
	va.mu.RLock()
	defer va.mu.RUnlock()
	return va.value
}

// Get returns the current value as any
func (va *VA[T]) Get() any {
	return va.Value()
}

// Meta returns the attribute description
func (va *VA[T]) Meta() Meta {
	return va.meta
}

// Set converts v to T and writes it
func (va *VA[T]) Set(v any) error {
	typed, err := codec.As[T](v)
	if err != nil {
		return err
	}
	return va.SetValue(typed)
}

// SetValue validates and writes v, notifying subscribers if the stored value changed
func (va *VA[T]) SetValue(v T) error {
	if va.meta.ReadOnly && !va.closed.Load() {
		return errors.ErrReadOnly
	}
	return va.store(v)
}

// Update is the owner's write path. It bypasses the read-only flag but not validation.
func (va *VA[T]) Update(v T) error {
	return va.store(v)
}

// Close makes every later write fail with errors.ErrTerminated
func (va *VA[T]) Close() {
	va.setMu.Lock()
	defer va.setMu.Unlock()
	va.closed.Store(true)
}

// Closed reports whether Close ran
func (va *VA[T]) Closed() bool {
	return va.closed.Load()
}

func (va *VA[T]) store(v T) error {
	va.setMu.Lock()
	if va.closed.Load() {
		va.setMu.Unlock()
		return errors.ErrTerminated
	}

	var err error
	if va.validate != nil {
		if v, err = va.validate(v); err != nil {
			va.setMu.Unlock()
			return err
		}
	}
	if va.setter != nil {
		if v, err = va.setter(v); err != nil {
			va.setMu.Unlock()
			return err
		}
	}

	va.mu.Lock()
	if codec.Equal(va.value, v) {
		va.mu.Unlock()
		va.setMu.Unlock()
		return nil
	}
	va.value = v
	va.seq++
	va.mu.Unlock()
	va.setMu.Unlock()

	va.deliver()
	return nil
}

// Subscribe registers fn. With init, fn is first called with the current value, and no
// older value reaches it afterwards. While a notification round is running, that round
// makes the first call and Subscribe returns without waiting for it.
func (va *VA[T]) Subscribe(fn Listener, init bool) *Subscription {
	h, _ := va.subs.Add(fn)
	if init {
		va.roundMu.Lock()
		va.inits = append(va.inits, h)
		va.roundMu.Unlock()
		va.deliver()
	}
	return h
}

// Subscribers returns the number of registered listeners
func (va *VA[T]) Subscribers() int {
	return va.subs.Len()
}

// deliver runs notification rounds until subscribers have seen the latest value and every
// pending initial call is made. It returns at once when another round is running.
func (va *VA[T]) deliver() {
	va.roundMu.Lock()
	if va.delivering {
		va.roundMu.Unlock()
		return
	}
	va.delivering = true

	for {
		va.mu.RLock()
		seq, v := va.seq, va.value
		va.mu.RUnlock()

		inits := va.inits
		va.inits = nil
		fresh := seq != va.delivered
		if !fresh && len(inits) == 0 {
			va.delivering = false
			va.roundMu.Unlock()
			return
		}
		va.delivered = seq
		va.roundMu.Unlock()

		if fresh {
			va.notify(v)
		} else {
			for _, h := range inits {
				va.call(h.Value(), v)
			}
		}

		va.roundMu.Lock()
	}
}

func (va *VA[T]) notify(v T) {
	for _, h := range va.subs.Live() {
		va.call(h.Value(), v)
	}
	if va.onNotify != nil {
		va.onNotify()
	}
}

func (va *VA[T]) call(fn Listener, v T) {
	errors.Isolate(func() { fn(v) }, func(r any) {
		va.logger.Error("Attribute listener panicked", "error", errors.PanicError(r))
		if va.onPanic != nil {
			va.onPanic(r)
		}
	})
}
