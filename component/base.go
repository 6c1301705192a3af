package component

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/vattr"
)

// Base implements Component for drivers to embed. A driver declares its capabilities with
// AddAttribute, AddDataFlow, AddEvent and AddMethod while it is being built, and only those
// are reachable through Component and through proxies.
type Base struct {
	name     string
	role     string
	parent   string
	logger   *slog.Logger
	metadata map[string]string

	state    *vattr.VA[State]
	children *vattr.VA[[]string]
	affects  *vattr.VA[[]string]

	mu      sync.RWMutex
	attrs   map[string]vattr.Attribute
	flows   map[string]dataflow.Interface
	events  map[string]event.Interface
	methods map[string]Method
	created []Component

	termMu      sync.Mutex
	terminated  bool
	onTerminate func(ctx context.Context) error
}

// Option configures a Base
type Option func(*Base)

// WithParent sets the name of the parent component
func WithParent(parent string) Option {
	return func(b *Base) { b.parent = parent }
}

// WithLogger sets the component logger
func WithLogger(logger *slog.Logger) Option {
	return func(b *Base) { b.logger = logger }
}

// WithMetadata adds a metadata entry, such as a hardware or software version
func WithMetadata(key, value string) Option {
	return func(b *Base) { b.metadata[key] = value }
}

// WithVersions records the hardware and software versions
func WithVersions(hw, sw string) Option {
	return func(b *Base) {
		b.metadata["hw_version"] = hw
		b.metadata["sw_version"] = sw
	}
}

// WithAffects lists the components this one has an effect on. The list is informational.
func WithAffects(names ...string) Option {
	return func(b *Base) { b.affects = vattr.New(slices.Clone(names), vattr.WithLogger(b.logger)) }
}

// WithChildren sets the initial child names
func WithChildren(names ...string) Option {
	return func(b *Base) { b.children = vattr.New(slices.Clone(names), vattr.ReadOnly()) }
}

// NewBase creates a component in the unloaded phase
func NewBase(name, role string, opts ...Option) *Base {
	b := &Base{
		name:     name,
		role:     role,
		logger:   slog.Default(),
		metadata: make(map[string]string),
		attrs:    make(map[string]vattr.Attribute),
		flows:    make(map[string]dataflow.Interface),
		events:   make(map[string]event.Interface),
		methods:  make(map[string]Method),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", name)
	b.state = vattr.New(StateOf(PhaseUnloaded), vattr.ReadOnly(), vattr.WithLogger(b.logger))
	if b.children == nil {
		b.children = vattr.New([]string{}, vattr.ReadOnly(), vattr.WithLogger(b.logger))
	}
	if b.affects == nil {
		b.affects = vattr.New([]string{}, vattr.WithLogger(b.logger))
	}
	b.attrs[AttrState] = b.state
	b.attrs[AttrChildren] = b.children
	b.attrs[AttrAffects] = b.affects
	return b
}

// Name returns the component name
func (b *Base) Name() string { return b.name }

// Role returns the capability tag of the component
func (b *Base) Role() string { return b.role }

// Parent returns the parent name
func (b *Base) Parent() string { return b.parent }

// Logger returns the component logger
func (b *Base) Logger() *slog.Logger { return b.logger }

// Metadata returns a copy of the metadata
func (b *Base) Metadata() map[string]string { return maps.Clone(b.metadata) }

// State returns the state attribute
func (b *Base) State() vattr.Attribute { return b.state }

// Children returns the children attribute
func (b *Base) Children() vattr.Attribute { return b.children }

// Affects returns the affects attribute
func (b *Base) Affects() vattr.Attribute { return b.affects }

// CurrentState returns the typed state
func (b *Base) CurrentState() State { return b.state.Value() }

// SetState records a new state. Only the owning driver calls it.
func (b *Base) SetState(s State) {
	_ = b.state.Update(s)
}

// SetPhase records a fault-free state in the given phase
func (b *Base) SetPhase(phase Phase) {
	b.SetState(StateOf(phase))
}

// SetHardwareError reports a device fault through the state attribute. Calls keep working;
// clients observe the fault instead of every call failing.
func (b *Base) SetHardwareError(err error) {
	if err != nil && !errors.IsHardware(err) {
		err = fmt.Errorf("%w: %w", errors.ErrHardware, err)
	}
	b.SetState(State{Phase: b.state.Value().Phase, Err: err})
}

// SetChildren replaces the child names
func (b *Base) SetChildren(names ...string) {
	_ = b.children.Update(slices.Clone(names))
}

// AddAttribute exposes an attribute under name
func (b *Base) AddAttribute(name string, attr vattr.Attribute) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attrs[name] = attr
}

// AddDataFlow exposes a dataflow under name
func (b *Base) AddDataFlow(name string, df dataflow.Interface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flows[name] = df
}

// AddEvent exposes an event under name
func (b *Base) AddEvent(name string, ev event.Interface) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events[name] = ev
}

// AddMethod exposes a method under name with its call kind
func (b *Base) AddMethod(name string, kind CallKind, fn MethodFunc) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.methods[name] = Method{Kind: kind, Fn: fn}
}

// Adopt records a component created by this one. Terminate cascades to it.
func (b *Base) Adopt(c Component) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.created = append(b.created, c)
}

// OnTerminate sets the driver hook releasing the device
func (b *Base) OnTerminate(fn func(ctx context.Context) error) {
	b.termMu.Lock()
	defer b.termMu.Unlock()
	b.onTerminate = fn
}

// Attributes returns the exposed attributes, state, children and affects included
func (b *Base) Attributes() map[string]vattr.Attribute {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.attrs)
}

// DataFlows returns the exposed dataflows
func (b *Base) DataFlows() map[string]dataflow.Interface {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.flows)
}

// Events returns the exposed events
func (b *Base) Events() map[string]event.Interface {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return maps.Clone(b.events)
}

// Methods returns the exposed methods with their call kinds
func (b *Base) Methods() map[string]CallKind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	kinds := make(map[string]CallKind, len(b.methods))
	for name, m := range b.methods {
		kinds[name] = m.Kind
	}
	return kinds
}

// Terminated reports whether Terminate ran
func (b *Base) Terminated() bool {
	b.termMu.Lock()
	defer b.termMu.Unlock()
	return b.terminated
}

func (b *Base) method(name string, kind CallKind, op string) (Method, error) {
	if b.Terminated() {
		return Method{}, errors.Wrap(errors.ErrTerminated, b.name, op, "call "+name)
	}
	b.mu.RLock()
	m, ok := b.methods[name]
	b.mu.RUnlock()
	if !ok {
		return Method{}, errors.WrapInvalid(errors.ErrNotFound, b.name, op, "find method "+name)
	}
	if m.Kind != kind {
		return Method{}, errors.WrapInvalid(errors.ErrCallKind, b.name, op,
			fmt.Sprintf("call %s method %s as %s", m.Kind, name, kind))
	}
	return m, nil
}

// invoke runs a driver method. A panic comes back as an error.
func (b *Base) invoke(ctx context.Context, m Method, name, op string, args []any) (v any, err error) {
	errors.Isolate(func() {
		v, err = m.Fn(ctx, args)
	}, func(r any) {
		v, err = nil, errors.Wrap(errors.PanicError(r), b.name, op, "call "+name)
		b.logger.Error("Method panicked", "method", name, "error", err)
	})
	return v, err
}

// Call invokes a Sync method
func (b *Base) Call(ctx context.Context, name string, args ...any) (any, error) {
	m, err := b.method(name, Sync, "Call")
	if err != nil {
		return nil, err
	}
	return b.invoke(ctx, m, name, "Call", args)
}

// Cast runs a Oneway method in the background. Its error is only logged.
func (b *Base) Cast(name string, args ...any) error {
	m, err := b.method(name, Oneway, "Cast")
	if err != nil {
		return err
	}
	go func() {
		errors.Isolate(func() {
			if _, err := m.Fn(context.Background(), args); err != nil {
				b.logger.Warn("Oneway method failed", "method", name, "error", err)
			}
		}, func(r any) {
			b.logger.Error("Oneway method panicked", "method", name, "error", errors.PanicError(r))
		})
	}()
	return nil
}

// CallAsync invokes an Async method and returns the future it produced
func (b *Base) CallAsync(ctx context.Context, name string, args ...any) (future.Interface, error) {
	m, err := b.method(name, Async, "CallAsync")
	if err != nil {
		return nil, err
	}
	v, err := b.invoke(ctx, m, name, "CallAsync", args)
	if err != nil {
		return nil, err
	}
	f, ok := v.(future.Interface)
	if !ok {
		return nil, errors.WrapFatal(fmt.Errorf("async method %s returned %T", name, v), b.name, "CallAsync", "read future")
	}
	return f, nil
}

// Terminate stops the component: components it created first, in reverse creation order,
// then the driver hook. Later calls return nil.
func (b *Base) Terminate(ctx context.Context) error {
	b.termMu.Lock()
	if b.terminated {
		b.termMu.Unlock()
		return nil
	}
	b.terminated = true
	hook := b.onTerminate
	b.termMu.Unlock()

	b.mu.RLock()
	created := slices.Clone(b.created)
	b.mu.RUnlock()

	var errs []error
	for i := len(created) - 1; i >= 0; i-- {
		if err := created[i].Terminate(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate %s: %w", created[i].Name(), err))
		}
	}
	if hook != nil {
		if err := hook(ctx); err != nil {
			errs = append(errs, err)
		}
	}

	b.SetState(State{Phase: PhaseStopped, Err: b.state.Value().Err})
	b.closeMembers()
	b.logger.Debug("Component terminated")
	return stderrors.Join(errs...)
}

// closeMembers shuts the exposed attributes and dataflows so that in-process holders fail
// like proxies do
func (b *Base) closeMembers() {
	b.mu.RLock()
	attrs := slices.Collect(maps.Values(b.attrs))
	flows := slices.Collect(maps.Values(b.flows))
	b.mu.RUnlock()

	for _, a := range attrs {
		if c, ok := a.(vattr.Closer); ok {
			c.Close()
		}
	}
	for _, df := range flows {
		if c, ok := df.(interface{ Close() }); ok {
			c.Close()
		}
	}
}
