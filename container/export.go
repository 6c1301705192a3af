package container

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/pkg/codec"
	"github.com/c360/semscope/vattr"
)

// hosted is a component served by this container
type hosted struct {
	comp       component.Component
	versions   map[string]*atomic.Uint64
	attrSubs   []*vattr.Subscription
	listeners  map[string]*event.Listener
	since      time.Time
	terminated atomic.Bool
}

// exportedFuture is a future reachable by id from other containers
type exportedFuture struct {
	f future.Interface
}

// flowSub is a dataflow subscription held on behalf of another container
type flowSub struct {
	owner string
	sub   *dataflow.Subscription
}

// Publish hosts c, making it reachable by name from every container. Components built
// by another component are published by their creator through component.Publisher.
func (h *Host) Publish(c component.Component) error {
	if err := h.checkRunning("Publish"); err != nil {
		return err
	}
	if err := validateMembers(c); err != nil {
		return errors.WrapInvalid(fmt.Errorf("%w: %w", errors.ErrConstruction, err), "Host", "Publish", "member names")
	}

	name := c.Name()
	if h.hostedComponent(name) != nil {
		return duplicateComponent(name)
	}

	// Fully built before it becomes reachable, so request handlers only ever read it
	hc := &hosted{
		comp:      c,
		versions:  make(map[string]*atomic.Uint64),
		listeners: make(map[string]*event.Listener),
		since:     time.Now(),
	}
	for member, attr := range c.Attributes() {
		version := new(atomic.Uint64)
		hc.versions[member] = version
		sub := attr.Subscribe(func(v any) {
			h.publishAttr(name, member, version.Add(1), v)
		}, false)
		hc.attrSubs = append(hc.attrSubs, sub)
	}
	for member, ev := range c.Events() {
		subject := eventSubject(h.name, name, member)
		var l *event.Listener
		l = event.NewListener(
			event.WithListenerLogger(h.logger),
			event.OnEvent(func(event.Interface, time.Time) {
				l.Clear()
				h.coreMetrics().RecordEventTriggered(member)
				if err := h.client.Publish(subject, nil); err != nil {
					h.logger.Warn("Event forwarding failed", "component", name, "event", member, "error", err)
				}
			}),
		)
		ev.Subscribe(l)
		hc.listeners[member] = l
	}

	h.mu.Lock()
	if _, exists := h.hosted[name]; exists {
		h.mu.Unlock()
		hc.release()
		return duplicateComponent(name)
	}
	h.hosted[name] = hc
	h.order = append(h.order, name)
	count := len(h.hosted)
	h.mu.Unlock()

	if h.directory != nil {
		ctx, cancel := context.WithTimeout(h.ctx, 5*time.Second)
		err := h.directory.RegisterComponent(ctx, ComponentEntry{Name: name, Container: h.name, Role: c.Role()})
		cancel()
		if err != nil {
			h.logger.Warn("Component registration failed", "component", name, "error", err)
		}
	}
	h.coreMetrics().RecordComponentsHosted(h.name, count)
	h.logger.Info("Component hosted", "component", name, "role", c.Role())
	return nil
}

func duplicateComponent(name string) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: component '%s' already exists", errors.ErrConstruction, name),
		"Host", "Publish", "duplicate name check")
}

// release drops the forwarding set up for a component
func (hc *hosted) release() {
	for _, sub := range hc.attrSubs {
		sub.Unsubscribe()
	}
	for member, l := range hc.listeners {
		if ev, ok := hc.comp.Events()[member]; ok {
			ev.Unsubscribe(l)
		}
	}
}

func validateMembers(c component.Component) error {
	if err := component.ValidateComponentName(c.Name()); err != nil {
		return err
	}
	for name := range c.Attributes() {
		if err := component.ValidateComponentName(name); err != nil {
			return err
		}
	}
	for name := range c.DataFlows() {
		if err := component.ValidateComponentName(name); err != nil {
			return err
		}
	}
	for name := range c.Events() {
		if err := component.ValidateComponentName(name); err != nil {
			return err
		}
	}
	return nil
}

func (h *Host) hostedComponent(name string) *hosted {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.hosted[name]
}

// lookupHosted returns a live hosted component for a remote operation
func (h *Host) lookupHosted(name string) (*hosted, error) {
	hc := h.hostedComponent(name)
	if hc == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s/%s", errors.ErrNotFound, h.name, name), "Host", "lookupHosted", "find component")
	}
	if hc.terminated.Load() {
		return nil, errors.Wrap(errors.ErrTerminated, name, "lookupHosted", "access component")
	}
	return hc, nil
}

// terminateComponent terminates a hosted component. It stays registered so that later
// operations fail with errors.ErrTerminated instead of errors.ErrNotFound.
func (h *Host) terminateComponent(ctx context.Context, name string) error {
	hc := h.hostedComponent(name)
	if hc == nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %s/%s", errors.ErrNotFound, h.name, name), "Host", "terminateComponent", "find component")
	}
	if hc.terminated.Swap(true) {
		return nil
	}
	err := hc.comp.Terminate(ctx)
	hc.release()
	if h.directory != nil {
		if derr := h.directory.UnregisterComponent(ctx, name); derr != nil {
			h.logger.Debug("Component deregistration failed", "component", name, "error", derr)
		}
	}
	h.logger.Info("Component terminated", "component", name)
	return err
}

func (h *Host) publishAttr(object, member string, version uint64, v any) {
	val, err := h.encodeValue(v)
	if err != nil {
		h.logger.Error("Attribute value cannot cross containers", "component", object, "attribute", member, "error", err)
		return
	}
	data, err := json.Marshal(attrChange{Version: version, Value: val})
	if err != nil {
		h.logger.Error("Attribute change encoding failed", "component", object, "attribute", member, "error", err)
		return
	}
	if err := h.client.Publish(attrSubject(h.name, object, member), data); err != nil {
		h.logger.Warn("Attribute change publish failed", "component", object, "attribute", member, "error", err)
		return
	}
	h.coreMetrics().RecordAttributeNotification(h.name)
}

func (h *Host) publishBlock(subject string, b dataflow.Block) {
	meta, err := json.Marshal(blockMeta{Shape: b.Shape, DType: b.DType, Metadata: b.Metadata})
	if err != nil {
		h.logger.Error("Block metadata encoding failed", "subject", subject, "error", err)
		return
	}
	msg := nats.NewMsg(subject)
	msg.Header.Set(blockHeader, string(meta))
	msg.Data = b.Data
	if err := h.client.PublishMsg(msg); err != nil {
		h.logger.Warn("Block publish failed", "subject", subject, "error", err)
	}
}

func decodeBlock(msg *nats.Msg) (dataflow.Block, error) {
	var meta blockMeta
	if raw := msg.Header.Get(blockHeader); raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return dataflow.Block{}, errors.WrapInvalid(err, "Host", "decodeBlock", "block metadata")
		}
	}
	return dataflow.Block{Data: msg.Data, Shape: meta.Shape, DType: meta.DType, Metadata: meta.Metadata}, nil
}

// exportFuture makes f reachable by id and forwards its state changes
func (h *Host) exportFuture(f future.Interface) codec.Ref {
	ref := codec.Ref{Kind: codec.KindFuture, Container: h.name, Object: f.ID()}

	h.mu.Lock()
	if _, exists := h.futures[f.ID()]; exists {
		h.mu.Unlock()
		return ref
	}
	h.futures[f.ID()] = &exportedFuture{f: f}
	h.mu.Unlock()

	subject := futureSubject(h.name, f.ID())
	if pf, ok := f.(future.Progressive); ok {
		limiter := rate.NewLimiter(h.progressRate, 1)
		var mu sync.Mutex
		pf.AddUpdateCallback(func(_ future.Progressive, _, remaining time.Duration) {
			mu.Lock()
			allowed := remaining == 0 || limiter.Allow()
			mu.Unlock()
			if allowed && !pf.Done() {
				h.publishFuture(subject, f)
			}
		})
	}
	f.AddDoneCallback(func(future.Interface) {
		h.publishFuture(subject, f)
		time.AfterFunc(h.futureGrace, func() {
			h.mu.Lock()
			delete(h.futures, f.ID())
			h.mu.Unlock()
		})
	})
	return ref
}

func (h *Host) publishFuture(subject string, f future.Interface) {
	data, err := json.Marshal(h.snapshot(f))
	if err != nil {
		h.logger.Error("Future snapshot encoding failed", "future", f.ID(), "error", err)
		return
	}
	if err := h.client.Publish(subject, data); err != nil {
		h.logger.Warn("Future state publish failed", "future", f.ID(), "error", err)
	}
}

func (h *Host) snapshot(f future.Interface) *futureSnapshot {
	snap := &futureSnapshot{ID: f.ID(), State: f.State().String()}
	if pf, ok := f.(future.Progressive); ok {
		snap.Progressive = true
		snap.Elapsed, snap.Remaining = pf.Progress()
	}
	if !f.State().Terminal() {
		return snap
	}
	// The state is terminal so Result returns at once
	result, err := f.Result(context.Background())
	if f.State() == future.Failed {
		snap.Error = errors.Encode(err)
		return snap
	}
	if f.State() == future.Finished {
		val, err := h.encodeValue(result)
		if err != nil {
			snap.State = future.Failed.String()
			snap.Error = errors.Encode(err)
			return snap
		}
		snap.Result = &val
	}
	return snap
}

func (h *Host) exported(id string) (future.Interface, error) {
	h.mu.RLock()
	ef, ok := h.futures[id]
	h.mu.RUnlock()
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: future %s/%s", errors.ErrNotFound, h.name, id), "Host", "exported", "find future")
	}
	return ef.f, nil
}

// encodeValue turns v into its wire form. Capability objects become references; every
// other value is copied as JSON.
func (h *Host) encodeValue(v any) (Value, error) {
	if v == nil {
		return Value{}, nil
	}
	if ref, ok, err := h.refOf(v); ok || err != nil {
		if err != nil {
			return Value{}, err
		}
		return Value{Ref: &ref}, nil
	}
	data, err := codec.Encode(v)
	if err != nil {
		return Value{}, err
	}
	return Value{Data: data}, nil
}

func (h *Host) refOf(v any) (codec.Ref, bool, error) {
	switch x := v.(type) {
	case codec.Referencer:
		return x.Ref(), true, nil
	case component.Component:
		if hc := h.hostedComponent(x.Name()); hc != nil && sameObject(hc.comp, x) {
			return codec.Ref{Kind: codec.KindComponent, Container: h.name, Object: x.Name()}, true, nil
		}
		return codec.Ref{}, true, errors.WrapInvalid(
			fmt.Errorf("component '%s' is not hosted by %s", x.Name(), h.name), "Host", "encodeValue", "reference component")
	case future.Interface:
		return h.exportFuture(x), true, nil
	case vattr.Attribute, dataflow.Interface, event.Interface:
		if ref, ok := h.memberRef(v); ok {
			return ref, true, nil
		}
		return codec.Ref{}, true, errors.WrapInvalid(
			fmt.Errorf("%T is not a member of a hosted component", v), "Host", "encodeValue", "reference member")
	}
	return codec.Ref{}, false, nil
}

func (h *Host) memberRef(v any) (codec.Ref, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for name, hc := range h.hosted {
		for member, a := range hc.comp.Attributes() {
			if sameObject(a, v) {
				return codec.Ref{Kind: codec.KindAttribute, Container: h.name, Object: name, Member: member}, true
			}
		}
		for member, df := range hc.comp.DataFlows() {
			if sameObject(df, v) {
				return codec.Ref{Kind: codec.KindDataFlow, Container: h.name, Object: name, Member: member}, true
			}
		}
		for member, ev := range hc.comp.Events() {
			if sameObject(ev, v) {
				return codec.Ref{Kind: codec.KindEvent, Container: h.name, Object: name, Member: member}, true
			}
		}
	}
	return codec.Ref{}, false
}

func sameObject(a, b any) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// decodeValue rebuilds a wire value. References resolve to the local object when it
// lives here and to a proxy otherwise.
func (h *Host) decodeValue(ctx context.Context, v Value) (any, error) {
	if v.Ref != nil {
		return h.resolveRef(ctx, *v.Ref)
	}
	return codec.Decode(v.Data)
}

func (h *Host) decodeArgs(ctx context.Context, values []Value) ([]any, error) {
	args := make([]any, len(values))
	for i, v := range values {
		arg, err := h.decodeValue(ctx, v)
		if err != nil {
			return nil, errors.Wrap(err, "Host", "decodeArgs", fmt.Sprintf("argument %d", i))
		}
		args[i] = arg
	}
	return args, nil
}

func (h *Host) encodeArgs(args []any) ([]Value, error) {
	values := make([]Value, len(args))
	for i, arg := range args {
		v, err := h.encodeValue(arg)
		if err != nil {
			return nil, errors.Wrap(err, "Host", "encodeArgs", fmt.Sprintf("argument %d", i))
		}
		values[i] = v
	}
	return values, nil
}

func (h *Host) resolveRef(ctx context.Context, ref codec.Ref) (any, error) {
	if ref.Kind == codec.KindFuture {
		if ref.Container == h.name {
			return h.exported(ref.Object)
		}
		r, err := h.remote(ctx, ref.Container)
		if err != nil {
			return nil, err
		}
		pf, err := r.future(ctx, ref.Object, nil)
		if err != nil {
			return nil, err
		}
		return pf, nil
	}

	c, err := h.Lookup(ctx, ref.Container, ref.Object)
	if err != nil {
		return nil, err
	}
	notFound := func() error {
		return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrNotFound, ref), "Host", "resolveRef", "find member")
	}
	switch ref.Kind {
	case codec.KindComponent:
		return c, nil
	case codec.KindAttribute:
		if a, ok := c.Attributes()[ref.Member]; ok {
			return a, nil
		}
	case codec.KindDataFlow:
		if df, ok := c.DataFlows()[ref.Member]; ok {
			return df, nil
		}
	case codec.KindEvent:
		if ev, ok := c.Events()[ref.Member]; ok {
			return ev, nil
		}
	}
	return nil, notFound()
}

// describe builds the description proxies are created from
func (h *Host) describe(hc *hosted) (*Description, error) {
	c := hc.comp
	d := &Description{
		Name:       c.Name(),
		Role:       c.Role(),
		Parent:     c.Parent(),
		Metadata:   c.Metadata(),
		Attributes: make(map[string]AttributeSnapshot),
		Methods:    c.Methods(),
		Terminated: hc.terminated.Load(),
	}
	for member, a := range c.Attributes() {
		var version uint64
		if v, ok := hc.versions[member]; ok {
			version = v.Load()
		}
		val, err := h.encodeValue(a.Get())
		if err != nil {
			return nil, errors.Wrap(err, "Host", "describe", "attribute "+member)
		}
		d.Attributes[member] = AttributeSnapshot{Meta: a.Meta(), Value: val, Version: version}
	}
	for member := range c.DataFlows() {
		d.DataFlows = append(d.DataFlows, member)
	}
	for member := range c.Events() {
		d.Events = append(d.Events, member)
	}
	return d, nil
}
