package container

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/natsclient"
	"github.com/c360/semscope/pkg/codec"
	"github.com/c360/semscope/vattr"
)

// Proxy stands for a component hosted by another container. Attributes, dataflows,
// events and futures reached through it behave like the originals; method arguments
// and results are copied unless they are themselves such objects.
type Proxy struct {
	r      *remote
	name   string
	role   string
	parent string
	logger *slog.Logger

	metadata map[string]string
	methods  map[string]component.CallKind
	attrs    map[string]*proxyAttribute
	flows    map[string]*proxyDataFlow
	events   map[string]*proxyEvent

	// changes received before the description was applied
	mu      sync.Mutex
	ready   bool
	pending []pendingChange

	sub        *natsclient.Subscription
	terminated atomic.Bool
	released   atomic.Bool
}

type pendingChange struct {
	member string
	change attrChange
}

func newProxy(ctx context.Context, r *remote, name string) (*Proxy, error) {
	p := &Proxy{
		r:      r,
		name:   name,
		logger: r.logger.With("component", name),
	}

	// Subscribe before describing so that no change falls between the snapshot and
	// the first update
	sub, err := r.host.client.Subscribe(attrWildcard(r.name, name), p.handleChange)
	if err != nil {
		return nil, errors.Wrap(err, "Proxy", "new", "subscribe attribute changes")
	}
	p.sub = sub
	if err := r.host.client.Flush(ctx); err != nil {
		p.release()
		return nil, errors.WrapTransient(err, "Proxy", "new", "flush subscription")
	}

	resp, err := r.call(ctx, request{Op: opDescribe, Object: name})
	if err != nil {
		p.release()
		return nil, err
	}
	if resp.Description == nil {
		p.release()
		return nil, errors.WrapFatal(fmt.Errorf("no description of '%s'", name), "Proxy", "new", "describe")
	}
	if err := p.apply(ctx, resp.Description); err != nil {
		p.release()
		return nil, err
	}
	return p, nil
}

func (p *Proxy) apply(ctx context.Context, d *Description) error {
	p.role = d.Role
	p.parent = d.Parent
	p.metadata = d.Metadata
	p.methods = d.Methods
	if p.methods == nil {
		p.methods = make(map[string]component.CallKind)
	}
	p.terminated.Store(d.Terminated)

	p.attrs = make(map[string]*proxyAttribute, len(d.Attributes))
	for member, snap := range d.Attributes {
		initial, err := p.decodeAttr(ctx, member, snap.Value)
		if err != nil {
			return errors.Wrap(err, "Proxy", "describe", "attribute "+member)
		}
		p.attrs[member] = newProxyAttribute(p, member, snap.Meta, initial, snap.Version)
	}
	p.flows = make(map[string]*proxyDataFlow, len(d.DataFlows))
	for _, member := range d.DataFlows {
		p.flows[member] = newProxyDataFlow(p, member)
	}
	p.events = make(map[string]*proxyEvent, len(d.Events))
	for _, member := range d.Events {
		p.events[member] = newProxyEvent(p, member)
	}

	p.mu.Lock()
	pending := p.pending
	p.pending = nil
	p.ready = true
	p.mu.Unlock()
	for _, pc := range pending {
		p.applyChange(ctx, pc.member, pc.change)
	}
	return nil
}

func (p *Proxy) handleChange(msg *nats.Msg) {
	var change attrChange
	if err := json.Unmarshal(msg.Data, &change); err != nil {
		p.logger.Warn("Malformed attribute change", "subject", msg.Subject, "error", err)
		return
	}
	member := lastToken(msg.Subject)

	p.mu.Lock()
	if !p.ready {
		p.pending = append(p.pending, pendingChange{member: member, change: change})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := p.r.host.requestContext()
	defer cancel()
	p.applyChange(ctx, member, change)
}

func (p *Proxy) applyChange(ctx context.Context, member string, change attrChange) {
	a, ok := p.attrs[member]
	if !ok {
		return
	}
	v, err := p.decodeAttr(ctx, member, change.Value)
	if err != nil {
		p.logger.Warn("Attribute change cannot be decoded", "attribute", member, "error", err)
		return
	}
	a.apply(change.Version, v)
}

// decodeAttr rebuilds the standard attributes with their local types
func (p *Proxy) decodeAttr(ctx context.Context, member string, val Value) (any, error) {
	v, err := p.r.host.decodeValue(ctx, val)
	if err != nil {
		return nil, err
	}
	switch member {
	case component.AttrState:
		return codec.As[component.State](v)
	case component.AttrChildren, component.AttrAffects:
		if v == nil {
			return []string{}, nil
		}
		return codec.As[[]string](v)
	}
	return v, nil
}

// release drops every subscription held for the proxy
func (p *Proxy) release() {
	if p.released.Swap(true) {
		return
	}
	if p.sub != nil {
		_ = p.sub.Unsubscribe()
	}
	for _, pe := range p.events {
		pe.release()
	}
	for _, pd := range p.flows {
		pd.release()
	}
}

// Ref implements codec.Referencer
func (p *Proxy) Ref() codec.Ref {
	return codec.Ref{Kind: codec.KindComponent, Container: p.r.name, Object: p.name}
}

// Container returns the name of the hosting container
func (p *Proxy) Container() string { return p.r.name }

// Name implements component.Component
func (p *Proxy) Name() string { return p.name }

// Role implements component.Component
func (p *Proxy) Role() string { return p.role }

// Parent implements component.Component
func (p *Proxy) Parent() string { return p.parent }

// Metadata implements component.Component
func (p *Proxy) Metadata() map[string]string { return maps.Clone(p.metadata) }

// State implements component.Component
func (p *Proxy) State() vattr.Attribute { return p.attribute(component.AttrState) }

// Children implements component.Component
func (p *Proxy) Children() vattr.Attribute { return p.attribute(component.AttrChildren) }

// Affects implements component.Component
func (p *Proxy) Affects() vattr.Attribute { return p.attribute(component.AttrAffects) }

func (p *Proxy) attribute(member string) vattr.Attribute {
	if a, ok := p.attrs[member]; ok {
		return a
	}
	return nil
}

// Attributes implements component.Component
func (p *Proxy) Attributes() map[string]vattr.Attribute {
	out := make(map[string]vattr.Attribute, len(p.attrs))
	for name, a := range p.attrs {
		out[name] = a
	}
	return out
}

// DataFlows implements component.Component
func (p *Proxy) DataFlows() map[string]dataflow.Interface {
	out := make(map[string]dataflow.Interface, len(p.flows))
	for name, df := range p.flows {
		out[name] = df
	}
	return out
}

// Events implements component.Component
func (p *Proxy) Events() map[string]event.Interface {
	out := make(map[string]event.Interface, len(p.events))
	for name, ev := range p.events {
		out[name] = ev
	}
	return out
}

// Methods implements component.Component
func (p *Proxy) Methods() map[string]component.CallKind {
	return maps.Clone(p.methods)
}

// check applies locally what the hosted component would answer anyway
func (p *Proxy) check(op, method string, kind component.CallKind) error {
	if p.terminated.Load() {
		return errors.Wrap(errors.ErrTerminated, p.name, op, "call "+method)
	}
	if err := p.r.unreachable(); err != nil {
		return err
	}
	declared, ok := p.methods[method]
	if !ok {
		return errors.WrapInvalid(fmt.Errorf("%w: method '%s'", errors.ErrNotFound, method), p.name, op, "find method")
	}
	if declared != kind {
		return errors.WrapInvalid(
			fmt.Errorf("%w: method '%s' is %s", errors.ErrCallKind, method, declared), p.name, op, "check call kind")
	}
	return nil
}

// Call implements component.Component
func (p *Proxy) Call(ctx context.Context, method string, args ...any) (any, error) {
	if err := p.check("Call", method, component.Sync); err != nil {
		return nil, err
	}
	values, err := p.r.host.encodeArgs(args)
	if err != nil {
		return nil, err
	}
	resp, err := p.r.call(ctx, request{Op: opCall, Object: p.name, Member: method, Args: values})
	if err != nil {
		return nil, err
	}
	if resp.Value == nil {
		return nil, nil
	}
	return p.r.host.decodeValue(ctx, *resp.Value)
}

// Cast implements component.Component. The request is published without reply; the
// only errors returned are those detected before sending.
func (p *Proxy) Cast(method string, args ...any) error {
	if err := p.check("Cast", method, component.Oneway); err != nil {
		return err
	}
	values, err := p.r.host.encodeArgs(args)
	if err != nil {
		return err
	}
	data, err := json.Marshal(request{Op: opCast, From: p.r.host.name, Object: p.name, Member: method, Args: values})
	if err != nil {
		return errors.WrapInvalid(err, p.name, "Cast", "encode request")
	}
	if err := p.r.host.client.Publish(rpcSubject(p.r.name), data); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrUnreachable, err), p.name, "Cast", "send request")
	}
	return nil
}

// CallAsync implements component.Component. The returned future mirrors the remote one.
func (p *Proxy) CallAsync(ctx context.Context, method string, args ...any) (future.Interface, error) {
	if err := p.check("CallAsync", method, component.Async); err != nil {
		return nil, err
	}
	values, err := p.r.host.encodeArgs(args)
	if err != nil {
		return nil, err
	}
	resp, err := p.r.call(ctx, request{Op: opTask, Object: p.name, Member: method, Args: values})
	if err != nil {
		return nil, err
	}
	if resp.Value == nil || resp.Value.Ref == nil {
		return nil, errors.WrapFatal(fmt.Errorf("method '%s' returned no future", method), p.name, "CallAsync", "decode response")
	}
	pf, err := p.r.future(ctx, resp.Value.Ref.Object, resp.Future)
	if err != nil {
		return nil, err
	}
	return pf, nil
}

// Terminate implements component.Component. The proxy is unusable afterwards even if
// the request failed.
func (p *Proxy) Terminate(ctx context.Context) error {
	if p.terminated.Swap(true) {
		return nil
	}
	defer p.release()
	_, err := p.r.call(ctx, request{Op: opTerminate, Object: p.name})
	if errors.IsTerminated(err) {
		return nil
	}
	return err
}

var (
	_ component.Component = (*Proxy)(nil)
	_ codec.Referencer    = (*Proxy)(nil)
)
