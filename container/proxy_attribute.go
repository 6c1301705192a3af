package container

import (
	"context"
	"sync"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/vattr"
)

// proxyAttribute mirrors a remote attribute. Changes arrive in version order; a write
// returns once the mirror has caught up with the version it produced, so a reader
// that follows a successful Set sees the new value.
type proxyAttribute struct {
	p      *Proxy
	member string
	meta   vattr.Meta
	cache  *vattr.VA[any]

	applyMu sync.Mutex

	mu      sync.Mutex
	version uint64
	changed chan struct{}
}

func newProxyAttribute(p *Proxy, member string, meta vattr.Meta, initial any, version uint64) *proxyAttribute {
	return &proxyAttribute{
		p:       p,
		member:  member,
		meta:    meta,
		cache:   vattr.New[any](initial, vattr.WithLogger(p.logger.With("attribute", member))),
		version: version,
		changed: make(chan struct{}),
	}
}

// Get implements vattr.Attribute
func (a *proxyAttribute) Get() any {
	return a.cache.Value()
}

// Meta implements vattr.Attribute
func (a *proxyAttribute) Meta() vattr.Meta {
	return a.meta
}

// Subscribe implements vattr.Attribute
func (a *proxyAttribute) Subscribe(fn vattr.Listener, init bool) *vattr.Subscription {
	return a.cache.Subscribe(fn, init)
}

// Set implements vattr.Attribute. The hosting attribute validates the value; its
// errors come back unchanged.
func (a *proxyAttribute) Set(v any) error {
	if a.p.terminated.Load() {
		return errors.Wrap(errors.ErrTerminated, a.p.name, "Set", "write "+a.member)
	}
	if a.meta.ReadOnly {
		return errors.ErrReadOnly
	}
	val, err := a.p.r.host.encodeValue(v)
	if err != nil {
		return err
	}

	ctx, cancel := a.p.r.host.requestContext()
	defer cancel()
	resp, err := a.p.r.call(ctx, request{Op: opAttrSet, Object: a.p.name, Member: a.member, Value: &val})
	if err != nil {
		return err
	}
	a.await(ctx, resp.Version)
	return nil
}

// await waits until the mirror reached version. A lost change only delays the caller
// until ctx ends.
func (a *proxyAttribute) await(ctx context.Context, version uint64) {
	for {
		a.mu.Lock()
		reached := a.version >= version
		changed := a.changed
		a.mu.Unlock()
		if reached {
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			a.p.logger.Warn("Attribute change not received", "attribute", a.member, "version", version)
			return
		}
	}
}

// Version returns the version of the mirrored value
func (a *proxyAttribute) Version() uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

// apply stores a change unless a newer one was already applied
func (a *proxyAttribute) apply(version uint64, v any) {
	a.applyMu.Lock()
	defer a.applyMu.Unlock()
	if version <= a.Version() {
		return
	}
	if err := a.cache.Update(v); err != nil {
		a.p.logger.Warn("Attribute mirror rejected change", "attribute", a.member, "error", err)
	}

	a.mu.Lock()
	a.version = version
	close(a.changed)
	a.changed = make(chan struct{})
	a.mu.Unlock()
}

var _ vattr.Attribute = (*proxyAttribute)(nil)
