package container

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/c360/semscope/dataflow"
	"github.com/c360/semscope/event"
	"github.com/c360/semscope/natsclient"
	"github.com/c360/semscope/pkg/codec"
)

// proxyDataFlow mirrors a remote dataflow. The remote subscription exists while the
// mirror has subscribers, so generation starts and stops as it would locally.
type proxyDataFlow struct {
	p      *Proxy
	member string
	df     *dataflow.DataFlow

	mu        sync.Mutex
	sub       *natsclient.Subscription
	remoteSub string
}

func newProxyDataFlow(p *Proxy, member string) *proxyDataFlow {
	pd := &proxyDataFlow{p: p, member: member}
	pd.df = dataflow.New(member,
		dataflow.WithHooks(pd.start, pd.stop),
		dataflow.WithLogger(p.logger),
		dataflow.WithMetrics(p.r.host.coreMetrics()),
	)
	return pd
}

func (pd *proxyDataFlow) start() {
	logger := pd.p.logger.With("dataflow", pd.member)
	subject := blockSubject(pd.p.r.name, pd.p.name, pd.member, uuid.NewString())
	sub, err := pd.p.r.subscribe(subject, func(msg *nats.Msg) {
		b, err := decodeBlock(msg)
		if err != nil {
			logger.Warn("Malformed block", "error", err)
			return
		}
		pd.df.Notify(b)
	})
	if err != nil {
		logger.Error("Dataflow subscription failed", "error", err)
		return
	}

	ctx, cancel := pd.p.r.host.requestContext()
	defer cancel()
	resp, err := pd.p.r.call(ctx, request{
		Op:      opFlowSub,
		Object:  pd.p.name,
		Member:  pd.member,
		Subject: subject,
	})
	if err != nil {
		_ = sub.Unsubscribe()
		logger.Error("Remote dataflow subscription failed", "error", err)
		return
	}

	pd.mu.Lock()
	pd.sub, pd.remoteSub = sub, resp.Sub
	pd.mu.Unlock()
}

func (pd *proxyDataFlow) stop() {
	pd.mu.Lock()
	sub, remoteSub := pd.sub, pd.remoteSub
	pd.sub, pd.remoteSub = nil, ""
	pd.mu.Unlock()

	if remoteSub != "" && pd.p.r.unreachable() == nil {
		ctx, cancel := pd.p.r.host.requestContext()
		defer cancel()
		if _, err := pd.p.r.call(ctx, request{Op: opFlowUnsub, Sub: remoteSub}); err != nil {
			pd.p.logger.Debug("Remote dataflow unsubscription failed", "dataflow", pd.member, "error", err)
		}
	}
	if sub != nil {
		_ = sub.Unsubscribe()
	}
}

func (pd *proxyDataFlow) release() {
	pd.stop()
}

// Name implements dataflow.Interface
func (pd *proxyDataFlow) Name() string {
	return pd.member
}

// Subscribe implements dataflow.Interface
func (pd *proxyDataFlow) Subscribe(fn dataflow.Listener) *dataflow.Subscription {
	return pd.df.Subscribe(fn)
}

// Get implements dataflow.Interface
func (pd *proxyDataFlow) Get(ctx context.Context) (dataflow.Block, error) {
	return dataflow.Get(ctx, pd)
}

// SynchronizedOn implements dataflow.Interface. The event must be reachable from the
// hosting container: a member of a hosted component or a proxy.
func (pd *proxyDataFlow) SynchronizedOn(ev event.Interface) error {
	req := request{Op: opFlowSync, Object: pd.p.name, Member: pd.member}
	if ev != nil {
		val, err := pd.p.r.host.encodeValue(ev)
		if err != nil {
			return err
		}
		req.Value = &val
	}
	ctx, cancel := pd.p.r.host.requestContext()
	defer cancel()
	_, err := pd.p.r.call(ctx, req)
	return err
}

// Ref implements codec.Referencer
func (pd *proxyDataFlow) Ref() codec.Ref {
	return codec.Ref{Kind: codec.KindDataFlow, Container: pd.p.r.name, Object: pd.p.name, Member: pd.member}
}

// proxyEvent mirrors a remote event. The NATS subscription exists while local
// listeners do and is confirmed by the server before Subscribe returns, so a listener
// never misses a trigger that follows its subscription.
type proxyEvent struct {
	p      *Proxy
	member string
	ev     *event.Event

	mu  sync.Mutex
	sub *natsclient.Subscription
}

func newProxyEvent(p *Proxy, member string) *proxyEvent {
	return &proxyEvent{
		p:      p,
		member: member,
		ev:     event.New(member, event.WithLogger(p.logger)),
	}
}

// Name implements event.Interface
func (pe *proxyEvent) Name() string {
	return pe.member
}

// Subscribe implements event.Interface
func (pe *proxyEvent) Subscribe(l *event.Listener) {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.sub == nil {
		sub, err := pe.p.r.subscribe(eventSubject(pe.p.r.name, pe.p.name, pe.member), func(*nats.Msg) {
			pe.ev.Trigger()
		})
		if err != nil {
			pe.p.logger.Error("Event subscription failed", "event", pe.member, "error", err)
		} else {
			pe.sub = sub
			ctx, cancel := pe.p.r.host.requestContext()
			if err := pe.p.r.host.client.Flush(ctx); err != nil {
				pe.p.logger.Warn("Event subscription not confirmed", "event", pe.member, "error", err)
			}
			cancel()
		}
	}
	pe.ev.Subscribe(l)
}

// Unsubscribe implements event.Interface
func (pe *proxyEvent) Unsubscribe(l *event.Listener) {
	pe.ev.Unsubscribe(l)
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.ev.Listeners() == 0 && pe.sub != nil {
		_ = pe.sub.Unsubscribe()
		pe.sub = nil
	}
}

func (pe *proxyEvent) release() {
	pe.mu.Lock()
	defer pe.mu.Unlock()
	if pe.sub != nil {
		_ = pe.sub.Unsubscribe()
		pe.sub = nil
	}
}

// Ref implements codec.Referencer
func (pe *proxyEvent) Ref() codec.Ref {
	return codec.Ref{Kind: codec.KindEvent, Container: pe.p.r.name, Object: pe.p.name, Member: pe.member}
}

var (
	_ dataflow.Interface = (*proxyDataFlow)(nil)
	_ event.Interface    = (*proxyEvent)(nil)
	_ codec.Referencer   = (*proxyDataFlow)(nil)
	_ codec.Referencer   = (*proxyEvent)(nil)
)

