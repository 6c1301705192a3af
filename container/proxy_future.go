package container

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/natsclient"
	"github.com/c360/semscope/pkg/codec"
)

// proxyFuture mirrors a future exported by another container. The mirror follows the
// state changes the hosting container publishes; cancellation is forwarded and its
// answer is the remote one. If the container dies the mirror fails with
// errors.ErrUnreachable.
type proxyFuture struct {
	r      *remote
	id     string
	mirror *future.ProgressiveFuture

	mu  sync.Mutex
	sub *natsclient.Subscription
}

func newProxyFuture(ctx context.Context, r *remote, id string, snap *futureSnapshot) (*proxyFuture, error) {
	pf := &proxyFuture{
		r:      r,
		id:     id,
		mirror: future.NewProgressive(future.WithID(id), future.WithLogger(r.logger)),
	}

	sub, err := r.subscribe(futureSubject(r.name, id), pf.handleUpdate)
	if err != nil {
		return nil, err
	}
	pf.sub = sub
	if err := r.host.client.Flush(ctx); err != nil {
		pf.release()
		return nil, errors.WrapTransient(err, "Future", "new", "flush subscription")
	}

	// The snapshot taken before the subscription may be stale: ask again
	resp, err := r.call(ctx, request{Op: opFutState, Object: id})
	switch {
	case err == nil && resp.Future != nil:
		snap = resp.Future
	case err != nil && snap == nil:
		pf.release()
		return nil, err
	}
	if snap != nil {
		pf.apply(ctx, snap)
	}
	pf.mirror.AddDoneCallback(func(future.Interface) {
		pf.release()
		r.forgetFuture(id)
	})
	return pf, nil
}

func (pf *proxyFuture) handleUpdate(msg *nats.Msg) {
	var snap futureSnapshot
	if err := json.Unmarshal(msg.Data, &snap); err != nil {
		pf.r.logger.Warn("Malformed future update", "future", pf.id, "error", err)
		return
	}
	ctx, cancel := pf.r.host.requestContext()
	defer cancel()
	pf.apply(ctx, &snap)
}

// apply replays a snapshot on the mirror. Transitions are one-way, so stale snapshots
// are harmless.
func (pf *proxyFuture) apply(ctx context.Context, snap *futureSnapshot) {
	state, ok := future.ParseState(snap.State)
	if !ok {
		pf.r.logger.Warn("Unknown future state", "future", pf.id, "state", snap.State)
		return
	}
	if state != future.Pending {
		pf.mirror.SetRunning()
	}
	if snap.Progressive && !state.Terminal() {
		now := time.Now()
		pf.mirror.SetProgress(now.Add(-snap.Elapsed), now.Add(snap.Remaining))
	}
	if !state.Terminal() {
		return
	}

	var result any
	err := errors.Decode(snap.Error)
	if state == future.Finished && snap.Result != nil {
		var derr error
		if result, derr = pf.r.host.decodeValue(ctx, *snap.Result); derr != nil {
			state, err = future.Failed, derr
		}
	}
	pf.mirror.Settle(state, result, err)
}

// abandon fails the mirror when the hosting container is gone
func (pf *proxyFuture) abandon(cause error) {
	pf.mirror.Settle(future.Failed, nil, cause)
	pf.release()
}

func (pf *proxyFuture) release() {
	pf.mu.Lock()
	defer pf.mu.Unlock()
	if pf.sub != nil {
		_ = pf.sub.Unsubscribe()
		pf.sub = nil
	}
}

// refresh asks the hosting container for the current state of an unfinished future
func (pf *proxyFuture) refresh() {
	if pf.mirror.Done() || pf.r.unreachable() != nil {
		return
	}
	ctx, cancel := pf.r.host.requestContext()
	defer cancel()
	resp, err := pf.r.call(ctx, request{Op: opFutState, Object: pf.id})
	if err != nil {
		if errors.IsUnreachable(err) {
			pf.abandon(err)
		}
		return
	}
	if resp.Future != nil {
		pf.apply(ctx, resp.Future)
	}
}

// ID implements future.Interface
func (pf *proxyFuture) ID() string { return pf.id }

// State implements future.Interface. An unfinished future is queried remotely.
func (pf *proxyFuture) State() future.State {
	pf.refresh()
	return pf.mirror.State()
}

// Running implements future.Interface
func (pf *proxyFuture) Running() bool { return pf.State() == future.Running }

// Done implements future.Interface
func (pf *proxyFuture) Done() bool { return pf.mirror.Done() }

// Cancelled implements future.Interface
func (pf *proxyFuture) Cancelled() bool { return pf.mirror.Cancelled() }

// Cancel implements future.Interface. It returns the answer of the hosting container.
func (pf *proxyFuture) Cancel() bool {
	if pf.mirror.Done() {
		return false
	}
	ctx, cancel := pf.r.host.requestContext()
	defer cancel()
	resp, err := pf.r.call(ctx, request{Op: opFutCancel, Object: pf.id})
	if err != nil {
		pf.r.logger.Warn("Future cancellation failed", "future", pf.id, "error", err)
		return false
	}
	if resp.Future != nil {
		pf.apply(ctx, resp.Future)
	}
	return resp.Accepted
}

// Wait implements future.Interface
func (pf *proxyFuture) Wait(ctx context.Context) error { return pf.mirror.Wait(ctx) }

// Result implements future.Interface
func (pf *proxyFuture) Result(ctx context.Context) (any, error) { return pf.mirror.Result(ctx) }

// Exception implements future.Interface
func (pf *proxyFuture) Exception(ctx context.Context) error { return pf.mirror.Exception(ctx) }

// AddDoneCallback implements future.Interface. Callbacks receive the proxy.
func (pf *proxyFuture) AddDoneCallback(fn func(future.Interface)) {
	pf.mirror.AddDoneCallback(func(future.Interface) { fn(pf) })
}

// AddUpdateCallback implements future.Progressive
func (pf *proxyFuture) AddUpdateCallback(fn future.UpdateFunc) {
	pf.mirror.AddUpdateCallback(func(_ future.Progressive, elapsed, remaining time.Duration) {
		fn(pf, elapsed, remaining)
	})
}

// Progress implements future.Progressive
func (pf *proxyFuture) Progress() (elapsed, remaining time.Duration) {
	return pf.mirror.Progress()
}

// Ref implements codec.Referencer
func (pf *proxyFuture) Ref() codec.Ref {
	return codec.Ref{Kind: codec.KindFuture, Container: pf.r.name, Object: pf.id}
}

var (
	_ future.Progressive = (*proxyFuture)(nil)
	_ codec.Referencer   = (*proxyFuture)(nil)
)
