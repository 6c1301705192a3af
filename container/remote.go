package container

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/natsclient"
)

// remote is this container's view of another container. Once the other container is
// declared dead every pending and later request fails with errors.ErrUnreachable; a
// restarted container gets a fresh remote.
type remote struct {
	host   *Host
	name   string
	logger *slog.Logger

	mu         sync.Mutex
	dead       error
	inflight   map[uint64]context.CancelCauseFunc
	nextID     uint64
	components map[string]*Proxy
	futures    map[string]*proxyFuture
}

func newRemote(h *Host, name string) *remote {
	return &remote{
		host:       h,
		name:       name,
		logger:     h.logger.With("remote", name),
		inflight:   make(map[uint64]context.CancelCauseFunc),
		components: make(map[string]*Proxy),
		futures:    make(map[string]*proxyFuture),
	}
}

// remote returns the live view of container, creating it on first use
func (h *Host) remote(_ context.Context, container string) (*remote, error) {
	if err := component.ValidateComponentName(container); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: container '%s'", errors.ErrNotFound, container),
			"Host", "remote", "container name validation")
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.terminated {
		return nil, errors.Wrap(errors.ErrTerminated, "Host", "remote", "container "+h.name)
	}
	if r, ok := h.remotes[container]; ok && r.alive() {
		return r, nil
	}
	r := newRemote(h, container)
	h.remotes[container] = r
	return r, nil
}

func (r *remote) alive() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead == nil
}

// unreachable returns the error of a dead remote, nil while it is alive
func (r *remote) unreachable() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dead
}

// call sends a request and decodes the reply. The request is abandoned with
// errors.ErrUnreachable if the container dies meanwhile.
func (r *remote) call(ctx context.Context, req request) (response, error) {
	r.mu.Lock()
	if r.dead != nil {
		err := r.dead
		r.mu.Unlock()
		return response{}, err
	}
	reqCtx, cancel := context.WithCancelCause(ctx)
	id := r.nextID
	r.nextID++
	r.inflight[id] = cancel
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.inflight, id)
		r.mu.Unlock()
		cancel(nil)
	}()

	req.From = r.host.name
	if deadline, ok := ctx.Deadline(); ok {
		req.Deadline = &deadline
	}
	data, err := json.Marshal(req)
	if err != nil {
		return response{}, errors.WrapInvalid(err, "Proxy", req.Op, "encode request")
	}

	raw, err := r.host.client.Request(reqCtx, rpcSubject(r.name), data)
	if err != nil {
		return response{}, r.requestError(ctx, reqCtx, req, err)
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return response{}, errors.WrapInvalid(err, "Proxy", req.Op, "decode response")
	}
	if resp.Error != nil {
		return resp, errors.Decode(resp.Error)
	}
	return resp, nil
}

func (r *remote) requestError(ctx, reqCtx context.Context, req request, err error) error {
	if cause := context.Cause(reqCtx); cause != nil && ctx.Err() == nil && errors.IsUnreachable(cause) {
		return cause
	}
	if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s %s/%s", errors.ErrTimeout, req.Op, r.name, req.Object)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.IsUnreachable(err) && !r.known(ctx) {
		return errors.WrapInvalid(fmt.Errorf("%w: container '%s'", errors.ErrNotFound, r.name),
			"Proxy", req.Op, "reach container")
	}
	return errors.WrapTransient(fmt.Errorf("%w: container '%s': %v", errors.ErrUnreachable, r.name, err),
		"Proxy", req.Op, "reach container")
}

// known reports whether the container ever existed: seen alive, declared dead, or
// still registered in the directory
func (r *remote) known(ctx context.Context) bool {
	h := r.host
	if _, dead := h.liveness.Dead(r.name); dead {
		return true
	}
	if _, ok := h.liveness.Monitor().Get(r.name); ok {
		return true
	}
	if h.directory != nil {
		if _, err := h.directory.Container(ctx, r.name); err == nil {
			return true
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.components) > 0
}

// die marks the container unreachable, aborts in-flight requests and fails the futures
// proxied from it
func (r *remote) die(reason string) {
	r.close(fmt.Errorf("%w: container '%s' %s", errors.ErrUnreachable, r.name, reason))
}

func (r *remote) close(cause error) {
	r.mu.Lock()
	if r.dead != nil {
		r.mu.Unlock()
		return
	}
	r.dead = cause
	inflight := r.inflight
	r.inflight = make(map[uint64]context.CancelCauseFunc)
	futures := r.futures
	r.futures = make(map[string]*proxyFuture)
	proxies := r.components
	r.mu.Unlock()

	for _, cancel := range inflight {
		cancel(cause)
	}
	for _, pf := range futures {
		pf.abandon(cause)
	}
	for _, p := range proxies {
		p.release()
	}
	r.logger.Info("Container unreachable", "reason", cause)
}

// subscribe subscribes to a subject of this container unless it is dead. Proxies
// release their subscriptions when the container dies.
func (r *remote) subscribe(subject string, handler nats.MsgHandler) (*natsclient.Subscription, error) {
	if err := r.unreachable(); err != nil {
		return nil, err
	}
	return r.host.client.Subscribe(subject, handler)
}

// component returns the proxy of a component of this container
func (r *remote) component(ctx context.Context, name string) (*Proxy, error) {
	r.mu.Lock()
	if p, ok := r.components[name]; ok {
		r.mu.Unlock()
		return p, nil
	}
	r.mu.Unlock()

	p, err := newProxy(ctx, r, name)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.components[name]; ok {
		p.release()
		return existing, nil
	}
	if r.dead != nil {
		p.release()
		return nil, r.dead
	}
	r.components[name] = p
	return p, nil
}

// future returns the proxy of a future exported by this container
func (r *remote) future(ctx context.Context, id string, snap *futureSnapshot) (*proxyFuture, error) {
	r.mu.Lock()
	if pf, ok := r.futures[id]; ok {
		r.mu.Unlock()
		return pf, nil
	}
	r.mu.Unlock()

	pf, err := newProxyFuture(ctx, r, id, snap)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.futures[id]; ok {
		r.mu.Unlock()
		pf.release()
		return existing, nil
	}
	if r.dead != nil {
		cause := r.dead
		r.mu.Unlock()
		pf.abandon(cause)
		return pf, nil
	}
	r.futures[id] = pf
	r.mu.Unlock()
	return pf, nil
}

// forgetFuture stops tracking a completed future
func (r *remote) forgetFuture(id string) {
	r.mu.Lock()
	delete(r.futures, id)
	r.mu.Unlock()
}
