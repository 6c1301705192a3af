package container

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/c360/semscope/component"
	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/future"
	"github.com/c360/semscope/health"
	"github.com/c360/semscope/metric"
	"github.com/c360/semscope/natsclient"
)

// Defaults of a Host
const (
	DefaultHeartbeatInterval = time.Second
	DefaultHeartbeatTimeout  = 3 * time.Second
	DefaultFutureGrace       = 30 * time.Second
	DefaultProgressRate      = rate.Limit(10)
	DefaultExecutorWorkers   = 4
	DefaultExecutorQueue     = 64
	DefaultRequestTimeout    = 30 * time.Second
)

// Host is the container of one process: it hosts components, serves them to other
// containers, and hands out proxies for components hosted elsewhere.
type Host struct {
	name     string
	instance string
	client   *natsclient.Client
	registry *component.Registry
	logger   *slog.Logger
	metrics  *metric.MetricsRegistry

	executor    *future.Executor
	ownExecutor bool
	directory   *Directory
	useDir      bool
	liveness    *health.Liveness

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration
	futureGrace       time.Duration
	progressRate      rate.Limit
	requestTimeout    time.Duration

	mu         sync.RWMutex
	hosted     map[string]*hosted
	order      []string
	remotes    map[string]*remote
	instances  map[string]string
	futures    map[string]*exportedFuture
	flowSubs   map[string]*flowSub
	subs       []*natsclient.Subscription
	started    bool
	terminated bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// Option configures a Host
type Option func(*Host)

// WithLogger sets the host logger
func WithLogger(logger *slog.Logger) Option {
	return func(h *Host) { h.logger = logger }
}

// WithRegistry sets the component classes the host can instantiate
func WithRegistry(registry *component.Registry) Option {
	return func(h *Host) { h.registry = registry }
}

// WithMetrics records host activity in registry
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(h *Host) { h.metrics = registry }
}

// WithExecutor runs Async method bodies of hosted components on e. The caller owns e.
func WithExecutor(e *future.Executor) Option {
	return func(h *Host) { h.executor = e }
}

// WithHeartbeat sets how often the host announces itself and after how long without
// heartbeat another container is declared dead
func WithHeartbeat(interval, timeout time.Duration) Option {
	return func(h *Host) {
		h.heartbeatInterval = interval
		h.heartbeatTimeout = timeout
	}
}

// WithoutDirectory disables the JetStream directory. Lookup by container name still
// works; Resolve by component name only finds local components.
func WithoutDirectory() Option {
	return func(h *Host) { h.useDir = false }
}

// WithFutureGrace sets how long a completed exported future stays queryable
func WithFutureGrace(d time.Duration) Option {
	return func(h *Host) { h.futureGrace = d }
}

// WithProgressRate bounds how many progress updates per second an exported future publishes
func WithProgressRate(r rate.Limit) Option {
	return func(h *Host) { h.progressRate = r }
}

// WithRequestTimeout bounds the remote requests of operations that take no context,
// such as attribute writes through a proxy
func WithRequestTimeout(d time.Duration) Option {
	return func(h *Host) { h.requestTimeout = d }
}

// New creates a host named name on client. The host serves nothing until Start.
func New(name string, client *natsclient.Client, opts ...Option) (*Host, error) {
	if err := component.ValidateComponentName(name); err != nil {
		return nil, errors.Wrap(err, "Host", "New", "container name validation")
	}
	if client == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Host", "New", "NATS client validation")
	}

	h := &Host{
		name:              name,
		instance:          uuid.NewString(),
		client:            client,
		registry:          component.NewRegistry(),
		logger:            slog.Default(),
		useDir:            true,
		heartbeatInterval: DefaultHeartbeatInterval,
		heartbeatTimeout:  DefaultHeartbeatTimeout,
		futureGrace:       DefaultFutureGrace,
		progressRate:      DefaultProgressRate,
		requestTimeout:    DefaultRequestTimeout,
		hosted:            make(map[string]*hosted),
		remotes:           make(map[string]*remote),
		instances:         make(map[string]string),
		futures:           make(map[string]*exportedFuture),
		flowSubs:          make(map[string]*flowSub),
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With("container", name)
	h.liveness = health.NewLiveness(h.heartbeatTimeout, h.livenessChanged)
	return h, nil
}

// Name returns the container name
func (h *Host) Name() string { return h.name }

// Instance identifies this run of the container
func (h *Host) Instance() string { return h.instance }

// Registry returns the component classes the host can instantiate
func (h *Host) Registry() *component.Registry { return h.registry }

// Liveness returns the tracker of remote containers
func (h *Host) Liveness() *health.Liveness { return h.liveness }

// Done is closed once the host is terminated
func (h *Host) Done() <-chan struct{} { return h.done }

func (h *Host) coreMetrics() *metric.Metrics {
	return h.metrics.CoreMetrics()
}

// requestContext bounds a request made on behalf of an operation without context
func (h *Host) requestContext() (context.Context, context.CancelFunc) {
	h.mu.RLock()
	parent := h.ctx
	h.mu.RUnlock()
	if parent == nil {
		parent = context.Background()
	}
	return context.WithTimeout(parent, h.requestTimeout)
}

// Start serves the container on NATS, announces it, and starts tracking other containers
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Host", "Start", "start container "+h.name)
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	if h.executor == nil {
		opts := []future.ExecutorOption{future.WithExecutorLogger(h.logger)}
		if h.metrics != nil {
			opts = append(opts, future.WithExecutorMetrics(h.metrics))
		}
		h.executor = future.NewExecutor(DefaultExecutorWorkers, DefaultExecutorQueue, opts...)
		if err := h.executor.Start(h.ctx); err != nil {
			h.cancel()
			return errors.Wrap(err, "Host", "Start", "start executor")
		}
		h.ownExecutor = true
	}

	subjects := []struct {
		subject string
		handler nats.MsgHandler
	}{
		{rpcSubject(h.name), h.handleRequest},
		{heartbeatWildcard, h.handleHeartbeat},
		{terminatedWildcard, h.handleTerminated},
	}
	for _, s := range subjects {
		sub, err := h.client.Subscribe(s.subject, s.handler)
		if err != nil {
			h.unsubscribeLocked()
			h.cancel()
			return errors.Wrap(err, "Host", "Start", "subscribe "+s.subject)
		}
		h.subs = append(h.subs, sub)
	}
	if err := h.client.Flush(ctx); err != nil {
		h.logger.Warn("Flush after subscribe failed", "error", err)
	}

	if h.useDir {
		dir, err := OpenDirectory(ctx, h.client)
		if err != nil {
			h.logger.Warn("Container directory unavailable, resolving by name disabled", "error", err)
		} else {
			h.directory = dir
			if err := dir.RegisterContainer(ctx, ContainerEntry{
				Name:     h.name,
				Instance: h.instance,
				Pid:      os.Getpid(),
				Started:  time.Now(),
			}); err != nil {
				h.logger.Warn("Container registration failed", "error", err)
			}
		}
	}

	h.started = true
	h.wg.Add(2)
	go h.heartbeatLoop()
	go func() {
		defer h.wg.Done()
		h.liveness.Run(h.ctx, h.heartbeatInterval)
	}()

	h.logger.Info("Container started", "instance", h.instance)
	return nil
}

// Instantiate creates a component of class in this container and hosts it
func (h *Host) Instantiate(
	ctx context.Context, class, name, role string, args component.Args,
) (component.Component, error) {
	if err := h.checkRunning("Instantiate"); err != nil {
		return nil, err
	}
	h.mu.RLock()
	_, exists := h.hosted[name]
	h.mu.RUnlock()
	if exists {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: component '%s' already exists", errors.ErrConstruction, name),
			"Host", "Instantiate", "duplicate name check")
	}

	c, err := h.registry.Create(class, name, role, args, component.Dependencies{
		Container:       h.name,
		Logger:          h.logger,
		MetricsRegistry: h.metrics,
		Executor:        h.executor,
		Resolver:        h,
		Publisher:       h,
	})
	if err != nil {
		return nil, err
	}
	if err := h.Publish(c); err != nil {
		_ = c.Terminate(ctx)
		return nil, err
	}
	return c, nil
}

// InstantiateIn creates a component in the named container and returns it, as a proxy
// when the container is another one
func (h *Host) InstantiateIn(
	ctx context.Context, container, class, name, role string, args component.Args,
) (component.Component, error) {
	if container == h.name {
		return h.Instantiate(ctx, class, name, role, args)
	}
	r, err := h.remote(ctx, container)
	if err != nil {
		return nil, err
	}
	resp, err := r.call(ctx, request{Op: opInstantiate, Object: name, Class: class, Role: role, Kwargs: args})
	if err != nil {
		return nil, err
	}
	if resp.Description == nil {
		return nil, errors.WrapFatal(fmt.Errorf("no description of '%s'", name), "Host", "InstantiateIn", "decode response")
	}
	p, err := r.component(ctx, name)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Lookup resolves object in container. A component hosted here is returned as is; any
// other is returned as a proxy. Unknown containers and objects fail with
// errors.ErrNotFound.
func (h *Host) Lookup(ctx context.Context, container, object string) (component.Component, error) {
	if container == h.name {
		if hc := h.hostedComponent(object); hc != nil {
			return hc.comp, nil
		}
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %s/%s", errors.ErrNotFound, container, object), "Host", "Lookup", "find component")
	}
	r, err := h.remote(ctx, container)
	if err != nil {
		return nil, err
	}
	p, err := r.component(ctx, object)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Resolve finds a component by name alone, through the directory when it is not hosted
// here
func (h *Host) Resolve(ctx context.Context, name string) (component.Component, error) {
	if hc := h.hostedComponent(name); hc != nil {
		return hc.comp, nil
	}
	if h.directory == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: component '%s' (no directory)", errors.ErrNotFound, name), "Host", "Resolve", "find component")
	}
	entry, err := h.directory.Component(ctx, name)
	if err != nil {
		return nil, errors.Wrap(err, "Host", "Resolve", "directory lookup")
	}
	return h.Lookup(ctx, entry.Container, name)
}

// Components returns the names of the hosted components in instantiation order
func (h *Host) Components() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return slices.Clone(h.order)
}

// Health reports every running hosted component and every container this host has
// heard from. A faulted component or a dead container makes the report unhealthy.
func (h *Host) Health() health.Status {
	h.mu.RLock()
	members := make([]*hosted, 0, len(h.order))
	for _, name := range h.order {
		if hc := h.hosted[name]; !hc.terminated.Load() {
			members = append(members, hc)
		}
	}
	h.mu.RUnlock()

	statuses := make([]health.Status, 0, len(members))
	for _, hc := range members {
		name := hc.comp.Name()
		state, err := component.ReadState(hc.comp)
		if err != nil {
			statuses = append(statuses, health.NewUnhealthy(name, "state unreadable"))
			continue
		}
		if state.Phase == component.PhaseStopped {
			continue
		}
		statuses = append(statuses, health.FromComponentState(name, string(state.Phase), state.Err, hc.since))
	}
	statuses = append(statuses, h.liveness.Monitor().Snapshot()...)
	return health.Aggregate(h.name, statuses)
}

// Ping checks that container answers
func (h *Host) Ping(ctx context.Context, container string) error {
	if container == h.name {
		return h.checkRunning("Ping")
	}
	r, err := h.remote(ctx, container)
	if err != nil {
		return err
	}
	_, err = r.call(ctx, request{Op: opPing})
	return err
}

// TerminateContainer asks another container to terminate itself
func (h *Host) TerminateContainer(ctx context.Context, container string) error {
	if container == h.name {
		return h.Terminate(ctx)
	}
	r, err := h.remote(ctx, container)
	if err != nil {
		return err
	}
	_, err = r.call(ctx, request{Op: opTerminate})
	return err
}

func (h *Host) checkRunning(op string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	switch {
	case h.terminated:
		return errors.Wrap(errors.ErrTerminated, "Host", op, "container "+h.name)
	case !h.started:
		return errors.WrapInvalid(errors.ErrNotStarted, "Host", op, "container "+h.name)
	}
	return nil
}

// Terminate stops every hosted component, newest first, then stops serving. It is
// idempotent.
func (h *Host) Terminate(ctx context.Context) error {
	h.mu.Lock()
	if h.terminated {
		h.mu.Unlock()
		return nil
	}
	h.terminated = true
	started := h.started
	order := slices.Clone(h.order)
	h.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		if err := h.terminateComponent(ctx, order[i]); err != nil {
			errs = append(errs, err)
		}
	}

	if started {
		h.mu.Lock()
		h.unsubscribeLocked()
		flowSubs := h.flowSubs
		h.flowSubs = make(map[string]*flowSub)
		remotes := h.remotes
		h.remotes = make(map[string]*remote)
		h.mu.Unlock()

		for _, fs := range flowSubs {
			fs.sub.Unsubscribe()
		}
		for _, r := range remotes {
			r.close(errors.ErrTerminated)
		}

		if data, err := json.Marshal(heartbeat{Instance: h.instance, At: time.Now()}); err == nil {
			_ = h.client.Publish(terminatedSubject(h.name), data)
			_ = h.client.Flush(ctx)
		}
		if h.directory != nil {
			if err := h.directory.UnregisterContainer(ctx, h.name, order); err != nil {
				h.logger.Warn("Container deregistration failed", "error", err)
			}
		}
		h.cancel()
		if h.ownExecutor {
			if err := h.executor.Stop(5 * time.Second); err != nil {
				errs = append(errs, err)
			}
		}
		h.wg.Wait()
	}

	close(h.done)
	h.logger.Info("Container terminated")
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), "Host", "Terminate", "terminate components")
	}
	return nil
}

func (h *Host) unsubscribeLocked() {
	for _, sub := range h.subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Debug("Unsubscribe failed", "subject", sub.Subject(), "error", err)
		}
	}
	h.subs = nil
}
