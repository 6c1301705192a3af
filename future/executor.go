package future

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/semscope/errors"
	"github.com/c360/semscope/metric"
	"github.com/c360/semscope/pkg/worker"
)

// Task is the body of a future. It must return promptly once ctx is cancelled, ideally
// with ctx.Err(), and check ctx at its safe points.
type Task func(ctx context.Context, f *Future) (any, error)

// ProgressiveTask is the body of a progressive future
type ProgressiveTask func(ctx context.Context, f *ProgressiveFuture) (any, error)

type job struct {
	f   *Future
	run func() (any, error)
}

// Executor runs tasks on a bounded worker pool. Tasks still queued when the executor stops
// are cancelled; tasks running receive a cancelled context.
type Executor struct {
	pool    *worker.Pool[job]
	logger  *slog.Logger
	metrics *metric.Metrics

	ctx    context.Context
	cancel context.CancelFunc
}

// ExecutorOption configures an Executor
type ExecutorOption func(*executorConfig)

type executorConfig struct {
	logger   *slog.Logger
	metrics  *metric.Metrics
	registry *metric.MetricsRegistry
}

// WithExecutorLogger sets the executor logger
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(c *executorConfig) { c.logger = logger }
}

// WithExecutorMetrics records future outcomes and pool statistics in registry
func WithExecutorMetrics(registry *metric.MetricsRegistry) ExecutorOption {
	return func(c *executorConfig) {
		c.registry = registry
		c.metrics = registry.CoreMetrics()
	}
}

// NewExecutor creates an executor with the given number of workers and queue size
func NewExecutor(workers, queueSize int, opts ...ExecutorOption) *Executor {
	cfg := &executorConfig{logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	e := &Executor{
		logger:  cfg.logger.With("component", "executor"),
		metrics: cfg.metrics,
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	poolOpts := []worker.Option[job]{
		worker.WithDiscard(func(j job) { j.f.Cancel() }),
	}
	if cfg.registry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[job](cfg.registry, "future_executor"))
	}
	e.pool = worker.NewPool(workers, queueSize, e.process, poolOpts...)
	return e
}

// Start starts the workers
func (e *Executor) Start(ctx context.Context) error {
	return e.pool.Start(ctx)
}

// Stop cancels queued tasks, cancels the context of running ones and waits for them
func (e *Executor) Stop(timeout time.Duration) error {
	e.cancel()
	return e.pool.Stop(timeout)
}

func (e *Executor) options(opts []Option) []Option {
	base := []Option{WithParent(e.ctx), WithLogger(e.logger)}
	if e.metrics != nil {
		metrics := e.metrics
		base = append(base, WithCompletionHook(func(s State) {
			metrics.RecordFutureCompleted(s.String())
		}))
	}
	return append(base, opts...)
}

// Submit queues task and returns its future. A full queue fails the future with
// errors.ErrResourceExhausted.
func (e *Executor) Submit(task Task, opts ...Option) *Future {
	f := New(e.options(opts)...)
	e.enqueue(job{f: f, run: func() (any, error) { return task(f.Context(), f) }})
	return f
}

// SubmitProgressive queues a progressive task
func (e *Executor) SubmitProgressive(task ProgressiveTask, opts ...Option) *ProgressiveFuture {
	pf := NewProgressive(e.options(opts)...)
	e.enqueue(job{f: pf.Future, run: func() (any, error) { return task(pf.Context(), pf) }})
	return pf
}

func (e *Executor) enqueue(j job) {
	if err := e.pool.Submit(j); err != nil {
		e.logger.Warn("Task rejected", "future", j.f.ID(), "error", err)
		j.f.SetRunning()
		if !stderrors.Is(err, errors.ErrResourceExhausted) {
			err = fmt.Errorf("%w: %w", errors.ErrResourceExhausted, err)
		}
		j.f.SetError(errors.WrapTransient(err, "Executor", "Submit", "queue task"))
	}
}

func (e *Executor) process(_ context.Context, j job) error {
	if e.ctx.Err() != nil {
		j.f.Cancel()
		return nil
	}
	if !j.f.SetRunning() {
		return nil
	}

	var (
		result any
		err    error
	)
	errors.Isolate(func() { result, err = j.run() }, func(r any) {
		err = errors.PanicError(r)
		e.logger.Error("Task panicked", "future", j.f.ID(), "error", err)
	})
	j.f.Finish(result, err)

	if j.f.State() == Failed {
		return err
	}
	return nil
}

// Stats returns the worker pool statistics
func (e *Executor) Stats() worker.PoolStats {
	return e.pool.Stats()
}
