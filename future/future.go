// Package future implements cancellable handles to asynchronous work.
//
// A Future moves Pending -> Running -> Finished | Failed | Cancelled, or Pending -> Cancelled
// when cancelled before it starts. Transitions are one-way. Cancelling a running task is a
// request: the task context is cancelled and the optional cancel hook decides whether the
// request is accepted. An accepted request always ends in Cancelled once the task returns,
// whatever the task produced.
package future

import (
	"context"
	stderrors "errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/c360/semscope/errors"
)

// State of a future
type State int

const (
	// Pending means the task has not started
	Pending State = iota
	// Running means the task is executing
	Running
	// Finished means the task returned a result
	Finished
	// Failed means the task returned an error
	Failed
	// Cancelled means the task was cancelled before or while running
	Cancelled
)

var stateNames = map[State]string{
	Pending:   "pending",
	Running:   "running",
	Finished:  "finished",
	Failed:    "failed",
	Cancelled: "cancelled",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "unknown"
}

// Terminal reports whether no further transition is possible
func (s State) Terminal() bool {
	return s == Finished || s == Failed || s == Cancelled
}

// ParseState converts a state name back to a State
func ParseState(name string) (State, bool) {
	for s, n := range stateNames {
		if n == name {
			return s, true
		}
	}
	return Pending, false
}

// Interface is the caller-facing side of a future, shared by local futures and proxies
type Interface interface {
	ID() string
	State() State
	Running() bool
	Done() bool
	Cancelled() bool
	Cancel() bool
	Wait(ctx context.Context) error
	Result(ctx context.Context) (any, error)
	Exception(ctx context.Context) error
	AddDoneCallback(fn func(Interface))
}

// Future is a local future, driven by its producer
type Future struct {
	id     string
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu              sync.Mutex
	state           State
	cancelRequested bool
	result          any
	err             error
	done            chan struct{}
	callbacks       []func(Interface)
	cancelHook      func() bool
	onComplete      func(State)

	// self is the value handed to callbacks, the embedding type when there is one
	self Interface
}

// Option configures a Future
type Option func(*Future)

// WithLogger sets the logger used to report callback panics
func WithLogger(logger *slog.Logger) Option {
	return func(f *Future) { f.logger = logger }
}

// WithParent derives the task context from ctx
func WithParent(ctx context.Context) Option {
	return func(f *Future) {
		f.ctx, f.cancel = context.WithCancel(ctx)
	}
}

// WithCancelHook installs the best-effort hook run when a running task is cancelled. It
// returns false to refuse the cancellation.
func WithCancelHook(fn func() bool) Option {
	return func(f *Future) { f.cancelHook = fn }
}

// WithCompletionHook registers fn to run with the terminal state
func WithCompletionHook(fn func(State)) Option {
	return func(f *Future) { f.onComplete = fn }
}

// WithID sets the future id instead of generating one
func WithID(id string) Option {
	return func(f *Future) { f.id = id }
}

// New creates a pending future
func New(opts ...Option) *Future {
	f := &Future{
		id:     uuid.NewString(),
		logger: slog.Default(),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.ctx == nil {
		f.ctx, f.cancel = context.WithCancel(context.Background())
	}
	f.self = f
	return f
}

// ID returns the future id
func (f *Future) ID() string {
	return f.id
}

// Context is cancelled when cancellation of the task is requested
func (f *Future) Context() context.Context {
	return f.ctx
}

// State returns the current state
func (f *Future) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Running reports whether the task is executing
func (f *Future) Running() bool { return f.State() == Running }

// Done reports whether the future reached a terminal state
func (f *Future) Done() bool { return f.State().Terminal() }

// Cancelled reports whether the future ended cancelled
func (f *Future) Cancelled() bool { return f.State() == Cancelled }

// CancelRequested reports whether a cancellation of the running task was accepted
func (f *Future) CancelRequested() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.cancelRequested || f.state == Cancelled
}

// SetCancelHook replaces the cancel hook. Tasks use it once they know how to abort.
func (f *Future) SetCancelHook(fn func() bool) {
	f.mu.Lock()
	f.cancelHook = fn
	f.mu.Unlock()
}

// SetRunning moves a pending future to Running. It returns false if the future was
// cancelled or already started, in which case the task must not run.
func (f *Future) SetRunning() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != Pending {
		return false
	}
	f.state = Running
	return true
}

// Cancel requests cancellation. It returns false if the future already completed or the
// cancel hook refused. Cancelling a pending future always succeeds immediately.
func (f *Future) Cancel() bool {
	f.mu.Lock()
	switch {
	case f.state.Terminal():
		f.mu.Unlock()
		return false
	case f.state == Pending:
		callbacks := f.completeLocked(Cancelled, nil, errors.ErrCancelled)
		f.mu.Unlock()
		f.finalize(Cancelled, callbacks)
		return true
	case f.cancelRequested:
		f.mu.Unlock()
		return true
	}
	hook := f.cancelHook
	f.mu.Unlock()

	if hook != nil && !hook() {
		return false
	}

	f.mu.Lock()
	if f.state.Terminal() {
		cancelled := f.state == Cancelled
		f.mu.Unlock()
		return cancelled
	}
	f.cancelRequested = true
	f.mu.Unlock()
	f.cancel()
	return true
}

// Finish records the outcome of the task. An accepted cancellation, or a task returning
// the cancellation of its own context, ends Cancelled. Once Cancel has returned true the
// future cannot end in any other state.
func (f *Future) Finish(result any, err error) bool {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return false
	}

	state := Finished
	switch {
	case f.cancelRequested:
		state, result, err = Cancelled, nil, errors.ErrCancelled
	case err != nil && stderrors.Is(err, context.Canceled) && f.ctx.Err() != nil:
		state, result, err = Cancelled, nil, errors.ErrCancelled
	case err != nil:
		state, result = Failed, nil
	}
	callbacks := f.completeLocked(state, result, err)
	f.mu.Unlock()
	f.finalize(state, callbacks)
	return true
}

// SetResult completes the future with a result
func (f *Future) SetResult(result any) bool {
	return f.Finish(result, nil)
}

// SetError completes the future with an error
func (f *Future) SetError(err error) bool {
	if err == nil {
		err = errors.WrapFatal(stderrors.New("nil error"), "Future", "SetError", "record failure")
	}
	return f.Finish(nil, err)
}

// Settle completes the future in a terminal state decided elsewhere. Mirrors of remote
// futures use it to replay the outcome of the remote task.
func (f *Future) Settle(state State, result any, err error) bool {
	switch state {
	case Finished:
		err = nil
	case Failed:
		result = nil
		if err == nil {
			err = errors.WrapFatal(stderrors.New("nil error"), "Future", "Settle", "record failure")
		}
	case Cancelled:
		result, err = nil, errors.ErrCancelled
	default:
		return false
	}
	return f.complete(state, result, err)
}

func (f *Future) complete(state State, result any, err error) bool {
	f.mu.Lock()
	if f.state.Terminal() {
		f.mu.Unlock()
		return false
	}
	callbacks := f.completeLocked(state, result, err)
	f.mu.Unlock()
	f.finalize(state, callbacks)
	return true
}

func (f *Future) completeLocked(state State, result any, err error) []func(Interface) {
	f.state = state
	f.result = result
	f.err = err
	callbacks := f.callbacks
	f.callbacks = nil
	close(f.done)
	return callbacks
}

func (f *Future) finalize(state State, callbacks []func(Interface)) {
	f.cancel()
	if f.onComplete != nil {
		f.onComplete(state)
	}
	for _, fn := range callbacks {
		f.call(fn)
	}
}

func (f *Future) call(fn func(Interface)) {
	errors.Isolate(func() { fn(f.self) }, func(r any) {
		f.logger.Error("Future done callback panicked", "future", f.id, "error", errors.PanicError(r))
	})
}

// AddDoneCallback registers fn to run once the future completes. On a completed future fn
// runs immediately in the calling goroutine.
func (f *Future) AddDoneCallback(fn func(Interface)) {
	f.mu.Lock()
	if !f.state.Terminal() {
		f.callbacks = append(f.callbacks, fn)
		f.mu.Unlock()
		return
	}
	f.mu.Unlock()
	f.call(fn)
}

// Wait blocks until the future completes. A ctx deadline maps to errors.ErrTimeout.
func (f *Future) Wait(ctx context.Context) error {
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		if stderrors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.ErrTimeout
		}
		return ctx.Err()
	}
}

// Result waits for completion and returns the task result, the task error, or
// errors.ErrCancelled.
func (f *Future) Result(ctx context.Context) (any, error) {
	if err := f.Wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

// Exception waits for completion and returns the task error, nil on success
func (f *Future) Exception(ctx context.Context) error {
	_, err := f.Result(ctx)
	return err
}

// Outcome returns the terminal state, result and error without waiting
func (f *Future) Outcome() (State, any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, f.result, f.err
}
