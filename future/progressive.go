package future

import (
	"sync"
	"time"

	"github.com/c360/semscope/errors"
)

// UpdateFunc receives progress estimates of a progressive future
type UpdateFunc func(f Progressive, elapsed, remaining time.Duration)

// Progressive is a future reporting elapsed and remaining time
type Progressive interface {
	Interface
	AddUpdateCallback(fn UpdateFunc)
	Progress() (elapsed, remaining time.Duration)
}

// ProgressiveFuture is a local future with a start and an expected end time. Every update
// callback is called when registered, on every estimate change, and a last time with a
// remaining time of zero when the future completes.
type ProgressiveFuture struct {
	*Future

	pmu     sync.Mutex
	start   time.Time
	end     time.Time
	stopped time.Time
	updates []UpdateFunc
}

// NewProgressive creates a pending progressive future. Until the producer sets them, the
// start and end times are the creation time.
func NewProgressive(opts ...Option) *ProgressiveFuture {
	now := time.Now()
	pf := &ProgressiveFuture{
		Future: New(opts...),
		start:  now,
		end:    now,
	}
	pf.self = pf
	pf.Future.AddDoneCallback(func(Interface) {
		pf.pmu.Lock()
		pf.stopped = time.Now()
		pf.pmu.Unlock()
		pf.notifyUpdates()
	})
	return pf
}

// SetStartTime sets when the task started or is expected to start
func (pf *ProgressiveFuture) SetStartTime(t time.Time) {
	pf.pmu.Lock()
	pf.start = t
	pf.pmu.Unlock()
	pf.notifyUpdates()
}

// SetEndTime sets when the task is expected to end
func (pf *ProgressiveFuture) SetEndTime(t time.Time) {
	pf.pmu.Lock()
	pf.end = t
	pf.pmu.Unlock()
	pf.notifyUpdates()
}

// SetProgress sets both estimates with a single notification
func (pf *ProgressiveFuture) SetProgress(start, end time.Time) {
	pf.pmu.Lock()
	pf.start, pf.end = start, end
	pf.pmu.Unlock()
	pf.notifyUpdates()
}

// Progress returns the elapsed time since start and the remaining time estimate. Both
// stop moving once the future is complete.
func (pf *ProgressiveFuture) Progress() (elapsed, remaining time.Duration) {
	pf.pmu.Lock()
	defer pf.pmu.Unlock()
	return pf.progressLocked()
}

func (pf *ProgressiveFuture) progressLocked() (time.Duration, time.Duration) {
	now := time.Now()
	if !pf.stopped.IsZero() {
		return max(pf.stopped.Sub(pf.start), 0), 0
	}
	return max(now.Sub(pf.start), 0), max(pf.end.Sub(now), 0)
}

// AddUpdateCallback registers fn and calls it with the current estimate
func (pf *ProgressiveFuture) AddUpdateCallback(fn UpdateFunc) {
	pf.pmu.Lock()
	pf.updates = append(pf.updates, fn)
	elapsed, remaining := pf.progressLocked()
	pf.pmu.Unlock()
	pf.callUpdate(fn, elapsed, remaining)
}

func (pf *ProgressiveFuture) notifyUpdates() {
	pf.pmu.Lock()
	updates := append([]UpdateFunc(nil), pf.updates...)
	elapsed, remaining := pf.progressLocked()
	pf.pmu.Unlock()

	for _, fn := range updates {
		pf.callUpdate(fn, elapsed, remaining)
	}
}

func (pf *ProgressiveFuture) callUpdate(fn UpdateFunc, elapsed, remaining time.Duration) {
	errors.Isolate(func() { fn(pf, elapsed, remaining) }, func(r any) {
		pf.logger.Error("Future update callback panicked", "future", pf.id, "error", errors.PanicError(r))
	})
}
