package health

import (
	"context"
	"sync"
	"time"
)

// Liveness tracks heartbeats of remote containers. A container is alive from its first
// heartbeat until it misses the timeout or is explicitly marked dead. Dead is final:
// a container that comes back must be re-registered with Forget first.
type Liveness struct {
	timeout  time.Duration
	monitor  *Monitor
	onChange func(name string, alive bool)

	mu    sync.Mutex
	last  map[string]time.Time
	dead  map[string]string
	clock func() time.Time
}

// NewLiveness creates a tracker declaring a container dead after timeout without
// heartbeat. onChange, if set, is called outside the lock on every transition.
func NewLiveness(timeout time.Duration, onChange func(name string, alive bool)) *Liveness {
	return &Liveness{
		timeout:  timeout,
		monitor:  NewMonitor(),
		onChange: onChange,
		last:     make(map[string]time.Time),
		dead:     make(map[string]string),
		clock:    time.Now,
	}
}

// Monitor returns the health monitor fed by this tracker
func (l *Liveness) Monitor() *Monitor {
	return l.monitor
}

// Beat records a heartbeat. Heartbeats of dead containers are ignored.
func (l *Liveness) Beat(name string) {
	l.mu.Lock()
	if _, dead := l.dead[name]; dead {
		l.mu.Unlock()
		return
	}
	_, known := l.last[name]
	l.last[name] = l.clock()
	l.mu.Unlock()

	if !known {
		l.monitor.Update(name, NewHealthy(name, "heartbeat received"))
		l.notify(name, true)
	}
}

// MarkDead declares a container dead with the given reason
func (l *Liveness) MarkDead(name, reason string) {
	l.mu.Lock()
	if _, dead := l.dead[name]; dead {
		l.mu.Unlock()
		return
	}
	l.dead[name] = reason
	delete(l.last, name)
	l.mu.Unlock()

	l.monitor.Update(name, NewUnhealthy(name, reason))
	l.notify(name, false)
}

// Dead reports whether the container was declared dead and why
func (l *Liveness) Dead(name string) (string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	reason, dead := l.dead[name]
	return reason, dead
}

// Forget drops every record of a container
func (l *Liveness) Forget(name string) {
	l.mu.Lock()
	delete(l.last, name)
	delete(l.dead, name)
	l.mu.Unlock()
	l.monitor.Remove(name)
}

// Sweep declares dead every container whose last heartbeat is older than the timeout
func (l *Liveness) Sweep() {
	now := l.clock()
	var expired []string

	l.mu.Lock()
	for name, seen := range l.last {
		if now.Sub(seen) > l.timeout {
			expired = append(expired, name)
		}
	}
	l.mu.Unlock()

	for _, name := range expired {
		l.MarkDead(name, "heartbeat timeout")
	}
}

// Run sweeps periodically until ctx is done
func (l *Liveness) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.Sweep()
		}
	}
}

func (l *Liveness) notify(name string, alive bool) {
	if l.onChange != nil {
		l.onChange(name, alive)
	}
}
