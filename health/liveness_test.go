package health

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestLiveness_BeatThenTimeout(t *testing.T) {
	var transitions []bool
	l := NewLiveness(time.Second, func(name string, alive bool) {
		if name != "det" {
			t.Errorf("unexpected container %s", name)
		}
		transitions = append(transitions, alive)
	})
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l.clock = clock.Now

	l.Beat("det")
	l.Beat("det")
	clock.Advance(500 * time.Millisecond)
	l.Sweep()
	if _, dead := l.Dead("det"); dead {
		t.Fatal("container should still be alive")
	}

	clock.Advance(2 * time.Second)
	l.Sweep()
	reason, dead := l.Dead("det")
	if !dead || reason != "heartbeat timeout" {
		t.Fatalf("expected heartbeat timeout, got %q dead=%v", reason, dead)
	}

	if len(transitions) != 2 || !transitions[0] || transitions[1] {
		t.Errorf("unexpected transitions %v", transitions)
	}

	status, ok := l.Monitor().Get("det")
	if !ok || !status.IsUnhealthy() {
		t.Errorf("monitor should report det unhealthy, got %+v", status)
	}
}

func TestLiveness_DeadIsFinalUntilForget(t *testing.T) {
	l := NewLiveness(time.Second, nil)

	l.Beat("stage")
	l.MarkDead("stage", "terminated")
	l.MarkDead("stage", "again")
	l.Beat("stage")

	if reason, dead := l.Dead("stage"); !dead || reason != "terminated" {
		t.Fatalf("expected terminated, got %q", reason)
	}

	l.Forget("stage")
	if _, dead := l.Dead("stage"); dead {
		t.Fatal("forget should clear the dead mark")
	}
	if l.Monitor().Count() != 0 {
		t.Error("forget should drop the monitor entry")
	}
}

func TestLiveness_Run(t *testing.T) {
	died := make(chan string, 1)
	l := NewLiveness(20*time.Millisecond, func(name string, alive bool) {
		if !alive {
			died <- name
		}
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx, 5*time.Millisecond)

	l.Beat("cam")
	select {
	case name := <-died:
		if name != "cam" {
			t.Errorf("unexpected %s", name)
		}
	case <-time.After(time.Second):
		t.Fatal("container never declared dead")
	}
}
