package buffer

import (
	"sync/atomic"
)

// Statistics tracks buffer activity. All counters are safe for concurrent use.
type Statistics struct {
	writes    atomic.Int64
	reads     atomic.Int64
	overflows atomic.Int64
	drops     atomic.Int64
	maxSize   atomic.Int64
}

// NewStatistics creates a new statistics tracker.
func NewStatistics() *Statistics {
	return &Statistics{}
}

func (s *Statistics) write(size int) {
	s.writes.Add(1)
	for {
		cur := s.maxSize.Load()
		if int64(size) <= cur || s.maxSize.CompareAndSwap(cur, int64(size)) {
			return
		}
	}
}

func (s *Statistics) read() { s.reads.Add(1) }

func (s *Statistics) drop() {
	s.overflows.Add(1)
	s.drops.Add(1)
}

// Writes returns the total number of accepted writes.
func (s *Statistics) Writes() int64 { return s.writes.Load() }

// Reads returns the total number of items read.
func (s *Statistics) Reads() int64 { return s.reads.Load() }

// Overflows returns the number of writes that found the buffer full.
func (s *Statistics) Overflows() int64 { return s.overflows.Load() }

// Drops returns the total number of dropped items.
func (s *Statistics) Drops() int64 { return s.drops.Load() }

// MaxSize returns the largest number of items held at once.
func (s *Statistics) MaxSize() int64 { return s.maxSize.Load() }

// DropRate returns the fraction of writes that resulted in drops (0.0 to 1.0).
func (s *Statistics) DropRate() float64 {
	attempts := s.Writes() + s.Drops()
	if attempts == 0 {
		return 0.0
	}
	return float64(s.Drops()) / float64(attempts)
}
