package worker

import (
	"fmt"

	"github.com/c360/semscope/errors"
)

// Pool errors wrap the shared sentinels so callers can classify them with errors.Is
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStopped)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool queue full: %w", errors.ErrResourceExhausted)
	ErrNilProcessor       = fmt.Errorf("worker pool: nil processor: %w", errors.ErrInvalidConfig)
	ErrStopTimeout        = fmt.Errorf("worker pool stop: %w", errors.ErrTimeout)
)
