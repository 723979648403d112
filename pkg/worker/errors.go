package worker

import (
	"context"
	"fmt"

	"github.com/European-XFEL/Karabo-sub009/errors"
)

// Pool errors wrap the runtime kinds, so a slot dispatcher can tell a pool
// that is going away (errors.ErrShuttingDown) from one that is overloaded
// (errors.ErrQueueFull) without knowing about this package.
var (
	ErrPoolNotStarted     = fmt.Errorf("worker pool: %w", errors.ErrNotStarted)
	ErrPoolStopped        = fmt.Errorf("worker pool: %w", errors.ErrShuttingDown)
	ErrPoolAlreadyStarted = fmt.Errorf("worker pool: %w", errors.ErrAlreadyStarted)
	ErrQueueFull          = fmt.Errorf("worker pool: %w", errors.ErrQueueFull)
	ErrNilProcessor       = fmt.Errorf("worker pool: nil processor: %w", errors.ErrInvalidConfig)
	// ErrStopTimeout is returned by Stop while a handler is still running.
	ErrStopTimeout = fmt.Errorf("worker pool: workers still busy: %w", context.DeadlineExceeded)
)
