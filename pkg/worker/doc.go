// Package worker provides a generic, bounded worker pool.
//
// Every signal/slot instance owns one pool with a single worker, which
// serializes its slot handlers so that they never run concurrently for the
// same device.
//
// Submit never blocks and fails with ErrQueueFull when the queue is at
// capacity. SubmitWait blocks until there is room, the context ends or the
// pool is stopped.
//
// A panicking processor does not kill the worker. The panic is recovered,
// counted in PoolStats.Panicked and reported to the WithErrorHandler callback
// as a *PanicError.
//
// Basic use:
//
//	pool := worker.NewPool(1, 256, func(ctx context.Context, call SlotCall) error {
//		return call.Invoke(ctx)
//	}, worker.WithErrorHandler(func(call SlotCall, err error) {
//		logger.Error("slot failed", "slot", call.Slot, "error", err)
//	}))
//	if err := pool.Start(ctx); err != nil {
//		return err
//	}
//	defer pool.Stop(5 * time.Second)
//
// With metrics, exported until Stop:
//
//	pool := worker.NewPool(1, 1024, dispatch,
//		worker.WithMetricsRegistry[func()](registry, "dispatch_"+instanceID))
//
// Pool errors wrap the runtime kinds in the errors package, so callers can
// test for errors.ErrShuttingDown or errors.ErrQueueFull.
//
// Stop closes the queue and waits for queued items to drain, returning
// ErrStopTimeout if the workers are still busy after the timeout.
package worker
