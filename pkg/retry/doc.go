// Package retry runs an operation with exponential backoff.
//
// Reconnect is the schedule for channel errors: 500 ms doubling up to 30 s,
// retried until the context ends. OnRetry reports every failed attempt so a
// connection tracker can publish the disconnected state:
//
//	cfg := retry.Reconnect()
//	cfg.OnRetry = func(attempt int, err error, delay time.Duration) {
//		track(outputID, pipeline.Disconnected)
//	}
//	err := retry.Do(ctx, cfg, func() error {
//		return dial(ctx, outputID)
//	})
//
// An error wrapped with NonRetryable ends the loop at once, as when an
// output refuses the handshake.
package retry
