// Package retry provides exponential backoff for operations that fail
// transiently, such as binding a listener or dialing an emitter.
//
// Presets:
//
//   - DefaultConfig(): 3 attempts, 100ms-5s delay
//   - Bind(): 5 attempts, 50ms-500ms delay, for sockets at startup
//   - Reconnect(): unlimited attempts, 250ms-10s delay, stopped by ctx
//
// Basic use:
//
//	err := retry.Do(ctx, retry.Bind(), func() error {
//	    ln, err = net.Listen("tcp", addr)
//	    return err
//	})
//
// Wrap an error with NonRetryable to stop immediately. Set OnRetry to log each
// backoff. Backoff exposes the delay schedule to loops that manage their own
// attempts.
//
// All retry operations return as soon as ctx is cancelled, whether during the
// operation or during the backoff sleep.
package retry
