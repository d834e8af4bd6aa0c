// Package retry provides backoff strategies and retry helpers for gateway
// reconnects, REST retries, and store connections.
//
// # Usage
//
// Execute an operation with retry:
//
//	err := retry.Do(ctx, retry.DefaultConfig(), func() error {
//	    return client.Ping(ctx).Err()
//	}, &retry.Options{ShouldRetry: util.IsRetryable})
//
// Reconnect delays for sessions that cannot resume:
//
//	b := retry.NewReconnectBackoff(time.Second, 30*time.Second)
//	delay := b.Next(0)
package retry
