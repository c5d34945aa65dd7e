// Package reliability provides the retry and failure-handling policies used by
// the broker client.
//
//   - Retry Policies: exponential backoff and fixed delay, bounded or unbounded
//   - Permanent: marks an error so no policy retries it
//   - RequeuePolicy: requeues a failed delivery a limited number of times, then
//     routes it to the error queue
//
// Example usage:
//
//	policy := NewExponentialBackoff(500*time.Millisecond, 30*time.Second, 2, 4)
//	err := Retry(ctx, policy, func() error {
//	    return dial()
//	})
package reliability
