// Package retry provides retry loops for transient failures.
//
// # Overview
//
// Two shapes are offered. Do retries a bounded number of times with exponential
// backoff, used for connecting display sinks to external services. Forever
// retries at a fixed interval until success or cancellation, used to wait for a
// shared-memory producer that may not exist yet.
//
// # Functions
//
//   - Do / DoWithResult: bounded attempts with exponential backoff
//   - Forever / ForeverWithResult: unbounded attempts with a fixed interval
//   - Sleep: a context-aware sleep
//   - Reporter: report-once suppression of repeated failures
//
// # Usage Examples
//
// Connecting a sink:
//
//	err := retry.Do(ctx, retry.Quick(), func() error {
//	    return client.Connect(ctx)
//	})
//
// Waiting for a producer, logging each distinct failure once:
//
//	rep := retry.NewReporter(errors.StreamErrorKind)
//	h, err := retry.ForeverWithResult(ctx, time.Second, func() (*imagestream.Handle, error) {
//	    return imagestream.Attach(ctx, opts)
//	}, func(err error, attempt int) {
//	    if rep.ShouldReport(err) {
//	        logger.Warn("attach failed, retrying", "error", err, "attempt", attempt)
//	    }
//	})
//
// Errors wrapped with NonRetryable stop both loops immediately.
package retry
