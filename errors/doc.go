// Package errors provides standardized error handling patterns for shmview.
//
// # Overview
//
// Errors are classified into three classes: Transient (temporary, retryable),
// Invalid (bad input or configuration, do not retry) and Fatal (stop processing).
// The classification survives wrapping and works with errors.Is and errors.As.
//
// # Stream conditions
//
// The shared-memory attachment protocol reports its outcomes through a fixed set
// of sentinels:
//
//   - ErrStreamNotFound: the backing file does not exist (yet)
//   - ErrStreamNotReady: the file exists but the producer has not finished creating it
//   - ErrMapFailed, ErrOpenFailed: OS level failures mapping the file or opening the semaphore
//   - ErrUnsupportedElementType, ErrNoDisplayMapping: schema problems in the header
//   - ErrGeometryChanged, ErrProducerGone: re-attach signals raised by the monitor
//
// All of them are transient: the consumer never gives up waiting for a producer.
// Use Stream to attach a sentinel to an underlying cause:
//
//	f, err := os.OpenFile(path, os.O_RDWR, 0)
//	if err != nil {
//	    return errors.Stream(errors.ErrStreamNotFound, err, "imagestream", "Attach", "open stream file")
//	}
//
// StreamErrorKind turns any of them into a short label ("not_found", "not_ready",
// ...) suitable for log attributes and metric labels.
//
// # Error Wrapping Pattern
//
// All error wrapping follows the format:
//
//	"component.method: action failed: %w"
//
//	errors.WrapTransient(err, "Component", "Method", "action")  // For retryable errors
//	errors.WrapInvalid(err, "Component", "Method", "action")    // For validation errors
//	errors.WrapFatal(err, "Component", "Method", "action")      // For unrecoverable errors
//	errors.Wrap(err, "Component", "Method", "action")           // Preserves original class
//
// # Context Cancellation
//
// context.Canceled and context.DeadlineExceeded are classified as transient.
package errors
