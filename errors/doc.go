// Package errors provides the structured error taxonomy for the course
// pipeline. Every failure a stage agent can see is classified here, and the
// classification drives the retry/dead-letter decision.
//
// # Error Categories
//
// Errors are classified into four categories:
//
//   - Transient: Temporary failures where retry may succeed (backend timeout,
//     broker disconnect)
//   - Permanent: Failures where retry will not help (malformed wire data,
//     precondition violations)
//   - Resource: Resource exhaustion (backend rate limits)
//   - Internal: Unexpected errors indicating bugs or system failures
//
// Transient and resource errors are retryable; permanent and internal errors
// route to dead-letter. Errors that are not pipeline Errors at all are NOT
// retryable: unknown failures must never loop forever.
//
// # Usage
//
// Create a new error:
//
//	err := errors.BackendTimeout("outline generation timed out")
//
// Wrap an existing error with context:
//
//	wrapped := errors.Wrap(err, "invoking stage handler")
//
// Check if an error is retryable:
//
//	if errors.IsRetryable(err) {
//	    // republish with incremented attempt count
//	}
//
// # JSON Serialization
//
// Errors marshal to JSON so they can travel inside a dead-lettered
// envelope's error context:
//
//	data, err := json.Marshal(pipeErr)
package errors
