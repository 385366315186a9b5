package errors

// ErrorCategory classifies errors by their nature and retry semantics.
type ErrorCategory string

// Error categories define how failures are handled by the retry policy.
const (
	// CategoryTransient indicates temporary failures where retry may succeed.
	// Examples: backend timeouts, broker disconnects, temporary unavailability.
	CategoryTransient ErrorCategory = "transient"

	// CategoryPermanent indicates failures where retry will not help.
	// Examples: malformed wire data, invalid handler input, precondition violations.
	CategoryPermanent ErrorCategory = "permanent"

	// CategoryResource indicates resource exhaustion or quota issues.
	// Examples: backend rate limiting, connection pool exhaustion.
	CategoryResource ErrorCategory = "resource"

	// CategoryInternal indicates unexpected errors, bugs, or system failures.
	// Examples: recovered panics, corrupted state, assertion failures.
	CategoryInternal ErrorCategory = "internal"
)

// String returns the string representation of the category.
func (c ErrorCategory) String() string {
	return string(c)
}

// IsRetryable returns true if errors in this category may succeed on retry.
func (c ErrorCategory) IsRetryable() bool {
	switch c {
	case CategoryTransient, CategoryResource:
		return true
	default:
		return false
	}
}

// ErrorCode identifies specific failure types within categories.
type ErrorCode string

// Error codes for pipeline failure scenarios.
const (
	// Decode / wire format errors. Malformed bytes never become valid on
	// retry, so these are permanent and route straight to dead-letter.
	ErrCodeDecode ErrorCode = "DECODE"

	// Reasoning backend errors.
	ErrCodeBackendTimeout     ErrorCode = "BACKEND_TIMEOUT"     // Call exceeded its deadline
	ErrCodeBackendUnavailable ErrorCode = "BACKEND_UNAVAILABLE" // Connectivity or 5xx from backend
	ErrCodeBackendRateLimit   ErrorCode = "BACKEND_RATE_LIMIT"  // Backend asked us to slow down
	ErrCodeInvalidRequest     ErrorCode = "INVALID_REQUEST"     // Backend rejected the prompt as malformed

	// Handler errors. An unclassified handler failure is retried up to the
	// attempt cap rather than dead-lettered on first sight.
	ErrCodePrecondition ErrorCode = "HANDLER_PRECONDITION" // Handler input violates its contract
	ErrCodeHandler      ErrorCode = "HANDLER_FAILED"       // Handler failed without classification

	// Broker errors. Connection-level retry is handled separately from
	// per-message retry, but both use the transient classification.
	ErrCodeBrokerUnavailable ErrorCode = "BROKER_UNAVAILABLE"
	ErrCodePublishFailed     ErrorCode = "PUBLISH_FAILED"

	// Configuration errors are fatal at startup, never retried.
	ErrCodeConfiguration ErrorCode = "CONFIGURATION"
	ErrCodeUnknownStage  ErrorCode = "UNKNOWN_STAGE"

	// General errors.
	ErrCodeTimeout      ErrorCode = "TIMEOUT"
	ErrCodeCanceled     ErrorCode = "CANCELED"
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"
	ErrCodeInternal     ErrorCode = "INTERNAL"
	ErrCodePanic        ErrorCode = "PANIC"
)

// String returns the string representation of the error code.
func (c ErrorCode) String() string {
	return string(c)
}

// DefaultCategory returns the default category for an error code.
func (c ErrorCode) DefaultCategory() ErrorCategory {
	switch c {
	case ErrCodeBackendTimeout, ErrCodeBackendUnavailable,
		ErrCodeBrokerUnavailable, ErrCodePublishFailed, ErrCodeTimeout,
		ErrCodeHandler:
		return CategoryTransient

	case ErrCodeBackendRateLimit:
		return CategoryResource

	case ErrCodeDecode, ErrCodeInvalidRequest, ErrCodePrecondition,
		ErrCodeConfiguration, ErrCodeUnknownStage,
		ErrCodeCanceled, ErrCodeInvalidInput:
		return CategoryPermanent

	case ErrCodeInternal, ErrCodePanic:
		return CategoryInternal

	default:
		return CategoryInternal
	}
}

// DefaultRetryable returns whether this error code is typically retryable.
func (c ErrorCode) DefaultRetryable() bool {
	return c.DefaultCategory().IsRetryable()
}

// codeDescriptions provides human-readable descriptions for error codes.
var codeDescriptions = map[ErrorCode]string{
	ErrCodeDecode:             "malformed wire data",
	ErrCodeBackendTimeout:     "reasoning backend timed out",
	ErrCodeBackendUnavailable: "reasoning backend unavailable",
	ErrCodeBackendRateLimit:   "reasoning backend rate limited",
	ErrCodeInvalidRequest:     "backend rejected request",
	ErrCodePrecondition:       "handler precondition violated",
	ErrCodeHandler:            "handler failed",
	ErrCodeBrokerUnavailable:  "broker unavailable",
	ErrCodePublishFailed:      "publish failed",
	ErrCodeConfiguration:      "invalid configuration",
	ErrCodeUnknownStage:       "unknown pipeline stage",
	ErrCodeTimeout:            "operation timed out",
	ErrCodeCanceled:           "operation canceled",
	ErrCodeInvalidInput:       "invalid input provided",
	ErrCodeInternal:           "internal error",
	ErrCodePanic:              "recovered from panic",
}

// Description returns a human-readable description for the error code.
func (c ErrorCode) Description() string {
	if desc, ok := codeDescriptions[c]; ok {
		return desc
	}
	return "unknown error"
}
