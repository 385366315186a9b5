package errors

import (
	"encoding/json"
	"fmt"
	"time"
)

// PipelineError is the interface for all structured errors in coursepipe.
// It extends the standard error interface with the context the retry policy
// and dead-letter routing need.
type PipelineError interface {
	error

	// Code returns the specific error code identifying the failure type.
	Code() ErrorCode

	// Category returns the error category for retry/handling decisions.
	Category() ErrorCategory

	// Retryable returns true if the operation may succeed on retry.
	Retryable() bool

	// Metadata returns additional context as key-value pairs.
	Metadata() map[string]string

	// Unwrap returns the underlying error, if any.
	Unwrap() error
}

// Error is the concrete implementation of PipelineError.
type Error struct {
	code          ErrorCode
	category      ErrorCategory
	message       string
	cause         error
	metadata      map[string]string
	retryable     *bool // nil means use default based on category
	timestamp     time.Time
	correlationID string // related task, if applicable
	stage         string // stage where the failure occurred, if applicable
}

// Ensure Error implements PipelineError and json.Marshaler/Unmarshaler.
var (
	_ PipelineError    = (*Error)(nil)
	_ json.Marshaler   = (*Error)(nil)
	_ json.Unmarshaler = (*Error)(nil)
)

// Error returns the error message.
func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Code returns the error code.
func (e *Error) Code() ErrorCode {
	return e.code
}

// Category returns the error category.
func (e *Error) Category() ErrorCategory {
	return e.category
}

// Retryable returns whether this error is retryable.
func (e *Error) Retryable() bool {
	if e.retryable != nil {
		return *e.retryable
	}
	return e.category.IsRetryable()
}

// Metadata returns the error metadata.
func (e *Error) Metadata() map[string]string {
	if e.metadata == nil {
		return make(map[string]string)
	}
	// Return a copy to prevent modification
	result := make(map[string]string, len(e.metadata))
	for k, v := range e.metadata {
		result[k] = v
	}
	return result
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// Timestamp returns when the error occurred.
func (e *Error) Timestamp() time.Time {
	return e.timestamp
}

// CorrelationID returns the related task's correlation id, if set.
func (e *Error) CorrelationID() string {
	return e.correlationID
}

// Stage returns the stage where the failure occurred, if set.
func (e *Error) Stage() string {
	return e.stage
}

// errorJSON is the JSON representation of an Error.
type errorJSON struct {
	Code          ErrorCode         `json:"code"`
	Category      ErrorCategory     `json:"category"`
	Message       string            `json:"message"`
	Cause         string            `json:"cause,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Retryable     bool              `json:"retryable"`
	Timestamp     string            `json:"timestamp,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Stage         string            `json:"stage,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (e *Error) MarshalJSON() ([]byte, error) {
	j := errorJSON{
		Code:          e.code,
		Category:      e.category,
		Message:       e.message,
		Metadata:      e.metadata,
		Retryable:     e.Retryable(),
		CorrelationID: e.correlationID,
		Stage:         e.stage,
	}
	if e.cause != nil {
		j.Cause = e.cause.Error()
	}
	if !e.timestamp.IsZero() {
		j.Timestamp = e.timestamp.Format(time.RFC3339Nano)
	}
	return json.Marshal(j)
}

// UnmarshalJSON implements json.Unmarshaler.
func (e *Error) UnmarshalJSON(data []byte) error {
	var j errorJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	e.code = j.Code
	e.category = j.Category
	e.message = j.Message
	e.metadata = j.Metadata
	e.correlationID = j.CorrelationID
	e.stage = j.Stage
	r := j.Retryable
	e.retryable = &r
	if j.Cause != "" {
		e.cause = fmt.Errorf("%s", j.Cause)
	}
	if j.Timestamp != "" {
		if t, err := time.Parse(time.RFC3339Nano, j.Timestamp); err == nil {
			e.timestamp = t
		}
	}
	return nil
}

// Option is a functional option for configuring an Error.
type Option func(*Error)

// WithCategory overrides the default category.
func WithCategory(cat ErrorCategory) Option {
	return func(e *Error) {
		e.category = cat
	}
}

// WithRetryable explicitly sets whether the error is retryable.
func WithRetryable(retryable bool) Option {
	return func(e *Error) {
		e.retryable = &retryable
	}
}

// WithMetadata adds a metadata key-value pair.
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = make(map[string]string)
		}
		e.metadata[key] = value
	}
}

// WithCorrelationID sets the related task's correlation id.
func WithCorrelationID(id string) Option {
	return func(e *Error) {
		e.correlationID = id
	}
}

// WithStage sets the stage where the failure occurred.
func WithStage(stage string) Option {
	return func(e *Error) {
		e.stage = stage
	}
}

// WithTimestamp sets a custom timestamp.
func WithTimestamp(t time.Time) Option {
	return func(e *Error) {
		e.timestamp = t
	}
}

// WithCause sets the underlying cause.
func WithCause(cause error) Option {
	return func(e *Error) {
		e.cause = cause
	}
}

// New creates a new Error with the given code and message.
func New(code ErrorCode, message string, opts ...Option) *Error {
	e := &Error{
		code:      code,
		category:  code.DefaultCategory(),
		message:   message,
		timestamp: time.Now(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Newf creates a new Error with a formatted message.
func Newf(code ErrorCode, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// FromCode creates an error with the default description for the code.
func FromCode(code ErrorCode, opts ...Option) *Error {
	return New(code, code.Description(), opts...)
}

// Decode creates a decode error. Decode errors are never retried.
func Decode(message string, opts ...Option) *Error {
	return New(ErrCodeDecode, message, opts...)
}

// BackendTimeout creates a reasoning-backend timeout error.
func BackendTimeout(message string, opts ...Option) *Error {
	return New(ErrCodeBackendTimeout, message, opts...)
}

// BackendUnavailable creates a backend connectivity/server error.
func BackendUnavailable(message string, opts ...Option) *Error {
	return New(ErrCodeBackendUnavailable, message, opts...)
}

// RateLimited creates a backend rate-limit error.
func RateLimited(message string, opts ...Option) *Error {
	return New(ErrCodeBackendRateLimit, message, opts...)
}

// InvalidRequest creates an invalid-request error (backend rejected the prompt).
func InvalidRequest(message string, opts ...Option) *Error {
	return New(ErrCodeInvalidRequest, message, opts...)
}

// Precondition creates a handler precondition error.
func Precondition(message string, opts ...Option) *Error {
	return New(ErrCodePrecondition, message, opts...)
}

// BrokerUnavailable creates a broker connectivity error.
func BrokerUnavailable(message string, opts ...Option) *Error {
	return New(ErrCodeBrokerUnavailable, message, opts...)
}

// Configuration creates a fatal configuration error.
func Configuration(message string, opts ...Option) *Error {
	return New(ErrCodeConfiguration, message, opts...)
}

// UnknownStage creates an unknown-stage configuration error.
func UnknownStage(stage string, opts ...Option) *Error {
	opts = append([]Option{WithStage(stage)}, opts...)
	return New(ErrCodeUnknownStage, fmt.Sprintf("unknown pipeline stage %q", stage), opts...)
}

// Internal creates an internal error.
func Internal(message string, opts ...Option) *Error {
	return New(ErrCodeInternal, message, opts...)
}
