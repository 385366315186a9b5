// Package envelope defines the unit of work flowing through every pipeline
// topic and its wire codec.
//
// An Envelope is immutable once published. Stage agents never mutate one in
// place; they derive the successor with Next, Retry, or DeadLetter, which
// always carry the correlation id forward unchanged.
package envelope

import (
	"time"

	"github.com/coursepipe/coursepipe/errors"
)

// Envelope is the unit of work flowing through every topic. It carries a
// task's current artifact plus the metadata needed for routing, retries,
// and tracing.
type Envelope struct {
	// CorrelationID is assigned once at task entry and immutable for the
	// envelope's entire lifetime. It is the partition key source, so all
	// messages for one task stay ordered on one partition.
	CorrelationID string `json:"correlation_id"`

	// Stage is the ordinal of the pipeline stage that produced this
	// envelope. It strictly increases along the declared stage order.
	Stage int `json:"stage"`

	// StageName is the name of the producing stage, for humans reading
	// dead-letter topics. Routing uses Stage, never StageName.
	StageName string `json:"stage_name,omitempty"`

	// Payload is the stage-specific artifact.
	Payload Payload `json:"payload"`

	// AttemptCount is incremented on every retry of the current stage and
	// reset to zero on stage transition.
	AttemptCount int `json:"attempt_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// ErrorContext is populated only when the envelope is routed to a
	// dead-letter topic.
	ErrorContext *ErrorContext `json:"error_context,omitempty"`
}

// ErrorContext carries the last failure's classification and message on a
// dead-lettered envelope, enabling inspection and manual replay after a fix.
type ErrorContext struct {
	// Kind is the coarse taxonomy name, e.g. "TransientBackendError".
	Kind string `json:"kind"`

	// Code is the fine-grained error code, e.g. "BACKEND_TIMEOUT".
	Code string `json:"code,omitempty"`

	Message    string    `json:"message"`
	Stage      string    `json:"stage,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Taxonomy kind names used in ErrorContext.Kind.
const (
	KindDecode           = "DecodeError"
	KindTransientBackend = "TransientBackendError"
	KindPermanentHandler = "PermanentHandlerError"
	KindBrokerUnavailable = "BrokerUnavailableError"
	KindConfiguration    = "ConfigurationError"
	KindInternal         = "InternalError"
)

// KindForError maps a classified error to its taxonomy kind name.
func KindForError(err error) string {
	switch errors.Code(err) {
	case errors.ErrCodeDecode:
		return KindDecode
	case errors.ErrCodeBackendTimeout, errors.ErrCodeBackendUnavailable,
		errors.ErrCodeBackendRateLimit, errors.ErrCodeTimeout:
		return KindTransientBackend
	case errors.ErrCodeBrokerUnavailable, errors.ErrCodePublishFailed:
		return KindBrokerUnavailable
	case errors.ErrCodeConfiguration, errors.ErrCodeUnknownStage:
		return KindConfiguration
	case errors.ErrCodeInvalidRequest, errors.ErrCodePrecondition,
		errors.ErrCodeHandler, errors.ErrCodeInvalidInput:
		return KindPermanentHandler
	default:
		return KindInternal
	}
}

// ErrorContextFor builds an ErrorContext from a classified error.
func ErrorContextFor(err error, stage string) *ErrorContext {
	return &ErrorContext{
		Kind:       KindForError(err),
		Code:       string(errors.Code(err)),
		Message:    err.Error(),
		Stage:      stage,
		OccurredAt: time.Now(),
	}
}

// New creates the entry envelope for a task: stage 0, attempt count 0.
func New(correlationID string, payload Payload) *Envelope {
	now := time.Now().UTC()
	return &Envelope{
		CorrelationID: correlationID,
		Stage:         0,
		Payload:       payload,
		AttemptCount:  0,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Next derives the successor envelope for a successful stage transition:
// stage incremented, attempt count reset, correlation id and creation time
// carried forward.
func (e *Envelope) Next(stageName string, payload Payload) *Envelope {
	return &Envelope{
		CorrelationID: e.CorrelationID,
		Stage:         e.Stage + 1,
		StageName:     stageName,
		Payload:       payload,
		AttemptCount:  0,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}
}

// Retry derives the envelope republished to the same input topic after a
// retryable failure: same stage and payload, attempt count incremented.
func (e *Envelope) Retry() *Envelope {
	return &Envelope{
		CorrelationID: e.CorrelationID,
		Stage:         e.Stage,
		StageName:     e.StageName,
		Payload:       e.Payload,
		AttemptCount:  e.AttemptCount + 1,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
	}
}

// DeadLetter derives the envelope published to a dead-letter topic,
// augmented with the failure's error context.
func (e *Envelope) DeadLetter(ec *ErrorContext) *Envelope {
	return &Envelope{
		CorrelationID: e.CorrelationID,
		Stage:         e.Stage,
		StageName:     e.StageName,
		Payload:       e.Payload,
		AttemptCount:  e.AttemptCount,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     time.Now().UTC(),
		ErrorContext:  ec,
	}
}

// Validate checks structural invariants. A violation is a decode-class
// failure: the envelope can never become valid on retry.
func (e *Envelope) Validate() error {
	if e.CorrelationID == "" {
		return errors.Decode("envelope missing correlation_id")
	}
	if e.Stage < 0 {
		return errors.Decode("envelope stage is negative")
	}
	if e.AttemptCount < 0 {
		return errors.Decode("envelope attempt_count is negative")
	}
	return nil
}

// Age returns how long the task has been in flight, for staleness detection.
func (e *Envelope) Age(now time.Time) time.Duration {
	return now.Sub(e.CreatedAt)
}
