// Package trace correlates a task's journey across pipeline stages. The
// correlation id is minted once at entry and copied forward unchanged; every
// broker interaction can be recorded as a Transition, and the ordered history
// of any task can be rebuilt from those records alone. The correlator itself
// stores nothing durable.
package trace

import (
	"bufio"
	"encoding/json"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
)

// NewCorrelationID mints a fresh task identity.
func NewCorrelationID() string {
	return uuid.NewString()
}

// Transition event names.
const (
	EventConsumed     = "consumed"
	EventProduced     = "produced"
	EventRetried      = "retried"
	EventDeadLettered = "dead_lettered"
	EventCompleted    = "completed"
)

// Transition is one observed movement of a task through the pipeline.
type Transition struct {
	CorrelationID string    `json:"correlation_id"`
	Event         string    `json:"event"`
	Stage         int       `json:"stage"`
	StageName     string    `json:"stage_name,omitempty"`
	Topic         string    `json:"topic,omitempty"`
	Attempt       int       `json:"attempt"`
	At            time.Time `json:"at"`

	// Error carries the failure context on retried and dead-lettered
	// transitions.
	Error *envelope.ErrorContext `json:"error_context,omitempty"`
}

// FromEnvelope builds a transition from an envelope at an observation point.
func FromEnvelope(event, topic string, env *envelope.Envelope, at time.Time) Transition {
	return Transition{
		CorrelationID: env.CorrelationID,
		Event:         event,
		Stage:         env.Stage,
		StageName:     env.StageName,
		Topic:         topic,
		Attempt:       env.AttemptCount,
		At:            at,
		Error:         env.ErrorContext,
	}
}

// Recorder accumulates transitions in memory. Safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	transitions []Transition
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record appends one transition.
func (r *Recorder) Record(t Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, t)
}

// Snapshot returns a copy of all recorded transitions.
func (r *Recorder) Snapshot() []Transition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Transition, len(r.transitions))
	copy(out, r.transitions)
	return out
}

// WriteTo writes the recorded transitions as one JSON object per line.
func (r *Recorder) WriteTo(w io.Writer) (int64, error) {
	var written int64
	enc := json.NewEncoder(w)
	for _, t := range r.Snapshot() {
		if err := enc.Encode(t); err != nil {
			return written, err
		}
		written++
	}
	return written, nil
}

// ReadLog parses a JSON-lines transition log. Blank lines are skipped; a
// malformed line fails the whole read rather than silently dropping history.
func ReadLog(r io.Reader) ([]Transition, error) {
	var out []Transition
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		var t Transition
		if err := json.Unmarshal(raw, &t); err != nil {
			return nil, errors.Decode("transition log line is not valid JSON",
				errors.WithCause(err),
				errors.WithMetadata("line", strconv.Itoa(line)))
		}
		out = append(out, t)
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "read transition log")
	}
	return out, nil
}

// History is the ordered journey of one task.
type History struct {
	CorrelationID string
	Transitions   []Transition
}

// Completed reports whether the task reached the completion topic.
func (h History) Completed() bool {
	for _, t := range h.Transitions {
		if t.Event == EventCompleted {
			return true
		}
	}
	return false
}

// DeadLettered reports whether the task ended on a dead-letter topic.
func (h History) DeadLettered() bool {
	for _, t := range h.Transitions {
		if t.Event == EventDeadLettered {
			return true
		}
	}
	return false
}

// LastStage returns the highest stage ordinal the task reached.
func (h History) LastStage() int {
	last := 0
	for _, t := range h.Transitions {
		if t.Stage > last {
			last = t.Stage
		}
	}
	return last
}

// Reconstruct filters the transitions of one correlation id and orders them
// into its history: by stage, then attempt, then observation time. The sort
// is stable, so simultaneous observations keep their recorded order.
func Reconstruct(correlationID string, transitions []Transition) History {
	h := History{CorrelationID: correlationID}
	for _, t := range transitions {
		if t.CorrelationID == correlationID {
			h.Transitions = append(h.Transitions, t)
		}
	}
	sort.SliceStable(h.Transitions, func(i, j int) bool {
		a, b := h.Transitions[i], h.Transitions[j]
		if a.Stage != b.Stage {
			return a.Stage < b.Stage
		}
		if a.Attempt != b.Attempt {
			return a.Attempt < b.Attempt
		}
		return a.At.Before(b.At)
	})
	return h
}

// Correlations returns the distinct correlation ids in a transition set, in
// first-seen order.
func Correlations(transitions []Transition) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range transitions {
		if !seen[t.CorrelationID] {
			seen[t.CorrelationID] = true
			out = append(out, t.CorrelationID)
		}
	}
	return out
}
