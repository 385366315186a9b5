// Package pipeline declares the directed graph of course-creation stages and
// the topic routing derived from it.
//
// The graph is process-wide configuration: loaded once at startup, validated,
// and read-only thereafter. Changing the topology means redeploying.
package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/retry"
)

// Handler is the stage-specific logic invoked once per delivered envelope.
// Handlers must be idempotent or at-least-once safe: the same envelope may be
// redelivered after a crash or rebalance.
type Handler interface {
	// Handle transforms the envelope's payload into the next stage's
	// payload. Returned errors are classified by the retry policy.
	Handle(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
	return f(ctx, env)
}

// Stage is one step of the pipeline, bound to one input topic and one or
// more output topics.
type Stage struct {
	// Name identifies the stage; topics are derived from it by convention
	// when not set explicitly.
	Name string

	// InputTopic is the topic this stage consumes. Defaults to Name.
	InputTopic string

	// OutputTopics are the topics the successor envelope is published to.
	// Each must be the input of a later stage or the graph's completion
	// topic. Empty is only valid for the terminal stage.
	OutputTopics []string

	// DeadLetterTopic receives permanently failed envelopes.
	// Defaults to InputTopic + ".deadletter".
	DeadLetterTopic string

	// Handler is the stage logic. Required.
	Handler Handler

	// Retry bounds retries for this stage. Zero value uses retry.DefaultPolicy.
	Retry retry.Policy

	// HandlerTimeout bounds each handler invocation. Exceeding it is a
	// retryable failure. Default: 2 minutes.
	HandlerTimeout time.Duration
}

// DefaultHandlerTimeout bounds a handler invocation when the stage does not
// set its own.
const DefaultHandlerTimeout = 2 * time.Minute

// Graph is the validated, ordered set of stages.
type Graph struct {
	stages          []Stage
	byName          map[string]int
	byInput         map[string]int
	completionTopic string
}

// NewGraph validates the stage list and builds the graph. Stages are ordered:
// the slice index is the stage ordinal carried in envelopes. completionTopic
// is where the terminal stage publishes the finished artifact.
//
// All validation failures are configuration errors, fatal at startup.
func NewGraph(completionTopic string, stages ...Stage) (*Graph, error) {
	if len(stages) == 0 {
		return nil, errors.Configuration("pipeline graph has no stages")
	}
	if completionTopic == "" {
		return nil, errors.Configuration("pipeline graph has no completion topic")
	}

	g := &Graph{
		stages:          make([]Stage, len(stages)),
		byName:          make(map[string]int, len(stages)),
		byInput:         make(map[string]int, len(stages)),
		completionTopic: completionTopic,
	}

	for i, s := range stages {
		if s.Name == "" {
			return nil, errors.Newf(errors.ErrCodeConfiguration, "stage %d has no name", i)
		}
		if s.Handler == nil {
			return nil, errors.Newf(errors.ErrCodeConfiguration, "stage %q has no handler", s.Name)
		}
		if s.InputTopic == "" {
			s.InputTopic = s.Name
		}
		if s.DeadLetterTopic == "" {
			s.DeadLetterTopic = s.InputTopic + ".deadletter"
		}
		if s.Retry == (retry.Policy{}) {
			s.Retry = retry.DefaultPolicy()
		}
		if s.HandlerTimeout <= 0 {
			s.HandlerTimeout = DefaultHandlerTimeout
		}

		if _, dup := g.byName[s.Name]; dup {
			return nil, errors.Newf(errors.ErrCodeConfiguration, "duplicate stage name %q", s.Name)
		}
		if _, dup := g.byInput[s.InputTopic]; dup {
			return nil, errors.Newf(errors.ErrCodeConfiguration, "input topic %q bound to two stages", s.InputTopic)
		}

		g.stages[i] = s
		g.byName[s.Name] = i
		g.byInput[s.InputTopic] = i
	}

	// Edges must point strictly forward: no skipping back, no self-loops.
	// An output either feeds a later stage or is the completion topic.
	for i, s := range g.stages {
		if len(s.OutputTopics) == 0 && i != len(g.stages)-1 {
			return nil, errors.Newf(errors.ErrCodeConfiguration,
				"stage %q has no output topics but is not terminal", s.Name)
		}
		for _, out := range s.OutputTopics {
			if out == g.completionTopic {
				continue
			}
			j, ok := g.byInput[out]
			if !ok {
				return nil, errors.Newf(errors.ErrCodeConfiguration,
					"stage %q output %q is not a stage input or the completion topic", s.Name, out)
			}
			if j <= i {
				return nil, errors.Newf(errors.ErrCodeConfiguration,
					"stage %q output %q points backward to stage %q", s.Name, out, g.stages[j].Name)
			}
		}
	}

	// Terminal stage defaults its output to the completion topic.
	last := &g.stages[len(g.stages)-1]
	if len(last.OutputTopics) == 0 {
		last.OutputTopics = []string{g.completionTopic}
	}

	return g, nil
}

// Len returns the number of stages.
func (g *Graph) Len() int {
	return len(g.stages)
}

// Stages returns the ordered stage list.
func (g *Graph) Stages() []Stage {
	out := make([]Stage, len(g.stages))
	copy(out, g.stages)
	return out
}

// CompletionTopic returns the topic receiving finished artifacts.
func (g *Graph) CompletionTopic() string {
	return g.completionTopic
}

// EntryTopic returns the first stage's input topic, where external producers
// enqueue new tasks.
func (g *Graph) EntryTopic() string {
	return g.stages[0].InputTopic
}

// StageByName looks a stage up by name.
func (g *Graph) StageByName(name string) (Stage, error) {
	i, ok := g.byName[name]
	if !ok {
		return Stage{}, errors.UnknownStage(name)
	}
	return g.stages[i], nil
}

// StageByInputTopic looks up the stage consuming a topic.
func (g *Graph) StageByInputTopic(topic string) (Stage, error) {
	i, ok := g.byInput[topic]
	if !ok {
		return Stage{}, errors.UnknownStage(topic)
	}
	return g.stages[i], nil
}

// StageByOrdinal looks a stage up by its ordinal.
func (g *Graph) StageByOrdinal(ordinal int) (Stage, error) {
	if ordinal < 0 || ordinal >= len(g.stages) {
		return Stage{}, errors.UnknownStage(fmt.Sprintf("#%d", ordinal))
	}
	return g.stages[ordinal], nil
}

// Ordinal returns the ordinal of a named stage.
func (g *Graph) Ordinal(name string) (int, error) {
	i, ok := g.byName[name]
	if !ok {
		return 0, errors.UnknownStage(name)
	}
	return i, nil
}
