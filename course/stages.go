// Package course defines the default course-creation pipeline: the stage
// prompt templates, the handlers that call a reasoning backend with them,
// and the sink that records finished courses.
package course

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/pipeline"
	"github.com/coursepipe/coursepipe/ratelimit"
	"github.com/coursepipe/coursepipe/reasoning"
	"github.com/coursepipe/coursepipe/retry"
)

// Default topic names.
const (
	// CompletionTopic receives finished course artifacts.
	CompletionTopic = "completed"
)

// PromptTemplate pairs a system role with a user prompt. The user prompt's
// {input} marker is replaced with the stage's input payload.
type PromptTemplate struct {
	System string `toml:"system" json:"system"`
	User   string `toml:"user" json:"user"`
}

// Render substitutes the input into the user prompt.
func (t PromptTemplate) Render(input string) string {
	return strings.ReplaceAll(t.User, "{input}", input)
}

// DefaultTemplates returns the stock per-stage prompts.
func DefaultTemplates() map[string]PromptTemplate {
	return map[string]PromptTemplate{
		"input": {
			System: "You are a JSON schema validator specialized in course pipelines.",
			User:   "Please validate and normalize the following JSON payload. Ensure it contains exactly the keys 'title' and 'background'. Respond with a compact JSON string.\n\nData:\n{input}",
		},
		"background": {
			System: "You are an educational background analyst.",
			User:   "Given the course title and background JSON, identify prerequisites, key learning objectives, and recommend a difficulty level ('Beginner', 'Intermediate', 'Advanced'). Respond in JSON with keys: 'prerequisites', 'objectives', 'difficulty'.\n\nData:\n{input}",
		},
		"decomposition": {
			System: "You are an expert in breaking down topics into curriculum modules.",
			User:   "Break down the course topic and background analysis into a list of modules. For each module, provide 'subtopic' and a concise 'learning outcome'. Respond as a JSON array named 'modules'.\n\nData:\n{input}",
		},
		"planning": {
			System: "You are a curriculum planner optimizing lesson flow.",
			User:   "Sequence the provided modules into a lesson plan. For each module, assign 'order', include 'subtopic', 'outcome', and estimate 'duration_minutes'. Wrap in a JSON object 'lesson_plan'.\n\nData:\n{input}",
		},
		"content": {
			System: "You are a content creator for educational modules.",
			User:   "Generate detailed instructional content for each lesson module. Include an explanatory section, an example, and a practice question. Respond in JSON mapping module 'order' to 'content'.\n\nData:\n{input}",
		},
	}
}

// StageOrder is the default stage sequence. The final stage records the
// artifact instead of calling the backend.
var StageOrder = []string{"input", "background", "decomposition", "planning", "content", "final"}

// HandlerConfig wires a prompt-driven stage handler.
type HandlerConfig struct {
	// Stage names the stage, for logs and error context. Required.
	Stage string

	// Template is the stage's prompt. Required.
	Template PromptTemplate

	// Provider is the reasoning backend. Required.
	Provider reasoning.Provider

	// Limiter bounds backend calls when set. The provider name is the
	// limited resource.
	Limiter ratelimit.Limiter

	// Logger for backend call events. Default: a fresh logger.
	Logger *logging.Logger
}

// NewStageHandler builds the handler for one prompt-driven stage: render the
// template with the envelope payload, call the backend, and return the new
// payload. Backend failures arrive pre-classified for the retry policy.
func NewStageHandler(cfg HandlerConfig) (pipeline.Handler, error) {
	if cfg.Stage == "" {
		return nil, errors.Configuration("stage handler requires a stage name")
	}
	if cfg.Template.User == "" {
		return nil, errors.Configuration("stage handler requires a prompt template")
	}
	if cfg.Provider == nil {
		return nil, errors.Configuration("stage handler requires a reasoning provider")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.New()
	}

	return pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		input := payloadInput(env)
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Acquire(ctx, cfg.Provider.Name()); err != nil {
				return envelope.Payload{}, errors.Wrap(err, "acquire backend budget",
					errors.WithCategory(errors.CategoryResource))
			}
			defer cfg.Limiter.Release(cfg.Provider.Name())
		}

		start := time.Now()
		resp, err := cfg.Provider.Complete(ctx, reasoning.Request{
			System: cfg.Template.System,
			Prompt: cfg.Template.Render(input),
		})
		logger.WithTraceID(env.CorrelationID).BackendCall(cfg.Stage, cfg.Provider.Name(), time.Since(start), err)
		if err != nil {
			if errors.Is(err, errors.ErrCodeBackendRateLimit) && cfg.Limiter != nil {
				cfg.Limiter.Throttled(cfg.Provider.Name())
			}
			return envelope.Payload{}, err
		}

		return envelope.NewPayload(env.Payload.Title, contentJSON(resp.Content)), nil
	}), nil
}

// payloadInput renders the envelope payload as the prompt's input data.
func payloadInput(env *envelope.Envelope) string {
	if len(env.Payload.Content) > 0 {
		// Content is JSON; feed a string payload through unquoted.
		var s string
		if err := json.Unmarshal(env.Payload.Content, &s); err == nil {
			return s
		}
		return string(env.Payload.Content)
	}
	return env.Payload.Title
}

// contentJSON turns backend output into a payload content value: JSON passes
// through, anything else is carried as a JSON string.
func contentJSON(content string) json.RawMessage {
	trimmed := strings.TrimSpace(content)
	if trimmed != "" && json.Valid([]byte(trimmed)) {
		return json.RawMessage(trimmed)
	}
	quoted, _ := json.Marshal(content)
	return quoted
}

// GraphConfig wires the default six-stage pipeline.
type GraphConfig struct {
	// Provider backs every prompt-driven stage. Required.
	Provider reasoning.Provider

	// Sink records finished courses. Required.
	Sink CompletionSink

	// Limiter bounds backend calls when set.
	Limiter ratelimit.Limiter

	// Logger for handler events.
	Logger *logging.Logger

	// Templates override the defaults per stage name.
	Templates map[string]PromptTemplate

	// Retry applies to every stage. Zero value uses retry.DefaultPolicy.
	Retry retry.Policy

	// HandlerTimeout applies to every stage. Zero uses the pipeline default.
	HandlerTimeout time.Duration
}

// NewGraph builds the default pipeline graph:
// input -> background -> decomposition -> planning -> content -> final.
func NewGraph(cfg GraphConfig) (*pipeline.Graph, error) {
	if cfg.Provider == nil {
		return nil, errors.Configuration("pipeline requires a reasoning provider")
	}
	if cfg.Sink == nil {
		return nil, errors.Configuration("pipeline requires a completion sink")
	}

	templates := DefaultTemplates()
	for name, tpl := range cfg.Templates {
		templates[name] = tpl
	}

	stages := make([]pipeline.Stage, 0, len(StageOrder))
	for i, name := range StageOrder {
		var handler pipeline.Handler
		if name == "final" {
			handler = NewSinkHandler(cfg.Sink, cfg.Logger)
		} else {
			h, err := NewStageHandler(HandlerConfig{
				Stage:    name,
				Template: templates[name],
				Provider: cfg.Provider,
				Limiter:  cfg.Limiter,
				Logger:   cfg.Logger,
			})
			if err != nil {
				return nil, err
			}
			handler = h
		}

		s := pipeline.Stage{
			Name:           name,
			Handler:        handler,
			Retry:          cfg.Retry,
			HandlerTimeout: cfg.HandlerTimeout,
		}
		if i < len(StageOrder)-1 {
			s.OutputTopics = []string{StageOrder[i+1]}
		}
		stages = append(stages, s)
	}

	return pipeline.NewGraph(CompletionTopic, stages...)
}
