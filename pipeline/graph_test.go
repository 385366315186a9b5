package pipeline

import (
	"bytes"
	"context"
	"testing"

	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
)

func noopHandler() Handler {
	return HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		return env.Payload, nil
	})
}

func linearStages(names ...string) []Stage {
	stages := make([]Stage, len(names))
	for i, name := range names {
		s := Stage{Name: name, Handler: noopHandler()}
		if i < len(names)-1 {
			s.OutputTopics = []string{names[i+1]}
		}
		stages[i] = s
	}
	return stages
}

func TestNewGraphLinear(t *testing.T) {
	g, err := NewGraph("final", linearStages("input", "background", "decomposition", "planning", "content")...)
	if err != nil {
		t.Fatalf("NewGraph error: %v", err)
	}

	if g.Len() != 5 {
		t.Errorf("Len() = %d, want 5", g.Len())
	}
	if g.EntryTopic() != "input" {
		t.Errorf("EntryTopic() = %q, want %q", g.EntryTopic(), "input")
	}
	if g.CompletionTopic() != "final" {
		t.Errorf("CompletionTopic() = %q, want %q", g.CompletionTopic(), "final")
	}

	// Terminal stage defaults its output to the completion topic.
	last, err := g.StageByName("content")
	if err != nil {
		t.Fatalf("StageByName error: %v", err)
	}
	if len(last.OutputTopics) != 1 || last.OutputTopics[0] != "final" {
		t.Errorf("terminal outputs = %v, want [final]", last.OutputTopics)
	}
}

func TestNewGraphDefaults(t *testing.T) {
	g, err := NewGraph("final", Stage{Name: "outline", Handler: noopHandler()})
	if err != nil {
		t.Fatalf("NewGraph error: %v", err)
	}

	s, _ := g.StageByName("outline")
	if s.InputTopic != "outline" {
		t.Errorf("input topic = %q, want stage name", s.InputTopic)
	}
	if s.DeadLetterTopic != "outline.deadletter" {
		t.Errorf("dead letter topic = %q, want %q", s.DeadLetterTopic, "outline.deadletter")
	}
	if s.Retry.MaxAttempts != 3 {
		t.Errorf("retry max attempts = %d, want default 3", s.Retry.MaxAttempts)
	}
	if s.HandlerTimeout != DefaultHandlerTimeout {
		t.Errorf("handler timeout = %v, want default", s.HandlerTimeout)
	}
}

func TestNewGraphValidation(t *testing.T) {
	tests := []struct {
		name       string
		completion string
		stages     []Stage
	}{
		{"no stages", "final", nil},
		{"no completion topic", "", linearStages("a")},
		{"missing name", "final", []Stage{{Handler: noopHandler()}}},
		{"missing handler", "final", []Stage{{Name: "a"}}},
		{"duplicate names", "final", []Stage{
			{Name: "a", Handler: noopHandler(), OutputTopics: []string{"a2"}},
			{Name: "a", InputTopic: "a2", Handler: noopHandler()},
		}},
		{"dangling output", "final", []Stage{
			{Name: "a", Handler: noopHandler(), OutputTopics: []string{"nowhere"}},
			{Name: "b", Handler: noopHandler()},
		}},
		{"backward edge", "final", []Stage{
			{Name: "a", Handler: noopHandler(), OutputTopics: []string{"b"}},
			{Name: "b", Handler: noopHandler(), OutputTopics: []string{"a"}},
		}},
		{"self loop", "final", []Stage{
			{Name: "a", Handler: noopHandler(), OutputTopics: []string{"a"}},
			{Name: "b", Handler: noopHandler()},
		}},
		{"non-terminal without outputs", "final", []Stage{
			{Name: "a", Handler: noopHandler()},
			{Name: "b", Handler: noopHandler()},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewGraph(tt.completion, tt.stages...)
			if err == nil {
				t.Fatal("expected configuration error")
			}
			if !errors.IsCategory(err, errors.CategoryPermanent) {
				t.Errorf("category = %s, want permanent", errors.Category(err))
			}
		})
	}
}

func TestStageLookup(t *testing.T) {
	g, err := NewGraph("final", linearStages("input", "background")...)
	if err != nil {
		t.Fatalf("NewGraph error: %v", err)
	}

	if _, err := g.StageByName("nope"); !errors.Is(err, errors.ErrCodeUnknownStage) {
		t.Errorf("StageByName(nope) error code = %s, want UNKNOWN_STAGE", errors.Code(err))
	}
	if _, err := g.StageByOrdinal(7); !errors.Is(err, errors.ErrCodeUnknownStage) {
		t.Errorf("StageByOrdinal(7) error code = %s, want UNKNOWN_STAGE", errors.Code(err))
	}

	ord, err := g.Ordinal("background")
	if err != nil {
		t.Fatalf("Ordinal error: %v", err)
	}
	if ord != 1 {
		t.Errorf("Ordinal(background) = %d, want 1", ord)
	}
}

func TestRouterRouteFor(t *testing.T) {
	g, err := NewGraph("final", linearStages("input", "background")...)
	if err != nil {
		t.Fatalf("NewGraph error: %v", err)
	}
	r := NewRouter(g)

	route, err := r.RouteFor("input")
	if err != nil {
		t.Fatalf("RouteFor error: %v", err)
	}
	if route.Input != "input" {
		t.Errorf("input = %q, want %q", route.Input, "input")
	}
	if len(route.Outputs) != 1 || route.Outputs[0] != "background" {
		t.Errorf("outputs = %v, want [background]", route.Outputs)
	}
	if route.DeadLetter != "input.deadletter" {
		t.Errorf("dead letter = %q, want %q", route.DeadLetter, "input.deadletter")
	}

	if _, err := r.RouteFor("nope"); !errors.Is(err, errors.ErrCodeUnknownStage) {
		t.Errorf("RouteFor(nope) error code = %s, want UNKNOWN_STAGE", errors.Code(err))
	}
}

func TestPartitionKeyDeterministic(t *testing.T) {
	e1 := envelope.New("t1", envelope.NewPayload("Intro to Go", nil))
	e2 := e1.Next("background", envelope.NewPayload("Intro to Go", nil))

	k1 := PartitionKey(e1)
	k2 := PartitionKey(e2)
	if !bytes.Equal(k1, k2) {
		t.Error("same correlation id must derive the same partition key at every stage")
	}
	if !bytes.Equal(k1, KeyForCorrelation("t1")) {
		t.Error("KeyForCorrelation must agree with PartitionKey")
	}

	other := envelope.New("t2", envelope.NewPayload("AI Ethics", nil))
	if bytes.Equal(k1, PartitionKey(other)) {
		t.Error("different correlation ids should not collide (xxhash)")
	}
}

func TestPartitionStable(t *testing.T) {
	key := KeyForCorrelation("t1")
	p := Partition(key, 8)
	for i := 0; i < 100; i++ {
		if Partition(key, 8) != p {
			t.Fatal("Partition must be deterministic")
		}
	}
	if p < 0 || p >= 8 {
		t.Errorf("partition %d out of range", p)
	}
	if Partition(key, 1) != 0 {
		t.Error("single partition always maps to 0")
	}
	if Partition(key, 0) != 0 {
		t.Error("degenerate partition count maps to 0")
	}
}
