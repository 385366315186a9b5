package agent

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"testing"
	"time"

	"github.com/coursepipe/coursepipe/broker"
	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/pipeline"
	"github.com/coursepipe/coursepipe/retry"
	"github.com/coursepipe/coursepipe/trace"
)

func testBroker() *broker.MemoryBroker {
	cfg := broker.DefaultMemoryConfig()
	cfg.NumPartitions = 1
	return broker.NewMemoryBroker(cfg)
}

func quietLogger() *logging.Logger {
	l := logging.New()
	l.SetOutput(io.Discard)
	return l
}

// startAgent runs an agent with instant retry backoff until cleanup.
func startAgent(t *testing.T, b broker.Broker, g *pipeline.Graph, stage string, rec *trace.Recorder) {
	t.Helper()
	a, err := New(Config{Broker: b, Graph: g, Stage: stage, Recorder: rec, Logger: quietLogger()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	a.sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
}

// waitRecords polls a topic until it holds n records.
func waitRecords(t *testing.T, b *broker.MemoryBroker, topic string, n int) []*broker.Record {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		recs := b.Records(topic)
		if len(recs) >= n {
			return recs
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("topic %q never reached %d records (have %d)", topic, n, len(b.Records(topic)))
	return nil
}

func decode(t *testing.T, rec *broker.Record) *envelope.Envelope {
	t.Helper()
	env, err := envelope.Decode(rec.Value)
	if err != nil {
		t.Fatalf("decode published envelope: %v", err)
	}
	return env
}

func submit(t *testing.T, b *broker.MemoryBroker, topic string, env *envelope.Envelope) {
	t.Helper()
	data, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if err := b.Publish(context.Background(), topic, pipeline.PartitionKey(env), data); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

func TestAgentSuccessAdvancesStage(t *testing.T) {
	b := testBroker()
	defer b.Close()

	handled := pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		out, _ := json.Marshal("an outline")
		return envelope.NewPayload(env.Payload.Title, out), nil
	})
	g, err := pipeline.NewGraph("final",
		pipeline.Stage{Name: "outline", Handler: handled, OutputTopics: []string{"draft"}},
		pipeline.Stage{Name: "draft", Handler: handled},
	)
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	rec := trace.NewRecorder()
	startAgent(t, b, g, "outline", rec)
	submit(t, b, "outline", envelope.New("t1", envelope.NewPayload("Intro to Go", nil)))

	out := waitRecords(t, b, "draft", 1)
	next := decode(t, out[0])
	if next.CorrelationID != "t1" {
		t.Errorf("correlation id = %q, want t1 (copied forward unchanged)", next.CorrelationID)
	}
	if next.Stage != 1 || next.StageName != "draft" {
		t.Errorf("successor stage = %d/%q, want 1/draft", next.Stage, next.StageName)
	}
	if next.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 after transition", next.AttemptCount)
	}

	// Commit follows the produce.
	deadline := time.Now().Add(2 * time.Second)
	for b.CommittedOffset("coursepipe-outline", "outline", 0) < 1 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if off := b.CommittedOffset("coursepipe-outline", "outline", 0); off != 1 {
		t.Errorf("committed offset = %d, want 1", off)
	}

	// The trace recorded the consume and the produce.
	h := trace.Reconstruct("t1", rec.Snapshot())
	if len(h.Transitions) < 2 {
		t.Fatalf("trace transitions = %d, want >= 2", len(h.Transitions))
	}
	if h.Transitions[0].Event != trace.EventConsumed {
		t.Errorf("first event = %q, want consumed", h.Transitions[0].Event)
	}
}

func TestAgentRetryableFailureRequeues(t *testing.T) {
	b := testBroker()
	defer b.Close()

	calls := 0
	flaky := pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		calls++
		if env.AttemptCount < 2 {
			return envelope.Payload{}, errors.BackendTimeout("model stalled")
		}
		return env.Payload, nil
	})
	g, err := pipeline.NewGraph("final", pipeline.Stage{
		Name:    "content",
		Handler: flaky,
		Retry:   retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	startAgent(t, b, g, "content", nil)
	submit(t, b, "content", envelope.New("t1", envelope.NewPayload("Intro to Go", nil)))

	// Two retries land back on the input topic, then success reaches final.
	done := waitRecords(t, b, "final", 1)
	if env := decode(t, done[0]); env.CorrelationID != "t1" {
		t.Errorf("correlation id = %q", env.CorrelationID)
	}

	inputs := b.Records("content")
	if len(inputs) != 3 {
		t.Fatalf("input topic records = %d, want original + 2 retries", len(inputs))
	}
	first := decode(t, inputs[1])
	second := decode(t, inputs[2])
	if first.AttemptCount != 1 || second.AttemptCount != 2 {
		t.Errorf("retry attempts = %d, %d, want 1, 2", first.AttemptCount, second.AttemptCount)
	}
}

func TestAgentExhaustedRetriesDeadLetter(t *testing.T) {
	b := testBroker()
	defer b.Close()

	alwaysTimeout := pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		return envelope.Payload{}, errors.BackendTimeout("model stalled")
	})
	g, err := pipeline.NewGraph("final", pipeline.Stage{
		Name:    "content",
		Handler: alwaysTimeout,
		Retry:   retry.Policy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	startAgent(t, b, g, "content", nil)
	submit(t, b, "content", envelope.New("t1", envelope.NewPayload("Intro to Go", nil)))

	dead := waitRecords(t, b, "content.deadletter", 1)
	env := decode(t, dead[0])
	if env.AttemptCount != 3 {
		t.Errorf("dead-letter attempt count = %d, want 3", env.AttemptCount)
	}
	if env.ErrorContext == nil {
		t.Fatal("dead-letter envelope missing error context")
	}
	if env.ErrorContext.Kind != envelope.KindTransientBackend {
		t.Errorf("error kind = %q, want %q", env.ErrorContext.Kind, envelope.KindTransientBackend)
	}
	if len(b.Records("final")) != 0 {
		t.Error("nothing should reach the completion topic")
	}
}

func TestAgentPermanentFailureSkipsRetry(t *testing.T) {
	b := testBroker()
	defer b.Close()

	rejecting := pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		return envelope.Payload{}, errors.Precondition("title is empty")
	})
	g, err := pipeline.NewGraph("final", pipeline.Stage{Name: "input", Handler: rejecting})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	startAgent(t, b, g, "input", nil)
	submit(t, b, "input", envelope.New("t1", envelope.NewPayload("", nil)))

	dead := waitRecords(t, b, "input.deadletter", 1)
	env := decode(t, dead[0])
	if env.AttemptCount != 0 {
		t.Errorf("attempt count = %d, want 0 (no retries for permanent failures)", env.AttemptCount)
	}
	if env.ErrorContext.Kind != envelope.KindPermanentHandler {
		t.Errorf("error kind = %q, want %q", env.ErrorContext.Kind, envelope.KindPermanentHandler)
	}
	if len(b.Records("input")) != 1 {
		t.Error("no retry should land on the input topic")
	}
}

func TestAgentUnclassifiedFailureRetriesCapped(t *testing.T) {
	b := testBroker()
	defer b.Close()

	mystery := pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		return envelope.Payload{}, stderrors.New("something odd")
	})
	g, err := pipeline.NewGraph("final", pipeline.Stage{
		Name:    "content",
		Handler: mystery,
		Retry:   retry.Policy{MaxAttempts: 2, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	startAgent(t, b, g, "content", nil)
	submit(t, b, "content", envelope.New("t1", envelope.NewPayload("Intro to Go", nil)))

	// Retried to the cap, then a single dead-letter.
	dead := waitRecords(t, b, "content.deadletter", 1)
	env := decode(t, dead[0])
	if env.AttemptCount != 2 {
		t.Errorf("dead-letter attempt count = %d, want 2", env.AttemptCount)
	}
	if len(b.Records("content")) != 3 {
		t.Errorf("input topic records = %d, want original + 2 retries", len(b.Records("content")))
	}
}

func TestAgentCorruptBytesQuarantined(t *testing.T) {
	b := testBroker()
	defer b.Close()

	g, err := pipeline.NewGraph("final", pipeline.Stage{
		Name: "input",
		Handler: pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
			t.Error("handler must not run for undecodable bytes")
			return env.Payload, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	startAgent(t, b, g, "input", nil)
	if err := b.Publish(context.Background(), "input", []byte("k"), []byte("{not json")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	dead := waitRecords(t, b, "input.deadletter", 1)
	env := decode(t, dead[0])
	if env.ErrorContext == nil || env.ErrorContext.Kind != envelope.KindDecode {
		t.Fatalf("error context = %+v, want DecodeError", env.ErrorContext)
	}
	if env.CorrelationID == "" {
		t.Error("quarantined envelope should carry a minted correlation id")
	}

	// The raw bytes survive for inspection.
	var raw string
	if err := json.Unmarshal(env.Payload.Content, &raw); err != nil || raw != "{not json" {
		t.Errorf("payload content = %q (err %v), want original bytes", raw, err)
	}
}

func TestAgentPanicIsContained(t *testing.T) {
	b := testBroker()
	defer b.Close()

	g, err := pipeline.NewGraph("final", pipeline.Stage{
		Name: "input",
		Handler: pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
			panic("handler bug")
		}),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	startAgent(t, b, g, "input", nil)
	submit(t, b, "input", envelope.New("t1", envelope.NewPayload("Intro to Go", nil)))

	dead := waitRecords(t, b, "input.deadletter", 1)
	env := decode(t, dead[0])
	if env.ErrorContext.Kind != envelope.KindInternal {
		t.Errorf("error kind = %q, want %q", env.ErrorContext.Kind, envelope.KindInternal)
	}

	// The agent survives and keeps serving the partition.
	submit(t, b, "input", envelope.New("t2", envelope.NewPayload("Second task", nil)))
	waitRecords(t, b, "input.deadletter", 2)
}

func TestAgentTerminalStageCompletes(t *testing.T) {
	b := testBroker()
	defer b.Close()

	g, err := pipeline.NewGraph("final", pipeline.Stage{
		Name: "finalize",
		Handler: pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
			return env.Payload, nil
		}),
	})
	if err != nil {
		t.Fatalf("NewGraph: %v", err)
	}

	rec := trace.NewRecorder()
	startAgent(t, b, g, "finalize", rec)
	submit(t, b, "finalize", envelope.New("t1", envelope.NewPayload("Intro to Go", nil)))

	waitRecords(t, b, "final", 1)
	h := trace.Reconstruct("t1", rec.Snapshot())
	if !h.Completed() {
		t.Error("trace should record completion")
	}
}

func TestNewValidation(t *testing.T) {
	b := testBroker()
	defer b.Close()
	g, _ := pipeline.NewGraph("final", pipeline.Stage{
		Name:    "input",
		Handler: pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) { return env.Payload, nil }),
	})

	if _, err := New(Config{Graph: g, Stage: "input"}); !errors.Is(err, errors.ErrCodeConfiguration) {
		t.Errorf("missing broker: code = %s, want CONFIGURATION", errors.Code(err))
	}
	if _, err := New(Config{Broker: b, Stage: "input"}); !errors.Is(err, errors.ErrCodeConfiguration) {
		t.Errorf("missing graph: code = %s, want CONFIGURATION", errors.Code(err))
	}
	if _, err := New(Config{Broker: b, Graph: g, Stage: "nope"}); !errors.Is(err, errors.ErrCodeUnknownStage) {
		t.Errorf("unknown stage: code = %s, want UNKNOWN_STAGE", errors.Code(err))
	}

	a, err := New(Config{Broker: b, Graph: g, Stage: "input"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Group() != "coursepipe-input" {
		t.Errorf("default group = %q", a.Group())
	}
	if a.Stage() != "input" {
		t.Errorf("stage = %q", a.Stage())
	}
}
