package trace

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
)

func TestNewCorrelationIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewCorrelationID()
		if id == "" {
			t.Fatal("empty correlation id")
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %q", id)
		}
		seen[id] = true
	}
}

func TestFromEnvelope(t *testing.T) {
	env := envelope.New("t1", envelope.NewPayload("Intro to Go", nil))
	env = env.Next("background", envelope.NewPayload("Intro to Go", nil))
	at := time.Now()

	tr := FromEnvelope(EventConsumed, "background", env, at)
	if tr.CorrelationID != "t1" {
		t.Errorf("correlation id = %q", tr.CorrelationID)
	}
	if tr.Stage != 1 || tr.StageName != "background" {
		t.Errorf("stage = %d/%q, want 1/background", tr.Stage, tr.StageName)
	}
	if tr.Event != EventConsumed || tr.Topic != "background" {
		t.Errorf("event/topic = %q/%q", tr.Event, tr.Topic)
	}
	if tr.Attempt != 0 {
		t.Errorf("attempt = %d, want 0 (reset on stage transition)", tr.Attempt)
	}
}

func TestReconstructOrdersHistory(t *testing.T) {
	// Recorded out of order on purpose.
	transitions := []Transition{
		{CorrelationID: "t1", Event: EventProduced, Stage: 1, At: time.Unix(20, 0)},
		{CorrelationID: "t2", Event: EventConsumed, Stage: 0, At: time.Unix(5, 0)},
		{CorrelationID: "t1", Event: EventConsumed, Stage: 0, At: time.Unix(10, 0)},
		{CorrelationID: "t1", Event: EventRetried, Stage: 1, Attempt: 1, At: time.Unix(18, 0)},
		{CorrelationID: "t1", Event: EventConsumed, Stage: 1, At: time.Unix(15, 0)},
	}

	h := Reconstruct("t1", transitions)
	if len(h.Transitions) != 4 {
		t.Fatalf("got %d transitions, want 4 (t2 filtered out)", len(h.Transitions))
	}

	wantEvents := []string{EventConsumed, EventProduced, EventConsumed, EventRetried}
	wantStages := []int{0, 1, 1, 1}
	for i, tr := range h.Transitions {
		if tr.Event != wantEvents[i] || tr.Stage != wantStages[i] {
			t.Errorf("transition %d = %s@%d, want %s@%d", i, tr.Event, tr.Stage, wantEvents[i], wantStages[i])
		}
	}
	if h.LastStage() != 1 {
		t.Errorf("LastStage = %d, want 1", h.LastStage())
	}
	if h.Completed() || h.DeadLettered() {
		t.Error("history should be neither completed nor dead-lettered")
	}
}

func TestHistoryTerminalStates(t *testing.T) {
	done := Reconstruct("t1", []Transition{
		{CorrelationID: "t1", Event: EventCompleted, Stage: 5},
	})
	if !done.Completed() {
		t.Error("expected completed history")
	}

	failed := Reconstruct("t2", []Transition{
		{CorrelationID: "t2", Event: EventDeadLettered, Stage: 2, Attempt: 3,
			Error: &envelope.ErrorContext{Kind: envelope.KindTransientBackend}},
	})
	if !failed.DeadLettered() {
		t.Error("expected dead-lettered history")
	}
	if failed.Transitions[0].Error.Kind != envelope.KindTransientBackend {
		t.Errorf("error kind = %q", failed.Transitions[0].Error.Kind)
	}
}

func TestRecorderRoundTrip(t *testing.T) {
	rec := NewRecorder()
	env := envelope.New("t1", envelope.NewPayload("Intro to Go", nil))
	rec.Record(FromEnvelope(EventConsumed, "input", env, time.Unix(1, 0).UTC()))
	rec.Record(FromEnvelope(EventProduced, "background", env, time.Unix(2, 0).UTC()))

	var buf bytes.Buffer
	n, err := rec.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != 2 {
		t.Errorf("wrote %d lines, want 2", n)
	}

	parsed, err := ReadLog(&buf)
	if err != nil {
		t.Fatalf("ReadLog: %v", err)
	}
	if len(parsed) != 2 {
		t.Fatalf("parsed %d transitions, want 2", len(parsed))
	}
	if parsed[0].Event != EventConsumed || parsed[1].Topic != "background" {
		t.Errorf("round trip mismatch: %+v", parsed)
	}
}

func TestReadLogRejectsMalformedLine(t *testing.T) {
	in := strings.NewReader(`{"correlation_id":"t1","event":"consumed"}` + "\nnot json\n")
	_, err := ReadLog(in)
	if !errors.Is(err, errors.ErrCodeDecode) {
		t.Errorf("error code = %s, want DECODE", errors.Code(err))
	}
}

func TestCorrelationsFirstSeenOrder(t *testing.T) {
	transitions := []Transition{
		{CorrelationID: "b"},
		{CorrelationID: "a"},
		{CorrelationID: "b"},
		{CorrelationID: "c"},
	}
	got := Correlations(transitions)
	want := []string{"b", "a", "c"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got %v, want %v", got, want)
			break
		}
	}
}
