package course

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/pipeline"
)

// CompletionSink records a finished course artifact. Sinks must tolerate the
// same artifact arriving twice: the final stage is at-least-once like every
// other stage.
type CompletionSink interface {
	Complete(ctx context.Context, env *envelope.Envelope) error
}

// SinkFunc adapts a function to the CompletionSink interface.
type SinkFunc func(ctx context.Context, env *envelope.Envelope) error

// Complete implements CompletionSink.
func (f SinkFunc) Complete(ctx context.Context, env *envelope.Envelope) error {
	return f(ctx, env)
}

// NewSinkHandler wraps a sink as the terminal stage's handler. The payload
// passes through unchanged to the completion topic.
func NewSinkHandler(sink CompletionSink, logger *logging.Logger) pipeline.Handler {
	if logger == nil {
		logger = logging.New()
	}
	return pipeline.HandlerFunc(func(ctx context.Context, env *envelope.Envelope) (envelope.Payload, error) {
		if err := sink.Complete(ctx, env); err != nil {
			return envelope.Payload{}, errors.Wrap(err, "record finished course",
				errors.WithCorrelationID(env.CorrelationID))
		}
		logger.WithTraceID(env.CorrelationID).Info("course_complete", map[string]interface{}{
			"title": env.Payload.Title,
		})
		return env.Payload, nil
	})
}

// Artifact is the completed-course record a DirSink writes.
type Artifact struct {
	CorrelationID string          `json:"correlation_id"`
	Title         string          `json:"title"`
	Content       json.RawMessage `json:"content"`
	CompletedAt   time.Time       `json:"completed_at"`
}

// DirSink writes one JSON artifact file per finished course into a
// directory. Rewriting the same correlation id's file is how redelivery
// stays idempotent.
type DirSink struct {
	dir string
	mu  sync.Mutex
}

// NewDirSink creates the directory if needed and returns the sink.
func NewDirSink(dir string) (*DirSink, error) {
	if dir == "" {
		return nil, errors.Configuration("completion sink requires a directory")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create completion directory")
	}
	return &DirSink{dir: dir}, nil
}

// Complete implements CompletionSink.
func (s *DirSink) Complete(ctx context.Context, env *envelope.Envelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	artifact := Artifact{
		CorrelationID: env.CorrelationID,
		Title:         env.Payload.Title,
		Content:       env.Payload.Content,
		CompletedAt:   time.Now().UTC(),
	}
	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Write then rename, so a crash never leaves a half-written artifact.
	path := filepath.Join(s.dir, s.filename(env))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// filename derives a stable per-task artifact name.
func (s *DirSink) filename(env *envelope.Envelope) string {
	slug := Slug(env.Payload.Title)
	if slug == "" {
		slug = "course"
	}
	return slug + "-" + env.CorrelationID + ".json"
}

// Slug flattens a title into a filesystem- and anchor-safe name.
func Slug(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ', r == '/', r == '-', r == '_':
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// Ensure interface compliance.
var _ CompletionSink = (*DirSink)(nil)
