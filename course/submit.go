package course

import (
	"context"
	"encoding/json"
	"os"

	"github.com/coursepipe/coursepipe/broker"
	"github.com/coursepipe/coursepipe/envelope"
	"github.com/coursepipe/coursepipe/errors"
	"github.com/coursepipe/coursepipe/logging"
	"github.com/coursepipe/coursepipe/pipeline"
	"github.com/coursepipe/coursepipe/trace"
)

// Request is one course to build.
type Request struct {
	Title      string `json:"title"`
	Background string `json:"background"`
}

// Validate checks the request.
func (r Request) Validate() error {
	if r.Title == "" {
		return errors.New(errors.ErrCodeInvalidInput, "course request has no title")
	}
	return nil
}

// ReadRequests loads a JSON array of course requests from a file.
func ReadRequests(path string) ([]Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read course requests",
			errors.WithMetadata("path", path))
	}
	var reqs []Request
	if err := json.Unmarshal(data, &reqs); err != nil {
		return nil, errors.Decode("course request file is not a JSON array",
			errors.WithCause(err),
			errors.WithMetadata("path", path))
	}
	if len(reqs) == 0 {
		return nil, errors.New(errors.ErrCodeInvalidInput, "course request file is empty")
	}
	for _, r := range reqs {
		if err := r.Validate(); err != nil {
			return nil, err
		}
	}
	return reqs, nil
}

// Submit mints a correlation id per request and publishes the entry
// envelopes. Returns the minted ids in request order. A publish failure
// stops the batch; already-published requests keep flowing.
func Submit(ctx context.Context, b broker.Broker, entryTopic string, reqs []Request, logger *logging.Logger) ([]string, error) {
	if logger == nil {
		logger = logging.New()
	}

	ids := make([]string, 0, len(reqs))
	for _, req := range reqs {
		if err := req.Validate(); err != nil {
			return ids, err
		}

		content, err := json.Marshal(map[string]string{
			"title":      req.Title,
			"background": req.Background,
		})
		if err != nil {
			return ids, errors.Wrap(err, "encode course request")
		}

		id := trace.NewCorrelationID()
		env := envelope.New(id, envelope.NewPayload(req.Title, content))
		data, err := envelope.Encode(env)
		if err != nil {
			return ids, err
		}
		if err := b.Publish(ctx, entryTopic, pipeline.PartitionKey(env), data); err != nil {
			return ids, errors.Wrap(err, "publish course request",
				errors.WithCategory(errors.CategoryTransient),
				errors.WithCorrelationID(id))
		}

		logger.WithTraceID(id).Info("initiate", map[string]interface{}{
			"topic": entryTopic,
			"title": req.Title,
		})
		ids = append(ids, id)
	}
	return ids, nil
}
