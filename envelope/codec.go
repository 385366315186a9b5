package envelope

import (
	"bytes"
	"encoding/json"

	"github.com/coursepipe/coursepipe/errors"
)

// Payload is the stage-specific artifact carried by an envelope. Title
// identifies the course; Content is the current artifact (outline, lesson
// plan, generated material) as structured JSON.
//
// The codec is forward-compatible: fields a consumer does not know about are
// preserved through decode/encode, so producers and consumers running
// different schema versions can interoperate mid-migration.
type Payload struct {
	Title   string
	Content json.RawMessage

	// extra holds unknown fields verbatim so they survive a round trip
	// through an older consumer.
	extra map[string]json.RawMessage
}

// NewPayload builds a payload from a title and structured content.
func NewPayload(title string, content json.RawMessage) Payload {
	return Payload{Title: title, Content: content}
}

// Unknown returns the raw bytes of an unknown field preserved by decode, or
// nil if the field is absent.
func (p Payload) Unknown(key string) json.RawMessage {
	return p.extra[key]
}

// MarshalJSON implements json.Marshaler, re-emitting preserved unknown fields.
func (p Payload) MarshalJSON() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(p.extra)+2)
	for k, v := range p.extra {
		fields[k] = v
	}
	title, err := json.Marshal(p.Title)
	if err != nil {
		return nil, err
	}
	fields["title"] = title
	if len(p.Content) > 0 {
		fields["content"] = p.Content
	}
	return json.Marshal(fields)
}

// UnmarshalJSON implements json.Unmarshaler, keeping unknown fields.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return err
	}
	if raw, ok := fields["title"]; ok {
		if err := json.Unmarshal(raw, &p.Title); err != nil {
			return err
		}
		delete(fields, "title")
	}
	if raw, ok := fields["content"]; ok {
		p.Content = raw
		delete(fields, "content")
	}
	if len(fields) > 0 {
		p.extra = fields
	}
	return nil
}

// Encode serializes an envelope to its wire format.
func Encode(e *Envelope) ([]byte, error) {
	if e == nil {
		return nil, errors.Internal("cannot encode nil envelope")
	}
	data, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "encode envelope")
	}
	return data, nil
}

// Decode deserializes an envelope from wire bytes. All failures are
// DECODE-classified: malformed data will never become valid on retry, so
// callers route the raw bytes straight to dead-letter.
func Decode(data []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, errors.Decode("empty envelope bytes")
	}

	var e Envelope
	dec := json.NewDecoder(bytes.NewReader(data))
	if err := dec.Decode(&e); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeDecode, "decode envelope")
	}
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return &e, nil
}
