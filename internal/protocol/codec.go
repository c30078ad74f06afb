package protocol

import (
	"encoding/json"
	"errors"
	"io"
)

// wireFrame is the on-the-wire shape of every frame: a discrete JSON value
// {type, content, meta?}. Content is a string for thinking/content frames
// and a ControlPayload object for control frames.
type wireFrame struct {
	Type    FrameType       `json:"type"`
	Content json.RawMessage `json:"content"`
	Meta    *Meta           `json:"meta,omitempty"`
}

// Encoder writes frames to a stream, one JSON value per frame.
type Encoder struct {
	enc *json.Encoder
}

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{enc: json.NewEncoder(w)}
}

// Encode writes one frame.
func (e *Encoder) Encode(f Frame) error {
	wire := wireFrame{Type: f.FrameType()}

	var content any
	var meta Meta
	switch frame := f.(type) {
	case ThinkingFrame:
		content, meta = frame.Content, frame.Meta
	case ContentFrame:
		content, meta = frame.Content, frame.Meta
	case ControlFrame:
		content, meta = frame.Payload, frame.Meta
	default:
		return &MalformedFrameError{Reason: "unsupported frame kind"}
	}

	raw, err := json.Marshal(content)
	if err != nil {
		return &MalformedFrameError{Reason: "encoding frame content", Cause: err}
	}
	wire.Content = raw
	if meta != (Meta{}) {
		wire.Meta = &meta
	}

	return e.enc.Encode(wire)
}

// Decoder reads frames from a stream.
type Decoder struct {
	dec *json.Decoder
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{dec: json.NewDecoder(r)}
}

// Decode reads the next frame. It returns io.EOF when the stream closes
// cleanly between frames, and *MalformedFrameError for anything that is
// not a well-formed frame of a known type.
func (d *Decoder) Decode() (Frame, error) {
	var wire wireFrame
	if err := d.dec.Decode(&wire); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, &MalformedFrameError{Reason: "decoding frame", Cause: err}
	}

	var meta Meta
	if wire.Meta != nil {
		meta = *wire.Meta
	}

	switch wire.Type {
	case FrameTypeThinking:
		var content string
		if err := json.Unmarshal(wire.Content, &content); err != nil {
			return nil, &MalformedFrameError{Reason: "thinking content is not a string", Cause: err}
		}
		return ThinkingFrame{Content: content, Meta: meta}, nil

	case FrameTypeContent:
		var content string
		if err := json.Unmarshal(wire.Content, &content); err != nil {
			return nil, &MalformedFrameError{Reason: "content chunk is not a string", Cause: err}
		}
		return ContentFrame{Content: content, Meta: meta}, nil

	case FrameTypeControl:
		var payload ControlPayload
		if err := json.Unmarshal(wire.Content, &payload); err != nil {
			return nil, &MalformedFrameError{Reason: "control payload is not an object", Cause: err}
		}
		switch payload.Status {
		case StatusStreamsReady, StatusProgress, StatusComplete, StatusError:
		default:
			return nil, &MalformedFrameError{Reason: "unknown control status " + string(payload.Status)}
		}
		return ControlFrame{Payload: payload, Meta: meta}, nil

	default:
		return nil, &MalformedFrameError{Reason: "unknown frame type " + string(wire.Type)}
	}
}
