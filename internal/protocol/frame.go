// Package protocol defines the wire framing for agent turns and the
// request/response envelopes carried over transport streams.
//
// A turn opens with a control frame announcing the logical ids of the
// thinking and content streams, then interleaves thinking, content, and
// progress frames in producer send order, and closes with exactly one
// terminal control frame carrying either the final turn response or an
// error. Frames on the same logical stream preserve send order; there is
// no ordering guarantee across streams.
package protocol

import (
	"fmt"
)

// FrameType tags one of the three frame kinds.
type FrameType string

const (
	FrameTypeThinking FrameType = "thinking"
	FrameTypeContent  FrameType = "content"
	FrameTypeControl  FrameType = "control"
)

// Meta carries per-frame metadata such as the logical stream id and the
// chunk index within that stream.
type Meta struct {
	StreamID string `json:"stream_id,omitempty"`
	Index    int    `json:"index,omitempty"`
}

// Frame is the closed set of frame kinds. Decoders reject unknown tags
// with MalformedFrameError rather than silently ignoring them.
type Frame interface {
	FrameType() FrameType
}

// ThinkingFrame carries a chunk of the agent's intermediate reasoning
// trace.
type ThinkingFrame struct {
	Content string
	Meta    Meta
}

func (ThinkingFrame) FrameType() FrameType { return FrameTypeThinking }

// ContentFrame carries a chunk of the user-visible answer. Chunk
// boundaries are preserved end to end.
type ContentFrame struct {
	Content string
	Meta    Meta
}

func (ContentFrame) FrameType() FrameType { return FrameTypeContent }

// ControlStatus identifies the purpose of a control frame.
type ControlStatus string

const (
	// StatusStreamsReady opens a turn and binds the logical stream ids.
	StatusStreamsReady ControlStatus = "streams_ready"
	// StatusProgress replaces the turn's current progress status.
	StatusProgress ControlStatus = "progress"
	// StatusComplete terminates the turn with a final response.
	StatusComplete ControlStatus = "complete"
	// StatusError terminates the turn with an error.
	StatusError ControlStatus = "error"
)

// ControlPayload is the content of a control frame.
type ControlPayload struct {
	Status           ControlStatus `json:"status"`
	Message          string        `json:"message,omitempty"`
	ThinkingStreamID string        `json:"thinking_stream_id,omitempty"`
	ContentStreamID  string        `json:"content_stream_id,omitempty"`
	Response         *TurnResponse `json:"response,omitempty"`
	Error            string        `json:"error,omitempty"`
}

// ControlFrame carries status, stream identity, completion, or error
// signaling for a turn.
type ControlFrame struct {
	Payload ControlPayload
	Meta    Meta
}

func (ControlFrame) FrameType() FrameType { return FrameTypeControl }

// Terminal reports whether this control frame ends the turn.
func (f ControlFrame) Terminal() bool {
	return f.Payload.Status == StatusComplete || f.Payload.Status == StatusError
}

// MalformedFrameError reports a frame that could not be decoded. It
// terminates the turn as an error.
type MalformedFrameError struct {
	Reason string
	Cause  error
}

func (e *MalformedFrameError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("malformed frame: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("malformed frame: %s", e.Reason)
}

func (e *MalformedFrameError) Unwrap() error { return e.Cause }
