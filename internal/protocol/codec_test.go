package protocol

import (
	"bytes"
	"errors"
	"io"
	"reflect"
	"testing"
)

func TestCodecRoundTrip(t *testing.T) {
	frames := []Frame{
		ThinkingFrame{Content: "Pensando", Meta: Meta{StreamID: "think-1", Index: 0}},
		ContentFrame{Content: "Hola", Meta: Meta{StreamID: "content-1", Index: 0}},
		ContentFrame{Content: " mundo", Meta: Meta{StreamID: "content-1", Index: 1}},
		ControlFrame{Payload: ControlPayload{
			Status:           StatusStreamsReady,
			ThinkingStreamID: "think-1",
			ContentStreamID:  "content-1",
		}},
		ControlFrame{Payload: ControlPayload{Status: StatusProgress, Message: "running"}},
		ControlFrame{Payload: ControlPayload{
			Status: StatusComplete,
			Response: &TurnResponse{
				Success:  true,
				Result:   "Hola mundo",
				ThreadID: "thread-9",
				Metadata: &TurnMetadata{DurationMs: 1200, AgentUsed: "assistant", Steps: 2, CheckpointVersion: 3},
			},
		}},
		ControlFrame{Payload: ControlPayload{Status: StatusError, Error: "model unavailable"}},
	}

	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for _, f := range frames {
		if err := enc.Encode(f); err != nil {
			t.Fatalf("Encode(%v): %v", f.FrameType(), err)
		}
	}

	dec := NewDecoder(&buf)
	for i, want := range frames {
		got, err := dec.Decode()
		if err != nil {
			t.Fatalf("Decode frame %d: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("frame %d round-trip mismatch:\n got %#v\nwant %#v", i, got, want)
		}
	}

	if _, err := dec.Decode(); err != io.EOF {
		t.Errorf("Decode after last frame = %v, want io.EOF", err)
	}
}

func TestDecodeRejectsUnknownTag(t *testing.T) {
	cases := []struct {
		name string
		wire string
	}{
		{"unknown type", `{"type":"telemetry","content":"x"}`},
		{"unknown control status", `{"type":"control","content":{"status":"paused"}}`},
		{"thinking content not a string", `{"type":"thinking","content":{"nested":true}}`},
		{"truncated value", `{"type":"content","content":"Hola"`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dec := NewDecoder(bytes.NewBufferString(tc.wire))
			_, err := dec.Decode()
			var malformed *MalformedFrameError
			if !errors.As(err, &malformed) {
				t.Fatalf("Decode(%q) error = %v, want MalformedFrameError", tc.wire, err)
			}
		})
	}
}

func TestControlFrameTerminal(t *testing.T) {
	terminal := []ControlStatus{StatusComplete, StatusError}
	for _, status := range terminal {
		f := ControlFrame{Payload: ControlPayload{Status: status}}
		if !f.Terminal() {
			t.Errorf("ControlFrame(%s).Terminal() = false, want true", status)
		}
	}

	nonTerminal := []ControlStatus{StatusStreamsReady, StatusProgress}
	for _, status := range nonTerminal {
		f := ControlFrame{Payload: ControlPayload{Status: status}}
		if f.Terminal() {
			t.Errorf("ControlFrame(%s).Terminal() = true, want false", status)
		}
	}
}

func TestTurnRequestDefaults(t *testing.T) {
	req := TurnRequest{Query: "hola", UserID: "u1"}
	req.ApplyDefaults()
	if req.MaxSteps != 10 {
		t.Errorf("MaxSteps = %d, want 10", req.MaxSteps)
	}
	if req.Timeout != 60 {
		t.Errorf("Timeout = %d, want 60", req.Timeout)
	}

	req = TurnRequest{Query: "hola", UserID: "u1", MaxSteps: 3, Timeout: 5}
	req.ApplyDefaults()
	if req.MaxSteps != 3 || req.Timeout != 5 {
		t.Errorf("overrides clobbered: MaxSteps=%d Timeout=%d", req.MaxSteps, req.Timeout)
	}
}
