package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

// pipeOpener hands out net.Pipe client ends and runs a scripted server
// for each opened stream.
type pipeOpener struct {
	mu     sync.Mutex
	calls  int
	server func(t *testing.T, conn net.Conn)
	t      *testing.T
}

func (p *pipeOpener) OpenStream(ctx context.Context) (io.ReadWriteCloser, error) {
	p.mu.Lock()
	p.calls++
	p.mu.Unlock()
	client, server := net.Pipe()
	go p.server(p.t, server)
	return client, nil
}

func (p *pipeOpener) openCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func readEnvelope(t *testing.T, conn net.Conn) protocol.Envelope {
	t.Helper()
	var env protocol.Envelope
	if err := json.NewDecoder(conn).Decode(&env); err != nil {
		t.Errorf("server: decode envelope: %v", err)
	}
	return env
}

// scriptServer answers any turn with the standard greeting exchange.
func scriptServer(t *testing.T, conn net.Conn) {
	defer conn.Close()
	readEnvelope(t, conn)

	enc := protocol.NewEncoder(conn)
	frames := []protocol.Frame{
		protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status:           protocol.StatusStreamsReady,
			ThinkingStreamID: "think-1",
			ContentStreamID:  "content-1",
		}},
		protocol.ThinkingFrame{Content: "Pensando", Meta: protocol.Meta{StreamID: "think-1"}},
		protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status:  protocol.StatusProgress,
			Message: "generating response",
		}},
		protocol.ContentFrame{Content: "Hola", Meta: protocol.Meta{StreamID: "content-1"}},
		protocol.ContentFrame{Content: " mundo", Meta: protocol.Meta{StreamID: "content-1", Index: 1}},
		protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status: protocol.StatusComplete,
			Response: &protocol.TurnResponse{
				Success:  true,
				Result:   "Hola mundo",
				ThreadID: "thread-1",
			},
		}},
	}
	for _, f := range frames {
		if err := enc.Encode(f); err != nil {
			return
		}
	}
}

func TestSendQueryValidation(t *testing.T) {
	opener := &pipeOpener{server: scriptServer, t: t}
	c := New(opener, Callbacks{}, logger.NewNop())

	if err := c.SendQuery(context.Background(), "", Options{UserID: "u1"}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}
	if err := c.SendQuery(context.Background(), "   ", Options{UserID: "u1"}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("whitespace err = %v, want ErrEmptyQuery", err)
	}
	if err := c.SendQuery(context.Background(), "hola", Options{}); !errors.Is(err, ErrMissingUserID) {
		t.Fatalf("err = %v, want ErrMissingUserID", err)
	}
	if opener.openCalls() != 0 {
		t.Fatalf("opened %d streams for invalid queries, want 0", opener.openCalls())
	}
	if c.State() != StateIdle {
		t.Fatalf("state = %s, want idle", c.State())
	}
}

func TestSendQueryStreamsTurn(t *testing.T) {
	opener := &pipeOpener{server: scriptServer, t: t}

	var mu sync.Mutex
	var thinking, content, progress []string
	var completions int
	done := make(chan struct{})

	c := New(opener, Callbacks{
		OnThinking: func(chunk string) {
			mu.Lock()
			thinking = append(thinking, chunk)
			mu.Unlock()
		},
		OnContent: func(chunk string) {
			mu.Lock()
			content = append(content, chunk)
			mu.Unlock()
		},
		OnProgress: func(msg string) {
			mu.Lock()
			progress = append(progress, msg)
			mu.Unlock()
		},
		OnComplete: func(resp *protocol.TurnResponse) {
			mu.Lock()
			completions++
			mu.Unlock()
			close(done)
		},
		OnError: func(err error) {
			t.Errorf("unexpected OnError: %v", err)
		},
	}, logger.NewNop())

	if err := c.SendQuery(context.Background(), "Saluda", Options{UserID: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete")
	}

	if c.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", c.State())
	}
	if got := c.ThinkingContent(); got != "Pensando" {
		t.Fatalf("thinking = %q", got)
	}
	if got := c.ContentChunks(); !reflect.DeepEqual(got, []string{"Hola", " mundo"}) {
		t.Fatalf("chunks = %v", got)
	}
	if got := c.Content(); got != "Hola mundo" {
		t.Fatalf("content = %q", got)
	}
	if got := c.Progress(); got != "generating response" {
		t.Fatalf("progress = %q", got)
	}
	resp := c.Response()
	if resp == nil || !resp.Success || resp.ThreadID != "thread-1" {
		t.Fatalf("response = %+v", resp)
	}

	mu.Lock()
	defer mu.Unlock()
	if completions != 1 {
		t.Fatalf("OnComplete fired %d times", completions)
	}
	if !reflect.DeepEqual(thinking, []string{"Pensando"}) {
		t.Fatalf("thinking callbacks = %v", thinking)
	}
	if !reflect.DeepEqual(content, []string{"Hola", " mundo"}) {
		t.Fatalf("content callbacks = %v", content)
	}
	if !reflect.DeepEqual(progress, []string{"generating response"}) {
		t.Fatalf("progress callbacks = %v", progress)
	}
}

func TestSendQueryRejectsWhileStreaming(t *testing.T) {
	release := make(chan struct{})
	opener := &pipeOpener{t: t, server: func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		readEnvelope(t, conn)
		enc := protocol.NewEncoder(conn)
		_ = enc.Encode(protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status:           protocol.StatusStreamsReady,
			ThinkingStreamID: "t",
			ContentStreamID:  "c",
		}})
		<-release
		_ = enc.Encode(protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status:   protocol.StatusComplete,
			Response: &protocol.TurnResponse{Success: true},
		}})
	}}

	done := make(chan struct{})
	c := New(opener, Callbacks{
		OnComplete: func(*protocol.TurnResponse) { close(done) },
	}, logger.NewNop())

	if err := c.SendQuery(context.Background(), "first", Options{UserID: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Wait until the turn is visibly in flight.
	deadline := time.After(5 * time.Second)
	for !c.IsStreaming() {
		select {
		case <-deadline:
			t.Fatal("never entered streaming state")
		default:
			time.Sleep(time.Millisecond)
		}
	}

	if err := c.SendQuery(context.Background(), "second", Options{UserID: "u1"}); !errors.Is(err, ErrQueryInProgress) {
		t.Fatalf("err = %v, want ErrQueryInProgress", err)
	}
	if opener.openCalls() != 1 {
		t.Fatalf("opened %d streams, want 1", opener.openCalls())
	}

	close(release)
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("first turn did not complete")
	}
}

func TestTerminalError(t *testing.T) {
	opener := &pipeOpener{t: t, server: func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		readEnvelope(t, conn)
		enc := protocol.NewEncoder(conn)
		_ = enc.Encode(protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status:           protocol.StatusStreamsReady,
			ThinkingStreamID: "t",
			ContentStreamID:  "c",
		}})
		_ = enc.Encode(protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status: protocol.StatusError,
			Error:  "model unavailable",
		}})
	}}

	errs := make(chan error, 1)
	c := New(opener, Callbacks{
		OnError:    func(err error) { errs <- err },
		OnComplete: func(*protocol.TurnResponse) { t.Error("unexpected OnComplete") },
	}, logger.NewNop())

	if err := c.SendQuery(context.Background(), "hola", Options{UserID: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-errs:
		if err.Error() != "model unavailable" {
			t.Fatalf("err = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError never fired")
	}
	if c.State() != StateFailed {
		t.Fatalf("state = %s, want failed", c.State())
	}
	if c.Err() == nil {
		t.Fatal("Err() is nil after failure")
	}
}

func TestStreamClosedBeforeTerminal(t *testing.T) {
	opener := &pipeOpener{t: t, server: func(t *testing.T, conn net.Conn) {
		readEnvelope(t, conn)
		enc := protocol.NewEncoder(conn)
		_ = enc.Encode(protocol.ContentFrame{Content: "partial"})
		conn.Close()
	}}

	errs := make(chan error, 1)
	c := New(opener, Callbacks{
		OnError: func(err error) { errs <- err },
	}, logger.NewNop())

	if err := c.SendQuery(context.Background(), "hola", Options{UserID: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case err := <-errs:
		if err == nil {
			t.Fatal("nil error for truncated stream")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("OnError never fired")
	}

	// The partial chunk is still observable.
	if got := c.Content(); got != "partial" {
		t.Fatalf("content = %q", got)
	}
}

func TestCancellationAbortsTurn(t *testing.T) {
	opener := &pipeOpener{t: t, server: func(t *testing.T, conn net.Conn) {
		defer conn.Close()
		readEnvelope(t, conn)
		enc := protocol.NewEncoder(conn)
		_ = enc.Encode(protocol.ControlFrame{Payload: protocol.ControlPayload{
			Status:           protocol.StatusStreamsReady,
			ThinkingStreamID: "t",
			ContentStreamID:  "c",
		}})
		// Hold the stream open without a terminal frame.
		buf := make([]byte, 1)
		_, _ = conn.Read(buf)
	}}

	errs := make(chan error, 1)
	c := New(opener, Callbacks{
		OnError: func(err error) { errs <- err },
	}, logger.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	if err := c.SendQuery(ctx, "hola", Options{UserID: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	cancel()

	select {
	case err := <-errs:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("err = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancellation did not abort the turn")
	}
}

func TestValidationPreservesPreviousResults(t *testing.T) {
	opener := &pipeOpener{server: scriptServer, t: t}
	done := make(chan struct{})
	c := New(opener, Callbacks{
		OnComplete: func(*protocol.TurnResponse) { close(done) },
	}, logger.NewNop())

	if err := c.SendQuery(context.Background(), "Saluda", Options{UserID: "u1"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("turn did not complete")
	}

	if err := c.SendQuery(context.Background(), "", Options{UserID: "u1"}); !errors.Is(err, ErrEmptyQuery) {
		t.Fatalf("err = %v, want ErrEmptyQuery", err)
	}

	if got := c.Content(); got != "Hola mundo" {
		t.Fatalf("content lost after rejected query: %q", got)
	}
	if c.State() != StateCompleted {
		t.Fatalf("state = %s, want completed", c.State())
	}
}
