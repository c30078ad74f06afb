// Package consumer implements the client side of an agent turn: it sends
// one query over a transport stream and demultiplexes the thinking,
// content, and control frames that come back.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/internal/transport"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

// Validation errors from SendQuery. They are returned synchronously and
// leave the consumer's buffers untouched.
var (
	ErrEmptyQuery      = errors.New("query must not be empty")
	ErrMissingUserID   = errors.New("user id is required")
	ErrQueryInProgress = errors.New("a query is already streaming")
)

// State is the turn lifecycle of the consumer.
type State int

const (
	StateIdle State = iota
	StateStreaming
	StateCompleted
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStreaming:
		return "streaming"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Callbacks are invoked from the receive goroutine as frames arrive.
// Exactly one of OnComplete or OnError fires per query.
type Callbacks struct {
	OnThinking func(chunk string)
	OnContent  func(chunk string)
	OnProgress func(message string)
	OnComplete func(resp *protocol.TurnResponse)
	OnError    func(err error)
}

// Options carries the optional fields of a turn request.
type Options struct {
	UserID      string
	ThreadID    string
	SessionPath string
	AgentName   string
	Context     map[string]any
	MaxSteps    int
	Timeout     int
}

// Consumer runs agent turns over a stream opener. A consumer handles one
// query at a time; a second SendQuery while streaming is rejected.
type Consumer struct {
	opener    transport.StreamOpener
	callbacks Callbacks
	logger    *logger.Logger

	mu       sync.Mutex
	state    State
	thinking strings.Builder
	chunks   []string
	progress string
	response *protocol.TurnResponse
	err      error
	done     chan struct{}
}

// New creates a consumer sending queries through opener.
func New(opener transport.StreamOpener, callbacks Callbacks, log *logger.Logger) *Consumer {
	return &Consumer{
		opener:    opener,
		callbacks: callbacks,
		logger:    log,
		state:     StateIdle,
	}
}

// SendQuery starts one agent turn. Validation happens before any state is
// touched; a validation error leaves the previous turn's results intact.
// The turn itself runs in the background and finishes through the
// OnComplete or OnError callback. Cancelling ctx aborts the turn.
func (c *Consumer) SendQuery(ctx context.Context, query string, opts Options) error {
	if strings.TrimSpace(query) == "" {
		return ErrEmptyQuery
	}
	if opts.UserID == "" {
		return ErrMissingUserID
	}

	c.mu.Lock()
	if c.state == StateStreaming {
		c.mu.Unlock()
		return ErrQueryInProgress
	}
	c.state = StateStreaming
	c.thinking.Reset()
	c.chunks = nil
	c.progress = ""
	c.response = nil
	c.err = nil
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	req := protocol.TurnRequest{
		Query:       query,
		UserID:      opts.UserID,
		ThreadID:    opts.ThreadID,
		SessionPath: opts.SessionPath,
		Context:     opts.Context,
		MaxSteps:    opts.MaxSteps,
		Timeout:     opts.Timeout,
		AgentName:   opts.AgentName,
	}

	go c.run(ctx, req, done)
	return nil
}

func (c *Consumer) run(ctx context.Context, req protocol.TurnRequest, done chan struct{}) {
	defer close(done)

	stream, err := c.opener.OpenStream(ctx)
	if err != nil {
		c.fail(err)
		return
	}
	defer stream.Close()

	// Closing the stream on cancellation unblocks the decoder.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			stream.Close()
		case <-watchDone:
		}
	}()

	env, err := protocol.NewEnvelope(protocol.OpAgentQuery, req)
	if err != nil {
		c.fail(err)
		return
	}
	if err := writeEnvelope(stream, env); err != nil {
		c.fail(wrapCtx(ctx, err))
		return
	}

	dec := protocol.NewDecoder(stream)
	for {
		frame, err := dec.Decode()
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = errors.New("stream closed before terminal frame")
			}
			c.fail(wrapCtx(ctx, err))
			return
		}

		switch f := frame.(type) {
		case protocol.ThinkingFrame:
			c.mu.Lock()
			c.thinking.WriteString(f.Content)
			c.mu.Unlock()
			if c.callbacks.OnThinking != nil {
				c.callbacks.OnThinking(f.Content)
			}

		case protocol.ContentFrame:
			c.mu.Lock()
			c.chunks = append(c.chunks, f.Content)
			c.mu.Unlock()
			if c.callbacks.OnContent != nil {
				c.callbacks.OnContent(f.Content)
			}

		case protocol.ControlFrame:
			if c.handleControl(f) {
				return
			}
		}
	}
}

// handleControl processes one control frame and reports whether the turn
// is over.
func (c *Consumer) handleControl(f protocol.ControlFrame) bool {
	switch f.Payload.Status {
	case protocol.StatusStreamsReady:
		c.logger.Debug("streams bound",
			zap.String("thinking_stream_id", f.Payload.ThinkingStreamID),
			zap.String("content_stream_id", f.Payload.ContentStreamID),
		)
		return false

	case protocol.StatusProgress:
		c.mu.Lock()
		c.progress = f.Payload.Message
		c.mu.Unlock()
		if c.callbacks.OnProgress != nil {
			c.callbacks.OnProgress(f.Payload.Message)
		}
		return false

	case protocol.StatusComplete:
		c.mu.Lock()
		c.state = StateCompleted
		c.response = f.Payload.Response
		c.mu.Unlock()
		if c.callbacks.OnComplete != nil {
			c.callbacks.OnComplete(f.Payload.Response)
		}
		return true

	case protocol.StatusError:
		c.fail(errors.New(f.Payload.Error))
		return true
	}
	return false
}

func (c *Consumer) fail(err error) {
	c.mu.Lock()
	c.state = StateFailed
	c.err = err
	c.mu.Unlock()
	if c.callbacks.OnError != nil {
		c.callbacks.OnError(err)
	}
}

// Wait blocks until the in-flight query terminates or ctx is cancelled.
func (c *Consumer) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// State returns the consumer's lifecycle state.
func (c *Consumer) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// IsStreaming reports whether a query is in flight.
func (c *Consumer) IsStreaming() bool {
	return c.State() == StateStreaming
}

// ThinkingContent returns the accumulated reasoning trace.
func (c *Consumer) ThinkingContent() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.thinking.String()
}

// ContentChunks returns the answer chunks with their boundaries preserved.
func (c *Consumer) ContentChunks() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.chunks))
	copy(out, c.chunks)
	return out
}

// Content returns the assembled answer.
func (c *Consumer) Content() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.Join(c.chunks, "")
}

// Progress returns the turn's latest progress message.
func (c *Consumer) Progress() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// Response returns the final response of a completed turn.
func (c *Consumer) Response() *protocol.TurnResponse {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.response
}

// Err returns the terminal error of a failed turn.
func (c *Consumer) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func writeEnvelope(w io.Writer, env protocol.Envelope) error {
	return json.NewEncoder(w).Encode(env)
}

func wrapCtx(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
