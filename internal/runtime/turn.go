package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/llm"
	"github.com/salonflow/agent-gateway/internal/model"
	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/internal/session"
	"github.com/salonflow/agent-gateway/pkg/metrics"
)

// turnWriter serializes frame writes for one turn and enforces the
// exactly-one-terminal invariant at the point of emission.
type turnWriter struct {
	enc      *protocol.Encoder
	terminal bool
}

func (w *turnWriter) send(f protocol.Frame) error {
	if w.terminal {
		return errors.New("turn already terminated")
	}
	if cf, ok := f.(protocol.ControlFrame); ok && cf.Terminal() {
		w.terminal = true
	}
	metrics.FramesSentTotal.WithLabelValues(string(f.FrameType())).Inc()
	return w.enc.Encode(f)
}

// handleTurn executes one agent turn over an open stream.
func (r *Runtime) handleTurn(ctx context.Context, conn io.ReadWriteCloser, body json.RawMessage) {
	start := time.Now()
	writer := &turnWriter{enc: protocol.NewEncoder(conn)}

	var req protocol.TurnRequest
	if err := json.Unmarshal(body, &req); err != nil {
		r.failTurn(writer, "", "malformed turn request")
		return
	}
	req.ApplyDefaults()

	if req.Query == "" {
		r.failTurn(writer, req.ThreadID, "query is required")
		return
	}
	if req.UserID == "" {
		r.failTurn(writer, req.ThreadID, "user_id is required")
		return
	}

	conv, err := r.resolveConversation(ctx, &req)
	if err != nil {
		r.failTurn(writer, req.ThreadID, err.Error())
		return
	}
	log := r.logger.WithConversation(conv.ID)
	r.liveness.touch(conv.ID)

	// The server enforces the turn deadline regardless of client behavior.
	turnCtx, cancel := context.WithTimeout(ctx, time.Duration(req.Timeout)*time.Second)
	defer cancel()

	thinkingID := newStreamID()
	contentID := newStreamID()
	if err := writer.send(protocol.ControlFrame{Payload: protocol.ControlPayload{
		Status:           protocol.StatusStreamsReady,
		ThinkingStreamID: thinkingID,
		ContentStreamID:  contentID,
	}}); err != nil {
		log.Warn("turn stream write failed", zap.Error(err))
		return
	}

	resp, err := r.executeTurn(turnCtx, writer, &req, conv, thinkingID, contentID)
	if err != nil {
		log.Warn("turn failed", zap.Error(err))
		r.publishEvent(ctx, conv, model.EventTurnFailed, err.Error())
		metrics.RecordTurn("error", time.Since(start).Seconds())
		r.failTurn(writer, conv.ID, turnErrorMessage(turnCtx, err))
		return
	}

	resp.ThreadID = conv.ID
	resp.Metadata.DurationMs = time.Since(start).Milliseconds()
	metrics.RecordTurn("complete", time.Since(start).Seconds())

	if err := writer.send(protocol.ControlFrame{Payload: protocol.ControlPayload{
		Status:   protocol.StatusComplete,
		Response: resp,
	}}); err != nil {
		log.Warn("failed to send terminal frame", zap.Error(err))
	}
}

// resolveConversation finds the active conversation for the turn, or
// creates one when the request names no thread.
func (r *Runtime) resolveConversation(ctx context.Context, req *protocol.TurnRequest) (*model.AgentConversation, error) {
	if req.ThreadID != "" {
		conv, err := r.store.GetConversation(ctx, req.ThreadID)
		if err != nil {
			return nil, fmt.Errorf("load thread: %w", err)
		}
		if conv == nil {
			return nil, fmt.Errorf("thread %s not found", req.ThreadID)
		}
		if conv.Status != model.ConversationActive {
			return nil, fmt.Errorf("thread %s: %w", req.ThreadID, session.ErrSessionEnded)
		}
		return conv, nil
	}

	conv := &model.AgentConversation{
		ID:        newStreamID(),
		SessionID: newStreamID(),
		UserID:    req.UserID,
		Status:    model.ConversationActive,
		StartedAt: time.Now(),
	}
	if req.SessionPath != "" {
		conv.Metadata = map[string]string{"session_path": req.SessionPath}
	}
	if err := r.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create thread: %w", err)
	}
	return conv, nil
}

func (r *Runtime) executeTurn(ctx context.Context, writer *turnWriter, req *protocol.TurnRequest, conv *model.AgentConversation, thinkingID, contentID string) (*protocol.TurnResponse, error) {
	thinking := frameCounter{writer: writer, streamID: thinkingID, kind: protocol.FrameTypeThinking}

	// Each unit of agent work counts against the request's step bound.
	steps := 0
	advance := func() error {
		if steps >= req.MaxSteps {
			return fmt.Errorf("step limit %d reached", req.MaxSteps)
		}
		steps++
		return nil
	}

	if err := advance(); err != nil {
		return nil, err
	}
	if err := thinking.emit("Reading the conversation so far."); err != nil {
		return nil, err
	}
	history, err := r.store.ListMessages(ctx, conv.ID, r.cfg.HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}

	userMsg := &model.AgentMessage{
		ID:             newStreamID(),
		ConversationID: conv.ID,
		Role:           model.RoleUser,
		Content:        req.Query,
		CreatedAt:      time.Now(),
	}
	if err := r.store.CreateMessage(ctx, userMsg); err != nil {
		return nil, fmt.Errorf("persist query: %w", err)
	}
	r.publishMessage(ctx, conv, userMsg)

	if err := writer.send(protocol.ControlFrame{Payload: protocol.ControlPayload{
		Status:  protocol.StatusProgress,
		Message: "generating response",
	}}); err != nil {
		return nil, err
	}
	if err := thinking.emit("Composing a reply."); err != nil {
		return nil, err
	}

	if err := advance(); err != nil {
		return nil, err
	}
	completion, err := r.complete(ctx, writer, req, conv, history, contentID)
	if err != nil {
		return nil, err
	}

	assistantMsg := &model.AgentMessage{
		ID:             newStreamID(),
		ConversationID: conv.ID,
		Role:           model.RoleAssistant,
		Content:        completion.Content,
		TokensUsed:     completion.TokensOut,
		CreatedAt:      time.Now(),
	}
	if err := r.store.CreateMessage(ctx, assistantMsg); err != nil {
		return nil, fmt.Errorf("persist reply: %w", err)
	}
	r.publishMessage(ctx, conv, assistantMsg)

	checkpoint, err := r.store.CreateCheckpoint(ctx, conv.ID, "respond", time.Now())
	if err != nil {
		return nil, fmt.Errorf("checkpoint turn: %w", err)
	}

	if err := r.store.AppendAction(ctx, conv.ID, model.ConversationAction{
		Type:    model.ActionQuery,
		At:      time.Now(),
		Detail:  map[string]any{"tokens_out": completion.TokensOut, "model": completion.Model},
		Success: true,
	}); err != nil {
		r.logger.Warn("failed to record action", zap.String("conversation_id", conv.ID), zap.Error(err))
	}

	return &protocol.TurnResponse{
		Success: true,
		Result:  completion.Content,
		Metadata: &protocol.TurnMetadata{
			AgentUsed:         agentName(req, completion.Model),
			Steps:             steps,
			CheckpointVersion: checkpoint.Version,
		},
	}, nil
}

// complete runs the streaming model call, relaying each token as a
// content frame.
func (r *Runtime) complete(ctx context.Context, writer *turnWriter, req *protocol.TurnRequest, conv *model.AgentConversation, history []model.AgentMessage, contentID string) (*llm.CompletionResponse, error) {
	settings := r.sessionSettings(ctx, conv)

	chat := make([]llm.ChatMessage, 0, len(history)+1)
	for _, msg := range history {
		if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant {
			continue
		}
		chat = append(chat, llm.ChatMessage{Role: string(msg.Role), Content: msg.Content})
	}
	chat = append(chat, llm.ChatMessage{Role: string(model.RoleUser), Content: req.Query})

	modelName := settings.Model
	if modelName == "" {
		modelName = r.cfg.DefaultModel
	}
	persona := settings.Persona
	if persona == "" {
		persona = r.cfg.DefaultPersona
	}

	start := time.Now()
	completion, err := r.llm.CompleteStream(ctx, &llm.CompletionRequest{
		Model:       modelName,
		System:      persona,
		Messages:    chat,
		Temperature: settings.Temperature,
		Stream:      true,
	}, func(token string, index int) error {
		return writer.send(protocol.ContentFrame{
			Content: token,
			Meta:    protocol.Meta{StreamID: contentID, Index: index},
		})
	})
	status := "ok"
	if err != nil {
		status = "error"
	}
	name := modelName
	if completion != nil && completion.Model != "" {
		name = completion.Model
	}
	tokensIn, tokensOut := 0, 0
	if completion != nil {
		tokensIn, tokensOut = completion.TokensIn, completion.TokensOut
	}
	metrics.RecordLLMStream(name, status, time.Since(start).Seconds(), tokensIn, tokensOut)
	return completion, err
}

// sessionSettings resolves the link settings governing this conversation.
// Internal conversations have no link and fall back to runtime defaults.
func (r *Runtime) sessionSettings(ctx context.Context, conv *model.AgentConversation) model.LinkSettings {
	if conv.LinkID == "" {
		return model.LinkSettings{}
	}
	link, err := r.store.GetLink(ctx, conv.LinkID)
	if err != nil || link == nil {
		r.logger.Warn("link settings unavailable", zap.String("link_id", conv.LinkID), zap.Error(err))
		return model.LinkSettings{}
	}
	return link.Settings
}

func (r *Runtime) failTurn(writer *turnWriter, threadID, message string) {
	_ = writer.send(protocol.ControlFrame{Payload: protocol.ControlPayload{
		Status: protocol.StatusError,
		Error:  message,
		Response: &protocol.TurnResponse{
			Success:  false,
			Error:    message,
			ThreadID: threadID,
		},
	}})
}

func (r *Runtime) publishMessage(ctx context.Context, conv *model.AgentConversation, msg *model.AgentMessage) {
	metrics.MessagesTotal.WithLabelValues(conv.BusinessID, string(msg.Role)).Inc()
	if r.log == nil {
		return
	}
	if _, err := r.log.PublishMessage(ctx, conv.BusinessID, msg); err != nil {
		r.logger.Warn("failed to publish message", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

func (r *Runtime) publishEvent(ctx context.Context, conv *model.AgentConversation, eventType model.EventType, reason string) {
	if r.log == nil {
		return
	}
	event := &model.ConversationEvent{
		ID:             newStreamID(),
		ConversationID: conv.ID,
		BusinessID:     conv.BusinessID,
		Type:           eventType,
		Reason:         reason,
		CreatedAt:      time.Now(),
	}
	if _, err := r.log.PublishEvent(ctx, event); err != nil {
		r.logger.Warn("failed to publish event", zap.String("conversation_id", conv.ID), zap.Error(err))
	}
}

// frameCounter tracks per-stream chunk indexes.
type frameCounter struct {
	writer   *turnWriter
	streamID string
	kind     protocol.FrameType
	index    int
}

func (c *frameCounter) emit(content string) error {
	meta := protocol.Meta{StreamID: c.streamID, Index: c.index}
	c.index++
	if c.kind == protocol.FrameTypeThinking {
		return c.writer.send(protocol.ThinkingFrame{Content: content, Meta: meta})
	}
	return c.writer.send(protocol.ContentFrame{Content: content, Meta: meta})
}

func turnErrorMessage(ctx context.Context, err error) string {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "turn timed out"
	}
	return err.Error()
}

func agentName(req *protocol.TurnRequest, model string) string {
	if req.AgentName != "" {
		return req.AgentName
	}
	return model
}

func newStreamID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
