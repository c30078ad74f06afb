// Package runtime drives the server side of the agent protocol: it
// accepts transport streams, dispatches envelopes, executes turns, and
// reaps idle sessions.
package runtime

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/llm"
	"github.com/salonflow/agent-gateway/internal/model"
	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/internal/session"
	"github.com/salonflow/agent-gateway/internal/store"
	"github.com/salonflow/agent-gateway/internal/transport"
	"github.com/salonflow/agent-gateway/pkg/logger"
	"github.com/salonflow/agent-gateway/pkg/metrics"
)

// Config tunes runtime behavior.
type Config struct {
	DefaultModel   string
	DefaultPersona string
	HistoryLimit   int
	IdleTimeout    time.Duration
	ReapInterval   time.Duration
}

func (c *Config) applyDefaults() {
	if c.HistoryLimit == 0 {
		c.HistoryLimit = 50
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 5 * time.Minute
	}
	if c.ReapInterval == 0 {
		c.ReapInterval = 30 * time.Second
	}
}

// MessageLog is the durable event log. nil disables publishing.
type MessageLog interface {
	PublishMessage(ctx context.Context, businessID string, msg *model.AgentMessage) (uint64, error)
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// StreamAcceptor yields inbound streams and datagrams. Satisfied by
// *transport.Listener.
type StreamAcceptor interface {
	Accept(ctx context.Context) (*transport.StreamConn, error)
	Datagrams() <-chan transport.Datagram
}

// Runtime is the protocol server.
type Runtime struct {
	acceptor StreamAcceptor
	sessions *session.Manager
	store    store.Store
	log      MessageLog
	llm      llm.Client
	logger   *logger.Logger
	cfg      Config

	liveness *liveness
}

// New creates a runtime. log may be nil.
func New(acceptor StreamAcceptor, sessions *session.Manager, st store.Store, log MessageLog, client llm.Client, logg *logger.Logger, cfg Config) *Runtime {
	cfg.applyDefaults()
	return &Runtime{
		acceptor: acceptor,
		sessions: sessions,
		store:    st,
		log:      log,
		llm:      client,
		logger:   logg,
		cfg:      cfg,
		liveness: newLiveness(),
	}
}

// Run serves until ctx is cancelled.
func (r *Runtime) Run(ctx context.Context) error {
	go r.datagramLoop(ctx)
	go r.reapLoop(ctx)

	for {
		conn, err := r.acceptor.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go r.handleStream(ctx, conn)
	}
}

// handleStream reads the stream's envelope and dispatches it. The stream
// closes when the handler returns.
func (r *Runtime) handleStream(ctx context.Context, conn io.ReadWriteCloser) {
	defer conn.Close()

	dec := json.NewDecoder(conn)
	var env protocol.Envelope
	if err := dec.Decode(&env); err != nil {
		r.logger.Warn("unreadable envelope", zap.Error(err))
		return
	}

	switch env.Op {
	case protocol.OpAgentQuery:
		r.handleTurn(ctx, conn, env.Body)
	case protocol.OpStartSession:
		r.handleStartSession(ctx, conn, env.Body)
	case protocol.OpEndSession:
		r.handleEndSession(ctx, conn, env.Body)
	case protocol.OpListThreads:
		r.handleListThreads(ctx, conn, env.Body)
	case protocol.OpGetMessages:
		r.handleGetMessages(ctx, conn, env.Body)
	case protocol.OpGetCheckpoints:
		r.handleGetCheckpoints(ctx, conn, env.Body)
	default:
		r.logger.Warn("unknown op", zap.String("op", string(env.Op)))
	}
}

func (r *Runtime) handleStartSession(ctx context.Context, conn io.ReadWriteCloser, body json.RawMessage) {
	var req protocol.StartSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(conn, protocol.StartSessionResponse{Success: false, Error: "malformed request", ErrorCode: "bad_request"})
		return
	}

	sess, welcome, err := r.sessions.Start(ctx, req.Token)
	if err != nil {
		writeJSON(conn, protocol.StartSessionResponse{
			Success:   false,
			Error:     err.Error(),
			ErrorCode: session.ErrorCode(err),
		})
		return
	}

	r.liveness.touch(sess.ConversationID)
	writeJSON(conn, protocol.StartSessionResponse{
		Success:        true,
		Session:        sess,
		WelcomeMessage: welcome,
	})
}

func (r *Runtime) handleEndSession(ctx context.Context, conn io.ReadWriteCloser, body json.RawMessage) {
	var req protocol.EndSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(conn, protocol.EndSessionResponse{Success: false, Error: "malformed request"})
		return
	}

	if err := r.sessions.End(ctx, &req.Session); err != nil {
		writeJSON(conn, protocol.EndSessionResponse{Success: false, Error: err.Error()})
		return
	}
	r.liveness.forget(req.Session.ConversationID)
	writeJSON(conn, protocol.EndSessionResponse{Success: true})
}

func (r *Runtime) handleListThreads(ctx context.Context, conn io.ReadWriteCloser, body json.RawMessage) {
	var req protocol.ListThreadsRequest
	if err := json.Unmarshal(body, &req); err != nil || req.UserID == "" {
		writeJSON(conn, protocol.ListThreadsResponse{Success: false, Error: "user_id is required"})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	convs, err := r.store.ListConversationsByUser(ctx, req.UserID, limit)
	if err != nil {
		r.logger.Error("list threads", zap.String("user_id", req.UserID), zap.Error(err))
		writeJSON(conn, protocol.ListThreadsResponse{Success: false, Error: "failed to list threads"})
		return
	}

	threads := make([]model.ThreadInfo, 0, len(convs))
	for _, conv := range convs {
		threads = append(threads, model.ThreadInfo{
			ThreadID:    conv.ID,
			UserID:      conv.UserID,
			SessionPath: conv.Metadata["session_path"],
			Metadata:    conv.Metadata,
			CreatedAt:   conv.StartedAt,
			UpdatedAt:   lastActivity(&conv),
		})
	}
	writeJSON(conn, protocol.ListThreadsResponse{Success: true, Threads: threads})
}

func (r *Runtime) handleGetMessages(ctx context.Context, conn io.ReadWriteCloser, body json.RawMessage) {
	var req protocol.GetMessagesRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ThreadID == "" {
		writeJSON(conn, protocol.GetMessagesResponse{Success: false, Error: "thread_id is required"})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 200
	}

	msgs, err := r.store.ListMessages(ctx, req.ThreadID, limit)
	if err != nil {
		r.logger.Error("get messages", zap.String("thread_id", req.ThreadID), zap.Error(err))
		writeJSON(conn, protocol.GetMessagesResponse{Success: false, ThreadID: req.ThreadID, Error: "failed to load messages"})
		return
	}

	out := make([]model.ThreadMessage, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, model.ThreadMessage{
			ID:        msg.ID,
			Role:      msg.Role,
			Content:   msg.Content,
			CreatedAt: msg.CreatedAt,
		})
	}
	writeJSON(conn, protocol.GetMessagesResponse{Success: true, ThreadID: req.ThreadID, Messages: out})
}

func (r *Runtime) handleGetCheckpoints(ctx context.Context, conn io.ReadWriteCloser, body json.RawMessage) {
	var req protocol.GetCheckpointsRequest
	if err := json.Unmarshal(body, &req); err != nil || req.ThreadID == "" {
		writeJSON(conn, protocol.GetCheckpointsResponse{Success: false, Error: "thread_id is required"})
		return
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 100
	}

	checkpoints, err := r.store.ListCheckpoints(ctx, req.ThreadID, limit)
	if err != nil {
		r.logger.Error("get checkpoints", zap.String("thread_id", req.ThreadID), zap.Error(err))
		writeJSON(conn, protocol.GetCheckpointsResponse{Success: false, ThreadID: req.ThreadID, Error: "failed to load checkpoints"})
		return
	}
	writeJSON(conn, protocol.GetCheckpointsResponse{Success: true, ThreadID: req.ThreadID, Checkpoints: checkpoints})
}

func (r *Runtime) datagramLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case dg, ok := <-r.acceptor.Datagrams():
			if !ok {
				return
			}
			metrics.DatagramsReceivedTotal.Inc()
			var ka protocol.KeepAlive
			if err := json.Unmarshal(dg.Payload, &ka); err != nil || ka.ConversationID == "" {
				continue
			}
			r.liveness.touch(ka.ConversationID)
		}
	}
}

// reapLoop abandons conversations whose keepalives stopped arriving.
func (r *Runtime) reapLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, id := range r.liveness.idle(r.cfg.IdleTimeout) {
				if err := r.sessions.Abandon(ctx, id); err != nil {
					r.logger.Warn("failed to abandon conversation", zap.String("conversation_id", id), zap.Error(err))
					continue
				}
				r.liveness.forget(id)
				r.logger.Info("conversation abandoned for idleness", zap.String("conversation_id", id))
			}
		}
	}
}

func lastActivity(conv *model.AgentConversation) time.Time {
	if conv.EndedAt != nil {
		return *conv.EndedAt
	}
	return conv.StartedAt
}

func writeJSON(conn io.Writer, v any) {
	_ = json.NewEncoder(conn).Encode(v)
}
