// Package history is the client-side read API for past conversations:
// thread listings, message transcripts, and checkpoint timelines, plus
// the session open/close calls that bracket a conversation.
package history

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/model"
	"github.com/salonflow/agent-gateway/internal/protocol"
	"github.com/salonflow/agent-gateway/internal/transport"
	"github.com/salonflow/agent-gateway/pkg/logger"
)

// Service issues non-streaming calls over the transport. Each call is one
// stream round trip.
type Service struct {
	opener transport.StreamOpener
	logger *logger.Logger
}

// NewService creates a history service over opener.
func NewService(opener transport.StreamOpener, log *logger.Logger) *Service {
	return &Service{opener: opener, logger: log}
}

// StartSession opens a session against a link token. The returned string
// is the welcome message.
func (s *Service) StartSession(ctx context.Context, token string) (*model.Session, string, error) {
	var resp protocol.StartSessionResponse
	err := transport.RoundTrip(ctx, s.opener, protocol.OpStartSession,
		protocol.StartSessionRequest{Token: token}, &resp)
	if err != nil {
		return nil, "", err
	}
	if !resp.Success {
		return nil, "", fmt.Errorf("start session: %s (%s)", resp.Error, resp.ErrorCode)
	}
	s.logger.Info("session started", zap.String("conversation_id", resp.Session.ConversationID))
	return resp.Session, resp.WelcomeMessage, nil
}

// EndSession closes a session. Safe to call more than once; the server
// treats repeats as no-ops.
func (s *Service) EndSession(ctx context.Context, sess *model.Session) error {
	var resp protocol.EndSessionResponse
	err := transport.RoundTrip(ctx, s.opener, protocol.OpEndSession,
		protocol.EndSessionRequest{Session: *sess}, &resp)
	if err != nil {
		return err
	}
	if !resp.Success {
		return errors.New(resp.Error)
	}
	return nil
}

// ListThreads returns a user's past threads, newest first.
func (s *Service) ListThreads(ctx context.Context, userID string, limit int) ([]model.ThreadInfo, error) {
	if userID == "" {
		return nil, errors.New("user id is required")
	}
	var resp protocol.ListThreadsResponse
	err := transport.RoundTrip(ctx, s.opener, protocol.OpListThreads,
		protocol.ListThreadsRequest{UserID: userID, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Threads, nil
}

// GetMessages returns a thread's transcript in send order.
func (s *Service) GetMessages(ctx context.Context, threadID string, limit int) ([]model.ThreadMessage, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	var resp protocol.GetMessagesResponse
	err := transport.RoundTrip(ctx, s.opener, protocol.OpGetMessages,
		protocol.GetMessagesRequest{ThreadID: threadID, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Messages, nil
}

// GetCheckpoints returns a thread's checkpoints, oldest first.
func (s *Service) GetCheckpoints(ctx context.Context, threadID string, limit int) ([]model.Checkpoint, error) {
	if threadID == "" {
		return nil, errors.New("thread id is required")
	}
	var resp protocol.GetCheckpointsResponse
	err := transport.RoundTrip(ctx, s.opener, protocol.OpGetCheckpoints,
		protocol.GetCheckpointsRequest{ThreadID: threadID, Limit: limit}, &resp)
	if err != nil {
		return nil, err
	}
	if !resp.Success {
		return nil, errors.New(resp.Error)
	}
	return resp.Checkpoints, nil
}
