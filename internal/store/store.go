// Package store persists agent links, conversations, messages, and
// checkpoints in SQLite.
package store

import (
	"context"
	"time"

	"github.com/salonflow/agent-gateway/internal/model"
)

// Store is the persistence surface of the gateway. All mutations that
// guard shared counters (link uses, minute budgets, conversation status)
// are conditional writes serialized by the database, not by in-process
// locking.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Links. Links are never deleted, only status-transitioned.
	CreateLink(ctx context.Context, link *model.AgentLink) error
	GetLink(ctx context.Context, id string) (*model.AgentLink, error)
	GetLinkByToken(ctx context.Context, token string) (*model.AgentLink, error)
	ListLinks(ctx context.Context, businessID string) ([]model.AgentLink, error)
	UpdateLinkStatus(ctx context.Context, id string, status model.LinkStatus) error

	// ConsumeLinkUse atomically increments current_uses if and only if
	// the link is active and below its use cap. Returns false when the
	// conditional write matched no row.
	ConsumeLinkUse(ctx context.Context, id string) (bool, error)

	// AddLinkMinutes credits spent minutes against a link's budget and
	// flips the link to exhausted when the budget is now exceeded.
	// Returns whether the link is exhausted after the write.
	AddLinkMinutes(ctx context.Context, id string, minutes int) (bool, error)

	// Conversations.
	CreateConversation(ctx context.Context, conv *model.AgentConversation) error
	GetConversation(ctx context.Context, id string) (*model.AgentConversation, error)
	ListConversationsByUser(ctx context.Context, userID string, limit int) ([]model.AgentConversation, error)
	ListActiveConversations(ctx context.Context) ([]model.AgentConversation, error)

	// FinishConversation transitions an active conversation to the given
	// terminal status, fixing ended_at and duration_seconds. Returns
	// false without side effects when the conversation was already
	// terminal, which makes end-session idempotent.
	FinishConversation(ctx context.Context, id string, status model.ConversationStatus, endedAt time.Time) (bool, error)

	AppendAction(ctx context.Context, conversationID string, action model.ConversationAction) error

	// Messages are append-only.
	CreateMessage(ctx context.Context, msg *model.AgentMessage) error
	ListMessages(ctx context.Context, conversationID string, limit int) ([]model.AgentMessage, error)

	// Checkpoints. Versions are monotonic per conversation.
	CreateCheckpoint(ctx context.Context, conversationID, node string, at time.Time) (*model.Checkpoint, error)
	ListCheckpoints(ctx context.Context, conversationID string, limit int) ([]model.Checkpoint, error)
}
