// Package session implements the gated lifecycle of link-authenticated
// agent sessions: token validation, usage accounting, and terminal
// conversation transitions.
package session

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/salonflow/agent-gateway/internal/model"
	"github.com/salonflow/agent-gateway/pkg/logger"
	"github.com/salonflow/agent-gateway/pkg/metrics"
)

// Store is the slice of the persistence layer the manager needs.
type Store interface {
	GetLink(ctx context.Context, id string) (*model.AgentLink, error)
	GetLinkByToken(ctx context.Context, token string) (*model.AgentLink, error)
	UpdateLinkStatus(ctx context.Context, id string, status model.LinkStatus) error
	ConsumeLinkUse(ctx context.Context, id string) (bool, error)
	AddLinkMinutes(ctx context.Context, id string, minutes int) (bool, error)
	CreateConversation(ctx context.Context, conv *model.AgentConversation) error
	GetConversation(ctx context.Context, id string) (*model.AgentConversation, error)
	FinishConversation(ctx context.Context, id string, status model.ConversationStatus, endedAt time.Time) (bool, error)
}

// Events publishes conversation lifecycle events to the durable log.
type Events interface {
	PublishEvent(ctx context.Context, event *model.ConversationEvent) (uint64, error)
}

// Manager validates link tokens and drives conversations through their
// lifecycle.
type Manager struct {
	store          Store
	events         Events
	logger         *logger.Logger
	defaultWelcome string
	now            func() time.Time
}

// NewManager creates a session manager. events may be nil when no durable
// log is configured.
func NewManager(store Store, events Events, log *logger.Logger, defaultWelcome string) *Manager {
	return &Manager{
		store:          store,
		events:         events,
		logger:         log,
		defaultWelcome: defaultWelcome,
		now:            time.Now,
	}
}

// Start validates the token and, if the link admits another session,
// creates an active conversation. The returned string is the welcome
// message for the customer.
//
// Status flips are lazy: an expired or spent link is marked on the
// attempt that discovers it, not by a background job.
func (m *Manager) Start(ctx context.Context, token string) (*model.Session, string, error) {
	if token == "" {
		return nil, "", ErrInvalidToken
	}

	link, err := m.store.GetLinkByToken(ctx, token)
	if err != nil {
		return nil, "", fmt.Errorf("look up link: %w", err)
	}
	if link == nil {
		metrics.SessionStartRejectedTotal.WithLabelValues("invalid_token").Inc()
		return nil, "", ErrInvalidToken
	}

	if err := m.checkLink(ctx, link); err != nil {
		metrics.SessionStartRejectedTotal.WithLabelValues(ErrorCode(err)).Inc()
		return nil, "", err
	}

	if link.MaxUses != nil {
		ok, err := m.store.ConsumeLinkUse(ctx, link.ID)
		if err != nil {
			// One retry, then give up.
			ok, err = m.store.ConsumeLinkUse(ctx, link.ID)
			if err != nil {
				return nil, "", fmt.Errorf("%w: consume use: %v", ErrPersistence, err)
			}
		}
		if !ok {
			// Lost the race or the last use was already taken.
			if err := m.store.UpdateLinkStatus(ctx, link.ID, model.LinkStatusExhausted); err != nil {
				m.logger.Warn("failed to mark link exhausted", zap.String("link_id", link.ID), zap.Error(err))
			}
			metrics.SessionStartRejectedTotal.WithLabelValues("link_exhausted").Inc()
			return nil, "", ErrLinkExhausted
		}
	}

	now := m.now()
	conv := &model.AgentConversation{
		ID:         newID(),
		BusinessID: link.BusinessID,
		LinkID:     link.ID,
		SessionID:  newID(),
		Status:     model.ConversationActive,
		StartedAt:  now,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		if err = m.store.CreateConversation(ctx, conv); err != nil {
			return nil, "", fmt.Errorf("%w: create conversation: %v", ErrPersistence, err)
		}
	}

	m.publish(ctx, &model.ConversationEvent{
		ID:             newID(),
		ConversationID: conv.ID,
		BusinessID:     conv.BusinessID,
		Type:           model.EventSessionStarted,
		Metadata:       map[string]any{"link_id": link.ID, "link_type": string(link.Type)},
		CreatedAt:      now,
	})

	metrics.SessionsStartedTotal.WithLabelValues(string(link.Type)).Inc()
	metrics.SessionsActive.Inc()
	m.logger.Info("session started",
		zap.String("conversation_id", conv.ID),
		zap.String("link_id", link.ID),
		zap.String("link_type", string(link.Type)),
	)

	welcome := link.Settings.WelcomeMessage
	if welcome == "" {
		welcome = m.defaultWelcome
	}

	sess := &model.Session{
		SessionID:      conv.SessionID,
		ConversationID: conv.ID,
		BusinessID:     link.BusinessID,
		LinkID:         link.ID,
		Settings:       link.Settings,
	}
	return sess, welcome, nil
}

func (m *Manager) checkLink(ctx context.Context, link *model.AgentLink) error {
	switch link.Status {
	case model.LinkStatusDisabled:
		return ErrLinkDisabled
	case model.LinkStatusExpired:
		return ErrLinkExpired
	case model.LinkStatusExhausted:
		return ErrLinkExhausted
	case model.LinkStatusActive:
	default:
		return ErrLinkDisabled
	}

	if link.Expired(m.now()) {
		if err := m.store.UpdateLinkStatus(ctx, link.ID, model.LinkStatusExpired); err != nil {
			m.logger.Warn("failed to mark link expired", zap.String("link_id", link.ID), zap.Error(err))
		}
		return ErrLinkExpired
	}
	if link.UsesExhausted() || link.MinutesExhausted() {
		if err := m.store.UpdateLinkStatus(ctx, link.ID, model.LinkStatusExhausted); err != nil {
			m.logger.Warn("failed to mark link exhausted", zap.String("link_id", link.ID), zap.Error(err))
		}
		return ErrLinkExhausted
	}
	return nil
}

// End completes a session. A second End for the same session is a
// successful no-op; minute crediting happens only on the call that
// performs the transition.
func (m *Manager) End(ctx context.Context, sess *model.Session) error {
	return m.finish(ctx, sess.ConversationID, model.ConversationCompleted)
}

// Abandon marks a conversation abandoned. Used by the idle reaper and
// for dropped transport connections.
func (m *Manager) Abandon(ctx context.Context, conversationID string) error {
	return m.finish(ctx, conversationID, model.ConversationAbandoned)
}

func (m *Manager) finish(ctx context.Context, conversationID string, status model.ConversationStatus) error {
	now := m.now()
	transitioned, err := m.store.FinishConversation(ctx, conversationID, status, now)
	if err != nil {
		transitioned, err = m.store.FinishConversation(ctx, conversationID, status, now)
		if err != nil {
			return fmt.Errorf("%w: finish conversation: %v", ErrPersistence, err)
		}
	}
	if !transitioned {
		return nil
	}

	conv, err := m.store.GetConversation(ctx, conversationID)
	if err != nil || conv == nil {
		m.logger.Warn("finished conversation unreadable", zap.String("conversation_id", conversationID), zap.Error(err))
		return nil
	}

	if conv.LinkID != "" {
		m.creditMinutes(ctx, conv.LinkID, conv.DurationSeconds)
	}

	eventType := model.EventSessionEnded
	if status == model.ConversationAbandoned {
		eventType = model.EventAbandoned
		metrics.ConversationsAbandonedTotal.Inc()
	}
	m.publish(ctx, &model.ConversationEvent{
		ID:             newID(),
		ConversationID: conv.ID,
		BusinessID:     conv.BusinessID,
		Type:           eventType,
		Metadata:       map[string]any{"duration_seconds": conv.DurationSeconds},
		CreatedAt:      now,
	})

	metrics.SessionsEndedTotal.WithLabelValues(string(status)).Inc()
	metrics.SessionsActive.Dec()
	m.logger.Info("session ended",
		zap.String("conversation_id", conv.ID),
		zap.String("status", string(status)),
		zap.Int("duration_seconds", conv.DurationSeconds),
	)
	return nil
}

// creditMinutes charges elapsed time against a minute-limited link.
// Partial minutes round up, and a session always costs at least one.
func (m *Manager) creditMinutes(ctx context.Context, linkID string, durationSeconds int) {
	link, err := m.store.GetLink(ctx, linkID)
	if err != nil || link == nil {
		m.logger.Warn("link unreadable for minute credit", zap.String("link_id", linkID), zap.Error(err))
		return
	}
	if link.Type != model.LinkTypeMinuteLimited {
		return
	}

	minutes := (durationSeconds + 59) / 60
	if minutes < 1 {
		minutes = 1
	}

	exhausted, err := m.store.AddLinkMinutes(ctx, linkID, minutes)
	if err != nil {
		if exhausted, err = m.store.AddLinkMinutes(ctx, linkID, minutes); err != nil {
			m.logger.Error("failed to credit minutes", zap.String("link_id", linkID), zap.Error(err))
			return
		}
	}
	if exhausted {
		m.logger.Info("link minute budget spent", zap.String("link_id", linkID))
	}
}

func (m *Manager) publish(ctx context.Context, event *model.ConversationEvent) {
	if m.events == nil {
		return
	}
	if _, err := m.events.PublishEvent(ctx, event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("type", string(event.Type)),
			zap.String("conversation_id", event.ConversationID),
			zap.Error(err),
		)
	}
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
