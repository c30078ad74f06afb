package model

import (
	"time"
)

// ConversationStatus is the lifecycle state of a conversation. Transitions
// are one-way: active conversations become completed or abandoned, never
// the reverse.
type ConversationStatus string

const (
	ConversationActive    ConversationStatus = "active"
	ConversationCompleted ConversationStatus = "completed"
	ConversationAbandoned ConversationStatus = "abandoned"
)

// ActionType classifies an action the agent took on behalf of a customer.
type ActionType string

const (
	ActionBook       ActionType = "book"
	ActionReschedule ActionType = "reschedule"
	ActionCancel     ActionType = "cancel"
	ActionQuery      ActionType = "query"
)

// ConversationAction is one entry in a conversation's ordered action log.
type ConversationAction struct {
	Type    ActionType     `json:"type"`
	At      time.Time      `json:"at"`
	Detail  map[string]any `json:"detail,omitempty"`
	Success bool           `json:"success"`
}

// AgentConversation is the durable record of one end-to-end chat
// interaction. DurationSeconds is fixed once EndedAt is set.
type AgentConversation struct {
	ID         string `json:"id"`
	BusinessID string `json:"business_id"`
	LinkID     string `json:"link_id,omitempty"` // empty for internal/staff sessions
	SessionID  string `json:"session_id"`

	CustomerPhone string `json:"customer_phone,omitempty"`
	CustomerName  string `json:"customer_name,omitempty"`
	UserID        string `json:"user_id,omitempty"`

	Status          ConversationStatus `json:"status"`
	StartedAt       time.Time          `json:"started_at"`
	EndedAt         *time.Time         `json:"ended_at,omitempty"`
	DurationSeconds int                `json:"duration_seconds"`
	MessageCount    int                `json:"message_count"`

	Actions  []ConversationAction `json:"actions,omitempty"`
	Metadata map[string]string    `json:"metadata,omitempty"`
}

// EventType represents the type of conversation event published to the
// durable log.
type EventType string

const (
	EventSessionStarted EventType = "session_started"
	EventSessionEnded   EventType = "session_ended"
	EventTurnFailed     EventType = "turn_failed"
	EventAbandoned      EventType = "abandoned"
)

// ConversationEvent is an event in a conversation's durable log.
type ConversationEvent struct {
	ID             string         `json:"id"`
	ConversationID string         `json:"conversation_id"`
	BusinessID     string         `json:"business_id"`
	Type           EventType      `json:"type"`
	Reason         string         `json:"reason,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
