// Package model defines data structures for the agent gateway.
package model

import (
	"time"
)

// LinkType classifies how an agent link's usage is bounded.
type LinkType string

const (
	LinkTypeSingleUse     LinkType = "single_use"
	LinkTypeMultiUse      LinkType = "multi_use"
	LinkTypeTimeLimited   LinkType = "time_limited"
	LinkTypeMinuteLimited LinkType = "minute_limited"
)

// LinkStatus is the lifecycle state of an agent link. Links are never
// deleted, only status-transitioned.
type LinkStatus string

const (
	LinkStatusActive    LinkStatus = "active"
	LinkStatusExpired   LinkStatus = "expired"
	LinkStatusExhausted LinkStatus = "exhausted"
	LinkStatusDisabled  LinkStatus = "disabled"
)

// LinkSettings is the free-form configuration a link carries into every
// session started through it.
type LinkSettings struct {
	Persona        string          `json:"persona,omitempty"`
	Model          string          `json:"model,omitempty"`
	Temperature    float64         `json:"temperature,omitempty"`
	AllowedActions []string        `json:"allowed_actions,omitempty"`
	WelcomeMessage string          `json:"welcome_message,omitempty"`
	PolicyFlags    map[string]bool `json:"policy_flags,omitempty"`
}

// AgentLink is a shareable, revocable access credential for a business's
// agent. The usage counters are the only cross-session shared mutable state
// in the system; they are mutated through conditional writes in the store.
type AgentLink struct {
	ID         string     `json:"id"`
	BusinessID string     `json:"business_id"`
	Name       string     `json:"name"`
	Type       LinkType   `json:"type"`
	Status     LinkStatus `json:"status"`
	Token      string     `json:"token"`

	MaxUses     *int `json:"max_uses,omitempty"`
	CurrentUses int  `json:"current_uses"`
	MaxMinutes  *int `json:"max_minutes,omitempty"`
	MinutesUsed int  `json:"minutes_used"`

	ExpiresAt *time.Time   `json:"expires_at,omitempty"`
	Settings  LinkSettings `json:"settings"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Expired reports whether the link's absolute expiry has passed.
func (l *AgentLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && !now.Before(*l.ExpiresAt)
}

// UsesExhausted reports whether the use counter has reached its cap.
func (l *AgentLink) UsesExhausted() bool {
	return l.MaxUses != nil && l.CurrentUses >= *l.MaxUses
}

// MinutesExhausted reports whether the minute budget has been spent.
func (l *AgentLink) MinutesExhausted() bool {
	return l.MaxMinutes != nil && l.MinutesUsed >= *l.MaxMinutes
}

// CreateLinkRequest is the request to create a new agent link.
type CreateLinkRequest struct {
	Name       string       `json:"name"`
	Type       LinkType     `json:"type"`
	MaxUses    *int         `json:"max_uses,omitempty"`
	MaxMinutes *int         `json:"max_minutes,omitempty"`
	ExpiresAt  *time.Time   `json:"expires_at,omitempty"`
	Settings   LinkSettings `json:"settings"`
}

// ListLinksResponse is the response for listing a business's links.
type ListLinksResponse struct {
	Links []AgentLink `json:"links"`
	Total int         `json:"total"`
}
