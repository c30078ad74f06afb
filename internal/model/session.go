package model

// Session is the runtime handle for one active conversation. It is derived
// from the conversation at session start and is not persisted as its own
// row; it travels with the client and comes back on end-session.
type Session struct {
	SessionID      string       `json:"session_id"`
	ConversationID string       `json:"conversation_id"`
	BusinessID     string       `json:"business_id"`
	LinkID         string       `json:"link_id,omitempty"`
	Settings       LinkSettings `json:"settings"`
}
