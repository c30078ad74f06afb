package model

import (
	"time"
)

// ThreadInfo is a read-only summary of a past conversation thread,
// projected for clients paging through history.
type ThreadInfo struct {
	ThreadID    string            `json:"thread_id"`
	UserID      string            `json:"user_id"`
	SessionPath string            `json:"session_path,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
}

// ThreadMessage is a flattened history message. Never mutated by clients.
type ThreadMessage struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is a versioned saved state of the agent's reasoning graph at
// a point in a thread's history.
type Checkpoint struct {
	ID        string    `json:"id"`
	Version   int       `json:"version"`
	Node      string    `json:"node"`
	CreatedAt time.Time `json:"created_at"`
}
