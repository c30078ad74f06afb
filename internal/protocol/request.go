package protocol

import (
	"encoding/json"
	"strings"

	"github.com/salonflow/agent-gateway/internal/model"
)

// Op identifies the operation requested on a transport stream. Every
// stream carries exactly one envelope; turn streams then continue with
// frames while the others receive a single response value.
type Op string

const (
	OpAgentQuery     Op = "agent_query"
	OpStartSession   Op = "start_session"
	OpEndSession     Op = "end_session"
	OpListThreads    Op = "list_threads"
	OpGetMessages    Op = "get_messages"
	OpGetCheckpoints Op = "get_checkpoints"
)

// Envelope wraps one request with its operation tag.
type Envelope struct {
	Op   Op              `json:"op"`
	Body json.RawMessage `json:"body"`
}

// NewEnvelope marshals body into an envelope for op.
func NewEnvelope(op Op, body any) (Envelope, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Op: op, Body: raw}, nil
}

// Default request field values for a turn.
const (
	DefaultMaxSteps       = 10
	DefaultTimeoutSeconds = 60
)

// TurnRequest asks the agent to process one query.
type TurnRequest struct {
	Query       string         `json:"query"`
	UserID      string         `json:"user_id"`
	ThreadID    string         `json:"thread_id,omitempty"`
	SessionPath string         `json:"session_path,omitempty"`
	Context     map[string]any `json:"context,omitempty"`
	MaxSteps    int            `json:"max_steps,omitempty"`
	Timeout     int            `json:"timeout,omitempty"` // seconds
	AgentName   string         `json:"agent_name,omitempty"`
}

// ApplyDefaults normalizes the query and fills zero-valued optional
// fields. A query that is blank after trimming stays empty so the
// server rejects it.
func (r *TurnRequest) ApplyDefaults() {
	r.Query = strings.TrimSpace(r.Query)
	if r.MaxSteps == 0 {
		r.MaxSteps = DefaultMaxSteps
	}
	if r.Timeout == 0 {
		r.Timeout = DefaultTimeoutSeconds
	}
}

// TurnMetadata describes how a turn was executed.
type TurnMetadata struct {
	DurationMs        int64  `json:"duration_ms"`
	AgentUsed         string `json:"agent_used"`
	Steps             int    `json:"steps"`
	CheckpointVersion int    `json:"checkpoint_version,omitempty"`
}

// TurnResponse is the terminal payload of a turn.
type TurnResponse struct {
	Success  bool          `json:"success"`
	Result   string        `json:"result"`
	Error    string        `json:"error"`
	ThreadID string        `json:"thread_id,omitempty"`
	Metadata *TurnMetadata `json:"metadata,omitempty"`
}

// StartSessionRequest opens a session against a link token.
type StartSessionRequest struct {
	Token string `json:"token"`
}

// StartSessionResponse returns the session descriptor on success.
type StartSessionResponse struct {
	Success        bool           `json:"success"`
	Session        *model.Session `json:"session,omitempty"`
	Error          string         `json:"error,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	WelcomeMessage string         `json:"welcomeMessage,omitempty"`
}

// EndSessionRequest closes a session. Idempotent on the server side.
type EndSessionRequest struct {
	Session model.Session `json:"session"`
}

// EndSessionResponse acknowledges an end-session call.
type EndSessionResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// ListThreadsRequest pages a user's past threads.
type ListThreadsRequest struct {
	UserID string `json:"user_id"`
	Limit  int    `json:"limit,omitempty"`
}

// ListThreadsResponse carries the thread summaries.
type ListThreadsResponse struct {
	Success bool               `json:"success"`
	Threads []model.ThreadInfo `json:"threads"`
	Error   string             `json:"error,omitempty"`
}

// GetMessagesRequest fetches a thread's flattened message list.
type GetMessagesRequest struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit,omitempty"`
}

// GetMessagesResponse carries a thread's messages.
type GetMessagesResponse struct {
	Success  bool                  `json:"success"`
	ThreadID string                `json:"thread_id"`
	Messages []model.ThreadMessage `json:"messages"`
	Error    string                `json:"error,omitempty"`
}

// GetCheckpointsRequest fetches a thread's saved reasoning checkpoints.
type GetCheckpointsRequest struct {
	ThreadID string `json:"thread_id"`
	Limit    int    `json:"limit,omitempty"`
}

// GetCheckpointsResponse carries a thread's checkpoints.
type GetCheckpointsResponse struct {
	Success     bool               `json:"success"`
	ThreadID    string             `json:"thread_id"`
	Checkpoints []model.Checkpoint `json:"checkpoints"`
	Error       string             `json:"error,omitempty"`
}

// KeepAlive is the best-effort datagram a client sends while a session is
// open. Sessions with no keepalive inside the idle window are abandoned.
type KeepAlive struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
}
