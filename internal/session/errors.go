package session

import "errors"

// Typed validation failures from Start. Callers map these to wire error
// codes; anything else is an internal failure.
var (
	ErrInvalidToken  = errors.New("invalid link token")
	ErrLinkExpired   = errors.New("link expired")
	ErrLinkExhausted = errors.New("link exhausted")
	ErrLinkDisabled  = errors.New("link disabled")
)

// ErrSessionEnded is returned when a turn references a conversation that
// is no longer active.
var ErrSessionEnded = errors.New("session already ended")

// ErrPersistence wraps store failures that survived a retry.
var ErrPersistence = errors.New("persistence failure")

// ErrorCode maps a session error to its wire code. Unknown errors map
// to internal_error.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidToken):
		return "invalid_token"
	case errors.Is(err, ErrLinkExpired):
		return "link_expired"
	case errors.Is(err, ErrLinkExhausted):
		return "link_exhausted"
	case errors.Is(err, ErrLinkDisabled):
		return "link_disabled"
	case errors.Is(err, ErrSessionEnded):
		return "session_ended"
	default:
		return "internal_error"
	}
}
