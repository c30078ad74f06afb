package runtime

import (
	"sync"
	"time"
)

// liveness tracks the last time each open conversation showed signs of
// life, from keepalive datagrams or turn activity.
type liveness struct {
	mu       sync.Mutex
	lastSeen map[string]time.Time
}

func newLiveness() *liveness {
	return &liveness{lastSeen: make(map[string]time.Time)}
}

func (l *liveness) touch(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen[conversationID] = time.Now()
}

func (l *liveness) forget(conversationID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.lastSeen, conversationID)
}

// idle returns conversations quiet for longer than timeout.
func (l *liveness) idle(timeout time.Duration) []string {
	cutoff := time.Now().Add(-timeout)
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []string
	for id, seen := range l.lastSeen {
		if seen.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}
