package session

import (
	"log/slog"
	"sync"

	"chatstream/internal/models"
)

// Tracker holds the backend-issued session id of one conversation. The first
// non-empty id observed wins until Reset.
type Tracker struct {
	mu     sync.RWMutex
	id     string
	logger *slog.Logger
}

// NewTracker constructs an empty tracker.
func NewTracker(logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{logger: logger}
}

// Observe inspects a chunk's session metadata. It reports whether the chunk
// set the session.
func (t *Tracker) Observe(c models.Chunk) bool {
	if c.SessionID == "" {
		return false
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.id {
	case "":
		t.id = c.SessionID
		t.logger.Debug("session established", "session_id", c.SessionID)
		return true
	case c.SessionID:
		return false
	default:
		t.logger.Warn("ignoring differing session id", "session_id", t.id, "received", c.SessionID)
		return false
	}
}

// ID returns the current session id, or "" when none is set.
func (t *Tracker) ID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.id
}

// Reset clears the session for a new conversation.
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.id = ""
	t.mu.Unlock()
}
