package domain

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned by session stores for unknown or ended sessions.
	ErrSessionNotFound = errors.New("session not found")
	// ErrConcurrentUpdate is returned when a session changed between read and write.
	ErrConcurrentUpdate = errors.New("session was modified concurrently")
)

// Session is one chat session: a provider config plus the conversation so far.
type Session struct {
	ID        string
	Config    ProviderConfig
	History   []ChatMessage
	CreatedAt time.Time
	UpdatedAt time.Time

	// Generation increments every time the history is cleared and
	// MessageCount is the number of messages in the current generation.
	// Stores use both for optimistic concurrency on append.
	Generation   int
	MessageCount int
}

// Snapshot returns a copy of the history that callers may modify freely.
func (s Session) Snapshot() []ChatMessage {
	out := make([]ChatMessage, len(s.History))
	copy(out, s.History)
	return out
}

// WithMessages returns a copy of the history with msgs appended.
// The session itself is left untouched.
func (s Session) WithMessages(msgs ...ChatMessage) []ChatMessage {
	out := make([]ChatMessage, 0, len(s.History)+len(msgs))
	out = append(out, s.History...)
	return append(out, msgs...)
}
