package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"chat-relay/internal/domain"
)

// Memory is a process-local session store with the same semantics as Client.
// It backs the terminal front-end and tests.
type Memory struct {
	mu       sync.Mutex
	sessions map[string]domain.Session
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]domain.Session), now: time.Now}
}

func (m *Memory) Create(_ context.Context, s domain.Session) error {
	if s.ID == "" {
		return errors.New("repository: Create: session id is required")
	}
	if len(s.History) != 0 {
		return errors.New("repository: Create: new sessions start with an empty history")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[s.ID]; ok {
		return fmt.Errorf("repository: Create: session %q already exists", s.ID)
	}
	s.History = nil
	s.MessageCount = 0
	m.sessions[s.ID] = s
	return nil
}

func (m *Memory) Get(_ context.Context, sessionID string) (domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	s.History = s.Snapshot()
	return s, nil
}

func (m *Memory) UpdateConfig(_ context.Context, sessionID string, cfg domain.ProviderConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("repository: UpdateConfig: %w", domain.ErrSessionNotFound)
	}
	s.Config = cfg
	s.UpdatedAt = m.now().UTC()
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) AppendTurn(_ context.Context, s domain.Session, msgs ...domain.ChatMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.sessions[s.ID]
	if !ok {
		return fmt.Errorf("repository: AppendTurn: %w", domain.ErrSessionNotFound)
	}
	if cur.Generation != s.Generation || cur.MessageCount != s.MessageCount {
		return fmt.Errorf("repository: AppendTurn: %w", domain.ErrConcurrentUpdate)
	}
	cur.History = cur.WithMessages(msgs...)
	cur.MessageCount += len(msgs)
	cur.UpdatedAt = m.now().UTC()
	m.sessions[s.ID] = cur
	return nil
}

func (m *Memory) ClearHistory(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("repository: ClearHistory: %w", domain.ErrSessionNotFound)
	}
	s.History = nil
	s.Generation++
	s.MessageCount = 0
	s.UpdatedAt = m.now().UTC()
	m.sessions[sessionID] = s
	return nil
}

func (m *Memory) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("repository: Delete: %w", domain.ErrSessionNotFound)
	}
	delete(m.sessions, sessionID)
	return nil
}
