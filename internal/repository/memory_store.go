package repository

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"streamchat/internal/domain"
)

// MemoryStore is an in-process Store. Values are copied in and out.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
	messages map[string][]domain.Message
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]domain.Session),
		messages: make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) CreateSession(_ context.Context, sess domain.Session) error {
	if sess.ID == "" {
		return errors.New("repository: CreateSession: id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sess.ID]; ok {
		return fmt.Errorf("repository: CreateSession: session %q already exists", sess.ID)
	}
	m.sessions[sess.ID] = sess
	return nil
}

func (m *MemoryStore) GetSession(_ context.Context, sessionID string) (domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", notFound("session", sessionID))
	}
	return sess, nil
}

func (m *MemoryStore) ListSessions(_ context.Context) ([]domain.Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		out = append(out, sess)
	}
	sortSessions(out)
	return out, nil
}

func (m *MemoryStore) ListMessages(_ context.Context, sessionID string) ([]domain.Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]domain.Message{}, m.messages[sessionID]...), nil
}

func (m *MemoryStore) BeginTurn(_ context.Context, sessionID string, user, assistant domain.Message, at time.Time) error {
	if user.ID == "" || assistant.ID == "" {
		return errors.New("repository: BeginTurn: message ids are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("repository: BeginTurn: %w", notFound("session", sessionID))
	}
	sess.Status = domain.SessionActive
	sess.UpdatedAt = at
	sess.LastMessageID = assistant.ID
	m.sessions[sessionID] = sess

	user.SessionID = sessionID
	assistant.SessionID = sessionID
	msgs := append(m.messages[sessionID], user, assistant)
	slices.SortStableFunc(msgs, func(a, b domain.Message) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	m.messages[sessionID] = msgs
	return nil
}

func (m *MemoryStore) FinishTurn(_ context.Context, msg domain.Message, status domain.SessionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[msg.SessionID]
	if !ok {
		return fmt.Errorf("repository: FinishTurn: %w", notFound("session", msg.SessionID))
	}
	msgs := m.messages[msg.SessionID]
	idx := slices.IndexFunc(msgs, func(existing domain.Message) bool { return existing.ID == msg.ID })
	if idx < 0 {
		return fmt.Errorf("repository: FinishTurn: %w", notFound("message", msg.ID))
	}
	msgs[idx].Content = msg.Content
	msgs[idx].IsStreaming = false
	sess.Status = status
	sess.UpdatedAt = at
	m.sessions[msg.SessionID] = sess
	return nil
}

func (m *MemoryStore) SetSessionStatus(_ context.Context, sessionID string, status domain.SessionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[sessionID]
	if !ok {
		return fmt.Errorf("repository: SetSessionStatus: %w", notFound("session", sessionID))
	}
	sess.Status = status
	sess.UpdatedAt = at
	m.sessions[sessionID] = sess
	return nil
}

func (m *MemoryStore) Close() error { return nil }
