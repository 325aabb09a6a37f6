package domain

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

type SessionStatus string

const (
	SessionActive      SessionStatus = "active"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
)

// Valid reports whether s is a known session status.
func (s SessionStatus) Valid() bool {
	switch s {
	case SessionActive, SessionCompleted, SessionInterrupted:
		return true
	default:
		return false
	}
}

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Session is a persisted conversation.
type Session struct {
	ID            string        `json:"id"`
	Title         string        `json:"title,omitempty"`
	Status        SessionStatus `json:"status"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
	LastMessageID string        `json:"last_message_id,omitempty"`
}

// Message is a single persisted conversation turn. The assistant placeholder
// of a running turn has IsStreaming set and lags the checkpoint content.
type Message struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	Role        Role      `json:"role"`
	Content     string    `json:"content"`
	IsStreaming bool      `json:"is_streaming"`
	CreatedAt   time.Time `json:"created_at"`
}
