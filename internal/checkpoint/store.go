package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"streamchat/internal/domain"
)

const (
	fieldCurrentMessageID = "current_message_id"
	fieldStatus           = "status"
	fieldLastUserMessage  = "last_user_message"
	fieldContent          = "content"
)

func sessionKey(sessionID string) string { return "session:" + sessionID }
func messageKey(messageID string) string { return "message:" + messageID }

// Store reads and writes checkpoints over a HashStore.
type Store struct {
	hashes HashStore
}

func NewStore(hashes HashStore) (*Store, error) {
	if hashes == nil {
		return nil, errors.New("checkpoint: hash store must not be nil")
	}
	return &Store{hashes: hashes}, nil
}

// Begin records a new streaming checkpoint for cp.SessionID. Content, if any,
// is written to the message hash.
func (s *Store) Begin(ctx context.Context, cp domain.Checkpoint) error {
	if cp.SessionID == "" || cp.MessageID == "" {
		return errors.New("checkpoint: session id and message id are required")
	}
	status := cp.Status
	if status == "" {
		status = domain.CheckpointStreaming
	}
	if err := s.hashes.SetFields(ctx, sessionKey(cp.SessionID), map[string]string{
		fieldCurrentMessageID: cp.MessageID,
		fieldStatus:           status,
		fieldLastUserMessage:  cp.LastUserMessage,
	}); err != nil {
		return err
	}
	if cp.Content != "" {
		return s.UpdateContent(ctx, cp.MessageID, cp.Content)
	}
	return nil
}

// Load returns the checkpoint of sessionID, or nil when none is recorded.
func (s *Store) Load(ctx context.Context, sessionID string) (*domain.Checkpoint, error) {
	fields, err := s.hashes.GetAll(ctx, sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	messageID := fields[fieldCurrentMessageID]
	if messageID == "" && fields[fieldStatus] == "" {
		return nil, nil
	}
	cp := &domain.Checkpoint{
		SessionID:       sessionID,
		MessageID:       messageID,
		Status:          fields[fieldStatus],
		LastUserMessage: fields[fieldLastUserMessage],
	}
	if messageID != "" {
		msg, err := s.hashes.GetAll(ctx, messageKey(messageID))
		if err != nil {
			return nil, err
		}
		cp.Content = msg[fieldContent]
	}
	return cp, nil
}

// UpdateContent overwrites the accumulated content of messageID.
func (s *Store) UpdateContent(ctx context.Context, messageID, content string) error {
	return s.hashes.SetFields(ctx, messageKey(messageID), map[string]string{fieldContent: content})
}

// Clear removes the checkpoint of a finished turn. Other fields of the
// session hash are left alone.
func (s *Store) Clear(ctx context.Context, sessionID, messageID string) error {
	if err := s.hashes.DeleteFields(ctx, sessionKey(sessionID),
		fieldCurrentMessageID, fieldStatus, fieldLastUserMessage); err != nil {
		return fmt.Errorf("clear session %s: %w", sessionID, err)
	}
	if messageID == "" {
		return nil
	}
	if err := s.hashes.Delete(ctx, messageKey(messageID)); err != nil {
		return fmt.Errorf("clear message %s: %w", messageID, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.hashes.Close()
}
