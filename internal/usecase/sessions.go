package usecase

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"streamchat/internal/domain"
)

const maxTitleLength = 200

// SessionCatalog is the durable store as seen by SessionService.
type SessionCatalog interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
}

// SessionService serves the session and history reads around turns.
type SessionService struct {
	store SessionCatalog
	now   func() time.Time
}

func NewSessionService(store SessionCatalog) (*SessionService, error) {
	if store == nil {
		return nil, errors.New("usecase: session catalog must not be nil")
	}
	return &SessionService{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *SessionService) Create(ctx context.Context, title string) (domain.Session, error) {
	title = strings.TrimSpace(title)
	if utf8.RuneCountInString(title) > maxTitleLength {
		return domain.Session{}, newError(ErrorInvalidInput, "title_too_long", nil)
	}
	now := s.now()
	sess := domain.Session{
		ID:        newUUID(),
		Title:     title,
		Status:    domain.SessionActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return domain.Session{}, newError(ErrorInternal, "store_write_error", err)
	}
	return sess, nil
}

func (s *SessionService) Get(ctx context.Context, sessionID string) (domain.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, storeReadError(err)
	}
	return sess, nil
}

// List returns sessions most recently updated first.
func (s *SessionService) List(ctx context.Context) ([]domain.Session, error) {
	sessions, err := s.store.ListSessions(ctx)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	return sessions, nil
}

// Messages returns the session's messages in creation order. A running turn's
// placeholder is included with IsStreaming set.
func (s *SessionService) Messages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	if _, err := s.store.GetSession(ctx, sessionID); err != nil {
		return nil, storeReadError(err)
	}
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, newError(ErrorInternal, "store_read_error", err)
	}
	return msgs, nil
}

func storeReadError(err error) error {
	if errors.Is(err, domain.ErrNotFound) {
		return newError(ErrorSessionNotFound, "session_not_found", err)
	}
	return newError(ErrorInternal, "store_read_error", err)
}
