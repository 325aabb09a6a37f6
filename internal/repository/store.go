// Package repository persists sessions and messages durably. Backends are
// selected by DSN scheme in Open.
package repository

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"streamchat/internal/domain"
)

// Store is the durable session/message store.
type Store interface {
	CreateSession(ctx context.Context, s domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	ListSessions(ctx context.Context) ([]domain.Session, error)
	ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error)
	// BeginTurn inserts the user message and the assistant placeholder and
	// marks the session active, atomically.
	BeginTurn(ctx context.Context, sessionID string, user, assistant domain.Message, at time.Time) error
	// FinishTurn stores msg.Content as final (is_streaming=false) and sets
	// the owning session's status, atomically.
	FinishTurn(ctx context.Context, msg domain.Message, status domain.SessionStatus, at time.Time) error
	SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error
	Close() error
}

// Open builds a Store from a DSN. Supported schemes:
//
//	memory://
//	sqlite://path/to/file.db (also file:)
//	postgres://... or postgresql://...
//	dynamodb://table-name
func Open(ctx context.Context, dsn string) (Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("repository: dsn must not be empty")
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: parse dsn: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return NewMemoryStore(), nil
	case "sqlite", "file":
		path := strings.TrimPrefix(strings.TrimPrefix(dsn, u.Scheme+"://"), u.Scheme+":")
		return OpenSQLite(ctx, path)
	case "postgres", "postgresql":
		return OpenPostgres(ctx, dsn)
	case "dynamodb":
		table := u.Host + strings.TrimSuffix(u.Path, "/")
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("repository: load aws config: %w", err)
		}
		return NewDynamoStore(dynamodb.NewFromConfig(cfg), table)
	default:
		return nil, fmt.Errorf("repository: unsupported dsn scheme %q", u.Scheme)
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("%s %q: %w", kind, id, domain.ErrNotFound)
}
