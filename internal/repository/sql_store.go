package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"streamchat/internal/domain"
)

const sqlOperationTimeout = 5 * time.Second

const sqlSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL,
	created_at BIGINT NOT NULL,
	updated_at BIGINT NOT NULL,
	last_message_id TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at);

CREATE TABLE IF NOT EXISTS messages (
	id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
	role TEXT NOT NULL,
	content TEXT NOT NULL DEFAULT '',
	is_streaming BOOLEAN NOT NULL DEFAULT FALSE,
	created_at BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_session_created ON messages(session_id, created_at);
`

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

// SQLStore implements Store over database/sql for SQLite and PostgreSQL.
// Queries are written with ? placeholders and rebound per dialect.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
}

// OpenSQLite opens (creating if needed) a SQLite database file.
func OpenSQLite(ctx context.Context, path string) (*SQLStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("repository: sqlite path must not be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("repository: create database directory: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open sqlite: %w", err)
	}
	// One writer at a time avoids SQLITE_BUSY on concurrent turns.
	db.SetMaxOpenConns(1)
	return newSQLStore(ctx, db, dialectSQLite)
}

// OpenPostgres connects to PostgreSQL with lib/pq.
func OpenPostgres(ctx context.Context, dsn string) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("repository: open postgres: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	return newSQLStore(ctx, db, dialectPostgres)
}

func newSQLStore(ctx context.Context, db *sql.DB, d dialect) (*SQLStore, error) {
	ctx, cancel := context.WithTimeout(ctx, sqlOperationTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqlSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("repository: create schema: %w", err)
	}
	return &SQLStore{db: db, dialect: d}, nil
}

// rebind rewrites ? placeholders to $N for PostgreSQL.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *SQLStore) exec(ctx context.Context, ex execer, query string, args ...any) (int64, error) {
	res, err := ex.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLStore) CreateSession(ctx context.Context, sess domain.Session) error {
	if sess.ID == "" {
		return errors.New("repository: CreateSession: id is required")
	}
	_, err := s.exec(ctx, s.db, `
		INSERT INTO sessions (id, title, status, created_at, updated_at, last_message_id)
		VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Title, string(sess.Status),
		sess.CreatedAt.UnixNano(), sess.UpdatedAt.UnixNano(), sess.LastMessageID,
	)
	if err != nil {
		return fmt.Errorf("repository: CreateSession: %w", err)
	}
	return nil
}

const sessionColumns = `id, title, status, created_at, updated_at, last_message_id`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (domain.Session, error) {
	var sess domain.Session
	var status string
	var createdAt, updatedAt int64
	if err := row.Scan(&sess.ID, &sess.Title, &status, &createdAt, &updatedAt, &sess.LastMessageID); err != nil {
		return domain.Session{}, err
	}
	sess.Status = domain.SessionStatus(status)
	sess.CreatedAt = time.Unix(0, createdAt).UTC()
	sess.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return sess, nil
}

func (s *SQLStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	row := s.db.QueryRowContext(ctx, s.rebind(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), sessionID)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", notFound("session", sessionID))
	}
	if err != nil {
		return domain.Session{}, fmt.Errorf("repository: GetSession: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) ListSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM sessions ORDER BY updated_at DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("repository: ListSessions: %w", err)
	}
	defer rows.Close()

	sessions := []domain.Session{}
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("repository: ListSessions scan: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListSessions: %w", err)
	}
	return sessions, nil
}

func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]domain.Message, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`
		SELECT id, session_id, role, content, is_streaming, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at ASC, id ASC`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	defer rows.Close()

	msgs := []domain.Message{}
	for rows.Next() {
		var msg domain.Message
		var role string
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &role, &msg.Content, &msg.IsStreaming, &createdAt); err != nil {
			return nil, fmt.Errorf("repository: ListMessages scan: %w", err)
		}
		msg.Role = domain.Role(role)
		msg.CreatedAt = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository: ListMessages: %w", err)
	}
	return msgs, nil
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *SQLStore) BeginTurn(ctx context.Context, sessionID string, user, assistant domain.Message, at time.Time) error {
	if user.ID == "" || assistant.ID == "" {
		return errors.New("repository: BeginTurn: message ids are required")
	}
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `
			UPDATE sessions SET status = ?, updated_at = ?, last_message_id = ?
			WHERE id = ?`,
			string(domain.SessionActive), at.UnixNano(), assistant.ID, sessionID)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("session", sessionID)
		}
		for _, msg := range []domain.Message{user, assistant} {
			if _, err := s.exec(ctx, tx, `
				INSERT INTO messages (id, session_id, role, content, is_streaming, created_at)
				VALUES (?, ?, ?, ?, ?, ?)`,
				msg.ID, sessionID, string(msg.Role), msg.Content, msg.IsStreaming, msg.CreatedAt.UnixNano()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: BeginTurn: %w", err)
	}
	return nil
}

func (s *SQLStore) FinishTurn(ctx context.Context, msg domain.Message, status domain.SessionStatus, at time.Time) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		n, err := s.exec(ctx, tx, `
			UPDATE messages SET content = ?, is_streaming = ?
			WHERE id = ? AND session_id = ?`,
			msg.Content, false, msg.ID, msg.SessionID)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("message", msg.ID)
		}
		n, err = s.exec(ctx, tx, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), at.UnixNano(), msg.SessionID)
		if err != nil {
			return err
		}
		if n == 0 {
			return notFound("session", msg.SessionID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("repository: FinishTurn: %w", err)
	}
	return nil
}

func (s *SQLStore) SetSessionStatus(ctx context.Context, sessionID string, status domain.SessionStatus, at time.Time) error {
	n, err := s.exec(ctx, s.db, `UPDATE sessions SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), at.UnixNano(), sessionID)
	if err != nil {
		return fmt.Errorf("repository: SetSessionStatus: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("repository: SetSessionStatus: %w", notFound("session", sessionID))
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
