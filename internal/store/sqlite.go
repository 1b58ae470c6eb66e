package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/replybot/internal/domain"
	"github.com/ashureev/replybot/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	busyRetries   = 3
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		number TEXT NOT NULL,
		message TEXT NOT NULL,
		timestamp INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_number_ts ON messages(number, timestamp);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendMessage stores one inbound message.
// Retries with exponential backoff on SQLITE_BUSY errors.
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *domain.LoggedMessage) error {
	query := `INSERT INTO messages (id, number, message, timestamp) VALUES (?, ?, ?, ?)`

	var err error
	for i := 0; i < busyRetries; i++ {
		_, err = s.db.ExecContext(ctx, query,
			msg.ID, string(msg.Number), msg.Message, msg.Timestamp.UnixNano())
		if err == nil {
			return nil
		}
		if !shared.IsSQLiteConflictError(err) || i == busyRetries-1 {
			break
		}

		delay := busyBaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("AppendMessage failed with SQLITE_BUSY, retrying",
			"recipient", msg.Number,
			"attempt", i+1,
			"delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("append message: %w", ctx.Err())
		}
	}
	return fmt.Errorf("append message: %w", err)
}

// RecentMessages returns up to limit messages from recipient, newest first.
func (s *SQLiteStore) RecentMessages(ctx context.Context, recipient domain.Recipient, limit int) ([]*domain.LoggedMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, number, message, timestamp
		FROM messages WHERE number = ?
		ORDER BY timestamp DESC LIMIT ?`

	rows, err := s.db.QueryContext(ctx, query, string(recipient), limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var messages []*domain.LoggedMessage
	for rows.Next() {
		var msg domain.LoggedMessage
		var number string
		var ts int64
		if err := rows.Scan(&msg.ID, &number, &msg.Message, &ts); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.Number = domain.Recipient(number)
		msg.Timestamp = time.Unix(0, ts)
		messages = append(messages, &msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}

	return messages, nil
}

// CountMessages returns the number of stored messages.
func (s *SQLiteStore) CountMessages(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
