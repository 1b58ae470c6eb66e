// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"

	"github.com/ashureev/replybot/internal/domain"
)

// Repository persists inbound messages.
type Repository interface {
	// AppendMessage stores one inbound message.
	AppendMessage(ctx context.Context, msg *domain.LoggedMessage) error

	// RecentMessages returns up to limit messages from recipient, newest first.
	RecentMessages(ctx context.Context, recipient domain.Recipient, limit int) ([]*domain.LoggedMessage, error)

	// CountMessages returns the number of stored messages.
	CountMessages(ctx context.Context) (int64, error)

	// Ping verifies database connectivity and returns an error if the database is unreachable.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
