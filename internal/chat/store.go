package chat

import (
	"context"
)

// Store is the durable record store for messages. The worker and the HTTP
// history API both run against this interface so tests can inject an
// in-memory implementation.
type Store interface {
	// Insert persists m as a new record. It reports false without writing
	// when a record with the same MessageID already exists.
	Insert(ctx context.Context, m *Message) (inserted bool, err error)
	// Exists reports whether a record with the given MessageID is persisted.
	Exists(ctx context.Context, messageID string) (bool, error)
	// History returns a page of the conversation between q.UserID and q.With.
	History(ctx context.Context, q HistoryQuery) (*HistoryPage, error)
	// MarkSeen flips the seen flag on every unseen message sent from `from`
	// to `to` and returns how many rows changed.
	MarkSeen(ctx context.Context, from, to string) (int64, error)
}
