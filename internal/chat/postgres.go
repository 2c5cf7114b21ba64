package chat

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PG is the Postgres-backed Store. The pool is safely shared across
// concurrent worker handlers: each handler only appends or reads, it never
// mutates another job's record.
type PG struct {
	Pool *pgxpool.Pool
}

func NewPG(pool *pgxpool.Pool) *PG { return &PG{Pool: pool} }

func (s *PG) Ping(ctx context.Context) error { return s.Pool.Ping(ctx) }

func (s *PG) Close() { s.Pool.Close() }

// Insert writes the message unless its message_id is already present.
// The unique index makes redelivery of an already-committed job a no-op,
// which is what keeps at-least-once queue delivery safe.
func (s *PG) Insert(ctx context.Context, m *Message) (bool, error) {
	tag, err := s.Pool.Exec(ctx, `
		INSERT INTO messages(message_id, from_id, to_id, body, ts, delivered, seen)
		VALUES($1,$2,$3,$4,$5,$6,false)
		ON CONFLICT (message_id) DO NOTHING
	`, m.MessageID, m.From, m.To, m.Text, m.TS, m.Delivered)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PG) Exists(ctx context.Context, messageID string) (bool, error) {
	var one int
	err := s.Pool.QueryRow(ctx, `SELECT 1 FROM messages WHERE message_id=$1`, messageID).Scan(&one)
	if err == pgx.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// History fetches the newest q.Limit messages between the two identities
// older than q.Before, then returns them in ascending time order. Insertion
// order (id) breaks ts ties.
func (s *PG) History(ctx context.Context, q HistoryQuery) (*HistoryPage, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.Pool.Query(ctx, `
		SELECT message_id, from_id, to_id, body, ts, delivered, seen, created_at, updated_at
		FROM messages
		WHERE ((from_id=$1 AND to_id=$2) OR (from_id=$2 AND to_id=$1))
		  AND ($3::bigint = 0 OR ts < $3)
		ORDER BY ts DESC, id DESC
		LIMIT $4
	`, q.UserID, q.With, q.Before, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var page []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.MessageID, &m.From, &m.To, &m.Text, &m.TS,
			&m.Delivered, &m.Seen, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, err
		}
		page = append(page, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// newest-first → ascending
	for i, j := 0, len(page)-1; i < j; i, j = i+1, j-1 {
		page[i], page[j] = page[j], page[i]
	}

	out := &HistoryPage{Messages: page}
	if len(page) == limit {
		oldest := page[0].TS
		out.NextBefore = &oldest
	}
	return out, nil
}

func (s *PG) MarkSeen(ctx context.Context, from, to string) (int64, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE messages SET seen=true, updated_at=now()
		WHERE from_id=$1 AND to_id=$2 AND seen=false
	`, from, to)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
