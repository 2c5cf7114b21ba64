package chat

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Mem is an in-memory Store. It backs tests and local development without
// Postgres; semantics match PG including the insert-if-absent dedup.
type Mem struct {
	mu   sync.Mutex
	seq  int64
	rows []memRow
	byID map[string]int
}

type memRow struct {
	seq int64
	msg Message
}

func NewMem() *Mem {
	return &Mem{byID: make(map[string]int)}
}

func (s *Mem) Insert(_ context.Context, m *Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[m.MessageID]; ok {
		return false, nil
	}
	s.seq++
	cp := *m
	cp.CreatedAt = time.Now()
	cp.UpdatedAt = cp.CreatedAt
	s.byID[m.MessageID] = len(s.rows)
	s.rows = append(s.rows, memRow{seq: s.seq, msg: cp})
	return true, nil
}

func (s *Mem) Exists(_ context.Context, messageID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byID[messageID]
	return ok, nil
}

func (s *Mem) History(_ context.Context, q HistoryQuery) (*HistoryPage, error) {
	limit := q.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	s.mu.Lock()
	var match []memRow
	for _, r := range s.rows {
		m := r.msg
		between := (m.From == q.UserID && m.To == q.With) || (m.From == q.With && m.To == q.UserID)
		if between && (q.Before == 0 || m.TS < q.Before) {
			match = append(match, r)
		}
	}
	s.mu.Unlock()

	// newest first, insertion order as tie-break
	sort.Slice(match, func(i, j int) bool {
		if match[i].msg.TS != match[j].msg.TS {
			return match[i].msg.TS > match[j].msg.TS
		}
		return match[i].seq > match[j].seq
	})
	if len(match) > limit {
		match = match[:limit]
	}

	page := make([]Message, 0, len(match))
	for i := len(match) - 1; i >= 0; i-- {
		page = append(page, match[i].msg)
	}
	out := &HistoryPage{Messages: page}
	if len(page) == limit && limit > 0 {
		oldest := page[0].TS
		out.NextBefore = &oldest
	}
	return out, nil
}

func (s *Mem) MarkSeen(_ context.Context, from, to string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.rows {
		m := &s.rows[i].msg
		if m.From == from && m.To == to && !m.Seen {
			m.Seen = true
			m.UpdatedAt = time.Now()
			n++
		}
	}
	return n, nil
}

// Count reports how many records are persisted; test helper.
func (s *Mem) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}
