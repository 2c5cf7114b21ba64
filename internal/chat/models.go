package chat

import (
	"time"
)

// Message is a single direct communication unit. MessageID is assigned by the
// gateway at ingestion time and is the deduplication key: at most one
// persisted record exists per MessageID.
type Message struct {
	MessageID string    `json:"messageId"`
	From      string    `json:"from"`
	To        string    `json:"to"`
	Text      string    `json:"text"`
	TS        int64     `json:"ts"` // unix millis, stamped at ingestion
	// Delivered means the realtime push reached a live connection on the
	// ingesting instance at send time; connections on other instances are
	// not counted. Best-effort, the durable record is the source of truth.
	Delivered bool      `json:"delivered"`
	Seen      bool      `json:"seen"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Valid reports whether the message has the shape the worker is allowed to
// persist. A payload failing this check is a permanent failure, not a retry.
func (m *Message) Valid() bool {
	return m.From != "" && m.To != "" && m.Text != ""
}

// HistoryQuery selects a page of conversation history between two identities.
// Before is an exclusive unix-millis cursor; zero means "newest page".
type HistoryQuery struct {
	UserID string // requesting side
	With   string // other side
	Before int64
	Limit  int
}

// HistoryPage is a page of messages in ascending time order plus the cursor
// for the next-older page (nil when this page is the oldest).
type HistoryPage struct {
	Messages   []Message `json:"messages"`
	NextBefore *int64    `json:"nextBefore,omitempty"`
}
