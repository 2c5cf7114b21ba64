// Package worker commits queued messages into durable storage exactly once.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/shoplane/chat-gateway/internal/chat"
	"github.com/shoplane/chat-gateway/internal/queue"
)

// Handler outcomes. skipped_duplicate is what makes redelivery of an
// already-queued job safe: detected and absorbed, never an error.
const (
	OutcomeSaved            = "saved"
	OutcomeSkippedDuplicate = "skipped_duplicate"
)

var errInvalidPayload = errors.New("invalid message payload")

// Persister is the persist-message job handler. Pure job-in, outcome-out;
// retry policy lives entirely in the queue runner.
type Persister struct {
	store chat.Store
	log   zerolog.Logger
}

func NewPersister(store chat.Store, log zerolog.Logger) *Persister {
	return &Persister{store: store, log: log}
}

func (p *Persister) Handle(ctx context.Context, job *queue.Job) (string, error) {
	var msg chat.Message
	if err := json.Unmarshal(job.Payload, &msg); err != nil {
		// A payload that does not decode will not decode on retry either.
		return "", queue.Permanent(fmt.Errorf("decode payload: %w", err))
	}
	if msg.MessageID == "" || !msg.Valid() {
		return "", queue.Permanent(errInvalidPayload)
	}

	exists, err := p.store.Exists(ctx, msg.MessageID)
	if err != nil {
		return "", err // storage trouble is retryable
	}
	if exists {
		return OutcomeSkippedDuplicate, nil
	}

	inserted, err := p.store.Insert(ctx, &msg)
	if err != nil {
		return "", err
	}
	if !inserted {
		// Raced another delivery of the same message between the existence
		// check and the insert; the unique index absorbed it.
		return OutcomeSkippedDuplicate, nil
	}
	return OutcomeSaved, nil
}
