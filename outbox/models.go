package outbox

import (
	"encoding/json"
	"time"

	"mortgageflow/lifecycle"
)

// Status of an outbox event. FAILED rows are retained indefinitely for
// redrive; they never cause the originating business transaction to roll
// back.
type Status string

const (
	StatusPending Status = "PENDING"
	StatusSent    Status = "SENT"
	StatusFailed  Status = "FAILED"
)

// Event is a domain event queued for delivery. The row is created atomically
// with the triggering state mutation: if the mutation commits the row exists,
// if it rolls back so does the row. Publication is a separate, best-effort,
// retryable step.
type Event struct {
	ID            string
	EventType     string
	AggregateType string
	AggregateID   string
	Topic         string
	Payload       []byte
	Actor         lifecycle.Actor
	Status        Status
	FailureCount  int
	LastError     *string
	OccurredAt    time.Time
	SentAt        *time.Time
	MessageID     *string
}

// Envelope is the wire shape handed to the message bus. EventID lets
// consumers dedupe the at-least-once delivery.
type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	AggregateType string          `json:"aggregate_type"`
	AggregateID   string          `json:"aggregate_id"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
