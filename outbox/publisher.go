// Package outbox implements the transactional outbox: domain events are
// written atomically with the state mutation and delivered to the message
// bus as a separate, retryable step.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"mortgageflow/bus"
	"mortgageflow/metrics"
)

// Store is the persistence surface PublishNow needs. Implemented by
// *Repository; tests substitute an in-memory store.
type Store interface {
	Get(ctx context.Context, id string) (Event, error)
	MarkSent(ctx context.Context, id, messageID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, id, lastErr string) error
}

// PublishResult reports one PublishNow invocation.
type PublishResult struct {
	EventID     string
	MessageID   string
	AlreadySent bool
}

// Publisher delivers outbox events to the bus sink. PublishNow is safe to
// call any number of times per event; delivery is at-least-once and
// consumers dedupe on the event id.
type Publisher struct {
	store Store
	sink  bus.Sink
	log   *slog.Logger
	now   func() time.Time
}

func NewPublisher(store Store, sink bus.Sink, log *slog.Logger) *Publisher {
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{store: store, sink: sink, log: log, now: time.Now}
}

// PublishNow attempts delivery of one event. An already-SENT event returns
// success idempotently without touching the bus. A failure marks the row
// FAILED for the redrive scheduler; it is returned as an error but must not
// roll back anything.
func (p *Publisher) PublishNow(ctx context.Context, eventID string) (PublishResult, error) {
	ev, err := p.store.Get(ctx, eventID)
	if err != nil {
		return PublishResult{}, err
	}

	if ev.Status == StatusSent {
		metrics.OutboxPublishesTotal.WithLabelValues("already_sent").Inc()
		res := PublishResult{EventID: ev.ID, AlreadySent: true}
		if ev.MessageID != nil {
			res.MessageID = *ev.MessageID
		}
		return res, nil
	}

	envelope, err := json.Marshal(Envelope{
		EventID:       ev.ID,
		EventType:     ev.EventType,
		AggregateType: ev.AggregateType,
		AggregateID:   ev.AggregateID,
		OccurredAt:    ev.OccurredAt.UTC(),
		Payload:       ev.Payload,
	})
	if err != nil {
		return PublishResult{}, fmt.Errorf("outbox: marshal envelope: %w", err)
	}

	attrs := map[string]string{
		"event_id":   ev.ID,
		"event_type": ev.EventType,
	}
	messageID, pubErr := p.sink.Publish(ctx, ev.Topic, envelope, attrs)
	if pubErr != nil {
		metrics.OutboxPublishesTotal.WithLabelValues("failed").Inc()
		if err := p.store.MarkFailed(ctx, ev.ID, pubErr.Error()); err != nil {
			p.log.Error("mark outbox event failed", "event_id", ev.ID, "error", err)
		}
		p.log.Warn("outbox publish failed, event retained for redrive",
			"event_id", ev.ID,
			"topic", ev.Topic,
			"error", pubErr)
		return PublishResult{EventID: ev.ID}, fmt.Errorf("outbox: publish %s: %w", ev.ID, pubErr)
	}

	if err := p.store.MarkSent(ctx, ev.ID, messageID, p.now()); err != nil {
		// The bus accepted the message but the mark did not stick; the next
		// redrive re-publishes and the consumer dedupes on event id.
		p.log.Error("mark outbox event sent", "event_id", ev.ID, "error", err)
	}
	metrics.OutboxPublishesTotal.WithLabelValues("sent").Inc()
	return PublishResult{EventID: ev.ID, MessageID: messageID}, nil
}
