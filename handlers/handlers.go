// Package handlers implements the builtin side-effect actions: installment
// schedule generation and cancellation, party notification, and document
// requests. All handlers are idempotent; the dispatcher may re-invoke them
// after a crash.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"mortgageflow/agreement"
	"mortgageflow/effect"
	"mortgageflow/lifecycle"
	"mortgageflow/schedule"
)

// Set owns the database-backed handler implementations.
type Set struct {
	pool       *pgxpool.Pool
	agreements *agreement.Repository
	log        *slog.Logger
}

func NewSet(pool *pgxpool.Pool, log *slog.Logger) *Set {
	if log == nil {
		log = slog.Default()
	}
	return &Set{pool: pool, agreements: agreement.NewRepository(), log: log}
}

// Register binds every builtin action into the registry.
func (s *Set) Register(reg *effect.Registry) error {
	regs := map[lifecycle.ActionKind]effect.Registration{
		lifecycle.ActionGenerateInstallments: {
			Execute:    s.GenerateInstallments,
			Compensate: s.CancelInstallments,
		},
		lifecycle.ActionCancelInstallments: {
			Execute: s.CancelInstallments,
		},
		lifecycle.ActionNotifyParty: {
			Execute:    s.NotifyParty,
			MaxRetries: 5,
		},
		lifecycle.ActionRequestDocuments: {
			Execute: s.RequestDocuments,
		},
	}
	for kind, r := range regs {
		if err := reg.Register(kind, r); err != nil {
			return err
		}
	}
	return nil
}

type installmentsResult struct {
	ScheduleRef  string  `json:"schedule_ref"`
	Installments int     `json:"installments"`
	Payment      float64 `json:"payment,omitempty"`
}

// GenerateInstallments amortizes the agreement terms and persists the
// schedule. A second invocation finds the schedule_ref already set and
// returns the existing schedule without writing anything.
func (s *Set) GenerateInstallments(ctx context.Context, p effect.Payload) (json.RawMessage, error) {
	in, ok := p.(effect.InstallmentsPayload)
	if !ok {
		return nil, fmt.Errorf("handlers: generate_installments: unexpected payload %T", p)
	}

	var existing *string
	if err := s.pool.QueryRow(ctx,
		`SELECT schedule_ref FROM agreements WHERE id = $1`, in.AgreementID,
	).Scan(&existing); err != nil {
		return nil, fmt.Errorf("handlers: load agreement %s: %w", in.AgreementID, err)
	}
	if existing != nil {
		var n int
		if err := s.pool.QueryRow(ctx,
			`SELECT COUNT(*) FROM installments WHERE agreement_id = $1 AND schedule_ref = $2`,
			in.AgreementID, *existing,
		).Scan(&n); err != nil {
			return nil, fmt.Errorf("handlers: count installments: %w", err)
		}
		return json.Marshal(installmentsResult{ScheduleRef: *existing, Installments: n})
	}

	plan, err := schedule.Amortize(schedule.Terms{
		Principal:     in.Principal,
		AnnualRateBps: in.AnnualRateBps,
		Installments:  in.Installments,
		Frequency:     in.Frequency,
		StartDate:     in.StartDate,
	})
	if err != nil {
		return nil, fmt.Errorf("handlers: amortize agreement %s: %w", in.AgreementID, err)
	}

	scheduleRef := "sched-" + uuid.NewString()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("handlers: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
INSERT INTO installments
    (agreement_id, schedule_ref, number, due_date, amount, principal, interest, balance, status)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'scheduled')
`
	for _, inst := range plan {
		if _, err := tx.Exec(ctx, insertSQL,
			in.AgreementID, scheduleRef, inst.Number, inst.DueDate,
			inst.Amount, inst.Principal, inst.Interest, inst.Balance,
		); err != nil {
			return nil, fmt.Errorf("handlers: insert installment %d: %w", inst.Number, err)
		}
	}
	if err := s.agreements.SetScheduleRef(ctx, tx, in.AgreementID, scheduleRef); err != nil {
		return nil, fmt.Errorf("handlers: agreement %s: %w", in.AgreementID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("handlers: commit schedule: %w", err)
	}

	s.log.Info("installment schedule generated",
		"agreement_id", in.AgreementID,
		"schedule_ref", scheduleRef,
		"installments", len(plan))

	return json.Marshal(installmentsResult{
		ScheduleRef:  scheduleRef,
		Installments: len(plan),
		Payment:      plan[0].Amount,
	})
}

type cancelResult struct {
	Cancelled int `json:"cancelled"`
}

// CancelInstallments voids every not-yet-paid installment of the agreement.
// It doubles as the compensation for GenerateInstallments.
func (s *Set) CancelInstallments(ctx context.Context, p effect.Payload) (json.RawMessage, error) {
	in, ok := p.(effect.InstallmentsPayload)
	if !ok {
		return nil, fmt.Errorf("handlers: cancel_installments: unexpected payload %T", p)
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE installments SET status = 'cancelled' WHERE agreement_id = $1 AND status = 'scheduled'`,
		in.AgreementID,
	)
	if err != nil {
		return nil, fmt.Errorf("handlers: cancel installments: %w", err)
	}

	s.log.Info("installments cancelled",
		"agreement_id", in.AgreementID,
		"count", tag.RowsAffected())
	return json.Marshal(cancelResult{Cancelled: int(tag.RowsAffected())})
}

type notifyResult struct {
	NotificationID string `json:"notification_id"`
}

// NotifyParty records the notification for the delivery pipeline. The unique
// dedupe key is transition-scoped: a retry of the same effect hits the
// conflict and writes nothing new, while the same template fired by a later
// transition queues a fresh notification.
func (s *Set) NotifyParty(ctx context.Context, p effect.Payload) (json.RawMessage, error) {
	in, ok := p.(effect.NotifyPayload)
	if !ok {
		return nil, fmt.Errorf("handlers: notify_party: unexpected payload %T", p)
	}
	if in.DedupeKey == "" {
		return nil, fmt.Errorf("handlers: notify_party: missing dedupe key")
	}

	const q = `
INSERT INTO notifications (agreement_id, recipient, template, dedupe_key, status)
VALUES ($1, $2, $3, $4, 'queued')
ON CONFLICT (dedupe_key) DO UPDATE SET dedupe_key = EXCLUDED.dedupe_key
RETURNING id
`
	var id string
	if err := s.pool.QueryRow(ctx, q, in.AgreementID, in.Recipient, in.Template, in.DedupeKey).Scan(&id); err != nil {
		return nil, fmt.Errorf("handlers: queue notification: %w", err)
	}
	return json.Marshal(notifyResult{NotificationID: id})
}

type documentsResult struct {
	Requested []string `json:"requested"`
}

// RequestDocuments opens a document request per checklist entry.
func (s *Set) RequestDocuments(ctx context.Context, p effect.Payload) (json.RawMessage, error) {
	in, ok := p.(effect.DocumentsPayload)
	if !ok {
		return nil, fmt.Errorf("handlers: request_documents: unexpected payload %T", p)
	}

	const q = `
INSERT INTO document_requests (agreement_id, document, status)
VALUES ($1, $2, 'requested')
ON CONFLICT (agreement_id, document) DO NOTHING
`
	for _, doc := range in.Documents {
		if _, err := s.pool.Exec(ctx, q, in.AgreementID, doc); err != nil {
			return nil, fmt.Errorf("handlers: request document %s: %w", doc, err)
		}
	}
	return json.Marshal(documentsResult{Requested: in.Documents})
}
