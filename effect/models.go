package effect

import (
	"time"

	"mortgageflow/lifecycle"
)

// Status tracks a side effect through its lifecycle. Effects are never
// deleted; terminal rows form part of the audit trail.
type Status string

const (
	StatusPending    Status = "pending"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusRolledBack Status = "rolled_back"
)

// SideEffect is one unit of work attached to an accepted transition. The
// idempotency key is globally unique per logical effect (transition id plus
// action kind), so a retry or duplicate dispatch never re-executes a
// completed effect.
type SideEffect struct {
	ID             string
	TransitionID   string
	Action         lifecycle.ActionKind
	ExecutionOrder int
	Status         Status
	IdempotencyKey string
	Payload        []byte
	Result         []byte
	RetryCount     int
	MaxRetries     int
	NextRetryAt    *time.Time
	LastError      *string
	RollbackError  *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// IdempotencyKey derives the globally unique key for one logical effect.
func IdempotencyKey(transitionID string, action lifecycle.ActionKind) string {
	return transitionID + ":" + string(action)
}

// Outcome reports what Dispatch did with one effect.
type Outcome struct {
	EffectID string
	Action   lifecycle.ActionKind
	Status   Status
	Err      string
}
