package effect

import (
	"encoding/json"
	"fmt"
	"time"

	"mortgageflow/lifecycle"
	"mortgageflow/schedule"
)

// Payload is the decoded, typed form of an effect's payload blob. The blob is
// decoded into a concrete variant at the dispatcher boundary instead of
// passing an untyped map through the pipeline.
type Payload interface {
	isPayload()
}

// InstallmentsPayload drives the generate_installments and
// cancel_installments actions.
type InstallmentsPayload struct {
	AgreementID   string             `json:"agreement_id"`
	Principal     float64            `json:"principal"`
	AnnualRateBps int                `json:"annual_rate_bps"`
	Installments  int                `json:"installments"`
	Frequency     schedule.Frequency `json:"frequency"`
	StartDate     time.Time          `json:"start_date"`
}

func (InstallmentsPayload) isPayload() {}

// NotifyPayload drives the notify_party action. DedupeKey scopes the
// notification to its transition: the same template may fire again on a later
// transition (a second phase activation, a delinquency relapse) and must
// produce a new notification, while a retry of the same effect must not.
type NotifyPayload struct {
	AgreementID string `json:"agreement_id"`
	Recipient   string `json:"recipient"`
	Template    string `json:"template"`
	DedupeKey   string `json:"dedupe_key"`
}

func (NotifyPayload) isPayload() {}

// DocumentsPayload drives the request_documents action.
type DocumentsPayload struct {
	AgreementID string   `json:"agreement_id"`
	Documents   []string `json:"documents"`
}

func (DocumentsPayload) isPayload() {}

// DecodePayload decodes the stored blob into the variant for the action kind.
func DecodePayload(kind lifecycle.ActionKind, raw []byte) (Payload, error) {
	switch kind {
	case lifecycle.ActionGenerateInstallments, lifecycle.ActionCancelInstallments:
		var p InstallmentsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("effect: decode %s payload: %w", kind, err)
		}
		return p, nil
	case lifecycle.ActionNotifyParty:
		var p NotifyPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("effect: decode %s payload: %w", kind, err)
		}
		return p, nil
	case lifecycle.ActionRequestDocuments:
		var p DocumentsPayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("effect: decode %s payload: %w", kind, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("effect: unknown action kind %q", kind)
	}
}
