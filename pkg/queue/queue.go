package queue

import (
	"context"
	"time"
)

// AccountingEvent is published when a credit debit failed after a test run
// was already persisted. A periodic audit job consumes these to reconcile the
// gap between recorded runs and debited credits.
type AccountingEvent struct {
	TestRunID  string    `json:"test_run_id"`
	OwnerID    string    `json:"owner_id"`
	Reason     string    `json:"reason"`
	OccurredAt time.Time `json:"occurred_at"`
}

// Publisher emits accounting reconciliation events. Publishing is best-effort
// from the caller's point of view; a publish failure is logged, never fatal.
type Publisher interface {
	PublishAccountingEvent(ctx context.Context, event AccountingEvent) error
	Close() error
}
