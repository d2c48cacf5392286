package storage

import (
	"context"
	"errors"

	"github.com/velotest/velotest/pkg/models"
)

// ErrNoCredential is returned when no active credential matches a key hash.
var ErrNoCredential = errors.New("no active credential for key")

// RunStore defines the persistence surface of the ingestion service.
type RunStore interface {
	// GetCredentialByHash looks up an active credential by the SHA-256 hex
	// digest of the presented secret. Returns ErrNoCredential when nothing
	// active matches.
	GetCredentialByHash(ctx context.Context, keyHash string) (*models.ApiCredential, error)

	// CreateTestRun persists a scored run and its raw payload. The run row
	// and the payload object are written together; a failure leaves no run.
	CreateTestRun(ctx context.Context, run *models.TestRun) error

	// GetTestRun retrieves one run by ID, nil when absent.
	GetTestRun(ctx context.Context, runID string) (*models.TestRun, error)

	// ListTestRuns retrieves the most recent runs for one owner.
	ListTestRuns(ctx context.Context, ownerID string, limit int) ([]models.TestRun, error)

	// TouchCredential updates the credential's last-used timestamp.
	TouchCredential(ctx context.Context, credentialID string) error

	// DebitCredit decrements the owner's credit balance by one, floored at
	// zero. The update is atomic; concurrent debits never drive the balance
	// negative. Returns the remaining balance.
	DebitCredit(ctx context.Context, ownerID string) (int, error)

	// Close releases any resources held by the store.
	Close() error
}
