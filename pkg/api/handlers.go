package api

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	httperrors "github.com/velotest/velotest/errors"
	"github.com/velotest/velotest/pkg/config"
	"github.com/velotest/velotest/pkg/models"
	"github.com/velotest/velotest/pkg/queue"
	"github.com/velotest/velotest/pkg/scoring"
	"github.com/velotest/velotest/pkg/storage"
)

const (
	fallbackCreationName = "Untitled Test Run"
	ingestSource         = "api"
	bookkeepingTimeout   = 5 * time.Second
)

type API struct {
	RunStore storage.RunStore
	Events   queue.Publisher
	Logger   *slog.Logger
	Config   *config.Config
}

func NewAPI(rs storage.RunStore, events queue.Publisher, logger *slog.Logger, cfg *config.Config) *API {
	return &API{RunStore: rs, Events: events, Logger: logger, Config: cfg}
}

// HandleIngestReport authenticates a submitted report, re-derives its scoring
// server-side, persists a TestRun and debits one credit. The credit debit and
// credential bookkeeping are best-effort: once the run row exists the call
// reports success regardless of accounting hiccups.
func (a *API) HandleIngestReport(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleIngestReport"))

	var req models.IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httperrors.BadRequest(w, logger, err, "Invalid JSON request body")
		return
	}
	defer r.Body.Close()

	// 1. Authentication. Only the digest of the presented secret is compared;
	// the raw key is never stored or logged.
	if req.APIKey == "" {
		httperrors.Unauthorized(w, logger, nil, "Missing api_key")
		return
	}
	cred, err := a.RunStore.GetCredentialByHash(r.Context(), HashAPIKey(req.APIKey))
	if err != nil {
		if errors.Is(err, storage.ErrNoCredential) {
			httperrors.Unauthorized(w, logger, nil, "")
			return
		}
		httperrors.InternalServerError(w, logger, err, "Failed to verify credentials")
		return
	}
	logger = logger.With(slog.String("owner_id", cred.OwnerID))

	// 2. Validation. Nothing is persisted for a rejected payload.
	stats := req.Report.Stats
	if msg := validateStats(stats); msg != "" {
		httperrors.BadRequest(w, logger, nil, msg)
		return
	}
	if len(req.Report.Tests) > 0 && len(req.Report.Tests) != stats.Total {
		// Counts come from stats, rates from tests[]; a mismatch is recorded
		// but does not reject the payload.
		logger.Warn("Report stats disagree with test list length",
			slog.Int("stats_total", stats.Total),
			slog.Int("tests_len", len(req.Report.Tests)),
		)
	}

	// 3. Server-side scoring. Client-reported summaries are never trusted for
	// classification.
	status := scoring.DeriveStatus(stats.Total, stats.Failed)
	backendRate, frontendRate := scoring.PassRates(req.Report.Tests)

	payload, err := json.Marshal(req.Report)
	if err != nil {
		httperrors.BadRequest(w, logger, err, "Report payload is not serializable")
		return
	}

	run := &models.TestRun{
		ID:               uuid.NewString(),
		OwnerID:          cred.OwnerID,
		CreationName:     creationName(req),
		Status:           status,
		TotalTests:       stats.Total,
		PassedTests:      stats.Passed,
		FailedTests:      stats.Failed,
		SkippedTests:     stats.Skipped,
		BackendPassRate:  backendRate,
		FrontendPassRate: frontendRate,
		DurationMs:       stats.Duration,
		ReportPayload:    payload,
		AISummary:        req.Report.AISummary,
		Source:           ingestSource,
	}

	// 4. Persistence. A failure here aborts with no partial TestRun written.
	if err := a.RunStore.CreateTestRun(r.Context(), run); err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to save test run")
		return
	}
	logger = logger.With(slog.String("run_id", run.ID))

	// 5 & 6. Credential bookkeeping and credit debit. Failures are swallowed:
	// a billing hiccup must never erase a just-recorded run. The reconciliation
	// event lets the audit job close the gap later.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), bookkeepingTimeout)
	defer cancel()
	if err := a.RunStore.TouchCredential(ctx, cred.ID); err != nil {
		logger.Warn("Failed to update credential last-used timestamp", slog.String("error", err.Error()))
	}
	if _, err := a.RunStore.DebitCredit(ctx, cred.OwnerID); err != nil {
		logger.Warn("Credit debit failed after run persistence", slog.String("error", err.Error()))
		a.publishReconcileEvent(ctx, run, err, logger)
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	if err := json.NewEncoder(w).Encode(models.IngestResponse{
		Success:      true,
		TestRunID:    run.ID,
		DashboardURL: fmt.Sprintf("%s/runs/%s", a.Config.DashboardBaseURL, run.ID),
	}); err != nil {
		logger.Error("Failed to encode ingest response", slog.String("error", err.Error()))
	}
}

// HandleGetTestRun retrieves one persisted run.
func (a *API) HandleGetTestRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")
	logger := a.Logger.With(slog.String("handler", "HandleGetTestRun"), slog.String("run_id", runID))
	if runID == "" {
		httperrors.BadRequest(w, logger, nil, "Missing run ID")
		return
	}

	run, err := a.RunStore.GetTestRun(r.Context(), runID)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to retrieve test run")
		return
	}
	if run == nil {
		httperrors.NotFound(w, logger, nil, "Test run not found")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(run); err != nil {
		logger.Error("Failed to encode run response", slog.String("error", err.Error()))
	}
}

// HandleListTestRuns retrieves the authenticated owner's recent runs. The key
// arrives in the Authorization header as "Bearer <key>".
func (a *API) HandleListTestRuns(w http.ResponseWriter, r *http.Request) {
	logger := a.Logger.With(slog.String("handler", "HandleListTestRuns"))

	apiKey := bearerToken(r)
	if apiKey == "" {
		httperrors.Unauthorized(w, logger, nil, "Missing Authorization bearer token")
		return
	}
	cred, err := a.RunStore.GetCredentialByHash(r.Context(), HashAPIKey(apiKey))
	if err != nil {
		if errors.Is(err, storage.ErrNoCredential) {
			httperrors.Unauthorized(w, logger, nil, "")
			return
		}
		httperrors.InternalServerError(w, logger, err, "Failed to verify credentials")
		return
	}

	runs, err := a.RunStore.ListTestRuns(r.Context(), cred.OwnerID, 50)
	if err != nil {
		httperrors.InternalServerError(w, logger, err, "Failed to retrieve test runs")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(runs); err != nil {
		logger.Error("Failed to encode runs response", slog.String("error", err.Error()))
	}
}

func (a *API) publishReconcileEvent(ctx context.Context, run *models.TestRun, cause error, logger *slog.Logger) {
	if a.Events == nil {
		return
	}
	event := queue.AccountingEvent{
		TestRunID:  run.ID,
		OwnerID:    run.OwnerID,
		Reason:     cause.Error(),
		OccurredAt: time.Now().UTC(),
	}
	if err := a.Events.PublishAccountingEvent(ctx, event); err != nil {
		// Reconciliation is itself best-effort; the audit job can still find
		// the gap by comparing run counts against the ledger.
		logger.Error("Failed to publish accounting reconciliation event", slog.String("error", err.Error()))
	}
}

// HashAPIKey returns the hex SHA-256 digest under which credentials are stored.
func HashAPIKey(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func validateStats(stats models.IngestStats) string {
	switch {
	case stats.Total < 0 || stats.Passed < 0 || stats.Failed < 0 || stats.Skipped < 0:
		return "Report stats must be non-negative"
	case stats.Passed+stats.Failed+stats.Skipped != stats.Total:
		return "Report stats are inconsistent: passed + failed + skipped must equal total"
	default:
		return ""
	}
}

// creationName falls back from the caller-supplied name to the report's
// project metadata to a literal placeholder; it is never blank.
func creationName(req models.IngestRequest) string {
	if req.CreationName != "" {
		return req.CreationName
	}
	if req.Report.Metadata.ProjectName != "" {
		return req.Report.Metadata.ProjectName
	}
	return fallbackCreationName
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}
