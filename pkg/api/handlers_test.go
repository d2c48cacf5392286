package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotest/velotest/pkg/config"
	"github.com/velotest/velotest/pkg/models"
	"github.com/velotest/velotest/pkg/queue"
	"github.com/velotest/velotest/pkg/storage"
)

const (
	testAPIKey  = "vt_live_0123456789abcdef"
	testOwnerID = "owner-1"
)

// fakeStore is an in-memory RunStore mirroring the persistence contract,
// including the atomic floor-at-zero debit.
type fakeStore struct {
	mu          sync.Mutex
	credentials map[string]*models.ApiCredential // keyed by key hash
	runs        map[string]*models.TestRun
	credits     map[string]int
	touched     map[string]int

	createRunErr error
	debitErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		credentials: map[string]*models.ApiCredential{},
		runs:        map[string]*models.TestRun{},
		credits:     map[string]int{},
		touched:     map[string]int{},
	}
}

func (f *fakeStore) addCredential(rawKey, ownerID string, active bool, credits int) {
	f.credentials[HashAPIKey(rawKey)] = &models.ApiCredential{
		ID: "cred-" + ownerID, OwnerID: ownerID, KeyHash: HashAPIKey(rawKey), IsActive: active,
	}
	f.credits[ownerID] = credits
}

func (f *fakeStore) GetCredentialByHash(_ context.Context, keyHash string) (*models.ApiCredential, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cred, ok := f.credentials[keyHash]
	if !ok || !cred.IsActive {
		return nil, storage.ErrNoCredential
	}
	return cred, nil
}

func (f *fakeStore) CreateTestRun(_ context.Context, run *models.TestRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createRunErr != nil {
		return f.createRunErr
	}
	cp := *run
	f.runs[run.ID] = &cp
	return nil
}

func (f *fakeStore) GetTestRun(_ context.Context, runID string) (*models.TestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[runID], nil
}

func (f *fakeStore) ListTestRuns(_ context.Context, ownerID string, _ int) ([]models.TestRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := []models.TestRun{}
	for _, run := range f.runs {
		if run.OwnerID == ownerID {
			out = append(out, *run)
		}
	}
	return out, nil
}

func (f *fakeStore) TouchCredential(_ context.Context, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.touched[credentialID]++
	return nil
}

func (f *fakeStore) DebitCredit(_ context.Context, ownerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.debitErr != nil {
		return 0, f.debitErr
	}
	balance := f.credits[ownerID]
	if balance > 0 {
		balance--
	}
	f.credits[ownerID] = balance
	return balance, nil
}

func (f *fakeStore) Close() error { return nil }

type fakePublisher struct {
	mu     sync.Mutex
	events []queue.AccountingEvent
}

func (f *fakePublisher) PublishAccountingEvent(_ context.Context, event queue.AccountingEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

func (f *fakePublisher) Close() error { return nil }

func newTestAPI(store *fakeStore, events queue.Publisher) *API {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewAPI(store, events, logger, &config.Config{
		DashboardBaseURL: "http://localhost:8080/dashboard",
		RequestTimeout:   15 * time.Second,
	})
}

func ingestBody(t *testing.T, req models.IngestRequest) *bytes.Reader {
	t.Helper()
	data, err := json.Marshal(req)
	require.NoError(t, err)
	return bytes.NewReader(data)
}

func doIngest(t *testing.T, a *API, req models.IngestRequest) *httptest.ResponseRecorder {
	t.Helper()
	r := httptest.NewRequest(http.MethodPost, "/api/v1/reports", ingestBody(t, req))
	w := httptest.NewRecorder()
	a.HandleIngestReport(w, r)
	return w
}

func sampleRequest() models.IngestRequest {
	return models.IngestRequest{
		APIKey:       testAPIKey,
		CreationName: "nightly run",
		Report: models.IngestReport{
			Stats: models.IngestStats{Total: 5, Passed: 2, Failed: 2, Skipped: 1, Duration: 9000},
			Tests: []models.IngestTest{
				{Suite: "API smoke", Status: "passed"},
				{Suite: "backend auth", Status: "passed"},
				{Suite: "server health", Status: "failed"},
				{Suite: "checkout flow", Status: "failed"},
				{Suite: "landing page", Status: "skipped"},
			},
			Metadata: models.IngestMetadata{ProjectName: "shop-demo"},
		},
	}
}

func TestIngestSuccess(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 10)
	a := newTestAPI(store, &fakePublisher{})

	w := doIngest(t, a, sampleRequest())
	require.Equal(t, http.StatusCreated, w.Code)

	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.TestRunID)
	assert.Contains(t, resp.DashboardURL, resp.TestRunID)

	run := store.runs[resp.TestRunID]
	require.NotNil(t, run)
	assert.Equal(t, models.StatusFailed, run.Status, "status is re-derived, not client-reported")
	assert.Equal(t, "nightly run", run.CreationName)
	assert.Equal(t, 5, run.TotalTests)
	require.NotNil(t, run.BackendPassRate)
	require.NotNil(t, run.FrontendPassRate)
	assert.Equal(t, 67, *run.BackendPassRate)
	assert.Equal(t, 0, *run.FrontendPassRate)
	assert.Equal(t, 9, store.credits[testOwnerID], "exactly one credit debited")
	assert.Equal(t, 1, store.touched["cred-"+testOwnerID])
}

func TestIngestStatusDerivation(t *testing.T) {
	cases := []struct {
		name  string
		stats models.IngestStats
		want  string
	}{
		{"all passed", models.IngestStats{Total: 3, Passed: 3}, models.StatusPassed},
		{"empty run is an error", models.IngestStats{}, models.StatusError},
		{"failures dominate", models.IngestStats{Total: 2, Passed: 1, Failed: 1}, models.StatusFailed},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := newFakeStore()
			store.addCredential(testAPIKey, testOwnerID, true, 5)
			a := newTestAPI(store, &fakePublisher{})

			req := models.IngestRequest{APIKey: testAPIKey, Report: models.IngestReport{Stats: tc.stats}}
			w := doIngest(t, a, req)
			require.Equal(t, http.StatusCreated, w.Code)

			var resp models.IngestResponse
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, tc.want, store.runs[resp.TestRunID].Status)
		})
	}
}

func TestIngestUnknownKeyRejected(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	a := newTestAPI(store, &fakePublisher{})

	req := sampleRequest()
	req.APIKey = "wrong-key"
	w := doIngest(t, a, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, store.runs, "no run may be written")
	assert.Equal(t, 5, store.credits[testOwnerID], "no credit may be debited")
}

func TestIngestRevokedKeyRejected(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, false, 5)
	a := newTestAPI(store, &fakePublisher{})

	w := doIngest(t, a, sampleRequest())

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Empty(t, store.runs)
	assert.Equal(t, 5, store.credits[testOwnerID])
	assert.Empty(t, store.touched)
}

func TestIngestInconsistentStatsRejected(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	a := newTestAPI(store, &fakePublisher{})

	req := sampleRequest()
	req.Report.Stats = models.IngestStats{Total: 10, Passed: 1, Failed: 1, Skipped: 1}
	w := doIngest(t, a, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.runs)
	assert.Equal(t, 5, store.credits[testOwnerID])
}

func TestIngestNegativeStatsRejected(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	a := newTestAPI(store, &fakePublisher{})

	req := sampleRequest()
	req.Report.Stats = models.IngestStats{Total: -1, Passed: -1}
	req.Report.Tests = nil
	w := doIngest(t, a, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, store.runs)
}

func TestIngestCreationNameFallback(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	a := newTestAPI(store, &fakePublisher{})

	// Metadata project name wins when creation_name is absent.
	req := sampleRequest()
	req.CreationName = ""
	w := doIngest(t, a, req)
	require.Equal(t, http.StatusCreated, w.Code)
	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "shop-demo", store.runs[resp.TestRunID].CreationName)

	// Placeholder when both are absent.
	req.Report.Metadata.ProjectName = ""
	w = doIngest(t, a, req)
	require.Equal(t, http.StatusCreated, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, fallbackCreationName, store.runs[resp.TestRunID].CreationName)
}

func TestIngestCreditFloorAtZero(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 1)
	a := newTestAPI(store, &fakePublisher{})

	for i := 0; i < 3; i++ {
		w := doIngest(t, a, sampleRequest())
		require.Equal(t, http.StatusCreated, w.Code)
	}
	assert.Equal(t, 0, store.credits[testOwnerID], "balance floors at zero, never negative")
	assert.Len(t, store.runs, 3, "runs are still recorded when the balance is exhausted")
}

func TestIngestCreditFloorAtZeroConcurrent(t *testing.T) {
	const callers = 8
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 1)
	a := newTestAPI(store, &fakePublisher{})

	codes := make([]int, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			codes[i] = doIngest(t, a, sampleRequest()).Code
		}(i)
	}
	wg.Wait()

	for i, code := range codes {
		assert.Equal(t, http.StatusCreated, code, "caller %d", i)
	}
	assert.Equal(t, 0, store.credits[testOwnerID], "racing debits never drive the balance negative")
	assert.Len(t, store.runs, callers)
}

func TestIngestDebitFailureStillSucceeds(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	store.debitErr = fmt.Errorf("ledger unavailable")
	events := &fakePublisher{}
	a := newTestAPI(store, events)

	w := doIngest(t, a, sampleRequest())

	require.Equal(t, http.StatusCreated, w.Code, "a billing hiccup must never erase a recorded run")
	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, store.runs[resp.TestRunID])

	require.Len(t, events.events, 1, "reconciliation event published for the audit job")
	assert.Equal(t, resp.TestRunID, events.events[0].TestRunID)
	assert.Equal(t, testOwnerID, events.events[0].OwnerID)
}

func TestIngestPersistenceFailureAborts(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	store.createRunErr = fmt.Errorf("database down")
	a := newTestAPI(store, &fakePublisher{})

	w := doIngest(t, a, sampleRequest())

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, 5, store.credits[testOwnerID], "no debit without a persisted run")
}

func TestGetTestRunRoundTrip(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	a := newTestAPI(store, &fakePublisher{})
	router := SetupRouter(a, a.Config)

	w := doIngest(t, a, sampleRequest())
	require.Equal(t, http.StatusCreated, w.Code)
	var resp models.IngestResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/"+resp.TestRunID, nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	require.Equal(t, http.StatusOK, rec.Code)

	var run models.TestRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, resp.TestRunID, run.ID)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/runs/does-not-exist", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListTestRunsRequiresBearer(t *testing.T) {
	store := newFakeStore()
	store.addCredential(testAPIKey, testOwnerID, true, 5)
	a := newTestAPI(store, &fakePublisher{})
	router := SetupRouter(a, a.Config)

	r := httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	r = httptest.NewRequest(http.MethodGet, "/api/v1/runs/", nil)
	r.Header.Set("Authorization", "Bearer "+testAPIKey)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusOK, rec.Code)
}
