package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/velotest/velotest/pkg/models"
)

// Client submits compiled reports to a remote ingestion server.
type Client struct {
	BaseURL    string
	APIKey     string
	httpClient *http.Client
}

// New creates a submission client for the given server base URL, e.g.
// "http://localhost:8080".
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SubmitReport converts a local report into the ingestion payload and posts
// it. The server re-derives scoring from the payload, so only raw counts and
// the per-test list travel.
func (c *Client) SubmitReport(ctx context.Context, rep *models.Report) (*models.IngestResponse, error) {
	payload := models.IngestRequest{
		APIKey:       c.APIKey,
		CreationName: rep.ProjectName,
		Report:       buildIngestReport(rep),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal ingest payload: %w", err)
	}

	url := c.BaseURL + "/api/v1/reports"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("ingest request failed with status %s: %s", resp.Status, string(bodyBytes))
	}

	var result models.IngestResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode ingest response: %w", err)
	}
	return &result, nil
}

// buildIngestReport flattens a local report into the wire shape. Failure
// details stay behind in the local artifact; the server only needs statuses.
func buildIngestReport(rep *models.Report) models.IngestReport {
	results := rep.TestResults
	tests := make([]models.IngestTest, 0, results.Total)

	for _, f := range results.Failures {
		tests = append(tests, models.IngestTest{Suite: f.SuiteName, Status: models.StatusFailed})
	}
	// Passing and skipped tests are not individually identified in the result
	// set; synthesize entries so the server's per-test split sees them.
	for i := 0; i < results.Passed; i++ {
		tests = append(tests, models.IngestTest{Suite: rep.ProjectName, Status: models.StatusPassed})
	}
	for i := 0; i < results.Skipped; i++ {
		tests = append(tests, models.IngestTest{Suite: rep.ProjectName, Status: "skipped"})
	}

	out := models.IngestReport{
		Stats: models.IngestStats{
			Total:    results.Total,
			Passed:   results.Passed,
			Failed:   results.Failed,
			Skipped:  results.Skipped,
			Duration: results.DurationMs,
		},
		Tests:    tests,
		Metadata: models.IngestMetadata{ProjectName: rep.ProjectName},
	}
	if len(rep.AIAnalysis) > 0 {
		out.AISummary = rep.AIAnalysis[0].Explanation
	}
	return out
}
