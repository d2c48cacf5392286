package models

import "time"

// ProjectContext is the detected configuration describing how to run a target
// project's tests. It is produced once per invocation by the detector and is
// immutable afterwards.
type ProjectContext struct {
	ProjectPath  string   `json:"project_path"`
	ProjectName  string   `json:"project_name"`
	Port         int      `json:"port"`
	BaseURL      string   `json:"base_url"`
	StartCommand string   `json:"start_command,omitempty"` // empty means "do not start anything"
	TestDirs     []string `json:"test_dirs"`
}

// FailureRecord describes one failing test, in execution order.
type FailureRecord struct {
	SuiteName    string `json:"suite_name"`
	TestName     string `json:"test_name"`
	ErrorMessage string `json:"error_message"`
	StackTrace   string `json:"stack_trace,omitempty"`
}

// TestResultSet is the structured outcome of one runner invocation.
// Invariant: Passed + Failed + Skipped == Total, all non-negative.
type TestResultSet struct {
	Total      int             `json:"total"`
	Passed     int             `json:"passed"`
	Failed     int             `json:"failed"`
	Skipped    int             `json:"skipped"`
	DurationMs int64           `json:"duration_ms"`
	Failures   []FailureRecord `json:"failures,omitempty"`
}

// Valid reports whether the counts are internally consistent.
func (s *TestResultSet) Valid() bool {
	if s.Total < 0 || s.Passed < 0 || s.Failed < 0 || s.Skipped < 0 {
		return false
	}
	return s.Passed+s.Failed+s.Skipped == s.Total
}

// AnalysisEntry is an AI-generated explanation attached to one failing test.
type AnalysisEntry struct {
	Failure      FailureRecord `json:"failure"`
	Explanation  string        `json:"explanation"`
	SuggestedFix string        `json:"suggested_fix,omitempty"`
}

// Report is the persisted artifact combining a run's results and its analysis.
// AIAnalysis is nil when the analysis stage was skipped or failed.
type Report struct {
	ProjectPath string          `json:"project_path"`
	ProjectName string          `json:"project_name"`
	GeneratedAt time.Time       `json:"generated_at"`
	TestResults TestResultSet   `json:"test_results"`
	AIAnalysis  []AnalysisEntry `json:"ai_analysis,omitempty"`
	JiraData    map[string]any  `json:"jira_data,omitempty"`
	Path        string          `json:"path,omitempty"`
}

// Constants for derived run status.
const (
	StatusRunning = "running"
	StatusPassed  = "passed"
	StatusFailed  = "failed"
	StatusError   = "error"
)

// TestRun is the scoring record persisted by the ingestion service. Created
// exactly once per successful ingestion call; never deleted by this subsystem.
type TestRun struct {
	ID               string    `json:"id"`
	OwnerID          string    `json:"owner_id"`
	CreationName     string    `json:"creation_name"`
	Status           string    `json:"status"`
	TotalTests       int       `json:"total_tests"`
	PassedTests      int       `json:"passed_tests"`
	FailedTests      int       `json:"failed_tests"`
	SkippedTests     int       `json:"skipped_tests"`
	BackendPassRate  *int      `json:"backend_pass_rate,omitempty"`  // nil when no backend tests
	FrontendPassRate *int      `json:"frontend_pass_rate,omitempty"` // nil when no frontend tests
	DurationMs       int64     `json:"duration_ms"`
	ReportPayload    []byte    `json:"-"`
	PayloadURL       string    `json:"payload_url,omitempty"`
	AISummary        string    `json:"ai_summary,omitempty"`
	Source           string    `json:"source"`
	CreatedAt        time.Time `json:"created_at"`
}

// ApiCredential is the stored form of an issued API key. Only the SHA-256 hash
// of the raw secret is ever persisted; the raw secret exists client-side only.
type ApiCredential struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	KeyHash    string     `json:"-"`
	IsActive   bool       `json:"is_active"`
	LastUsedAt *time.Time `json:"last_used_at,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// IngestRequest is the JSON body accepted by the ingestion endpoint.
type IngestRequest struct {
	APIKey       string       `json:"api_key"`
	CreationName string       `json:"creation_name,omitempty"`
	Report       IngestReport `json:"report"`
}

// IngestReport carries the caller-compiled report. Stats is trusted for raw
// counts; Tests is the per-test list the server re-derives rates from.
type IngestReport struct {
	Stats     IngestStats    `json:"stats"`
	Tests     []IngestTest   `json:"tests"`
	Metadata  IngestMetadata `json:"metadata,omitempty"`
	AISummary string         `json:"aiSummary,omitempty"`
}

type IngestStats struct {
	Total    int   `json:"total"`
	Passed   int   `json:"passed"`
	Failed   int   `json:"failed"`
	Skipped  int   `json:"skipped"`
	Duration int64 `json:"duration"`
}

type IngestTest struct {
	Suite  string `json:"suite,omitempty"`
	Status string `json:"status"`
}

type IngestMetadata struct {
	ProjectName string `json:"projectName,omitempty"`
}

// IngestResponse is the success payload of the ingestion endpoint.
type IngestResponse struct {
	Success      bool   `json:"success"`
	TestRunID    string `json:"test_run_id"`
	DashboardURL string `json:"dashboard_url"`
}
