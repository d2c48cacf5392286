package execute

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/velotest/velotest/pkg/models"
)

// Subset of the Playwright JSON reporter output this system reads.
type runnerReport struct {
	Suites []runnerSuite `json:"suites"`
	Stats  runnerStats   `json:"stats"`
}

type runnerSuite struct {
	Title  string        `json:"title"`
	Suites []runnerSuite `json:"suites,omitempty"`
	Specs  []runnerSpec  `json:"specs,omitempty"`
}

type runnerSpec struct {
	Title string       `json:"title"`
	Tests []runnerTest `json:"tests"`
}

type runnerTest struct {
	Status  string         `json:"status"` // expected, unexpected, skipped, flaky
	Results []runnerResult `json:"results"`
}

type runnerResult struct {
	Status string       `json:"status"`
	Error  *runnerError `json:"error,omitempty"`
}

type runnerError struct {
	Message string `json:"message"`
	Stack   string `json:"stack,omitempty"`
}

type runnerStats struct {
	Duration float64 `json:"duration"` // milliseconds
}

// ParseRunnerOutput converts the runner's JSON report into a TestResultSet.
// Counts are recomputed from the per-spec entries rather than trusting the
// report's own stats block, so passed+failed+skipped always equals total.
// Failures keep execution order.
func ParseRunnerOutput(raw []byte) (*models.TestResultSet, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fmt.Errorf("empty runner output")
	}
	var report runnerReport
	if err := json.Unmarshal(raw, &report); err != nil {
		return nil, fmt.Errorf("unmarshal runner report: %w", err)
	}

	results := &models.TestResultSet{
		DurationMs: int64(report.Stats.Duration),
	}
	for _, suite := range report.Suites {
		collectSuite(&suite, nil, results)
	}
	return results, nil
}

func collectSuite(suite *runnerSuite, parents []string, out *models.TestResultSet) {
	titles := parents
	if suite.Title != "" {
		titles = append(append([]string(nil), parents...), suite.Title)
	}
	for _, spec := range suite.Specs {
		for _, test := range spec.Tests {
			out.Total++
			switch test.Status {
			case "unexpected":
				out.Failed++
				out.Failures = append(out.Failures, failureRecord(titles, spec.Title, test))
			case "skipped":
				out.Skipped++
			default:
				// expected and flaky both count as passing runs
				out.Passed++
			}
		}
	}
	for i := range suite.Suites {
		collectSuite(&suite.Suites[i], titles, out)
	}
}

func failureRecord(suiteTitles []string, testName string, test runnerTest) models.FailureRecord {
	rec := models.FailureRecord{
		SuiteName: strings.Join(suiteTitles, " > "),
		TestName:  testName,
	}
	// Use the last attempt's error; retries mean earlier ones are stale.
	for i := len(test.Results) - 1; i >= 0; i-- {
		if e := test.Results[i].Error; e != nil {
			rec.ErrorMessage = e.Message
			rec.StackTrace = e.Stack
			break
		}
	}
	if rec.ErrorMessage == "" {
		rec.ErrorMessage = "test failed without an error message"
	}
	return rec
}
