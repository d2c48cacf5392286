package scoring

import (
	"math"
	"strings"

	"github.com/velotest/velotest/pkg/models"
)

// backendKeywords classify a suite as backend when its name contains any of
// them, case-insensitive. Everything else counts as frontend.
var backendKeywords = []string{"api", "backend", "server"}

// DeriveStatus classifies a run from its raw counts. Precedence: any failure
// makes the run failed; otherwise a non-empty run passed; an empty run is an
// error condition, not a pass (zero executed tests means something did not run).
func DeriveStatus(total, failed int) string {
	switch {
	case failed > 0:
		return models.StatusFailed
	case total > 0:
		return models.StatusPassed
	default:
		return models.StatusError
	}
}

// IsBackendSuite reports whether a suite name belongs to the backend class.
func IsBackendSuite(suite string) bool {
	lower := strings.ToLower(suite)
	for _, kw := range backendKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// PassRates computes integer-percentage pass rates per class from the per-test
// list. A class with zero tests yields nil: "no data" is distinct from "0%".
func PassRates(tests []models.IngestTest) (backend, frontend *int) {
	var backendTotal, backendPassed, frontendTotal, frontendPassed int
	for _, t := range tests {
		passed := strings.EqualFold(t.Status, models.StatusPassed)
		if IsBackendSuite(t.Suite) {
			backendTotal++
			if passed {
				backendPassed++
			}
		} else {
			frontendTotal++
			if passed {
				frontendPassed++
			}
		}
	}
	if backendTotal > 0 {
		r := rate(backendPassed, backendTotal)
		backend = &r
	}
	if frontendTotal > 0 {
		r := rate(frontendPassed, frontendTotal)
		frontend = &r
	}
	return backend, frontend
}

func rate(passed, total int) int {
	return int(math.Round(100 * float64(passed) / float64(total)))
}
