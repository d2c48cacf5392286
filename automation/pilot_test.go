package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/velotest/velotest/pkg/models"
)

func TestRunVerdict(t *testing.T) {
	tests := []struct {
		name       string
		results    models.TestResultSet
		wantStatus string
		wantFail   bool
	}{
		{
			name:       "all passing",
			results:    models.TestResultSet{Total: 3, Passed: 3},
			wantStatus: models.StatusPassed,
			wantFail:   false,
		},
		{
			name:       "one failure",
			results:    models.TestResultSet{Total: 3, Passed: 2, Failed: 1},
			wantStatus: models.StatusFailed,
			wantFail:   true,
		},
		{
			name:       "nothing ran",
			results:    models.TestResultSet{},
			wantStatus: models.StatusError,
			wantFail:   true,
		},
		{
			name:       "only skipped still counts as passed",
			results:    models.TestResultSet{Total: 2, Skipped: 2},
			wantStatus: models.StatusPassed,
			wantFail:   false,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			status, fail := runVerdict(tc.results)
			assert.Equal(t, tc.wantStatus, status)
			assert.Equal(t, tc.wantFail, fail)
		})
	}
}
