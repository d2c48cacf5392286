package report

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotest/velotest/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestGenerateWithAnalysis(t *testing.T) {
	dir := t.TempDir()
	c := NewCompiler(dir, testLogger())

	rep, err := c.Generate(Input{
		ProjectPath: "/tmp/demo",
		ProjectName: "demo",
		TestResults: models.TestResultSet{Total: 3, Passed: 2, Failed: 1, DurationMs: 1200,
			Failures: []models.FailureRecord{{SuiteName: "api", TestName: "t", ErrorMessage: "boom"}}},
		AIAnalysis: []models.AnalysisEntry{{
			Failure:     models.FailureRecord{SuiteName: "api", TestName: "t", ErrorMessage: "boom"},
			Explanation: "the endpoint returns 500",
		}},
	})
	require.NoError(t, err)
	require.FileExists(t, rep.Path)

	loaded, err := Load(rep.Path)
	require.NoError(t, err)
	assert.Equal(t, "demo", loaded.ProjectName)
	assert.Equal(t, 3, loaded.TestResults.Total)
	require.Len(t, loaded.AIAnalysis, 1)
	assert.Equal(t, "the endpoint returns 500", loaded.AIAnalysis[0].Explanation)
}

func TestGenerateWithoutAnalysis(t *testing.T) {
	c := NewCompiler(t.TempDir(), testLogger())
	rep, err := c.Generate(Input{
		ProjectName: "demo",
		TestResults: models.TestResultSet{Total: 1, Passed: 1},
		AIAnalysis:  nil,
	})
	require.NoError(t, err)

	loaded, err := Load(rep.Path)
	require.NoError(t, err)
	assert.Nil(t, loaded.AIAnalysis)
}

func TestGenerateUnwritableDir(t *testing.T) {
	if os.Getuid() == 0 {
		t.Skip("directory permissions do not bind for root")
	}
	dir := t.TempDir()
	require.NoError(t, os.Chmod(dir, 0o500))
	t.Cleanup(func() { _ = os.Chmod(dir, 0o755) })

	c := NewCompiler(filepath.Join(dir, "reports"), testLogger())
	_, err := c.Generate(Input{ProjectName: "demo"})
	var perErr *PersistenceError
	require.ErrorAs(t, err, &perErr)
}

func TestOpenMissingReport(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing.json"), "")
	var launchErr *LaunchError
	require.ErrorAs(t, err, &launchErr)
}

func TestOpenPrefersDashboardURL(t *testing.T) {
	address, err := Open("ignored.json", "http://localhost:8080/dashboard/runs/abc")
	if err != nil {
		// A viewer may be missing in CI; the address must still resolve.
		var launchErr *LaunchError
		require.ErrorAs(t, err, &launchErr)
	}
	assert.Equal(t, "http://localhost:8080/dashboard/runs/abc", address)
}
