package analysis

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/velotest/velotest/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// stubBackend answers from a canned map keyed by test name.
type stubBackend struct {
	answers map[string]string
	errFor  map[string]error
	delay   time.Duration
	calls   int
}

func (s *stubBackend) Name() string { return "stub" }

func (s *stubBackend) Complete(ctx context.Context, system, user string) (string, error) {
	s.calls++
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	for name, err := range s.errFor {
		if strings.Contains(user, name) {
			return "", err
		}
	}
	for name, answer := range s.answers {
		if strings.Contains(user, name) {
			return answer, nil
		}
	}
	return `{"explanation": "generic"}`, nil
}

func TestNewAnalyzerUnknownProviderFailsFast(t *testing.T) {
	_, err := NewAnalyzer("copilot", "key", testLogger())
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "copilot", cfgErr.Provider)
}

func TestNewAnalyzerMissingKey(t *testing.T) {
	_, err := NewAnalyzer(ProviderGemini, "", testLogger())
	var cfgErr *ConfigurationError
	require.ErrorAs(t, err, &cfgErr)
}

func TestNewAnalyzerKnownProviders(t *testing.T) {
	for _, provider := range []string{ProviderGemini, ProviderOpenAI, ProviderAnthropic} {
		a, err := NewAnalyzer(provider, "key", testLogger())
		require.NoError(t, err, provider)
		require.NotNil(t, a)
	}
}

func TestAnalyzeFailuresEmptyInputMakesNoCalls(t *testing.T) {
	stub := &stubBackend{}
	a := &adapter{backend: stub, logger: testLogger(), callTimeout: time.Second}

	entries, err := a.AnalyzeFailures(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.Zero(t, stub.calls, "empty input must not spend any calls")
}

func TestAnalyzeFailuresPreservesOrder(t *testing.T) {
	stub := &stubBackend{answers: map[string]string{
		"first":  `{"explanation": "cause one", "suggested_fix": "fix one"}`,
		"second": `{"explanation": "cause two"}`,
		"third":  "plain text answer",
	}}
	a := &adapter{backend: stub, logger: testLogger(), callTimeout: time.Second}

	failures := []models.FailureRecord{
		{SuiteName: "api", TestName: "first", ErrorMessage: "e1"},
		{SuiteName: "ui", TestName: "second", ErrorMessage: "e2"},
		{SuiteName: "ui", TestName: "third", ErrorMessage: "e3"},
	}
	entries, err := a.AnalyzeFailures(context.Background(), failures)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "first", entries[0].Failure.TestName)
	assert.Equal(t, "cause one", entries[0].Explanation)
	assert.Equal(t, "fix one", entries[0].SuggestedFix)
	assert.Equal(t, "second", entries[1].Failure.TestName)
	assert.Equal(t, "third", entries[2].Failure.TestName)
	assert.Equal(t, "plain text answer", entries[2].Explanation)
}

func TestAnalyzeFailuresPartialFailureSkipsEntry(t *testing.T) {
	stub := &stubBackend{
		answers: map[string]string{"good": `{"explanation": "ok"}`},
		errFor:  map[string]error{"bad": fmt.Errorf("quota exceeded")},
	}
	a := &adapter{backend: stub, logger: testLogger(), callTimeout: time.Second}

	entries, err := a.AnalyzeFailures(context.Background(), []models.FailureRecord{
		{TestName: "good", ErrorMessage: "e"},
		{TestName: "bad", ErrorMessage: "e"},
	})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "good", entries[0].Failure.TestName)
}

func TestAnalyzeFailuresAllCallsFailed(t *testing.T) {
	stub := &stubBackend{errFor: map[string]error{"only": fmt.Errorf("auth rejected")}}
	a := &adapter{backend: stub, logger: testLogger(), callTimeout: time.Second}

	_, err := a.AnalyzeFailures(context.Background(), []models.FailureRecord{
		{TestName: "only", ErrorMessage: "e"},
	})
	var provErr *ProviderError
	require.ErrorAs(t, err, &provErr)
}

func TestAnalyzeFailuresPerCallTimeout(t *testing.T) {
	stub := &stubBackend{delay: 500 * time.Millisecond}
	a := &adapter{backend: stub, logger: testLogger(), callTimeout: 50 * time.Millisecond}

	start := time.Now()
	_, err := a.AnalyzeFailures(context.Background(), []models.FailureRecord{
		{TestName: "slow", ErrorMessage: "e"},
	})
	require.Error(t, err)
	assert.Less(t, time.Since(start), 400*time.Millisecond, "timeout must bound the call")
}

func TestParseEntryStripsFences(t *testing.T) {
	entry := parseEntry(models.FailureRecord{TestName: "t"}, "```json\n{\"explanation\": \"fenced\"}\n```")
	assert.Equal(t, "fenced", entry.Explanation)
}
