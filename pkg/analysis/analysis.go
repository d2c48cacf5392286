package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/velotest/velotest/pkg/models"
)

// Provider identifiers accepted by NewAnalyzer.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

const defaultCallTimeout = 45 * time.Second

const systemPrompt = `You are a senior test engineer. Given one failing end-to-end test,
explain the most likely root cause and suggest a concrete fix. Respond with a JSON
object: {"explanation": "...", "suggested_fix": "..."}. No markdown fences.`

// ConfigurationError means the analysis stage cannot be built at all, e.g. an
// unknown provider identifier. Raised before any network call.
type ConfigurationError struct {
	Provider string
	Reason   string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("analysis configuration: provider %q: %s", e.Provider, e.Reason)
}

// ProviderError is a failed backend call (timeout, auth rejection, quota).
// Callers treat it as non-fatal and proceed without analysis.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("analysis provider %s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Analyzer turns failing tests into normalized per-failure explanations.
type Analyzer interface {
	AnalyzeFailures(ctx context.Context, failures []models.FailureRecord) ([]models.AnalysisEntry, error)
}

// completer is the minimal capability a concrete AI backend exposes.
type completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
	Name() string
}

// NewAnalyzer builds the Analyzer for the given provider identifier. Unknown
// identifiers fail fast, before any network activity.
func NewAnalyzer(provider, apiKey string, logger *slog.Logger) (Analyzer, error) {
	if apiKey == "" {
		return nil, &ConfigurationError{Provider: provider, Reason: "missing API key"}
	}
	var backend completer
	switch provider {
	case ProviderGemini:
		backend = newGeminiBackend(apiKey)
	case ProviderOpenAI:
		backend = newOpenAIBackend(apiKey)
	case ProviderAnthropic:
		backend = newAnthropicBackend(apiKey)
	default:
		return nil, &ConfigurationError{Provider: provider, Reason: "unknown provider identifier"}
	}
	return &adapter{backend: backend, logger: logger, callTimeout: defaultCallTimeout}, nil
}

// adapter runs one completion per failure. Calls run concurrently but results
// are reassembled in the original failure order; each call carries its own
// timeout so one slow backend call cannot block the rest indefinitely. The
// adapter never retries: repeated cost-incurring calls are the caller's
// decision, not this layer's.
type adapter struct {
	backend     completer
	logger      *slog.Logger
	callTimeout time.Duration
}

func (a *adapter) AnalyzeFailures(ctx context.Context, failures []models.FailureRecord) ([]models.AnalysisEntry, error) {
	if len(failures) == 0 {
		return []models.AnalysisEntry{}, nil // nothing to spend on
	}

	entries := make([]*models.AnalysisEntry, len(failures))
	var wg sync.WaitGroup
	for i, failure := range failures {
		wg.Add(1)
		go func(i int, failure models.FailureRecord) {
			defer wg.Done()
			callCtx, cancel := context.WithTimeout(ctx, a.callTimeout)
			defer cancel()

			raw, err := a.backend.Complete(callCtx, systemPrompt, failurePrompt(failure))
			if err != nil {
				a.logger.Warn("Analysis call failed, skipping failure",
					slog.String("provider", a.backend.Name()),
					slog.String("test", failure.TestName),
					slog.String("error", err.Error()),
				)
				return
			}
			entry := parseEntry(failure, raw)
			entries[i] = &entry
		}(i, failure)
	}
	wg.Wait()

	out := make([]models.AnalysisEntry, 0, len(failures))
	for _, e := range entries {
		if e != nil {
			out = append(out, *e)
		}
	}
	if len(out) == 0 {
		return nil, &ProviderError{Provider: a.backend.Name(), Err: fmt.Errorf("all %d analysis calls failed", len(failures))}
	}
	return out, nil
}

func failurePrompt(f models.FailureRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Suite: %s\nTest: %s\nError: %s\n", f.SuiteName, f.TestName, f.ErrorMessage)
	if f.StackTrace != "" {
		fmt.Fprintf(&b, "Stack trace:\n%s\n", f.StackTrace)
	}
	return b.String()
}

// parseEntry accepts the backend's JSON answer, tolerating markdown fences and
// falling back to the raw text when the answer is not JSON at all.
func parseEntry(failure models.FailureRecord, raw string) models.AnalysisEntry {
	cleaned := strings.TrimSpace(raw)
	cleaned = strings.TrimPrefix(cleaned, "```json")
	cleaned = strings.TrimPrefix(cleaned, "```")
	cleaned = strings.TrimSuffix(cleaned, "```")
	cleaned = strings.TrimSpace(cleaned)

	var parsed struct {
		Explanation  string `json:"explanation"`
		SuggestedFix string `json:"suggested_fix"`
	}
	if err := json.Unmarshal([]byte(cleaned), &parsed); err == nil && parsed.Explanation != "" {
		return models.AnalysisEntry{Failure: failure, Explanation: parsed.Explanation, SuggestedFix: parsed.SuggestedFix}
	}
	return models.AnalysisEntry{Failure: failure, Explanation: cleaned}
}
