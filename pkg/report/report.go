package report

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/velotest/velotest/pkg/models"
)

// PersistenceError means the report artifact could not be written. A report
// that cannot be saved cannot be inspected, so callers treat this as fatal.
type PersistenceError struct {
	Path string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persist report %s: %v", e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// Compiler merges execution results with optional analysis into one persisted
// JSON document per run.
type Compiler struct {
	Dir    string
	Logger *slog.Logger
}

func NewCompiler(dir string, logger *slog.Logger) *Compiler {
	return &Compiler{Dir: dir, Logger: logger}
}

// Input carries everything the compiler aggregates. AIAnalysis and JiraData
// may be nil.
type Input struct {
	ProjectPath string
	ProjectName string
	TestResults models.TestResultSet
	AIAnalysis  []models.AnalysisEntry
	JiraData    map[string]any
}

// Generate writes the report artifact and returns the report with its path
// filled in. Aggregation is pure; writing the file is the single side effect.
func (c *Compiler) Generate(in Input) (*models.Report, error) {
	rep := &models.Report{
		ProjectPath: in.ProjectPath,
		ProjectName: in.ProjectName,
		GeneratedAt: time.Now().UTC(),
		TestResults: in.TestResults,
		AIAnalysis:  in.AIAnalysis,
		JiraData:    in.JiraData,
	}

	name := fmt.Sprintf("report-%s-%s.json", time.Now().UTC().Format("20060102-150405"), uuid.NewString()[:8])
	path := filepath.Join(c.Dir, name)

	if err := os.MkdirAll(c.Dir, 0o755); err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}

	rep.Path = path
	data, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return nil, &PersistenceError{Path: path, Err: err}
	}

	c.Logger.Info("Report written",
		slog.String("path", path),
		slog.Int("total", rep.TestResults.Total),
		slog.Bool("has_analysis", rep.AIAnalysis != nil),
	)
	return rep, nil
}

// Load reads a previously generated report artifact back.
func Load(path string) (*models.Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", path, err)
	}
	var rep models.Report
	if err := json.Unmarshal(data, &rep); err != nil {
		return nil, fmt.Errorf("decode report %s: %w", path, err)
	}
	return &rep, nil
}
