package pipeline

import (
	"context"
	"log/slog"

	"github.com/velotest/velotest/pkg/detect"
	"github.com/velotest/velotest/pkg/models"
	"github.com/velotest/velotest/pkg/report"
)

// Executor runs the detected project's tests.
type Executor interface {
	Run(ctx context.Context, project *models.ProjectContext) (*models.TestResultSet, error)
}

// Analyzer explains failing tests. May be nil when analysis is disabled.
type Analyzer interface {
	AnalyzeFailures(ctx context.Context, failures []models.FailureRecord) ([]models.AnalysisEntry, error)
}

// Compiler persists the merged report.
type Compiler interface {
	Generate(in report.Input) (*models.Report, error)
}

// Submitter posts the compiled report to a remote ingestion server. May be
// nil when no server is configured.
type Submitter interface {
	SubmitReport(ctx context.Context, rep *models.Report) (*models.IngestResponse, error)
}

// DetectFunc resolves a project path into its context. Overridable in tests;
// defaults to detect.Detect.
type DetectFunc func(path string) (*models.ProjectContext, error)

// Runner wires the whole workflow: detect, execute, analyze, compile, submit,
// open. Analysis, submission and the dashboard launch are best-effort; the
// run fails only on detection, execution or report persistence errors.
type Runner struct {
	Detect    DetectFunc
	Executor  Executor
	Analyzer  Analyzer
	Compiler  Compiler
	Submitter Submitter
	Logger    *slog.Logger

	// OpenViewer resolves and opens the final address. Overridable in tests;
	// defaults to report.Open.
	OpenViewer func(reportPath, dashboardURL string) (string, error)
}

// Outcome is what one full pipeline invocation produced.
type Outcome struct {
	Context      *models.ProjectContext
	Report       *models.Report
	TestRunID    string // empty when submission was skipped or failed
	ViewerOpened string // address handed to the viewer, empty when launch failed
}

// Execute runs the pipeline for one project path. It terminates with either a
// usable report or a single fatal error; non-fatal stage failures (analysis,
// submission, viewer) degrade the outcome and are logged with their cause.
func (r *Runner) Execute(ctx context.Context, projectPath string) (*Outcome, error) {
	detectFn := r.Detect
	if detectFn == nil {
		detectFn = detect.Detect
	}
	openFn := r.OpenViewer
	if openFn == nil {
		openFn = report.Open
	}

	project, err := detectFn(projectPath)
	if err != nil {
		return nil, err
	}
	r.Logger.Info("Project detected",
		slog.String("name", project.ProjectName),
		slog.String("base_url", project.BaseURL),
		slog.Bool("has_start_command", project.StartCommand != ""),
		slog.Any("test_dirs", project.TestDirs),
	)

	results, err := r.Executor.Run(ctx, project)
	if err != nil {
		return nil, err
	}

	// Analysis is optional and never retried here: a second cost-incurring
	// attempt is a human decision.
	var entries []models.AnalysisEntry
	if r.Analyzer != nil && len(results.Failures) > 0 {
		entries, err = r.Analyzer.AnalyzeFailures(ctx, results.Failures)
		if err != nil {
			r.Logger.Warn("AI analysis failed, continuing without it", slog.String("error", err.Error()))
			entries = nil
		}
	}

	rep, err := r.Compiler.Generate(report.Input{
		ProjectPath: project.ProjectPath,
		ProjectName: project.ProjectName,
		TestResults: *results,
		AIAnalysis:  entries,
	})
	if err != nil {
		return nil, err
	}

	outcome := &Outcome{Context: project, Report: rep}

	var dashboardURL string
	if r.Submitter != nil {
		resp, err := r.Submitter.SubmitReport(ctx, rep)
		if err != nil {
			r.Logger.Warn("Report submission failed, local report is still available",
				slog.String("path", rep.Path),
				slog.String("error", err.Error()),
			)
		} else {
			outcome.TestRunID = resp.TestRunID
			dashboardURL = resp.DashboardURL
			r.Logger.Info("Report submitted", slog.String("test_run_id", resp.TestRunID))
		}
	}

	address, err := openFn(rep.Path, dashboardURL)
	if err != nil {
		r.Logger.Warn("Could not open report viewer", slog.String("error", err.Error()))
	}
	outcome.ViewerOpened = address

	return outcome, nil
}
