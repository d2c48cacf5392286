package detect

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/velotest/velotest/pkg/models"
)

const defaultPort = 3000

// testDirCandidates are probed in order; only existing directories make it
// into the context.
var testDirCandidates = []string{"tests", "test", "e2e", "__tests__", filepath.Join("tests", "e2e")}

// projectMarkers are the files that make a directory a recognizable project.
var projectMarkers = []string{
	"package.json",
	"playwright.config.ts",
	"playwright.config.js",
	"composer.json",
	"go.mod",
}

// portPattern matches the first explicit port in a start script, e.g.
// "--port 4000", "-p 4000" or "PORT=4000".
var portPattern = regexp.MustCompile(`(?:--port[ =]|-p )(\d{2,5})|PORT=(\d{2,5})`)

// DetectionError means the path does not exist or holds no recognizable project.
type DetectionError struct {
	Path   string
	Reason string
}

func (e *DetectionError) Error() string {
	return fmt.Sprintf("detect %s: %s", e.Path, e.Reason)
}

// packageJSON is the subset of package.json the detector reads.
type packageJSON struct {
	Name    string            `json:"name"`
	Scripts map[string]string `json:"scripts"`
}

// Detect inspects a project directory and builds its ProjectContext. Detection
// is heuristic and best-effort: a missing start command or empty test dir list
// is a degraded context, not an error. The only side effects are filesystem
// reads, so re-running on an unchanged directory yields an identical context.
func Detect(projectPath string) (*models.ProjectContext, error) {
	abs, err := filepath.Abs(projectPath)
	if err != nil {
		return nil, &DetectionError{Path: projectPath, Reason: err.Error()}
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, &DetectionError{Path: abs, Reason: "path does not exist"}
	}
	if !info.IsDir() {
		return nil, &DetectionError{Path: abs, Reason: "path is not a directory"}
	}

	if !hasProjectMarker(abs) {
		return nil, &DetectionError{Path: abs, Reason: "no recognizable project markers found"}
	}

	ctx := &models.ProjectContext{
		ProjectPath: abs,
		ProjectName: filepath.Base(abs),
		Port:        defaultPort,
	}

	if pkg := readPackageJSON(abs); pkg != nil {
		if pkg.Name != "" {
			ctx.ProjectName = pkg.Name
		}
		ctx.StartCommand, ctx.Port = startCommandFromScripts(pkg.Scripts)
	}

	ctx.BaseURL = fmt.Sprintf("http://localhost:%d", ctx.Port)

	for _, dir := range testDirCandidates {
		candidate := filepath.Join(abs, dir)
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			ctx.TestDirs = append(ctx.TestDirs, dir)
		}
	}

	return ctx, nil
}

func hasProjectMarker(dir string) bool {
	for _, marker := range projectMarkers {
		if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
			return true
		}
	}
	return false
}

func readPackageJSON(dir string) *packageJSON {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return nil
	}
	var pkg packageJSON
	if err := json.Unmarshal(data, &pkg); err != nil {
		return nil
	}
	return &pkg
}

// startCommandFromScripts picks the script used to boot the target app,
// preferring "start" over "dev", and sniffs an explicit port from it.
func startCommandFromScripts(scripts map[string]string) (string, int) {
	port := defaultPort
	for _, name := range []string{"start", "dev"} {
		script, ok := scripts[name]
		if !ok || script == "" {
			continue
		}
		if m := portPattern.FindStringSubmatch(script); m != nil {
			raw := m[1]
			if raw == "" {
				raw = m[2]
			}
			if p, err := strconv.Atoi(raw); err == nil {
				port = p
			}
		}
		return "npm run " + name, port
	}
	return "", port
}
