package report

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
)

// LaunchError means no viewer is available for the report. Callers treat it
// as non-fatal; the report path itself is still usable.
type LaunchError struct {
	Path string
	Err  error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch viewer for %s: %v", e.Path, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// Open resolves a viewable address for a report and makes a best-effort
// attempt at opening it with the platform viewer. When dashboardURL is set
// (the run was ingested remotely) it wins over the local file.
func Open(reportPath, dashboardURL string) (string, error) {
	address := dashboardURL
	if address == "" {
		abs, err := filepath.Abs(reportPath)
		if err != nil {
			return "", &LaunchError{Path: reportPath, Err: err}
		}
		if _, err := os.Stat(abs); err != nil {
			return "", &LaunchError{Path: reportPath, Err: err}
		}
		address = (&url.URL{Scheme: "file", Path: abs}).String()
	}

	opener := platformOpener()
	if opener == "" {
		return address, nil // no viewer, but the address is still the answer
	}
	if err := exec.Command(opener, address).Start(); err != nil {
		return address, &LaunchError{Path: reportPath, Err: err}
	}
	return address, nil
}

func platformOpener() string {
	switch runtime.GOOS {
	case "darwin":
		return "open"
	case "linux":
		if _, err := exec.LookPath("xdg-open"); err == nil {
			return "xdg-open"
		}
		return ""
	default:
		return ""
	}
}
