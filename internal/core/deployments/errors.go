package deployments

import (
	"errors"
	"strings"

	"faas-engine/internal/core/analysis"
)

// AnalysisError blocks a deployment before any work is persisted. Its
// detail is surfaced verbatim to the deploying client.
type AnalysisError struct {
	Result *analysis.Result
}

func (e *AnalysisError) Error() string {
	if e.Result == nil || len(e.Result.Errors) == 0 {
		return "source package failed static analysis"
	}
	return "source package failed static analysis: " + strings.Join(e.Result.Errors, "; ")
}

// BuildError records a failed image construction. It lands on the
// deployment row and is surfaced to the deploying client on read.
type BuildError struct {
	DeploymentID string
	Log          string
	Err          error
}

func (e *BuildError) Error() string {
	return "image build failed for deployment " + e.DeploymentID + ": " + e.Err.Error()
}

func (e *BuildError) Unwrap() error { return e.Err }

var (
	// ErrNotActivatable rejects activation of building or failed deployments.
	ErrNotActivatable = errors.New("deployment is not in an activatable state")
	// ErrAlreadyActive rejects a rollback targeting the active version.
	ErrAlreadyActive = errors.New("target version is already active")
	// ErrUnknownVersion rejects a rollback to a version that does not exist.
	ErrUnknownVersion = errors.New("unknown deployment version")
)
