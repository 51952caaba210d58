package deployments

import (
	"archive/zip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"faas-engine/internal/config"
	"faas-engine/internal/core/analysis"
	"faas-engine/pkg/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Builder constructs a runnable sandbox image from an unpacked source
// directory (which already contains the generated entrypoint).
type Builder interface {
	Build(ctx context.Context, dep *Deployment, sourceDir string) (imageRef, buildLog string, err error)
}

// Manager owns the versioned deployment lifecycle and the
// single-active-version invariant.
type Manager struct {
	store    Store
	analyzer *analysis.Analyzer
	builder  Builder
	cfg      config.Config
	lg       zerolog.Logger

	builds sync.WaitGroup
}

func NewManager(store Store, analyzer *analysis.Analyzer, builder Builder, cfg config.Config, lg zerolog.Logger) *Manager {
	return &Manager{
		store:    store,
		analyzer: analyzer,
		builder:  builder,
		cfg:      cfg,
		lg:       lg.With().Str("component", "deployment-manager").Logger(),
	}
}

// Deploy validates an uploaded source archive and, if it passes static
// analysis, creates the next deployment version and kicks off an
// asynchronous image build. An invalid package fails with
// *AnalysisError and performs no further work.
func (m *Manager) Deploy(ctx context.Context, ownerID, name string, archive io.ReaderAt, size int64) (*Deployment, error) {
	fn, err := m.store.FindFunction(ctx, ownerID, name)
	if errors.Is(err, ErrNotFound) {
		fn = &Function{
			ID:        rand.ID16(),
			OwnerID:   ownerID,
			Name:      name,
			Status:    FunctionInit,
			CreatedAt: time.Now().UTC(),
		}
		if err := m.store.CreateFunction(ctx, fn); err != nil {
			return nil, fmt.Errorf("create function record: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("lookup function: %w", err)
	}
	return m.DeployVersion(ctx, fn.ID, archive, size)
}

// DeployVersion creates a new deployment version for an existing function.
func (m *Manager) DeployVersion(ctx context.Context, functionID string, archive io.ReaderAt, size int64) (*Deployment, error) {
	fn, err := m.store.GetFunction(ctx, functionID)
	if err != nil {
		return nil, err
	}

	version, err := m.store.MaxVersion(ctx, fn.ID)
	if err != nil {
		return nil, fmt.Errorf("resolve current version: %w", err)
	}
	version++

	sourceDir := filepath.Join(m.cfg.FunctionStorageDir, fn.ID, fmt.Sprintf("v%d", version))
	if err := unpackArchive(archive, size, sourceDir); err != nil {
		return nil, fmt.Errorf("unpack source archive: %w", err)
	}

	res, err := m.analyzer.Analyze(sourceDir)
	if err != nil {
		_ = os.RemoveAll(sourceDir)
		return nil, fmt.Errorf("analyze source package: %w", err)
	}
	if !res.IsValid {
		_ = os.RemoveAll(sourceDir)
		return nil, &AnalysisError{Result: res}
	}

	analysisJSON, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("encode analysis result: %w", err)
	}

	dep := &Deployment{
		ID:               uuid.NewString(),
		FunctionID:       fn.ID,
		Version:          version,
		SourceArchiveRef: sourceDir,
		Status:           DeploymentBuilding,
		IsActive:         false,
		AnalysisJSON:     string(analysisJSON),
		CreatedAt:        time.Now().UTC(),
	}
	if err := m.store.CreateDeployment(ctx, dep); err != nil {
		return nil, fmt.Errorf("persist deployment: %w", err)
	}

	fn.Status = FunctionBuilding
	if err := m.store.SaveFunction(ctx, fn); err != nil {
		m.lg.Error().Err(err).Str("function_id", fn.ID).Msg("failed to mark function building")
	}

	m.builds.Add(1)
	go m.runBuild(dep, res, sourceDir)

	m.lg.Info().
		Str("function_id", fn.ID).
		Str("deployment_id", dep.ID).
		Int("version", dep.Version).
		Msg("deployment created, build started")
	return dep, nil
}

// runBuild generates the entrypoint and drives the build to ready or
// failed. Runs detached from the request context.
func (m *Manager) runBuild(dep *Deployment, res *analysis.Result, sourceDir string) {
	defer m.builds.Done()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.BuildTimeout)
	defer cancel()

	entry, err := analysis.GenerateEntrypoint(res)
	if err == nil {
		err = os.WriteFile(filepath.Join(sourceDir, analysis.EntrypointFile), []byte(entry), 0o644)
	}

	var imageRef, buildLog string
	if err == nil {
		imageRef, buildLog, err = m.builder.Build(ctx, dep, sourceDir)
	}

	if err != nil {
		if buildLog == "" {
			buildLog = err.Error()
		}
		m.lg.Error().Err(err).Str("deployment_id", dep.ID).Msg("image build failed")
		if serr := m.store.SetDeploymentStatus(ctx, dep.ID, DeploymentFailed, "", buildLog); serr != nil {
			m.lg.Error().Err(serr).Str("deployment_id", dep.ID).Msg("failed to record build failure")
		}
		return
	}

	if err := m.store.SetDeploymentStatus(ctx, dep.ID, DeploymentReady, imageRef, buildLog); err != nil {
		m.lg.Error().Err(err).Str("deployment_id", dep.ID).Msg("failed to mark deployment ready")
		return
	}
	m.lg.Info().Str("deployment_id", dep.ID).Str("image", imageRef).Msg("deployment ready")
}

// WaitForBuilds blocks until all in-flight builds settle. Used on shutdown.
func (m *Manager) WaitForBuilds() { m.builds.Wait() }

// Activate makes the target deployment the single active version of its
// function. Only ready or deployed deployments may be activated.
func (m *Manager) Activate(ctx context.Context, deploymentID string) error {
	dep, err := m.store.GetDeployment(ctx, deploymentID)
	if err != nil {
		return err
	}
	if !dep.Activatable() {
		return fmt.Errorf("deployment %s has status %q: %w", dep.ID, dep.Status, ErrNotActivatable)
	}
	if err := m.store.Activate(ctx, dep.FunctionID, dep.ID); err != nil {
		return fmt.Errorf("activate deployment: %w", err)
	}
	m.lg.Info().
		Str("function_id", dep.FunctionID).
		Str("deployment_id", dep.ID).
		Int("version", dep.Version).
		Msg("deployment activated")
	return nil
}

// Rollback re-activates an earlier version. It never creates a new
// version, only flips the active flag and statuses.
func (m *Manager) Rollback(ctx context.Context, functionID string, targetVersion int) error {
	dep, err := m.store.GetDeploymentByVersion(ctx, functionID, targetVersion)
	if errors.Is(err, ErrNotFound) {
		return fmt.Errorf("function %s version %d: %w", functionID, targetVersion, ErrUnknownVersion)
	}
	if err != nil {
		return err
	}
	if dep.IsActive {
		return ErrAlreadyActive
	}
	return m.Activate(ctx, dep.ID)
}

// ListDeployments returns the version-descending deployment history.
func (m *Manager) ListDeployments(ctx context.Context, functionID string) ([]Deployment, error) {
	if _, err := m.store.GetFunction(ctx, functionID); err != nil {
		return nil, err
	}
	return m.store.ListDeployments(ctx, functionID)
}

func (m *Manager) GetFunction(ctx context.Context, id string) (*Function, error) {
	return m.store.GetFunction(ctx, id)
}

func (m *Manager) ListFunctions(ctx context.Context) ([]Function, error) {
	return m.store.ListFunctions(ctx)
}

// SweepStaleBuilds fails deployments that were still building when a
// previous process died. Called once at startup.
func (m *Manager) SweepStaleBuilds(ctx context.Context) error {
	n, err := m.store.FailStaleBuilds(ctx, time.Now().UTC().Add(-m.cfg.BuildTimeout))
	if err != nil {
		return fmt.Errorf("sweep stale builds: %w", err)
	}
	if n > 0 {
		m.lg.Warn().Int64("count", n).Msg("marked stale builds as failed")
	}
	return nil
}

// unpackArchive extracts a zip source package, refusing entries that
// escape the destination directory.
func unpackArchive(archive io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(archive, size)
	if err != nil {
		return fmt.Errorf("open archive: %w", err)
	}
	if err := os.MkdirAll(dest, 0o755); err != nil {
		return err
	}
	for _, f := range zr.File {
		name := filepath.Clean(f.Name)
		if name == "." || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return fmt.Errorf("archive entry %q escapes package root", f.Name)
		}
		target := filepath.Join(dest, name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		rc, err := f.Open()
		if err != nil {
			return fmt.Errorf("read archive entry %q: %w", f.Name, err)
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return fmt.Errorf("extract archive entry %q: %w", f.Name, err)
		}
	}
	return nil
}
