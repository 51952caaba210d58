package invocations

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"faas-engine/internal/config"
	"faas-engine/internal/core/deployments"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrCapacity is the fail-fast admission rejection; callers may retry.
	ErrCapacity = errors.New("invocation capacity reached")
	// ErrNoActiveDeployment means the function has nothing deployed to run.
	ErrNoActiveDeployment = errors.New("no active deployment")
	// ErrExecutionTimeout marks a sandbox forcibly terminated at the bound.
	ErrExecutionTimeout = errors.New("execution timed out")
)

// Orchestrator runs one invocation inside a sandbox: artifacts in, a
// bounded wait, artifacts out, unconditional cleanup.
type Orchestrator struct {
	store     deployments.Store
	runtime   Runtime
	admission *Admission
	cfg       config.Config
	lg        zerolog.Logger
}

func NewOrchestrator(store deployments.Store, runtime Runtime, admission *Admission, cfg config.Config, lg zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		store:     store,
		runtime:   runtime,
		admission: admission,
		cfg:       cfg,
		lg:        lg.With().Str("component", "execution-orchestrator").Logger(),
	}
}

// Invoke executes req against the function's active deployment. The
// returned Result is non-nil whenever a sandbox ran, including on
// timeout, so the caller can still record it. On timeout the error is
// ErrExecutionTimeout and the result carries exit code -1.
func (o *Orchestrator) Invoke(ctx context.Context, functionID string, req Request) (*Result, error) {
	dep, err := o.store.ActiveDeployment(ctx, functionID)
	if err != nil {
		if errors.Is(err, deployments.ErrNotFound) {
			return nil, ErrNoActiveDeployment
		}
		return nil, fmt.Errorf("resolve active deployment: %w", err)
	}
	if dep.Status != deployments.DeploymentDeployed || dep.ImageRef == "" {
		return nil, ErrNoActiveDeployment
	}

	release, ok := o.admission.TryAcquire()
	if !ok {
		return nil, ErrCapacity
	}
	defer release()

	invocationID := uuid.NewString()
	dir := filepath.Join(o.cfg.InvocationDir, invocationID)
	if err := o.writeArtifacts(dir, req); err != nil {
		return nil, fmt.Errorf("materialize artifacts: %w", err)
	}
	// Ephemeral artifacts are deleted on every exit path.
	defer os.RemoveAll(dir)

	spec := SandboxSpec{
		Name:  "faas-sandbox-" + invocationID[:8],
		Image: dep.ImageRef,
		Mounts: []Mount{
			{HostPath: filepath.Join(dir, "request.json"), SandboxPath: SandboxRequestPath, ReadOnly: true},
			{HostPath: filepath.Join(dir, "config.json"), SandboxPath: SandboxConfigPath, ReadOnly: true},
			{HostPath: filepath.Join(dir, "result.json"), SandboxPath: SandboxResultPath},
		},
		Env: []string{
			fmt.Sprintf("FAAS_TIMEOUT_MS=%d", o.cfg.ExecutionTimeout.Milliseconds()),
			fmt.Sprintf("FAAS_MEMORY_LIMIT_MB=%d", o.cfg.MemoryLimitMB),
			fmt.Sprintf("FAAS_DB_URL=%s", o.dbEndpoint()),
			fmt.Sprintf("FAAS_DB_TIMEOUT_MS=%d", o.cfg.TenantDBQueryTimeout.Milliseconds()),
			"FAAS_RESTRICTED=1",
		},
		MemoryLimitMB:   o.cfg.MemoryLimitMB,
		EgressAllowlist: o.cfg.EgressAllowlist,
	}
	if o.cfg.TenantDatabaseDSN != "" && o.cfg.DBGatewaySocket != "" {
		spec.Mounts = append(spec.Mounts, Mount{HostPath: o.cfg.DBGatewaySocket, SandboxPath: SandboxDbSocket})
	}

	start := time.Now().UTC()
	handle, err := o.runtime.Spawn(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("spawn sandbox: %w", err)
	}
	// Removal must not depend on the caller's context surviving.
	defer func() {
		if rerr := o.runtime.Remove(context.WithoutCancel(ctx), handle); rerr != nil {
			o.lg.Warn().Err(rerr).Str("handle", handle).Msg("sandbox remove failed")
		}
	}()

	exitCode, waitErr := o.runtime.Wait(ctx, handle, o.cfg.ExecutionTimeout)
	timedOut := errors.Is(waitErr, ErrWaitTimeout)
	if timedOut {
		// Forced, non-graceful termination; nothing inside the sandbox
		// observes cancellation.
		if kerr := o.runtime.Kill(context.WithoutCancel(ctx), handle); kerr != nil {
			o.lg.Warn().Err(kerr).Str("handle", handle).Msg("sandbox kill failed")
		}
		exitCode = -1
	} else if waitErr != nil {
		return nil, fmt.Errorf("wait for sandbox: %w", waitErr)
	}
	end := time.Now().UTC()

	stdout, stderr, logErr := o.runtime.Logs(context.WithoutCancel(ctx), handle)
	if logErr != nil {
		o.lg.Warn().Err(logErr).Str("handle", handle).Msg("sandbox log capture failed")
	}

	res := &Result{
		Output: ContainerOutput{
			Stdout:    stdout,
			Stderr:    stderr,
			ExitCode:  exitCode,
			Timestamp: end,
		},
		Metadata: ExecutionMetadata{
			StartTime:     start,
			EndTime:       end,
			TimeoutMs:     o.cfg.ExecutionTimeout.Milliseconds(),
			MemoryLimitMb: o.cfg.MemoryLimitMB,
		},
	}

	// The result artifact may legitimately be absent or empty when the
	// function crashed, or was killed, before writing it. Read it even
	// after a forced termination so a partial result survives.
	if body, ok := readResultArtifact(filepath.Join(dir, "result.json")); ok {
		res.Body = body
	}
	res.Success = exitCode == 0 && res.Body != nil

	if timedOut {
		o.lg.Warn().
			Str("function_id", functionID).
			Str("invocation_id", invocationID).
			Msg("invocation killed at timeout bound")
		return res, ErrExecutionTimeout
	}

	o.lg.Info().
		Str("function_id", functionID).
		Str("invocation_id", invocationID).
		Int("exit_code", exitCode).
		Bool("success", res.Success).
		Dur("duration", end.Sub(start)).
		Msg("invocation finished")
	return res, nil
}

func (o *Orchestrator) dbEndpoint() string {
	if o.cfg.TenantDatabaseDSN == "" || o.cfg.DBGatewaySocket == "" {
		return ""
	}
	return "unix://" + SandboxDbSocket
}

// writeArtifacts lays out the per-invocation directory: a read-only
// request artifact, a read-only config artifact and an empty
// read-write result artifact.
func (o *Orchestrator) writeArtifacts(dir string, req Request) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	reqJSON, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "request.json"), reqJSON, 0o444); err != nil {
		return err
	}

	cfgJSON, err := json.Marshal(sandboxConfig{
		TimeoutMs:     o.cfg.ExecutionTimeout.Milliseconds(),
		MemoryLimitMb: o.cfg.MemoryLimitMB,
		DbEndpoint:    o.dbEndpoint(),
		DbTimeoutMs:   o.cfg.TenantDBQueryTimeout.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode sandbox config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.json"), cfgJSON, 0o444); err != nil {
		return err
	}

	return os.WriteFile(filepath.Join(dir, "result.json"), nil, 0o666)
}

// readResultArtifact parses the result artifact, tolerating a missing
// or never-written file.
func readResultArtifact(path string) (json.RawMessage, bool) {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	var artifact resultArtifact
	if err := json.Unmarshal(data, &artifact); err != nil {
		return nil, false
	}
	if len(artifact.Body) == 0 || string(artifact.Body) == "null" {
		return nil, false
	}
	return artifact.Body, true
}
