package invocations

import (
	"context"
	"errors"
	"time"
)

// Artifact paths inside the sandbox. The contract is fixed: the
// generated entrypoint reads request and config from these paths and
// writes its outcome to the result path.
const (
	SandboxRequestPath = "/sandbox/request.json"
	SandboxConfigPath  = "/sandbox/config.json"
	SandboxResultPath  = "/sandbox/result.json"
	SandboxDbSocket    = "/sandbox/db.sock"
)

// ErrWaitTimeout is returned by Runtime.Wait when the sandbox did not
// exit within the bound. The orchestrator responds with a forced kill.
var ErrWaitTimeout = errors.New("sandbox wait timed out")

// Mount maps one host file into the sandbox.
type Mount struct {
	HostPath    string
	SandboxPath string
	ReadOnly    bool
}

// SandboxSpec describes one isolated invocation process.
type SandboxSpec struct {
	Name          string
	Image         string
	Mounts        []Mount
	Env           []string
	MemoryLimitMB int
	// EgressAllowlist is the only network access the sandbox gets; an
	// empty list means no network at all.
	EgressAllowlist []string
}

// Runtime is the process-isolation abstraction. Any container runtime
// satisfies it; tests use an in-memory implementation. Cancellation at
// this boundary is always non-cooperative: Kill is a forced stop and
// nothing inside the sandbox is assumed to observe signals.
type Runtime interface {
	Spawn(ctx context.Context, spec SandboxSpec) (handle string, err error)
	// Wait blocks until the sandbox exits or the timeout elapses, in
	// which case it returns ErrWaitTimeout.
	Wait(ctx context.Context, handle string, timeout time.Duration) (exitCode int, err error)
	Kill(ctx context.Context, handle string) error
	// Logs returns captured stdout and stderr, demultiplexed.
	Logs(ctx context.Context, handle string) (stdout, stderr string, err error)
	Remove(ctx context.Context, handle string) error
}
