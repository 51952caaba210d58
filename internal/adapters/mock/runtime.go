// Package mock is an in-memory sandbox runtime for tests, in the same
// spirit as a container runtime but without any isolation.
package mock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"faas-engine/internal/core/invocations"

	"github.com/google/uuid"
)

// Execution scripts the behavior of one spawned sandbox.
type Execution struct {
	ExitCode   int
	Stdout     string
	Stderr     string
	ResultBody []byte // written to the result artifact before "exit"
	Delay      time.Duration
	Hang       bool // never terminates; only a kill ends it
}

type sandbox struct {
	spec invocations.SandboxSpec
	exec Execution
	done chan struct{}
}

// Runtime implements invocations.Runtime. Exec decides, per spawn, how
// the sandbox behaves; the default is an immediate clean exit with no
// result.
type Runtime struct {
	Exec func(spec invocations.SandboxSpec) Execution

	mu        sync.Mutex
	sandboxes map[string]*sandbox

	SpawnCount  int
	KillCount   int
	RemoveCount int
}

func NewRuntime() *Runtime {
	return &Runtime{sandboxes: make(map[string]*sandbox)}
}

func (r *Runtime) Spawn(_ context.Context, spec invocations.SandboxSpec) (string, error) {
	exec := Execution{}
	if r.Exec != nil {
		exec = r.Exec(spec)
	}

	// The scripted result is written the way a real sandbox would:
	// through the mounted result artifact.
	if exec.ResultBody != nil {
		for _, m := range spec.Mounts {
			if m.SandboxPath == invocations.SandboxResultPath {
				if err := os.WriteFile(m.HostPath, exec.ResultBody, 0o666); err != nil {
					return "", err
				}
			}
		}
	}

	handle := uuid.NewString()[:8]
	r.mu.Lock()
	r.SpawnCount++
	r.sandboxes[handle] = &sandbox{spec: spec, exec: exec, done: make(chan struct{})}
	r.mu.Unlock()
	return handle, nil
}

func (r *Runtime) Wait(ctx context.Context, handle string, timeout time.Duration) (int, error) {
	sb, err := r.get(handle)
	if err != nil {
		return -1, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	if sb.exec.Hang {
		select {
		case <-sb.done:
			return -1, nil
		case <-timer.C:
			return -1, invocations.ErrWaitTimeout
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}

	if sb.exec.Delay > 0 {
		delay := time.NewTimer(sb.exec.Delay)
		defer delay.Stop()
		select {
		case <-delay.C:
		case <-timer.C:
			return -1, invocations.ErrWaitTimeout
		case <-ctx.Done():
			return -1, ctx.Err()
		}
	}
	return sb.exec.ExitCode, nil
}

func (r *Runtime) Kill(_ context.Context, handle string) error {
	sb, err := r.get(handle)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.KillCount++
	select {
	case <-sb.done:
	default:
		close(sb.done)
	}
	r.mu.Unlock()
	return nil
}

func (r *Runtime) Logs(_ context.Context, handle string) (string, string, error) {
	sb, err := r.get(handle)
	if err != nil {
		return "", "", err
	}
	return sb.exec.Stdout, sb.exec.Stderr, nil
}

func (r *Runtime) Remove(_ context.Context, handle string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sandboxes[handle]; !ok {
		return fmt.Errorf("unknown sandbox %q", handle)
	}
	delete(r.sandboxes, handle)
	r.RemoveCount++
	return nil
}

// Spec returns the spec a live sandbox was spawned with.
func (r *Runtime) Spec(handle string) (invocations.SandboxSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[handle]
	if !ok {
		return invocations.SandboxSpec{}, false
	}
	return sb.spec, true
}

func (r *Runtime) get(handle string) (*sandbox, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sb, ok := r.sandboxes[handle]
	if !ok {
		return nil, fmt.Errorf("unknown sandbox %q", handle)
	}
	return sb, nil
}
