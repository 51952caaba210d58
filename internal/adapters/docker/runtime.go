// Package docker runs sandboxes and builds function images through the
// local Docker daemon.
package docker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"faas-engine/internal/config"
	"faas-engine/internal/core/invocations"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/rs/zerolog"
)

type Runtime struct {
	cli        *client.Client
	cfg        config.Config
	lg         zerolog.Logger
	authHeader string
}

func New(cfg config.Config, lg zerolog.Logger) (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}

	r := &Runtime{cli: cli, cfg: cfg, lg: lg.With().Str("adapter", "docker").Logger()}

	if cfg.HarborUser != "" && cfg.HarborPass != "" {
		authConfig := registry.AuthConfig{
			Username:      cfg.HarborUser,
			Password:      cfg.HarborPass,
			ServerAddress: cfg.HarborURL,
		}
		encodedJSON, err := json.Marshal(authConfig)
		if err != nil {
			return nil, fmt.Errorf("marshal auth config: %w", err)
		}
		r.authHeader = base64.URLEncoding.EncodeToString(encodedJSON)
		r.lg.Info().Str("registry", cfg.HarborURL).Msg("configured Harbor registry authentication")
	}

	return r, nil
}

// Spawn creates and starts one sandbox container. Artifacts are bind
// mounts; network is disabled entirely unless an egress allowlist and
// a restricted network are configured.
func (r *Runtime) Spawn(ctx context.Context, spec invocations.SandboxSpec) (string, error) {
	if err := r.ensureImage(ctx, spec.Image); err != nil {
		return "", err
	}

	_ = r.cli.ContainerRemove(ctx, spec.Name, container.RemoveOptions{Force: true})

	binds := make([]string, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		bind := m.HostPath + ":" + m.SandboxPath
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}

	networkMode := container.NetworkMode("none")
	var extraHosts []string
	if len(spec.EgressAllowlist) > 0 && r.cfg.EgressNetwork != "" {
		networkMode = container.NetworkMode(r.cfg.EgressNetwork)
		extraHosts = spec.EgressAllowlist
	}

	resp, err := r.cli.ContainerCreate(ctx,
		&container.Config{
			Image: spec.Image,
			Env:   spec.Env,
		},
		&container.HostConfig{
			Binds:       binds,
			NetworkMode: networkMode,
			ExtraHosts:  extraHosts,
			Resources: container.Resources{
				Memory: int64(spec.MemoryLimitMB) << 20,
			},
		},
		nil, nil, spec.Name,
	)
	if err != nil {
		return "", fmt.Errorf("docker create: %w", err)
	}

	if err := r.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		_ = r.cli.ContainerRemove(ctx, resp.ID, container.RemoveOptions{Force: true})
		return "", fmt.Errorf("docker start: %w", err)
	}

	r.lg.Debug().Str("container_id", resp.ID).Str("image", spec.Image).Msg("sandbox started")
	return resp.ID, nil
}

// Wait blocks until the container exits or the timeout elapses.
func (r *Runtime) Wait(ctx context.Context, handle string, timeout time.Duration) (int, error) {
	waitCh, errCh := r.cli.ContainerWait(ctx, handle, container.WaitConditionNotRunning)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-waitCh:
		if res.Error != nil {
			return -1, fmt.Errorf("docker wait: %s", res.Error.Message)
		}
		return int(res.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("docker wait: %w", err)
	case <-timer.C:
		return -1, invocations.ErrWaitTimeout
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Kill terminates the container immediately; no graceful stop.
func (r *Runtime) Kill(ctx context.Context, handle string) error {
	err := r.cli.ContainerKill(ctx, handle, "SIGKILL")
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("docker kill: %w", err)
	}
	return nil
}

// Logs returns the demultiplexed stdout and stderr streams.
func (r *Runtime) Logs(ctx context.Context, handle string) (string, string, error) {
	rc, err := r.cli.ContainerLogs(ctx, handle, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if err != nil {
		return "", "", fmt.Errorf("docker logs: %w", err)
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return "", "", fmt.Errorf("demux logs: %w", err)
	}
	return stdout.String(), stderr.String(), nil
}

func (r *Runtime) Remove(ctx context.Context, handle string) error {
	err := r.cli.ContainerRemove(ctx, handle, container.RemoveOptions{
		Force:         true,
		RemoveVolumes: true,
	})
	if err != nil && !client.IsErrNotFound(err) {
		return err
	}
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context, img string) error {
	_, _, err := r.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !client.IsErrNotFound(err) {
		return fmt.Errorf("image inspect: %w", err)
	}

	r.lg.Info().Str("image", img).Msg("pulling image from registry")
	rc, err := r.cli.ImagePull(ctx, img, image.PullOptions{RegistryAuth: r.authHeader})
	if err != nil {
		return fmt.Errorf("image pull: %w", err)
	}
	defer rc.Close()
	_, _ = io.Copy(io.Discard, rc)

	return nil
}
