package docker

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"faas-engine/internal/core/deployments"

	"github.com/docker/docker/api/types"
)

// dockerfileTemplate wraps the worker base image around the unpacked
// source package and its generated entrypoint.
const dockerfileTemplate = `FROM %s
WORKDIR /app/function
COPY . /app/function
CMD ["python", "/app/function/main.py"]
`

// Build constructs the sandbox image for one deployment from its
// source directory. Returns the image reference and the build log; a
// failed build surfaces as *deployments.BuildError with the log
// attached.
func (r *Runtime) Build(ctx context.Context, dep *deployments.Deployment, sourceDir string) (string, string, error) {
	imageRef := fmt.Sprintf("faas-fn-%s:v%d", dep.FunctionID, dep.Version)

	buildCtx, err := tarBuildContext(sourceDir, fmt.Sprintf(dockerfileTemplate, r.cfg.WorkerBaseImage))
	if err != nil {
		return "", "", fmt.Errorf("assemble build context: %w", err)
	}

	resp, err := r.cli.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{imageRef},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return "", "", &deployments.BuildError{DeploymentID: dep.ID, Err: err}
	}
	defer resp.Body.Close()

	buildLog, err := drainBuildStream(resp.Body)
	if err != nil {
		return "", buildLog, &deployments.BuildError{DeploymentID: dep.ID, Log: buildLog, Err: err}
	}

	r.lg.Info().
		Str("deployment_id", dep.ID).
		Str("image", imageRef).
		Msg("function image built")
	return imageRef, buildLog, nil
}

// tarBuildContext packs the source directory plus a synthesized
// Dockerfile into an in-memory build context.
func tarBuildContext(sourceDir, dockerfile string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	if err := tw.WriteHeader(&tar.Header{
		Name: "Dockerfile",
		Mode: 0o644,
		Size: int64(len(dockerfile)),
	}); err != nil {
		return nil, err
	}
	if _, err := tw.Write([]byte(dockerfile)); err != nil {
		return nil, err
	}

	err := filepath.WalkDir(sourceDir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: filepath.ToSlash(rel),
			Mode: 0o644,
			Size: int64(len(data)),
		}); err != nil {
			return err
		}
		_, err = tw.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// drainBuildStream collects the daemon's JSON build progress into a
// plain-text log, failing on an in-stream error message.
func drainBuildStream(r io.Reader) (string, error) {
	var log strings.Builder
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var msg struct {
			Stream string `json:"stream"`
			Error  string `json:"error"`
		}
		if err := json.Unmarshal(sc.Bytes(), &msg); err != nil {
			continue
		}
		if msg.Stream != "" {
			log.WriteString(msg.Stream)
		}
		if msg.Error != "" {
			log.WriteString(msg.Error)
			return log.String(), fmt.Errorf("build failed: %s", msg.Error)
		}
	}
	if err := sc.Err(); err != nil {
		return log.String(), fmt.Errorf("read build stream: %w", err)
	}
	return log.String(), nil
}
