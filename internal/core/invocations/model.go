package invocations

import (
	"encoding/json"
	"time"
)

// Request is the ephemeral invocation input serialized into the request
// artifact. Missing fields are defaulted inside the sandbox.
type Request struct {
	Method  string            `json:"method,omitempty"`
	Path    string            `json:"path,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Query   map[string]string `json:"query,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
}

// ContainerOutput carries the sandbox process output, always separate
// from the function-declared result payload.
type ContainerOutput struct {
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
	ExitCode  int       `json:"exit_code"`
	Timestamp time.Time `json:"timestamp"`
}

// ExecutionMetadata records the bounds one invocation ran under.
type ExecutionMetadata struct {
	StartTime     time.Time `json:"start_time"`
	EndTime       time.Time `json:"end_time"`
	TimeoutMs     int64     `json:"timeout_ms"`
	MemoryLimitMb int       `json:"memory_limit_mb"`
}

// Result is the ephemeral outcome of one sandboxed invocation.
type Result struct {
	Body     json.RawMessage   `json:"body,omitempty"`
	Success  bool              `json:"success"`
	Output   ContainerOutput   `json:"output"`
	Metadata ExecutionMetadata `json:"metadata"`
}

// sandboxConfig is the read-only config artifact materialized for every
// invocation.
type sandboxConfig struct {
	TimeoutMs     int64  `json:"timeoutMs"`
	MemoryLimitMb int    `json:"memoryLimitMb"`
	DbEndpoint    string `json:"dbEndpoint,omitempty"`
	DbTimeoutMs   int64  `json:"dbTimeoutMs,omitempty"`
}

// resultArtifact is the shape functions write to the result artifact.
type resultArtifact struct {
	Body json.RawMessage `json:"body"`
}
