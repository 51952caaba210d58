package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestMustLoadDefaults(t *testing.T) {
	cfg := MustLoad()

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, EnvDocker, cfg.DeploymentEnv)
	assert.Equal(t, int64(10), cfg.MaxConcurrentInvocations)
	assert.Equal(t, 30*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, 256, cfg.MemoryLimitMB)
	assert.Equal(t, 5*time.Minute, cfg.BuildTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SignatureWindow)
	assert.Equal(t, 90*24*time.Hour, cfg.KeyValidity)
	assert.Equal(t, 5, cfg.TenantDBPoolSize)
	assert.Empty(t, cfg.EgressAllowlist)
}

func TestMustLoadOverrides(t *testing.T) {
	t.Setenv("DEPLOYMENT_ENV", "Kubernetes")
	t.Setenv("MAX_CONCURRENT_INVOCATIONS", "3")
	t.Setenv("EXECUTION_TIMEOUT", "45s")
	t.Setenv("EGRESS_ALLOWLIST", "api.example.com, cdn.example.com ,")
	t.Setenv("TENANT_DB_POOL_SIZE", "not-a-number")

	cfg := MustLoad()

	assert.Equal(t, EnvKubernetes, cfg.DeploymentEnv)
	assert.Equal(t, int64(3), cfg.MaxConcurrentInvocations)
	assert.Equal(t, 45*time.Second, cfg.ExecutionTimeout)
	assert.Equal(t, []string{"api.example.com", "cdn.example.com"}, cfg.EgressAllowlist)
	assert.Equal(t, 5, cfg.TenantDBPoolSize, "unparsable values fall back to the default")
}
