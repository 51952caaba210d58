package http_test

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"faas-engine/internal/adapters/memory"
	"faas-engine/internal/adapters/mock"
	"faas-engine/internal/config"
	"faas-engine/internal/core/analysis"
	"faas-engine/internal/core/deployments"
	"faas-engine/internal/core/invocations"
	"faas-engine/internal/core/keys"
	api "faas-engine/internal/delivery/http"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const handlerSource = `from faas_sdk import FunctionHandler, faas_handler


@faas_handler
class GreetHandler(FunctionHandler):
    def handle(self, request, env):
        return {"message": "Hello, World!"}
`

type stubBuilder struct{}

func (stubBuilder) Build(_ context.Context, dep *deployments.Deployment, _ string) (string, string, error) {
	return fmt.Sprintf("faas-fn-%s:v%d", dep.FunctionID, dep.Version), "build ok", nil
}

type env struct {
	handler http.Handler
	runtime *mock.Runtime
	store   *memory.Store
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store := memory.NewStore()
	runtime := mock.NewRuntime()
	runtime.Exec = func(invocations.SandboxSpec) mock.Execution {
		return mock.Execution{ResultBody: []byte(`{"body": {"message": "Hello, World!"}}`)}
	}

	cfg := config.Config{
		FunctionStorageDir: t.TempDir(),
		InvocationDir:      t.TempDir(),
		BuildTimeout:       time.Minute,
		ExecutionTimeout:   time.Second,
		MemoryLimitMB:      128,
	}
	lg := zerolog.Nop()
	mgr := deployments.NewManager(store, analysis.NewAnalyzer(lg), stubBuilder{}, cfg, lg)
	orch := invocations.NewOrchestrator(store, runtime, invocations.NewAdmission(4), cfg, lg)
	recorder := invocations.NewRecorder(store, lg)
	keyMgr := keys.NewManager(store, lg)
	verifier := keys.NewVerifier(store, 5*time.Minute, lg)

	return &env{
		handler: api.NewHandler(mgr, orch, recorder, keyMgr, verifier, 90*24*time.Hour, lg),
		runtime: runtime,
		store:   store,
	}
}

func (e *env) do(t *testing.T, method, path string, body []byte, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *env) deployArchive(t *testing.T, path string, files map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var zbuf bytes.Buffer
	zw := zip.NewWriter(&zbuf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("archive", "function.zip")
	require.NoError(t, err)
	_, err = fw.Write(zbuf.Bytes())
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("name", "greeter"))
	require.NoError(t, mw.WriteField("owner_id", "owner-1"))
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

type deployResponse struct {
	FunctionID   string `json:"function_id"`
	DeploymentID string `json:"deployment_id"`
	Version      int    `json:"version"`
	Status       string `json:"status"`
}

func (e *env) deployAndActivate(t *testing.T) deployResponse {
	t.Helper()
	rec := e.deployArchive(t, "/functions", map[string]string{"handler.py": handlerSource})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var dep deployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dep))
	assert.Equal(t, "building", dep.Status)

	e.waitReady(t, dep.DeploymentID)

	rec = e.do(t, http.MethodPost, "/deployments/"+dep.DeploymentID+"/activate", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code, rec.Body.String())
	return dep
}

func (e *env) waitReady(t *testing.T, deploymentID string) {
	t.Helper()
	require.Eventually(t, func() bool {
		d, err := e.store.GetDeployment(context.Background(), deploymentID)
		return err == nil && d.Status == deployments.DeploymentReady
	}, 3*time.Second, 10*time.Millisecond, "build never finished")
}

func TestDeployActivateInvoke(t *testing.T) {
	e := newEnv(t)
	dep := e.deployAndActivate(t)

	rec := e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke",
		[]byte(`{"body": {"name": "World"}}`), nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"success": true, "result": {"message": "Hello, World!"}}`, rec.Body.String())

	// The invocation is recorded with metadata only.
	rec = e.do(t, http.MethodGet, "/functions/"+dep.FunctionID+"/invocations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []invocations.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, invocations.RecordOK, records[0].Status)
	assert.NotContains(t, rec.Body.String(), "World", "raw request body never appears in records")
}

func TestDeployRejectedByAnalysis(t *testing.T) {
	e := newEnv(t)
	rec := e.deployArchive(t, "/functions", map[string]string{
		"handler.py": handlerSource,
		"shady.py":   "import subprocess\nsubprocess.run([\"curl\", \"evil\"])\n",
	})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)

	var resp struct {
		Error   string   `json:"error"`
		Details []string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "static analysis rejected the package", resp.Error)
	assert.NotEmpty(t, resp.Details, "analysis detail is surfaced verbatim")

	rec = e.do(t, http.MethodGet, "/functions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestInvokeWithoutActiveDeployment(t *testing.T) {
	e := newEnv(t)
	rec := e.deployArchive(t, "/functions", map[string]string{"handler.py": handlerSource})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var dep deployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &dep))

	// Built but never activated.
	e.waitReady(t, dep.DeploymentID)
	rec = e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestInvokeTimeoutStatus(t *testing.T) {
	e := newEnv(t)
	dep := e.deployAndActivate(t)

	e.runtime.Exec = func(invocations.SandboxSpec) mock.Execution {
		return mock.Execution{Hang: true}
	}
	rec := e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", []byte(`{}`), nil)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	rec = e.do(t, http.MethodGet, "/functions/"+dep.FunctionID+"/invocations", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var records []invocations.Record
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	require.Len(t, records, 1)
	assert.Equal(t, invocations.RecordTimeout, records[0].Status)
}

func TestInvokeFunctionErrorPassthrough(t *testing.T) {
	e := newEnv(t)
	dep := e.deployAndActivate(t)

	e.runtime.Exec = func(invocations.SandboxSpec) mock.Execution {
		return mock.Execution{
			ExitCode:   1,
			ResultBody: []byte(`{"body": {"statusCode": 500, "body": {"error": "boom"}}}`),
		}
	}
	rec := e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t,
		`{"success": false, "error": {"statusCode": 500, "body": {"error": "boom"}}}`,
		rec.Body.String())
}

func TestRollbackFlow(t *testing.T) {
	e := newEnv(t)
	v1 := e.deployAndActivate(t)

	rec := e.deployArchive(t, "/functions/"+v1.FunctionID+"/deployments", map[string]string{"handler.py": handlerSource})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var v2 deployResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v2))
	require.Equal(t, 2, v2.Version)

	e.waitReady(t, v2.DeploymentID)
	rec = e.do(t, http.MethodPost, "/deployments/"+v2.DeploymentID+"/activate", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/functions/"+v1.FunctionID+"/rollback",
		[]byte(`{"target_version": 1}`), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/functions/"+v1.FunctionID+"/rollback",
		[]byte(`{"target_version": 1}`), nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "rolling back to the active version")

	rec = e.do(t, http.MethodPost, "/functions/"+v1.FunctionID+"/rollback",
		[]byte(`{"target_version": 42}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code, "unknown target version")
}

func TestActivateBuildingDeploymentConflicts(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	require.NoError(t, e.store.CreateFunction(ctx, &deployments.Function{ID: "fn-x", CreatedAt: time.Now()}))
	require.NoError(t, e.store.CreateDeployment(ctx, &deployments.Deployment{
		ID: "dep-x", FunctionID: "fn-x", Version: 1,
		Status: deployments.DeploymentBuilding, CreatedAt: time.Now(),
	}))

	rec := e.do(t, http.MethodPost, "/deployments/dep-x/activate", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = e.do(t, http.MethodPost, "/deployments/missing/activate", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSignedInvocation(t *testing.T) {
	e := newEnv(t)
	dep := e.deployAndActivate(t)

	// Unkeyed functions invoke without signature headers.
	rec := e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", []byte(`{}`), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/keys", []byte(`{}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Key    keys.ApiKey `json:"key"`
		Secret string      `json:"secret"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.Secret)

	keyJSON, err := json.Marshal(created.Key)
	require.NoError(t, err)
	assert.NotContains(t, string(keyJSON), created.Secret, "the key object never carries the secret")

	// Once a key exists, unsigned invocations are rejected.
	rec = e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", []byte(`{}`), nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	payload := []byte(`{"body": {"name": "World"}}`)
	ts := time.Now().Unix()
	headers := map[string]string{
		api.HeaderSignature: keys.Sign(created.Secret, ts, payload),
		api.HeaderTimestamp: strconv.FormatInt(ts, 10),
		api.HeaderKeyRef:    created.Key.PublicRef,
	}
	rec = e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", payload, headers)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"success":true`)

	// Tampered payload fails verification.
	rec = e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke",
		[]byte(`{"body": {"name": "Mallory"}}`), headers)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Stale timestamp fails even with a matching signature.
	old := time.Now().Add(-10 * time.Minute).Unix()
	staleHeaders := map[string]string{
		api.HeaderSignature: keys.Sign(created.Secret, old, payload),
		api.HeaderTimestamp: strconv.FormatInt(old, 10),
		api.HeaderKeyRef:    created.Key.PublicRef,
	}
	rec = e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/invoke", payload, staleHeaders)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestKeyLifecycleEndpoints(t *testing.T) {
	e := newEnv(t)
	dep := e.deployAndActivate(t)

	rec := e.do(t, http.MethodPost, "/functions/"+dep.FunctionID+"/keys",
		[]byte(`{"validity_seconds": 3600}`), nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created struct {
		Key keys.ApiKey `json:"key"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.Equal(t, int64(3600), created.Key.ValiditySeconds)

	rec = e.do(t, http.MethodPost, "/keys/"+created.Key.PublicRef+"/roll", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var rolled keys.ApiKey
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rolled))
	assert.Equal(t, created.Key.ExpiresAt.Add(time.Hour).Unix(), rolled.ExpiresAt.Unix())

	rec = e.do(t, http.MethodDelete, "/keys/"+created.Key.PublicRef+"/", nil, nil)
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = e.do(t, http.MethodPost, "/keys/"+created.Key.PublicRef+"/roll", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code, "rolling a revoked key")

	rec = e.do(t, http.MethodPost, "/keys/fk_missing/roll", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodPost, "/functions/missing/keys", []byte(`{}`), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestFunctionEndpoints(t *testing.T) {
	e := newEnv(t)
	dep := e.deployAndActivate(t)

	rec := e.do(t, http.MethodGet, "/functions", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var fns []deployments.Function
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &fns))
	require.Len(t, fns, 1)
	assert.Equal(t, "greeter", fns[0].Name)
	assert.Equal(t, deployments.FunctionActive, fns[0].Status)

	rec = e.do(t, http.MethodGet, "/functions/"+dep.FunctionID+"/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = e.do(t, http.MethodGet, "/functions/missing/", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(t, http.MethodGet, "/functions/"+dep.FunctionID+"/deployments", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var deps []deployments.Deployment
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &deps))
	require.Len(t, deps, 1)
	assert.True(t, deps[0].IsActive)
	assert.Equal(t, "build ok", deps[0].BuildLog)
}
