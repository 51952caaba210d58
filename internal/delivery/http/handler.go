package http

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"faas-engine/internal/core/deployments"
	"faas-engine/internal/core/invocations"
	"faas-engine/internal/core/keys"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	httpSwagger "github.com/swaggo/http-swagger"
)

// Signed invocation headers.
const (
	HeaderSignature = "X-Signature"
	HeaderTimestamp = "X-Timestamp"
	HeaderKeyRef    = "X-Key-Ref"
)

type Handler struct {
	mgr      *deployments.Manager
	orch     *invocations.Orchestrator
	recorder *invocations.Recorder
	keys     *keys.Manager
	verifier *keys.Verifier
	keyTTL   time.Duration
	lg       zerolog.Logger
}

func NewHandler(
	mgr *deployments.Manager,
	orch *invocations.Orchestrator,
	recorder *invocations.Recorder,
	keyMgr *keys.Manager,
	verifier *keys.Verifier,
	keyTTL time.Duration,
	lg zerolog.Logger,
) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	h := &Handler{
		mgr:      mgr,
		orch:     orch,
		recorder: recorder,
		keys:     keyMgr,
		verifier: verifier,
		keyTTL:   keyTTL,
		lg:       lg,
	}

	r.Route("/functions", func(r chi.Router) {
		r.Post("/", h.handleDeploy)
		r.Get("/", h.handleListFunctions)
		r.Route("/{functionID}", func(r chi.Router) {
			r.Get("/", h.handleGetFunction)
			r.Post("/deployments", h.handleDeployVersion)
			r.Get("/deployments", h.handleListDeployments)
			r.Post("/rollback", h.handleRollback)
			r.Post("/invoke", h.handleInvoke)
			r.Post("/keys", h.handleCreateKey)
			r.Get("/invocations", h.handleListInvocations)
		})
	})
	r.Route("/deployments/{deploymentID}", func(r chi.Router) {
		r.Post("/activate", h.handleActivate)
	})
	r.Route("/keys/{keyRef}", func(r chi.Router) {
		r.Post("/roll", h.handleRollKey)
		r.Delete("/", h.handleRevokeKey)
	})
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/swagger/doc.json")))

	return r
}

// handleDeploy accepts a zip source archive and a function name, runs
// static analysis and starts an asynchronous build.
func (h *Handler) handleDeploy(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil { // 32 MB max
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'archive' in form")
		return
	}
	defer file.Close()

	name := r.FormValue("name")
	if name == "" {
		writeError(w, http.StatusBadRequest, "missing 'name' in form")
		return
	}
	ownerID := r.FormValue("owner_id")

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable archive")
		return
	}

	dep, err := h.mgr.Deploy(r.Context(), ownerID, name, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		h.writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"function_id":   dep.FunctionID,
		"deployment_id": dep.ID,
		"version":       dep.Version,
		"status":        dep.Status,
	})
}

// handleDeployVersion creates a new version for an existing function.
func (h *Handler) handleDeployVersion(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, _, err := r.FormFile("archive")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing 'archive' in form")
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable archive")
		return
	}

	dep, err := h.mgr.DeployVersion(r.Context(), functionID, bytes.NewReader(data), int64(len(data)))
	if err != nil {
		h.writeDeployError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"function_id":   dep.FunctionID,
		"deployment_id": dep.ID,
		"version":       dep.Version,
		"status":        dep.Status,
	})
}

// writeDeployError surfaces analysis detail verbatim; everything else
// stays generic.
func (h *Handler) writeDeployError(w http.ResponseWriter, err error) {
	var analysisErr *deployments.AnalysisError
	switch {
	case errors.As(err, &analysisErr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":    "static analysis rejected the package",
			"details":  analysisErr.Result.Errors,
			"warnings": analysisErr.Result.Warnings,
			"risks":    analysisErr.Result.DetectedRisks,
		})
	case errors.Is(err, deployments.ErrNotFound):
		writeError(w, http.StatusNotFound, "function not found")
	default:
		h.lg.Error().Err(err).Msg("deploy failed")
		writeError(w, http.StatusInternalServerError, "deploy failed")
	}
}

// handleActivate makes a deployment the active version of its function.
func (h *Handler) handleActivate(w http.ResponseWriter, r *http.Request) {
	deploymentID := chi.URLParam(r, "deploymentID")
	err := h.mgr.Activate(r.Context(), deploymentID)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, deployments.ErrNotFound):
		writeError(w, http.StatusNotFound, "deployment not found")
	case errors.Is(err, deployments.ErrNotActivatable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.lg.Error().Err(err).Msg("activate failed")
		writeError(w, http.StatusInternalServerError, "activation failed")
	}
}

// handleRollback re-activates an earlier version.
func (h *Handler) handleRollback(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	var req struct {
		TargetVersion int `json:"target_version"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	err := h.mgr.Rollback(r.Context(), functionID, req.TargetVersion)
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, deployments.ErrAlreadyActive):
		writeError(w, http.StatusConflict, "target version is already active")
	case errors.Is(err, deployments.ErrUnknownVersion):
		writeError(w, http.StatusNotFound, "unknown version")
	case errors.Is(err, deployments.ErrNotActivatable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.lg.Error().Err(err).Msg("rollback failed")
		writeError(w, http.StatusInternalServerError, "rollback failed")
	}
}

// handleInvoke runs one sandboxed invocation. Functions with signing
// keys require X-Signature, X-Timestamp and X-Key-Ref headers.
func (h *Handler) handleInvoke(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")

	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	if !h.checkSignature(w, r, functionID, payload) {
		return
	}

	var req invocations.Request
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
	}

	res, invErr := h.orch.Invoke(r.Context(), functionID, req)
	if res != nil {
		if _, rerr := h.recorder.Record(r.Context(), functionID, req, res, invErr); rerr != nil {
			h.lg.Error().Err(rerr).Str("function_id", functionID).Msg("record invocation")
		}
	}

	switch {
	case errors.Is(invErr, invocations.ErrNoActiveDeployment):
		writeJSON(w, http.StatusNotFound, map[string]any{"success": false, "error": "no active deployment"})
	case errors.Is(invErr, invocations.ErrCapacity):
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"success": false, "error": "capacity reached, retry later"})
	case errors.Is(invErr, invocations.ErrExecutionTimeout):
		writeJSON(w, http.StatusGatewayTimeout, map[string]any{"success": false, "error": "execution timed out"})
	case invErr != nil:
		h.lg.Error().Err(invErr).Str("function_id", functionID).Msg("invoke failed")
		writeJSON(w, http.StatusInternalServerError, map[string]any{"success": false, "error": "invocation failed"})
	case res.Success:
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "result": res.Body})
	default:
		// The function's own declared error payload, passed through
		// opaquely. Logs and internals are never included here.
		errBody := any("function returned no result")
		if res.Body != nil {
			errBody = res.Body
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": false, "error": errBody})
	}
}

// checkSignature enforces signed invocations for functions that have
// keys. Returns false after writing the rejection.
func (h *Handler) checkSignature(w http.ResponseWriter, r *http.Request, functionID string, payload []byte) bool {
	existing, err := h.keys.ListKeys(r.Context(), functionID)
	if err != nil {
		h.lg.Error().Err(err).Msg("list keys")
		writeError(w, http.StatusInternalServerError, "invocation failed")
		return false
	}
	if len(existing) == 0 {
		return true
	}

	signature := r.Header.Get(HeaderSignature)
	tsRaw := r.Header.Get(HeaderTimestamp)
	keyRef := r.Header.Get(HeaderKeyRef)
	if signature == "" || tsRaw == "" || keyRef == "" {
		writeError(w, http.StatusUnauthorized, "signed invocation required")
		return false
	}
	ts, err := strconv.ParseInt(tsRaw, 10, 64)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "malformed timestamp")
		return false
	}
	if err := h.verifier.Verify(r.Context(), payload, ts, signature, keyRef); err != nil {
		var sigErr *keys.SignatureError
		if errors.As(err, &sigErr) {
			writeError(w, http.StatusUnauthorized, sigErr.Error())
		} else {
			writeError(w, http.StatusUnauthorized, "signature rejected")
		}
		return false
	}
	return true
}

// handleListFunctions lists all function definitions.
func (h *Handler) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ListFunctions(r.Context())
	if err != nil {
		h.lg.Error().Err(err).Msg("list functions")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetFunction(w http.ResponseWriter, r *http.Request) {
	fn, err := h.mgr.GetFunction(r.Context(), chi.URLParam(r, "functionID"))
	if errors.Is(err, deployments.ErrNotFound) {
		writeError(w, http.StatusNotFound, "function not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, fn)
}

// handleListDeployments returns the version-descending history.
func (h *Handler) handleListDeployments(w http.ResponseWriter, r *http.Request) {
	list, err := h.mgr.ListDeployments(r.Context(), chi.URLParam(r, "functionID"))
	if errors.Is(err, deployments.ErrNotFound) {
		writeError(w, http.StatusNotFound, "function not found")
		return
	}
	if err != nil {
		h.lg.Error().Err(err).Msg("list deployments")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

// handleCreateKey generates a signing key. The secret appears in this
// response and nowhere else, ever.
func (h *Handler) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	functionID := chi.URLParam(r, "functionID")
	if _, err := h.mgr.GetFunction(r.Context(), functionID); err != nil {
		writeError(w, http.StatusNotFound, "function not found")
		return
	}

	validity := h.keyTTL
	var req struct {
		ValiditySeconds int64 `json:"validity_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.ValiditySeconds > 0 {
		validity = time.Duration(req.ValiditySeconds) * time.Second
	}

	key, secret, err := h.keys.Generate(r.Context(), functionID, validity)
	if err != nil {
		h.lg.Error().Err(err).Msg("generate key")
		writeError(w, http.StatusInternalServerError, "key generation failed")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"key": key, "secret": secret})
}

func (h *Handler) handleRollKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.keys.Roll(r.Context(), chi.URLParam(r, "keyRef"))
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, key)
	case errors.Is(err, keys.ErrNotFound):
		writeError(w, http.StatusNotFound, "key not found")
	case errors.Is(err, keys.ErrRevoked):
		writeError(w, http.StatusConflict, "key is revoked")
	default:
		h.lg.Error().Err(err).Msg("roll key")
		writeError(w, http.StatusInternalServerError, "roll failed")
	}
}

func (h *Handler) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	err := h.keys.Revoke(r.Context(), chi.URLParam(r, "keyRef"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, keys.ErrNotFound):
		writeError(w, http.StatusNotFound, "key not found")
	default:
		h.lg.Error().Err(err).Msg("revoke key")
		writeError(w, http.StatusInternalServerError, "revoke failed")
	}
}

// handleListInvocations returns persisted invocation records.
func (h *Handler) handleListInvocations(w http.ResponseWriter, r *http.Request) {
	list, err := h.recorder.List(r.Context(), chi.URLParam(r, "functionID"))
	if err != nil {
		h.lg.Error().Err(err).Msg("list invocations")
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
