// Package dbgateway serves the function database pool over a unix
// socket. The socket file is bind-mounted into each sandbox, which
// makes the pool reachable only from inside a running invocation.
package dbgateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"faas-engine/internal/core/dbpool"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
)

// QueryExecutor is what the gateway needs from the pool.
type QueryExecutor interface {
	ExecuteQuery(ctx context.Context, query string, params []any, timeout time.Duration) ([]map[string]any, error)
}

type Server struct {
	pool QueryExecutor
	lg   zerolog.Logger
	srv  *http.Server
}

func New(pool QueryExecutor, lg zerolog.Logger) *Server {
	s := &Server{
		pool: pool,
		lg:   lg.With().Str("component", "db-gateway").Logger(),
	}
	r := chi.NewRouter()
	r.Post("/query", s.handleQuery)
	s.srv = &http.Server{Handler: r}
	return s
}

// Serve listens on the unix socket at path. Blocks until Shutdown.
func (s *Server) Serve(path string) error {
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return fmt.Errorf("listen on db gateway socket: %w", err)
	}
	// Sandboxes run as unprivileged users.
	if err := os.Chmod(path, 0o666); err != nil {
		return fmt.Errorf("chmod db gateway socket: %w", err)
	}
	s.lg.Info().Str("socket", path).Msg("db gateway listening")
	if err := s.srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type queryRequest struct {
	Query     string `json:"query"`
	Params    []any  `json:"params,omitempty"`
	TimeoutMs int64  `json:"timeout_ms,omitempty"`
}

// handleQuery runs one query through the bounded pool. Failures are
// surfaced without internal detail.
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Query == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid query request"})
		return
	}

	rows, err := s.pool.ExecuteQuery(r.Context(), req.Query, req.Params, time.Duration(req.TimeoutMs)*time.Millisecond)
	if err != nil {
		s.lg.Warn().Err(err).Msg("tenant query failed")
		switch {
		case errors.Is(err, dbpool.ErrConnect), errors.Is(err, dbpool.ErrPoolClosed):
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "database unavailable"})
		case errors.Is(err, context.DeadlineExceeded):
			writeJSON(w, http.StatusGatewayTimeout, map[string]string{"error": "query timed out"})
		default:
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "query failed"})
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rows": rows})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
