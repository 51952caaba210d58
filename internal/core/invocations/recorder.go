package invocations

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Record is the persisted trace of one invocation. It keeps request
// metadata only: the raw body is never retained. Result and error
// payloads are stored in a reversible, non-cryptographic encoding so
// they do not leak through generic log viewers.
type Record struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	FunctionID    string    `gorm:"index" json:"function_id"`
	Status        string    `json:"status"`
	DurationMs    int64     `json:"duration_ms"`
	EncodedResult string    `json:"encoded_result,omitempty"`
	EncodedError  string    `json:"encoded_error,omitempty"`
	Method        string    `json:"method"`
	Path          string    `json:"path"`
	HeadersJSON   string    `json:"headers_json,omitempty"`
	QueryJSON     string    `json:"query_json,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// Record statuses.
const (
	RecordOK      = "ok"
	RecordError   = "error"
	RecordTimeout = "timeout"
)

// RecordStore persists invocation records.
type RecordStore interface {
	CreateInvocationRecord(ctx context.Context, rec *Record) error
	ListInvocationRecords(ctx context.Context, functionID string) ([]Record, error)
}

// Recorder turns orchestrator output into persisted records.
type Recorder struct {
	store RecordStore
	lg    zerolog.Logger
}

func NewRecorder(store RecordStore, lg zerolog.Logger) *Recorder {
	return &Recorder{store: store, lg: lg.With().Str("component", "invocation-recorder").Logger()}
}

// Record persists the outcome of one invocation. res must be non-nil;
// invErr carries the orchestration error, if any.
func (r *Recorder) Record(ctx context.Context, functionID string, req Request, res *Result, invErr error) (*Record, error) {
	rec := &Record{
		ID:         uuid.NewString(),
		FunctionID: functionID,
		Method:     req.Method,
		Path:       req.Path,
		DurationMs: res.Metadata.EndTime.Sub(res.Metadata.StartTime).Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if len(req.Headers) > 0 {
		if b, err := json.Marshal(req.Headers); err == nil {
			rec.HeadersJSON = string(b)
		}
	}
	if len(req.Query) > 0 {
		if b, err := json.Marshal(req.Query); err == nil {
			rec.QueryJSON = string(b)
		}
	}

	switch {
	case errors.Is(invErr, ErrExecutionTimeout):
		rec.Status = RecordTimeout
		rec.EncodedError = EncodePayload([]byte("execution timed out"))
	case res.Success:
		rec.Status = RecordOK
		rec.EncodedResult = EncodePayload(res.Body)
	default:
		rec.Status = RecordError
		if res.Body != nil {
			// The function's own declared error payload, kept opaque.
			rec.EncodedError = EncodePayload(res.Body)
		} else {
			rec.EncodedError = EncodePayload([]byte("function exited without a result"))
		}
	}

	if err := r.store.CreateInvocationRecord(ctx, rec); err != nil {
		r.lg.Error().Err(err).Str("function_id", functionID).Msg("failed to persist invocation record")
		return nil, err
	}
	return rec, nil
}

// List returns the persisted records for a function.
func (r *Recorder) List(ctx context.Context, functionID string) ([]Record, error) {
	return r.store.ListInvocationRecords(ctx, functionID)
}

// EncodePayload applies the reversible record encoding.
func EncodePayload(b []byte) string {
	if len(b) == 0 {
		return ""
	}
	return base64.StdEncoding.EncodeToString(b)
}

// DecodePayload reverses EncodePayload.
func DecodePayload(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}
