package invocations_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"faas-engine/internal/adapters/memory"
	"faas-engine/internal/core/invocations"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleResult(success bool, body string, dur time.Duration) *invocations.Result {
	start := time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)
	res := &invocations.Result{
		Success: success,
		Metadata: invocations.ExecutionMetadata{
			StartTime: start,
			EndTime:   start.Add(dur),
		},
	}
	if body != "" {
		res.Body = json.RawMessage(body)
	}
	return res
}

func TestRecordSuccessKeepsMetadataNotBody(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := invocations.NewRecorder(store, zerolog.Nop())

	req := invocations.Request{
		Method:  "POST",
		Path:    "/greet",
		Headers: map[string]string{"Content-Type": "application/json"},
		Query:   map[string]string{"trace": "on"},
		Body:    json.RawMessage(`{"ssn": "000-00-0000"}`),
	}
	res := sampleResult(true, `{"message": "hi"}`, 340*time.Millisecond)

	saved, err := rec.Record(ctx, "fn-1", req, res, nil)
	require.NoError(t, err)

	assert.Equal(t, invocations.RecordOK, saved.Status)
	assert.Equal(t, int64(340), saved.DurationMs)
	assert.Equal(t, "POST", saved.Method)
	assert.Equal(t, "/greet", saved.Path)
	assert.JSONEq(t, `{"Content-Type": "application/json"}`, saved.HeadersJSON)
	assert.JSONEq(t, `{"trace": "on"}`, saved.QueryJSON)

	// The request body never lands in the record in any form.
	encoded, err := json.Marshal(saved)
	require.NoError(t, err)
	assert.NotContains(t, string(encoded), "ssn")
	assert.NotContains(t, string(encoded), invocations.EncodePayload([]byte(`{"ssn": "000-00-0000"}`)))

	decoded, err := invocations.DecodePayload(saved.EncodedResult)
	require.NoError(t, err)
	assert.JSONEq(t, `{"message": "hi"}`, string(decoded), "result encoding is reversible")
	assert.NotEqual(t, `{"message": "hi"}`, saved.EncodedResult, "result is not stored raw")
}

func TestRecordFunctionError(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := invocations.NewRecorder(store, zerolog.Nop())

	res := sampleResult(false, `{"statusCode": 500, "body": {"error": "boom"}}`, 50*time.Millisecond)
	saved, err := rec.Record(ctx, "fn-1", invocations.Request{}, res, nil)
	require.NoError(t, err)

	assert.Equal(t, invocations.RecordError, saved.Status)
	assert.Empty(t, saved.EncodedResult)

	decoded, err := invocations.DecodePayload(saved.EncodedError)
	require.NoError(t, err)
	assert.JSONEq(t, `{"statusCode": 500, "body": {"error": "boom"}}`, string(decoded))
}

func TestRecordTimeout(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := invocations.NewRecorder(store, zerolog.Nop())

	res := sampleResult(false, "", 5*time.Second)
	saved, err := rec.Record(ctx, "fn-1", invocations.Request{}, res, invocations.ErrExecutionTimeout)
	require.NoError(t, err)

	assert.Equal(t, invocations.RecordTimeout, saved.Status)
	assert.Equal(t, int64(5000), saved.DurationMs)

	decoded, err := invocations.DecodePayload(saved.EncodedError)
	require.NoError(t, err)
	assert.Equal(t, "execution timed out", string(decoded))
}

func TestRecordListNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := memory.NewStore()
	rec := invocations.NewRecorder(store, zerolog.Nop())

	first, err := rec.Record(ctx, "fn-1", invocations.Request{Path: "/a"}, sampleResult(true, `{}`, time.Millisecond), nil)
	require.NoError(t, err)
	second, err := rec.Record(ctx, "fn-1", invocations.Request{Path: "/b"}, sampleResult(true, `{}`, time.Millisecond), nil)
	require.NoError(t, err)
	_, err = rec.Record(ctx, "fn-other", invocations.Request{}, sampleResult(true, `{}`, time.Millisecond), nil)
	require.NoError(t, err)

	records, err := rec.List(ctx, "fn-1")
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, second.ID, records[0].ID)
	assert.Equal(t, first.ID, records[1].ID)
}

func TestEncodePayloadRoundTrip(t *testing.T) {
	assert.Empty(t, invocations.EncodePayload(nil))

	in := []byte(`{"nested": {"value": [1, 2, 3]}}`)
	out, err := invocations.DecodePayload(invocations.EncodePayload(in))
	require.NoError(t, err)
	assert.Equal(t, in, out)
}
