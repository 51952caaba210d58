package keys

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubStore struct {
	byRef map[string]ApiKey
}

func newStubStore() *stubStore {
	return &stubStore{byRef: make(map[string]ApiKey)}
}

func (s *stubStore) CreateKey(_ context.Context, k *ApiKey) error {
	s.byRef[k.PublicRef] = *k
	return nil
}

func (s *stubStore) SaveKey(_ context.Context, k *ApiKey) error {
	if _, ok := s.byRef[k.PublicRef]; !ok {
		return ErrNotFound
	}
	s.byRef[k.PublicRef] = *k
	return nil
}

func (s *stubStore) GetKey(_ context.Context, publicRef string) (*ApiKey, error) {
	k, ok := s.byRef[publicRef]
	if !ok {
		return nil, ErrNotFound
	}
	return &k, nil
}

func (s *stubStore) ListKeys(_ context.Context, functionID string) ([]ApiKey, error) {
	var out []ApiKey
	for _, k := range s.byRef {
		if k.FunctionID == functionID {
			out = append(out, k)
		}
	}
	return out, nil
}

var baseTime = time.Date(2026, 8, 27, 12, 0, 0, 0, time.UTC)

func newTestVerifier(t *testing.T) (*Verifier, *ApiKey, string) {
	t.Helper()
	store := newStubStore()

	mgr := NewManager(store, zerolog.Nop())
	mgr.now = func() time.Time { return baseTime }
	key, secret, err := mgr.Generate(context.Background(), "fn-1", 90*24*time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, secret)

	v := NewVerifier(store, 5*time.Minute, zerolog.Nop())
	v.now = func() time.Time { return baseTime }
	return v, key, secret
}

func TestVerifyAcceptsFreshSignature(t *testing.T) {
	v, key, secret := newTestVerifier(t)
	payload := []byte(`{"name": "World"}`)
	ts := baseTime.Add(-1 * time.Second).Unix()

	err := v.Verify(context.Background(), payload, ts, Sign(secret, ts, payload), key.PublicRef)
	assert.NoError(t, err)
}

func TestVerifyRejections(t *testing.T) {
	payload := []byte(`{"name": "World"}`)

	cases := []struct {
		name   string
		verify func(t *testing.T, v *Verifier, key *ApiKey, secret string) error
		reason string
	}{
		{
			name: "stale timestamp",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, secret string) error {
				ts := baseTime.Add(-6 * time.Minute).Unix()
				return v.Verify(context.Background(), payload, ts, Sign(secret, ts, payload), key.PublicRef)
			},
			reason: "timestamp outside accepted window",
		},
		{
			name: "future timestamp",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, secret string) error {
				ts := baseTime.Add(6 * time.Minute).Unix()
				return v.Verify(context.Background(), payload, ts, Sign(secret, ts, payload), key.PublicRef)
			},
			reason: "timestamp outside accepted window",
		},
		{
			name: "tampered payload",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, secret string) error {
				ts := baseTime.Unix()
				sig := Sign(secret, ts, payload)
				return v.Verify(context.Background(), []byte(`{"name": "Mallory"}`), ts, sig, key.PublicRef)
			},
			reason: "signature mismatch",
		},
		{
			name: "signature from the wrong secret",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, _ string) error {
				ts := baseTime.Unix()
				return v.Verify(context.Background(), payload, ts, Sign("not-the-secret", ts, payload), key.PublicRef)
			},
			reason: "signature mismatch",
		},
		{
			name: "timestamp not covered by the MAC",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, secret string) error {
				sig := Sign(secret, baseTime.Add(-2*time.Minute).Unix(), payload)
				return v.Verify(context.Background(), payload, baseTime.Unix(), sig, key.PublicRef)
			},
			reason: "signature mismatch",
		},
		{
			name: "malformed signature",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, _ string) error {
				return v.Verify(context.Background(), payload, baseTime.Unix(), "zz-not-hex", key.PublicRef)
			},
			reason: "malformed signature",
		},
		{
			name: "unknown key",
			verify: func(t *testing.T, v *Verifier, _ *ApiKey, secret string) error {
				ts := baseTime.Unix()
				return v.Verify(context.Background(), payload, ts, Sign(secret, ts, payload), "fk_missing")
			},
			reason: "unknown key",
		},
		{
			name: "expired key",
			verify: func(t *testing.T, v *Verifier, key *ApiKey, secret string) error {
				v.now = func() time.Time { return key.ExpiresAt.Add(time.Hour) }
				ts := key.ExpiresAt.Add(time.Hour).Unix()
				return v.Verify(context.Background(), payload, ts, Sign(secret, ts, payload), key.PublicRef)
			},
			reason: "key outside validity window",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v, key, secret := newTestVerifier(t)
			err := tc.verify(t, v, key, secret)

			var serr *SignatureError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tc.reason, serr.Reason)
		})
	}
}

func TestRollExtendsExpiryByOriginalValidity(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	mgr := NewManager(store, zerolog.Nop())
	mgr.now = func() time.Time { return baseTime }

	key, _, err := mgr.Generate(ctx, "fn-1", 30*24*time.Hour)
	require.NoError(t, err)

	rolled, err := mgr.Roll(ctx, key.PublicRef)
	require.NoError(t, err)
	assert.Equal(t, key.ExpiresAt.Add(30*24*time.Hour), rolled.ExpiresAt)
	assert.Equal(t, key.PublicRef, rolled.PublicRef)
	assert.Equal(t, key.Secret, rolled.Secret, "rolling keeps the secret")

	again, err := mgr.Roll(ctx, key.PublicRef)
	require.NoError(t, err)
	assert.Equal(t, key.ExpiresAt.Add(60*24*time.Hour), again.ExpiresAt)
}

func TestRevokeIsTerminal(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	mgr := NewManager(store, zerolog.Nop())
	mgr.now = func() time.Time { return baseTime }

	key, secret, err := mgr.Generate(ctx, "fn-1", time.Hour)
	require.NoError(t, err)

	require.NoError(t, mgr.Revoke(ctx, key.PublicRef))
	require.NoError(t, mgr.Revoke(ctx, key.PublicRef), "revoking twice is a no-op")

	_, err = mgr.Roll(ctx, key.PublicRef)
	assert.ErrorIs(t, err, ErrRevoked)

	v := NewVerifier(store, 5*time.Minute, zerolog.Nop())
	v.now = func() time.Time { return baseTime }
	ts := baseTime.Unix()
	err = v.Verify(ctx, []byte("x"), ts, Sign(secret, ts, []byte("x")), key.PublicRef)

	var serr *SignatureError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, "key revoked", serr.Reason)
}

func TestGenerateRequiresPositiveValidity(t *testing.T) {
	mgr := NewManager(newStubStore(), zerolog.Nop())
	_, _, err := mgr.Generate(context.Background(), "fn-1", 0)
	assert.Error(t, err)
}

func TestSecretNeverSerialized(t *testing.T) {
	ctx := context.Background()
	store := newStubStore()
	mgr := NewManager(store, zerolog.Nop())

	key, secret, err := mgr.Generate(ctx, "fn-1", time.Hour)
	require.NoError(t, err)

	b, err := json.Marshal(key)
	require.NoError(t, err)
	assert.NotContains(t, string(b), secret)

	listed, err := mgr.ListKeys(ctx, "fn-1")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	lb, err := json.Marshal(listed)
	require.NoError(t, err)
	assert.NotContains(t, string(lb), secret)
}
