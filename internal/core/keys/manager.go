package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"faas-engine/pkg/rand"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrRevoked rejects lifecycle operations on a revoked key; revocation
// is terminal.
var ErrRevoked = errors.New("key is revoked")

// Manager owns the signing-key lifecycle:
// generate -> active -> roll -> revoke.
type Manager struct {
	store Store
	lg    zerolog.Logger
	now   func() time.Time
}

func NewManager(store Store, lg zerolog.Logger) *Manager {
	return &Manager{
		store: store,
		lg:    lg.With().Str("component", "key-manager").Logger(),
		now:   time.Now,
	}
}

// Generate creates a key pair for a function. The plaintext secret is
// returned exactly once and is not recoverable through any read path
// afterwards.
func (m *Manager) Generate(ctx context.Context, functionID string, validity time.Duration) (*ApiKey, string, error) {
	if validity <= 0 {
		return nil, "", errors.New("key validity must be positive")
	}
	now := m.now().UTC()
	secret := rand.Secret(32)
	k := &ApiKey{
		ID:              uuid.NewString(),
		FunctionID:      functionID,
		PublicRef:       "fk_" + rand.ID16(),
		Secret:          secret,
		NotBefore:       now,
		ExpiresAt:       now.Add(validity),
		ValiditySeconds: int64(validity / time.Second),
		CreatedAt:       now,
	}
	if err := m.store.CreateKey(ctx, k); err != nil {
		return nil, "", fmt.Errorf("persist key: %w", err)
	}
	m.lg.Info().Str("function_id", functionID).Str("public_ref", k.PublicRef).Msg("signing key generated")
	return k, secret, nil
}

// Roll extends the key's expiry by its original validity duration. The
// key identity and secret stay unchanged.
func (m *Manager) Roll(ctx context.Context, publicRef string) (*ApiKey, error) {
	k, err := m.store.GetKey(ctx, publicRef)
	if err != nil {
		return nil, err
	}
	if k.Revoked {
		return nil, ErrRevoked
	}
	k.ExpiresAt = k.ExpiresAt.Add(k.Validity())
	if err := m.store.SaveKey(ctx, k); err != nil {
		return nil, fmt.Errorf("persist rolled key: %w", err)
	}
	m.lg.Info().Str("public_ref", k.PublicRef).Time("expires_at", k.ExpiresAt).Msg("signing key rolled")
	return k, nil
}

// Revoke disables the key permanently.
func (m *Manager) Revoke(ctx context.Context, publicRef string) error {
	k, err := m.store.GetKey(ctx, publicRef)
	if err != nil {
		return err
	}
	if k.Revoked {
		return nil
	}
	k.Revoked = true
	if err := m.store.SaveKey(ctx, k); err != nil {
		return fmt.Errorf("persist revoked key: %w", err)
	}
	m.lg.Info().Str("public_ref", k.PublicRef).Msg("signing key revoked")
	return nil
}

// ListKeys returns the keys of a function, secrets excluded by type.
func (m *Manager) ListKeys(ctx context.Context, functionID string) ([]ApiKey, error) {
	return m.store.ListKeys(ctx, functionID)
}
