package keys

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores for unknown keys.
var ErrNotFound = errors.New("key not found")

// ApiKey is a signing key pair bound to one function. The secret is
// surfaced to the client exactly once, at generation time, and is never
// serialized afterwards.
type ApiKey struct {
	ID         string `gorm:"primaryKey" json:"id"`
	FunctionID string `gorm:"index" json:"function_id"`
	PublicRef  string `gorm:"uniqueIndex" json:"public_ref"`
	// Secret backs HMAC recomputation on verify. Excluded from every
	// JSON surface; read endpoints never return it.
	Secret          string    `json:"-"`
	NotBefore       time.Time `json:"not_before"`
	ExpiresAt       time.Time `json:"expires_at"`
	ValiditySeconds int64     `json:"validity_seconds"`
	Revoked         bool      `json:"revoked"`
	CreatedAt       time.Time `json:"created_at"`
}

// Validity returns the original validity duration, by which each roll
// extends the expiry.
func (k *ApiKey) Validity() time.Duration {
	return time.Duration(k.ValiditySeconds) * time.Second
}

// Store persists signing keys.
type Store interface {
	CreateKey(ctx context.Context, k *ApiKey) error
	SaveKey(ctx context.Context, k *ApiKey) error
	// GetKey resolves a key by its public reference.
	GetKey(ctx context.Context, publicRef string) (*ApiKey, error)
	ListKeys(ctx context.Context, functionID string) ([]ApiKey, error)
}
