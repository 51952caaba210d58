package keys

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// SignatureError covers every verification rejection: invalid, expired,
// replayed or revoked. The reason is safe to surface to clients.
type SignatureError struct {
	Reason string
}

func (e *SignatureError) Error() string { return "signature rejected: " + e.Reason }

// Verifier validates signed invocation requests. The signature is
// HMAC-SHA256 over "<timestamp>:<payload>"; timestamps outside the
// anti-replay window are rejected before any MAC work.
type Verifier struct {
	store  Store
	window time.Duration
	lg     zerolog.Logger
	now    func() time.Time
}

func NewVerifier(store Store, window time.Duration, lg zerolog.Logger) *Verifier {
	if window <= 0 {
		window = 5 * time.Minute
	}
	return &Verifier{
		store:  store,
		window: window,
		lg:     lg.With().Str("component", "signature-verifier").Logger(),
		now:    time.Now,
	}
}

// Verify checks signature against payload and timestamp using the key
// named by keyRef. timestamp is seconds since epoch, as sent in the
// X-Timestamp header.
func (v *Verifier) Verify(ctx context.Context, payload []byte, timestamp int64, signature, keyRef string) error {
	k, err := v.store.GetKey(ctx, keyRef)
	if err != nil {
		return &SignatureError{Reason: "unknown key"}
	}
	if k.Revoked {
		return &SignatureError{Reason: "key revoked"}
	}

	now := v.now().UTC()
	if now.Before(k.NotBefore) || now.After(k.ExpiresAt) {
		return &SignatureError{Reason: "key outside validity window"}
	}

	skew := now.Unix() - timestamp
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.window/time.Second) {
		return &SignatureError{Reason: "timestamp outside accepted window"}
	}

	sig, err := hex.DecodeString(signature)
	if err != nil {
		return &SignatureError{Reason: "malformed signature"}
	}
	// hmac.Equal is constant-time.
	if !hmac.Equal(sig, computeMAC(k.Secret, timestamp, payload)) {
		return &SignatureError{Reason: "signature mismatch"}
	}
	return nil
}

// Sign produces the hex signature clients send. Exported for client
// code and tests.
func Sign(secret string, timestamp int64, payload []byte) string {
	return hex.EncodeToString(computeMAC(secret, timestamp, payload))
}

func computeMAC(secret string, timestamp int64, payload []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d:", timestamp)
	mac.Write(payload)
	return mac.Sum(nil)
}
