package rand

import (
	"crypto/rand"
	"encoding/hex"
)

// ID16 returns a 16-character hex identifier suitable for short entity IDs.
func ID16() string {
	b := make([]byte, 8)
	if _, err := rand.Read(b); err != nil {
		panic("rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Secret returns a hex-encoded secret of n random bytes.
func Secret(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("rand: " + err.Error())
	}
	return hex.EncodeToString(b)
}
