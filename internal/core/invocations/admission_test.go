package invocations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdmissionRejectsBeyondLimit(t *testing.T) {
	a := NewAdmission(3)

	var releases []func()
	for i := 0; i < 3; i++ {
		release, ok := a.TryAcquire()
		require.True(t, ok, "slot %d should be grantable", i)
		releases = append(releases, release)
	}

	_, ok := a.TryAcquire()
	assert.False(t, ok, "slot beyond the limit must be rejected, not queued")

	releases[0]()
	release, ok := a.TryAcquire()
	require.True(t, ok, "released slot becomes grantable again")
	release()

	for _, r := range releases[1:] {
		r()
	}
}

func TestAdmissionReleaseIsIdempotent(t *testing.T) {
	a := NewAdmission(1)

	release, ok := a.TryAcquire()
	require.True(t, ok)
	release()
	release() // second call must not free a slot twice

	r1, ok := a.TryAcquire()
	require.True(t, ok)
	defer r1()

	_, ok = a.TryAcquire()
	assert.False(t, ok, "double release must not mint an extra slot")
}

func TestAdmissionLimitFloor(t *testing.T) {
	a := NewAdmission(0)
	assert.Equal(t, int64(1), a.Limit())

	release, ok := a.TryAcquire()
	require.True(t, ok)
	defer release()
}
