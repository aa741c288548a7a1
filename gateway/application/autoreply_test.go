package application

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAutoReplier_RollingWindow(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewAutoReplier(24 * time.Hour)
	a.now = func() time.Time { return now }

	var fired []string
	a.OnFire = func(id string, at time.Time) { fired = append(fired, id) }

	_, ok := a.Claim("1101")
	assert.True(t, ok)
	a.Commit("1101")
	_, ok = a.Claim("1101")
	assert.False(t, ok)

	// windows are per instance
	_, ok = a.Claim("1102")
	assert.True(t, ok)
	a.Commit("1102")

	now = now.Add(24*time.Hour - time.Second)
	_, ok = a.Claim("1101")
	assert.False(t, ok)

	now = now.Add(time.Second)
	_, ok = a.Claim("1101")
	assert.True(t, ok)
	a.Commit("1101")

	assert.Equal(t, []string{"1101", "1102", "1101"}, fired)
}

func TestAutoReplier_SeedAndRestore(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	a := NewAutoReplier(0)
	a.now = func() time.Time { return now }

	a.Seed("1101", now.Add(-time.Hour))
	_, ok := a.Claim("1101")
	assert.False(t, ok, "seeded timestamp keeps the window closed")

	a.Seed("1101", now.Add(-48*time.Hour))
	last, _ := a.LastFired("1101")
	assert.Equal(t, now.Add(-time.Hour), last, "older seed never wins")

	a.Forget("1101")
	prev, ok := a.Claim("1101")
	assert.True(t, ok)
	assert.True(t, prev.IsZero())

	a.Restore("1101", prev)
	_, has := a.LastFired("1101")
	assert.False(t, has)
}

func TestAutoReplier_RestoredClaimIsNeverCommitted(t *testing.T) {
	a := NewAutoReplier(0)
	var fired []time.Time
	a.OnFire = func(id string, at time.Time) { fired = append(fired, at) }

	prev, ok := a.Claim("1101")
	require.True(t, ok)
	assert.Empty(t, fired, "a claim alone is not persisted")

	a.Restore("1101", prev)
	a.Commit("1101")
	assert.Empty(t, fired)
}
