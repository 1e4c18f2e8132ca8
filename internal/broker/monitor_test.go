package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// TestQuotaRefreshFlipFlop: a cap whose identity runs out of quota gets one
// zeroed cap broadcast; when availability returns, one refreshed broadcast
// and the marker is cleared.
func TestQuotaRefreshFlipFlop(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	env.connect(t, "client-a", "uuid-a")
	env.transport.reset()

	now := time.Now()
	cap := testCap("a1", 100, "client-a", "uuid-a", uint64(now.Unix())+300)
	cap.UID = 1000
	cap.Quota = fusemd.Quota{InodeQuota: 10, VolumeQuota: 1000, QuotaInode: 55}
	b.caps.Store(cap, Vid{UID: 1000})

	env.oracle.SetAvail(55, 1000, 0, 0)
	outofquota := make(map[string]time.Time)

	b.refreshQuota(now, outofquota)
	updates := env.transport.messages("client-a", fusemd.RespCap)
	require.Len(t, updates, 1)
	assert.Zero(t, updates[0].Cap.Quota.InodeQuota)
	assert.Contains(t, outofquota, "a1")

	// a second pass with unchanged state is quiet
	b.refreshQuota(now, outofquota)
	assert.Len(t, env.transport.messages("client-a", fusemd.RespCap), 1)

	// availability returns: one refreshed broadcast, marker cleared
	env.oracle.SetAvail(55, 1000, 5, 500)
	b.refreshQuota(now, outofquota)
	updates = env.transport.messages("client-a", fusemd.RespCap)
	require.Len(t, updates, 2)
	assert.Equal(t, uint64(5), updates[1].Cap.Quota.InodeQuota)
	assert.NotContains(t, outofquota, "a1")
}

// TestQuotaMarkersAge: out-of-quota markers older than an hour are purged.
func TestQuotaMarkersAge(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker

	outofquota := map[string]time.Time{
		"stale": time.Now().Add(-2 * time.Hour),
		"fresh": time.Now(),
	}
	b.refreshQuota(time.Now(), outofquota)
	assert.NotContains(t, outofquota, "stale")
	assert.Contains(t, outofquota, "fresh")
}

// TestExpireCapsPopsAll: the per-tick expiry drains everything due.
func TestExpireCapsPopsAll(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	now := uint64(time.Now().Unix())

	b.caps.Store(testCap("a1", 1, "c", "u", now-10), Vid{})
	b.caps.Store(testCap("a2", 2, "c", "u", now-5), Vid{})
	b.caps.Store(testCap("a3", 3, "c", "u", now+100), Vid{})

	b.expireCaps(time.Now())
	assert.Equal(t, 1, b.caps.Len())
	_, ok := b.caps.Get("a3")
	assert.True(t, ok)
}
