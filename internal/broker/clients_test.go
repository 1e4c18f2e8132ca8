package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

func hbAt(uuid string, at time.Time) *fusemd.Heartbeat {
	return &fusemd.Heartbeat{
		UUID:        uuid,
		Clock:       uint64(at.Unix()),
		ClockNS:     uint32(at.Nanosecond()),
		ProtVersion: fusemd.ProtocolCurrent,
		LeaseTime:   300,
	}
}

func TestRegistryBijection(t *testing.T) {
	cr := NewClientRegistry(RegistryConfig{})
	now := time.Now()

	first, dropped := cr.Store("client-1", hbAt("uuid-1", now))
	assert.True(t, first)
	assert.False(t, dropped)

	first, _ = cr.Store("client-1", hbAt("uuid-1", now))
	assert.False(t, first)

	id, ok := cr.Resolve("uuid-1")
	require.True(t, ok)
	assert.Equal(t, "client-1", id)
}

func TestDelayedHeartbeatDropped(t *testing.T) {
	cr := NewClientRegistry(RegistryConfig{OfflineWindow: 30 * time.Second})
	stale := time.Now().Add(-60 * time.Second)

	_, dropped := cr.Store("client-1", hbAt("uuid-1", stale))
	assert.True(t, dropped)
	assert.Zero(t, cr.Len())
}

func TestLeaseCeilingEnforcedAtStore(t *testing.T) {
	cr := NewClientRegistry(RegistryConfig{})
	hb := hbAt("uuid-1", time.Now())
	hb.LeaseTime = 30 * 86400 // a month

	cr.Store("client-1", hb)
	assert.Equal(t, uint64(fusemd.MaxLeaseTime), cr.Leasetime("uuid-1"))
}

// TestHeartbeatStateMachine walks the session state machine: with windows
// 5/30/120 a silent client is volatile at t+10, offline at t+40 (locks
// dropped exactly once) and removed with one eviction message at t+130.
func TestHeartbeatStateMachine(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	t0 := time.Now()

	b.HandleHeartbeat("client-1", hbAt("uuid-1", t0))
	env.transport.reset()

	// install a lock owned by the mount
	require.True(t, b.locks.SetLk(1, 1, "uuid-1", wr(0, 10, 1), false))

	b.heartbeatTick(t0.Add(2 * time.Second))
	state, ok := b.clients.State("uuid-1")
	require.True(t, ok)
	assert.Equal(t, StateOnline, state)

	b.heartbeatTick(t0.Add(10 * time.Second))
	state, _ = b.clients.State("uuid-1")
	assert.Equal(t, StateVolatile, state)
	assert.True(t, b.locks.HasOwner("uuid-1"))

	b.heartbeatTick(t0.Add(40 * time.Second))
	state, _ = b.clients.State("uuid-1")
	assert.Equal(t, StateOffline, state)
	assert.False(t, b.locks.HasOwner("uuid-1"))

	// locks installed while offline survive further offline ticks (the
	// drop happens only on entry)
	require.True(t, b.locks.SetLk(1, 2, "uuid-1", wr(20, 10, 2), false))
	b.heartbeatTick(t0.Add(50 * time.Second))
	assert.True(t, b.locks.HasOwner("uuid-1"))

	b.heartbeatTick(t0.Add(130 * time.Second))
	_, ok = b.clients.State("uuid-1")
	assert.False(t, ok)
	assert.Zero(t, b.clients.Len())
	assert.False(t, b.locks.HasOwner("uuid-1"))

	evicts := env.transport.messages("client-1", fusemd.RespEvict)
	require.Len(t, evicts, 1)
	assert.NotEmpty(t, evicts[0].Evict.Reason)
}

func TestShutdownHeartbeatEvicts(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	now := time.Now()

	b.HandleHeartbeat("client-1", hbAt("uuid-1", now))
	hb := hbAt("uuid-1", now)
	hb.Shutdown = true
	b.HandleHeartbeat("client-1", hb)

	b.heartbeatTick(now)
	assert.Zero(t, b.clients.Len())
}

func TestProtocolVersionEviction(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	now := time.Now()

	hb := hbAt("uuid-old", now)
	hb.ProtVersion = fusemd.ProtocolV1
	b.HandleHeartbeat("old-client", hb)
	env.transport.reset()

	b.heartbeatTick(now)
	assert.Zero(t, b.clients.Len())

	evicts := env.transport.messages("old-client", fusemd.RespEvict)
	require.Len(t, evicts, 1)
	assert.Contains(t, evicts[0].Evict.Reason, "protocol")
}

func TestFirstSeenGetsDropCapsAndConfig(t *testing.T) {
	env := newTestEnv(t)
	env.connect(t, "client-1", "uuid-1")

	drops := env.transport.messages("client-1", fusemd.RespDropCaps)
	assert.Len(t, drops, 1)

	cfgs := env.transport.messages("client-1", fusemd.RespConfig)
	require.Len(t, cfgs, 1)
	assert.Equal(t, uint64(1), cfgs[0].Config.HBRate)
	assert.True(t, cfgs[0].Config.DentryMessaging)

	// a second heartbeat is quiet
	env.transport.reset()
	env.connect(t, "client-1", "uuid-1")
	assert.Empty(t, env.transport.messages("client-1"))
}

func TestHeartbeatAuthExtensionAndRevocation(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	env.connect(t, "client-1", "uuid-1")
	now := uint64(time.Now().Unix())

	b.caps.Store(testCap("a1", 100, "client-1", "uuid-1", now+100), Vid{})
	b.caps.Store(testCap("a2", 200, "client-1", "uuid-1", now+100), Vid{})

	hb := hbAt("uuid-1", time.Now())
	hb.AuthExtension = map[string]uint64{"a1": 500}
	hb.AuthRevocation = []string{"a2"}
	b.HandleHeartbeat("client-1", hb)

	cap, ok := b.caps.Get("a1")
	require.True(t, ok)
	assert.Equal(t, now+600, cap.VTime)

	_, ok = b.caps.Get("a2")
	assert.False(t, ok)
}

func TestEvictDropsCapsAndLocks(t *testing.T) {
	env := newTestEnv(t)
	b := env.broker
	env.connect(t, "client-1", "uuid-1")
	now := uint64(time.Now().Unix())

	b.caps.Store(testCap("a1", 100, "client-1", "uuid-1", now+100), Vid{})
	require.True(t, b.locks.SetLk(100, 1, "uuid-1", wr(0, 10, 1), false))

	require.NoError(t, b.Evict("uuid-1", "operator request"))

	assert.Zero(t, b.caps.Len())
	assert.False(t, b.locks.HasOwner("uuid-1"))

	evicts := env.transport.messages("client-1", fusemd.RespEvict)
	require.Len(t, evicts, 1)
	assert.Equal(t, "operator request", evicts[0].Evict.Reason)
}
