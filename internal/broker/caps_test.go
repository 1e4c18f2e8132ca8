package broker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

func testCap(authID string, ino uint64, clientID, uuid string, vtime uint64) *fusemd.Cap {
	return &fusemd.Cap{
		ID:         ino,
		Mode:       fusemd.ModeR | fusemd.ModeX,
		VTime:      vtime,
		AuthID:     authID,
		ClientID:   clientID,
		ClientUUID: uuid,
	}
}

func TestCapStoreIndices(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())

	cs.Store(testCap("a1", 100, "c1", "u1", now+100), Vid{UID: 1})
	cs.Store(testCap("a2", 100, "c2", "u2", now+200), Vid{UID: 2})
	cs.Store(testCap("a3", 200, "c1", "u1", now+300), Vid{UID: 1})

	got, ok := cs.Get("a1")
	require.True(t, ok)
	assert.Equal(t, uint64(100), got.ID)

	caps := cs.InodeCaps(100)
	assert.Len(t, caps, 2)

	assert.True(t, cs.HasClientInodeCap("c1", 100))
	assert.True(t, cs.HasClientInodeCap("c1", 200))
	assert.False(t, cs.HasClientInodeCap("c2", 200))

	vid, ok := cs.GetVid("a2")
	require.True(t, ok)
	assert.Equal(t, uint32(2), vid.UID)
}

func TestCapStoreDeleteInode(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())

	cs.Store(testCap("a1", 100, "c1", "u1", now+100), Vid{})
	cs.Store(testCap("a2", 100, "c2", "u2", now+200), Vid{})
	cs.Store(testCap("a3", 200, "c1", "u1", now+300), Vid{})

	require.NoError(t, cs.Delete(100))

	// nothing with inode 100 remains in any index
	_, ok := cs.Get("a1")
	assert.False(t, ok)
	_, ok = cs.Get("a2")
	assert.False(t, ok)
	assert.Empty(t, cs.InodeCaps(100))
	assert.False(t, cs.HasClientInodeCap("c1", 100))
	assert.False(t, cs.HasClientInodeCap("c2", 100))

	// the unrelated cap survives
	_, ok = cs.Get("a3")
	assert.True(t, ok)
	assert.Equal(t, 1, cs.Len())

	// deleting again reports no caps
	assert.Error(t, cs.Delete(100))
}

func TestCapStoreReplaceByAuthID(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())

	cs.Store(testCap("a1", 100, "c1", "u1", now+100), Vid{})
	cs.Store(testCap("a1", 100, "c1", "u1", now+500), Vid{})

	assert.Equal(t, 1, cs.Len())
	got, _ := cs.Get("a1")
	assert.Equal(t, now+500, got.VTime)
}

// TestCapExpirySweep installs 1000 caps expiring at now+k and verifies that
// at now+500 exactly the 500 earliest are popped.
func TestCapExpirySweep(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())

	for k := uint64(1); k <= 1000; k++ {
		cs.Store(testCap(fmt.Sprintf("a%04d", k), 100+k, "c1", "u1", now+k), Vid{})
	}

	popped := 0
	for {
		cap, ok := cs.ExpireNext(now + 500)
		if !ok {
			break
		}
		assert.LessOrEqual(t, cap.VTime, now+500)
		popped++
	}
	assert.Equal(t, 500, popped)
	assert.Equal(t, 500, cs.Len())

	// none with vtime > now+500 is missing
	for k := uint64(501); k <= 1000; k++ {
		_, ok := cs.Get(fmt.Sprintf("a%04d", k))
		assert.True(t, ok)
	}
}

func TestCapExtendVTime(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())
	cs.Store(testCap("a1", 100, "c1", "u1", now+10), Vid{})

	require.True(t, cs.ExtendVTime("a1", 100))

	// the old expiry entry is stale: nothing pops at now+10
	_, ok := cs.ExpireNext(now + 10)
	assert.False(t, ok)

	cap, ok := cs.ExpireNext(now + 120)
	require.True(t, ok)
	assert.Equal(t, "a1", cap.AuthID)
}

func TestCapImply(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())
	parent := testCap("parent-auth", 100, "c1", "u1", now+100)
	parent.Mode = fusemd.ModeR | fusemd.ModeW | fusemd.ModeX
	cs.Store(parent, Vid{UID: 7})

	require.True(t, cs.Imply(200, "parent-auth", "child-auth", 300))

	child, ok := cs.Get("child-auth")
	require.True(t, ok)
	assert.Equal(t, uint64(200), child.ID)
	assert.Equal(t, parent.Mode, child.Mode)
	assert.Equal(t, "c1", child.ClientID)
	assert.GreaterOrEqual(t, child.VTime, now+300)

	vid, _ := cs.GetVid("child-auth")
	assert.Equal(t, uint32(7), vid.UID)

	// missing implied id or unknown parent fail
	assert.False(t, cs.Imply(200, "parent-auth", "", 300))
	assert.False(t, cs.Imply(200, "nope", "x", 300))
}

func TestCapDropUUID(t *testing.T) {
	cs := NewCapStore()
	now := uint64(time.Now().Unix())
	cs.Store(testCap("a1", 100, "c1", "u1", now+100), Vid{})
	cs.Store(testCap("a2", 200, "c1", "u1", now+100), Vid{})
	cs.Store(testCap("a3", 100, "c2", "u2", now+100), Vid{})

	dropped := cs.DropUUID("u1")
	assert.Len(t, dropped, 2)
	assert.Equal(t, 1, cs.Len())
	assert.Len(t, cs.InodeCaps(100), 1)
}
