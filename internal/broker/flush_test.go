package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFlushBeginEnd(t *testing.T) {
	f := NewFlushTracker(0)

	f.BeginFlush(1, "client-a")
	start := time.Now()
	assert.True(t, f.HasFlush(1))
	// a held window costs the full poll budget
	assert.GreaterOrEqual(t, time.Since(start), 255*time.Millisecond)

	f.EndFlush(1, "client-a")
	start = time.Now()
	assert.False(t, f.HasFlush(1))
	// a free inode answers on the first poll
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestFlushMultipleClients(t *testing.T) {
	f := NewFlushTracker(0)
	f.BeginFlush(1, "client-a")
	f.BeginFlush(1, "client-b")

	f.EndFlush(1, "client-a")
	assert.True(t, f.HasFlush(1))

	f.EndFlush(1, "client-b")
	assert.False(t, f.HasFlush(1))
}

func TestFlushExpiry(t *testing.T) {
	f := NewFlushTracker(20 * time.Millisecond)
	f.BeginFlush(1, "client-a")

	time.Sleep(30 * time.Millisecond)
	f.ExpireFlush()
	assert.False(t, f.HasFlush(1))

	f.mu.Lock()
	n := len(f.entries)
	f.mu.Unlock()
	assert.Zero(t, n)
}

func TestHasFlushPrunesExpired(t *testing.T) {
	f := NewFlushTracker(10 * time.Millisecond)
	f.BeginFlush(1, "client-a")
	time.Sleep(20 * time.Millisecond)
	// no explicit sweep: the query itself prunes
	assert.False(t, f.HasFlush(1))
}
