package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
)

// FlushTracker records open flush windows: the interval during which a
// client has outstanding writes for an inode. Queries that depend on a
// file's size consult HasFlush and wait a bounded time for the window to
// close.
//
// Entries carry an explicit expiry (now + TTL) so an ENDFLUSH lost on the
// wire cannot wedge an inode.
type FlushTracker struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[uint64]map[string]time.Time // inode -> client uuid -> expiry
}

// DefaultFlushTTL bounds a flush window when the client never ends it.
const DefaultFlushTTL = 30 * time.Second

// NewFlushTracker creates a tracker; ttl of 0 selects DefaultFlushTTL.
func NewFlushTracker(ttl time.Duration) *FlushTracker {
	if ttl <= 0 {
		ttl = DefaultFlushTTL
	}
	return &FlushTracker{
		ttl:     ttl,
		entries: make(map[uint64]map[string]time.Time),
	}
}

// BeginFlush opens (or refreshes) the flush window of (inode, client).
func (f *FlushTracker) BeginFlush(ino uint64, client string) {
	logger.Debug("begin-flush ino=%016x client=%s", ino, client)
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.entries[ino]
	if !ok {
		m = make(map[string]time.Time)
		f.entries[ino] = m
	}
	m[client] = time.Now().Add(f.ttl)
}

// EndFlush closes the flush window of (inode, client).
func (f *FlushTracker) EndFlush(ino uint64, client string) {
	logger.Debug("end-flush ino=%016x client=%s", ino, client)
	f.mu.Lock()
	defer f.mu.Unlock()
	if m, ok := f.entries[ino]; ok {
		delete(m, client)
		if len(m) == 0 {
			delete(f.entries, ino)
		}
	}
}

// validate prunes expired windows of one inode and reports whether a live
// window remains. Caller holds the mutex.
func (f *FlushTracker) validate(ino uint64, now time.Time) bool {
	m, ok := f.entries[ino]
	if !ok {
		return false
	}
	for client, expiry := range m {
		if !expiry.After(now) {
			delete(m, client)
		}
	}
	if len(m) == 0 {
		delete(f.entries, ino)
		return false
	}
	return true
}

// HasFlush reports whether an unexpired flush window exists for the inode.
// It polls up to 8 times with exponential backoff (at most 255 ms in total),
// blocking the calling worker while a writer may still be in flight.
func (f *FlushTracker) HasFlush(ino uint64) bool {
	delay := time.Millisecond
	for i := 0; i < 8; i++ {
		f.mu.Lock()
		has := f.validate(ino, time.Now())
		f.mu.Unlock()
		if !has {
			return false
		}
		time.Sleep(delay)
		delay *= 2
	}
	return true
}

// ExpireFlush sweeps all expired windows. Run from the heartbeat monitor.
func (f *FlushTracker) ExpireFlush() {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	for ino, m := range f.entries {
		for client, expiry := range m {
			if !expiry.After(now) {
				delete(m, client)
			}
		}
		if len(m) == 0 {
			delete(f.entries, ino)
		}
	}
}

// Dump renders the open flush windows for operator inspection.
func (f *FlushTracker) Dump() string {
	now := time.Now()
	f.mu.Lock()
	defer f.mu.Unlock()
	var b strings.Builder
	for ino, m := range f.entries {
		for client, expiry := range m {
			fmt.Fprintf(&b, "flush : ino : %016x client : %-8s valid=%.02f sec\n",
				ino, client, expiry.Sub(now).Seconds())
		}
	}
	return b.String()
}
