package broker

import (
	"container/heap"
	"fmt"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// capEntry is one element of the expiry order.
type capEntry struct {
	vtime  uint64
	authID string
}

// capHeap is a min-heap on vtime with lazy deletion: stale entries (cap gone
// or vtime moved) are skipped at pop time.
type capHeap []capEntry

func (h capHeap) Len() int            { return len(h) }
func (h capHeap) Less(i, j int) bool  { return h[i].vtime < h[j].vtime }
func (h capHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *capHeap) Push(x any)         { *h = append(*h, x.(capEntry)) }
func (h *capHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	*h = old[:n-1]
	return e
}

// CapStore is the authoritative store of issued capabilities. The cap map is
// the arena; the remaining maps are non-owning indices that must stay
// consistent with it: a missing entry in any index is a bug, not a
// recoverable state.
//
// Lock order: CapStore before ClientRegistry, never the other way around.
type CapStore struct {
	mu sync.RWMutex

	caps map[string]*fusemd.Cap // by auth id (primary key)
	vids map[string]Vid         // issuing identity by auth id

	clientCaps    map[string]map[string]struct{} // client id -> auth ids
	clientInoCaps map[string]map[uint64]struct{} // client id -> inodes
	uuidCaps      map[string]map[string]struct{} // client uuid -> auth ids
	inodeCaps     map[uint64]map[string]struct{} // inode -> auth ids

	expiry capHeap
}

// NewCapStore returns an empty store.
func NewCapStore() *CapStore {
	return &CapStore{
		caps:          make(map[string]*fusemd.Cap),
		vids:          make(map[string]Vid),
		clientCaps:    make(map[string]map[string]struct{}),
		clientInoCaps: make(map[string]map[uint64]struct{}),
		uuidCaps:      make(map[string]map[string]struct{}),
		inodeCaps:     make(map[uint64]map[string]struct{}),
	}
}

func addIndex[K comparable, V comparable](m map[K]map[V]struct{}, k K, v V) {
	s, ok := m[k]
	if !ok {
		s = make(map[V]struct{})
		m[k] = s
	}
	s[v] = struct{}{}
}

func delIndex[K comparable, V comparable](m map[K]map[V]struct{}, k K, v V) {
	if s, ok := m[k]; ok {
		delete(s, v)
		if len(s) == 0 {
			delete(m, k)
		}
	}
}

// store inserts or replaces the cap under the mutex held by the caller.
func (cs *CapStore) store(cap *fusemd.Cap, vid Vid) {
	if old, exists := cs.caps[cap.AuthID]; !exists {
		heap.Push(&cs.expiry, capEntry{cap.VTime, cap.AuthID})
	} else {
		if old.VTime != cap.VTime {
			heap.Push(&cs.expiry, capEntry{cap.VTime, cap.AuthID})
		}
		if old.ClientID != cap.ClientID || old.ClientUUID != cap.ClientUUID || old.ID != cap.ID {
			// a re-issue moved the cap; the old index entries go first
			cs.remove(old)
		}
	}
	c := *cap
	cs.caps[cap.AuthID] = &c
	cs.vids[cap.AuthID] = vid
	addIndex(cs.clientCaps, cap.ClientID, cap.AuthID)
	addIndex(cs.clientInoCaps, cap.ClientID, cap.ID)
	addIndex(cs.uuidCaps, cap.ClientUUID, cap.AuthID)
	addIndex(cs.inodeCaps, cap.ID, cap.AuthID)
}

// Store inserts or replaces a cap by auth id, updating every index.
func (cs *CapStore) Store(cap *fusemd.Cap, vid Vid) {
	logger.Debug("cap-store id=%x clientid=%s authid=%s", cap.ID, cap.ClientID, cap.AuthID)
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.store(cap, vid)
}

// Get returns a copy of the cap.
func (cs *CapStore) Get(authID string) (fusemd.Cap, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	if c, ok := cs.caps[authID]; ok {
		return *c, true
	}
	return fusemd.Cap{}, false
}

// GetVid returns the identity a cap was issued to.
func (cs *CapStore) GetVid(authID string) (Vid, bool) {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	v, ok := cs.vids[authID]
	return v, ok
}

// Imply copies the permissions of the parent's cap into a child cap pinned
// to ino, with a fresh expiry of now + leasetime.
func (cs *CapStore) Imply(ino uint64, authID, impliedAuthID string, leasetime uint64) bool {
	logger.Debug("cap-imply id=%x authid=%s implied-authid=%s", ino, authID, impliedAuthID)
	if impliedAuthID == "" {
		return false
	}
	cs.mu.Lock()
	defer cs.mu.Unlock()

	parent, ok := cs.caps[authID]
	if !ok || parent.ID == 0 {
		return false
	}
	if leasetime == 0 {
		leasetime = fusemd.DefaultLeaseTime
	}
	now := time.Now()
	implied := *parent
	implied.AuthID = impliedAuthID
	implied.ID = ino
	implied.VTime = uint64(now.Unix()) + leasetime
	implied.VTimeNS = uint32(now.Nanosecond())
	cs.store(&implied, cs.vids[authID])
	return true
}

// remove deletes one cap from the arena and every index. Caller holds the
// write lock.
func (cs *CapStore) remove(cap *fusemd.Cap) {
	delete(cs.caps, cap.AuthID)
	delete(cs.vids, cap.AuthID)
	delIndex(cs.clientCaps, cap.ClientID, cap.AuthID)
	delIndex(cs.uuidCaps, cap.ClientUUID, cap.AuthID)
	delIndex(cs.inodeCaps, cap.ID, cap.AuthID)

	// the client holds the inode only while one of its caps still pins it
	still := false
	for authID := range cs.clientCaps[cap.ClientID] {
		if c, ok := cs.caps[authID]; ok && c.ID == cap.ID {
			still = true
			break
		}
	}
	if !still {
		delIndex(cs.clientInoCaps, cap.ClientID, cap.ID)
	}
}

// Remove deletes a cap by auth id.
func (cs *CapStore) Remove(authID string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if c, ok := cs.caps[authID]; ok {
		cs.remove(c)
	}
}

// Delete removes every cap pinned to an inode from every index.
func (cs *CapStore) Delete(ino uint64) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	authIDs, ok := cs.inodeCaps[ino]
	if !ok {
		return namespace.Errf(syscall.ENOENT, "no caps for inode %d", ino)
	}
	for authID := range authIDs {
		if c, ok := cs.caps[authID]; ok {
			cs.remove(c)
		}
	}
	delete(cs.inodeCaps, ino)
	return nil
}

// DropUUID removes every cap of a client mount and returns the dropped caps
// so the caller can send release messages.
func (cs *CapStore) DropUUID(uuid string) []fusemd.Cap {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	var dropped []fusemd.Cap
	for authID := range cs.uuidCaps[uuid] {
		if c, ok := cs.caps[authID]; ok {
			dropped = append(dropped, *c)
			cs.remove(c)
		}
	}
	return dropped
}

// ExtendVTime extends a cap's expiry by delta seconds (heartbeat
// authextension).
func (cs *CapStore) ExtendVTime(authID string, delta uint64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.caps[authID]
	if !ok || c.VTime == 0 {
		return false
	}
	logger.Debug("cap-extension: authid=%s vtime:= %d => %d", authID, c.VTime, c.VTime+delta)
	c.VTime += delta
	heap.Push(&cs.expiry, capEntry{c.VTime, authID})
	return true
}

// SetQuota replaces a cap's quota availability and returns the updated copy.
func (cs *CapStore) SetQuota(authID string, files, bytes uint64) (fusemd.Cap, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.caps[authID]
	if !ok {
		return fusemd.Cap{}, false
	}
	c.Quota.InodeQuota = files
	c.Quota.VolumeQuota = bytes
	return *c, true
}

// ExpireNext pops the earliest-expiring cap if its vtime has passed.
func (cs *CapStore) ExpireNext(now uint64) (fusemd.Cap, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for cs.expiry.Len() > 0 {
		e := cs.expiry[0]
		c, ok := cs.caps[e.authID]
		if !ok || c.VTime != e.vtime {
			// stale order entry (cap removed or extended)
			heap.Pop(&cs.expiry)
			continue
		}
		if e.vtime > now {
			return fusemd.Cap{}, false
		}
		heap.Pop(&cs.expiry)
		out := *c
		cs.remove(c)
		return out, true
	}
	return fusemd.Cap{}, false
}

// InodeCaps returns copies of all caps pinned to an inode.
func (cs *CapStore) InodeCaps(ino uint64) []fusemd.Cap {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	var out []fusemd.Cap
	for authID := range cs.inodeCaps[ino] {
		if c, ok := cs.caps[authID]; ok {
			out = append(out, *c)
		}
	}
	return out
}

// HasClientInodeCap reports whether the client already holds a cap on the
// inode. Used to avoid re-issuing listing caps.
func (cs *CapStore) HasClientInodeCap(clientID string, ino uint64) bool {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	_, ok := cs.clientInoCaps[clientID][ino]
	return ok
}

// Snapshot returns copies of all caps, for the quota refresh loop.
func (cs *CapStore) Snapshot() []fusemd.Cap {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	out := make([]fusemd.Cap, 0, len(cs.caps))
	for _, c := range cs.caps {
		out = append(out, *c)
	}
	return out
}

// Len returns the number of live caps.
func (cs *CapStore) Len() int {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	return len(cs.caps)
}

// Dump renders the cap table ordered by expiry for operator inspection.
func (cs *CapStore) Dump() string {
	cs.mu.RLock()
	defer cs.mu.RUnlock()
	now := uint64(time.Now().Unix())

	ordered := make([]*fusemd.Cap, 0, len(cs.caps))
	for _, c := range cs.caps {
		ordered = append(ordered, c)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i].VTime < ordered[j].VTime })

	var b strings.Builder
	for _, c := range ordered {
		valid := uint64(0)
		if c.VTime > now {
			valid = c.VTime - now
		}
		fmt.Fprintf(&b, "# i:%016x a:%s c:%s u:%s m:%08x v:%d\n",
			c.ID, c.AuthID, c.ClientID, c.ClientUUID, c.Mode, valid)
	}
	return b.String()
}
