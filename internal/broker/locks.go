package broker

import (
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// rangeLock is one held byte-range lock. Len of -1 means infinite.
type rangeLock struct {
	Start uint64
	Len   int64
	Pid   uint64
	Owner string
}

// end returns the exclusive end of the range.
func (l rangeLock) end() uint64 {
	if l.Len < 0 {
		return math.MaxUint64
	}
	return l.Start + uint64(l.Len)
}

func (l rangeLock) overlaps(start, end uint64) bool {
	return l.Start < end && start < l.end()
}

func (l rangeLock) sameHolder(pid uint64, owner string) bool {
	return l.Pid == pid && l.Owner == owner
}

// LockTracker is the lock table of a single inode: read ranges and write
// ranges, each owned by a (pid, owner-uuid) pair.
type LockTracker struct {
	rlocks []rangeLock
	wlocks []rangeLock
}

func lockEnd(start uint64, length int64) uint64 {
	if length < 0 {
		return math.MaxUint64
	}
	return start + uint64(length)
}

// getlk returns the first lock conflicting with the probe, or a Flock with
// type LockUn when the probe could be installed.
func (t *LockTracker) getlk(probe *fusemd.Flock) fusemd.Flock {
	start, end := probe.Start, lockEnd(probe.Start, probe.Len)

	check := func(locks []rangeLock) *rangeLock {
		for i := range locks {
			l := &locks[i]
			if l.Pid == probe.Pid {
				continue
			}
			if l.overlaps(start, end) {
				return l
			}
		}
		return nil
	}

	// write ranges conflict with any probe, read ranges only with a
	// write probe
	if c := check(t.wlocks); c != nil {
		return fusemd.Flock{Start: c.Start, Len: c.Len, Pid: c.Pid, Type: fusemd.LockWr}
	}
	if probe.Type == fusemd.LockWr {
		if c := check(t.rlocks); c != nil {
			return fusemd.Flock{Start: c.Start, Len: c.Len, Pid: c.Pid, Type: fusemd.LockRd}
		}
	}
	return fusemd.Flock{Type: fusemd.LockUn}
}

// conflicts reports whether installing the range for (pid, owner) would
// collide with a foreign lock.
func (t *LockTracker) conflicts(pid uint64, owner string, typ uint32, start, end uint64) bool {
	for i := range t.wlocks {
		l := &t.wlocks[i]
		if l.sameHolder(pid, owner) {
			continue
		}
		if l.overlaps(start, end) {
			return true
		}
	}
	if typ == fusemd.LockWr {
		for i := range t.rlocks {
			l := &t.rlocks[i]
			if l.sameHolder(pid, owner) {
				continue
			}
			if l.overlaps(start, end) {
				return true
			}
		}
	}
	return false
}

// carve removes [start, end) from every range of (pid, owner) in locks,
// splitting ranges that surround the hole.
func carve(locks []rangeLock, pid uint64, owner string, start, end uint64) []rangeLock {
	out := locks[:0]
	var added []rangeLock
	for _, l := range locks {
		if !l.sameHolder(pid, owner) || !l.overlaps(start, end) {
			out = append(out, l)
			continue
		}
		if l.Start < start {
			added = append(added, rangeLock{Start: l.Start, Len: int64(start - l.Start), Pid: pid, Owner: owner})
		}
		if l.end() > end && end != math.MaxUint64 {
			left := rangeLock{Start: end, Pid: pid, Owner: owner}
			if l.Len < 0 {
				left.Len = -1
			} else {
				left.Len = int64(l.end() - end)
			}
			added = append(added, left)
		}
	}
	return append(out, added...)
}

// setlk attempts to install (or, for LockUn, remove) the range. It never
// blocks; the table layer implements the bounded wait.
func (t *LockTracker) setlk(pid uint64, owner string, fl *fusemd.Flock) bool {
	start, end := fl.Start, lockEnd(fl.Start, fl.Len)

	if fl.Type == fusemd.LockUn {
		t.rlocks = carve(t.rlocks, pid, owner, start, end)
		t.wlocks = carve(t.wlocks, pid, owner, start, end)
		return true
	}

	if t.conflicts(pid, owner, fl.Type, start, end) {
		return false
	}

	// replace any own ranges in the window, then install
	t.rlocks = carve(t.rlocks, pid, owner, start, end)
	t.wlocks = carve(t.wlocks, pid, owner, start, end)
	nl := rangeLock{Start: fl.Start, Len: fl.Len, Pid: pid, Owner: owner}
	if fl.Type == fusemd.LockRd {
		t.rlocks = append(t.rlocks, nl)
	} else {
		t.wlocks = append(t.wlocks, nl)
	}
	return true
}

func removeBy(locks []rangeLock, match func(rangeLock) bool) []rangeLock {
	out := locks[:0]
	for _, l := range locks {
		if !match(l) {
			out = append(out, l)
		}
	}
	return out
}

// removePid drops all locks held by a pid.
func (t *LockTracker) removePid(pid uint64) {
	t.rlocks = removeBy(t.rlocks, func(l rangeLock) bool { return l.Pid == pid })
	t.wlocks = removeBy(t.wlocks, func(l rangeLock) bool { return l.Pid == pid })
}

// removeOwner drops all locks held by an owner uuid.
func (t *LockTracker) removeOwner(owner string) {
	t.rlocks = removeBy(t.rlocks, func(l rangeLock) bool { return l.Owner == owner })
	t.wlocks = removeBy(t.wlocks, func(l rangeLock) bool { return l.Owner == owner })
}

// inUse reports whether any lock remains.
func (t *LockTracker) inUse() bool {
	return len(t.rlocks)+len(t.wlocks) > 0
}

// LockTable holds the per-inode lock trackers.
type LockTable struct {
	mu     sync.Mutex
	inodes map[uint64]*LockTracker
}

// NewLockTable returns an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{inodes: make(map[uint64]*LockTracker)}
}

func (lt *LockTable) tracker(ino uint64) *LockTracker {
	t, ok := lt.inodes[ino]
	if !ok {
		t = &LockTracker{}
		lt.inodes[ino] = t
	}
	return t
}

// GetLk reports the first conflicting lock on an inode.
func (lt *LockTable) GetLk(ino uint64, probe *fusemd.Flock) fusemd.Flock {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return lt.tracker(ino).getlk(probe)
}

// setLkWTries bounds the blocking SETLKW retry: delays 1,2,...,128 ms.
const setLkWTries = 8

// SetLk installs or removes a lock. With blocking set, the attempt is
// retried with exponential backoff (1, 2, ... 128 ms, at most 255 ms in
// total) and fails after the last try; clients treat that as a hint to retry
// at a higher layer.
func (lt *LockTable) SetLk(ino, pid uint64, owner string, fl *fusemd.Flock, blocking bool) bool {
	tries := 1
	if blocking {
		tries = setLkWTries
	}
	delay := time.Millisecond
	for i := 0; i < tries; i++ {
		lt.mu.Lock()
		ok := lt.tracker(ino).setlk(pid, owner, fl)
		lt.mu.Unlock()
		if ok {
			return true
		}
		if blocking {
			time.Sleep(delay)
			delay *= 2
		}
	}
	return false
}

// DropPid releases all locks of a pid on one inode.
func (lt *LockTable) DropPid(ino, pid uint64) {
	lt.mu.Lock()
	if t, ok := lt.inodes[ino]; ok {
		t.removePid(pid)
	}
	lt.mu.Unlock()
	lt.Purge()
}

// DropOwner releases all locks of an owner uuid across all inodes. Called on
// client eviction and when a session goes offline.
func (lt *LockTable) DropOwner(owner string) {
	logger.Debug("dropping locks owner=%s", owner)
	lt.mu.Lock()
	for _, t := range lt.inodes {
		t.removeOwner(owner)
	}
	lt.mu.Unlock()
	lt.Purge()
}

// Purge removes trackers that hold no locks.
func (lt *LockTable) Purge() {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for ino, t := range lt.inodes {
		if !t.inUse() {
			delete(lt.inodes, ino)
		}
	}
}

// HasOwner reports whether any lock of the owner remains (test hook and
// operator introspection).
func (lt *LockTable) HasOwner(owner string) bool {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	for _, t := range lt.inodes {
		for _, l := range t.rlocks {
			if l.Owner == owner {
				return true
			}
		}
		for _, l := range t.wlocks {
			if l.Owner == owner {
				return true
			}
		}
	}
	return false
}

// Dump renders the lock table for operator inspection.
func (lt *LockTable) Dump() string {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	var b strings.Builder
	for ino, t := range lt.inodes {
		for _, l := range t.rlocks {
			fmt.Fprintf(&b, "lock : ino : %016x type:r start:%d len:%d pid:%d owner:%s\n",
				ino, l.Start, l.Len, l.Pid, l.Owner)
		}
		for _, l := range t.wlocks {
			fmt.Fprintf(&b, "lock : ino : %016x type:w start:%d len:%d pid:%d owner:%s\n",
				ino, l.Start, l.Len, l.Pid, l.Owner)
		}
	}
	return b.String()
}
