package namespace

import (
	"math"
	"sync"
)

// NoQuota is the availability reported when no quota governs a subtree.
// Caps carrying this value are skipped by the quota refresh loop.
const NoQuota = int64(math.MaxInt64 / 2)

// QuotaOracle answers availability questions for (quota node, uid, gid)
// tuples. Availability of zero files or zero bytes means the identity is out
// of quota under that node.
type QuotaOracle interface {
	// Enabled reports whether quota accounting is active for a space.
	Enabled(space string) bool

	// ByNode returns the remaining file and byte allowance of an identity
	// under a quota node.
	ByNode(quotaNode uint64, uid, gid uint32) (availFiles, availBytes int64, err error)

	// NodeOf returns the quota node governing a container, or 0.
	NodeOf(containerID uint64) uint64
}

// StaticOracle is an in-memory quota oracle keyed by quota node and uid. It
// serves tests and single-node deployments; a production MGM plugs in the
// quota accounting store instead.
type StaticOracle struct {
	mu      sync.RWMutex
	spaces  map[string]bool
	nodes   map[uint64]uint64 // container id -> quota node
	byIdent map[quotaKey]quotaAvail
}

type quotaKey struct {
	node uint64
	uid  uint32
}

type quotaAvail struct {
	files int64
	bytes int64
}

// NewStaticOracle returns an oracle with quota disabled everywhere.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{
		spaces:  make(map[string]bool),
		nodes:   make(map[uint64]uint64),
		byIdent: make(map[quotaKey]quotaAvail),
	}
}

// EnableSpace switches quota accounting on for a space.
func (o *StaticOracle) EnableSpace(space string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.spaces[space] = true
}

// SetNode binds a container to a quota node.
func (o *StaticOracle) SetNode(containerID, node uint64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.nodes[containerID] = node
}

// SetAvail sets the allowance of (node, uid).
func (o *StaticOracle) SetAvail(node uint64, uid uint32, files, bytes int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.byIdent[quotaKey{node, uid}] = quotaAvail{files, bytes}
}

func (o *StaticOracle) Enabled(space string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.spaces[space]
}

func (o *StaticOracle) ByNode(node uint64, uid, gid uint32) (int64, int64, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if a, ok := o.byIdent[quotaKey{node, uid}]; ok {
		return a.files, a.bytes, nil
	}
	return NoQuota, NoQuota, nil
}

func (o *StaticOracle) NodeOf(containerID uint64) uint64 {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.nodes[containerID]
}
