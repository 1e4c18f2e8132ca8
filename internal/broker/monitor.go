package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
)

// MonitorHeartBeat sweeps the session registry once per second: it computes
// the per-session state from heartbeat age, drops the locks of sessions
// entering the offline state (exactly once), evicts sessions past the remove
// window, and expires flush windows. Run as a dedicated goroutine.
func (b *Broker) MonitorHeartBeat(ctx context.Context) {
	logger.Info("msg=\"starting heartbeat monitor\"")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.heartbeatTick(time.Now())
		}
	}
}

// heartbeatTick is one sweep; factored out for deterministic tests.
func (b *Broker) heartbeatTick(now time.Time) {
	evictions, offline := b.clients.Sweep(now)

	for _, uuid := range offline {
		// drop locks once on entering the offline state
		b.locks.DropOwner(uuid)
	}

	for _, ev := range evictions {
		b.msg.EvictIdentity(ev.ClientID, ev.Reason)
		// caps die with the session; no release messages to a mount
		// that is already gone
		b.caps.DropUUID(ev.UUID)
		b.locks.DropOwner(ev.UUID)
	}

	b.flushes.ExpireFlush()

	if b.metrics != nil {
		b.metrics.SetActiveSessions(b.clients.Len())
		b.metrics.SetActiveCaps(b.caps.Len())
	}
}

// MonitorCaps expires caps once per second and refreshes quota availability
// every QuotaCheckInterval iterations: identities found out of quota get a
// zeroed cap broadcast once, identities back in quota get the refreshed
// values; stale out-of-quota markers age out after an hour. Run as a
// dedicated goroutine.
func (b *Broker) MonitorCaps(ctx context.Context) {
	logger.Info("msg=\"starting cap monitor\"")
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	outofquota := make(map[string]time.Time)
	cnt := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.expireCaps(time.Now())
			if cnt%b.clients.QuotaCheckInterval() == 0 {
				b.refreshQuota(time.Now(), outofquota)
			}
			cnt++
		}
	}
}

// expireCaps pops every cap whose vtime has passed.
func (b *Broker) expireCaps(now time.Time) {
	ts := uint64(now.Unix())
	for {
		if _, ok := b.caps.ExpireNext(ts); !ok {
			return
		}
	}
}

type quotaTuple struct {
	uid  uint32
	gid  uint32
	node uint64
}

// refreshQuota walks the distinct (uid, gid, quota node) tuples reachable
// through outstanding caps and pushes changed availability to the owning
// mounts.
func (b *Broker) refreshQuota(now time.Time, outofquota map[string]time.Time) {
	byTuple := make(map[quotaTuple][]string)
	for _, cap := range b.caps.Snapshot() {
		// caps without quota contents are not tracked
		if cap.Quota.InodeQuota == uint64(namespace.NoQuota) {
			continue
		}
		if cap.Quota.QuotaInode == 0 {
			continue
		}
		t := quotaTuple{cap.UID, cap.GID, cap.Quota.QuotaInode}
		byTuple[t] = append(byTuple[t], cap.AuthID)
	}

	for t, authIDs := range byTuple {
		availFiles, availBytes, err := b.quota.ByNode(t.node, t.uid, t.gid)
		if err != nil {
			logger.Warn("quota check qino=%d uid=%d gid=%d failed: %v", t.node, t.uid, t.gid, err)
			continue
		}
		outNow := availFiles == 0 || availBytes == 0

		for _, authID := range authIDs {
			_, marked := outofquota[authID]
			if (outNow && !marked) || (!outNow && marked) {
				// availability flipped: push the changed quota via a
				// cap update; an out-of-quota cap carries zeroed quota
				files, vol := uint64(availFiles), uint64(availBytes)
				if outNow {
					files, vol = 0, 0
				}
				if cap, ok := b.caps.SetQuota(authID, files, vol); ok {
					b.bc.BroadcastCap(cap)
				}
				if outNow {
					outofquota[authID] = now
				} else {
					delete(outofquota, authID)
				}
			}
		}
	}

	// age out stale markers
	for authID, since := range outofquota {
		if now.Sub(since) > time.Hour {
			delete(outofquota, authID)
		}
	}
}

// Print renders a summary of the broker state (sessions, caps, locks,
// flushes) for the operator interface.
func (b *Broker) Print() string {
	return fmt.Sprintf("# sessions\n%s# caps\n%s# locks\n%s# flushes\n%s",
		b.clients.Dump(), b.caps.Dump(), b.locks.Dump(), b.flushes.Dump())
}
