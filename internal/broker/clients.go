package broker

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// State is the session state computed from heartbeat age on every monitor
// tick. Evicted is terminal within a session.
type State int

const (
	StateOnline State = iota
	StateVolatile
	StateOffline
	StateEvicted
)

func (s State) String() string {
	switch s {
	case StateOnline:
		return "online"
	case StateVolatile:
		return "volatile"
	case StateOffline:
		return "offline"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// Session is one client mount as seen by the broker.
type Session struct {
	ClientID   string
	Heartbeat  fusemd.Heartbeat
	State      State
	Statistics fusemd.Statistics
}

// Eviction describes a session the sweep decided to remove.
type Eviction struct {
	UUID     string
	ClientID string
	Reason   string
}

// ClientRegistry tracks sessions keyed by transport identity and by mount
// uuid; (client id <-> uuid) is a bijection at any instant.
type ClientRegistry struct {
	mu sync.RWMutex

	sessions map[string]*Session // by transport identity
	uuidView map[string]string   // uuid -> transport identity

	hbInterval    time.Duration
	hbWindow      time.Duration
	offlineWindow time.Duration
	removeWindow  time.Duration

	quotaCheckInterval int
}

// RegistryConfig carries the heartbeat windows.
type RegistryConfig struct {
	HeartbeatInterval  time.Duration
	HeartbeatWindow    time.Duration
	OfflineWindow      time.Duration
	RemoveWindow       time.Duration
	QuotaCheckInterval int
}

// NewClientRegistry creates a registry; zero config fields get the stock
// windows (1s interval, 5s/30s/120s windows, quota check every 16 ticks).
func NewClientRegistry(cfg RegistryConfig) *ClientRegistry {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = time.Second
	}
	if cfg.HeartbeatWindow <= 0 {
		cfg.HeartbeatWindow = 5 * time.Second
	}
	if cfg.OfflineWindow <= 0 {
		cfg.OfflineWindow = 30 * time.Second
	}
	if cfg.RemoveWindow <= 0 {
		cfg.RemoveWindow = 120 * time.Second
	}
	if cfg.QuotaCheckInterval <= 0 {
		cfg.QuotaCheckInterval = 16
	}
	return &ClientRegistry{
		sessions:           make(map[string]*Session),
		uuidView:           make(map[string]string),
		hbInterval:         cfg.HeartbeatInterval,
		hbWindow:           cfg.HeartbeatWindow,
		offlineWindow:      cfg.OfflineWindow,
		removeWindow:       cfg.RemoveWindow,
		quotaCheckInterval: cfg.QuotaCheckInterval,
	}
}

// heartbeatAge is the wall-clock delay of a heartbeat at time now.
func heartbeatAge(hb *fusemd.Heartbeat, now time.Time) time.Duration {
	sent := time.Unix(int64(hb.Clock), int64(hb.ClockNS))
	return now.Sub(sent)
}

// Store records a heartbeat. It returns firstSeen for a session not known
// yet, and dropped when the heartbeat is older than the offline window (such
// heartbeats are ignored to avoid undoing a fresh eviction decision).
//
// The lease ceiling is enforced here, at store time: a client cannot grow
// its lease beyond the server maximum no matter what it announces.
func (cr *ClientRegistry) Store(identity string, hb *fusemd.Heartbeat) (firstSeen, dropped bool) {
	now := time.Now()
	cr.mu.Lock()
	defer cr.mu.Unlock()

	_, known := cr.sessions[identity]

	if delay := heartbeatAge(hb, now); delay > cr.offlineWindow {
		logger.Warn("delayed heartbeat from client=%s - delay=%.02fs - dropping heartbeat",
			identity, delay.Seconds())
		return !known, true
	}

	if hb.LeaseTime > fusemd.MaxLeaseTime {
		hb.LeaseTime = fusemd.MaxLeaseTime
	}

	s, ok := cr.sessions[identity]
	if !ok {
		s = &Session{ClientID: identity}
		cr.sessions[identity] = s
	}
	s.Heartbeat = *hb
	cr.uuidView[hb.UUID] = identity
	return !known, false
}

// RecordStatistics stores the statistics snapshot of a session.
func (cr *ClientRegistry) RecordStatistics(identity string, stats *fusemd.Statistics) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if s, ok := cr.sessions[identity]; ok {
		s.Statistics = *stats
	}
}

// Resolve maps a mount uuid to its transport identity.
func (cr *ClientRegistry) Resolve(uuid string) (string, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	id, ok := cr.uuidView[uuid]
	return id, ok
}

// Leasetime returns the lease duration of a mount in seconds, capped at the
// server ceiling; 0 when the mount is unknown.
func (cr *ClientRegistry) Leasetime(uuid string) uint64 {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	identity, ok := cr.uuidView[uuid]
	if !ok {
		return 0
	}
	s, ok := cr.sessions[identity]
	if !ok {
		return 0
	}
	lease := s.Heartbeat.LeaseTime
	if lease > fusemd.MaxLeaseTime {
		lease = fusemd.MaxLeaseTime
	}
	return lease
}

// State returns the current state of a session by uuid (test hook).
func (cr *ClientRegistry) State(uuid string) (State, bool) {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	identity, ok := cr.uuidView[uuid]
	if !ok {
		return 0, false
	}
	s, ok := cr.sessions[identity]
	if !ok {
		return 0, false
	}
	return s.State, true
}

// Len returns the number of live sessions.
func (cr *ClientRegistry) Len() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return len(cr.sessions)
}

// Sweep runs the state machine over all sessions at time now. Sessions past
// the remove window, flagged for shutdown, or below the protocol floor are
// removed and reported as evictions. Sessions newly entering the offline
// state are reported in offline so the caller can drop their locks exactly
// once.
func (cr *ClientRegistry) Sweep(now time.Time) (evictions []Eviction, offline []string) {
	cr.mu.Lock()
	defer cr.mu.Unlock()

	for identity, s := range cr.sessions {
		uuid := s.Heartbeat.UUID

		switch {
		case s.Heartbeat.Shutdown:
			s.State = StateEvicted
			evictions = append(evictions, Eviction{uuid, identity, "client shutdown"})
			logger.Info("client='%s' shutdown", identity)

		case s.Heartbeat.ProtVersion < fusemd.ProtocolMin:
			s.State = StateEvicted
			evictions = append(evictions, Eviction{uuid, identity,
				fmt.Sprintf("server requires protocol version >= %d", fusemd.ProtocolMin)})

		default:
			age := heartbeatAge(&s.Heartbeat, now)
			switch {
			case age <= cr.hbWindow:
				s.State = StateOnline
			case age <= cr.offlineWindow:
				s.State = StateVolatile
			case age <= cr.removeWindow:
				if s.State != StateOffline {
					offline = append(offline, uuid)
				}
				s.State = StateOffline
			default:
				s.State = StateEvicted
				evictions = append(evictions, Eviction{uuid, identity,
					fmt.Sprintf("heartbeat missing for %.0fs", age.Seconds())})
			}
		}
	}

	for _, ev := range evictions {
		delete(cr.sessions, ev.ClientID)
		delete(cr.uuidView, ev.UUID)
	}
	return evictions, offline
}

// Identities returns the transport identities of all sessions.
func (cr *ClientRegistry) Identities() []string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	out := make([]string, 0, len(cr.sessions))
	for id := range cr.sessions {
		out = append(out, id)
	}
	return out
}

// HeartbeatInterval returns the announced heartbeat rate.
func (cr *ClientRegistry) HeartbeatInterval() time.Duration {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.hbInterval
}

// SetHeartbeatInterval changes the heartbeat rate. The broker re-broadcasts
// the configuration to all sessions afterwards.
func (cr *ClientRegistry) SetHeartbeatInterval(interval time.Duration) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	cr.hbInterval = interval
}

// QuotaCheckInterval returns the monitor tick divisor of the quota refresh.
func (cr *ClientRegistry) QuotaCheckInterval() int {
	cr.mu.RLock()
	defer cr.mu.RUnlock()
	return cr.quotaCheckInterval
}

// SetQuotaCheckInterval changes the quota refresh divisor.
func (cr *ClientRegistry) SetQuotaCheckInterval(n int) {
	cr.mu.Lock()
	defer cr.mu.Unlock()
	if n > 0 {
		cr.quotaCheckInterval = n
	}
}

// Dump renders the session table for operator inspection.
func (cr *ClientRegistry) Dump() string {
	cr.mu.RLock()
	defer cr.mu.RUnlock()

	ids := make([]string, 0, len(cr.sessions))
	for id := range cr.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var b strings.Builder
	now := time.Now()
	for _, id := range ids {
		s := cr.sessions[id]
		fmt.Fprintf(&b, "client : %s uuid : %s state : %-8s heartbeat-age : %.02fs lease : %ds\n",
			id, s.Heartbeat.UUID, s.State, heartbeatAge(&s.Heartbeat, now).Seconds(),
			s.Heartbeat.LeaseTime)
	}
	return b.String()
}
