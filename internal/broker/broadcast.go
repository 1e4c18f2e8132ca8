package broker

import (
	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// Transport delivers framed messages to a client by transport identity.
// Best-effort: a failed delivery is logged, never retried; clients
// resynchronise through their caps.
type Transport interface {
	Reply(clientID string, data []byte) error
}

// Messenger builds and sends the server-to-client messages. It reads the
// registry to resolve uuids; the registry lock is never held across the
// transport call.
type Messenger struct {
	clients   *ClientRegistry
	transport Transport
	metrics   Metrics
}

// NewMessenger wires the registry to a transport.
func NewMessenger(clients *ClientRegistry, transport Transport, m Metrics) *Messenger {
	return &Messenger{clients: clients, transport: transport, metrics: m}
}

func (m *Messenger) send(identity string, rsp *fusemd.Response) error {
	data, err := fusemd.FrameResponse(rsp)
	if err != nil {
		return err
	}
	return m.transport.Reply(identity, data)
}

// sendToUUID resolves a mount uuid and sends; unknown uuids are dropped.
func (m *Messenger) sendToUUID(uuid string, rsp *fusemd.Response) {
	identity, ok := m.clients.Resolve(uuid)
	if !ok {
		return
	}
	if err := m.send(identity, rsp); err != nil {
		logger.Warn("broadcast to uuid=%s failed: %v", uuid, err)
	}
}

// Evict asks a client to shut down its mount.
func (m *Messenger) Evict(uuid, reason string) {
	logger.Info("msg=\"evicting client\" uuid=%s reason=%q", uuid, reason)
	recordBroadcast(m.metrics, "evict")
	m.sendToUUID(uuid, &fusemd.Response{
		Type:  fusemd.RespEvict,
		Evict: fusemd.Evict{Reason: reason},
	})
}

// EvictIdentity evicts by transport identity; used when the session is
// already gone from the registry and the uuid no longer resolves.
func (m *Messenger) EvictIdentity(identity, reason string) {
	logger.Info("msg=\"evicting client\" name=%s reason=%q", identity, reason)
	recordBroadcast(m.metrics, "evict")
	rsp := &fusemd.Response{Type: fusemd.RespEvict, Evict: fusemd.Evict{Reason: reason}}
	if err := m.send(identity, rsp); err != nil {
		logger.Warn("evict of %s failed: %v", identity, err)
	}
}

// ReleaseCap asks a mount to drop its cap on an inode.
func (m *Messenger) ReleaseCap(ino uint64, uuid, clientID string) {
	logger.Debug("msg=\"asking cap release\" uuid=%s clientid=%s id=%x", uuid, clientID, ino)
	recordBroadcast(m.metrics, "cap-release")
	m.sendToUUID(uuid, &fusemd.Response{
		Type:  fusemd.RespLease,
		Lease: fusemd.Lease{Type: fusemd.LeaseReleaseCap, MdIno: ino, ClientID: clientID},
	})
}

// DeleteEntry asks a mount to drop a cached directory entry.
func (m *Messenger) DeleteEntry(ino uint64, uuid, clientID, name string) {
	logger.Debug("msg=\"asking dentry deletion\" uuid=%s clientid=%s id=%x name=%s",
		uuid, clientID, ino, name)
	recordBroadcast(m.metrics, "dentry-delete")
	m.sendToUUID(uuid, &fusemd.Response{
		Type:   fusemd.RespDentry,
		Dentry: fusemd.Dentry{Type: fusemd.DentryRemove, MdIno: ino, ClientID: clientID, Name: name},
	})
}

// SendMD pushes an updated metadata record to a mount.
func (m *Messenger) SendMD(md *fusemd.MD, uuid, clientID string, ino, pino, clock uint64,
	pmtime uint64, pmtimeNS uint32) {
	recordBroadcast(m.metrics, "md-update")
	out := *md
	out.Type = fusemd.MDTypeMD
	// the client sorts out quota accounting via the cap map
	out.ClientID = clientID
	// a freshly created inode is not in the request record yet
	out.MdIno = ino
	out.MdPino = pino
	out.Clock = clock
	if pmtime != 0 {
		out.PTMTime = pmtime
		out.PTMTimeNS = pmtimeNS
	}
	m.sendToUUID(uuid, &fusemd.Response{Type: fusemd.RespMD, MD: out})
}

// SendCap pushes a cap (again) to its owning mount.
func (m *Messenger) SendCap(cap fusemd.Cap) {
	recordBroadcast(m.metrics, "cap-update")
	m.sendToUUID(cap.ClientUUID, &fusemd.Response{Type: fusemd.RespCap, Cap: cap})
}

// SendConfig communicates server settings to one client.
func (m *Messenger) SendConfig(identity string, cfg fusemd.Config) {
	logger.Info("msg=\"broadcast config to client\" name=%s heartbeat-rate=%d", identity, cfg.HBRate)
	recordBroadcast(m.metrics, "config")
	if err := m.send(identity, &fusemd.Response{Type: fusemd.RespConfig, Config: cfg}); err != nil {
		logger.Warn("config to client=%s failed: %v", identity, err)
	}
}

// SendDropAllCaps asks a client to forget all caps; sent when a session is
// seen for the first time, because the broker may have restarted and lost
// every cap it had issued.
func (m *Messenger) SendDropAllCaps(identity string) {
	logger.Info("msg=\"broadcast drop-all-caps to client\" name=%s", identity)
	recordBroadcast(m.metrics, "dropcaps")
	if err := m.send(identity, &fusemd.Response{Type: fusemd.RespDropCaps}); err != nil {
		logger.Warn("dropcaps to client=%s failed: %v", identity, err)
	}
}

// Broadcaster computes recipient sets for mutations and emits the
// invalidation messages. For an inode the recipients are all caps pinned to
// it, excluding the originating auth-id and any cap held by the originator's
// own mount (same-mount suppression).
type Broadcaster struct {
	caps *CapStore
	msg  *Messenger
}

// NewBroadcaster wires the cap store to a messenger.
func NewBroadcaster(caps *CapStore, msg *Messenger) *Broadcaster {
	return &Broadcaster{caps: caps, msg: msg}
}

// recipients collects the caps subscribed to ino, minus the originator.
func (b *Broadcaster) recipients(ino uint64, originAuthID, originUUID string) []fusemd.Cap {
	var out []fusemd.Cap
	for _, cap := range b.caps.InodeCaps(ino) {
		if cap.AuthID == originAuthID {
			continue
		}
		if originUUID != "" && cap.ClientUUID == originUUID {
			continue
		}
		if cap.ID != 0 {
			out = append(out, cap)
		}
	}
	return out
}

// BroadcastRelease sends cap releases for a mutation described by md: all
// subscribers of the cap's inode (or md's parent when the cap is unknown)
// except the originating mount.
func (b *Broadcaster) BroadcastRelease(md *fusemd.MD) {
	refcap, _ := b.caps.Get(md.AuthID)
	pino := refcap.ID
	if pino == 0 {
		pino = md.MdPino
	}
	for _, cap := range b.recipients(pino, md.AuthID, refcap.ClientUUID) {
		b.msg.ReleaseCap(cap.ID, cap.ClientUUID, cap.ClientID)
	}
}

// BroadcastReleaseFromExternal releases all caps on an inode on behalf of a
// mutation performed outside the broker (no originator to suppress).
func (b *Broadcaster) BroadcastReleaseFromExternal(ino uint64) {
	for _, cap := range b.caps.InodeCaps(ino) {
		if cap.ID != 0 {
			b.msg.ReleaseCap(cap.ID, cap.ClientUUID, cap.ClientID)
		}
	}
}

// BroadcastDeletion tells subscribers of the originator's cap inode that
// name was removed.
func (b *Broadcaster) BroadcastDeletion(md *fusemd.MD, name string) {
	refcap, _ := b.caps.Get(md.AuthID)
	for _, cap := range b.recipients(refcap.ID, md.AuthID, refcap.ClientUUID) {
		b.msg.DeleteEntry(cap.ID, cap.ClientUUID, cap.ClientID, name)
	}
}

// BroadcastDeletionFromExternal tells every subscriber of a container that
// name was removed.
func (b *Broadcaster) BroadcastDeletionFromExternal(ino uint64, name string) {
	for _, cap := range b.caps.InodeCaps(ino) {
		if cap.ID != 0 {
			b.msg.DeleteEntry(cap.ID, cap.ClientUUID, cap.ClientID, name)
		}
	}
}

// BroadcastCap re-sends a cap to its owning mount (quota refresh).
func (b *Broadcaster) BroadcastCap(cap fusemd.Cap) {
	if cap.ID != 0 {
		b.msg.SendCap(cap)
	}
}

// BroadcastMD pushes an updated metadata record to every mount subscribed to
// the parent, at most once per mount even when it holds several caps.
func (b *Broadcaster) BroadcastMD(md *fusemd.MD, ino, pino, clock uint64,
	pmtime uint64, pmtimeNS uint32) {
	refcap, _ := b.caps.Get(md.AuthID)
	sent := make(map[string]struct{})
	for _, cap := range b.recipients(pino, md.AuthID, refcap.ClientUUID) {
		if _, dup := sent[cap.ClientUUID]; dup {
			continue
		}
		sent[cap.ClientUUID] = struct{}{}
		b.msg.SendMD(md, cap.ClientUUID, cap.ClientID, ino, pino, clock, pmtime, pmtimeNS)
	}
}
