package broker

import (
	"bytes"
	"fmt"
	"strconv"
	"syscall"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// Recycler routes file deletions into a recycle bin. The dispatcher releases
// the namespace writer lock around the call and re-acquires it afterwards;
// implementations do their own locking.
type Recycler interface {
	Recycle(ino uint64, vid Vid) error
}

// Broker is the FUSE metadata broker: it owns the session registry, the cap
// store, the lock and flush trackers, and dispatches metadata requests
// against the namespace view.
type Broker struct {
	ns      namespace.View
	quota   namespace.QuotaOracle
	recycle Recycler

	caps    *CapStore
	clients *ClientRegistry
	locks   *LockTable
	flushes *FlushTracker

	msg *Messenger
	bc  *Broadcaster

	metrics Metrics
}

// Options wires the broker's collaborators.
type Options struct {
	Namespace namespace.View
	Quota     namespace.QuotaOracle
	Recycler  Recycler
	Transport Transport
	Registry  RegistryConfig
	FlushTTL  time.Duration
	Metrics   Metrics
}

// New builds a broker. Namespace and Transport are required; a nil quota
// oracle disables quota, a nil recycler disables the recycle bin.
func New(opts Options) *Broker {
	if opts.Quota == nil {
		opts.Quota = namespace.NewStaticOracle()
	}
	b := &Broker{
		ns:      opts.Namespace,
		quota:   opts.Quota,
		recycle: opts.Recycler,
		caps:    NewCapStore(),
		clients: NewClientRegistry(opts.Registry),
		locks:   NewLockTable(),
		flushes: NewFlushTracker(opts.FlushTTL),
		metrics: opts.Metrics,
	}
	b.msg = NewMessenger(b.clients, opts.Transport, opts.Metrics)
	b.bc = NewBroadcaster(b.caps, b.msg)
	return b
}

// Caps exposes the cap store (monitoring, tests).
func (b *Broker) Caps() *CapStore { return b.caps }

// Clients exposes the session registry.
func (b *Broker) Clients() *ClientRegistry { return b.clients }

// Locks exposes the lock table.
func (b *Broker) Locks() *LockTable { return b.locks }

// Flushes exposes the flush tracker.
func (b *Broker) Flushes() *FlushTracker { return b.flushes }

// vidFromMD builds the request identity from the wire record.
func vidFromMD(md *fusemd.MD) Vid {
	return Vid{
		UID:       md.UID,
		GID:       md.GID,
		Prot:      "fuse",
		UIDString: strconv.FormatUint(uint64(md.UID), 10),
	}
}

// HandleFrame decodes one inbound frame and processes it. The returned bytes
// (possibly several concatenated frames) are the direct reply; broadcasts to
// other clients go through the transport.
func (b *Broker) HandleFrame(identity string, payload []byte) ([]byte, error) {
	var env fusemd.Envelope
	if err := fusemd.Decode(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope from %s: %w", identity, err)
	}

	switch env.Type {
	case fusemd.EnvHeartbeat:
		b.HandleHeartbeat(identity, &env.Heartbeat)
		return nil, nil
	case fusemd.EnvMD:
		return b.HandleMD(identity, &env.MD)
	default:
		return nil, fmt.Errorf("unknown envelope type %d from %s", env.Type, identity)
	}
}

// HandleHeartbeat records a heartbeat and applies the piggybacked cap
// extensions. A session seen for the first time is told to drop all caps (the
// broker may have restarted) and receives the current configuration; the
// piggybacked revocations are applied only for sessions already known.
func (b *Broker) HandleHeartbeat(identity string, hb *fusemd.Heartbeat) {
	firstSeen, dropped := b.clients.Store(identity, hb)
	if dropped {
		return
	}

	for authID, delta := range hb.AuthExtension {
		b.caps.ExtendVTime(authID, delta)
	}

	if firstSeen {
		b.msg.SendDropAllCaps(identity)
		b.msg.SendConfig(identity, fusemd.Config{
			HBRate:          uint64(b.clients.HeartbeatInterval() / time.Second),
			DentryMessaging: true,
		})
	} else {
		for _, authID := range hb.AuthRevocation {
			b.caps.Remove(authID)
		}
	}

	b.clients.RecordStatistics(identity, &hb.Statistics)
}

// HandleMD dispatches one metadata request.
func (b *Broker) HandleMD(identity string, md *fusemd.MD) ([]byte, error) {
	vid := vidFromMD(md)
	out := &bytes.Buffer{}

	start := time.Now()
	op := opName(md.Operation)
	logger.Info("ino=%016x operation=%s cid=%s cuuid=%s", md.MdIno, op, md.ClientID, md.ClientUUID)

	err := b.dispatch(identity, md, vid, out)
	recordOperation(b.metrics, op, time.Since(start), err)

	if err != nil && out.Len() == 0 {
		if aerr := b.writeFailureAck(out, md, namespace.ErrnoOf(err), err.Error()); aerr != nil {
			return nil, aerr
		}
	}
	return out.Bytes(), nil
}

func opName(op uint32) string {
	switch op {
	case fusemd.OpGet:
		return "GET"
	case fusemd.OpSet:
		return "SET"
	case fusemd.OpDelete:
		return "DELETE"
	case fusemd.OpGetCap:
		return "GETCAP"
	case fusemd.OpLS:
		return "LS"
	case fusemd.OpGetLk:
		return "GETLK"
	case fusemd.OpSetLk:
		return "SETLK"
	case fusemd.OpSetLkW:
		return "SETLKW"
	case fusemd.OpBeginFlush:
		return "BEGINFLUSH"
	case fusemd.OpEndFlush:
		return "ENDFLUSH"
	default:
		return "UNKNOWN"
	}
}

func (b *Broker) dispatch(identity string, md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	switch md.Operation {
	case fusemd.OpBeginFlush:
		return b.opBeginFlush(md, out)
	case fusemd.OpEndFlush:
		return b.opEndFlush(md, out)
	case fusemd.OpGet, fusemd.OpLS:
		return b.opGetLS(identity, md, vid, out)
	case fusemd.OpSet:
		return b.opSet(md, vid, out)
	case fusemd.OpDelete:
		return b.opDelete(md, vid, out)
	case fusemd.OpGetCap:
		return b.opGetCap(md, vid, out)
	case fusemd.OpGetLk:
		return b.opGetLk(md, out)
	case fusemd.OpSetLk:
		return b.opSetLk(md, out, false)
	case fusemd.OpSetLkW:
		return b.opSetLk(md, out, true)
	default:
		return namespace.Errf(syscall.EINVAL, "unknown operation %d", md.Operation)
	}
}

// writeResponse frames a response into the reply buffer.
func (b *Broker) writeResponse(out *bytes.Buffer, rsp *fusemd.Response) error {
	data, err := fusemd.FrameResponse(rsp)
	if err != nil {
		return err
	}
	out.Write(data)
	return nil
}

// writeContainer frames a container into the reply buffer.
func (b *Broker) writeContainer(out *bytes.Buffer, cont *fusemd.Container) error {
	data, err := fusemd.Frame(cont)
	if err != nil {
		return err
	}
	out.Write(data)
	return nil
}

// writeOKAck acknowledges a mutation.
func (b *Broker) writeOKAck(out *bytes.Buffer, md *fusemd.MD, mdIno uint64) error {
	return b.writeResponse(out, &fusemd.Response{
		Type: fusemd.RespAck,
		Ack: fusemd.Ack{
			Code:          fusemd.AckOK,
			TransactionID: md.ReqID,
			MdIno:         mdIno,
		},
	})
}

// writeFailureAck reports a failed mutation with its errno.
func (b *Broker) writeFailureAck(out *bytes.Buffer, md *fusemd.MD, errno syscall.Errno, msg string) error {
	logger.Error("ino=%016x err-no=%d err-msg=%s", md.MdIno, uint32(errno), msg)
	return b.writeResponse(out, &fusemd.Response{
		Type: fusemd.RespAck,
		Ack: fusemd.Ack{
			Code:          fusemd.AckPermanentFailure,
			ErrNo:         uint32(errno),
			ErrMsg:        msg,
			TransactionID: md.ReqID,
		},
	})
}

// validateForWrite runs the cap check for a mutation and the ACL fallback
// when the cap is missing, mispinned or expiring.
func (b *Broker) validateForWrite(md *fusemd.MD, capMode uint32, permMode string, vid Vid) error {
	_, errno := b.ValidateCAP(md, capMode)
	if errno == 0 {
		return nil
	}
	if errno == syscall.ENOENT || errno == syscall.EINVAL || errno == syscall.ETIMEDOUT {
		if b.ValidatePERM(md, permMode, vid, true) {
			return nil
		}
	}
	return namespace.Errf(syscall.EPERM, "no %s permission on ino=%x", permMode, md.MdPino)
}

// Evict sends an eviction message to a mount and drops its caps and locks.
func (b *Broker) Evict(uuid, reason string) error {
	if _, ok := b.clients.Resolve(uuid); !ok {
		return namespace.Errf(syscall.ENOENT, "unknown client uuid %s", uuid)
	}
	b.msg.Evict(uuid, reason)
	b.Dropcaps(uuid)
	b.locks.DropOwner(uuid)
	return nil
}

// Dropcaps removes every cap of a mount and asks it to release them.
func (b *Broker) Dropcaps(uuid string) {
	for _, cap := range b.caps.DropUUID(uuid) {
		b.msg.ReleaseCap(cap.ID, cap.ClientUUID, cap.ClientID)
	}
}

// SetHeartbeatInterval changes the heartbeat rate and re-broadcasts the
// configuration to every session.
func (b *Broker) SetHeartbeatInterval(interval time.Duration) {
	b.clients.SetHeartbeatInterval(interval)
	cfg := fusemd.Config{HBRate: uint64(interval / time.Second), DentryMessaging: true}
	for _, identity := range b.clients.Identities() {
		b.msg.SendConfig(identity, cfg)
	}
}

// SetQuotaCheckInterval changes the quota refresh divisor of MonitorCaps.
func (b *Broker) SetQuotaCheckInterval(n int) {
	b.clients.SetQuotaCheckInterval(n)
}

// DumpCaps, DumpClients, DumpLocks and DumpFlushes render broker state for
// operator inspection.
func (b *Broker) DumpCaps() string    { return b.caps.Dump() }
func (b *Broker) DumpClients() string { return b.clients.Dump() }
func (b *Broker) DumpLocks() string   { return b.locks.Dump() }
func (b *Broker) DumpFlushes() string { return b.flushes.Dump() }
