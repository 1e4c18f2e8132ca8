package broker

import (
	"bytes"
	"syscall"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// opGetLk reports the first lock conflicting with the probe in the request.
func (b *Broker) opGetLk(md *fusemd.MD, out *bytes.Buffer) error {
	probe := md.Flock
	if probe.Len == 0 {
		probe.Len = -1
	}
	lk := b.locks.GetLk(md.MdIno, &probe)
	logger.Info("getlk: ino=%016x start=%d len=%d pid=%d type=%d",
		md.MdIno, lk.Start, lk.Len, lk.Pid, lk.Type)
	return b.writeResponse(out, &fusemd.Response{Type: fusemd.RespLock, Lock: lk})
}

// opSetLk installs or removes a byte-range lock. The blocking variant
// (SETLKW) retries with a bounded exponential backoff and reports EAGAIN
// when the conflict persists.
func (b *Broker) opSetLk(md *fusemd.MD, out *bytes.Buffer, blocking bool) error {
	fl := md.Flock
	switch fl.Type {
	case fusemd.LockRd, fusemd.LockWr, fusemd.LockUn:
	default:
		return b.writeResponse(out, &fusemd.Response{
			Type: fusemd.RespLock,
			Lock: fusemd.Flock{ErrNo: uint32(syscall.EAGAIN)},
		})
	}

	if fl.Len == 0 {
		// the wire encodes the infinite lock as zero length
		fl.Len = -1
	}

	logger.Info("setlk: ino=%016x start=%d len=%d pid=%d type=%d blocking=%v",
		md.MdIno, fl.Start, fl.Len, fl.Pid, fl.Type, blocking)

	lk := fusemd.Flock{}
	if !b.locks.SetLk(md.MdIno, fl.Pid, md.ClientUUID, &fl, blocking) {
		lk.ErrNo = uint32(syscall.EAGAIN)
	}
	return b.writeResponse(out, &fusemd.Response{Type: fusemd.RespLock, Lock: lk})
}
