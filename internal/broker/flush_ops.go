package broker

import (
	"bytes"

	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// opBeginFlush opens a flush window; no namespace access is involved.
func (b *Broker) opBeginFlush(md *fusemd.MD, out *bytes.Buffer) error {
	b.flushes.BeginFlush(md.MdIno, md.ClientUUID)
	return b.writeResponse(out, &fusemd.Response{Type: fusemd.RespNone})
}

// opEndFlush closes a flush window.
func (b *Broker) opEndFlush(md *fusemd.MD, out *bytes.Buffer) error {
	b.flushes.EndFlush(md.MdIno, md.ClientUUID)
	return b.writeResponse(out, &fusemd.Response{Type: fusemd.RespNone})
}
