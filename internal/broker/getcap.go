package broker

import (
	"bytes"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// opGetCap issues a cap on a container and returns only the cap portion.
// Unlike GET, the reply does not synchronise metadata: the client marks the
// cap locally once it has fetched matching contents.
func (b *Broker) opGetCap(md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	lmd := fusemd.MD{
		MdIno:      md.MdIno,
		ClientID:   md.ClientID,
		ClientUUID: md.ClientUUID,
	}

	b.ns.RLock()
	err := b.fillContainerMD(md.MdIno, &lmd)
	if err == nil {
		b.fillContainerCAP(md.MdIno, &lmd, vid, "", false)
	}
	b.ns.RUnlock()
	if err != nil {
		return err
	}

	cont := fusemd.Container{
		Type: fusemd.ContainerCap,
		Cap:  lmd.Capability,
	}
	logger.Info("cap-issued: id=%x mode=%x vtime=%d.%d uid=%d gid=%d client-id=%s auth-id=%s",
		cont.Cap.ID, cont.Cap.Mode, cont.Cap.VTime, cont.Cap.VTimeNS,
		cont.Cap.UID, cont.Cap.GID, cont.Cap.ClientID, cont.Cap.AuthID)
	return b.writeContainer(out, &cont)
}
