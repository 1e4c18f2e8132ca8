package broker

import (
	"bytes"
	"sort"
	"strings"

	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// opGetLS serves GET and LS. Directory replies are MDMap containers holding
// the parent record and, for LS, the children; children are attached in
// batches of 128, each batch streamed as its own frame with the namespace
// read lock released in between to bound lock hold time.
func (b *Broker) opGetLS(identity string, md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	if namespace.IsFileInode(md.MdIno) {
		return b.getFile(md, out)
	}
	return b.getContainer(md, vid, out)
}

func (b *Broker) getFile(md *fusemd.MD, out *bytes.Buffer) error {
	// a client may still be flushing writes for this inode; give the
	// size-carrying reply a bounded chance to observe the final state
	b.flushes.HasFlush(md.MdIno)

	cont := fusemd.Container{Type: fusemd.ContainerMD, RefInode: md.MdIno}

	b.ns.RLock()
	err := b.fillFileMD(md.MdIno, &cont.MD)
	b.ns.RUnlock()
	if err != nil {
		return err
	}
	return b.writeContainer(out, &cont)
}

func (b *Broker) getContainer(md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	isLS := md.Operation == fusemd.OpLS

	newContainer := func() fusemd.Container {
		return fusemd.Container{
			Type:     fusemd.ContainerMDMap,
			RefInode: md.MdIno,
			MDMap:    make(map[uint64]fusemd.MD),
		}
	}
	cont := newContainer()

	parent := fusemd.MD{
		MdIno:      md.MdIno,
		ClientID:   md.ClientID,
		ClientUUID: md.ClientUUID,
	}
	if isLS {
		parent.Operation = fusemd.OpLS
	}

	b.ns.RLock()
	if err := b.fillContainerMD(md.MdIno, &parent); err != nil {
		b.ns.RUnlock()
		return err
	}
	// refresh the cap under the same auth-id
	b.fillContainerCAP(md.MdIno, &parent, vid, md.AuthID, false)

	if !isLS {
		b.ns.RUnlock()
		parent.Operation = 0
		cont.MDMap[md.MdIno] = parent
		return b.writeContainer(out, &cont)
	}

	// the parent record travels in the first frame
	parentRecord := parent
	parentRecord.Operation = 0
	cont.MDMap[md.MdIno] = parentRecord

	// stable child order keeps the stream deterministic
	names := make([]string, 0, len(parent.Children))
	for name := range parent.Children {
		names = append(names, name)
	}
	sort.Strings(names)

	attached := 1
	caps := 0
	cycled := 1
	for _, name := range names {
		ino := parent.Children[name]
		cycled++
		if cycled%fusemd.ListingBatch == 0 {
			// bound the lock hold time on large listings
			b.ns.RUnlock()
			b.ns.RLock()
		}

		var child fusemd.MD
		if namespace.IsFileInode(ino) {
			child.MdIno = ino
			b.fillFileMD(ino, &child)
		} else {
			child.MdIno = ino
			child.ClientID = md.ClientID
			child.ClientUUID = md.ClientUUID
			b.fillContainerMD(ino, &child)

			if caps < fusemd.MaxImplicitCaps && !strings.HasPrefix(name, ".") {
				if b.fillContainerCAP(ino, &child, vid, "", true) {
					caps++
				}
			}
			child.Operation = 0
		}
		cont.MDMap[ino] = child
		attached++

		if attached >= fusemd.ListingBatch {
			b.ns.RUnlock()
			if err := b.writeContainer(out, &cont); err != nil {
				return err
			}
			cont = newContainer()
			attached = 0
			b.ns.RLock()
		}
	}
	b.ns.RUnlock()

	if len(cont.MDMap) > 0 {
		// send the left-over children
		return b.writeContainer(out, &cont)
	}
	return nil
}
