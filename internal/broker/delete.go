package broker

import (
	"bytes"
	"fmt"
	"strconv"
	"syscall"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// opDelete removes a directory entry. Directories must be empty. Regular
// files go through the hardlink bookkeeping: deleting a link entry
// decrements the target's link count, deleting a linked target shelters the
// inode under a reserved name until the last link is gone. Files under a
// parent with sys.recycle are routed to the recycle bin instead.
func (b *Broker) opDelete(md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	if err := b.validateForWrite(md, fusemd.ModeD, "D", vid); err != nil {
		return err
	}

	isDir := md.Mode&syscall.S_IFMT == syscall.S_IFDIR
	isLink := md.Mode&syscall.S_IFMT == syscall.S_IFLNK

	b.ns.Lock()
	deletedName, err := b.deleteLocked(md, vid, isDir, isLink)
	b.ns.Unlock()
	if err != nil {
		return b.writeFailureAck(out, md, namespace.ErrnoOf(err), err.Error())
	}

	if err := b.writeOKAck(out, md, 0); err != nil {
		return err
	}

	b.bc.BroadcastRelease(md)
	b.bc.BroadcastDeletion(md, deletedName)
	b.caps.Delete(md.MdIno)
	return nil
}

func (b *Broker) deleteLocked(md *fusemd.MD, vid Vid, isDir, isLink bool) (string, error) {
	pcmd, err := b.ns.GetContainer(md.MdPino)
	if err != nil {
		return "", err
	}
	pcmd.MTime = md.MTime
	pcmd.MTimeNS = md.MTimeNS

	if isDir {
		cmd, err := b.ns.GetContainer(md.MdIno)
		if err != nil {
			return "", err
		}
		if cmd.NumChildren() > 0 {
			return "", namespace.Errf(syscall.ENOTEMPTY, "directory not empty")
		}
		logger.Info("ino=%x delete-dir", md.MdIno)
		delete(pcmd.Containers, cmd.Name)
		if err := b.ns.RemoveContainer(cmd.ID); err != nil {
			return "", err
		}
		if err := b.ns.UpdateContainer(pcmd); err != nil {
			return "", err
		}
		return cmd.Name, nil
	}

	fmd, err := b.ns.GetFile(namespace.InodeToFid(md.MdIno))
	if err != nil {
		return "", err
	}

	if isLink {
		logger.Info("ino=%x delete-link", md.MdIno)
		delete(pcmd.Files, fmd.Name)
		if err := b.ns.RemoveFile(fmd.ID); err != nil {
			return "", err
		}
		if err := b.ns.UpdateContainer(pcmd); err != nil {
			return "", err
		}
		return md.Name, nil
	}

	logger.Info("ino=%x delete-file", md.MdIno)

	// recycle bin, never for hardlinked files or hardlinks
	if b.recycle != nil && pcmd.HasAttr(fusemd.XAttrRecycle) &&
		!fmd.HasAttr(fusemd.XAttrMdIno) && !fmd.HasAttr(fusemd.XAttrNlink) {
		if err := b.ns.UpdateContainer(pcmd); err != nil {
			return "", err
		}
		// the recycler re-enters the namespace under its own locking
		b.ns.Unlock()
		rerr := b.recycle.Recycle(md.MdIno, vid)
		b.ns.Lock()
		if rerr != nil {
			return "", rerr
		}
		return md.Name, nil
	}

	doDelete := true
	switch {
	case fmd.HasAttr(fusemd.XAttrMdIno):
		// a link entry: update the reference count of the target
		tgtIno, _ := strconv.ParseUint(fmd.Attr(fusemd.XAttrMdIno), 10, 64)
		gmd, err := b.ns.GetFile(namespace.InodeToFid(tgtIno))
		if err != nil {
			return "", err
		}
		nlink, _ := strconv.Atoi(gmd.Attr(fusemd.XAttrNlink))
		nlink--
		if nlink >= 0 {
			gmd.SetAttr(fusemd.XAttrNlink, strconv.Itoa(nlink))
			if err := b.ns.UpdateFile(gmd); err != nil {
				return "", err
			}
			logger.Info("hlnk nlink update on %s for %s now %d", gmd.Name, fmd.Name, nlink)
		} else {
			// the last reference: the target goes too
			logger.Info("hlnk unlink target %s for %s nlink %d", gmd.Name, fmd.Name, nlink)
			delete(pcmd.Files, gmd.Name)
			if err := b.ns.RemoveFile(gmd.ID); err != nil {
				return "", err
			}
		}

	case fmd.HasAttr(fusemd.XAttrNlink):
		// a genuine file with hard links pointing at it
		nlink, _ := strconv.Atoi(fmd.Attr(fusemd.XAttrNlink))
		nlink--
		if nlink >= 0 {
			// keep the inode alive under a sheltered name
			tmpName := fmt.Sprintf("%s%x", fusemd.ShelterPrefix, fmd.ID)
			fmd.SetAttr(fusemd.XAttrNlink, strconv.Itoa(nlink))
			logger.Info("hlnk unlink rename %s=>%s new nlink %d", fmd.Name, tmpName, nlink)
			if oldID, ok := pcmd.Files[tmpName]; ok {
				// a previous shelter target is overwritten
				if err := b.ns.RemoveFile(oldID); err != nil {
					return "", err
				}
			}
			delete(pcmd.Files, fmd.Name)
			pcmd.Files[tmpName] = fmd.ID
			fmd.Name = tmpName
			if err := b.ns.UpdateFile(fmd); err != nil {
				return "", err
			}
			doDelete = false
		} else {
			logger.Info("hlnk nlink %d for %s, will be deleted", nlink, fmd.Name)
		}
	}

	if doDelete {
		delete(pcmd.Files, fmd.Name)
		if err := b.ns.RemoveFile(fmd.ID); err != nil {
			return "", err
		}
	}

	if err := b.ns.UpdateContainer(pcmd); err != nil {
		return "", err
	}
	return md.Name, nil
}
