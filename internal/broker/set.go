package broker

import (
	"bytes"
	"strconv"
	"strings"
	"syscall"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// setOp is the mutation kind inferred from the request:
//
//	no md_ino                          -> create
//	md_ino, same parent, same name     -> update
//	md_ino, same parent, new name      -> rename
//	md_ino, different parent           -> move
type setOp int

const (
	setCreate setOp = iota
	setUpdate
	setRename
	setMove
	setHardlink
)

// opSet dispatches a SET by the file type in the request mode.
func (b *Broker) opSet(md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	pino := md.MdPino
	if pino == 0 {
		// creation with an implied cap: the parent inode may not have
		// reached the client yet
		pino = b.InodeFromCAP(md)
		md.MdPino = pino
	}

	if err := b.validateForWrite(md, fusemd.ModeW|fusemd.ModeSA, "W", vid); err != nil {
		return err
	}

	switch {
	case md.Mode&syscall.S_IFMT == syscall.S_IFDIR:
		return b.setDirectory(md, vid, out)
	case md.Mode&syscall.S_IFMT == syscall.S_IFLNK:
		return b.setLink(md, out)
	case md.Mode&syscall.S_IFMT == syscall.S_IFREG ||
		md.Mode&syscall.S_IFMT == syscall.S_IFIFO ||
		md.Mode&syscall.S_IFMT == 0:
		return b.setFile(md, vid, out)
	default:
		return namespace.Errf(syscall.EINVAL, "unsupported file type %o", md.Mode&syscall.S_IFMT)
	}
}

// applyContainerAttrs applies client attributes to a container: system
// attributes are protected except for the birth time.
func applyContainerAttrs(cmd *namespace.ContainerMD, md *fusemd.MD, op setOp) {
	for k, v := range md.Attrs {
		if !strings.HasPrefix(k, "sys") || k == fusemd.XAttrBtime {
			cmd.SetAttr(k, v)
		}
	}
	if op != setCreate && len(cmd.XAttrs) != len(md.Attrs) {
		// an attribute was removed on the client side
		for k := range cmd.XAttrs {
			if _, ok := md.Attrs[k]; !ok {
				logger.Debug("attr %s has been removed", k)
				delete(cmd.XAttrs, k)
			}
		}
	}
}

func (b *Broker) setDirectory(md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	logger.Debug("ino=%x pin=%x authid=%s set-dir", md.MdIno, md.MdPino, md.AuthID)
	exclusive := md.Type == fusemd.MDTypeExcl

	b.ns.Lock()
	op, mdIno, mvMD, err := b.setDirectoryLocked(md, vid, exclusive)
	b.ns.Unlock()
	if err != nil {
		nerr := namespace.ErrnoOf(err)
		if nerr == syscall.EPERM || nerr == syscall.EEXIST {
			return err
		}
		return b.writeFailureAck(out, md, nerr, err.Error())
	}

	if err := b.writeOKAck(out, md, mdIno); err != nil {
		return err
	}

	if op == setMove {
		b.bc.BroadcastRelease(mvMD)
	}
	b.bc.BroadcastRelease(md)
	return nil
}

func (b *Broker) setDirectoryLocked(md *fusemd.MD, vid Vid, exclusive bool) (setOp, uint64, *fusemd.MD, error) {
	var (
		op    setOp
		cmd   *namespace.ContainerMD
		pcmd  *namespace.ContainerMD
		mdIno uint64
		mvMD  *fusemd.MD
		sgid  uint32
		err   error
	)

	if md.MdIno != 0 && exclusive {
		return op, 0, nil, namespace.Errf(syscall.EEXIST, "ino=%x exists", md.MdIno)
	}

	if md.MdIno != 0 {
		if md.ImpliedAuthID != "" {
			// a create on top of an existing inode
			return op, 0, nil, namespace.Errf(syscall.EEXIST, "ino=%x exists implied=%s",
				md.MdIno, md.ImpliedAuthID)
		}

		op = setUpdate
		if cmd, err = b.ns.GetContainer(md.MdIno); err != nil {
			return op, 0, nil, err
		}
		if pcmd, err = b.ns.GetContainer(md.MdPino); err != nil {
			return op, 0, nil, err
		}

		if cmd.ParentID != md.MdPino {
			// a directory move needs write permission on the source
			// parent as well
			sourceMD := fusemd.MD{MdPino: cmd.ParentID, Mode: syscall.S_IFDIR}
			if !b.ValidatePERM(&sourceMD, "W", vid, false) {
				return op, 0, nil, namespace.Errf(syscall.EPERM,
					"no write permission on source directory ino=%x", cmd.ParentID)
			}
			op = setMove
			mvMD = &fusemd.MD{AuthID: md.MvAuthID, MdPino: cmd.ParentID}
			logger.Info("moving %x => %x", cmd.ParentID, md.MdPino)

			cpcmd, err := b.ns.GetContainer(cmd.ParentID)
			if err != nil {
				return op, 0, nil, err
			}
			delete(cpcmd.Containers, cmd.Name)
			if err := b.ns.UpdateContainer(cpcmd); err != nil {
				return op, 0, nil, err
			}
			cmd.Name = md.Name

			if tgtID, ok := pcmd.Containers[md.Name]; ok {
				tgt, err := b.ns.GetContainer(tgtID)
				if err == nil {
					if tgt.NumChildren() > 0 {
						return op, 0, nil, namespace.Errf(syscall.ENOTEMPTY,
							"ino=%x target exists and is not empty", md.MdIno)
					}
					delete(pcmd.Containers, md.Name)
					if err := b.ns.RemoveContainer(tgt.ID); err != nil {
						return op, 0, nil, err
					}
				}
			}

			pcmd.Containers[md.Name] = cmd.ID
			cmd.ParentID = pcmd.ID
			if err := b.ns.UpdateContainer(pcmd); err != nil {
				return op, 0, nil, err
			}
		} else if cmd.Name != md.Name {
			op = setRename
			logger.Info("rename %s=>%s", cmd.Name, md.Name)

			if tgtID, ok := pcmd.Containers[md.Name]; ok {
				tgt, err := b.ns.GetContainer(tgtID)
				if err == nil {
					if tgt.NumChildren() > 0 {
						return op, 0, nil, namespace.Errf(syscall.ENOTEMPTY,
							"rename target %s is not empty", md.Name)
					}
					delete(pcmd.Containers, md.Name)
					if err := b.ns.RemoveContainer(tgt.ID); err != nil {
						return op, 0, nil, err
					}
				}
			}

			delete(pcmd.Containers, cmd.Name)
			pcmd.Containers[md.Name] = cmd.ID
			cmd.Name = md.Name
			if err := b.ns.UpdateContainer(pcmd); err != nil {
				return op, 0, nil, err
			}
		}

		if pcmd.Mode&syscall.S_ISGID != 0 {
			sgid = syscall.S_ISGID
		}
		mdIno = md.MdIno
	} else {
		op = setCreate
		if pcmd, err = b.ns.GetContainer(md.MdPino); err != nil {
			return op, 0, nil, err
		}

		if strings.HasPrefix(md.Name, fusemd.AtomicPrefix) {
			return op, 0, nil, namespace.Errf(syscall.EPERM,
				"name=%s atomic path is forbidden as a directory name", md.Name)
		}
		if _, exists := pcmd.Containers[md.Name]; exists && exclusive {
			return op, 0, nil, namespace.Errf(syscall.EEXIST, "name=%s exists", md.Name)
		}

		if cmd, err = b.ns.CreateContainer(); err != nil {
			return op, 0, nil, err
		}
		cmd.Name = md.Name
		mdIno = cmd.ID
		pcmd.Containers[md.Name] = cmd.ID
		cmd.ParentID = pcmd.ID

		if !b.caps.Imply(mdIno, md.AuthID, md.ImpliedAuthID, b.clients.Leasetime(md.ClientUUID)) {
			logger.Debug("imply failed for new inode %x", mdIno)
		}

		// parent attribute inheritance
		for k, v := range pcmd.XAttrs {
			cmd.SetAttr(k, v)
		}
		sgid = syscall.S_ISGID

		if err := b.ns.UpdateContainer(pcmd); err != nil {
			return op, 0, nil, err
		}
	}

	cmd.Name = md.Name
	cmd.UID = md.UID
	cmd.GID = md.GID
	cmd.Mode = md.Mode | sgid
	cmd.CTime = md.CTime
	cmd.CTimeNS = md.CTimeNS
	cmd.MTime = md.MTime
	cmd.MTimeNS = md.MTimeNS

	applyContainerAttrs(cmd, md, op)

	if op == setCreate {
		cmd.SetAttr(fusemd.XAttrBtime, btimeAttr(md.BTime, md.BTimeNS))
	}

	if op != setUpdate && md.PMTime != 0 {
		pcmd.MTime = md.PMTime
		pcmd.MTimeNS = md.PMTimeNS
		if err := b.ns.UpdateContainer(pcmd); err != nil {
			return op, 0, nil, err
		}
	}

	if err := b.ns.UpdateContainer(cmd); err != nil {
		return op, 0, nil, err
	}
	return op, mdIno, mvMD, nil
}

func (b *Broker) setFile(md *fusemd.MD, vid Vid, out *bytes.Buffer) error {
	logger.Debug("ino=%x pin=%x authid=%s set-file", md.MdIno, md.MdPino, md.AuthID)
	exclusive := md.Type == fusemd.MDTypeExcl

	b.ns.Lock()
	op, mdIno, tgtIno, ptMtime, ptMtimeNS, err := b.setFileLocked(md, vid, exclusive)
	clock := b.ns.Clock()
	b.ns.Unlock()
	if err != nil {
		nerr := namespace.ErrnoOf(err)
		if nerr == syscall.EPERM || nerr == syscall.EEXIST || nerr == syscall.EDQUOT {
			return err
		}
		return b.writeFailureAck(out, md, nerr, err.Error())
	}

	if err := b.writeOKAck(out, md, mdIno); err != nil {
		return err
	}

	if op == setHardlink {
		// source-parent subscribers see the link count change on the
		// target inode
		b.bc.BroadcastMD(md, tgtIno, md.MdPino, clock, ptMtime, ptMtimeNS)
		return nil
	}
	b.bc.BroadcastMD(md, mdIno, md.MdPino, clock, ptMtime, ptMtimeNS)
	return nil
}

func (b *Broker) setFileLocked(md *fusemd.MD, vid Vid, exclusive bool) (setOp, uint64, uint64, uint64, uint32, error) {
	var (
		op    setOp
		fmd   *namespace.FileMD
		pcmd  *namespace.ContainerMD
		mdIno uint64
		err   error
	)

	if pcmd, err = b.ns.GetContainer(md.MdPino); err != nil {
		return op, 0, 0, 0, 0, err
	}

	if md.MdIno != 0 && exclusive {
		return op, 0, 0, 0, 0, namespace.Errf(syscall.EEXIST, "ino=%x exists", md.MdIno)
	}

	switch {
	case md.MdIno != 0:
		op = setUpdate
		fid := namespace.InodeToFid(md.MdIno)
		if fmd, err = b.ns.GetFile(fid); err != nil {
			return op, 0, 0, 0, 0, err
		}

		if fmd.ContainerID != md.MdPino {
			op = setMove
			logger.Debug("moving %x => %x", fmd.ContainerID, md.MdPino)

			cpcmd, err := b.ns.GetContainer(fmd.ContainerID)
			if err != nil {
				return op, 0, 0, 0, 0, err
			}
			delete(cpcmd.Files, fmd.Name)
			if err := b.ns.UpdateContainer(cpcmd); err != nil {
				return op, 0, 0, 0, 0, err
			}
			fmd.Name = md.Name

			if ofid, ok := pcmd.Files[md.Name]; ok {
				// the target exists, remove it
				logger.Debug("removing previous file in move %s", md.Name)
				delete(pcmd.Files, md.Name)
				if err := b.ns.RemoveFile(ofid); err != nil {
					return op, 0, 0, 0, 0, err
				}
			}
			pcmd.Files[md.Name] = fmd.ID
			fmd.ContainerID = pcmd.ID
			if err := b.ns.UpdateContainer(pcmd); err != nil {
				return op, 0, 0, 0, 0, err
			}
		} else if fmd.Name != md.Name {
			op = setRename
			if ofid, ok := pcmd.Files[md.Name]; ok {
				logger.Debug("removing previous file in rename %s", md.Name)
				delete(pcmd.Files, md.Name)
				if err := b.ns.RemoveFile(ofid); err != nil {
					return op, 0, 0, 0, 0, err
				}
			}
			delete(pcmd.Files, fmd.Name)
			pcmd.Files[md.Name] = fmd.ID
			fmd.Name = md.Name
			if err := b.ns.UpdateContainer(pcmd); err != nil {
				return op, 0, 0, 0, 0, err
			}
		}
		mdIno = md.MdIno

	case strings.HasPrefix(md.Target, fusemd.HardlinkPrefix):
		return b.createHardlinkLocked(md, pcmd)

	default:
		op = setCreate
		if strings.HasPrefix(md.Name, fusemd.AtomicPrefix) {
			return op, 0, 0, 0, 0, namespace.Errf(syscall.EPERM,
				"name=%s atomic path is forbidden as a filename", md.Name)
		}
		if _, exists := pcmd.Files[md.Name]; exists && exclusive {
			return op, 0, 0, 0, 0, namespace.Errf(syscall.EEXIST, "name=%s exists", md.Name)
		}

		space := "default"
		if v := pcmd.Attr(fusemd.XAttrSysSpace); v != "" {
			space = v
		} else if v := pcmd.Attr(fusemd.XAttrUserSpace); v != "" {
			space = v
		}
		if b.quota.Enabled(space) {
			node := b.quota.NodeOf(pcmd.ID)
			availFiles, _, err := b.quota.ByNode(node, vid.UID, vid.GID)
			if err == nil && availFiles == 0 {
				return op, 0, 0, 0, 0, namespace.Errf(syscall.EDQUOT,
					"name=%s out-of-inode-quota uid=%d gid=%d", md.Name, vid.UID, vid.GID)
			}
		}

		if fmd, err = b.ns.CreateFile(); err != nil {
			return op, 0, 0, 0, 0, err
		}
		fmd.Name = md.Name
		fmd.LayoutID = 0
		mdIno = namespace.FidToInode(fmd.ID)
		pcmd.Files[md.Name] = fmd.ID
		fmd.ContainerID = pcmd.ID
		logger.Info("ino=%x pino=%x md-ino=%x create-file", md.MdIno, md.MdPino, mdIno)
	}

	fmd.Name = md.Name
	fmd.UID = md.UID
	fmd.GID = md.GID
	fmd.Size = md.Size
	// store the permission bits only
	fmd.Flags = md.Mode & (syscall.S_IRWXU | syscall.S_IRWXG | syscall.S_IRWXO)
	fmd.CTime = md.CTime
	fmd.CTimeNS = md.CTimeNS
	fmd.MTime = md.MTime
	fmd.MTimeNS = md.MTimeNS

	fmd.XAttrs = make(map[string]string, len(md.Attrs)+1)
	for k, v := range md.Attrs {
		fmd.XAttrs[k] = v
	}
	fmd.SetAttr(fusemd.XAttrBtime, btimeAttr(md.BTime, md.BTimeNS))

	var ptMtime uint64
	var ptMtimeNS uint32
	if op != setUpdate {
		pcmd.MTime = md.MTime
		pcmd.MTimeNS = md.MTimeNS
		ptMtime = md.MTime
		ptMtimeNS = md.MTimeNS
		if err := b.ns.UpdateContainer(pcmd); err != nil {
			return op, 0, 0, 0, 0, err
		}
	}

	if err := b.ns.UpdateFile(fmd); err != nil {
		return op, 0, 0, 0, 0, err
	}
	return op, mdIno, 0, ptMtime, ptMtimeNS, nil
}

// createHardlinkLocked creates a new directory entry whose sys.eos.mdino
// points at the target inode and bumps the target's sys.eos.nlink.
func (b *Broker) createHardlinkLocked(md *fusemd.MD, pcmd *namespace.ContainerMD) (setOp, uint64, uint64, uint64, uint32, error) {
	op := setHardlink
	tgtIno, err := strconv.ParseUint(md.Target[len(fusemd.HardlinkPrefix):], 10, 64)
	if err != nil {
		return op, 0, 0, 0, 0, namespace.Errf(syscall.EINVAL, "bad hardlink target %q", md.Target)
	}

	if _, exists := pcmd.Containers[md.Name]; exists {
		return op, 0, 0, 0, 0, namespace.Errf(syscall.EEXIST, "name=%s exists", md.Name)
	}
	if _, exists := pcmd.Files[md.Name]; exists {
		return op, 0, 0, 0, 0, namespace.Errf(syscall.EEXIST, "name=%s exists", md.Name)
	}

	fmd, err := b.ns.GetFile(namespace.InodeToFid(tgtIno))
	if err != nil {
		return op, 0, 0, 0, 0, err
	}

	nlink := 1
	if v := fmd.Attr(fusemd.XAttrNlink); v != "" {
		n, _ := strconv.Atoi(v)
		nlink = n + 1
	}
	logger.Debug("hlnk target name %s nlink %d create hard link %s", fmd.Name, nlink, md.Name)

	fmd.SetAttr(fusemd.XAttrNlink, strconv.Itoa(nlink))
	if err := b.ns.UpdateFile(fmd); err != nil {
		return op, 0, 0, 0, 0, err
	}

	gmd, err := b.ns.CreateFile()
	if err != nil {
		return op, 0, 0, 0, 0, err
	}
	gmd.SetAttr(fusemd.XAttrMdIno, strconv.FormatUint(tgtIno, 10))
	gmd.Name = md.Name
	gmd.ContainerID = pcmd.ID
	pcmd.Files[md.Name] = gmd.ID

	if err := b.ns.UpdateFile(gmd); err != nil {
		return op, 0, 0, 0, 0, err
	}
	if err := b.ns.UpdateContainer(pcmd); err != nil {
		return op, 0, 0, 0, 0, err
	}
	return op, namespace.FidToInode(gmd.ID), tgtIno, md.MTime, md.MTimeNS, nil
}

// setLink creates or updates a symbolic link or fifo.
func (b *Broker) setLink(md *fusemd.MD, out *bytes.Buffer) error {
	logger.Debug("ino=%x set-link/fifo %s", md.MdIno, md.Name)
	exclusive := md.Type == fusemd.MDTypeExcl

	b.ns.Lock()
	mdIno, ptMtime, ptMtimeNS, err := b.setLinkLocked(md, exclusive)
	clock := b.ns.Clock()
	b.ns.Unlock()
	if err != nil {
		nerr := namespace.ErrnoOf(err)
		if nerr == syscall.EPERM || nerr == syscall.EEXIST {
			return err
		}
		return b.writeFailureAck(out, md, nerr, err.Error())
	}

	if err := b.writeOKAck(out, md, mdIno); err != nil {
		return err
	}
	b.bc.BroadcastMD(md, mdIno, md.MdPino, clock, ptMtime, ptMtimeNS)
	return nil
}

func (b *Broker) setLinkLocked(md *fusemd.MD, exclusive bool) (uint64, uint64, uint32, error) {
	pcmd, err := b.ns.GetContainer(md.MdPino)
	if err != nil {
		return 0, 0, 0, err
	}

	var fmd *namespace.FileMD
	op := setCreate
	if fid, ok := pcmd.Files[md.Name]; ok {
		if exclusive {
			return 0, 0, 0, namespace.Errf(syscall.EEXIST, "name=%s exists", md.Name)
		}
		op = setUpdate
		if fmd, err = b.ns.GetFile(fid); err != nil {
			return 0, 0, 0, err
		}
	} else {
		if strings.HasPrefix(md.Name, fusemd.AtomicPrefix) {
			return 0, 0, 0, namespace.Errf(syscall.EPERM,
				"name=%s atomic path is forbidden as a link name", md.Name)
		}
		if fmd, err = b.ns.CreateFile(); err != nil {
			return 0, 0, 0, err
		}
	}

	fmd.Name = md.Name
	if md.Mode&syscall.S_IFMT == syscall.S_IFLNK {
		fmd.LinkTarget = md.Target
	}
	fmd.LayoutID = 0
	mdIno := namespace.FidToInode(fmd.ID)

	if op == setCreate {
		pcmd.Files[md.Name] = fmd.ID
		fmd.ContainerID = pcmd.ID
	}

	fmd.UID = md.UID
	fmd.GID = md.GID
	fmd.Size = uint64(len(md.Target))
	fmd.Flags = md.Mode & (syscall.S_IRWXU | syscall.S_IRWXG | syscall.S_IRWXO)
	fmd.CTime = md.CTime
	fmd.CTimeNS = md.CTimeNS
	fmd.MTime = md.MTime
	fmd.MTimeNS = md.MTimeNS

	if op == setCreate {
		fmd.XAttrs = make(map[string]string, 1)
		fmd.SetAttr(fusemd.XAttrBtime, btimeAttr(md.BTime, md.BTimeNS))
	}

	pcmd.MTime = md.MTime
	pcmd.MTimeNS = md.MTimeNS

	if err := b.ns.UpdateFile(fmd); err != nil {
		return 0, 0, 0, err
	}
	if err := b.ns.UpdateContainer(pcmd); err != nil {
		return 0, 0, 0, err
	}
	return mdIno, md.MTime, md.MTimeNS, nil
}
