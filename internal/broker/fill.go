package broker

import (
	"fmt"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

// parseBtime splits a "sec.nsec" birth time attribute.
func parseBtime(v string) (uint64, uint32) {
	sec, nsec, ok := strings.Cut(v, ".")
	if !ok {
		return 0, 0
	}
	s, _ := strconv.ParseUint(sec, 10, 64)
	n, _ := strconv.ParseUint(nsec, 10, 32)
	return s, uint32(n)
}

func btimeAttr(sec uint64, nsec uint32) string {
	return fmt.Sprintf("%d.%d", sec, nsec)
}

// fillContainerMD fills a wire record from a stored container. When the
// record's operation is LS the children map is attached; listings beyond the
// protocol cap fail with ENAMETOOLONG. Caller holds the namespace read lock.
func (b *Broker) fillContainerMD(id uint64, dir *fusemd.MD) error {
	cmd, err := b.ns.GetContainer(id)
	if err != nil {
		dir.Err = uint32(namespace.ErrnoOf(err))
		return err
	}

	dir.MdIno = id
	dir.MdPino = cmd.ParentID
	dir.CTime = cmd.CTime
	dir.CTimeNS = cmd.CTimeNS
	dir.MTime = cmd.MTime
	dir.MTimeNS = cmd.MTimeNS
	dir.ATime = cmd.MTime
	dir.ATimeNS = cmd.MTimeNS
	dir.Size = cmd.TreeSize
	dir.UID = cmd.UID
	dir.GID = cmd.GID
	dir.Mode = cmd.Mode
	dir.Nlink = 2
	dir.Name = cmd.Name
	if uri, err := b.ns.URI(id); err == nil {
		dir.FullPath = uri
	}

	dir.Attrs = make(map[string]string, len(cmd.XAttrs))
	for k, v := range cmd.XAttrs {
		dir.Attrs[k] = v
		if k == fusemd.XAttrBtime {
			dir.BTime, dir.BTimeNS = parseBtime(v)
		}
	}

	dir.NChildren = uint64(cmd.NumChildren())

	if dir.Operation == fusemd.OpLS {
		// hard-coded listing limit for service protection
		if dir.NChildren > fusemd.MaxListing {
			dir.Err = uint32(syscall.ENAMETOOLONG)
			return namespace.Errf(syscall.ENAMETOOLONG, "listing of %d children", dir.NChildren)
		}
		dir.Children = make(map[string]uint64, cmd.NumChildren())
		for name, fid := range cmd.Files {
			dir.Children[name] = namespace.FidToInode(fid)
		}
		for name, cid := range cmd.Containers {
			dir.Children[name] = cid
		}
		dir.Type = fusemd.MDTypeLS
	} else {
		dir.Type = fusemd.MDTypeMD
	}

	dir.Clock = b.ns.Clock()
	dir.Err = 0
	return nil
}

// fillFileMD fills a wire record from a stored file. A hardlink entry is
// resolved to its target: the record carries the entry's inode but the
// target's metadata. Caller holds the namespace read lock.
func (b *Broker) fillFileMD(ino uint64, file *fusemd.MD) error {
	gmd, err := b.ns.GetFile(namespace.InodeToFid(ino))
	if err != nil {
		file.Err = uint32(namespace.ErrnoOf(err))
		return err
	}
	file.Name = gmd.Name

	// gmd is the link entry, fmd the physical file
	fmd := gmd
	hasMdIno := false
	if v := gmd.Attr(fusemd.XAttrMdIno); v != "" {
		hasMdIno = true
		mdino, _ := strconv.ParseUint(v, 10, 64)
		fmd, err = b.ns.GetFile(namespace.InodeToFid(mdino))
		if err != nil {
			file.Err = uint32(namespace.ErrnoOf(err))
			return err
		}
		logger.Debug("hlnk switched from %s to file %s (%#x)", gmd.Name, fmd.Name, mdino)
	}

	file.MdIno = namespace.FidToInode(gmd.ID)
	file.MdPino = fmd.ContainerID
	file.CTime = fmd.CTime
	file.CTimeNS = fmd.CTimeNS
	file.MTime = fmd.MTime
	file.MTimeNS = fmd.MTimeNS
	file.BTime = fmd.CTime
	file.BTimeNS = fmd.CTimeNS
	file.ATime = fmd.MTime
	file.ATimeNS = fmd.MTimeNS
	file.Size = fmd.Size
	file.UID = fmd.UID
	file.GID = fmd.GID

	if fmd.IsLink() {
		file.Mode = fmd.Flags | syscall.S_IFLNK
		file.Target = fmd.LinkTarget
	} else {
		file.Mode = fmd.Flags | syscall.S_IFREG
	}

	nlink := uint32(1)
	if v := fmd.Attr(fusemd.XAttrNlink); v != "" {
		n, _ := strconv.ParseUint(v, 10, 32)
		nlink = uint32(n) + 1
	}
	file.Nlink = nlink
	file.Clock = b.ns.Clock()

	file.Attrs = make(map[string]string, len(fmd.XAttrs))
	for k, v := range fmd.XAttrs {
		if hasMdIno && k == fusemd.XAttrNlink {
			continue
		}
		file.Attrs[k] = v
		if k == fusemd.XAttrBtime {
			file.BTime, file.BTimeNS = parseBtime(v)
		}
	}
	if hasMdIno {
		file.Attrs[fusemd.XAttrMdIno] = gmd.Attr(fusemd.XAttrMdIno)
	}

	file.Type = fusemd.MDTypeMD
	file.Err = 0
	return nil
}

// fillContainerCAP computes and stores a cap on the container whose filled
// record is dir, and attaches it to the record. With issueOnlyOne, a client
// already holding a cap on the inode is not issued another. reuseAuthID
// refreshes an existing cap under its original auth-id.
func (b *Broker) fillContainerCAP(id uint64, dir *fusemd.MD, vid Vid,
	reuseAuthID string, issueOnlyOne bool) bool {
	if issueOnlyOne && b.caps.HasClientInodeCap(dir.ClientID, id) {
		return true
	}

	now := time.Now()
	leasetime := b.clients.Leasetime(dir.ClientUUID)
	if leasetime == 0 {
		leasetime = fusemd.DefaultLeaseTime
	}

	view := dirView{UID: dir.UID, GID: dir.GID, Mode: dir.Mode, Attrs: dir.Attrs}

	cap := fusemd.Cap{
		ID:      id,
		VTime:   uint64(now.Unix()) + leasetime,
		VTimeNS: uint32(now.Nanosecond()),
		Mode:    ContainerMode(vid, view),
	}
	cap.UID, cap.GID = StickyOwner(vid, view)

	if reuseAuthID != "" {
		cap.AuthID = reuseAuthID
	} else {
		cap.AuthID = uuid.NewString()
	}
	cap.ClientID = dir.ClientID
	cap.ClientUUID = dir.ClientUUID

	if v := view.attr(fusemd.XAttrMaxSize); v != "" {
		cap.MaxFileSize, _ = strconv.ParseUint(v, 10, 64)
	} else {
		cap.MaxFileSize = fusemd.DefaultMaxFileSize
	}

	space := "default"
	if v := view.attr(fusemd.XAttrSysSpace); v != "" {
		space = v
	} else if v := view.attr(fusemd.XAttrUserSpace); v != "" {
		space = v
	}

	if b.quota.Enabled(space) {
		node := b.quota.NodeOf(id)
		availFiles, availBytes, err := b.quota.ByNode(node, cap.UID, cap.GID)
		if err == nil {
			cap.Quota.InodeQuota = uint64(availFiles)
			cap.Quota.VolumeQuota = uint64(availBytes)
			cap.Quota.QuotaInode = node
		}
	} else {
		cap.Quota.InodeQuota = uint64(namespace.NoQuota)
		cap.Quota.VolumeQuota = uint64(namespace.NoQuota)
	}

	dir.Capability = cap
	b.caps.Store(&cap, vid)
	return true
}

// ValidateCAP checks that the request's cap covers the wanted mode on the
// addressed inode (or its parent) and is not within the revocation margin of
// expiry. The errno distinguishes the fallback cases: ENOENT (no such cap),
// EINVAL (cap pinned elsewhere), ETIMEDOUT (expiring), EPERM (mode).
func (b *Broker) ValidateCAP(md *fusemd.MD, mode uint32) (fusemd.Cap, syscall.Errno) {
	cap, ok := b.caps.Get(md.AuthID)
	if !ok || cap.ID == 0 {
		logger.Debug("no cap for authid=%s", md.AuthID)
		return fusemd.Cap{}, syscall.ENOENT
	}

	if cap.ID != md.MdIno && cap.ID != md.MdPino {
		logger.Debug("wrong cap for authid=%s cap-id=%x md-ino=%x md-pino=%x",
			md.AuthID, cap.ID, md.MdIno, md.MdPino)
		return fusemd.Cap{}, syscall.EINVAL
	}

	if cap.Mode&mode == mode {
		now := uint64(time.Now().Unix())
		// leave some margin for revoking
		if cap.VTime <= now+fusemd.CapRevocationMargin {
			return fusemd.Cap{}, syscall.ETIMEDOUT
		}
		return cap, 0
	}

	return fusemd.Cap{}, syscall.EPERM
}

// access is the POSIX rwx check on a container for an identity.
func access(vid Vid, c *namespace.ContainerMD, perm uint32) bool {
	if vid.Root() {
		return true
	}
	var shift uint32
	switch {
	case vid.UID == c.UID:
		shift = 6
	case vid.GID == c.GID:
		shift = 3
	default:
		shift = 0
	}
	return c.Mode&(perm<<shift) != 0
}

const (
	permR uint32 = 4
	permW uint32 = 2
	permX uint32 = 1
)

// ValidatePERM re-derives permissions from the parent container when no
// valid cap backs a request: the broker forgets every cap on restart and
// falls back to evaluating the ACL and mode bits on the fly. mode is "W" or
// "D". With takeLock the namespace read lock is acquired; pass false when
// the caller already holds a namespace lock.
func (b *Broker) ValidatePERM(md *fusemd.MD, mode string, vid Vid, takeLock bool) bool {
	if takeLock {
		b.ns.RLock()
		defer b.ns.RUnlock()
	}

	cmd, err := b.ns.GetContainer(md.MdPino)
	if err != nil {
		logger.Error("failed to get directory inode ino=%x", md.MdPino)
		return false
	}

	rOK := access(vid, cmd, permR)
	wOK := access(vid, cmd, permW)
	dOK := wOK
	xOK := access(vid, cmd, permX)

	acl := EvalAcl(cmd.Attr(fusemd.XAttrSysACL), cmd.Attr(fusemd.XAttrUserACL),
		vid, cmd.HasAttr(fusemd.XAttrEvalUser))
	if acl.HasACL() {
		if acl.CanWrite() {
			wOK = true
			dOK = true
		}
		// write-once excludes updates
		if !acl.CanWrite() && !acl.CanWriteOnce() {
			wOK = false
		}
		if acl.CanNotDelete() {
			dOK = false
		}
		if acl.CanRead() {
			rOK = true
		}
		if acl.CanBrowse() {
			xOK = true
		}
		if !acl.IsMutable() {
			wOK = false
			dOK = false
		}
	}
	_ = xOK

	accperm := "R"
	if rOK {
		accperm += "R"
	}
	if wOK {
		accperm += "WCKNV"
	}
	if dOK {
		accperm += "D"
	}

	if strings.Contains(accperm, mode) {
		logger.Debug("allow access to ino=%x request-mode=%s granted-mode=%s",
			md.MdPino, mode, accperm)
		return true
	}
	logger.Debug("reject access to ino=%x request-mode=%s granted-mode=%s",
		md.MdPino, mode, accperm)
	return false
}

// InodeFromCAP resolves the inode a request's cap is pinned to; a creation
// with an implied cap may arrive before the client learnt the parent inode.
func (b *Broker) InodeFromCAP(md *fusemd.MD) uint64 {
	cap, ok := b.caps.Get(md.AuthID)
	if !ok {
		return 0
	}
	return cap.ID
}
