package broker

import (
	"fmt"
	"syscall"
	"time"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
)

// BinRecycler moves deleted files into a recycle container at the namespace
// root instead of unlinking them. It is called with the namespace writer
// lock released and takes it itself; the dispatcher treats this as an
// explicit re-entrant boundary.
type BinRecycler struct {
	ns  namespace.View
	bin string
}

// NewBinRecycler creates a recycler storing into binName ("/.recycle" style
// container at the root).
func NewBinRecycler(ns namespace.View, binName string) *BinRecycler {
	if binName == "" {
		binName = ".recycle"
	}
	return &BinRecycler{ns: ns, bin: binName}
}

// Recycle re-parents the file under the recycle container, renamed with a
// timestamp suffix so repeated deletions of the same name never collide.
func (r *BinRecycler) Recycle(ino uint64, vid Vid) error {
	if !namespace.IsFileInode(ino) {
		return namespace.Errf(syscall.EINVAL, "recycle of container %d", ino)
	}

	r.ns.Lock()
	defer r.ns.Unlock()

	fmd, err := r.ns.GetFile(namespace.InodeToFid(ino))
	if err != nil {
		return err
	}
	pcmd, err := r.ns.GetContainer(fmd.ContainerID)
	if err != nil {
		return err
	}

	root, err := r.ns.GetContainer(r.ns.Root())
	if err != nil {
		return err
	}
	// a store may return copies: keep one record when the parent is the root
	if pcmd.ID == root.ID {
		pcmd = root
	}

	var bin *namespace.ContainerMD
	if binID, ok := root.Containers[r.bin]; ok {
		if bin, err = r.ns.GetContainer(binID); err != nil {
			return err
		}
	} else {
		if bin, err = r.ns.CreateContainer(); err != nil {
			return err
		}
		now := uint64(time.Now().Unix())
		bin.Name = r.bin
		bin.ParentID = root.ID
		bin.Mode = 0o700 | syscall.S_IFDIR
		bin.CTime = now
		bin.MTime = now
		root.Containers[r.bin] = bin.ID
		if err := r.ns.UpdateContainer(root); err != nil {
			return err
		}
	}

	delete(pcmd.Files, fmd.Name)
	if err := r.ns.UpdateContainer(pcmd); err != nil {
		return err
	}

	recycled := fmt.Sprintf("%s.%016x.%d", fmd.Name, ino, time.Now().UnixNano())
	fmd.Name = recycled
	fmd.ContainerID = bin.ID
	bin.Files[recycled] = fmd.ID

	if err := r.ns.UpdateFile(fmd); err != nil {
		return err
	}
	if err := r.ns.UpdateContainer(bin); err != nil {
		return err
	}
	logger.Info("recycled ino=%016x as %s uid=%d", ino, recycled, vid.UID)
	return nil
}
