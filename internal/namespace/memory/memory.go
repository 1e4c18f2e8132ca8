// Package memory provides the in-memory namespace store. It is the default
// store for tests and volatile deployments; the badgerns package provides the
// persistent equivalent.
package memory

import (
	"sync"
	"syscall"
	"time"

	"github.com/meridianfs/meridian/internal/namespace"
)

// Store keeps all containers and files in maps. The embedded RWMutex is the
// namespace writer lock; the map operations themselves do not lock (see the
// View contract).
type Store struct {
	sync.RWMutex

	containers map[uint64]*namespace.ContainerMD
	files      map[uint64]*namespace.FileMD

	nextContainerID uint64
	nextFileID      uint64
	clock           uint64

	root uint64
}

// New creates a store holding only the root container.
func New() *Store {
	s := &Store{
		containers:      make(map[uint64]*namespace.ContainerMD),
		files:           make(map[uint64]*namespace.FileMD),
		nextContainerID: 1,
		nextFileID:      1,
	}
	now := uint64(time.Now().Unix())
	root := &namespace.ContainerMD{
		ID:         s.nextContainerID,
		Name:       "/",
		CTime:      now,
		MTime:      now,
		Mode:       0o755 | syscall.S_IFDIR,
		XAttrs:     make(map[string]string),
		Containers: make(map[string]uint64),
		Files:      make(map[string]uint64),
	}
	s.nextContainerID++
	s.containers[root.ID] = root
	s.root = root.ID
	return s
}

func (s *Store) Root() uint64 {
	return s.root
}

func (s *Store) Clock() uint64 {
	return s.clock
}

func (s *Store) GetContainer(id uint64) (*namespace.ContainerMD, error) {
	c, ok := s.containers[id]
	if !ok {
		return nil, namespace.Errf(syscall.ENOENT, "container %d", id)
	}
	return c, nil
}

func (s *Store) GetFile(fid uint64) (*namespace.FileMD, error) {
	f, ok := s.files[fid]
	if !ok {
		return nil, namespace.Errf(syscall.ENOENT, "file %d", fid)
	}
	return f, nil
}

func (s *Store) CreateContainer() (*namespace.ContainerMD, error) {
	c := &namespace.ContainerMD{
		ID:         s.nextContainerID,
		XAttrs:     make(map[string]string),
		Containers: make(map[string]uint64),
		Files:      make(map[string]uint64),
	}
	s.nextContainerID++
	s.containers[c.ID] = c
	return c, nil
}

func (s *Store) CreateFile() (*namespace.FileMD, error) {
	f := &namespace.FileMD{
		ID:     s.nextFileID,
		XAttrs: make(map[string]string),
	}
	s.nextFileID++
	s.files[f.ID] = f
	return f, nil
}

func (s *Store) UpdateContainer(c *namespace.ContainerMD) error {
	if _, ok := s.containers[c.ID]; !ok {
		return namespace.Errf(syscall.ENOENT, "container %d", c.ID)
	}
	s.containers[c.ID] = c
	s.clock++
	return nil
}

func (s *Store) UpdateFile(f *namespace.FileMD) error {
	if _, ok := s.files[f.ID]; !ok {
		return namespace.Errf(syscall.ENOENT, "file %d", f.ID)
	}
	s.files[f.ID] = f
	s.clock++
	return nil
}

func (s *Store) RemoveContainer(id uint64) error {
	if id == s.root {
		return namespace.Errf(syscall.EPERM, "cannot remove root")
	}
	if _, ok := s.containers[id]; !ok {
		return namespace.Errf(syscall.ENOENT, "container %d", id)
	}
	delete(s.containers, id)
	s.clock++
	return nil
}

func (s *Store) RemoveFile(fid uint64) error {
	if _, ok := s.files[fid]; !ok {
		return namespace.Errf(syscall.ENOENT, "file %d", fid)
	}
	delete(s.files, fid)
	s.clock++
	return nil
}

func (s *Store) URI(ino uint64) (string, error) {
	var name string
	var parent uint64
	if namespace.IsFileInode(ino) {
		f, err := s.GetFile(namespace.InodeToFid(ino))
		if err != nil {
			return "", err
		}
		name = f.Name
		parent = f.ContainerID
	} else {
		c, err := s.GetContainer(ino)
		if err != nil {
			return "", err
		}
		if c.ID == s.root {
			return "/", nil
		}
		name = c.Name
		parent = c.ParentID
	}

	path := "/" + name
	for parent != 0 && parent != s.root {
		c, err := s.GetContainer(parent)
		if err != nil {
			return "", err
		}
		path = "/" + c.Name + path
		parent = c.ParentID
	}
	return path, nil
}
