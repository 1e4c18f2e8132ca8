// Package badgerns provides the persistent namespace store backed by
// BadgerDB. Records survive broker restarts; caps do not (they are
// reconstructed lazily by clients), so only the namespace lives here.
//
// Key schema:
//
//	Data Type    Prefix  Key Format   Value
//	==================================================
//	Containers   "c:"    c:<id>       ContainerMD (JSON)
//	Files        "f:"    f:<fid>      FileMD (JSON)
//	Counters     "m:"    m:<name>     uint64 (big endian)
package badgerns

import (
	"fmt"
	"sync"
	"syscall"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/meridianfs/meridian/internal/logger"
	"github.com/meridianfs/meridian/internal/namespace"
)

const (
	keyNextContainerID = "m:nextcid"
	keyNextFileID      = "m:nextfid"
	keyClock           = "m:clock"
	keyRoot            = "m:root"
)

// Options configures the badger-backed store.
type Options struct {
	// Path is the database directory.
	Path string `mapstructure:"path"`

	// SyncWrites forces fsync on every commit.
	SyncWrites bool `mapstructure:"sync_writes"`

	// GCInterval is how often the value log garbage collector runs.
	// Zero disables GC.
	GCInterval time.Duration `mapstructure:"gc_interval"`
}

// Store implements namespace.View on a badger database. The embedded RWMutex
// is the namespace writer lock; counters and the clock are cached in memory
// and persisted on mutation.
type Store struct {
	sync.RWMutex

	db *badger.DB

	nextContainerID uint64
	nextFileID      uint64
	clock           uint64
	root            uint64

	gcStop chan struct{}
}

// New opens (or initialises) a store at opts.Path.
func New(opts Options) (*Store, error) {
	bopts := badger.DefaultOptions(opts.Path).
		WithSyncWrites(opts.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open badger at %s: %w", opts.Path, err)
	}

	s := &Store{db: db, gcStop: make(chan struct{})}
	if err := s.load(); err != nil {
		db.Close()
		return nil, err
	}

	if opts.GCInterval > 0 {
		go s.runGC(opts.GCInterval)
	}
	return s, nil
}

// load restores counters and the root container, creating them on first use.
func (s *Store) load() error {
	err := s.db.Update(func(txn *badger.Txn) error {
		read := func(key string, out *uint64) (bool, error) {
			item, err := txn.Get([]byte(key))
			if err == badger.ErrKeyNotFound {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			return true, item.Value(func(v []byte) error {
				n, err := decodeUint64(v)
				if err != nil {
					return err
				}
				*out = n
				return nil
			})
		}

		found, err := read(keyRoot, &s.root)
		if err != nil {
			return err
		}
		if found {
			if _, err := read(keyNextContainerID, &s.nextContainerID); err != nil {
				return err
			}
			if _, err := read(keyNextFileID, &s.nextFileID); err != nil {
				return err
			}
			if _, err := read(keyClock, &s.clock); err != nil {
				return err
			}
			return nil
		}

		// fresh database: create the root container
		now := uint64(time.Now().Unix())
		root := &namespace.ContainerMD{
			ID:         1,
			Name:       "/",
			CTime:      now,
			MTime:      now,
			Mode:       0o755 | syscall.S_IFDIR,
			XAttrs:     make(map[string]string),
			Containers: make(map[string]uint64),
			Files:      make(map[string]uint64),
		}
		data, err := encodeContainer(root)
		if err != nil {
			return err
		}
		if err := txn.Set(containerKey(root.ID), data); err != nil {
			return err
		}
		s.root = root.ID
		s.nextContainerID = 2
		s.nextFileID = 1
		s.clock = 0
		if err := txn.Set([]byte(keyRoot), encodeUint64(s.root)); err != nil {
			return err
		}
		if err := txn.Set([]byte(keyNextContainerID), encodeUint64(s.nextContainerID)); err != nil {
			return err
		}
		return txn.Set([]byte(keyNextFileID), encodeUint64(s.nextFileID))
	})
	if err != nil {
		return fmt.Errorf("initialise namespace store: %w", err)
	}
	return nil
}

func (s *Store) runGC(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.gcStop:
			return
		case <-ticker.C:
			// rerun while the GC keeps finding garbage
			for {
				if err := s.db.RunValueLogGC(0.5); err != nil {
					break
				}
			}
		}
	}
}

// Close stops the GC loop and closes the database.
func (s *Store) Close() error {
	close(s.gcStop)
	return s.db.Close()
}

func containerKey(id uint64) []byte {
	return fmt.Appendf(nil, "c:%d", id)
}

func fileKey(fid uint64) []byte {
	return fmt.Appendf(nil, "f:%d", fid)
}

func (s *Store) Root() uint64 {
	return s.root
}

func (s *Store) Clock() uint64 {
	return s.clock
}

func (s *Store) GetContainer(id uint64) (*namespace.ContainerMD, error) {
	var c *namespace.ContainerMD
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(containerKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			c, err = decodeContainer(v)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, namespace.Errf(syscall.ENOENT, "container %d", id)
	}
	if err != nil {
		return nil, fmt.Errorf("get container %d: %w", id, err)
	}
	return c, nil
}

func (s *Store) GetFile(fid uint64) (*namespace.FileMD, error) {
	var f *namespace.FileMD
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(fileKey(fid))
		if err != nil {
			return err
		}
		return item.Value(func(v []byte) error {
			f, err = decodeFile(v)
			return err
		})
	})
	if err == badger.ErrKeyNotFound {
		return nil, namespace.Errf(syscall.ENOENT, "file %d", fid)
	}
	if err != nil {
		return nil, fmt.Errorf("get file %d: %w", fid, err)
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
	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := encodeContainer(c)
		if err != nil {
			return err
		}
		if err := txn.Set(containerKey(c.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(keyNextContainerID), encodeUint64(s.nextContainerID))
	})
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	return c, nil
}

func (s *Store) CreateFile() (*namespace.FileMD, error) {
	f := &namespace.FileMD{
		ID:     s.nextFileID,
		XAttrs: make(map[string]string),
	}
	s.nextFileID++
	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := encodeFile(f)
		if err != nil {
			return err
		}
		if err := txn.Set(fileKey(f.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(keyNextFileID), encodeUint64(s.nextFileID))
	})
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	return f, nil
}

func (s *Store) UpdateContainer(c *namespace.ContainerMD) error {
	s.clock++
	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := encodeContainer(c)
		if err != nil {
			return err
		}
		if err := txn.Set(containerKey(c.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(keyClock), encodeUint64(s.clock))
	})
	if err != nil {
		return fmt.Errorf("update container %d: %w", c.ID, err)
	}
	return nil
}

func (s *Store) UpdateFile(f *namespace.FileMD) error {
	s.clock++
	err := s.db.Update(func(txn *badger.Txn) error {
		data, err := encodeFile(f)
		if err != nil {
			return err
		}
		if err := txn.Set(fileKey(f.ID), data); err != nil {
			return err
		}
		return txn.Set([]byte(keyClock), encodeUint64(s.clock))
	})
	if err != nil {
		return fmt.Errorf("update file %d: %w", f.ID, err)
	}
	return nil
}

func (s *Store) RemoveContainer(id uint64) error {
	if id == s.root {
		return namespace.Errf(syscall.EPERM, "cannot remove root")
	}
	s.clock++
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(containerKey(id)); err != nil {
			return err
		}
		return txn.Set([]byte(keyClock), encodeUint64(s.clock))
	})
	if err != nil {
		return fmt.Errorf("remove container %d: %w", id, err)
	}
	return nil
}

func (s *Store) RemoveFile(fid uint64) error {
	s.clock++
	err := s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Delete(fileKey(fid)); err != nil {
			return err
		}
		return txn.Set([]byte(keyClock), encodeUint64(s.clock))
	})
	if err != nil {
		return fmt.Errorf("remove file %d: %w", fid, err)
	}
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
			logger.Warn("URI resolution for ino=%d stopped at container %d: %v", ino, parent, err)
			return "", err
		}
		path = "/" + c.Name + path
		parent = c.ParentID
	}
	return path, nil
}
