package namespace

// View is the namespace the broker operates on.
//
// Locking discipline: callers serialise mutations through the view's single
// writer lock (Lock/Unlock) and hold the read lock (RLock/RUnlock) for
// multi-step reads. The store operations themselves do not lock; they assume
// the caller holds the appropriate side. The writer lock must be released
// before replies are serialised or broadcasts are sent.
type View interface {
	Lock()
	Unlock()
	RLock()
	RUnlock()

	// Root returns the root container id.
	Root() uint64

	// Clock returns the namespace modification clock. It increases on
	// every successful update.
	Clock() uint64

	// GetContainer and GetFile return the stored metadata. The returned
	// structs are owned by the store; callers mutate them only under the
	// writer lock and persist with the Update methods.
	GetContainer(id uint64) (*ContainerMD, error)
	GetFile(fid uint64) (*FileMD, error)

	// CreateContainer and CreateFile allocate ids and return empty
	// records not yet linked to a parent.
	CreateContainer() (*ContainerMD, error)
	CreateFile() (*FileMD, error)

	// UpdateContainer and UpdateFile persist a record and bump the clock.
	UpdateContainer(c *ContainerMD) error
	UpdateFile(f *FileMD) error

	// RemoveContainer and RemoveFile delete a record from the store. They
	// do not unlink the name from the parent; callers do that first.
	RemoveContainer(id uint64) error
	RemoveFile(fid uint64) error

	// URI resolves an inode to its full path, reported as the FullPath of
	// filled metadata records.
	URI(ino uint64) (string, error)
}
