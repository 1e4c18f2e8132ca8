// Package namespace defines the metadata view the broker mutates: containers
// (directories) and files addressed by inode, with name-in-parent indices and
// a single writer lock held by the caller across multi-step mutations.
package namespace

// ContainerMD is directory metadata.
type ContainerMD struct {
	ID       uint64
	ParentID uint64
	Name     string

	CTime   uint64
	CTimeNS uint32
	MTime   uint64
	MTimeNS uint32

	UID  uint32
	GID  uint32
	Mode uint32

	XAttrs map[string]string

	// Containers and Files map child names to container ids and file ids
	// respectively. File values are ids, not inodes.
	Containers map[string]uint64
	Files      map[string]uint64

	TreeSize uint64
}

// FileMD is file metadata. ID is a file id; the corresponding inode is
// FidToInode(ID).
type FileMD struct {
	ID          uint64
	ContainerID uint64
	Name        string

	CTime   uint64
	CTimeNS uint32
	MTime   uint64
	MTimeNS uint32

	Size uint64
	UID  uint32
	GID  uint32

	// Flags holds the lower permission bits (rwxrwxrwx).
	Flags uint32

	LayoutID uint32

	XAttrs map[string]string

	// LinkTarget is set for symbolic links.
	LinkTarget string
}

// NumChildren returns the container's total child count.
func (c *ContainerMD) NumChildren() int {
	return len(c.Containers) + len(c.Files)
}

// Attr returns an extended attribute value, or "" if absent.
func (c *ContainerMD) Attr(name string) string {
	return c.XAttrs[name]
}

// HasAttr reports whether the extended attribute is present.
func (c *ContainerMD) HasAttr(name string) bool {
	_, ok := c.XAttrs[name]
	return ok
}

// Attr returns an extended attribute value, or "" if absent.
func (f *FileMD) Attr(name string) string {
	return f.XAttrs[name]
}

// HasAttr reports whether the extended attribute is present.
func (f *FileMD) HasAttr(name string) bool {
	_, ok := f.XAttrs[name]
	return ok
}

// IsLink reports whether the file is a symbolic link.
func (f *FileMD) IsLink() bool {
	return f.LinkTarget != ""
}

// SetAttr sets an extended attribute, allocating the map when needed.
func (f *FileMD) SetAttr(name, value string) {
	if f.XAttrs == nil {
		f.XAttrs = make(map[string]string)
	}
	f.XAttrs[name] = value
}

// SetAttr sets an extended attribute, allocating the map when needed.
func (c *ContainerMD) SetAttr(name, value string) {
	if c.XAttrs == nil {
		c.XAttrs = make(map[string]string)
	}
	c.XAttrs[name] = value
}
