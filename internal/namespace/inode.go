package namespace

// Container ids and file inodes live in disjoint ranges: a file id is mapped
// into inode space by setting the top bit. Container inodes equal their ids.

const fileInodeBit uint64 = 1 << 63

// IsFileInode reports whether an inode addresses a file.
func IsFileInode(ino uint64) bool {
	return ino&fileInodeBit != 0
}

// FidToInode maps a file id into inode space.
func FidToInode(fid uint64) uint64 {
	return fid | fileInodeBit
}

// InodeToFid maps a file inode back to its file id.
func InodeToFid(ino uint64) uint64 {
	return ino &^ fileInodeBit
}
