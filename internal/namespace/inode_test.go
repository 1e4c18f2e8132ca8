package namespace

import "testing"

func TestInodeMapping(t *testing.T) {
	tests := []struct {
		name string
		fid  uint64
	}{
		{"small id", 1},
		{"large id", 1 << 40},
		{"max id", (1 << 63) - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ino := FidToInode(tt.fid)
			if !IsFileInode(ino) {
				t.Fatalf("FidToInode(%d) = %d, not a file inode", tt.fid, ino)
			}
			if got := InodeToFid(ino); got != tt.fid {
				t.Fatalf("InodeToFid(FidToInode(%d)) = %d", tt.fid, got)
			}
		})
	}
}

func TestContainerInodesAreNotFileInodes(t *testing.T) {
	for _, id := range []uint64{1, 42, 1 << 32} {
		if IsFileInode(id) {
			t.Fatalf("container id %d misidentified as file inode", id)
		}
	}
}
