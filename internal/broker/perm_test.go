package broker

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/meridianfs/meridian/internal/protocol/fusemd"
)

func dir(uid, gid, mode uint32, attrs map[string]string) dirView {
	if attrs == nil {
		attrs = map[string]string{}
	}
	return dirView{UID: uid, GID: gid, Mode: mode | syscall.S_IFDIR, Attrs: attrs}
}

func TestContainerModeRoot(t *testing.T) {
	mode := ContainerMode(Vid{UID: 0}, dir(1000, 1000, 0o000, nil))
	assert.Equal(t, fusemd.ModeAll, mode)
}

func TestContainerModeSudoer(t *testing.T) {
	mode := ContainerMode(Vid{UID: 500, Sudoer: true}, dir(1000, 1000, 0o000, nil))
	assert.NotZero(t, mode&fusemd.ModeC)
	assert.NotZero(t, mode&fusemd.ModeM)
	assert.NotZero(t, mode&fusemd.ModeW)
	assert.NotZero(t, mode&fusemd.ModeD)
	// sudoer alone grants no read or browse
	assert.Zero(t, mode&fusemd.ModeR)
	assert.Zero(t, mode&fusemd.ModeX)
}

func TestContainerModePosixBits(t *testing.T) {
	tests := []struct {
		name    string
		vid     Vid
		mode    uint32
		wantSet uint32
		wantClr uint32
	}{
		{
			name:    "owner rwx",
			vid:     Vid{UID: 1000, GID: 1000},
			mode:    0o700,
			wantSet: fusemd.ModeR | fusemd.ModeW | fusemd.ModeX | fusemd.ModeD | fusemd.ModeM,
		},
		{
			name:    "owner read only",
			vid:     Vid{UID: 1000, GID: 1000},
			mode:    0o400,
			wantSet: fusemd.ModeR,
			wantClr: fusemd.ModeW | fusemd.ModeX | fusemd.ModeD,
		},
		{
			name:    "group write",
			vid:     Vid{UID: 2000, GID: 1000},
			mode:    0o070,
			wantSet: fusemd.ModeR | fusemd.ModeW | fusemd.ModeX,
		},
		{
			name:    "other execute only",
			vid:     Vid{UID: 2000, GID: 2000},
			mode:    0o001,
			wantSet: fusemd.ModeX,
			wantClr: fusemd.ModeR | fusemd.ModeW,
		},
		{
			name:    "stranger on 700",
			vid:     Vid{UID: 2000, GID: 2000},
			mode:    0o700,
			wantClr: fusemd.ModeR | fusemd.ModeW | fusemd.ModeX | fusemd.ModeD,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mode := ContainerMode(tt.vid, dir(1000, 1000, tt.mode, nil))
			assert.Equal(t, tt.wantSet, mode&tt.wantSet, "bits that must be set")
			assert.Zero(t, mode&tt.wantClr, "bits that must be clear")
		})
	}
}

func TestContainerModeMaskAppliesToGroupAndOther(t *testing.T) {
	attrs := map[string]string{fusemd.XAttrMask: "550"} // group/other write masked off
	// group member on a 0777 directory
	mode := ContainerMode(Vid{UID: 2000, GID: 1000}, dir(1000, 1000, 0o777, attrs))
	assert.NotZero(t, mode&fusemd.ModeR)
	assert.NotZero(t, mode&fusemd.ModeX)
	assert.Zero(t, mode&fusemd.ModeW)

	// the owner's r/w bits ignore the mask
	mode = ContainerMode(Vid{UID: 1000, GID: 1000}, dir(1000, 1000, 0o777, attrs))
	assert.NotZero(t, mode&fusemd.ModeW)
}

func TestContainerModeACL(t *testing.T) {
	t.Run("grant write by uid", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrSysACL: "u:3000:rwx"}
		mode := ContainerMode(Vid{UID: 3000, GID: 3000}, dir(1000, 1000, 0o700, attrs))
		assert.NotZero(t, mode&fusemd.ModeR)
		assert.NotZero(t, mode&fusemd.ModeW)
		assert.NotZero(t, mode&fusemd.ModeX)
		assert.NotZero(t, mode&fusemd.ModeD)
	})

	t.Run("deny delete for non-owner", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrSysACL: "u:3000:rwx!d"}
		mode := ContainerMode(Vid{UID: 3000, GID: 3000}, dir(1000, 1000, 0o700, attrs))
		assert.NotZero(t, mode&fusemd.ModeW)
		assert.Zero(t, mode&fusemd.ModeD)
	})

	t.Run("owner keeps delete despite !d", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrSysACL: "u:1000:rwx!d"}
		mode := ContainerMode(Vid{UID: 1000, GID: 1000}, dir(1000, 1000, 0o700, attrs))
		assert.NotZero(t, mode&fusemd.ModeD)
	})

	t.Run("immutable clears write and delete", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrSysACL: "z:*:i"}
		mode := ContainerMode(Vid{UID: 1000, GID: 1000}, dir(1000, 1000, 0o700, attrs))
		assert.Zero(t, mode&fusemd.ModeW)
		assert.Zero(t, mode&fusemd.ModeD)
	})

	t.Run("user acl gated by sys.eval.useracl", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrUserACL: "u:3000:rwx"}
		mode := ContainerMode(Vid{UID: 3000, GID: 3000}, dir(1000, 1000, 0o700, attrs))
		assert.Zero(t, mode&fusemd.ModeW)

		attrs[fusemd.XAttrEvalUser] = "1"
		mode = ContainerMode(Vid{UID: 3000, GID: 3000}, dir(1000, 1000, 0o700, attrs))
		assert.NotZero(t, mode&fusemd.ModeW)
	})
}

func TestStickyOwner(t *testing.T) {
	vid := Vid{UID: 3000, GID: 3000, Prot: "fuse", UIDString: "3000"}

	t.Run("no attribute", func(t *testing.T) {
		uid, gid := StickyOwner(vid, dir(1000, 2000, 0o755, nil))
		assert.Equal(t, uint32(3000), uid)
		assert.Equal(t, uint32(3000), gid)
	})

	t.Run("wildcard", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrOwnerAuth: "*"}
		uid, gid := StickyOwner(vid, dir(1000, 2000, 0o755, attrs))
		assert.Equal(t, uint32(1000), uid)
		assert.Equal(t, uint32(2000), gid)
	})

	t.Run("matching key", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrOwnerAuth: "fuse:3000,krb5:admin"}
		uid, gid := StickyOwner(vid, dir(1000, 2000, 0o755, attrs))
		assert.Equal(t, uint32(1000), uid)
		assert.Equal(t, uint32(2000), gid)
	})

	t.Run("non-matching key", func(t *testing.T) {
		attrs := map[string]string{fusemd.XAttrOwnerAuth: "krb5:admin"}
		uid, gid := StickyOwner(vid, dir(1000, 2000, 0o755, attrs))
		assert.Equal(t, uint32(3000), uid)
		assert.Equal(t, uint32(3000), gid)
	})
}
