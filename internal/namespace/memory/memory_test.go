package memory

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianfs/meridian/internal/namespace"
)

func TestRootExists(t *testing.T) {
	s := New()
	root, err := s.GetContainer(s.Root())
	require.NoError(t, err)
	assert.Equal(t, "/", root.Name)
	assert.NotZero(t, root.Mode&syscall.S_IFDIR)
}

func TestCreateAndLookup(t *testing.T) {
	s := New()
	root, err := s.GetContainer(s.Root())
	require.NoError(t, err)

	c, err := s.CreateContainer()
	require.NoError(t, err)
	c.Name = "docs"
	c.ParentID = root.ID
	root.Containers["docs"] = c.ID
	require.NoError(t, s.UpdateContainer(c))
	require.NoError(t, s.UpdateContainer(root))

	f, err := s.CreateFile()
	require.NoError(t, err)
	f.Name = "readme.txt"
	f.ContainerID = c.ID
	f.Size = 11
	c.Files["readme.txt"] = f.ID
	require.NoError(t, s.UpdateFile(f))
	require.NoError(t, s.UpdateContainer(c))

	got, err := s.GetFile(f.ID)
	require.NoError(t, err)
	assert.Equal(t, "readme.txt", got.Name)
	assert.Equal(t, uint64(11), got.Size)

	uri, err := s.URI(namespace.FidToInode(f.ID))
	require.NoError(t, err)
	assert.Equal(t, "/docs/readme.txt", uri)
}

func TestClockAdvances(t *testing.T) {
	s := New()
	before := s.Clock()

	c, err := s.CreateContainer()
	require.NoError(t, err)
	c.Name = "a"
	require.NoError(t, s.UpdateContainer(c))

	assert.Greater(t, s.Clock(), before)
}

func TestMissingEntriesReportENOENT(t *testing.T) {
	s := New()

	_, err := s.GetContainer(999)
	assert.Equal(t, syscall.ENOENT, namespace.ErrnoOf(err))

	_, err = s.GetFile(999)
	assert.Equal(t, syscall.ENOENT, namespace.ErrnoOf(err))

	err = s.RemoveFile(999)
	assert.Equal(t, syscall.ENOENT, namespace.ErrnoOf(err))
}

func TestRemoveRootForbidden(t *testing.T) {
	s := New()
	err := s.RemoveContainer(s.Root())
	assert.Equal(t, syscall.EPERM, namespace.ErrnoOf(err))
}
