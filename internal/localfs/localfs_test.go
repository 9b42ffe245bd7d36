package localfs

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

func newTestClient(t *testing.T, opts ...Option) (*Client, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.Setup())
	t.Cleanup(func() { ws.Unlock() })

	c, err := New(ws, opts...)
	require.NoError(t, err)
	return c, ws
}

func TestMakeFileAndOpen(t *testing.T) {
	c, ws := newTestClient(t)

	require.NoError(t, c.MakeFile("/docs/report.txt", bytes.NewReader([]byte("content"))))
	assert.True(t, c.Exists("/docs/report.txt"))

	rc, err := c.Open("/docs/report.txt")
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "content", string(data))

	// no temp leftovers next to the file
	entries, err := os.ReadDir(filepath.Join(ws.Root, "docs"))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestOpenMissingFileIsTypedNotFound(t *testing.T) {
	c, _ := newTestClient(t)

	_, err := c.Open("/nope.txt")
	require.Error(t, err)
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestDigestIsCached(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.MakeFile("/f.txt", bytes.NewReader([]byte("hello"))))

	d1, err := c.Digest("/f.txt")
	require.NoError(t, err)
	// md5("hello")
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", d1)

	d2, err := c.Digest("/f.txt")
	require.NoError(t, err)
	assert.Equal(t, d1, d2)
	assert.Equal(t, 1, c.digests.Len())
}

func TestDigestOfFolderIsEmpty(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.MakeFolder("/dir"))

	d, err := c.Digest("/dir")
	require.NoError(t, err)
	assert.Empty(t, d)
}

func TestRenameAndMove(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.MakeFile("/a.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, c.SetRemoteID("/a.txt", "doc-1"))

	newPath, err := c.Rename("/a.txt", "b.txt")
	require.NoError(t, err)
	assert.Equal(t, "/b.txt", newPath)
	assert.False(t, c.Exists("/a.txt"))
	assert.True(t, c.Exists("/b.txt"))

	// the remote binding follows the file
	ref, err := c.GetRemoteID("/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", ref)

	require.NoError(t, c.MakeFolder("/sub"))
	newPath, err = c.Move("/b.txt", "/sub")
	require.NoError(t, err)
	assert.Equal(t, "/sub/b.txt", newPath)
	assert.True(t, c.Exists("/sub/b.txt"))

	ref, err = c.GetRemoteID("/sub/b.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", ref)
}

func TestFolderRenameCarriesDescendantBindings(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.MakeFolder("/proj"))
	require.NoError(t, c.MakeFile("/proj/main.go", bytes.NewReader([]byte("x"))))
	require.NoError(t, c.SetRemoteID("/proj", "dir-1"))
	require.NoError(t, c.SetRemoteID("/proj/main.go", "doc-1"))

	_, err := c.Rename("/proj", "project")
	require.NoError(t, err)

	ref, err := c.GetRemoteID("/project/main.go")
	require.NoError(t, err)
	assert.Equal(t, "doc-1", ref)
}

func TestDeleteDropsBindings(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.MakeFolder("/gone"))
	require.NoError(t, c.MakeFile("/gone/f.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, c.SetRemoteID("/gone/f.txt", "doc-1"))

	require.NoError(t, c.Delete("/gone"))
	assert.False(t, c.Exists("/gone"))

	ref, err := c.GetRemoteID("/gone/f.txt")
	require.NoError(t, err)
	assert.Empty(t, ref)
}

func TestRemoteIDsPersistAcrossClients(t *testing.T) {
	c, ws := newTestClient(t)
	require.NoError(t, c.MakeFile("/p.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, c.SetRemoteID("/p.txt", "doc-9"))

	again, err := New(ws)
	require.NoError(t, err)
	ref, err := again.GetRemoteID("/p.txt")
	require.NoError(t, err)
	assert.Equal(t, "doc-9", ref)
}

func TestGetChildrenInfoSkipsMetadata(t *testing.T) {
	c, _ := newTestClient(t)
	require.NoError(t, c.MakeFile("/x.txt", bytes.NewReader([]byte("x"))))
	require.NoError(t, c.MakeFolder("/d"))

	infos, err := c.GetChildrenInfo("/")
	require.NoError(t, err)
	require.Len(t, infos, 2)

	names := []string{infos[0].Name, infos[1].Name}
	assert.ElementsMatch(t, []string{"x.txt", "d"}, names)
	for _, info := range infos {
		assert.NotEqual(t, ".nxdrive", info.Name)
	}
}

func TestMutationHookSeesWrites(t *testing.T) {
	var touched []string
	c, ws := newTestClient(t, WithMutationHook(func(abs string) {
		touched = append(touched, abs)
	}))

	require.NoError(t, c.MakeFile("/h.txt", bytes.NewReader([]byte("x"))))
	assert.Contains(t, touched, ws.AbsPath("/h.txt"))
}
