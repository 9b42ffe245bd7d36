package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rjeczalik/notify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/utils"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

// newTestWatcher wires the translation pipeline without the OS notification
// source, so raw events can be injected deterministically.
func newTestWatcher(t *testing.T) (*Watcher, *workspace.Workspace) {
	t.Helper()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, ws.Setup())
	t.Cleanup(func() { ws.Unlock() })

	w := New(ws, func(treePath string) (string, error) {
		return utils.FileDigest(ws.AbsPath(treePath))
	})
	w.SetDebounceTimeout(10 * time.Millisecond)
	w.SetMoveWindow(50 * time.Millisecond)
	w.events = make(chan engine.LocalEvent, eventBufferSize)
	return w, ws
}

func nextEvent(t *testing.T, w *Watcher) engine.LocalEvent {
	t.Helper()
	select {
	case ev := <-w.events:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return engine.LocalEvent{}
	}
}

func noEvent(t *testing.T, w *Watcher, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-w.events:
		t.Fatalf("unexpected event %s %s", ev.Kind, ev.Path)
	case <-time.After(wait):
	}
}

func writeFile(t *testing.T, ws *workspace.Workspace, treePath, content string) string {
	t.Helper()
	abs := ws.AbsPath(treePath)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func TestWatcherCreateEventCarriesDigest(t *testing.T) {
	w, ws := newTestWatcher(t)
	abs := writeFile(t, ws, "/hello.txt", "hello")

	w.handleRaw(abs, notify.Create)

	ev := nextEvent(t, w)
	assert.Equal(t, engine.ChangeCreated, ev.Kind)
	assert.Equal(t, "/hello.txt", ev.Path)
	assert.Equal(t, "5d41402abc4b2a76b9719d911017c592", ev.Digest)
	assert.False(t, ev.Folderish)
}

func TestWatcherFolderCreate(t *testing.T) {
	w, ws := newTestWatcher(t)
	abs := ws.AbsPath("/docs")
	require.NoError(t, os.Mkdir(abs, 0o755))

	w.handleRaw(abs, notify.Create)

	ev := nextEvent(t, w)
	assert.Equal(t, engine.ChangeCreated, ev.Kind)
	assert.True(t, ev.Folderish)
	assert.Empty(t, ev.Digest)
}

func TestWatcherDebouncesWriteBursts(t *testing.T) {
	w, ws := newTestWatcher(t)
	abs := writeFile(t, ws, "/big.bin", "chunk")

	// a landing file produces a burst of write notifications
	for range 10 {
		w.handleRaw(abs, notify.Write)
	}

	ev := nextEvent(t, w)
	assert.Equal(t, engine.ChangeModified, ev.Kind)
	assert.Equal(t, "/big.bin", ev.Path)
	noEvent(t, w, 100*time.Millisecond)
}

func TestWatcherRemoveBecomesDelete(t *testing.T) {
	w, ws := newTestWatcher(t)

	w.handleRaw(ws.AbsPath("/gone.txt"), notify.Remove)

	ev := nextEvent(t, w)
	assert.Equal(t, engine.ChangeDeleted, ev.Kind)
	assert.Equal(t, "/gone.txt", ev.Path)
}

func TestWatcherPairsRemoveAndCreateIntoMove(t *testing.T) {
	w, ws := newTestWatcher(t)
	abs := writeFile(t, ws, "/dst/doc.txt", "dd")

	w.handleRaw(ws.AbsPath("/src/doc.txt"), notify.Rename)
	w.handleRaw(abs, notify.Rename)

	ev := nextEvent(t, w)
	assert.Equal(t, engine.ChangeMoved, ev.Kind)
	assert.Equal(t, "/src/doc.txt", ev.OldPath)
	assert.Equal(t, "/dst/doc.txt", ev.Path)
	noEvent(t, w, 150*time.Millisecond)
}

func TestWatcherIgnoreOnceSuppressesSelfInducedWrite(t *testing.T) {
	w, ws := newTestWatcher(t)
	abs := writeFile(t, ws, "/synced.txt", "dd")

	w.IgnoreOnce(abs)
	w.handleRaw(abs, notify.Write)
	noEvent(t, w, 100*time.Millisecond)

	// only the next event is suppressed
	w.handleRaw(abs, notify.Write)
	ev := nextEvent(t, w)
	assert.Equal(t, engine.ChangeModified, ev.Kind)
}

func TestWatcherSkipsMetadataDirectory(t *testing.T) {
	w, ws := newTestWatcher(t)

	w.handleRaw(filepath.Join(ws.MetadataDir, "pairs.db"), notify.Write)
	w.handleRaw(ws.AbsPath("/docs/.nxpart-123"), notify.Create)
	noEvent(t, w, 100*time.Millisecond)
}

func TestWatcherSkipsPathsOutsideRoot(t *testing.T) {
	w, _ := newTestWatcher(t)

	w.handleRaw(filepath.Join(os.TempDir(), "elsewhere.txt"), notify.Create)
	noEvent(t, w, 100*time.Millisecond)
}
