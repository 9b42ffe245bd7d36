package engine

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *StateStore {
	t.Helper()
	store := NewStateStore(":memory:")
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStateStorePersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "pairs.db")

	store := NewStateStore(dbPath)
	require.NoError(t, store.Open())
	pair, err := store.UpsertLocal("/notes.txt", LocalAttrs{Digest: "d1", Modified: time.Now()})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	store = NewStateStore(dbPath)
	require.NoError(t, store.Open())
	defer store.Close()

	got, err := store.GetByID(pair.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/notes.txt", got.LocalPath)
	assert.Equal(t, "d1", got.LocalDigest)
	assert.Equal(t, PairLocallyCreated, got.PairState)
}

func TestStateStoreLookups(t *testing.T) {
	store := newTestStore(t)

	pair, err := store.UpsertLocal("/a/b.txt", LocalAttrs{Digest: "d", Modified: time.Now()})
	require.NoError(t, err)
	pair.RemoteRef = "doc-1"
	require.NoError(t, store.Update(pair))

	byPath, err := store.GetByLocalPath("/a/b.txt")
	require.NoError(t, err)
	require.NotNil(t, byPath)
	assert.Equal(t, pair.ID, byPath.ID)

	byRef, err := store.GetByRemoteRef("doc-1")
	require.NoError(t, err)
	require.NotNil(t, byRef)
	assert.Equal(t, pair.ID, byRef.ID)

	missing, err := store.GetByLocalPath("/nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStateStoreMarkError(t *testing.T) {
	store := newTestStore(t)
	pair, err := store.UpsertLocal("/f.txt", LocalAttrs{Digest: "d", Modified: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.MarkError(pair.ID, "connection reset"))
	require.NoError(t, store.MarkError(pair.ID, "connection reset"))

	got, err := store.GetByID(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ErrorCount)
	assert.Equal(t, "connection reset", got.LastError)
	// transient failures never change the derived state
	assert.Equal(t, PairLocallyCreated, got.PairState)

	errored, err := store.ListErrored()
	require.NoError(t, err)
	require.Len(t, errored, 1)
	assert.Equal(t, pair.ID, errored[0].ID)
}

func TestStateStoreMarkUnsynchronized(t *testing.T) {
	store := newTestStore(t)
	pair, err := store.UpsertLocal("/f.txt", LocalAttrs{Digest: "d", Modified: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.MarkUnsynchronized(pair.ID, "forbidden"))
	got, err := store.GetByID(pair.ID)
	require.NoError(t, err)
	assert.Equal(t, PairUnsynchronized, got.PairState)
	assert.Equal(t, "forbidden", got.LastError)

	assert.Error(t, store.MarkUnsynchronized("no-such-id", "x"))
}

func TestStateStoreReparentSubtree(t *testing.T) {
	store := newTestStore(t)

	seed := func(path string, folderish bool) *Pair {
		p, err := store.UpsertLocal(path, LocalAttrs{Folderish: folderish, Modified: time.Now()})
		require.NoError(t, err)
		return p
	}
	seed("/old", true)
	childFile := seed("/old/a.txt", false)
	seed("/old/sub", true)
	deep := seed("/old/sub/b.txt", false)
	outside := seed("/older/c.txt", false)

	require.NoError(t, store.ReparentSubtree("/old", "/new"))

	got, err := store.GetByID(childFile.ID)
	require.NoError(t, err)
	assert.Equal(t, "/new/a.txt", got.LocalPath)
	assert.Equal(t, "/new", got.LocalParentPath)
	// states and digests ride along untouched
	assert.Equal(t, PairLocallyCreated, got.PairState)

	got, err = store.GetByID(deep.ID)
	require.NoError(t, err)
	assert.Equal(t, "/new/sub/b.txt", got.LocalPath)
	assert.Equal(t, "/new/sub", got.LocalParentPath)

	// the sibling sharing a name prefix is untouched
	got, err = store.GetByID(outside.ID)
	require.NoError(t, err)
	assert.Equal(t, "/older/c.txt", got.LocalPath)
}

func TestStateStoreDeleteSubtree(t *testing.T) {
	store := newTestStore(t)
	for _, p := range []string{"/d", "/d/x.txt", "/d/sub", "/d/sub/y.txt"} {
		_, err := store.UpsertLocal(p, LocalAttrs{Modified: time.Now()})
		require.NoError(t, err)
	}
	keep, err := store.UpsertLocal("/docs/z.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.DeleteSubtree("/d"))

	for _, p := range []string{"/d", "/d/x.txt", "/d/sub/y.txt"} {
		got, err := store.GetByLocalPath(p)
		require.NoError(t, err)
		assert.Nil(t, got, p)
	}
	got, err := store.GetByID(keep.ID)
	require.NoError(t, err)
	assert.NotNil(t, got)
}

func TestStateStoreListPendingOrder(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertLocal("/z/deep/file.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)
	_, err = store.UpsertLocal("/z", LocalAttrs{Folderish: true, Modified: time.Now()})
	require.NoError(t, err)
	_, err = store.UpsertLocal("/a.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)
	_, err = store.UpsertLocal("/z/deep", LocalAttrs{Folderish: true, Modified: time.Now()})
	require.NoError(t, err)

	pending, err := store.ListPending()
	require.NoError(t, err)
	require.Len(t, pending, 4)

	var paths []string
	for _, p := range pending {
		paths = append(paths, p.LocalPath)
	}
	// folders first, shallow before deep, then files
	assert.Equal(t, []string{"/z", "/z/deep", "/a.txt", "/z/deep/file.txt"}, paths)
}

func TestStateStoreQuarantine(t *testing.T) {
	store := newTestStore(t)
	folder, err := store.UpsertLocal("/bad", LocalAttrs{Folderish: true, Modified: time.Now()})
	require.NoError(t, err)
	child, err := store.UpsertLocal("/bad/x.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)

	require.NoError(t, store.Quarantine("/bad", "missing parent"))

	for _, id := range []string{folder.ID, child.ID} {
		got, err := store.GetByID(id)
		require.NoError(t, err)
		assert.True(t, got.Quarantined)
		assert.Equal(t, "missing parent", got.LastError)
	}

	pending, err := store.ListPending()
	require.NoError(t, err)
	assert.Empty(t, pending)

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, counts.Quarantined)
	assert.Zero(t, counts.Pending)
}

func TestStateStoreCounts(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UpsertLocal("/p.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)

	conflicted, err := store.UpsertLocal("/c.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)
	conflicted.MarkConflicted()
	require.NoError(t, store.Update(conflicted))

	parked, err := store.UpsertLocal("/u.txt", LocalAttrs{Modified: time.Now()})
	require.NoError(t, err)
	require.NoError(t, store.MarkUnsynchronized(parked.ID, "nope"))

	counts, err := store.Counts()
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	assert.Equal(t, 1, counts.Conflicted)
	assert.Equal(t, 1, counts.Errored)
}

func TestStateStoreMeta(t *testing.T) {
	store := newTestStore(t)

	v, err := store.GetMeta("remote_cursor")
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, store.SetMeta("remote_cursor", "12345"))
	require.NoError(t, store.SetMeta("remote_cursor", "12346"))

	v, err = store.GetMeta("remote_cursor")
	require.NoError(t, err)
	assert.Equal(t, "12346", v)
}

func TestStateStoreUniqueLocalPath(t *testing.T) {
	store := newTestStore(t)

	// two unclaimed pairs may coexist with empty local paths
	for _, ref := range []string{"doc-1", "doc-2"} {
		p := &Pair{ID: newPairID(), RemoteRef: ref, RemoteState: SideCreated, LocalState: SideUnknown}
		p.Transition()
		require.NoError(t, store.Update(p))
	}

	pairs, err := store.ListByState(PairRemotelyCreated)
	require.NoError(t, err)
	assert.Len(t, pairs, 2)
}

func TestStateStoreReparentSubtreeNonASCII(t *testing.T) {
	store := newTestStore(t)

	seed := func(path string, folderish bool) *Pair {
		p, err := store.UpsertLocal(path, LocalAttrs{Folderish: folderish, Modified: time.Now()})
		require.NoError(t, err)
		return p
	}
	seed("/héllo", true)
	child := seed("/héllo/a.txt", false)
	seed("/héllo/piñata", true)
	deep := seed("/héllo/piñata/b.txt", false)

	require.NoError(t, store.ReparentSubtree("/héllo", "/wörld"))

	got, err := store.GetByID(child.ID)
	require.NoError(t, err)
	assert.Equal(t, "/wörld/a.txt", got.LocalPath)
	assert.Equal(t, "/wörld", got.LocalParentPath)

	got, err = store.GetByID(deep.ID)
	require.NoError(t, err)
	assert.Equal(t, "/wörld/piñata/b.txt", got.LocalPath)
	assert.Equal(t, "/wörld/piñata", got.LocalParentPath)
}

func TestStateStoreUpdateRefusesPathCollision(t *testing.T) {
	store := newTestStore(t)

	occupant, err := store.UpsertLocal("/taken.txt", LocalAttrs{Digest: "aa", Modified: time.Now()})
	require.NoError(t, err)
	mover, err := store.UpsertLocal("/free.txt", LocalAttrs{Digest: "bb", Modified: time.Now()})
	require.NoError(t, err)

	mover.LocalPath = "/taken.txt"
	assert.Error(t, store.Update(mover))

	// the occupant row survives the refused write
	got, err := store.GetByID(occupant.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/taken.txt", got.LocalPath)

	got, err = store.GetByID(mover.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/free.txt", got.LocalPath)
}
