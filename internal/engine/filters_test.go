package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestFilters(t *testing.T) *FilterTable {
	t.Helper()
	store := NewStateStore(":memory:")
	require.NoError(t, store.Open())
	t.Cleanup(func() { store.Close() })

	ft, err := NewFilterTable(store)
	require.NoError(t, err)
	return ft
}

func TestFilterTableAdd(t *testing.T) {
	ft := newTestFilters(t)

	require.NoError(t, ft.Add("/Test/Plop"))
	assert.Len(t, ft.List(), 1)

	// sibling sharing a name prefix is unrelated
	require.NoError(t, ft.Add("/Test/Plop2"))
	assert.Len(t, ft.List(), 2)

	// descendant of an existing filter is a no-op
	require.NoError(t, ft.Add("/Test/Plop2/SubFolder"))
	assert.Len(t, ft.List(), 2)

	// ancestor collapses everything under it
	require.NoError(t, ft.Add("/Test"))
	assert.Equal(t, []string{"/Test"}, ft.List())
}

func TestFilterTableRemove(t *testing.T) {
	ft := newTestFilters(t)

	require.NoError(t, ft.Add("/Test/Plop"))
	require.NoError(t, ft.Add("/Test/Plop2"))

	// removing a non-existent prefix is a no-op
	require.NoError(t, ft.Remove("/Test/Plop2/SubFor"))
	assert.Len(t, ft.List(), 2)

	// removing a descendant of a stored filter leaves the ancestor alone
	require.NoError(t, ft.Add("/A"))
	require.NoError(t, ft.Remove("/A/B"))
	assert.True(t, ft.IsFiltered("/A"))

	// removing an ancestor drops every filter under it
	require.NoError(t, ft.Add("/Test2/Plop"))
	require.NoError(t, ft.Remove("/Test"))
	assert.Equal(t, []string{"/A", "/Test2/Plop"}, ft.List())
}

func TestFilterTableIsFiltered(t *testing.T) {
	ft := newTestFilters(t)

	require.NoError(t, ft.Add("/A"))
	assert.True(t, ft.IsFiltered("/A"))
	assert.True(t, ft.IsFiltered("/A/B"))
	assert.True(t, ft.IsFiltered("/A/B/c.txt"))
	assert.False(t, ft.IsFiltered("/AB"))
	assert.False(t, ft.IsFiltered("/B"))
}

func TestFilterTableNoAncestorPairsInvariant(t *testing.T) {
	ft := newTestFilters(t)

	paths := []string{"/A/B/C", "/A/B", "/D", "/A", "/D/E", "/F/G"}
	for _, p := range paths {
		require.NoError(t, ft.Add(p))
	}

	list := ft.List()
	for i, a := range list {
		for j, b := range list {
			if i == j {
				continue
			}
			assert.False(t, a == b || len(b) > len(a) && b[:len(a)] == a && b[len(a)] == '/',
				"filters %q and %q overlap", a, b)
		}
	}
	// monotonic under add
	for _, p := range paths {
		assert.True(t, ft.IsFiltered(p))
	}
}

func TestFilterTablePersistence(t *testing.T) {
	store := NewStateStore(":memory:")
	require.NoError(t, store.Open())
	defer store.Close()

	ft, err := NewFilterTable(store)
	require.NoError(t, err)
	require.NoError(t, ft.Add("/Test/Plop"))

	// a fresh table over the same store sees the persisted set
	ft2, err := NewFilterTable(store)
	require.NoError(t, err)
	assert.Equal(t, []string{"/Test/Plop"}, ft2.List())
}
