package engine

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/jresende/nuxeo-drive/internal/utils"
)

// FilterTable holds the path prefixes excluded from synchronization. The
// stored set is kept minimal: no two entries are ever in an
// ancestor/descendant relationship. The set is persisted through the state
// store and cached in memory; every change event is checked against it before
// entering the reconciler.
type FilterTable struct {
	store   *StateStore
	filters map[string]struct{}
	mu      sync.RWMutex
}

// NewFilterTable creates a table backed by the given store and loads the
// persisted set.
func NewFilterTable(store *StateStore) (*FilterTable, error) {
	ft := &FilterTable{
		store:   store,
		filters: make(map[string]struct{}),
	}
	paths, err := store.GetFilters()
	if err != nil {
		return nil, err
	}
	for _, p := range paths {
		ft.filters[utils.NormPath(p)] = struct{}{}
	}
	return ft, nil
}

// Add inserts a filter prefix. Existing entries equal to or under the new
// prefix become redundant and are dropped; adding a prefix already covered by
// an ancestor filter is a no-op.
func (ft *FilterTable) Add(path string) error {
	path = utils.NormPath(path)

	ft.mu.Lock()
	defer ft.mu.Unlock()

	for existing := range ft.filters {
		if utils.IsAncestorPath(existing, path) {
			// already covered
			return nil
		}
	}

	for existing := range ft.filters {
		if utils.IsAncestorPath(path, existing) {
			delete(ft.filters, existing)
		}
	}
	ft.filters[path] = struct{}{}

	slog.Info("filter added", "path", path, "active", len(ft.filters))
	return ft.persist()
}

// Remove deletes a filter prefix and any filters under it. Removing a prefix
// with no matching entries is a no-op and leaves unrelated filters alone.
func (ft *FilterTable) Remove(path string) error {
	path = utils.NormPath(path)

	ft.mu.Lock()
	defer ft.mu.Unlock()

	removed := false
	for existing := range ft.filters {
		if utils.IsAncestorPath(path, existing) {
			delete(ft.filters, existing)
			removed = true
		}
	}
	if !removed {
		return nil
	}

	slog.Info("filter removed", "path", path, "active", len(ft.filters))
	return ft.persist()
}

// IsFiltered reports whether the path is excluded: some stored filter is the
// path itself or one of its ancestors.
func (ft *FilterTable) IsFiltered(path string) bool {
	path = utils.NormPath(path)

	ft.mu.RLock()
	defer ft.mu.RUnlock()

	for filter := range ft.filters {
		if utils.IsAncestorPath(filter, path) {
			return true
		}
	}
	return false
}

// List returns the active filter prefixes, sorted.
func (ft *FilterTable) List() []string {
	ft.mu.RLock()
	defer ft.mu.RUnlock()

	paths := make([]string, 0, len(ft.filters))
	for p := range ft.filters {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// persist must be called with the lock held.
func (ft *FilterTable) persist() error {
	paths := make([]string, 0, len(ft.filters))
	for p := range ft.filters {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return ft.store.ReplaceFilters(paths)
}
