package engine

import (
	"fmt"
	"log/slog"

	"github.com/jresende/nuxeo-drive/internal/utils"
)

// ReadyFunc receives pairs that became actionable and should be scheduled.
type ReadyFunc func(*Pair)

// Reconciler consumes local and remote change events, maintains pair side
// states and derives pair_state through the transition function. It never
// performs I/O against the remote; capability reverts only touch the local
// tree.
type Reconciler struct {
	store   *StateStore
	filters *FilterTable
	ignore  *IgnoreList
	local   LocalClient
	ready   ReadyFunc
}

func NewReconciler(store *StateStore, filters *FilterTable, ignore *IgnoreList, local LocalClient, ready ReadyFunc) *Reconciler {
	return &Reconciler{
		store:   store,
		filters: filters,
		ignore:  ignore,
		local:   local,
		ready:   ready,
	}
}

// admissible checks the path against the filter table and the ignore list.
func (r *Reconciler) admissible(path string) bool {
	if r.filters.IsFiltered(path) {
		slog.Debug("event filtered", "path", path)
		return false
	}
	if r.ignore.ShouldIgnore(path) {
		slog.Debug("event ignored", "path", path)
		return false
	}
	return true
}

// emit persists the pair and hands it to the scheduler when actionable.
func (r *Reconciler) emit(p *Pair) error {
	if err := r.store.Update(p); err != nil {
		return err
	}
	if p.Quarantined || p.PairState.Terminal() {
		return nil
	}
	if p.LocalPath != "" && r.filters.IsFiltered(p.LocalPath) {
		return nil
	}
	if r.ready != nil {
		r.ready(p)
	}
	return nil
}

// HandleLocalEvent folds one local filesystem observation into the ledger.
func (r *Reconciler) HandleLocalEvent(ev LocalEvent) error {
	path := utils.NormPath(ev.Path)
	if !r.admissible(path) {
		return nil
	}

	switch ev.Kind {
	case ChangeCreated, ChangeModified:
		return r.localUpsert(path, ev)
	case ChangeMoved:
		return r.localMove(ev)
	case ChangeDeleted:
		return r.localDelete(path)
	default:
		return fmt.Errorf("unknown local event kind %q", ev.Kind)
	}
}

func (r *Reconciler) localUpsert(path string, ev LocalEvent) error {
	pair, err := r.store.GetByLocalPath(path)
	if err != nil {
		return err
	}

	if pair == nil {
		pair = &Pair{
			ID:              newPairID(),
			LocalPath:       path,
			LocalParentPath: utils.ParentPath(path),
			LocalName:       utils.BaseName(path),
			LocalState:      SideCreated,
			RemoteState:     SideUnknown,
			Folderish:       ev.Folderish,
			RemoteCanRename: true,
			RemoteCanDelete: true,
			RemoteCanUpdate: true,
		}
	} else {
		switch pair.LocalState {
		case SideSynchronized, SideUnknown:
			pair.LocalState = SideModified
		case SideCreated:
			// still unsynced, stays created
		default:
			pair.LocalState = SideModified
		}
		if ev.Kind == ChangeCreated && pair.LocalState == SideModified && pair.RemoteRef == "" {
			pair.LocalState = SideCreated
		}
	}

	pair.LocalDigest = ev.Digest
	pair.LocalModified = ev.Modified

	// a local write the repository forbids is reverted, not uploaded: the
	// remote side wins and the pair stays synchronized
	if pair.RemoteRef != "" && !pair.RemoteCanUpdate && pair.LocalState == SideModified {
		slog.Info("reverting forbidden local edit", "path", path)
		pair.LocalState = SideUnknown
		pair.RemoteState = SideModified
		pair.Transition()
		return r.emit(pair)
	}

	// local edit landing on the same content as the remote needs no transfer
	if pair.LocalState == SideModified && !pair.Folderish && pair.LocalDigest == pair.RemoteDigest {
		pair.MarkBothSynchronized()
		return r.store.Update(pair)
	}

	pair.Transition()
	r.checkNameCollision(pair)
	return r.emit(pair)
}

func (r *Reconciler) localMove(ev LocalEvent) error {
	oldPath := utils.NormPath(ev.OldPath)
	newPath := utils.NormPath(ev.Path)

	pair, err := r.store.GetByLocalPath(oldPath)
	if err != nil {
		return err
	}
	if pair == nil {
		// no ledger entry for the source: treat as a plain create
		return r.localUpsert(newPath, LocalEvent{
			Path: newPath, Kind: ChangeCreated,
			Digest: ev.Digest, Modified: ev.Modified, Folderish: ev.Folderish,
		})
	}

	// moving into a filtered subtree equals a local delete of the synced copy
	if r.filters.IsFiltered(newPath) {
		return r.localDelete(oldPath)
	}

	rename := utils.ParentPath(oldPath) == utils.ParentPath(newPath)
	if pair.RemoteRef != "" && rename && !pair.RemoteCanRename {
		// the repository forbids renaming this document: silently undo
		if _, err := r.local.Rename(newPath, utils.BaseName(oldPath)); err != nil {
			return fmt.Errorf("revert forbidden rename of %s: %w", oldPath, err)
		}
		slog.Info("reverted forbidden local rename", "path", oldPath)
		pair.MarkBothSynchronized()
		return r.store.Update(pair)
	}

	// the move landed on a path another pair already claims: on disk the
	// overwrite replaced the occupant's file, so the occupant loses its
	// local claim but keeps its remote identity for later resolution
	occupant, err := r.store.GetByLocalPath(newPath)
	if err != nil {
		return err
	}
	if occupant != nil && occupant.ID != pair.ID {
		if occupant.RemoteRef == "" {
			// never synced and its file is gone: nothing left to keep
			if err := r.store.Delete(occupant.ID); err != nil {
				return err
			}
		} else {
			slog.Warn("local move overwrote a tracked path",
				"path", newPath, "ref", occupant.RemoteRef)
			occupant.LocalPath = ""
			occupant.LocalParentPath = ""
			occupant.LocalName = ""
			occupant.LocalDigest = ""
			occupant.MarkConflicted()
			if err := r.store.Update(occupant); err != nil {
				return err
			}
		}
	}

	if pair.Folderish {
		// one transaction rewrites the subtree; descendant states are
		// untouched so the move preserves content identity
		if err := r.store.ReparentSubtree(oldPath, newPath); err != nil {
			return err
		}
		pair, err = r.store.GetByLocalPath(newPath)
		if err != nil {
			return err
		}
		if pair == nil {
			return fmt.Errorf("pair vanished during reparent of %s", oldPath)
		}
	} else {
		pair.LocalPath = newPath
		pair.LocalParentPath = utils.ParentPath(newPath)
		pair.LocalName = utils.BaseName(newPath)
	}

	if pair.RemoteRef == "" {
		// never synced: a move of an unsynced item is still a create
		pair.LocalState = SideCreated
	} else {
		pair.LocalState = SideMoved
	}
	pair.Transition()
	r.checkNameCollision(pair)
	if err := r.emit(pair); err != nil {
		return err
	}
	return r.reclaimPath(oldPath)
}

func (r *Reconciler) localDelete(path string) error {
	pair, err := r.store.GetByLocalPath(path)
	if err != nil {
		return err
	}
	if pair == nil {
		return nil
	}

	if pair.Folderish {
		descendants, err := r.store.GetDescendants(path)
		if err != nil {
			return err
		}
		for _, child := range descendants {
			if err := r.markLocalDeleted(child); err != nil {
				return err
			}
		}
	}
	if err := r.markLocalDeleted(pair); err != nil {
		return err
	}
	return r.reclaimPath(path)
}

func (r *Reconciler) markLocalDeleted(pair *Pair) error {
	if pair.RemoteRef == "" {
		// created and deleted before ever reaching the remote
		return r.store.Delete(pair.ID)
	}
	pair.LocalState = SideDeleted
	if pair.Transition() == PairDeleted {
		return r.store.Delete(pair.ID)
	}
	return r.emit(pair)
}

// HandleRemoteEvent folds one audit feed entry into the ledger.
func (r *Reconciler) HandleRemoteEvent(ev RemoteEvent) error {
	switch ev.Kind {
	case ChangeCreated, ChangeModified:
		return r.remoteUpsert(ev)
	case ChangeMoved:
		return r.remoteMove(ev)
	case ChangeDeleted:
		return r.remoteDelete(ev)
	default:
		return fmt.Errorf("unknown remote event kind %q", ev.Kind)
	}
}

// intendedLocalPath computes where a remote item belongs in the local tree.
func (r *Reconciler) intendedLocalPath(parentRef, name string) (string, error) {
	if parentRef == "" {
		return utils.NormPath("/" + name), nil
	}
	parent, err := r.store.GetByRemoteRef(parentRef)
	if err != nil {
		return "", err
	}
	if parent == nil || parent.LocalPath == "" {
		// parent not materialized yet; the item anchors at the root until
		// the parent pair claims its path
		return utils.NormPath("/" + name), nil
	}
	return utils.NormPath(parent.LocalPath + "/" + name), nil
}

func (r *Reconciler) applyRemoteAttrs(pair *Pair, ev RemoteEvent) {
	pair.RemoteParentRef = ev.ParentRef
	pair.RemoteName = ev.Name
	pair.RemoteDigest = ev.Digest
	pair.RemoteModified = ev.Modified
	pair.RemoteCanRename = ev.CanRename
	pair.RemoteCanDelete = ev.CanDelete
	pair.RemoteCanUpdate = ev.CanUpdate
}

func (r *Reconciler) remoteUpsert(ev RemoteEvent) error {
	pair, err := r.store.GetByRemoteRef(ev.Ref)
	if err != nil {
		return err
	}

	intended, err := r.intendedLocalPath(ev.ParentRef, ev.Name)
	if err != nil {
		return err
	}
	if r.filters.IsFiltered(intended) || r.ignore.ShouldIgnore(intended) {
		if pair != nil {
			return r.store.Delete(pair.ID)
		}
		return nil
	}

	if pair == nil {
		occupant, err := r.store.GetByLocalPath(intended)
		if err != nil {
			return err
		}
		if occupant != nil && occupant.RemoteRef == "" && occupant.Folderish == ev.Folderish {
			// a never-synced local item with the same path: bind the two
			// sides into one pair instead of duplicating
			pair = occupant
			pair.RemoteRef = ev.Ref
			r.applyRemoteAttrs(pair, ev)
			if pair.Folderish || pair.LocalDigest == ev.Digest {
				pair.MarkBothSynchronized()
				return r.store.Update(pair)
			}
			pair.RemoteState = SideModified
			pair.Transition()
			return r.emit(pair)
		}

		pair = &Pair{
			ID:          newPairID(),
			RemoteRef:   ev.Ref,
			LocalState:  SideUnknown,
			RemoteState: SideCreated,
			Folderish:   ev.Folderish,
		}
		r.applyRemoteAttrs(pair, ev)

		if occupant != nil {
			// duplicate roots: two distinct remote items resolving to the
			// same local name stay side by side, both flagged conflicted
			slog.Warn("duplicate local name for distinct remote items",
				"path", intended, "ref", ev.Ref, "occupantRef", occupant.RemoteRef)
			occupant.MarkConflicted()
			if err := r.store.Update(occupant); err != nil {
				return err
			}
			pair.LocalName = ev.Name
			pair.MarkConflicted()
			return r.store.Update(pair)
		}

		pair.LocalPath = intended
		pair.LocalParentPath = utils.ParentPath(intended)
		pair.LocalName = utils.BaseName(intended)
		pair.Transition()
		return r.emit(pair)
	}

	r.applyRemoteAttrs(pair, ev)
	switch pair.RemoteState {
	case SideSynchronized, SideUnknown:
		pair.RemoteState = SideModified
	case SideCreated:
		// still undownloaded, stays created
	default:
		pair.RemoteState = SideModified
	}

	// remote edit matching the local content needs no transfer
	if pair.RemoteState == SideModified && !pair.Folderish && pair.LocalDigest == pair.RemoteDigest {
		pair.MarkBothSynchronized()
		return r.store.Update(pair)
	}

	pair.Transition()
	r.checkNameCollision(pair)
	return r.emit(pair)
}

func (r *Reconciler) remoteMove(ev RemoteEvent) error {
	pair, err := r.store.GetByRemoteRef(ev.Ref)
	if err != nil {
		return err
	}
	if pair == nil {
		return r.remoteUpsert(RemoteEvent{
			Ref: ev.Ref, Kind: ChangeCreated, ParentRef: ev.ParentRef,
			Name: ev.Name, Digest: ev.Digest, Modified: ev.Modified,
			Folderish: ev.Folderish,
			CanRename: ev.CanRename, CanDelete: ev.CanDelete, CanUpdate: ev.CanUpdate,
		})
	}

	wasConflicted := pair.PairState == PairConflicted
	oldPath := pair.LocalPath
	r.applyRemoteAttrs(pair, ev)

	intended, err := r.intendedLocalPath(ev.ParentRef, ev.Name)
	if err != nil {
		return err
	}
	if r.filters.IsFiltered(intended) {
		// moved under an excluded subtree: drop the local copy
		pair.RemoteState = SideDeleted
		pair.Transition()
		return r.emit(pair)
	}

	if pair.LocalPath == "" {
		// an unclaimed duplicate-root pair may claim its new name now
		occupant, err := r.store.GetByLocalPath(intended)
		if err != nil {
			return err
		}
		if occupant == nil {
			pair.LocalPath = intended
			pair.LocalParentPath = utils.ParentPath(intended)
			pair.LocalName = utils.BaseName(intended)
			pair.RemoteState = SideCreated
			pair.Transition()
			return r.emit(pair)
		}
		pair.MarkConflicted()
		return r.store.Update(pair)
	}

	pair.RemoteState = SideMoved
	pair.Transition()
	r.checkNameCollision(pair)
	if !wasConflicted && pair.PairState == PairConflicted {
		return r.store.Update(pair)
	}
	if err := r.emit(pair); err != nil {
		return err
	}
	if oldPath != "" && oldPath != intended {
		return r.reclaimPath(oldPath)
	}
	return nil
}

func (r *Reconciler) remoteDelete(ev RemoteEvent) error {
	pair, err := r.store.GetByRemoteRef(ev.Ref)
	if err != nil {
		return err
	}
	if pair == nil {
		return nil
	}

	if pair.Folderish && pair.LocalPath != "" {
		descendants, err := r.store.GetDescendants(pair.LocalPath)
		if err != nil {
			return err
		}
		for _, child := range descendants {
			if err := r.markRemoteDeleted(child); err != nil {
				return err
			}
		}
	}
	freed := pair.LocalPath
	if err := r.markRemoteDeleted(pair); err != nil {
		return err
	}
	if freed != "" {
		return r.reclaimPath(freed)
	}
	return nil
}

func (r *Reconciler) markRemoteDeleted(pair *Pair) error {
	if pair.LocalPath == "" {
		// unclaimed pair (duplicate root): nothing local to remove
		return r.store.Delete(pair.ID)
	}
	pair.RemoteState = SideDeleted
	if pair.Transition() == PairDeleted {
		return r.store.Delete(pair.ID)
	}
	return r.emit(pair)
}

// checkNameCollision forces conflicted when another pair claims the same
// local path with a different remote identity.
func (r *Reconciler) checkNameCollision(pair *Pair) {
	if pair.LocalPath == "" {
		return
	}
	occupant, err := r.store.GetByLocalPath(pair.LocalPath)
	if err != nil || occupant == nil || occupant.ID == pair.ID {
		return
	}
	if occupant.RemoteRef != pair.RemoteRef {
		pair.MarkConflicted()
	}
}

// ReclaimPath re-checks a local path that may have become free, e.g. after a
// deletion landed on disk. Called by the engine when the queue manager frees
// a path.
func (r *Reconciler) ReclaimPath(path string) error {
	return r.reclaimPath(utils.NormPath(path))
}

// reclaimPath re-evaluates conflicted pairs that were waiting for a local
// path to become free (the duplicate-root rule): the first claimant converges
// back to its derived state and is rescheduled.
func (r *Reconciler) reclaimPath(path string) error {
	occupant, err := r.store.GetByLocalPath(path)
	if err != nil || occupant != nil {
		return err
	}

	conflicted, err := r.store.ListByState(PairConflicted)
	if err != nil {
		return err
	}
	name := utils.BaseName(path)
	for _, p := range conflicted {
		if p.LocalPath != "" || p.RemoteName != name {
			continue
		}
		intended, err := r.intendedLocalPath(p.RemoteParentRef, p.RemoteName)
		if err != nil {
			return err
		}
		if intended != path {
			continue
		}
		p.LocalPath = intended
		p.LocalParentPath = utils.ParentPath(intended)
		p.LocalName = utils.BaseName(intended)
		p.RemoteState = SideCreated
		p.LocalState = SideUnknown
		p.Transition()
		slog.Info("reclaimed freed path for conflicted pair", "path", path, "ref", p.RemoteRef)
		return r.emit(p)
	}
	return nil
}

// ApplyFilter removes the ledger entries under a freshly excluded subtree.
// The local files stay on disk; they simply stop being synchronized.
func (r *Reconciler) ApplyFilter(path string) error {
	path = utils.NormPath(path)
	if err := r.store.DeleteSubtree(path); err != nil {
		return err
	}
	slog.Info("filter applied, subtree unsynced", "path", path)
	return nil
}
