package engine

import (
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"
)

// ConflictResolution selects how a conflicted pair is settled. Conflicts are
// never resolved automatically; one of these must be chosen by the user.
type ConflictResolution string

const (
	KeepLocal  ConflictResolution = "keep_local"
	KeepRemote ConflictResolution = "keep_remote"
	KeepBoth   ConflictResolution = "keep_both"
)

// ConflictCopyName disambiguates the surviving local copy when both versions
// are kept, e.g. "report.docx" becomes "report (copy from carol-laptop).docx".
func ConflictCopyName(name, device string) string {
	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if device == "" {
		return base + " (copy)" + ext
	}
	return fmt.Sprintf("%s (copy from %s)%s", base, device, ext)
}

// ResolveConflict settles a conflicted pair. KeepLocal uploads the local
// version over the remote one, KeepRemote downloads the remote version over
// the local one, KeepBoth renames the local file aside as a new item and
// re-downloads the remote version at the original path.
func (e *Engine) ResolveConflict(id string, res ConflictResolution) error {
	p, err := e.store.GetByID(id)
	if err != nil {
		return err
	}
	if p == nil {
		return fmt.Errorf("no pair with id %s", id)
	}
	if p.PairState != PairConflicted {
		return fmt.Errorf("pair %s is %s, not conflicted", id, p.PairState)
	}

	switch res {
	case KeepLocal:
		p.LocalState = SideModified
		p.RemoteState = SideSynchronized
	case KeepRemote:
		p.LocalState = SideSynchronized
		p.RemoteState = SideModified
	case KeepBoth:
		return e.resolveKeepBoth(p)
	default:
		return fmt.Errorf("unknown resolution %q", res)
	}

	p.Transition()
	if err := e.store.Update(p); err != nil {
		return err
	}
	e.qm.Admit(p)
	slog.Info("conflict resolved", "path", p.LocalPath, "resolution", res)
	return nil
}

func (e *Engine) resolveKeepBoth(p *Pair) error {
	if p.Folderish {
		return fmt.Errorf("keep both applies to files; resolve a folder conflict by keeping one side")
	}
	if !e.local.Exists(p.LocalPath) {
		return fmt.Errorf("local copy of %s is gone, keep the remote side instead", p.LocalPath)
	}

	copyName := ConflictCopyName(p.LocalName, e.cfg.DeviceName)
	newPath, err := e.local.Rename(p.LocalPath, copyName)
	if err != nil {
		return fmt.Errorf("failed to set aside local copy: %w", err)
	}
	e.local.RemoveRemoteID(newPath)

	// the renamed copy becomes a fresh item to upload
	dup, err := e.store.UpsertLocal(newPath, LocalAttrs{
		Digest:   p.LocalDigest,
		Modified: time.Now(),
	})
	if err != nil {
		return err
	}
	e.qm.Admit(dup)

	// the original pair re-downloads the remote version at its path
	p.LocalDigest = ""
	p.LocalState = SideUnknown
	p.RemoteState = SideCreated
	p.Transition()
	if err := e.store.Update(p); err != nil {
		return err
	}
	e.qm.Admit(p)

	slog.Info("conflict resolved keeping both", "path", p.LocalPath, "copy", newPath)
	return nil
}
