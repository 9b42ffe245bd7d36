package engine

import (
	"context"
	"log/slog"
	"time"
)

const metaInitialScan = "initial_scan"

// initialScan seeds the ledger on the first run against trees that already
// carry content on both sides: items matching by name and digest converge to
// synchronized without any transfer, one-sided items are scheduled as
// creations. Runs with dispatch paused so the remote pass can bind local twins
// before any upload starts. Idempotent until the completion flag is set.
func (e *Engine) initialScan(ctx context.Context) error {
	done, err := e.store.GetMeta(metaInitialScan)
	if err != nil {
		return err
	}
	if done != "" {
		return nil
	}

	slog.Info("first run, scanning local and remote trees")
	if err := e.scanLocalTree("/"); err != nil {
		return err
	}
	if err := e.scanRemoteTree(ctx, ""); err != nil {
		return err
	}
	return e.store.SetMeta(metaInitialScan, time.Now().UTC().Format(time.RFC3339))
}

func (e *Engine) scanLocalTree(path string) error {
	if !e.local.Exists(path) {
		return nil
	}
	children, err := e.local.GetChildrenInfo(path)
	if err != nil {
		return err
	}

	for _, c := range children {
		ev := LocalEvent{
			Path:      c.Path,
			Kind:      ChangeCreated,
			Modified:  c.Modified,
			Folderish: c.Folderish,
		}
		if !c.Folderish {
			digest, err := e.local.Digest(c.Path)
			if err != nil {
				slog.Warn("scan skipping unreadable file", "path", c.Path, "error", err)
				continue
			}
			ev.Digest = digest
		}
		if err := e.rec.HandleLocalEvent(ev); err != nil {
			slog.Warn("scan local entry rejected", "path", c.Path, "error", err)
		}
		if c.Folderish {
			if err := e.scanLocalTree(c.Path); err != nil {
				return err
			}
		}
	}
	return nil
}

// scanRemoteTree walks the repository top-down so parent pairs are
// materialized before their children resolve local paths against them.
func (e *Engine) scanRemoteTree(ctx context.Context, ref string) error {
	children, err := e.remote.GetChildren(ctx, ref)
	if err != nil {
		return err
	}

	for _, info := range children {
		ev := RemoteEvent{
			Ref:       info.Ref,
			Kind:      ChangeCreated,
			ParentRef: info.ParentRef,
			Name:      info.Name,
			Digest:    info.Digest,
			Modified:  info.Modified,
			Folderish: info.Folderish,
			CanRename: info.CanRename,
			CanDelete: info.CanDelete,
			CanUpdate: info.CanUpdate,
		}
		if ev.ParentRef == "" {
			ev.ParentRef = ref
		}
		if err := e.rec.HandleRemoteEvent(ev); err != nil {
			slog.Warn("scan remote entry rejected", "ref", info.Ref, "error", err)
		}
		if info.Folderish {
			if err := e.scanRemoteTree(ctx, info.Ref); err != nil {
				return err
			}
		}
	}
	return nil
}
