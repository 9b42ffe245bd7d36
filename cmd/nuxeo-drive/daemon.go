package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jresende/nuxeo-drive/internal/config"
	"github.com/jresende/nuxeo-drive/internal/directedit"
	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/localfs"
	"github.com/jresende/nuxeo-drive/internal/remote"
	"github.com/jresende/nuxeo-drive/internal/watcher"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

// runDaemon wires one account's sync pipeline and blocks until the context is
// cancelled: filesystem watcher feeding the engine, audit-feed polling inside
// the engine, plus the direct-edit coordinator for all configured accounts.
func runDaemon(ctx context.Context, cfg *config.Config, accountName string) error {
	account, err := pickAccount(cfg, accountName)
	if err != nil {
		return err
	}

	ws, err := workspace.New(account.LocalFolder)
	if err != nil {
		return err
	}
	if err := ws.Setup(); err != nil {
		return fmt.Errorf("workspace %s: %w", ws.Root, err)
	}
	defer ws.Unlock()

	// the watcher is created after the local client, but the client must
	// suppress watcher echo for its own writes
	var fw *watcher.Watcher
	local, err := localfs.New(ws, localfs.WithMutationHook(func(absPath string) {
		if fw != nil {
			fw.IgnoreOnce(absPath)
		}
	}))
	if err != nil {
		return err
	}
	fw = watcher.New(ws, local.Digest)

	remoteClient := remote.New(*account, cfg.DeviceID)

	eng, err := engine.New(engine.Config{
		DatabasePath: ws.DatabasePath,
		DeviceName:   cfg.DeviceName,
		Queue:        engine.DefaultQueueConfig(),
	}, local, remoteClient)
	if err != nil {
		return err
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	defer eng.Stop()

	if err := fw.Start(ctx); err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	defer fw.Stop()

	bindings := make([]directedit.Binding, 0, len(cfg.Accounts))
	for _, a := range cfg.Accounts {
		bindings = append(bindings, directedit.Binding{
			Account: a,
			Remote:  remote.New(a, cfg.DeviceID),
		})
	}
	edits := directedit.New(ws.EditCacheDir, bindings)
	edits.Start()
	defer edits.Shutdown(context.Background())

	go logStatus(ctx, eng)

	slog.Info("syncing", "root", ws.Root, "server", account.ServerURL, "user", account.Username)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-fw.Events():
			eng.SubmitLocalEvent(ev)
		}
	}
}

func logStatus(ctx context.Context, eng *engine.Engine) {
	updates := eng.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case st := <-updates:
			slog.Info("sync status", "state", st.State,
				"pending", st.Counts.Pending,
				"conflicted", st.Counts.Conflicted,
				"errored", st.Counts.Errored)
		}
	}
}
