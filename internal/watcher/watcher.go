package watcher

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rjeczalik/notify"

	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/utils"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

const (
	defaultIgnoreTimeout   = time.Second
	defaultDebounceTimeout = 50 * time.Millisecond
	defaultMoveWindow      = 500 * time.Millisecond
	cleanupInterval        = 15 * time.Second
	eventBufferSize        = 256
)

// DigestFunc computes the content digest of a tree path.
type DigestFunc func(treePath string) (string, error)

// Watcher turns raw filesystem notifications under a workspace root into
// engine change events: debounced writes, remove/create pairing into moves,
// and suppression of the engine's own writes.
type Watcher struct {
	ws     *workspace.Workspace
	digest DigestFunc

	raw    chan notify.EventInfo
	events chan engine.LocalEvent

	ignoreMu sync.Mutex
	ignore   map[string]time.Time // abs path -> expiry

	debounceMu sync.Mutex
	pending    map[string]notify.Event
	timers     map[string]*time.Timer
	debounce   time.Duration

	moveMu     sync.Mutex
	removed    map[string]*removedEntry // base name -> pending removal
	moveWindow time.Duration

	done chan struct{}
	wg   sync.WaitGroup
}

type removedEntry struct {
	treePath string
	timer    *time.Timer
}

func New(ws *workspace.Workspace, digest DigestFunc) *Watcher {
	return &Watcher{
		ws:         ws,
		digest:     digest,
		ignore:     make(map[string]time.Time),
		pending:    make(map[string]notify.Event),
		timers:     make(map[string]*time.Timer),
		removed:    make(map[string]*removedEntry),
		debounce:   defaultDebounceTimeout,
		moveWindow: defaultMoveWindow,
		done:       make(chan struct{}),
	}
}

// SetDebounceTimeout overrides the write-coalescing delay, mainly for tests.
func (w *Watcher) SetDebounceTimeout(d time.Duration) { w.debounce = d }

// SetMoveWindow overrides how long a removal waits for its matching creation.
func (w *Watcher) SetMoveWindow(d time.Duration) { w.moveWindow = d }

func (w *Watcher) Start(ctx context.Context) error {
	slog.Info("file watcher start", "dir", w.ws.Root)

	w.raw = make(chan notify.EventInfo, eventBufferSize)
	w.events = make(chan engine.LocalEvent, eventBufferSize)

	if err := notify.Watch(w.ws.Root+"/...", w.raw, notify.Create|notify.Write|notify.Remove|notify.Rename); err != nil {
		return err
	}

	w.wg.Add(2)
	go w.loop(ctx)
	go w.cleanupExpired(ctx)
	return nil
}

func (w *Watcher) Stop() {
	close(w.done)
	if w.raw != nil {
		notify.Stop(w.raw)
	}
	w.wg.Wait()
	slog.Info("file watcher stopped")
}

// Events delivers the translated change stream.
func (w *Watcher) Events() <-chan engine.LocalEvent {
	return w.events
}

// IgnoreOnce suppresses the next event for an absolute path, used by the
// engine to hide its own writes from the change stream.
func (w *Watcher) IgnoreOnce(absPath string) {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	w.ignore[absPath] = time.Now().Add(defaultIgnoreTimeout)
}

func (w *Watcher) isIgnored(absPath string) bool {
	w.ignoreMu.Lock()
	defer w.ignoreMu.Unlock()
	expiry, ok := w.ignore[absPath]
	if !ok {
		return false
	}
	delete(w.ignore, absPath)
	return !time.Now().After(expiry)
}

func (w *Watcher) loop(ctx context.Context) {
	// the events channel is never closed: timers may still fire after the
	// loop exits, and consumers stop through their own context
	defer func() {
		w.debounceMu.Lock()
		for path, timer := range w.timers {
			timer.Stop()
			delete(w.timers, path)
			delete(w.pending, path)
		}
		w.debounceMu.Unlock()

		w.moveMu.Lock()
		for name, entry := range w.removed {
			entry.timer.Stop()
			delete(w.removed, name)
		}
		w.moveMu.Unlock()

		w.wg.Done()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case ev, ok := <-w.raw:
			if !ok {
				return
			}
			w.handleRaw(ev.Path(), ev.Event())
		}
	}
}

// handleRaw debounces per path: bursts of writes while a file lands collapse
// into one event, and the strongest kind within the window wins.
func (w *Watcher) handleRaw(absPath string, kind notify.Event) {
	if w.ws.TreePath(absPath) == "" {
		return
	}
	if strings.Contains(absPath, ".nxdrive") || strings.Contains(absPath, ".nxpart") {
		return
	}

	w.debounceMu.Lock()
	defer w.debounceMu.Unlock()

	if timer, ok := w.timers[absPath]; ok {
		timer.Stop()
		delete(w.timers, absPath)
	}
	w.pending[absPath] |= kind

	w.timers[absPath] = time.AfterFunc(w.debounce, func() {
		w.flush(absPath)
	})
}

func (w *Watcher) flush(absPath string) {
	w.debounceMu.Lock()
	kind, ok := w.pending[absPath]
	if !ok {
		w.debounceMu.Unlock()
		return
	}
	delete(w.pending, absPath)
	delete(w.timers, absPath)
	w.debounceMu.Unlock()

	if w.isIgnored(absPath) {
		return
	}
	w.translate(absPath, kind)
}

// translate folds one raw notification into the engine's event model. Renames
// arrive as two notifications with no pairing information; a disappearance
// waits in a small window for the matching appearance before degrading to a
// plain delete.
func (w *Watcher) translate(absPath string, kind notify.Event) {
	treePath := w.ws.TreePath(absPath)
	info, statErr := os.Stat(absPath)
	exists := statErr == nil

	switch {
	case kind&(notify.Create|notify.Rename) != 0 && exists:
		if old := w.takeRemoved(utils.BaseName(treePath)); old != "" {
			w.emitMove(old, treePath, info.IsDir())
			return
		}
		w.emitUpsert(treePath, engine.ChangeCreated, info.IsDir(), info.ModTime())
	case kind&notify.Write != 0 && exists:
		if info.IsDir() {
			return
		}
		w.emitUpsert(treePath, engine.ChangeModified, false, info.ModTime())
	case !exists:
		w.scheduleRemove(treePath)
	}
}

// scheduleRemove parks a disappearance; if nothing claims it as a move source
// within the window it becomes a deletion.
func (w *Watcher) scheduleRemove(treePath string) {
	name := utils.BaseName(treePath)

	w.moveMu.Lock()
	defer w.moveMu.Unlock()
	if prev, ok := w.removed[name]; ok {
		prev.timer.Stop()
		w.send(engine.LocalEvent{Path: prev.treePath, Kind: engine.ChangeDeleted})
	}
	entry := &removedEntry{treePath: treePath}
	entry.timer = time.AfterFunc(w.moveWindow, func() {
		w.moveMu.Lock()
		if w.removed[name] == entry {
			delete(w.removed, name)
		}
		w.moveMu.Unlock()
		w.send(engine.LocalEvent{Path: treePath, Kind: engine.ChangeDeleted})
	})
	w.removed[name] = entry
}

// takeRemoved claims a pending removal with a matching base name, returning
// its tree path.
func (w *Watcher) takeRemoved(name string) string {
	w.moveMu.Lock()
	defer w.moveMu.Unlock()
	entry, ok := w.removed[name]
	if !ok {
		return ""
	}
	entry.timer.Stop()
	delete(w.removed, name)
	return entry.treePath
}

func (w *Watcher) emitMove(oldPath, newPath string, folderish bool) {
	ev := engine.LocalEvent{
		Path: newPath, OldPath: oldPath, Kind: engine.ChangeMoved,
		Folderish: folderish, Modified: time.Now(),
	}
	if !folderish && w.digest != nil {
		if d, err := w.digest(newPath); err == nil {
			ev.Digest = d
		}
	}
	w.send(ev)
}

func (w *Watcher) emitUpsert(treePath string, kind engine.ChangeKind, folderish bool, modified time.Time) {
	ev := engine.LocalEvent{Path: treePath, Kind: kind, Folderish: folderish, Modified: modified}
	if !folderish && w.digest != nil {
		d, err := w.digest(treePath)
		if err != nil {
			// the file vanished between the notification and the hash
			slog.Debug("skipping event, content unreadable", "path", treePath, "error", err)
			return
		}
		ev.Digest = d
	}
	w.send(ev)
}

func (w *Watcher) send(ev engine.LocalEvent) {
	select {
	case <-w.done:
	case w.events <- ev:
		slog.Debug("file watcher", "kind", ev.Kind, "path", ev.Path)
	default:
		slog.Warn("file watcher dropped event", "reason", "channel full", "path", ev.Path)
	}
}

// cleanupExpired drops stale ignore entries so the map does not grow with
// paths that never produced an event.
func (w *Watcher) cleanupExpired(ctx context.Context) {
	defer w.wg.Done()

	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-ticker.C:
			w.ignoreMu.Lock()
			now := time.Now()
			for path, expiry := range w.ignore {
				if now.After(expiry) {
					delete(w.ignore, path)
				}
			}
			w.ignoreMu.Unlock()
		}
	}
}
