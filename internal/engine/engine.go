package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	metaRemoteCursor = "remote_cursor"

	defaultPollInterval = 30 * time.Second
	eventBufferSize     = 512
)

// SyncState is the coarse activity state published to subscribers.
type SyncState string

const (
	StateStopped SyncState = "stopped"
	StateSyncing SyncState = "syncing"
	StateIdle    SyncState = "idle"
	StatePaused  SyncState = "paused"
	StateOffline SyncState = "offline"
)

// Status is one published snapshot of engine activity.
type Status struct {
	State  SyncState
	Queue  QueueStats
	Counts *StateCounts
}

// Metrics aggregates the observable counters of the engine.
type Metrics struct {
	Counts StateCounts
	Queue  QueueStats
}

// Config carries the tunables of one engine instance.
type Config struct {
	DatabasePath string
	DeviceName   string // used to label conflict copies
	Queue        QueueConfig
	PollInterval time.Duration
	ExtraIgnores []string
}

// Engine ties the reconciler, the queue manager and the state store together
// behind the surface the application layers use. One engine serves one
// account/local-folder binding.
type Engine struct {
	cfg     Config
	store   *StateStore
	filters *FilterTable
	ignore  *IgnoreList
	rec     *Reconciler
	qm      *QueueManager
	local   LocalClient
	remote  RemoteClient

	localEvents  chan LocalEvent
	remoteEvents chan RemoteEvent
	freedPaths   chan string

	mu          sync.Mutex
	cancel      context.CancelFunc
	running     bool
	paused      bool
	offline     bool
	subscribers []chan Status

	wg sync.WaitGroup
}

// New opens the state store and assembles the engine. Call Start to begin
// processing.
func New(cfg Config, local LocalClient, remote RemoteClient) (*Engine, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}

	store := NewStateStore(cfg.DatabasePath)
	if err := store.Open(); err != nil {
		return nil, err
	}

	filters, err := NewFilterTable(store)
	if err != nil {
		store.Close()
		return nil, err
	}

	e := &Engine{
		cfg:          cfg,
		store:        store,
		filters:      filters,
		ignore:       NewIgnoreList(cfg.ExtraIgnores...),
		local:        local,
		remote:       remote,
		localEvents:  make(chan LocalEvent, eventBufferSize),
		remoteEvents: make(chan RemoteEvent, eventBufferSize),
		freedPaths:   make(chan string, eventBufferSize),
	}
	e.qm = NewQueueManager(store, local, remote, cfg.Queue)
	e.qm.OnPathFreed = func(path string) {
		select {
		case e.freedPaths <- path:
		default:
		}
	}
	e.rec = NewReconciler(store, filters, e.ignore, local, e.qm.Admit)
	return e, nil
}

// Start launches the queue manager, replays interrupted work from the journal
// and begins consuming change events.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return fmt.Errorf("engine already started")
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.running = true
	e.mu.Unlock()

	e.qm.Start(ctx)

	e.qm.Pause()
	if err := e.initialScan(ctx); err != nil {
		slog.Warn("initial scan incomplete, will retry on next start", "error", err)
	}
	e.qm.Resume()

	// crash recovery: pairs that carried errors go back to the retry queue,
	// everything else actionable is re-admitted from the journal
	if err := e.qm.RestoreErrored(); err != nil {
		slog.Warn("failed to restore errored pairs", "error", err)
	}
	pending, err := e.store.ListPending()
	if err != nil {
		return fmt.Errorf("failed to list pending pairs: %w", err)
	}
	for _, p := range pending {
		if p.ErrorCount == 0 {
			e.qm.Admit(p)
		}
	}
	if len(pending) > 0 {
		slog.Info("resumed pending operations", "count", len(pending))
	}

	e.wg.Add(2)
	go e.eventLoop(ctx)
	go e.pollRemote(ctx)

	e.publish(StateSyncing)
	slog.Info("engine started", "db", e.cfg.DatabasePath)
	return nil
}

// Stop halts processing and closes the store. In-flight operations are
// abandoned; the journal replays them on the next start.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	cancel := e.cancel
	e.mu.Unlock()

	cancel()
	e.qm.Wait()
	e.wg.Wait()
	e.publish(StateStopped)
	slog.Info("engine stopped")
	return e.store.Close()
}

// SubmitLocalEvent hands one local filesystem observation to the reconciler.
func (e *Engine) SubmitLocalEvent(ev LocalEvent) {
	select {
	case e.localEvents <- ev:
	default:
		slog.Warn("local event buffer full, dropping", "path", ev.Path)
	}
}

// SubmitRemoteEvent hands one remote change entry to the reconciler. Used by
// tests and by push channels; normal operation polls the audit feed.
func (e *Engine) SubmitRemoteEvent(ev RemoteEvent) {
	select {
	case e.remoteEvents <- ev:
	default:
		slog.Warn("remote event buffer full, dropping", "ref", ev.Ref)
	}
}

// eventLoop serializes all reconciliation: pair records are only mutated from
// here and from workers' atomic commits.
func (e *Engine) eventLoop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.localEvents:
			if err := e.rec.HandleLocalEvent(ev); err != nil {
				slog.Error("failed to reconcile local event", "path", ev.Path, "error", err)
			}
		case ev := <-e.remoteEvents:
			if err := e.rec.HandleRemoteEvent(ev); err != nil {
				slog.Error("failed to reconcile remote event", "ref", ev.Ref, "error", err)
			}
		case path := <-e.freedPaths:
			// a deletion released this path; a conflicted pair may claim it
			if err := e.rec.ReclaimPath(path); err != nil {
				slog.Error("failed to reclaim path", "path", path, "error", err)
			}
		}
	}
}

// pollRemote drives the audit feed. The cursor is persisted so a restart
// resumes where the previous run stopped.
func (e *Engine) pollRemote(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		e.mu.Lock()
		skip := e.paused || e.offline
		e.mu.Unlock()
		if skip {
			continue
		}

		cursor, err := e.store.GetMeta(metaRemoteCursor)
		if err != nil {
			slog.Error("failed to read remote cursor", "error", err)
			continue
		}

		changes, err := e.remote.Changes(ctx, cursor)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("failed to poll remote changes", "error", err)
			continue
		}

		for _, ev := range changes.Events {
			e.SubmitRemoteEvent(ev)
		}
		if changes.Cursor != cursor {
			if err := e.store.SetMeta(metaRemoteCursor, changes.Cursor); err != nil {
				slog.Error("failed to persist remote cursor", "error", err)
			}
		}
	}
}

// AddFilter excludes a subtree from synchronization. Already-synchronized
// pairs under it are forgotten; local files stay on disk.
func (e *Engine) AddFilter(path string) error {
	if err := e.filters.Add(path); err != nil {
		return err
	}
	return e.rec.ApplyFilter(path)
}

// RemoveFilter re-includes a subtree. The next remote scan or audit entry
// re-creates the pairs.
func (e *Engine) RemoveFilter(path string) error {
	return e.filters.Remove(path)
}

// Filters lists the active exclusions.
func (e *Engine) Filters() []string {
	return e.filters.List()
}

// Pause suspends dispatch; queued work and event ingestion survive.
func (e *Engine) Pause() {
	e.mu.Lock()
	e.paused = true
	e.mu.Unlock()
	e.qm.Pause()
	e.publish(StatePaused)
}

// Resume restarts dispatch. Queued pairs are re-validated against the store
// before execution, so anything resolved while paused is skipped.
func (e *Engine) Resume() {
	e.mu.Lock()
	e.paused = false
	e.mu.Unlock()
	e.qm.Resume()
	e.publish(StateSyncing)
}

// SetOffline toggles offline mode: remote-bound dispatch and audit polling
// stop, local change ingestion continues.
func (e *Engine) SetOffline(offline bool) {
	e.mu.Lock()
	e.offline = offline
	e.mu.Unlock()
	if offline {
		e.qm.SetOffline()
		e.publish(StateOffline)
	} else {
		e.qm.SetOnline()
		e.publish(StateSyncing)
	}
}

// WaitForIdle blocks until the queues drain, for tests and scripted runs.
func (e *Engine) WaitForIdle(ctx context.Context) error {
	return e.qm.WaitForIdle(ctx)
}

// Metrics returns current pair-state counts and queue occupancy.
func (e *Engine) Metrics() (*Metrics, error) {
	counts, err := e.store.Counts()
	if err != nil {
		return nil, err
	}
	return &Metrics{Counts: *counts, Queue: e.qm.Stats()}, nil
}

// Subscribe registers a status listener. Slow consumers miss intermediate
// snapshots rather than blocking the engine.
func (e *Engine) Subscribe() <-chan Status {
	ch := make(chan Status, 8)
	e.mu.Lock()
	e.subscribers = append(e.subscribers, ch)
	e.mu.Unlock()
	return ch
}

func (e *Engine) publish(state SyncState) {
	counts, err := e.store.Counts()
	if err != nil {
		counts = &StateCounts{}
	}
	status := Status{State: state, Queue: e.qm.Stats(), Counts: counts}

	e.mu.Lock()
	subs := append([]chan Status{}, e.subscribers...)
	e.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- status:
		default:
		}
	}
}
