package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/jresende/nuxeo-drive/internal/queue"
	"github.com/jresende/nuxeo-drive/internal/utils"
)

// OpClass partitions operations into independently-bounded worker pools.
type OpClass string

const (
	ClassUpload   OpClass = "upload"
	ClassDownload OpClass = "download"
	ClassDelete   OpClass = "delete"
	ClassFolder   OpClass = "folder"
)

var opClasses = []OpClass{ClassUpload, ClassDownload, ClassDelete, ClassFolder}

const (
	priorityLane   = 0
	priorityFolder = 5
	priorityNormal = 10

	admitBufferSize   = 256
	resultBufferSize  = 64
	commandBufferSize = 16

	blacklistPollInterval = 500 * time.Millisecond
)

// QueueConfig bounds the worker pools and retry policy.
type QueueConfig struct {
	UploadWorkers   int
	DownloadWorkers int
	DeleteWorkers   int
	FolderWorkers   int
	MaxErrorCount   int
	BlacklistDelay  time.Duration
	OpTimeout       time.Duration
}

// DefaultQueueConfig mirrors a small desktop client: a handful of transfers
// in flight, folder ops serialized.
func DefaultQueueConfig() QueueConfig {
	return QueueConfig{
		UploadWorkers:   4,
		DownloadWorkers: 4,
		DeleteWorkers:   1,
		FolderWorkers:   1,
		MaxErrorCount:   3,
		BlacklistDelay:  30 * time.Second,
		OpTimeout:       5 * time.Minute,
	}
}

func (c QueueConfig) workers(class OpClass) int {
	n := 1
	switch class {
	case ClassUpload:
		n = c.UploadWorkers
	case ClassDownload:
		n = c.DownloadWorkers
	case ClassDelete:
		n = c.DeleteWorkers
	case ClassFolder:
		n = c.FolderWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

type task struct {
	pairID      string
	localPath   string
	folderish   bool
	class       OpClass
	remoteBound bool
	priority    int
	blacklisted *BlacklistItem // set when the task is a blacklist retry
}

type opResult struct {
	task *task
	err  error
}

type commandKind int

const (
	cmdPause commandKind = iota
	cmdResume
	cmdOffline
	cmdOnline
)

// QueueStats is a point-in-time snapshot for UI display.
type QueueStats struct {
	Queued      int
	InFlight    int
	Blocked     int
	Blacklisted int
	Paused      bool
	Offline     bool
}

// QueueManager turns the pending set into an ordered stream of executed
// operations. One scheduler goroutine owns every queue mutation; workers only
// touch pair records through the store and report back on the result channel.
type QueueManager struct {
	store  *StateStore
	local  LocalClient
	remote RemoteClient
	cfg    QueueConfig

	queues    map[OpClass]*queue.PriorityQueue[*task]
	taskCh    map[OpClass]chan *task
	inflight  map[string]*task
	dirty     map[string]bool
	queued    map[string]*task
	blocked   []*task
	byClass   map[OpClass]int
	paused    bool
	offline   bool
	blacklist *BlacklistQueue

	admit    chan *Pair
	results  chan opResult
	commands chan commandKind

	// invoked after a successful deletion released a local path; set by the
	// engine before Start
	OnPathFreed func(path string)

	idleWaiters []chan struct{}

	statsMu sync.Mutex
	stats   QueueStats

	wg sync.WaitGroup
}

func NewQueueManager(store *StateStore, local LocalClient, remote RemoteClient, cfg QueueConfig) *QueueManager {
	qm := &QueueManager{
		store:     store,
		local:     local,
		remote:    remote,
		cfg:       cfg,
		queues:    make(map[OpClass]*queue.PriorityQueue[*task]),
		taskCh:    make(map[OpClass]chan *task),
		inflight:  make(map[string]*task),
		dirty:     make(map[string]bool),
		queued:    make(map[string]*task),
		byClass:   make(map[OpClass]int),
		blacklist: NewBlacklistQueue(cfg.BlacklistDelay),
		admit:     make(chan *Pair, admitBufferSize),
		results:   make(chan opResult, resultBufferSize),
		commands:  make(chan commandKind, commandBufferSize),
	}
	for _, class := range opClasses {
		qm.queues[class] = queue.NewPriorityQueue[*task]()
		qm.taskCh[class] = make(chan *task)
	}
	return qm
}

// Start launches the worker pools and the scheduler loop.
func (qm *QueueManager) Start(ctx context.Context) {
	for _, class := range opClasses {
		for range qm.cfg.workers(class) {
			qm.wg.Add(1)
			go qm.worker(ctx, class)
		}
	}

	qm.wg.Add(1)
	go qm.schedule(ctx)
}

// Wait blocks until the scheduler and all workers returned.
func (qm *QueueManager) Wait() {
	qm.wg.Wait()
}

// Admit offers an actionable pair for scheduling. Safe from any goroutine.
func (qm *QueueManager) Admit(p *Pair) {
	select {
	case qm.admit <- p:
	default:
		// admission queue full: the pair stays pending in the store and is
		// picked up by the next full scan
		slog.Warn("admission queue full, deferring", "path", p.LocalPath)
	}
}

func (qm *QueueManager) Pause()      { qm.commands <- cmdPause }
func (qm *QueueManager) Resume()     { qm.commands <- cmdResume }
func (qm *QueueManager) SetOffline() { qm.commands <- cmdOffline }
func (qm *QueueManager) SetOnline()  { qm.commands <- cmdOnline }

// Stats returns a snapshot of queue occupancy.
func (qm *QueueManager) Stats() QueueStats {
	qm.statsMu.Lock()
	defer qm.statsMu.Unlock()
	return qm.stats
}

// WaitForIdle blocks until every queue is drained and no operation is in
// flight, or the context expires. Blacklisted (parked) pairs do not count.
func (qm *QueueManager) WaitForIdle(ctx context.Context) error {
	ch := make(chan struct{})
	qm.statsMu.Lock()
	qm.idleWaiters = append(qm.idleWaiters, ch)
	qm.statsMu.Unlock()
	// nudge the scheduler so it re-checks idleness right away
	select {
	case qm.admit <- nil:
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// scheduler loop: the only goroutine that mutates queue contents.
func (qm *QueueManager) schedule(ctx context.Context) {
	defer qm.wg.Done()

	ticker := time.NewTicker(blacklistPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case p := <-qm.admit:
			if p != nil {
				qm.enqueuePair(p, nil)
			}
		case res := <-qm.results:
			qm.handleResult(res)
		case cmd := <-qm.commands:
			qm.handleCommand(cmd)
		case <-ticker.C:
			qm.pollBlacklist()
		}

		qm.dispatch(ctx)
		qm.publishStats()
		qm.notifyIfIdle()
	}
}

func (qm *QueueManager) handleCommand(cmd commandKind) {
	switch cmd {
	case cmdPause:
		qm.paused = true
		slog.Info("queue manager paused")
	case cmdResume:
		qm.paused = false
		slog.Info("queue manager resumed")
	case cmdOffline:
		qm.offline = true
		slog.Info("queue manager offline")
	case cmdOnline:
		qm.offline = false
		slog.Info("queue manager online")
	}
}

// classify maps a pair state to its operation class and whether executing it
// needs the remote.
func classify(p *Pair) (OpClass, bool, bool) {
	switch p.PairState {
	case PairLocallyDeleted:
		return ClassDelete, true, true
	case PairRemotelyDeleted:
		return ClassDelete, false, true
	case PairLocallyCreated, PairLocallyMoved:
		if p.Folderish {
			return ClassFolder, true, true
		}
		return ClassUpload, true, true
	case PairLocallyModified:
		return ClassUpload, true, true
	case PairRemotelyCreated, PairRemotelyMoved:
		// both materialize locally: mkdir, rename or download
		if p.Folderish {
			return ClassFolder, false, true
		}
		if p.PairState == PairRemotelyMoved {
			return ClassDownload, false, true
		}
		return ClassDownload, true, true
	case PairRemotelyModified:
		return ClassDownload, true, true
	}
	return "", false, false
}

func (qm *QueueManager) enqueuePair(p *Pair, bl *BlacklistItem) {
	if p == nil || p.Quarantined || p.PairState.Terminal() {
		return
	}
	class, remoteBound, ok := classify(p)
	if !ok {
		return
	}

	if _, ok := qm.inflight[p.ID]; ok {
		// at most one in-flight operation per pair: coalesce, the worker
		// re-reads state before committing and the scheduler re-admits
		qm.dirty[p.ID] = true
		return
	}
	if _, ok := qm.queued[p.ID]; ok {
		return
	}

	priority := priorityNormal
	if class == ClassFolder {
		priority = priorityFolder
	}
	t := &task{
		pairID:      p.ID,
		localPath:   p.LocalPath,
		folderish:   p.Folderish,
		class:       class,
		remoteBound: remoteBound,
		priority:    priority,
		blacklisted: bl,
	}
	qm.queued[p.ID] = t
	qm.queues[class].Enqueue(t, priority)
}

// dispatch drains ready tasks into free worker slots, enforcing ordering
// rules. Non-blocking and O(active classes) per slot.
func (qm *QueueManager) dispatch(ctx context.Context) {
	if qm.paused {
		return
	}
	qm.requeueBlocked()

	for _, class := range opClasses {
		for qm.byClass[class] < qm.cfg.workers(class) {
			t, ok := qm.queues[class].Dequeue()
			if !ok {
				break
			}
			if qm.queued[t.pairID] != t {
				// stale duplicate left behind by a priority bump
				continue
			}
			if qm.offline && t.remoteBound {
				// remote-bound dispatch halts while offline; local change
				// ingestion continues upstream
				qm.defer_(t)
				continue
			}
			if !qm.admissible(t) {
				qm.defer_(t)
				continue
			}

			select {
			case qm.taskCh[class] <- t:
				delete(qm.queued, t.pairID)
				qm.inflight[t.pairID] = t
				qm.byClass[class]++
			case <-ctx.Done():
				return
			default:
				// no free worker despite the slot count; put it back
				qm.queues[class].Enqueue(t, t.priority)
				return
			}
		}
	}
}

// defer_ parks a task until the next scheduling event.
func (qm *QueueManager) defer_(t *task) {
	qm.blocked = append(qm.blocked, t)
}

// requeueBlocked moves deferred tasks back for re-examination.
func (qm *QueueManager) requeueBlocked() {
	if len(qm.blocked) == 0 {
		return
	}
	blocked := qm.blocked
	qm.blocked = nil
	for _, t := range blocked {
		qm.queues[t.class].Enqueue(t, t.priority)
	}
}

// admissible enforces parent-first ordering for creations and child-first
// ordering for deletions.
func (qm *QueueManager) admissible(t *task) bool {
	if t.class == ClassDelete {
		// a folder deletion waits for its queued/in-flight descendants
		if t.folderish && qm.hasPendingDescendant(t.localPath) {
			return false
		}
		return true
	}

	if t.localPath == "" {
		return true
	}
	parentPath := utils.ParentPath(t.localPath)
	if parentPath == "/" {
		return true
	}
	parent, err := qm.store.GetByLocalPath(parentPath)
	if err != nil || parent == nil {
		return true
	}
	if parent.PairState.Terminal() {
		return true
	}
	// the parent folder itself is still pending: it must land first, and it
	// jumps the queue since children are waiting on it
	if pt, ok := qm.queued[parent.ID]; ok && pt.priority != priorityLane {
		pt.priority = priorityLane
		qm.queues[pt.class].Enqueue(pt, priorityLane)
		// the stale entry at the old priority is skipped when dequeued
		// because qm.queued tracks identity
	}
	return false
}

// hasPendingDescendant consults the store, not the in-memory queues, so the
// ordering holds even when a descendant has not been admitted yet.
func (qm *QueueManager) hasPendingDescendant(folderPath string) bool {
	descendants, err := qm.store.GetDescendants(folderPath)
	if err != nil {
		return false
	}
	for _, d := range descendants {
		if d.Quarantined {
			continue
		}
		if d.PairState == PairLocallyDeleted || d.PairState == PairRemotelyDeleted {
			return true
		}
	}
	return false
}

func (qm *QueueManager) handleResult(res opResult) {
	t := res.task
	delete(qm.inflight, t.pairID)
	qm.byClass[t.class]--

	if res.err != nil {
		qm.handleFailure(t, res.err)
	} else if t.blacklisted != nil {
		// recovered after retries
		slog.Info("blacklisted pair recovered", "path", t.localPath)
	}

	wasDirty := qm.dirty[t.pairID]
	delete(qm.dirty, t.pairID)
	if wasDirty || res.err == nil {
		// a change was coalesced while in flight, or completion may have
		// unblocked dependents: re-read and re-admit if still actionable
		if pair, err := qm.store.GetByID(t.pairID); err == nil && pair != nil && !pair.PairState.Terminal() && !pair.Quarantined {
			if pair.ErrorCount == 0 {
				qm.enqueuePair(pair, nil)
			}
		}
	}
}

func (qm *QueueManager) handleFailure(t *task, err error) {
	var quarantineErr *quarantineError
	if errors.As(err, &quarantineErr) {
		// invariant violation: fatal to this subtree only
		slog.Error("quarantining subtree", "path", t.localPath, "error", err)
		if qerr := qm.store.Quarantine(t.localPath, err.Error()); qerr != nil {
			slog.Error("failed to quarantine", "path", t.localPath, "error", qerr)
		}
		return
	}

	if !IsTransient(err) {
		slog.Warn("permanent failure", "path", t.localPath, "error", err)
		if merr := qm.store.MarkUnsynchronized(t.pairID, err.Error()); merr != nil {
			slog.Error("failed to mark unsynchronized", "pair", t.pairID, "error", merr)
		}
		return
	}

	if merr := qm.store.MarkError(t.pairID, err.Error()); merr != nil {
		slog.Error("failed to record error", "pair", t.pairID, "error", merr)
		return
	}
	pair, gerr := qm.store.GetByID(t.pairID)
	if gerr != nil || pair == nil {
		return
	}
	if pair.ErrorCount >= qm.cfg.MaxErrorCount {
		slog.Warn("retry limit reached", "path", t.localPath, "count", pair.ErrorCount)
		if merr := qm.store.MarkUnsynchronized(t.pairID, fmt.Sprintf("retry limit reached: %v", err)); merr != nil {
			slog.Error("failed to mark unsynchronized", "pair", t.pairID, "error", merr)
		}
		return
	}

	slog.Info("transient failure, blacklisting", "path", t.localPath, "count", pair.ErrorCount, "error", err)
	if t.blacklisted != nil {
		qm.blacklist.Repush(t.blacklisted, true)
	} else {
		qm.blacklist.Push(t.pairID, t.localPath)
	}
}

// pollBlacklist moves ready retry items back into the queues.
func (qm *QueueManager) pollBlacklist() {
	for {
		item := qm.blacklist.Get()
		if item == nil {
			return
		}
		pair, err := qm.store.GetByID(item.ID())
		if err != nil || pair == nil || pair.PairState.Terminal() || pair.Quarantined {
			continue
		}
		qm.enqueuePair(pair, item)
	}
}

// RestoreErrored rebuilds the blacklist from pairs that carried an error
// count across a restart.
func (qm *QueueManager) RestoreErrored() error {
	pairs, err := qm.store.ListErrored()
	if err != nil {
		return err
	}
	for _, p := range pairs {
		if p.PairState.Terminal() {
			continue
		}
		qm.blacklist.Push(p.ID, p.LocalPath)
	}
	if len(pairs) > 0 {
		slog.Info("restored errored pairs to retry queue", "count", len(pairs))
	}
	return nil
}

func (qm *QueueManager) publishStats() {
	queued := 0
	for _, class := range opClasses {
		queued += qm.queues[class].Len()
	}
	qm.statsMu.Lock()
	qm.stats = QueueStats{
		Queued:      queued,
		InFlight:    len(qm.inflight),
		Blocked:     len(qm.blocked),
		Blacklisted: qm.blacklist.Len(),
		Paused:      qm.paused,
		Offline:     qm.offline,
	}
	qm.statsMu.Unlock()
}

func (qm *QueueManager) notifyIfIdle() {
	if len(qm.inflight) > 0 || len(qm.blocked) > 0 || len(qm.admit) > 0 {
		return
	}
	for _, class := range opClasses {
		if qm.queues[class].Len() > 0 {
			return
		}
	}
	qm.statsMu.Lock()
	waiters := qm.idleWaiters
	qm.idleWaiters = nil
	qm.statsMu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
}

// worker executes tasks for one class and reports to the scheduler.
func (qm *QueueManager) worker(ctx context.Context, class OpClass) {
	defer qm.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case t := <-qm.taskCh[class]:
			err := qm.execute(ctx, t)
			select {
			case qm.results <- opResult{task: t, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// quarantineError marks an invariant violation scoped to a subtree.
type quarantineError struct {
	reason string
}

func (e *quarantineError) Error() string {
	return "invariant violation: " + e.reason
}

// execute re-reads the pair (so coalesced changes are honored), performs the
// I/O and commits the outcome through the store's atomic operations. Workers
// never touch the queues.
func (qm *QueueManager) execute(ctx context.Context, t *task) error {
	pair, err := qm.store.GetByID(t.pairID)
	if err != nil {
		return err
	}
	if pair == nil || pair.Quarantined || pair.PairState.Terminal() {
		// resolved or withdrawn while queued (pause/resume revalidation)
		return nil
	}

	if qm.cfg.OpTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qm.cfg.OpTimeout)
		defer cancel()
	}

	switch pair.PairState {
	case PairLocallyCreated:
		return qm.execLocallyCreated(ctx, pair)
	case PairLocallyModified:
		return qm.execLocallyModified(ctx, pair)
	case PairLocallyMoved:
		return qm.execLocallyMoved(ctx, pair)
	case PairLocallyDeleted:
		return qm.execLocallyDeleted(ctx, pair)
	case PairRemotelyCreated:
		return qm.execRemotelyCreated(ctx, pair)
	case PairRemotelyModified:
		return qm.execRemotelyModified(ctx, pair)
	case PairRemotelyMoved:
		return qm.execRemotelyMoved(ctx, pair)
	case PairRemotelyDeleted:
		return qm.execRemotelyDeleted(ctx, pair)
	}
	return nil
}

// parentRemoteRef resolves the remote folder a local path must be created in.
func (qm *QueueManager) parentRemoteRef(pair *Pair) (string, error) {
	parentPath := utils.ParentPath(pair.LocalPath)
	if parentPath == "/" {
		return "", nil
	}
	parent, err := qm.store.GetByLocalPath(parentPath)
	if err != nil {
		return "", err
	}
	if parent == nil || parent.RemoteRef == "" {
		return "", &quarantineError{reason: fmt.Sprintf("missing synced parent for %s", pair.LocalPath)}
	}
	return parent.RemoteRef, nil
}

// commit re-reads the pair, applies the result fields and persists. When a
// coalesced change touched the pair while the operation ran, the fresh side
// states win and the pair stays actionable instead of being forced
// synchronized, so a late rename or edit is never lost.
func (qm *QueueManager) commit(snapshot *Pair, direction TransferDirection, apply func(fresh *Pair)) error {
	fresh, err := qm.store.GetByID(snapshot.ID)
	if err != nil {
		return err
	}
	if fresh == nil {
		return nil
	}
	apply(fresh)
	fresh.LastDirection = direction
	if qm.coalesced(snapshot, fresh, direction) || !converged(fresh) {
		qm.absorbSettledSide(fresh, direction)
		fresh.Transition()
	} else {
		fresh.MarkBothSynchronized()
	}
	return qm.store.Update(fresh)
}

// coalesced reports whether the pair changed while the operation ran. Side
// states alone under-detect: an edit to a still-created pair leaves the state
// at created, so the side the operation did not write is compared field by
// field. The written side tells us nothing, its fields were just replaced by
// apply.
func (qm *QueueManager) coalesced(snapshot, fresh *Pair, direction TransferDirection) bool {
	if fresh.LocalState != snapshot.LocalState || fresh.RemoteState != snapshot.RemoteState {
		return true
	}
	switch direction {
	case DirectionUpload:
		return fresh.LocalDigest != snapshot.LocalDigest ||
			fresh.LocalPath != snapshot.LocalPath ||
			fresh.LocalName != snapshot.LocalName
	case DirectionDownload:
		return !fresh.RemoteModified.Equal(snapshot.RemoteModified) ||
			fresh.RemoteName != snapshot.RemoteName ||
			fresh.RemoteParentRef != snapshot.RemoteParentRef
	}
	return false
}

// converged reports whether both sides agree on content and name, the
// condition for declaring the pair synchronized after a transfer.
func converged(p *Pair) bool {
	if !p.Folderish && p.LocalDigest != p.RemoteDigest {
		return false
	}
	return p.LocalName == p.RemoteName
}

// absorbSettledSide folds the finished transfer into the side states before
// re-derivation. Without this a pair still marked created would schedule a
// second create against a document that now exists; the residual gap is
// expressed as a modification or a move instead.
func (qm *QueueManager) absorbSettledSide(fresh *Pair, direction TransferDirection) {
	switch direction {
	case DirectionUpload:
		if fresh.RemoteRef == "" || fresh.LocalState == SideDeleted {
			return
		}
		switch {
		case !fresh.Folderish && fresh.LocalDigest != fresh.RemoteDigest:
			fresh.LocalState = SideModified
		case fresh.LocalName != fresh.RemoteName || qm.remoteParentStale(fresh):
			fresh.LocalState = SideMoved
		case fresh.LocalState == SideCreated:
			// the upload settled the creation; a file pair is kept
			// actionable so the no-op update re-verifies convergence
			if fresh.Folderish {
				fresh.LocalState = SideSynchronized
			} else {
				fresh.LocalState = SideModified
			}
		}
	case DirectionDownload:
		if fresh.LocalPath == "" || fresh.RemoteState == SideDeleted {
			return
		}
		switch {
		case !fresh.Folderish && fresh.RemoteDigest != fresh.LocalDigest:
			fresh.RemoteState = SideModified
		case fresh.RemoteName != fresh.LocalName:
			fresh.RemoteState = SideMoved
		case fresh.RemoteState == SideCreated:
			if fresh.Folderish {
				fresh.RemoteState = SideSynchronized
			} else {
				fresh.RemoteState = SideModified
			}
		}
	}
}

// remoteParentStale reports whether the pair's local parent folder now maps
// to a different remote folder than the one the document lives under.
func (qm *QueueManager) remoteParentStale(p *Pair) bool {
	ref, err := qm.parentRemoteRef(p)
	if err != nil {
		return false
	}
	return ref != "" && ref != p.RemoteParentRef
}

func (qm *QueueManager) execLocallyCreated(ctx context.Context, pair *Pair) error {
	parentRef, err := qm.parentRemoteRef(pair)
	if err != nil {
		return err
	}

	var content io.ReadCloser
	if !pair.Folderish {
		content, err = qm.local.Open(pair.LocalPath)
		if err != nil {
			return err
		}
		defer content.Close()
	}

	info, err := qm.remote.Create(ctx, parentRef, pair.LocalName, pair.Folderish, content)
	if err != nil {
		return err
	}
	if err := qm.local.SetRemoteID(pair.LocalPath, info.Ref); err != nil {
		slog.Warn("failed to tag local path", "path", pair.LocalPath, "error", err)
	}

	slog.Info("created remotely", "path", pair.LocalPath, "ref", info.Ref)
	return qm.commit(pair, DirectionUpload, func(fresh *Pair) {
		fresh.RemoteRef = info.Ref
		fresh.RemoteParentRef = info.ParentRef
		fresh.RemoteName = info.Name
		fresh.RemoteDigest = info.Digest
		fresh.RemoteModified = info.Modified
		fresh.RemoteCanRename = info.CanRename
		fresh.RemoteCanDelete = info.CanDelete
		fresh.RemoteCanUpdate = info.CanUpdate
	})
}

func (qm *QueueManager) execLocallyModified(ctx context.Context, pair *Pair) error {
	content, err := qm.local.Open(pair.LocalPath)
	if err != nil {
		return err
	}
	defer content.Close()

	info, err := qm.remote.UpdateContent(ctx, pair.RemoteRef, content)
	if err != nil {
		return err
	}

	slog.Info("uploaded", "path", pair.LocalPath, "ref", pair.RemoteRef)
	return qm.commit(pair, DirectionUpload, func(fresh *Pair) {
		fresh.RemoteDigest = info.Digest
		fresh.RemoteModified = info.Modified
	})
}

func (qm *QueueManager) execLocallyMoved(ctx context.Context, pair *Pair) error {
	info := &RemoteInfo{
		Ref: pair.RemoteRef, ParentRef: pair.RemoteParentRef,
		Name: pair.RemoteName, Digest: pair.RemoteDigest, Modified: pair.RemoteModified,
	}

	// rename and move responses each carry only the fields they touched, so
	// the results are folded into the starting snapshot
	if pair.LocalName != pair.RemoteName {
		renamed, err := qm.remote.Rename(ctx, pair.RemoteRef, pair.LocalName)
		if err != nil {
			return err
		}
		if renamed.Name != "" {
			info.Name = renamed.Name
		}
		if !renamed.Modified.IsZero() {
			info.Modified = renamed.Modified
		}
	}

	parentRef, err := qm.parentRemoteRef(pair)
	if err != nil {
		return err
	}
	if parentRef != "" && parentRef != pair.RemoteParentRef {
		moved, err := qm.remote.Move(ctx, pair.RemoteRef, parentRef)
		if err != nil {
			return err
		}
		if moved.ParentRef != "" {
			info.ParentRef = moved.ParentRef
		}
		if !moved.Modified.IsZero() {
			info.Modified = moved.Modified
		}
	}

	slog.Info("moved remotely", "path", pair.LocalPath, "ref", pair.RemoteRef)
	return qm.commit(pair, DirectionUpload, func(fresh *Pair) {
		fresh.RemoteParentRef = info.ParentRef
		fresh.RemoteName = info.Name
		fresh.RemoteModified = info.Modified
	})
}

func (qm *QueueManager) execLocallyDeleted(ctx context.Context, pair *Pair) error {
	if !pair.RemoteCanDelete {
		// deletion forbidden by the repository: restore the local copy
		slog.Info("restoring locally deleted document", "path", pair.LocalPath)
		fresh, err := qm.store.GetByID(pair.ID)
		if err != nil || fresh == nil {
			return err
		}
		fresh.LocalState = SideUnknown
		fresh.RemoteState = SideCreated
		fresh.Transition()
		return qm.store.Update(fresh)
	}

	if err := qm.remote.Delete(ctx, pair.RemoteRef); err != nil {
		if KindOf(err) != KindNotFound {
			return err
		}
		// already gone remotely
	}

	slog.Info("deleted remotely", "path", pair.LocalPath, "ref", pair.RemoteRef)
	if err := qm.store.Delete(pair.ID); err != nil {
		return err
	}
	qm.pathFreed(pair.LocalPath)
	return nil
}

func (qm *QueueManager) pathFreed(path string) {
	if qm.OnPathFreed != nil && path != "" {
		qm.OnPathFreed(path)
	}
}

func (qm *QueueManager) execRemotelyCreated(ctx context.Context, pair *Pair) error {
	if pair.Folderish {
		if err := qm.local.MakeFolder(pair.LocalPath); err != nil {
			return err
		}
	} else {
		content, err := qm.remote.Download(ctx, pair.RemoteRef)
		if err != nil {
			return err
		}
		defer content.Close()
		if err := qm.local.MakeFile(pair.LocalPath, content); err != nil {
			return err
		}
	}
	if err := qm.local.SetRemoteID(pair.LocalPath, pair.RemoteRef); err != nil {
		slog.Warn("failed to tag local path", "path", pair.LocalPath, "error", err)
	}

	digest := ""
	if !pair.Folderish {
		var err error
		if digest, err = qm.local.Digest(pair.LocalPath); err != nil {
			return err
		}
	}

	slog.Info("created locally", "path", pair.LocalPath, "ref", pair.RemoteRef)
	return qm.commit(pair, DirectionDownload, func(fresh *Pair) {
		fresh.LocalDigest = digest
		fresh.LocalModified = time.Now()
		if !fresh.Folderish {
			// the fetched bytes are the remote content, so their digest is
			// more current than the one carried by the triggering event
			fresh.RemoteDigest = digest
		}
	})
}

func (qm *QueueManager) execRemotelyModified(ctx context.Context, pair *Pair) error {
	content, err := qm.remote.Download(ctx, pair.RemoteRef)
	if err != nil {
		return err
	}
	defer content.Close()

	if err := qm.local.UpdateContent(pair.LocalPath, content); err != nil {
		return err
	}
	digest, err := qm.local.Digest(pair.LocalPath)
	if err != nil {
		return err
	}

	slog.Info("downloaded", "path", pair.LocalPath, "ref", pair.RemoteRef)
	return qm.commit(pair, DirectionDownload, func(fresh *Pair) {
		fresh.LocalDigest = digest
		fresh.LocalModified = time.Now()
		fresh.RemoteDigest = digest
	})
}

func (qm *QueueManager) execRemotelyMoved(ctx context.Context, pair *Pair) error {
	// resolve the new location from the remote parent
	newParentPath := "/"
	if pair.RemoteParentRef != "" {
		parent, err := qm.store.GetByRemoteRef(pair.RemoteParentRef)
		if err != nil {
			return err
		}
		if parent != nil && parent.LocalPath != "" {
			newParentPath = parent.LocalPath
		}
	}
	newPath := utils.NormPath(newParentPath + "/" + pair.RemoteName)
	oldPath := pair.LocalPath

	if newPath != oldPath {
		if utils.ParentPath(oldPath) == utils.ParentPath(newPath) {
			if _, err := qm.local.Rename(oldPath, pair.RemoteName); err != nil {
				return err
			}
		} else {
			moved, err := qm.local.Move(oldPath, utils.ParentPath(newPath))
			if err != nil {
				return err
			}
			if moved != newPath && pair.RemoteName != utils.BaseName(moved) {
				if _, err := qm.local.Rename(moved, pair.RemoteName); err != nil {
					return err
				}
			}
		}
		if pair.Folderish {
			if err := qm.store.ReparentSubtree(oldPath, newPath); err != nil {
				return err
			}
		}
	}

	slog.Info("moved locally", "from", oldPath, "to", newPath)
	return qm.commit(pair, DirectionDownload, func(fresh *Pair) {
		fresh.LocalPath = newPath
		fresh.LocalParentPath = utils.ParentPath(newPath)
		fresh.LocalName = utils.BaseName(newPath)
	})
}

func (qm *QueueManager) execRemotelyDeleted(ctx context.Context, pair *Pair) error {
	_ = ctx
	if qm.local.Exists(pair.LocalPath) {
		if err := qm.local.Delete(pair.LocalPath); err != nil {
			return err
		}
	}

	slog.Info("deleted locally", "path", pair.LocalPath)
	if pair.Folderish {
		if err := qm.store.DeleteSubtree(pair.LocalPath); err != nil {
			return err
		}
	} else if err := qm.store.Delete(pair.ID); err != nil {
		return err
	}
	qm.pathFreed(pair.LocalPath)
	return nil
}
