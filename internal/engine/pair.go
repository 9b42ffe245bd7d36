package engine

import (
	"time"

	"github.com/google/uuid"
)

// newPairID returns a fresh locally-unique pair id.
func newPairID() string {
	return uuid.NewString()
}

// SideState is the observed state of one side (local or remote) of a pair
// since the last successful synchronization.
type SideState string

const (
	SideUnknown      SideState = "unknown"
	SideSynchronized SideState = "synchronized"
	SideCreated      SideState = "created"
	SideModified     SideState = "modified"
	SideMoved        SideState = "moved"
	SideDeleted      SideState = "deleted"
)

// changed reports whether the side diverged from its last synced state.
func (s SideState) changed() bool {
	switch s {
	case SideCreated, SideModified, SideMoved, SideDeleted:
		return true
	}
	return false
}

// PairState is the derived synchronization status of a pair. It is computed
// by Pair.Transition, never assigned directly by I/O code.
type PairState string

const (
	PairUnsynchronized   PairState = "unsynchronized"
	PairSynchronized     PairState = "synchronized"
	PairLocallyCreated   PairState = "locally_created"
	PairRemotelyCreated  PairState = "remotely_created"
	PairLocallyModified  PairState = "locally_modified"
	PairRemotelyModified PairState = "remotely_modified"
	PairLocallyMoved     PairState = "locally_moved"
	PairRemotelyMoved    PairState = "remotely_moved"
	PairLocallyDeleted   PairState = "locally_deleted"
	PairRemotelyDeleted  PairState = "remotely_deleted"
	PairConflicted       PairState = "conflicted"
	PairDeleted          PairState = "deleted"
)

// Terminal reports whether no further automatic operation may be scheduled
// for a pair in this state.
func (s PairState) Terminal() bool {
	switch s {
	case PairSynchronized, PairConflicted, PairUnsynchronized, PairDeleted:
		return true
	}
	return false
}

// TransferDirection records which way the last content transfer went.
type TransferDirection string

const (
	DirectionNone     TransferDirection = ""
	DirectionUpload   TransferDirection = "upload"
	DirectionDownload TransferDirection = "download"
)

// Pair is the reconciliation record linking one local path to one remote
// document. Exactly one pair exists per synchronized local path and per
// synchronized remote ref; renames and moves mutate the record in place.
type Pair struct {
	ID string

	LocalPath       string
	LocalParentPath string
	LocalName       string
	LocalDigest     string
	LocalModified   time.Time
	LocalState      SideState

	RemoteRef       string
	RemoteParentRef string
	RemoteName      string
	RemoteDigest    string
	RemoteModified  time.Time
	RemoteState     SideState

	Folderish       bool
	RemoteCanRename bool
	RemoteCanDelete bool
	RemoteCanUpdate bool

	PairState     PairState
	LastError     string
	ErrorCount    int
	LastSyncDate  time.Time
	LastDirection TransferDirection
	Quarantined   bool
}

// sameContent compares the two sides by digest. Folders carry no digest;
// whether two folders are the same item is decided by the reconciler (merge
// vs duplicate-root), never here.
func (p *Pair) sameContent() bool {
	if p.Folderish {
		return false
	}
	return p.LocalDigest != "" && p.LocalDigest == p.RemoteDigest
}

// Transition recomputes PairState from the side states and the digest
// comparison. This is the single place pair_state is derived.
func (p *Pair) Transition() PairState {
	local, remote := p.LocalState, p.RemoteState

	switch {
	case local == SideDeleted && remote == SideDeleted:
		p.PairState = PairDeleted
	case local.changed() && remote.changed():
		// both sides diverged since last sync: a genuine conflict unless
		// they independently converged to the same content
		if local != SideDeleted && remote != SideDeleted && p.sameContent() {
			p.PairState = PairSynchronized
			p.LocalState = SideSynchronized
			p.RemoteState = SideSynchronized
		} else {
			p.PairState = PairConflicted
		}
	case local == SideCreated:
		p.PairState = PairLocallyCreated
	case local == SideModified:
		p.PairState = PairLocallyModified
	case local == SideMoved:
		p.PairState = PairLocallyMoved
	case local == SideDeleted:
		p.PairState = PairLocallyDeleted
	case remote == SideCreated:
		p.PairState = PairRemotelyCreated
	case remote == SideModified:
		p.PairState = PairRemotelyModified
	case remote == SideMoved:
		p.PairState = PairRemotelyMoved
	case remote == SideDeleted:
		p.PairState = PairRemotelyDeleted
	case local == SideSynchronized && remote == SideSynchronized:
		p.PairState = PairSynchronized
	default:
		// one side never observed: nothing actionable yet
		p.PairState = PairUnsynchronized
	}

	return p.PairState
}

// MarkConflicted forces the conflicted state without touching the side
// states, so a later Transition can recover the derived state once the
// conflict cause (e.g. a name collision) is gone. Only the reconciler calls
// this.
func (p *Pair) MarkConflicted() {
	p.PairState = PairConflicted
}

// MarkBothSynchronized resets both sides after a successful operation.
func (p *Pair) MarkBothSynchronized() {
	p.LocalState = SideSynchronized
	p.RemoteState = SideSynchronized
	p.PairState = PairSynchronized
	p.LastError = ""
	p.ErrorCount = 0
}

// Depth returns the number of path components of the local path, used for
// parent-before-child ordering.
func (p *Pair) Depth() int {
	depth := 0
	for _, c := range p.LocalPath {
		if c == '/' {
			depth++
		}
	}
	return depth
}
