package engine

import (
	"context"
	"io"
	"time"
)

// ChangeKind is the kind of a change event from either side.
type ChangeKind string

const (
	ChangeCreated  ChangeKind = "created"
	ChangeModified ChangeKind = "modified"
	ChangeMoved    ChangeKind = "moved"
	ChangeDeleted  ChangeKind = "deleted"
)

// LocalEvent is one observation from the local change source. Moves carry
// both the old and the new path when the OS reported one; otherwise the
// source emits delete+create.
type LocalEvent struct {
	Path      string
	OldPath   string // only for ChangeMoved
	Kind      ChangeKind
	Digest    string
	Modified  time.Time
	Folderish bool
}

// RemoteEvent is one entry from the remote audit/changelog feed.
type RemoteEvent struct {
	Ref       string
	Kind      ChangeKind
	ParentRef string
	Name      string
	Digest    string
	Modified  time.Time
	Folderish bool
	CanRename bool
	CanDelete bool
	CanUpdate bool
}

// RemoteInfo is the metadata the repository reports for a document.
type RemoteInfo struct {
	Ref       string
	ParentRef string
	Name      string
	Digest    string
	Modified  time.Time
	Folderish bool
	CanRename bool
	CanDelete bool
	CanUpdate bool
}

// RemoteChangeSet is one page of the audit feed plus the cursor to resume
// from.
type RemoteChangeSet struct {
	Events []RemoteEvent
	Cursor string
}

// RemoteClient is the remote operation collaborator. Implementations return
// *OpError for typed failures.
type RemoteClient interface {
	Create(ctx context.Context, parentRef, name string, folderish bool, content io.Reader) (*RemoteInfo, error)
	UpdateContent(ctx context.Context, ref string, content io.Reader) (*RemoteInfo, error)
	Rename(ctx context.Context, ref, name string) (*RemoteInfo, error)
	Move(ctx context.Context, ref, destParentRef string) (*RemoteInfo, error)
	Delete(ctx context.Context, ref string) error
	GetInfo(ctx context.Context, ref string) (*RemoteInfo, error)
	GetChildren(ctx context.Context, ref string) ([]*RemoteInfo, error)
	Download(ctx context.Context, ref string) (io.ReadCloser, error)
	Lock(ctx context.Context, ref string) error
	Unlock(ctx context.Context, ref string) error
	Changes(ctx context.Context, cursor string) (*RemoteChangeSet, error)
}

// ChildInfo describes one entry of a local folder listing.
type ChildInfo struct {
	Path      string
	Name      string
	Folderish bool
	Size      int64
	Modified  time.Time
}

// LocalClient is the local filesystem collaborator. Paths are canonical
// sync-tree paths; the implementation maps them under its root. The remote-id
// store binds a local path to its remote ref without a database lookup.
type LocalClient interface {
	MakeFile(path string, content io.Reader) error
	MakeFolder(path string) error
	UpdateContent(path string, content io.Reader) error
	Rename(path, name string) (string, error)
	Move(path, destParentPath string) (string, error)
	Delete(path string) error
	Open(path string) (io.ReadCloser, error)
	Exists(path string) bool
	Digest(path string) (string, error)
	GetChildrenInfo(path string) ([]ChildInfo, error)
	SetRemoteID(path, ref string) error
	GetRemoteID(path string) (string, error)
	RemoveRemoteID(path string) error
}
