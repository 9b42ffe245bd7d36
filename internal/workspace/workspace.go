package workspace

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"

	"github.com/jresende/nuxeo-drive/internal/utils"
)

const (
	metadataDir  = ".nxdrive"
	logsDir      = "logs"
	editCacheDir = "edit"
	lockFile     = "nxdrive.lock"
)

var (
	ErrWorkspaceLocked = errors.New("workspace locked by another process")
)

// Workspace is the on-disk layout of one sync root: the synchronized tree
// plus the hidden metadata directory holding the state database, logs and the
// direct-edit cache.
type Workspace struct {
	Root         string
	MetadataDir  string
	LogsDir      string
	EditCacheDir string
	DatabasePath string

	flock *flock.Flock
}

func New(rootDir string) (*Workspace, error) {
	root, err := utils.ResolvePath(rootDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path %s: %w", rootDir, err)
	}

	meta := filepath.Join(root, metadataDir)
	return &Workspace{
		Root:         root,
		MetadataDir:  meta,
		LogsDir:      filepath.Join(meta, logsDir),
		EditCacheDir: filepath.Join(meta, editCacheDir),
		DatabasePath: filepath.Join(meta, "pairs.db"),
		flock:        flock.New(filepath.Join(meta, lockFile)),
	}, nil
}

// Setup creates the directory layout and takes the single-instance lock.
func (w *Workspace) Setup() error {
	for _, dir := range []string{w.Root, w.MetadataDir, w.LogsDir, w.EditCacheDir} {
		if err := utils.EnsureDir(dir); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return w.Lock()
}

// Lock takes the single-instance flock so two clients never sync the same root.
func (w *Workspace) Lock() error {
	locked, err := w.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock workspace: %w", err)
	}
	if !locked {
		return ErrWorkspaceLocked
	}
	return nil
}

func (w *Workspace) Unlock() error {
	return w.flock.Unlock()
}

// AbsPath maps a canonical sync-tree path ("/folder/file.txt") to the
// absolute filesystem path under the root.
func (w *Workspace) AbsPath(treePath string) string {
	return filepath.Join(w.Root, filepath.FromSlash(utils.NormPath(treePath)))
}

// TreePath maps an absolute filesystem path under the root to the canonical
// sync-tree form. Returns "" when the path is outside the root.
func (w *Workspace) TreePath(absPath string) string {
	rel, err := filepath.Rel(w.Root, absPath)
	if err != nil || rel == ".." || filepath.IsAbs(rel) {
		return ""
	}
	if rel == "." {
		return "/"
	}
	if len(rel) >= 2 && rel[:2] == ".." {
		return ""
	}
	return utils.NormPath(filepath.ToSlash(rel))
}
