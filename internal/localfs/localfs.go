package localfs

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dustin/go-humanize"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/utils"
	"github.com/jresende/nuxeo-drive/internal/workspace"
)

const (
	digestCacheSize = 4096
	remoteIDsFile   = "remote-ids.json"
)

// Client implements the local side of the sync engine over one workspace
// root. All paths crossing the API are canonical sync-tree paths; the client
// maps them to absolute filesystem paths.
type Client struct {
	ws       *workspace.Workspace
	ids      *idStore
	digests  *lru.Cache[string, string]
	onMutate func(absPath string)
}

// Option configures a Client.
type Option func(*Client)

// WithMutationHook registers a callback invoked with the absolute path of
// every write the client performs, so the filesystem watcher can suppress the
// echo events.
func WithMutationHook(hook func(absPath string)) Option {
	return func(c *Client) {
		c.onMutate = hook
	}
}

var _ engine.LocalClient = (*Client)(nil)

func New(ws *workspace.Workspace, opts ...Option) (*Client, error) {
	ids, err := newIDStore(filepath.Join(ws.MetadataDir, remoteIDsFile))
	if err != nil {
		return nil, fmt.Errorf("failed to load remote id store: %w", err)
	}

	digests, err := lru.New[string, string](digestCacheSize)
	if err != nil {
		return nil, err
	}

	c := &Client{ws: ws, ids: ids, digests: digests}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) mutated(absPath string) {
	if c.onMutate != nil {
		c.onMutate(absPath)
	}
}

func wrapErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	kind := engine.KindUnknown
	switch {
	case errors.Is(err, fs.ErrNotExist):
		kind = engine.KindNotFound
	case errors.Is(err, fs.ErrPermission):
		kind = engine.KindPermissionDenied
	case errors.Is(err, fs.ErrExist):
		kind = engine.KindInvalidName
	}
	return engine.NewOpError(kind, op, path, err)
}

// MakeFile writes content to a fresh temporary file and moves it into place,
// so watchers and readers never observe a half-written document.
func (c *Client) MakeFile(path string, content io.Reader) error {
	abs := c.ws.AbsPath(path)
	if err := utils.EnsureParent(abs); err != nil {
		return wrapErr("makeFile", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(abs), ".nxpart-*")
	if err != nil {
		return wrapErr("makeFile", path, err)
	}
	written, err := io.Copy(tmp, content)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return wrapErr("makeFile", path, err)
	}
	c.mutated(tmp.Name())
	c.mutated(abs)
	if err := os.Rename(tmp.Name(), abs); err != nil {
		os.Remove(tmp.Name())
		return wrapErr("makeFile", path, err)
	}

	slog.Debug("wrote file", "path", path, "size", humanize.Bytes(uint64(written)))
	return nil
}

func (c *Client) MakeFolder(path string) error {
	abs := c.ws.AbsPath(path)
	c.mutated(abs)
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return wrapErr("makeFolder", path, err)
	}
	return nil
}

func (c *Client) UpdateContent(path string, content io.Reader) error {
	return c.MakeFile(path, content)
}

// Rename changes the last path component, staying in the same folder.
func (c *Client) Rename(path, name string) (string, error) {
	newPath := utils.NormPath(utils.ParentPath(path) + "/" + name)
	return newPath, c.rename(path, newPath, "rename")
}

// Move relocates the item under another folder, keeping its name.
func (c *Client) Move(path, destParentPath string) (string, error) {
	newPath := utils.NormPath(destParentPath + "/" + utils.BaseName(path))
	return newPath, c.rename(path, newPath, "move")
}

func (c *Client) rename(oldPath, newPath, op string) error {
	oldAbs, newAbs := c.ws.AbsPath(oldPath), c.ws.AbsPath(newPath)
	if err := utils.EnsureParent(newAbs); err != nil {
		return wrapErr(op, newPath, err)
	}
	c.mutated(oldAbs)
	c.mutated(newAbs)
	if err := os.Rename(oldAbs, newAbs); err != nil {
		return wrapErr(op, oldPath, err)
	}
	return c.ids.rename(oldPath, newPath)
}

func (c *Client) Delete(path string) error {
	abs := c.ws.AbsPath(path)
	c.mutated(abs)
	if err := os.RemoveAll(abs); err != nil {
		return wrapErr("delete", path, err)
	}
	return c.ids.removeTree(path)
}

func (c *Client) Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(c.ws.AbsPath(path))
	if err != nil {
		return nil, wrapErr("open", path, err)
	}
	return f, nil
}

func (c *Client) Exists(path string) bool {
	_, err := os.Stat(c.ws.AbsPath(path))
	return err == nil
}

// Digest returns the MD5 of the file content. Results are memoized on
// (path, size, mtime) so rescans do not rehash unchanged files.
func (c *Client) Digest(path string) (string, error) {
	abs := c.ws.AbsPath(path)
	info, err := os.Stat(abs)
	if err != nil {
		return "", wrapErr("digest", path, err)
	}
	if info.IsDir() {
		return "", nil
	}

	key := fmt.Sprintf("%s|%d|%d", path, info.Size(), info.ModTime().UnixNano())
	if digest, ok := c.digests.Get(key); ok {
		return digest, nil
	}

	digest, err := utils.FileDigest(abs)
	if err != nil {
		return "", wrapErr("digest", path, err)
	}
	c.digests.Add(key, digest)
	return digest, nil
}

func (c *Client) GetChildrenInfo(path string) ([]engine.ChildInfo, error) {
	abs := c.ws.AbsPath(path)
	entries, err := os.ReadDir(abs)
	if err != nil {
		return nil, wrapErr("children", path, err)
	}

	infos := make([]engine.ChildInfo, 0, len(entries))
	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), ".nxdrive") {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		infos = append(infos, engine.ChildInfo{
			Path:      utils.NormPath(utils.NormPath(path) + "/" + entry.Name()),
			Name:      entry.Name(),
			Folderish: entry.IsDir(),
			Size:      info.Size(),
			Modified:  info.ModTime(),
		})
	}
	return infos, nil
}

func (c *Client) SetRemoteID(path, ref string) error {
	return c.ids.set(path, ref)
}

func (c *Client) GetRemoteID(path string) (string, error) {
	return c.ids.get(path), nil
}

func (c *Client) RemoveRemoteID(path string) error {
	return c.ids.remove(path)
}

// idStore persists the local-path to remote-ref binding. It lives in the
// metadata directory so a re-scan after a restart can re-associate files with
// their remote documents without guessing by name.
type idStore struct {
	path string

	mu  sync.Mutex
	ids map[string]string
}

func newIDStore(path string) (*idStore, error) {
	s := &idStore{path: path, ids: make(map[string]string)}

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return s, nil
		}
		return nil, err
	}
	if err := json.Unmarshal(data, &s.ids); err != nil {
		// a corrupt id store is recoverable: the next scan rebuilds it
		slog.Warn("discarding unreadable remote id store", "path", path, "error", err)
		s.ids = make(map[string]string)
	}
	return s, nil
}

// save must be called with the mutex held.
func (s *idStore) save() error {
	data, err := json.MarshalIndent(s.ids, "", "  ")
	if err != nil {
		return err
	}
	if err := utils.EnsureParent(s.path); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *idStore) set(path, ref string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids[utils.NormPath(path)] = ref
	return s.save()
}

func (s *idStore) get(path string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ids[utils.NormPath(path)]
}

func (s *idStore) remove(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.ids, utils.NormPath(path))
	return s.save()
}

// rename moves the binding of a path and every descendant binding under it.
func (s *idStore) rename(oldPath, newPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	oldPath, newPath = utils.NormPath(oldPath), utils.NormPath(newPath)

	moved := make(map[string]string)
	for p, ref := range s.ids {
		if p == oldPath {
			moved[newPath] = ref
		} else if strings.HasPrefix(p, oldPath+"/") {
			moved[newPath+p[len(oldPath):]] = ref
		}
	}
	if len(moved) == 0 {
		return nil
	}
	for p := range s.ids {
		if p == oldPath || strings.HasPrefix(p, oldPath+"/") {
			delete(s.ids, p)
		}
	}
	for p, ref := range moved {
		s.ids[p] = ref
	}
	return s.save()
}

// removeTree drops the binding of a path and everything under it.
func (s *idStore) removeTree(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	path = utils.NormPath(path)

	changed := false
	for p := range s.ids {
		if p == path || strings.HasPrefix(p, path+"/") {
			delete(s.ids, p)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return s.save()
}
