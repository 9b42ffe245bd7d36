// Package directedit manages single-document edit sessions outside the main
// sync tree: a document is checked out into an isolated cache folder, opened
// by the user's editor, re-uploaded as it changes and unlocked once the
// editor's lock-file sentinel disappears.
package directedit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"

	"github.com/jresende/nuxeo-drive/internal/config"
	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/utils"
)

const defaultPollDelay = 2 * time.Second

var (
	ErrNoAccount = errors.New("directedit: no account matches server url")
	ErrFolderish = errors.New("directedit: cannot edit a folder")
)

// Binding ties one configured account to the remote client built for it.
type Binding struct {
	Account config.Account
	Remote  engine.RemoteClient
}

// Session is one checked-out document.
type Session struct {
	ID        string
	Ref       string
	Name      string
	LocalPath string

	remote       engine.RemoteClient
	digest       string // digest of the last uploaded content
	locked       bool
	seenSentinel bool
	lastError    error
}

// LastError reports the most recent upload or lock failure, nil when healthy.
func (s *Session) LastError() error {
	return s.lastError
}

type Option func(*Coordinator)

// WithLocking controls whether sessions take a remote document lock while an
// editor sentinel is present. Enabled by default.
func WithLocking(enabled bool) Option {
	return func(c *Coordinator) { c.lock = enabled }
}

// WithPollDelay sets the sentinel/content poll interval.
func WithPollDelay(d time.Duration) Option {
	return func(c *Coordinator) { c.pollDelay = d }
}

// Coordinator owns the edit cache and the poll loop shared by all sessions.
type Coordinator struct {
	cacheDir  string
	bindings  []Binding
	lock      bool
	pollDelay time.Duration

	retry    *engine.BlacklistQueue
	sessions map[string]*Session
	mu       sync.Mutex

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(cacheDir string, bindings []Binding, opts ...Option) *Coordinator {
	c := &Coordinator{
		cacheDir:  cacheDir,
		bindings:  bindings,
		lock:      true,
		pollDelay: defaultPollDelay,
		sessions:  make(map[string]*Session),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.retry = engine.NewBlacklistQueue(c.pollDelay)
	return c
}

// Start launches the poll loop.
func (c *Coordinator) Start() {
	c.wg.Add(1)
	go c.pollLoop()
}

// hostKey reduces a server url to its comparable identity. The port defaults
// from the scheme when omitted so http://x and http://x:80 match.
func hostKey(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if scheme == "" || host == "" {
		return "", fmt.Errorf("directedit: invalid server url %q", raw)
	}

	port := u.Port()
	if port == "" {
		switch scheme {
		case "https":
			port = "443"
		default:
			port = "80"
		}
	}
	return scheme + "://" + host + ":" + port, nil
}

func (c *Coordinator) resolve(serverURL string) (*Binding, error) {
	want, err := hostKey(serverURL)
	if err != nil {
		return nil, err
	}
	for i := range c.bindings {
		key, err := hostKey(c.bindings[i].Account.ServerURL)
		if err != nil {
			continue
		}
		if key == want {
			return &c.bindings[i], nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoAccount, serverURL)
}

// Edit checks the document out: resolves the owning account, downloads the
// content into a fresh cache folder and registers the session with the poll
// loop. The remote lock is only taken once an editor sentinel shows up.
func (c *Coordinator) Edit(ctx context.Context, serverURL, ref string) (*Session, error) {
	binding, err := c.resolve(serverURL)
	if err != nil {
		return nil, err
	}

	info, err := binding.Remote.GetInfo(ctx, ref)
	if err != nil {
		return nil, fmt.Errorf("directedit: fetch %s: %w", ref, err)
	}
	if info.Folderish {
		return nil, ErrFolderish
	}

	id := uuid.NewString()
	dir := filepath.Join(c.cacheDir, id)
	if err := utils.EnsureDir(dir); err != nil {
		return nil, err
	}

	localPath := filepath.Join(dir, info.Name)
	digest, err := c.download(ctx, binding.Remote, ref, localPath)
	if err != nil {
		os.RemoveAll(dir)
		return nil, fmt.Errorf("directedit: download %s: %w", ref, err)
	}

	s := &Session{
		ID:        id,
		Ref:       ref,
		Name:      info.Name,
		LocalPath: localPath,
		remote:    binding.Remote,
		digest:    digest,
	}

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.retry.Push(id, id)

	slog.Info("direct edit session opened",
		"ref", ref, "name", info.Name, "account", binding.Account.Name)
	return s, nil
}

func (c *Coordinator) download(ctx context.Context, remote engine.RemoteClient, ref, dest string) (string, error) {
	rc, err := remote.Download(ctx, ref)
	if err != nil {
		return "", err
	}
	defer rc.Close()

	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(f, rc); err != nil {
		f.Close()
		return "", err
	}
	if err := f.Close(); err != nil {
		return "", err
	}
	return utils.FileDigest(dest)
}

func (c *Coordinator) pollLoop() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.pollDelay / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			for {
				item := c.retry.Get()
				if item == nil {
					break
				}
				id := item.Payload().(string)
				c.mu.Lock()
				s := c.sessions[id]
				c.mu.Unlock()
				if s == nil {
					continue
				}
				if c.processSession(context.Background(), s) {
					c.retry.Repush(item, false)
				}
			}
		}
	}
}

// sentinelPresent checks for the office-suite lock files editors drop next to
// the document while it is open.
func (s *Session) sentinelPresent() bool {
	dir := filepath.Dir(s.LocalPath)
	for _, name := range []string{"~$" + s.Name, ".~lock." + s.Name + "#"} {
		if _, err := os.Stat(filepath.Join(dir, name)); err == nil {
			return true
		}
	}
	return false
}

// processSession runs one poll step. It returns true when the session should
// be polled again, false when it finished or was torn down.
func (c *Coordinator) processSession(ctx context.Context, s *Session) bool {
	if _, err := os.Stat(s.LocalPath); err != nil {
		// cached copy gone, nothing left to upload
		slog.Warn("direct edit cache file removed", "ref", s.Ref, "path", s.LocalPath)
		c.finish(ctx, s, false)
		return false
	}

	if err := c.uploadIfChanged(ctx, s); err != nil {
		s.lastError = err
		if !engine.IsTransient(err) {
			slog.Error("direct edit upload failed permanently", "ref", s.Ref, "error", err)
			c.finish(ctx, s, false)
			return false
		}
		slog.Warn("direct edit upload failed, will retry", "ref", s.Ref, "error", err)
		return true
	}
	s.lastError = nil

	sentinel := s.sentinelPresent()
	if sentinel {
		s.seenSentinel = true
		if c.lock && !s.locked {
			if err := s.remote.Lock(ctx, s.Ref); err != nil {
				s.lastError = err
				slog.Warn("direct edit lock failed", "ref", s.Ref, "error", err)
			} else {
				s.locked = true
				slog.Info("direct edit locked document", "ref", s.Ref)
			}
		}
		return true
	}

	if s.seenSentinel {
		// the editor closed the document, the session is over
		c.finish(ctx, s, false)
		return false
	}
	return true
}

func (c *Coordinator) uploadIfChanged(ctx context.Context, s *Session) error {
	digest, err := utils.FileDigest(s.LocalPath)
	if err != nil {
		return err
	}
	if digest == s.digest {
		return nil
	}

	f, err := os.Open(s.LocalPath)
	if err != nil {
		return err
	}
	defer f.Close()

	st, _ := f.Stat()
	if _, err := s.remote.UpdateContent(ctx, s.Ref, f); err != nil {
		return err
	}
	s.digest = digest

	size := uint64(0)
	if st != nil {
		size = uint64(st.Size())
	}
	slog.Info("direct edit uploaded", "ref", s.Ref, "size", humanize.Bytes(size))
	return nil
}

// finish unlocks and discards one session. With upload true a last content
// check runs first, so pending edits are not lost.
func (c *Coordinator) finish(ctx context.Context, s *Session, upload bool) {
	if upload {
		if err := c.uploadIfChanged(ctx, s); err != nil {
			s.lastError = err
			slog.Error("direct edit final upload failed", "ref", s.Ref, "error", err)
		}
	}
	if s.locked {
		if err := s.remote.Unlock(ctx, s.Ref); err != nil {
			slog.Warn("direct edit unlock failed", "ref", s.Ref, "error", err)
		}
		s.locked = false
	}

	c.mu.Lock()
	delete(c.sessions, s.ID)
	c.mu.Unlock()
	c.retry.Remove(s.ID)
	os.RemoveAll(filepath.Dir(s.LocalPath))

	slog.Info("direct edit session closed", "ref", s.Ref)
}

// Stop cancels the poll loop without uploading. Cached copies and remote
// locks stay as they are, for a later restart to pick up.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.done) })
	c.wg.Wait()
}

// Shutdown stops polling, flushes pending edits for every open session,
// releases the locks and clears the edit cache.
func (c *Coordinator) Shutdown(ctx context.Context) {
	c.Stop()

	c.mu.Lock()
	open := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		open = append(open, s)
	}
	c.mu.Unlock()

	for _, s := range open {
		c.finish(ctx, s, true)
	}
	os.RemoveAll(c.cacheDir)
}
