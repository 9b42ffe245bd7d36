package directedit

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jresende/nuxeo-drive/internal/config"
	"github.com/jresende/nuxeo-drive/internal/engine"
)

// stubRemote records the calls the coordinator makes. Only the operations
// direct edit uses are meaningful; the rest satisfy the interface.
type stubRemote struct {
	mu      sync.Mutex
	name    string
	content string
	uploads []string
	locks   int
	unlocks int
	lockErr error
}

func (r *stubRemote) GetInfo(_ context.Context, ref string) (*engine.RemoteInfo, error) {
	return &engine.RemoteInfo{Ref: ref, Name: r.name, CanUpdate: true}, nil
}

func (r *stubRemote) Download(context.Context, string) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(r.content)), nil
}

func (r *stubRemote) UpdateContent(_ context.Context, _ string, content io.Reader) (*engine.RemoteInfo, error) {
	data, err := io.ReadAll(content)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.uploads = append(r.uploads, string(data))
	r.mu.Unlock()
	return &engine.RemoteInfo{Name: r.name}, nil
}

func (r *stubRemote) Lock(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lockErr != nil {
		return r.lockErr
	}
	r.locks++
	return nil
}

func (r *stubRemote) Unlock(context.Context, string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unlocks++
	return nil
}

func (r *stubRemote) uploaded() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.uploads...)
}

func (r *stubRemote) Create(context.Context, string, string, bool, io.Reader) (*engine.RemoteInfo, error) {
	panic("not used")
}
func (r *stubRemote) Rename(context.Context, string, string) (*engine.RemoteInfo, error) {
	panic("not used")
}
func (r *stubRemote) Move(context.Context, string, string) (*engine.RemoteInfo, error) {
	panic("not used")
}
func (r *stubRemote) Delete(context.Context, string) error { panic("not used") }
func (r *stubRemote) GetChildren(context.Context, string) ([]*engine.RemoteInfo, error) {
	panic("not used")
}
func (r *stubRemote) Changes(context.Context, string) (*engine.RemoteChangeSet, error) {
	panic("not used")
}

func account(name, serverURL string) config.Account {
	return config.Account{Name: name, ServerURL: serverURL, Username: "jdoe", Token: "t"}
}

func newTestCoordinator(t *testing.T, remote *stubRemote) *Coordinator {
	t.Helper()
	return New(t.TempDir(), []Binding{
		{Account: account("main", "https://nuxeo.example.com"), Remote: remote},
	}, WithPollDelay(20*time.Millisecond))
}

func TestHostKeyDefaultsPorts(t *testing.T) {
	cases := []struct {
		raw  string
		want string
	}{
		{"https://nuxeo.example.com", "https://nuxeo.example.com:443"},
		{"https://nuxeo.example.com:443/nuxeo", "https://nuxeo.example.com:443"},
		{"http://Nuxeo.Example.COM", "http://nuxeo.example.com:80"},
		{"http://nuxeo.example.com:8080", "http://nuxeo.example.com:8080"},
	}
	for _, tc := range cases {
		got, err := hostKey(tc.raw)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.raw)
	}

	_, err := hostKey("not a url at all ://")
	assert.Error(t, err)
}

func TestResolveMatchesSchemeHostPort(t *testing.T) {
	primary := &stubRemote{name: "a.txt"}
	other := &stubRemote{name: "b.txt"}
	c := New(t.TempDir(), []Binding{
		{Account: account("main", "https://nuxeo.example.com:443"), Remote: primary},
		{Account: account("dev", "http://localhost:8080"), Remote: other},
	})

	b, err := c.resolve("https://nuxeo.example.com/nuxeo/site")
	require.NoError(t, err)
	assert.Equal(t, "main", b.Account.Name)

	b, err = c.resolve("http://localhost:8080")
	require.NoError(t, err)
	assert.Equal(t, "dev", b.Account.Name)

	_, err = c.resolve("https://elsewhere.example.com")
	assert.ErrorIs(t, err, ErrNoAccount)
}

func TestEditDownloadsIntoCache(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	c := newTestCoordinator(t, remote)

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)

	data, err := os.ReadFile(s.LocalPath)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(data))
	assert.Equal(t, "report.docx", filepath.Base(s.LocalPath))
	assert.Empty(t, remote.uploaded())
}

func TestEditRejectsFolders(t *testing.T) {
	remote := &stubRemote{name: "docs"}
	c := newTestCoordinator(t, remote)

	c.bindings[0].Remote = folderishRemote{remote}
	_, err := c.Edit(context.Background(), "https://nuxeo.example.com", "dir-1")
	assert.ErrorIs(t, err, ErrFolderish)
}

type folderishRemote struct{ *stubRemote }

func (r folderishRemote) GetInfo(_ context.Context, ref string) (*engine.RemoteInfo, error) {
	return &engine.RemoteInfo{Ref: ref, Name: "docs", Folderish: true}, nil
}

func TestUploadsOnContentChange(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	c := newTestCoordinator(t, remote)

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)

	require.True(t, c.processSession(context.Background(), s))
	assert.Empty(t, remote.uploaded())

	require.NoError(t, os.WriteFile(s.LocalPath, []byte("v2"), 0o644))
	require.True(t, c.processSession(context.Background(), s))
	assert.Equal(t, []string{"v2"}, remote.uploaded())

	// unchanged content does not upload again
	require.True(t, c.processSession(context.Background(), s))
	assert.Equal(t, []string{"v2"}, remote.uploaded())
}

func TestLockFollowsSentinelLifecycle(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	c := newTestCoordinator(t, remote)

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)
	sentinel := filepath.Join(filepath.Dir(s.LocalPath), "~$report.docx")

	// editor opens the document
	require.NoError(t, os.WriteFile(sentinel, nil, 0o644))
	require.True(t, c.processSession(context.Background(), s))
	assert.Equal(t, 1, remote.locks)
	assert.Equal(t, 0, remote.unlocks)

	// still open, lock is not retaken
	require.True(t, c.processSession(context.Background(), s))
	assert.Equal(t, 1, remote.locks)

	// editor closes, last save flushed then unlocked
	require.NoError(t, os.WriteFile(s.LocalPath, []byte("final"), 0o644))
	require.NoError(t, os.Remove(sentinel))
	require.False(t, c.processSession(context.Background(), s))
	assert.Equal(t, []string{"final"}, remote.uploaded())
	assert.Equal(t, 1, remote.unlocks)
	assert.NoDirExists(t, filepath.Dir(s.LocalPath))
}

func TestLibreOfficeSentinelIsRecognized(t *testing.T) {
	remote := &stubRemote{name: "sheet.ods", content: "v1"}
	c := newTestCoordinator(t, remote)

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)

	sentinel := filepath.Join(filepath.Dir(s.LocalPath), ".~lock.sheet.ods#")
	require.NoError(t, os.WriteFile(sentinel, nil, 0o644))
	require.True(t, c.processSession(context.Background(), s))
	assert.Equal(t, 1, remote.locks)
}

func TestWithLockingDisabled(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	c := New(t.TempDir(), []Binding{
		{Account: account("main", "https://nuxeo.example.com"), Remote: remote},
	}, WithLocking(false), WithPollDelay(20*time.Millisecond))

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)

	sentinel := filepath.Join(filepath.Dir(s.LocalPath), "~$report.docx")
	require.NoError(t, os.WriteFile(sentinel, nil, 0o644))
	require.True(t, c.processSession(context.Background(), s))
	assert.Equal(t, 0, remote.locks)
}

func TestShutdownFlushesPendingEdits(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	cache := t.TempDir()
	c := New(cache, []Binding{
		{Account: account("main", "https://nuxeo.example.com"), Remote: remote},
	}, WithPollDelay(time.Hour))
	c.Start()

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.LocalPath, []byte("unsaved"), 0o644))

	c.Shutdown(context.Background())
	assert.Equal(t, []string{"unsaved"}, remote.uploaded())
	assert.NoDirExists(t, cache)
}

func TestStopLeavesEditsInPlace(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	c := newTestCoordinator(t, remote)
	c.Start()

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.LocalPath, []byte("unsaved"), 0o644))

	c.Stop()
	assert.Empty(t, remote.uploaded())
	assert.FileExists(t, s.LocalPath)
}

func TestPollLoopDrivesSessions(t *testing.T) {
	remote := &stubRemote{name: "report.docx", content: "v1"}
	c := newTestCoordinator(t, remote)
	c.Start()
	defer c.Stop()

	s, err := c.Edit(context.Background(), "https://nuxeo.example.com", "doc-1")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.LocalPath, []byte("v2"), 0o644))

	require.Eventually(t, func() bool {
		return len(remote.uploaded()) == 1
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"v2"}, remote.uploaded())
}
