package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jresende/nuxeo-drive/internal/config"
	"github.com/jresende/nuxeo-drive/internal/engine"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return New(config.Account{
		Name:      "test",
		ServerURL: srv.URL,
		Username:  "jdoe",
		Token:     "secret-token",
	}, "device-1")
}

func TestCreateFileUploadsContent(t *testing.T) {
	var gotBody string
	var gotUser string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, opCreateFile, r.URL.Path)
		require.Equal(t, "dir-1", r.URL.Query().Get("parentId"))
		require.Equal(t, "report.txt", r.URL.Query().Get("name"))
		gotUser, _, _ = r.BasicAuth()

		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)

		writeJSON(w, http.StatusOK, document{
			ID: "doc-1", ParentID: "dir-1", Name: "report.txt",
			Digest: "abc", LastModified: time.Now(),
			CanRename: true, CanDelete: true, CanUpdate: true,
		})
	}))

	info, err := c.Create(context.Background(), "dir-1", "report.txt", false, strings.NewReader("hello"))
	require.NoError(t, err)
	assert.Equal(t, "doc-1", info.Ref)
	assert.Equal(t, "dir-1", info.ParentRef)
	assert.True(t, info.CanUpdate)
	assert.Equal(t, "hello", gotBody)
	assert.Equal(t, "jdoe", gotUser)
}

func TestCreateFolderHasNoBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, opCreateFolder, r.URL.Path)
		body, _ := io.ReadAll(r.Body)
		require.Empty(t, body)
		writeJSON(w, http.StatusOK, document{ID: "dir-2", Name: "photos", Folderish: true})
	}))

	info, err := c.Create(context.Background(), "", "photos", true, nil)
	require.NoError(t, err)
	assert.Equal(t, "dir-2", info.Ref)
	assert.True(t, info.Folderish)
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		status int
		kind   engine.ErrorKind
	}{
		{http.StatusNotFound, engine.KindNotFound},
		{http.StatusUnauthorized, engine.KindUnauthorized},
		{http.StatusForbidden, engine.KindPermissionDenied},
		{http.StatusConflict, engine.KindLocked},
		{http.StatusLocked, engine.KindLocked},
		{http.StatusBadRequest, engine.KindInvalidName},
		{http.StatusInsufficientStorage, engine.KindQuotaExceeded},
		{http.StatusInternalServerError, engine.KindServerError},
		{http.StatusBadGateway, engine.KindServerError},
	}
	for _, tc := range cases {
		c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, tc.status, apiError{Status: tc.status, Message: "nope"})
		}))

		err := c.Delete(context.Background(), "doc-1")
		require.Error(t, err)
		assert.Equal(t, tc.kind, engine.KindOf(err), "status %d", tc.status)
	}
}

func TestDownloadStreamsBody(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasPrefix(r.URL.Path, opDownload))
		io.WriteString(w, "file content")
	}))

	rc, err := c.Download(context.Background(), "doc-1")
	require.NoError(t, err)
	defer rc.Close()

	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, "file content", string(data))
}

func TestDownloadMissingDocument(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))

	_, err := c.Download(context.Background(), "doc-404")
	require.Error(t, err)
	assert.Equal(t, engine.KindNotFound, engine.KindOf(err))
}

func TestChangesTranslatesFeed(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, opGetChangeSummary, r.URL.Path)
		require.Equal(t, "100", r.URL.Query().Get("lowerBound"))

		writeJSON(w, http.StatusOK, changeSummary{
			UpperBound: "117",
			Events: []changeEvent{
				{
					EventID: "documentCreated", Ref: "doc-1", Time: now,
					Document: &document{ID: "doc-1", Name: "a.txt", Digest: "d1", LastModified: now, CanUpdate: true},
				},
				{
					EventID: "documentMoved", Ref: "doc-2", Time: now,
					Document: &document{ID: "doc-2", ParentID: "dir-1", Name: "b.txt", LastModified: now},
				},
				{EventID: "deleted", Ref: "doc-3", Time: now},
				{EventID: "somethingExotic", Ref: "doc-4", Time: now},
			},
		})
	}))

	set, err := c.Changes(context.Background(), "100")
	require.NoError(t, err)
	assert.Equal(t, "117", set.Cursor)
	require.Len(t, set.Events, 3)

	assert.Equal(t, engine.ChangeCreated, set.Events[0].Kind)
	assert.Equal(t, "doc-1", set.Events[0].Ref)
	assert.Equal(t, engine.ChangeMoved, set.Events[1].Kind)
	assert.Equal(t, "dir-1", set.Events[1].ParentRef)
	assert.Equal(t, engine.ChangeDeleted, set.Events[2].Kind)
	assert.Equal(t, "doc-3", set.Events[2].Ref)
}

func TestChangesKeepsCursorWhenFeedIsQuiet(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, changeSummary{})
	}))

	set, err := c.Changes(context.Background(), "42")
	require.NoError(t, err)
	assert.Equal(t, "42", set.Cursor)
	assert.Empty(t, set.Events)
}
