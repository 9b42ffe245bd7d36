package remote

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/imroc/req/v3"

	"github.com/jresende/nuxeo-drive/internal/config"
	"github.com/jresende/nuxeo-drive/internal/engine"
	"github.com/jresende/nuxeo-drive/internal/version"
)

const (
	opCreateFile       = "/site/automation/NuxeoDrive.CreateFile"
	opCreateFolder     = "/site/automation/NuxeoDrive.CreateFolder"
	opUpdateFile       = "/site/automation/NuxeoDrive.UpdateFile"
	opRename           = "/site/automation/NuxeoDrive.Rename"
	opMove             = "/site/automation/NuxeoDrive.Move"
	opDelete           = "/site/automation/NuxeoDrive.Delete"
	opGetItem          = "/site/automation/NuxeoDrive.GetFileSystemItem"
	opGetChildren      = "/site/automation/NuxeoDrive.GetChildren"
	opGetChangeSummary = "/site/automation/NuxeoDrive.GetChangeSummary"
	opLock             = "/site/automation/Document.Lock"
	opUnlock           = "/site/automation/Document.Unlock"
	opDownload         = "/nxbigfile/default"

	headerDeviceID = "X-Device-Id"
	headerUserID   = "X-User-Id"
)

var userAgent = fmt.Sprintf("NuxeoDrive/%s (%s; %s)", version.Version, runtime.GOOS, runtime.GOARCH)

// document is the wire representation of a synchronizable repository item.
type document struct {
	ID           string    `json:"id"`
	ParentID     string    `json:"parentId"`
	Name         string    `json:"name"`
	Digest       string    `json:"digest"`
	Folderish    bool      `json:"folder"`
	LastModified time.Time `json:"lastModificationDate"`
	CanRename    bool      `json:"canRename"`
	CanDelete    bool      `json:"canDelete"`
	CanUpdate    bool      `json:"canUpdate"`
}

func (d *document) toInfo() *engine.RemoteInfo {
	return &engine.RemoteInfo{
		Ref:       d.ID,
		ParentRef: d.ParentID,
		Name:      d.Name,
		Digest:    d.Digest,
		Modified:  d.LastModified,
		Folderish: d.Folderish,
		CanRename: d.CanRename,
		CanDelete: d.CanDelete,
		CanUpdate: d.CanUpdate,
	}
}

// changeSummary is one page of the server audit feed.
type changeSummary struct {
	Events     []changeEvent `json:"fileSystemItemChanges"`
	UpperBound string        `json:"upperBound"`
}

type changeEvent struct {
	EventID  string    `json:"eventId"` // documentCreated, documentModified, documentMoved, deleted
	Ref      string    `json:"fileSystemItemId"`
	Time     time.Time `json:"eventDate"`
	Document *document `json:"fileSystemItem"` // nil for deletions
}

type apiError struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Status, e.Message)
}

// Client talks to the Nuxeo Drive server-side operations and implements the
// engine's remote collaborator.
type Client struct {
	http    *req.Client
	baseURL string
}

var _ engine.RemoteClient = (*Client)(nil)

// New builds a client bound to one account. The token travels as basic-auth
// password, the way the server's token authentication expects it.
func New(account config.Account, deviceID string) *Client {
	client := req.C().
		SetBaseURL(account.ServerURL).
		SetCommonBasicAuth(account.Username, account.Token).
		SetUserAgent(userAgent).
		SetCommonHeader(headerDeviceID, deviceID).
		SetCommonHeader(headerUserID, account.Username).
		SetCommonErrorResult(&apiError{}).
		SetTimeout(2 * time.Minute).
		SetJsonMarshal(jsonMarshal).
		SetJsonUnmarshal(jsonUnmarshal)

	return &Client{http: client, baseURL: account.ServerURL}
}

// wrapResponse folds transport and API errors into the engine's typed form.
func wrapResponse(resp *req.Response, requestErr error, op string) error {
	if requestErr != nil {
		kind := engine.KindUnknown
		if errors.Is(requestErr, context.DeadlineExceeded) {
			kind = engine.KindTimeout
		}
		return engine.NewOpError(kind, op, "request failed", requestErr)
	}
	if !resp.IsErrorState() {
		return nil
	}

	message := resp.Status
	if apiErr, ok := resp.ErrorResult().(*apiError); ok && apiErr.Message != "" {
		message = apiErr.Message
	}

	var kind engine.ErrorKind
	switch {
	case resp.StatusCode == http.StatusNotFound:
		kind = engine.KindNotFound
	case resp.StatusCode == http.StatusUnauthorized:
		kind = engine.KindUnauthorized
	case resp.StatusCode == http.StatusForbidden:
		kind = engine.KindPermissionDenied
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusLocked:
		kind = engine.KindLocked
	case resp.StatusCode == http.StatusBadRequest:
		kind = engine.KindInvalidName
	case resp.StatusCode == http.StatusRequestEntityTooLarge || resp.StatusCode == http.StatusInsufficientStorage:
		kind = engine.KindQuotaExceeded
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		kind = engine.KindServerError
	default:
		kind = engine.KindUnknown
	}
	return engine.NewOpError(kind, op, message, nil)
}

func (c *Client) execDoc(ctx context.Context, op, path string, params map[string]string, body io.Reader) (*engine.RemoteInfo, error) {
	var doc document
	r := c.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetSuccessResult(&doc)
	if body != nil {
		r.SetBody(body).SetContentType("application/octet-stream")
	}
	resp, err := r.Post(path)
	if err := wrapResponse(resp, err, op); err != nil {
		return nil, err
	}
	return doc.toInfo(), nil
}

func (c *Client) Create(ctx context.Context, parentRef, name string, folderish bool, content io.Reader) (*engine.RemoteInfo, error) {
	if folderish {
		return c.execDoc(ctx, "createFolder", opCreateFolder, map[string]string{
			"parentId": parentRef, "name": name,
		}, nil)
	}
	return c.execDoc(ctx, "createFile", opCreateFile, map[string]string{
		"parentId": parentRef, "name": name,
	}, content)
}

func (c *Client) UpdateContent(ctx context.Context, ref string, content io.Reader) (*engine.RemoteInfo, error) {
	return c.execDoc(ctx, "updateFile", opUpdateFile, map[string]string{"id": ref}, content)
}

func (c *Client) Rename(ctx context.Context, ref, name string) (*engine.RemoteInfo, error) {
	return c.execDoc(ctx, "rename", opRename, map[string]string{"id": ref, "name": name}, nil)
}

func (c *Client) Move(ctx context.Context, ref, destParentRef string) (*engine.RemoteInfo, error) {
	return c.execDoc(ctx, "move", opMove, map[string]string{"id": ref, "destId": destParentRef}, nil)
}

func (c *Client) Delete(ctx context.Context, ref string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", ref).
		Post(opDelete)
	return wrapResponse(resp, err, "delete")
}

func (c *Client) GetInfo(ctx context.Context, ref string) (*engine.RemoteInfo, error) {
	var doc document
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", ref).
		SetSuccessResult(&doc).
		Get(opGetItem)
	if err := wrapResponse(resp, err, "getInfo"); err != nil {
		return nil, err
	}
	return doc.toInfo(), nil
}

func (c *Client) GetChildren(ctx context.Context, ref string) ([]*engine.RemoteInfo, error) {
	var docs []document
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", ref).
		SetSuccessResult(&docs).
		Get(opGetChildren)
	if err := wrapResponse(resp, err, "getChildren"); err != nil {
		return nil, err
	}

	infos := make([]*engine.RemoteInfo, 0, len(docs))
	for i := range docs {
		infos = append(infos, docs[i].toInfo())
	}
	return infos, nil
}

// Download streams the document content. The caller owns the returned reader.
func (c *Client) Download(ctx context.Context, ref string) (io.ReadCloser, error) {
	resp, err := c.http.R().
		SetContext(ctx).
		DisableAutoReadResponse().
		Get(fmt.Sprintf("%s/%s/blobholder:0", opDownload, ref))
	if err != nil {
		return nil, engine.NewOpError(engine.KindUnknown, "download", "request failed", err)
	}
	if resp.IsErrorState() {
		defer resp.Body.Close()
		return nil, wrapResponse(resp, nil, "download")
	}
	return resp.Body, nil
}

func (c *Client) Lock(ctx context.Context, ref string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", ref).
		Post(opLock)
	return wrapResponse(resp, err, "lock")
}

func (c *Client) Unlock(ctx context.Context, ref string) error {
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("id", ref).
		Post(opUnlock)
	return wrapResponse(resp, err, "unlock")
}

// Changes fetches the audit feed page after the cursor and translates it into
// engine events.
func (c *Client) Changes(ctx context.Context, cursor string) (*engine.RemoteChangeSet, error) {
	var summary changeSummary
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("lowerBound", cursor).
		SetSuccessResult(&summary).
		Get(opGetChangeSummary)
	if err := wrapResponse(resp, err, "changes"); err != nil {
		return nil, err
	}

	set := &engine.RemoteChangeSet{Cursor: summary.UpperBound}
	if set.Cursor == "" {
		set.Cursor = cursor
	}
	for _, ev := range summary.Events {
		translated, ok := translateChange(ev)
		if !ok {
			continue
		}
		set.Events = append(set.Events, translated)
	}
	return set, nil
}

func translateChange(ev changeEvent) (engine.RemoteEvent, bool) {
	var kind engine.ChangeKind
	switch ev.EventID {
	case "documentCreated", "securityUpdated":
		kind = engine.ChangeCreated
	case "documentModified":
		kind = engine.ChangeModified
	case "documentMoved", "documentRenamed":
		kind = engine.ChangeMoved
	case "deleted", "documentDeleted":
		return engine.RemoteEvent{Ref: ev.Ref, Kind: engine.ChangeDeleted, Modified: ev.Time}, true
	default:
		return engine.RemoteEvent{}, false
	}

	if ev.Document == nil {
		return engine.RemoteEvent{}, false
	}
	return engine.RemoteEvent{
		Ref:       ev.Document.ID,
		Kind:      kind,
		ParentRef: ev.Document.ParentID,
		Name:      ev.Document.Name,
		Digest:    ev.Document.Digest,
		Modified:  ev.Document.LastModified,
		Folderish: ev.Document.Folderish,
		CanRename: ev.Document.CanRename,
		CanDelete: ev.Document.CanDelete,
		CanUpdate: ev.Document.CanUpdate,
	}, true
}
