package engine

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/jmoiron/sqlx"

	"github.com/jresende/nuxeo-drive/internal/db"
	"github.com/jresende/nuxeo-drive/internal/utils"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS pairs (
    id TEXT PRIMARY KEY,
    local_path TEXT NOT NULL DEFAULT '',
    local_parent_path TEXT NOT NULL DEFAULT '',
    local_name TEXT NOT NULL DEFAULT '',
    local_digest TEXT NOT NULL DEFAULT '',
    local_modified TEXT NOT NULL DEFAULT '',
    local_state TEXT NOT NULL DEFAULT 'unknown',
    remote_ref TEXT NOT NULL DEFAULT '',
    remote_parent_ref TEXT NOT NULL DEFAULT '',
    remote_name TEXT NOT NULL DEFAULT '',
    remote_digest TEXT NOT NULL DEFAULT '',
    remote_modified TEXT NOT NULL DEFAULT '',
    remote_state TEXT NOT NULL DEFAULT 'unknown',
    folderish INTEGER NOT NULL DEFAULT 0,
    remote_can_rename INTEGER NOT NULL DEFAULT 1,
    remote_can_delete INTEGER NOT NULL DEFAULT 1,
    remote_can_update INTEGER NOT NULL DEFAULT 1,
    pair_state TEXT NOT NULL DEFAULT 'unsynchronized',
    last_error TEXT NOT NULL DEFAULT '',
    error_count INTEGER NOT NULL DEFAULT 0,
    last_sync_date TEXT NOT NULL DEFAULT '',
    last_direction TEXT NOT NULL DEFAULT '',
    quarantined INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_pairs_local_path ON pairs(local_path) WHERE local_path != '';
CREATE UNIQUE INDEX IF NOT EXISTS idx_pairs_remote_ref ON pairs(remote_ref) WHERE remote_ref != '';
CREATE INDEX IF NOT EXISTS idx_pairs_parent_path ON pairs(local_parent_path);
CREATE INDEX IF NOT EXISTS idx_pairs_pair_state ON pairs(pair_state);

CREATE TABLE IF NOT EXISTS filters (
    path TEXT PRIMARY KEY
);

CREATE TABLE IF NOT EXISTS sync_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// dbPair is the row form of a Pair; times are stored as RFC3339 strings.
type dbPair struct {
	ID              string `db:"id"`
	LocalPath       string `db:"local_path"`
	LocalParentPath string `db:"local_parent_path"`
	LocalName       string `db:"local_name"`
	LocalDigest     string `db:"local_digest"`
	LocalModified   string `db:"local_modified"`
	LocalState      string `db:"local_state"`
	RemoteRef       string `db:"remote_ref"`
	RemoteParentRef string `db:"remote_parent_ref"`
	RemoteName      string `db:"remote_name"`
	RemoteDigest    string `db:"remote_digest"`
	RemoteModified  string `db:"remote_modified"`
	RemoteState     string `db:"remote_state"`
	Folderish       bool   `db:"folderish"`
	RemoteCanRename bool   `db:"remote_can_rename"`
	RemoteCanDelete bool   `db:"remote_can_delete"`
	RemoteCanUpdate bool   `db:"remote_can_update"`
	PairState       string `db:"pair_state"`
	LastError       string `db:"last_error"`
	ErrorCount      int    `db:"error_count"`
	LastSyncDate    string `db:"last_sync_date"`
	LastDirection   string `db:"last_direction"`
	Quarantined     bool   `db:"quarantined"`
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func toRow(p *Pair) dbPair {
	return dbPair{
		ID:              p.ID,
		LocalPath:       p.LocalPath,
		LocalParentPath: p.LocalParentPath,
		LocalName:       p.LocalName,
		LocalDigest:     p.LocalDigest,
		LocalModified:   formatTime(p.LocalModified),
		LocalState:      string(p.LocalState),
		RemoteRef:       p.RemoteRef,
		RemoteParentRef: p.RemoteParentRef,
		RemoteName:      p.RemoteName,
		RemoteDigest:    p.RemoteDigest,
		RemoteModified:  formatTime(p.RemoteModified),
		RemoteState:     string(p.RemoteState),
		Folderish:       p.Folderish,
		RemoteCanRename: p.RemoteCanRename,
		RemoteCanDelete: p.RemoteCanDelete,
		RemoteCanUpdate: p.RemoteCanUpdate,
		PairState:       string(p.PairState),
		LastError:       p.LastError,
		ErrorCount:      p.ErrorCount,
		LastSyncDate:    formatTime(p.LastSyncDate),
		LastDirection:   string(p.LastDirection),
		Quarantined:     p.Quarantined,
	}
}

func fromRow(r *dbPair) *Pair {
	return &Pair{
		ID:              r.ID,
		LocalPath:       r.LocalPath,
		LocalParentPath: r.LocalParentPath,
		LocalName:       r.LocalName,
		LocalDigest:     r.LocalDigest,
		LocalModified:   parseTime(r.LocalModified),
		LocalState:      SideState(r.LocalState),
		RemoteRef:       r.RemoteRef,
		RemoteParentRef: r.RemoteParentRef,
		RemoteName:      r.RemoteName,
		RemoteDigest:    r.RemoteDigest,
		RemoteModified:  parseTime(r.RemoteModified),
		RemoteState:     SideState(r.RemoteState),
		Folderish:       r.Folderish,
		RemoteCanRename: r.RemoteCanRename,
		RemoteCanDelete: r.RemoteCanDelete,
		RemoteCanUpdate: r.RemoteCanUpdate,
		PairState:       PairState(r.PairState),
		LastError:       r.LastError,
		ErrorCount:      r.ErrorCount,
		LastSyncDate:    parseTime(r.LastSyncDate),
		LastDirection:   TransferDirection(r.LastDirection),
		Quarantined:     r.Quarantined,
	}
}

const pairColumns = `id, local_path, local_parent_path, local_name, local_digest, local_modified, local_state,
	remote_ref, remote_parent_ref, remote_name, remote_digest, remote_modified, remote_state,
	folderish, remote_can_rename, remote_can_delete, remote_can_update,
	pair_state, last_error, error_count, last_sync_date, last_direction, quarantined`

// The upsert targets the primary key only. A violation of the unique
// local_path or remote_ref index must fail loudly; OR REPLACE would quietly
// delete whichever row already holds the path.
const pairUpsert = `INSERT INTO pairs (` + pairColumns + `) VALUES
	(:id, :local_path, :local_parent_path, :local_name, :local_digest, :local_modified, :local_state,
	:remote_ref, :remote_parent_ref, :remote_name, :remote_digest, :remote_modified, :remote_state,
	:folderish, :remote_can_rename, :remote_can_delete, :remote_can_update,
	:pair_state, :last_error, :error_count, :last_sync_date, :last_direction, :quarantined)
	ON CONFLICT(id) DO UPDATE SET
	local_path = excluded.local_path, local_parent_path = excluded.local_parent_path,
	local_name = excluded.local_name, local_digest = excluded.local_digest,
	local_modified = excluded.local_modified, local_state = excluded.local_state,
	remote_ref = excluded.remote_ref, remote_parent_ref = excluded.remote_parent_ref,
	remote_name = excluded.remote_name, remote_digest = excluded.remote_digest,
	remote_modified = excluded.remote_modified, remote_state = excluded.remote_state,
	folderish = excluded.folderish, remote_can_rename = excluded.remote_can_rename,
	remote_can_delete = excluded.remote_can_delete, remote_can_update = excluded.remote_can_update,
	pair_state = excluded.pair_state, last_error = excluded.last_error,
	error_count = excluded.error_count, last_sync_date = excluded.last_sync_date,
	last_direction = excluded.last_direction, quarantined = excluded.quarantined`

// StateStore is the durable ledger of pairs, filters and sync metadata,
// backed by SQLite. All per-pair mutations are atomic; subtree operations run
// in a single transaction.
type StateStore struct {
	db     *sqlx.DB
	dbPath string
}

// NewStateStore creates a store handle; Open must be called before use.
// Use ":memory:" for tests.
func NewStateStore(dbPath string) *StateStore {
	return &StateStore{dbPath: dbPath}
}

func (s *StateStore) Open() error {
	if s.db != nil {
		return fmt.Errorf("state store already open")
	}

	sdb, err := db.Open(s.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open state store: %w", err)
	}

	if _, err := sdb.Exec(storeSchema); err != nil {
		sdb.Close()
		return fmt.Errorf("failed to initialize store schema: %w", err)
	}

	s.db = sdb
	return nil
}

func (s *StateStore) Close() error {
	if s.db == nil {
		return fmt.Errorf("state store not open")
	}
	if err := s.db.Close(); err != nil {
		slog.Error("failed to close state store", "error", err)
		return err
	}
	s.db = nil
	return nil
}

func (s *StateStore) getOne(query string, arg any) (*Pair, error) {
	var row dbPair
	err := s.db.Get(&row, query, arg)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return fromRow(&row), nil
}

// GetByID returns the pair with the given id, or nil.
func (s *StateStore) GetByID(id string) (*Pair, error) {
	return s.getOne("SELECT "+pairColumns+" FROM pairs WHERE id = ?", id)
}

// GetByLocalPath returns the pair bound to the canonical local path, or nil.
func (s *StateStore) GetByLocalPath(path string) (*Pair, error) {
	return s.getOne("SELECT "+pairColumns+" FROM pairs WHERE local_path = ?", utils.NormPath(path))
}

// GetByRemoteRef returns the pair bound to the remote ref, or nil.
func (s *StateStore) GetByRemoteRef(ref string) (*Pair, error) {
	return s.getOne("SELECT "+pairColumns+" FROM pairs WHERE remote_ref = ?", ref)
}

// Update persists the full pair record and stamps last_sync_date.
func (s *StateStore) Update(p *Pair) error {
	if p.ID == "" {
		return fmt.Errorf("cannot update pair without id")
	}
	p.LastSyncDate = time.Now()
	row := toRow(p)
	if _, err := s.db.NamedExec(pairUpsert, row); err != nil {
		return fmt.Errorf("failed to update pair %s: %w", p.ID, err)
	}
	return nil
}

// LocalAttrs are the local-side attributes observed on disk.
type LocalAttrs struct {
	Digest    string
	Modified  time.Time
	Folderish bool
}

// RemoteAttrs are the remote-side attributes reported by the repository.
type RemoteAttrs struct {
	ParentRef string
	Name      string
	Digest    string
	Modified  time.Time
	Folderish bool
	CanRename bool
	CanDelete bool
	CanUpdate bool
}

// UpsertLocal creates or updates the pair bound to a local path and refreshes
// its local-side attributes. New pairs start with local_state=created.
func (s *StateStore) UpsertLocal(path string, attrs LocalAttrs) (*Pair, error) {
	path = utils.NormPath(path)
	p, err := s.GetByLocalPath(path)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Pair{
			ID:              newPairID(),
			LocalPath:       path,
			LocalParentPath: utils.ParentPath(path),
			LocalName:       utils.BaseName(path),
			LocalState:      SideCreated,
			RemoteState:     SideUnknown,
			Folderish:       attrs.Folderish,
			RemoteCanRename: true,
			RemoteCanDelete: true,
			RemoteCanUpdate: true,
		}
	}
	p.LocalDigest = attrs.Digest
	p.LocalModified = attrs.Modified
	p.Transition()
	if err := s.Update(p); err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertRemote creates or updates the pair bound to a remote ref and
// refreshes its remote-side attributes. New pairs start with
// remote_state=created.
func (s *StateStore) UpsertRemote(ref string, attrs RemoteAttrs) (*Pair, error) {
	p, err := s.GetByRemoteRef(ref)
	if err != nil {
		return nil, err
	}
	if p == nil {
		p = &Pair{
			ID:          newPairID(),
			RemoteRef:   ref,
			LocalState:  SideUnknown,
			RemoteState: SideCreated,
			Folderish:   attrs.Folderish,
		}
	}
	p.RemoteParentRef = attrs.ParentRef
	p.RemoteName = attrs.Name
	p.RemoteDigest = attrs.Digest
	p.RemoteModified = attrs.Modified
	p.RemoteCanRename = attrs.CanRename
	p.RemoteCanDelete = attrs.CanDelete
	p.RemoteCanUpdate = attrs.CanUpdate
	p.Transition()
	if err := s.Update(p); err != nil {
		return nil, err
	}
	return p, nil
}

// GetChildrenByPath returns the direct children of a local folder path.
func (s *StateStore) GetChildrenByPath(parentPath string) ([]*Pair, error) {
	var rows []dbPair
	err := s.db.Select(&rows, "SELECT "+pairColumns+" FROM pairs WHERE local_parent_path = ? ORDER BY local_path", utils.NormPath(parentPath))
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// GetChildrenByRef returns the direct children of a remote folder ref.
func (s *StateStore) GetChildrenByRef(parentRef string) ([]*Pair, error) {
	var rows []dbPair
	err := s.db.Select(&rows, "SELECT "+pairColumns+" FROM pairs WHERE remote_parent_ref = ? ORDER BY remote_name", parentRef)
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// GetDescendants returns every pair strictly under a local folder path.
func (s *StateStore) GetDescendants(folderPath string) ([]*Pair, error) {
	var rows []dbPair
	prefix := utils.NormPath(folderPath) + "/"
	err := s.db.Select(&rows, "SELECT "+pairColumns+" FROM pairs WHERE local_path LIKE ? ESCAPE '\\' ORDER BY local_path", likePrefix(prefix))
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

func fromRows(rows []dbPair) []*Pair {
	pairs := make([]*Pair, 0, len(rows))
	for i := range rows {
		pairs = append(pairs, fromRow(&rows[i]))
	}
	return pairs
}

// likePrefix escapes LIKE metacharacters so a path prefix matches literally.
func likePrefix(prefix string) string {
	escaped := make([]byte, 0, len(prefix)+8)
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if c == '%' || c == '_' || c == '\\' {
			escaped = append(escaped, '\\')
		}
		escaped = append(escaped, c)
	}
	return string(escaped) + "%"
}

// MarkSynchronized records a successful operation: both sides synchronized,
// errors cleared.
func (s *StateStore) MarkSynchronized(id string) error {
	res, err := s.db.Exec(`UPDATE pairs SET
		local_state = ?, remote_state = ?, pair_state = ?,
		last_error = '', error_count = 0, last_sync_date = ?
		WHERE id = ?`,
		string(SideSynchronized), string(SideSynchronized), string(PairSynchronized),
		formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark pair %s synchronized: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkError records a transient failure: error_count is incremented and the
// pair state is left unchanged.
func (s *StateStore) MarkError(id string, reason string) error {
	res, err := s.db.Exec(`UPDATE pairs SET
		last_error = ?, error_count = error_count + 1, last_sync_date = ?
		WHERE id = ?`,
		reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark pair %s errored: %w", id, err)
	}
	return requireRow(res, id)
}

// MarkUnsynchronized records a permanent failure; the pair is surfaced to the
// user and never retried automatically.
func (s *StateStore) MarkUnsynchronized(id string, reason string) error {
	res, err := s.db.Exec(`UPDATE pairs SET
		pair_state = ?, last_error = ?, last_sync_date = ?
		WHERE id = ?`,
		string(PairUnsynchronized), reason, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("failed to mark pair %s unsynchronized: %w", id, err)
	}
	return requireRow(res, id)
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pair %s not found", id)
	}
	return nil
}

// Delete removes a pair record.
func (s *StateStore) Delete(id string) error {
	if _, err := s.db.Exec("DELETE FROM pairs WHERE id = ?", id); err != nil {
		return fmt.Errorf("failed to delete pair %s: %w", id, err)
	}
	return nil
}

// DeleteSubtree removes a folder pair and every descendant in one
// transaction, used when both sides confirmed deletion or a filter removed
// the subtree.
func (s *StateStore) DeleteSubtree(folderPath string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	path := utils.NormPath(folderPath)
	if _, err := tx.Exec("DELETE FROM pairs WHERE local_path = ?", path); err != nil {
		return err
	}
	if _, err := tx.Exec("DELETE FROM pairs WHERE local_path LIKE ? ESCAPE '\\'", likePrefix(path+"/")); err != nil {
		return err
	}
	return tx.Commit()
}

// ListPending returns all actionable pairs ordered parents-first (folders
// before files, shallow before deep).
func (s *StateStore) ListPending() ([]*Pair, error) {
	var rows []dbPair
	err := s.db.Select(&rows, `SELECT `+pairColumns+` FROM pairs
		WHERE quarantined = 0 AND pair_state IN (?, ?, ?, ?, ?, ?, ?, ?)
		ORDER BY folderish DESC, (LENGTH(local_path) - LENGTH(REPLACE(local_path, '/', ''))) ASC, local_path ASC`,
		string(PairLocallyCreated), string(PairRemotelyCreated),
		string(PairLocallyModified), string(PairRemotelyModified),
		string(PairLocallyMoved), string(PairRemotelyMoved),
		string(PairLocallyDeleted), string(PairRemotelyDeleted))
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ListErrored returns pairs with a non-zero error count, used to rebuild the
// retry queue after a restart.
func (s *StateStore) ListErrored() ([]*Pair, error) {
	var rows []dbPair
	err := s.db.Select(&rows, "SELECT "+pairColumns+" FROM pairs WHERE error_count > 0 AND quarantined = 0")
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ListByState returns all pairs in the given state.
func (s *StateStore) ListByState(state PairState) ([]*Pair, error) {
	var rows []dbPair
	err := s.db.Select(&rows, "SELECT "+pairColumns+" FROM pairs WHERE pair_state = ? ORDER BY local_path", string(state))
	if err != nil {
		return nil, err
	}
	return fromRows(rows), nil
}

// ReparentSubtree rewrites the folder pair's paths and every descendant's
// path fields in one transaction. Descendant states and digests are
// untouched: a moved subtree keeps its content identity.
func (s *StateStore) ReparentSubtree(oldPath, newPath string) error {
	oldPath = utils.NormPath(oldPath)
	newPath = utils.NormPath(newPath)

	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := formatTime(time.Now())

	if _, err := tx.Exec(`UPDATE pairs SET
		local_path = ?, local_parent_path = ?, local_name = ?, last_sync_date = ?
		WHERE local_path = ?`,
		newPath, utils.ParentPath(newPath), utils.BaseName(newPath), now, oldPath); err != nil {
		return fmt.Errorf("failed to reparent folder %s: %w", oldPath, err)
	}

	// rewrite descendant path prefixes; parent paths follow from the same
	// substitution. SUBSTR counts characters, not bytes, so the offset must
	// be in runes or non-ASCII folder names shift the cut point
	cut := utf8.RuneCountInString(oldPath) + 1
	if _, err := tx.Exec(`UPDATE pairs SET
		local_path = ? || SUBSTR(local_path, ?),
		local_parent_path = ? || SUBSTR(local_parent_path, ?),
		last_sync_date = ?
		WHERE local_path LIKE ? ESCAPE '\'`,
		newPath, cut,
		newPath, cut,
		now, likePrefix(oldPath+"/")); err != nil {
		return fmt.Errorf("failed to reparent descendants of %s: %w", oldPath, err)
	}

	return tx.Commit()
}

// Quarantine flags a pair and all its descendants after an invariant
// violation; quarantined pairs are excluded from scheduling.
func (s *StateStore) Quarantine(folderPath string, reason string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	path := utils.NormPath(folderPath)
	now := formatTime(time.Now())
	if _, err := tx.Exec(`UPDATE pairs SET quarantined = 1, last_error = ?, last_sync_date = ? WHERE local_path = ?`,
		reason, now, path); err != nil {
		return err
	}
	if _, err := tx.Exec(`UPDATE pairs SET quarantined = 1, last_error = ?, last_sync_date = ? WHERE local_path LIKE ? ESCAPE '\'`,
		reason, now, likePrefix(path+"/")); err != nil {
		return err
	}
	return tx.Commit()
}

// StateCounts summarizes pair states for UI display.
type StateCounts struct {
	Pending     int
	Conflicted  int
	Errored     int
	Quarantined int
}

// Counts returns pending/conflicted/errored totals.
func (s *StateStore) Counts() (*StateCounts, error) {
	var counts StateCounts
	err := s.db.Get(&counts.Pending, `SELECT COUNT(*) FROM pairs WHERE quarantined = 0 AND pair_state IN (?, ?, ?, ?, ?, ?, ?, ?)`,
		string(PairLocallyCreated), string(PairRemotelyCreated),
		string(PairLocallyModified), string(PairRemotelyModified),
		string(PairLocallyMoved), string(PairRemotelyMoved),
		string(PairLocallyDeleted), string(PairRemotelyDeleted))
	if err != nil {
		return nil, err
	}
	if err := s.db.Get(&counts.Conflicted, "SELECT COUNT(*) FROM pairs WHERE pair_state = ?", string(PairConflicted)); err != nil {
		return nil, err
	}
	if err := s.db.Get(&counts.Errored, "SELECT COUNT(*) FROM pairs WHERE error_count > 0 OR pair_state = ?", string(PairUnsynchronized)); err != nil {
		return nil, err
	}
	if err := s.db.Get(&counts.Quarantined, "SELECT COUNT(*) FROM pairs WHERE quarantined = 1"); err != nil {
		return nil, err
	}
	return &counts, nil
}

// GetFilters returns all stored filter prefixes.
func (s *StateStore) GetFilters() ([]string, error) {
	var paths []string
	if err := s.db.Select(&paths, "SELECT path FROM filters ORDER BY path"); err != nil {
		return nil, err
	}
	return paths, nil
}

// ReplaceFilters atomically swaps the stored filter set.
func (s *StateStore) ReplaceFilters(paths []string) error {
	tx, err := s.db.Beginx()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("DELETE FROM filters"); err != nil {
		return err
	}
	for _, p := range paths {
		if _, err := tx.Exec("INSERT INTO filters (path) VALUES (?)", p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetMeta returns a sync metadata value (e.g. the remote audit cursor).
func (s *StateStore) GetMeta(key string) (string, error) {
	var value string
	err := s.db.Get(&value, "SELECT value FROM sync_meta WHERE key = ?", key)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", nil
		}
		return "", err
	}
	return value, nil
}

// SetMeta stores a sync metadata value.
func (s *StateStore) SetMeta(key, value string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO sync_meta (key, value) VALUES (?, ?)", key, value)
	return err
}
