// Package db opens the SQLite files backing the sync ledger. The engine is
// the only writer and serializes its own transactions, so every handle is
// pinned to a single connection; WAL keeps readers (status queries, the
// filter table) from blocking it.
package db

import (
	"fmt"
	"log/slog"

	"github.com/jmoiron/sqlx"

	"github.com/jresende/nuxeo-drive/internal/utils"
)

// ledgerPragma tunes SQLite for a long-running desktop sync process: WAL so
// reads proceed during sync bursts, NORMAL synchronous since the ledger can
// be rebuilt by a rescan, and a busy timeout covering writes that overlap a
// direct-edit flush.
const ledgerPragma = `
PRAGMA journal_mode=WAL;
PRAGMA synchronous=NORMAL;
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
PRAGMA cache_size=8000;
`

// Open opens the ledger database at path, creating the file and its parent
// directories as needed. ":memory:" yields a private in-memory database,
// used by tests.
func Open(path string) (*sqlx.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := utils.EnsureParent(path); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	slog.Debug("opening ledger database", "driver", driverID, "path", path)
	hdl, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// one connection: the store serializes writes itself, and a pool would
	// split an in-memory database into unrelated copies
	hdl.SetMaxOpenConns(1)

	if _, err := hdl.Exec(ledgerPragma); err != nil {
		hdl.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	return hdl, nil
}
