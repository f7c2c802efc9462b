// Package store wraps the embedded single-file SQLite database that backs
// the work queue. It exposes a schema bootstrap step and a per-worker
// Handle factory; each worker of the pipeline owns its own Handle, never
// shared.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"strings"

	_ "modernc.org/sqlite" // register the "sqlite" driver with database/sql
)

// pageCacheKB sets the per-handle page cache to roughly 64 MiB. SQLite's
// cache_size pragma takes a negative value to mean "this many KiB" rather
// than pages.
const pageCacheKB = -64000

// busyTimeoutMS is the internal wait window SQLite spends retrying a write
// lock before surfacing SQLITE_BUSY.
const busyTimeoutMS = 5000

// Handle is a single-threaded-use database connection. It must not be
// shared between workers; each worker opens its own via Open.
type Handle struct {
	DB       *sql.DB
	readOnly bool
}

// Open opens (creating if necessary) the SQLite file at path and configures
// it for single-writer, multi-reader use: WAL journaling, a 5s busy wait,
// NORMAL synchronous (safe under WAL), and a ~64MiB page cache.
//
// When readOnly is true the handle is intended for monitoring use (progress
// sampler, status_counts reads) and keeps a small connection pool since WAL
// readers never block the writer. When false, the pool is capped to a
// single connection: SQLite permits only one writer, and serializing writes
// through one connection avoids spurious "database is locked" errors that
// the busy_timeout pragma alone doesn't fully paper over under burst load.
func Open(path string, readOnly bool) (*Handle, error) {
	dsn := path
	if readOnly {
		dsn = path + "?mode=ro"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %q: %w", path, err)
	}

	if readOnly {
		db.SetMaxOpenConns(4)
	} else {
		db.SetMaxOpenConns(1)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		fmt.Sprintf("PRAGMA busy_timeout = %d", busyTimeoutMS),
		"PRAGMA synchronous = NORMAL",
		fmt.Sprintf("PRAGMA cache_size = %d", pageCacheKB),
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("store: apply %q: %w", p, err)
		}
	}

	return &Handle{DB: db, readOnly: readOnly}, nil
}

// Close releases the underlying connection.
func (h *Handle) Close() error {
	return h.DB.Close()
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS work_queue (
	id                   INTEGER PRIMARY KEY AUTOINCREMENT,
	source_id            INTEGER NOT NULL,
	payload              TEXT    NOT NULL,
	status               TEXT    NOT NULL DEFAULT 'pending',
	created_at           TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
	processed_at         TEXT,
	result_1_body        TEXT,
	result_1_status      INTEGER,
	result_1_duration_ms REAL,
	result_2_body        TEXT,
	result_2_status      INTEGER,
	result_2_duration_ms REAL,
	result_3_body        TEXT,
	result_3_status      INTEGER,
	result_3_duration_ms REAL
);
CREATE INDEX IF NOT EXISTS idx_work_queue_status ON work_queue (status);
`

// InitSchema bootstraps the work_queue table and its status index. It is
// idempotent and must be run once from the Orchestrator, before any worker
// opens its own Handle.
func InitSchema(h *Handle) error {
	if _, err := h.DB.Exec(schemaDDL); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}

// RemoveFile deletes path and its WAL/SHM auxiliary files if present. The
// Orchestrator calls this before schema bootstrap so each run starts from a
// clean file.
func RemoveFile(path string) error {
	for _, suffix := range []string{"", "-wal", "-shm", "-journal"} {
		p := path + suffix
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("store: remove %q: %w", p, err)
		}
	}
	return nil
}

// isBusyErr reports whether err indicates SQLITE_BUSY (write-lock
// contention that exhausted the busy_timeout window). modernc.org/sqlite
// surfaces this as a generic error whose message contains "SQLITE_BUSY";
// matching on the string is the common way to detect it since the driver
// doesn't expose a typed sentinel for database/sql callers.
func isBusyErr(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "SQLITE_BUSY") || strings.Contains(err.Error(), "database is locked")
}

// IsBusyErr is the exported form used by the queue package to translate
// driver errors into pipelineerr.ErrBusy.
func IsBusyErr(err error) bool {
	return isBusyErr(err)
}
