// Package hotlog is the SQLite-backed hot tier owned by a single
// sequencer instance: one database file per stream holding the meta row,
// recent ops, producer table and segment index.
//
// Mutations are expressed as (sql, args) pairs and committed through a
// single transactional Batch so an append, its meta update, the producer
// upsert and a close transition are atomic.
package hotlog

import (
	"context"
	"database/sql"

	_ "github.com/mattn/go-sqlite3"
	"github.com/zeebo/errs"
)

// Error wraps all failures from this package.
var Error = errs.Class("hotlog")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = Error.New("not found")

// DB is an open per-stream hot log.
type DB struct {
	db   *sql.DB
	path string
}

const schema = `
CREATE TABLE IF NOT EXISTS stream_meta (
	id             INTEGER PRIMARY KEY CHECK (id = 1),
	project_id     TEXT NOT NULL,
	stream_id      TEXT NOT NULL,
	content_type   TEXT NOT NULL,
	closed         INTEGER NOT NULL DEFAULT 0,
	tail_offset    INTEGER NOT NULL DEFAULT 0,
	read_seq       INTEGER NOT NULL DEFAULT 0,
	segment_start  INTEGER NOT NULL DEFAULT 0,
	segment_msgs   INTEGER NOT NULL DEFAULT 0,
	segment_bytes  INTEGER NOT NULL DEFAULT 0,
	last_stream_seq TEXT NOT NULL DEFAULT '',
	ttl_seconds    INTEGER,
	expires_at     INTEGER,
	created_at     INTEGER NOT NULL,
	closed_by_id   TEXT,
	closed_by_epoch INTEGER,
	closed_by_seq  INTEGER
);
CREATE TABLE IF NOT EXISTS ops (
	start_offset   INTEGER PRIMARY KEY,
	end_offset     INTEGER NOT NULL,
	size_bytes     INTEGER NOT NULL,
	body           BLOB NOT NULL,
	created_at     INTEGER NOT NULL,
	stream_seq     TEXT,
	producer_id    TEXT,
	producer_epoch INTEGER,
	producer_seq   INTEGER
);
CREATE TABLE IF NOT EXISTS producers (
	producer_id  TEXT PRIMARY KEY,
	epoch        INTEGER NOT NULL,
	last_seq     INTEGER NOT NULL,
	last_offset  INTEGER NOT NULL,
	last_updated INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS segments (
	read_seq      INTEGER PRIMARY KEY,
	key           TEXT NOT NULL,
	start_offset  INTEGER NOT NULL,
	end_offset    INTEGER NOT NULL,
	content_type  TEXT NOT NULL,
	size_bytes    INTEGER NOT NULL,
	message_count INTEGER NOT NULL,
	expires_at    INTEGER
);
`

// Open opens or creates the hot log at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	// The sequencer is the only writer; a single connection sidesteps
	// SQLITE_BUSY between the pool's handles.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, Error.Wrap(err)
	}
	if err := migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db, path: path}, nil
}

// migrate applies post-deploy column adds. Each step is idempotent so a
// partially upgraded file is safe to reopen.
func migrate(db *sql.DB) error {
	has, err := hasColumn(db, "stream_meta", "public")
	if err != nil {
		return err
	}
	if !has {
		if _, err := db.Exec(`ALTER TABLE stream_meta ADD COLUMN public INTEGER NOT NULL DEFAULT 0`); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

func hasColumn(db *sql.DB, table, column string) (bool, error) {
	rows, err := db.Query(`SELECT name FROM pragma_table_info(?)`, table)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return false, Error.Wrap(err)
		}
		if name == column {
			return true, nil
		}
	}
	return false, Error.Wrap(rows.Err())
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the underlying database.
func (d *DB) Close() error { return Error.Wrap(d.db.Close()) }

// Stmt is one statement of a transactional batch.
type Stmt struct {
	SQL  string
	Args []any
}

// Batch executes the statements inside a single transaction.
func (d *DB) Batch(ctx context.Context, stmts []Stmt) error {
	if len(stmts) == 0 {
		return nil
	}
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s.SQL, s.Args...); err != nil {
			_ = tx.Rollback()
			return Error.Wrap(err)
		}
	}
	return Error.Wrap(tx.Commit())
}
