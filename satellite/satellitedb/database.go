// Package satellitedb implements the satellite's local SQLite store for
// scan, upload and metadata-plugin job state.
package satellitedb

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"github.com/mattn/go-sqlite3"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/private/retry"
)

var (
	mon = monkit.Package()

	// Error is the default satellitedb errs class.
	Error = errs.Class("satellitedb")
)

// Config is the configuration for the local database.
type Config struct {
	Path string `help:"location of the satellite's SQLite database" default:"$HOME/.satellite/db/db.sqlite"`
}

// DB is the satellite's local job database.
//
// architecture: Database
type DB struct {
	log *zap.Logger
	db  *sql.DB
}

// Open creates the database file if needed and prepares the schema.
func Open(ctx context.Context, log *zap.Logger, config Config) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(config.Path), 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	sqlDB, err := sql.Open("sqlite3", config.Path+"?_busy_timeout=5000")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db := &DB{log: log, db: sqlDB}
	if err := db.migrate(ctx); err != nil {
		return nil, errs.Combine(err, sqlDB.Close())
	}
	return db, nil
}

// Close closes the database.
func (db *DB) Close() error {
	return Error.Wrap(db.db.Close())
}

func (db *DB) migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)
	for _, schema := range []string{
		schemaArchiveScan,
		schemaArchiveUpload,
		schemaMetadataPluginTask,
		schemaAuth,
	} {
		if _, err := db.db.ExecContext(ctx, schema); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

const (
	schemaArchiveScan = `
		CREATE TABLE IF NOT EXISTS archive_scan (
			md5    VARCHAR(255) PRIMARY KEY,
			path   TEXT,
			status INTEGER,
			mtime  INTEGER
		)`
	schemaArchiveUpload = `
		CREATE TABLE IF NOT EXISTS archive_upload (
			md5   VARCHAR(255) PRIMARY KEY,
			path  TEXT,
			mtime INTEGER
		)`
	schemaMetadataPluginTask = `
		CREATE TABLE IF NOT EXISTS metadata_plugin_task (
			arcid        VARCHAR(255) PRIMARY KEY,
			source       TEXT,
			namespace    VARCHAR(255),
			status       INTEGER,
			last_updated INTEGER,
			num_failures INTEGER
		)`
	schemaAuth = `
		CREATE TABLE IF NOT EXISTS auth (
			user_id      INTEGER PRIMARY KEY,
			hash         BLOB,
			last_updated INTEGER
		)`
)

// isLocked reports whether the error is a transient database-locked error.
func isLocked(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	return false
}

// execRetry runs a write statement, retrying while the database is locked.
// Contention on the local database is always transient, so the retry is
// unbounded and gives up only on context cancellation.
func (db *DB) execRetry(ctx context.Context, query string, args ...interface{}) error {
	return retryDo(ctx, func() error {
		_, err := db.db.ExecContext(ctx, query, args...)
		return Error.Wrap(err)
	})
}

func retryDo(ctx context.Context, fn func() error) error {
	return retry.Do(ctx, retry.Unlimited, isLocked, fn)
}

func (db *DB) resetTable(ctx context.Context, drop, create string) (err error) {
	defer mon.Task()(&ctx)(&err)
	if err := db.execRetry(ctx, drop); err != nil {
		return err
	}
	return db.execRetry(ctx, create)
}

// ResetArchiveScans drops and recreates the archive_scan table.
func (db *DB) ResetArchiveScans(ctx context.Context) error {
	return db.resetTable(ctx, `DROP TABLE IF EXISTS archive_scan`, schemaArchiveScan)
}

// ResetArchiveUploads drops and recreates the archive_upload table.
func (db *DB) ResetArchiveUploads(ctx context.Context) error {
	return db.resetTable(ctx, `DROP TABLE IF EXISTS archive_upload`, schemaArchiveUpload)
}

// ResetMetadataPluginTasks drops and recreates the metadata_plugin_task table.
func (db *DB) ResetMetadataPluginTasks(ctx context.Context) error {
	return db.resetTable(ctx, `DROP TABLE IF EXISTS metadata_plugin_task`, schemaMetadataPluginTask)
}

// ResetAuth drops and recreates the auth table.
func (db *DB) ResetAuth(ctx context.Context) error {
	return db.resetTable(ctx, `DROP TABLE IF EXISTS auth`, schemaAuth)
}
