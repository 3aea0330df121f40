package satellitedb

import (
	"context"
	"database/sql"
	"errors"

	"github.com/zeebo/errs"
)

// ScanStatus is the lifecycle state of an archive integrity scan.
type ScanStatus int

const (
	// ScanOK means the archive was analyzed and found intact.
	ScanOK ScanStatus = 0
	// ScanCorrupted means the archive holds a truncated image or cannot
	// be inspected.
	ScanCorrupted ScanStatus = 1
	// ScanPending means the archive was discovered but not yet analyzed.
	ScanPending ScanStatus = 2
	// ScanDoNotScan excludes the archive from analysis.
	ScanDoNotScan ScanStatus = 3
	// ScanError means analysis failed unexpectedly.
	ScanError ScanStatus = 4
)

// ArchiveScan is an integrity-scan record keyed by the MD5 of the archive's
// absolute path.
type ArchiveScan struct {
	MD5    string
	Path   string
	Status ScanStatus
	Mtime  int64
}

// GetArchiveScan returns the scan row for the path hash, or nil when absent.
func (db *DB) GetArchiveScan(ctx context.Context, md5 string) (_ *ArchiveScan, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT md5, path, status, mtime FROM archive_scan WHERE md5 = ?
	`, md5)

	var scan ArchiveScan
	err = row.Scan(&scan.MD5, &scan.Path, &scan.Status, &scan.Mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &scan, nil
}

// UpsertArchiveScans inserts or updates scan rows in a single statement batch.
func (db *DB) UpsertArchiveScans(ctx context.Context, scans []ArchiveScan) (err error) {
	defer mon.Task()(&ctx)(&err)

	if len(scans) == 0 {
		return nil
	}
	return db.execRetryTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO archive_scan (md5, path, status, mtime) VALUES (?, ?, ?, ?)
			ON CONFLICT(md5) DO UPDATE SET
				path = excluded.path,
				status = excluded.status,
				mtime = excluded.mtime
		`)
		if err != nil {
			return err
		}
		defer func() { err = errs.Combine(err, stmt.Close()) }()

		for _, scan := range scans {
			if _, err := stmt.ExecContext(ctx, scan.MD5, scan.Path, scan.Status, scan.Mtime); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListArchiveScans returns up to limit scan rows with the given status.
func (db *DB) ListArchiveScans(ctx context.Context, status ScanStatus, limit int) (_ []ArchiveScan, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT md5, path, status, mtime FROM archive_scan WHERE status = ? LIMIT ?
	`, status, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var scans []ArchiveScan
	for rows.Next() {
		var scan ArchiveScan
		if err := rows.Scan(&scan.MD5, &scan.Path, &scan.Status, &scan.Mtime); err != nil {
			return nil, Error.Wrap(err)
		}
		scans = append(scans, scan)
	}
	return scans, Error.Wrap(rows.Err())
}

// DeleteArchiveScan removes the scan row for the path hash.
func (db *DB) DeleteArchiveScan(ctx context.Context, md5 string) (err error) {
	defer mon.Task()(&ctx)(&err)
	return db.execRetry(ctx, `DELETE FROM archive_scan WHERE md5 = ?`, md5)
}

// execRetryTx runs fn inside a transaction, retrying the whole transaction
// while the database is locked.
func (db *DB) execRetryTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	return retryDo(ctx, func() error {
		tx, err := db.db.BeginTx(ctx, nil)
		if err != nil {
			return Error.Wrap(err)
		}
		if err := fn(tx); err != nil {
			return Error.Wrap(errs.Combine(err, tx.Rollback()))
		}
		return Error.Wrap(tx.Commit())
	})
}
