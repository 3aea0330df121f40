package satellitedb

import (
	"context"
	"database/sql"
	"errors"
)

// ArchiveUpload records a successfully uploaded or already-present archive,
// keyed by the MD5 of its absolute path. A row with a matching mtime means
// the file does not need to be sent again.
type ArchiveUpload struct {
	MD5   string
	Path  string
	Mtime int64
}

// GetArchiveUpload returns the upload row for the path hash, or nil when
// absent.
func (db *DB) GetArchiveUpload(ctx context.Context, md5 string) (_ *ArchiveUpload, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT md5, path, mtime FROM archive_upload WHERE md5 = ?
	`, md5)

	var upload ArchiveUpload
	err = row.Scan(&upload.MD5, &upload.Path, &upload.Mtime)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &upload, nil
}

// UpsertArchiveUpload inserts or refreshes the upload row.
func (db *DB) UpsertArchiveUpload(ctx context.Context, upload ArchiveUpload) (err error) {
	defer mon.Task()(&ctx)(&err)

	return db.execRetry(ctx, `
		INSERT INTO archive_upload (md5, path, mtime) VALUES (?, ?, ?)
		ON CONFLICT(md5) DO UPDATE SET
			path = excluded.path,
			mtime = excluded.mtime
	`, upload.MD5, upload.Path, upload.Mtime)
}
