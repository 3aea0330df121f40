package nhdddb

import (
	"context"

	"github.com/jackc/pgx/v5"
)

// MetadataJob tracks a favorites fetch for one archive.
type MetadataJob struct {
	ArchiveID   string
	Status      string
	Message     string
	LastUpdated float64
}

// CreateMetadataJobs inserts pending jobs, leaving existing rows untouched.
func (db *DB) CreateMetadataJobs(ctx context.Context, jobs []MetadataJob) (err error) {
	defer mon.Task()(&ctx)(&err)

	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(`
			INSERT INTO archive_metadata_job (archive_id, status, message, last_updated)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT DO NOTHING
		`, job.ArchiveID, job.Status, job.Message, job.LastUpdated)
	}
	return Error.Wrap(db.pool.SendBatch(ctx, batch).Close())
}

// ListMetadataJobs returns job ids with the given status.
func (db *DB) ListMetadataJobs(ctx context.Context, status string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT archive_id FROM archive_metadata_job WHERE status = $1 ORDER BY archive_id
	`, status)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// UpdateMetadataJob records the outcome of a favorites fetch.
func (db *DB) UpdateMetadataJob(ctx context.Context, archiveID, status, message string, lastUpdated float64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		UPDATE archive_metadata_job
		SET status = $2, message = $3, last_updated = $4
		WHERE archive_id = $1
	`, archiveID, status, message, lastUpdated)
	return Error.Wrap(err)
}

// CountMetadataJobs returns a per-status breakdown of the job table.
func (db *DB) CountMetadataJobs(ctx context.Context) (_ map[string]int, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.countByStatus(ctx, "archive_metadata_job")
}
