package nhdddb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Job statuses shared by embedding and metadata jobs.
const (
	StatusPending  = "PENDING"
	StatusSuccess  = "SUCCESS"
	StatusFailed   = "FAILED"
	StatusNotFound = "NOT_FOUND"
	StatusSkipped  = "SKIPPED"
)

// EmbeddingJob tracks the page-embedding ingestion of one archive. Pages is
// the page count reported by the archive server at job creation; ingestion
// is complete when the page table holds that many vectors.
type EmbeddingJob struct {
	ArchiveID   string
	Pages       int
	Status      string
	LastUpdated float64
	Message     string
}

// CreateEmbeddingJobs inserts pending jobs, leaving existing rows untouched.
func (db *DB) CreateEmbeddingJobs(ctx context.Context, jobs []EmbeddingJob) (err error) {
	defer mon.Task()(&ctx)(&err)

	batch := &pgx.Batch{}
	for _, job := range jobs {
		batch.Queue(`
			INSERT INTO archive_embedding_job (archive_id, pages, status, last_updated, message)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, job.ArchiveID, job.Pages, job.Status, job.LastUpdated, job.Message)
	}
	return Error.Wrap(db.pool.SendBatch(ctx, batch).Close())
}

// GetEmbeddingJob returns the job for the archive, or nil when absent.
func (db *DB) GetEmbeddingJob(ctx context.Context, archiveID string) (_ *EmbeddingJob, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.pool.QueryRow(ctx, `
		SELECT archive_id, pages, status, last_updated, message
		FROM archive_embedding_job WHERE archive_id = $1
	`, archiveID)

	var job EmbeddingJob
	err = row.Scan(&job.ArchiveID, &job.Pages, &job.Status, &job.LastUpdated, &job.Message)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &job, nil
}

// ListEmbeddingJobs returns job ids with the given status.
func (db *DB) ListEmbeddingJobs(ctx context.Context, status string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT archive_id FROM archive_embedding_job WHERE status = $1 ORDER BY archive_id
	`, status)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// UpdateEmbeddingJob records the outcome of an ingestion attempt.
func (db *DB) UpdateEmbeddingJob(ctx context.Context, archiveID, status, message string, lastUpdated float64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		UPDATE archive_embedding_job
		SET status = $2, message = $3, last_updated = $4
		WHERE archive_id = $1
	`, archiveID, status, message, lastUpdated)
	return Error.Wrap(err)
}

// CountEmbeddingJobs returns a per-status breakdown of the job table.
func (db *DB) CountEmbeddingJobs(ctx context.Context) (_ map[string]int, err error) {
	defer mon.Task()(&ctx)(&err)
	return db.countByStatus(ctx, "archive_embedding_job")
}

func (db *DB) countByStatus(ctx context.Context, table string) (_ map[string]int, err error) {
	rows, err := db.pool.Query(ctx, `SELECT status, count(*) FROM `+table+` GROUP BY status`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, Error.Wrap(err)
		}
		counts[status] = count
	}
	return counts, Error.Wrap(rows.Err())
}

func collectStrings(rows pgx.Rows) (_ []string, err error) {
	defer rows.Close()

	var values []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, Error.Wrap(err)
		}
		values = append(values, value)
	}
	return values, Error.Wrap(rows.Err())
}
