package nhdddb

import (
	"context"
	"strconv"

	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// Page is one page's embedding vector within an archive. Page numbers start
// at 1 and follow the lexicographic order of the image file names.
type Page struct {
	ArchiveID string
	PageNo    int
	Embedding []float32
}

// InsertPages stores page vectors, leaving already-ingested pages untouched
// so an interrupted ingestion can resume.
func (db *DB) InsertPages(ctx context.Context, pages []Page) (err error) {
	defer mon.Task()(&ctx)(&err)

	batch := &pgx.Batch{}
	for _, page := range pages {
		batch.Queue(`
			INSERT INTO page (archive_id, page_no, embedding) VALUES ($1, $2, $3)
			ON CONFLICT DO NOTHING
		`, page.ArchiveID, page.PageNo, pgvector.NewVector(page.Embedding))
	}
	return Error.Wrap(db.pool.SendBatch(ctx, batch).Close())
}

// CountPages returns the number of ingested pages for the archive.
func (db *DB) CountPages(ctx context.Context, archiveID string) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = db.pool.QueryRow(ctx, `
		SELECT count(*) FROM page WHERE archive_id = $1
	`, archiveID).Scan(&count)
	return count, Error.Wrap(err)
}

// DeletePages removes all page vectors for the archive.
func (db *DB) DeletePages(ctx context.Context, archiveID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `DELETE FROM page WHERE archive_id = $1`, archiveID)
	return Error.Wrap(err)
}

// PageEmbeddings returns the archive's vectors in page order.
func (db *DB) PageEmbeddings(ctx context.Context, archiveID string) (_ [][]float32, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT embedding FROM page WHERE archive_id = $1 ORDER BY page_no
	`, archiveID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer rows.Close()

	var embeddings [][]float32
	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, Error.Wrap(err)
		}
		embeddings = append(embeddings, vec.Slice())
	}
	return embeddings, Error.Wrap(rows.Err())
}

// CandidatePeers returns archives with at least one page within the cosine
// distance bound of the archive's first page. Only the querying side is
// pinned to page 1: a subarchive's first page can sit anywhere inside a
// superset archive. When sameLanguage is set, only archives classified
// under the same language are considered.
func (db *DB) CandidatePeers(ctx context.Context, archiveID string, maxDistance float64, sameLanguage bool) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT DISTINCT p2.archive_id
		FROM page p1
		JOIN page p2 ON p2.archive_id != p1.archive_id
	`
	if sameLanguage {
		query += `
		JOIN nhentai_archive na1 ON na1.archive_id = p1.archive_id
		JOIN nhentai_archive na2 ON na2.archive_id = p2.archive_id AND na2.language = na1.language
		`
	}
	query += `
		WHERE p1.archive_id = $1 AND p1.page_no = 1
			AND (p1.embedding <=> p2.embedding) < $2
	`

	rows, err := db.pool.Query(ctx, query, archiveID, maxDistance)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// UnmappedArchives returns fully ingested archives that have no subarchive
// mapping yet, optionally restricted to a language. A limit of 0 means no
// limit.
func (db *DB) UnmappedArchives(ctx context.Context, language string, limit int) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	query := `
		SELECT j.archive_id FROM archive_embedding_job j
		WHERE j.status IN ($1, $2)
			AND NOT EXISTS (SELECT 1 FROM subarchive_map s WHERE s.archive_id = j.archive_id)
	`
	args := []interface{}{StatusSkipped, StatusSuccess}
	if language != "" {
		query += ` AND EXISTS (
			SELECT 1 FROM nhentai_archive na
			WHERE na.archive_id = j.archive_id AND na.language = $3
		)`
		args = append(args, language)
	}
	query += ` ORDER BY j.archive_id`
	if limit > 0 {
		query += ` LIMIT ` + strconv.Itoa(limit)
	}

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}
