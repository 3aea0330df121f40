package nhdddb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// Language classes used to partition deduplication.
const (
	LanguageEnglish     = "ENGLISH"
	LanguageJapanese    = "JAPANESE"
	LanguageChinese     = "CHINESE"
	LanguageOther       = "OTHER"
	LanguageNoTranslate = "NO_TRANSLATE"
)

// Languages lists every language class, in deduplication order.
var Languages = []string{
	LanguageEnglish,
	LanguageJapanese,
	LanguageChinese,
	LanguageOther,
	LanguageNoTranslate,
}

// NhentaiArchive mirrors an archive's nhentai-derived metadata. Favorites is
// -1 until the favorites count has been fetched.
type NhentaiArchive struct {
	ArchiveID   string
	NhentaiID   int
	Favorites   int
	Language    string
	LastUpdated float64
}

// InsertNhentaiArchives inserts rows, leaving existing archives untouched.
func (db *DB) InsertNhentaiArchives(ctx context.Context, archives []NhentaiArchive) (err error) {
	defer mon.Task()(&ctx)(&err)

	batch := &pgx.Batch{}
	for _, archive := range archives {
		batch.Queue(`
			INSERT INTO nhentai_archive (archive_id, nhentai_id, favorites, language, last_updated)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT DO NOTHING
		`, archive.ArchiveID, archive.NhentaiID, archive.Favorites, archive.Language, archive.LastUpdated)
	}
	return Error.Wrap(db.pool.SendBatch(ctx, batch).Close())
}

// GetNhentaiArchive returns the row for the archive, or nil when absent.
func (db *DB) GetNhentaiArchive(ctx context.Context, archiveID string) (_ *NhentaiArchive, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.pool.QueryRow(ctx, `
		SELECT archive_id, nhentai_id, favorites, language, last_updated
		FROM nhentai_archive WHERE archive_id = $1
	`, archiveID)

	var archive NhentaiArchive
	err = row.Scan(&archive.ArchiveID, &archive.NhentaiID, &archive.Favorites, &archive.Language, &archive.LastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &archive, nil
}

// ArchivesWithoutFavorites returns archives whose favorites count has not
// been fetched and that have no metadata job yet.
func (db *DB) ArchivesWithoutFavorites(ctx context.Context, limit int) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT na.archive_id FROM nhentai_archive na
		WHERE na.favorites = -1
			AND NOT EXISTS (SELECT 1 FROM archive_metadata_job j WHERE j.archive_id = na.archive_id)
		ORDER BY na.archive_id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// UpdateFavorites records the fetched favorites count.
func (db *DB) UpdateFavorites(ctx context.Context, archiveID string, favorites int, lastUpdated float64) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		UPDATE nhentai_archive SET favorites = $2, last_updated = $3
		WHERE archive_id = $1
	`, archiveID, favorites, lastUpdated)
	return Error.Wrap(err)
}

// CountNhentaiArchives returns the total row count and how many rows still
// lack a favorites count.
func (db *DB) CountNhentaiArchives(ctx context.Context) (total, withoutFavorites int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE favorites = -1) FROM nhentai_archive
	`).Scan(&total, &withoutFavorites)
	return total, withoutFavorites, Error.Wrap(err)
}
