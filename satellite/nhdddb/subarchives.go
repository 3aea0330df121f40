package nhdddb

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
)

// SubarchiveMapping orders an archive under the archive that supersedes it.
// A root maps to itself; duplicates chain upward to a root.
type SubarchiveMapping struct {
	ArchiveID string
	Leq       string
}

// GetSubarchiveMapping returns the mapping for the archive, or nil when the
// archive is unmapped.
func (db *DB) GetSubarchiveMapping(ctx context.Context, archiveID string) (_ *SubarchiveMapping, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.pool.QueryRow(ctx, `
		SELECT archive_id, leq FROM subarchive_map WHERE archive_id = $1
	`, archiveID)

	var mapping SubarchiveMapping
	err = row.Scan(&mapping.ArchiveID, &mapping.Leq)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &mapping, nil
}

// InsertSubarchiveMapping records that archiveID is superseded by leq. An
// existing mapping is left untouched.
func (db *DB) InsertSubarchiveMapping(ctx context.Context, archiveID, leq string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		INSERT INTO subarchive_map (archive_id, leq) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, archiveID, leq)
	return Error.Wrap(err)
}

// RepointChildren redirects the direct children of oldParent to newParent.
// The old parent's own row is not touched.
func (db *DB) RepointChildren(ctx context.Context, oldParent, newParent string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		UPDATE subarchive_map SET leq = $2
		WHERE leq = $1 AND archive_id != $1
	`, oldParent, newParent)
	return Error.Wrap(err)
}

// SetSubarchiveMapping overwrites the mapping for the archive.
func (db *DB) SetSubarchiveMapping(ctx context.Context, archiveID, leq string) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.pool.Exec(ctx, `
		INSERT INTO subarchive_map (archive_id, leq) VALUES ($1, $2)
		ON CONFLICT (archive_id) DO UPDATE SET leq = excluded.leq
	`, archiveID, leq)
	return Error.Wrap(err)
}

// Children returns the direct children of the archive, excluding itself.
func (db *DB) Children(ctx context.Context, archiveID string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT archive_id FROM subarchive_map
		WHERE leq = $1 AND archive_id != $1
		ORDER BY archive_id
	`, archiveID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// Duplicates returns every mapped archive that is not its own root: the set
// of archives superseded by another.
func (db *DB) Duplicates(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.pool.Query(ctx, `
		SELECT archive_id FROM subarchive_map
		WHERE archive_id != leq
		ORDER BY archive_id
	`)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return collectStrings(rows)
}

// Root follows the mapping chain upward and returns the archive's root.
// An unmapped archive is its own root.
func (db *DB) Root(ctx context.Context, archiveID string) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	var root string
	err = db.pool.QueryRow(ctx, `
		WITH RECURSIVE chain (archive_id, leq) AS (
			SELECT archive_id, leq FROM subarchive_map WHERE archive_id = $1
			UNION
			SELECT s.archive_id, s.leq
			FROM subarchive_map s
			JOIN chain c ON s.archive_id = c.leq AND c.archive_id != c.leq
		)
		SELECT leq FROM chain WHERE archive_id = leq
	`, archiveID).Scan(&root)
	if errors.Is(err, pgx.ErrNoRows) {
		return archiveID, nil
	}
	return root, Error.Wrap(err)
}

// CountSubarchiveMappings returns the total and root row counts.
func (db *DB) CountSubarchiveMappings(ctx context.Context) (total, roots int, err error) {
	defer mon.Task()(&ctx)(&err)

	err = db.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE archive_id = leq) FROM subarchive_map
	`).Scan(&total, &roots)
	return total, roots, Error.Wrap(err)
}
