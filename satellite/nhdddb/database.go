// Package nhdddb implements the Postgres store backing deduplication:
// embedding jobs, page vectors, the subarchive map and nhentai metadata.
package nhdddb

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

var (
	mon = monkit.Package()

	// Error is the default nhdddb errs class.
	Error = errs.Class("nhdddb")
)

// EmbeddingDimension is the width of the page vectors produced by the
// embedding service.
const EmbeddingDimension = 512

// Config is the configuration for the deduplication database.
type Config struct {
	Host     string `help:"address of the Postgres server" default:"localhost:5432"`
	Database string `help:"name of the deduplication database" default:"nhdd"`
	User     string `help:"Postgres user" default:"postgres"`
	Password string `help:"Postgres password" default:""`
}

// DB is the deduplication database.
//
// architecture: Database
type DB struct {
	log  *zap.Logger
	pool *pgxpool.Pool
}

// Open connects to Postgres and prepares the schema, including the vector
// extension the page table depends on.
func Open(ctx context.Context, log *zap.Logger, config Config) (_ *DB, err error) {
	defer mon.Task()(&ctx)(&err)

	connString := fmt.Sprintf("postgres://%s:%s@%s/%s",
		config.User, config.Password, config.Host, config.Database)
	poolConfig, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	db := &DB{log: log, pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return db, nil
}

// Close releases the connection pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

func (db *DB) migrate(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	for _, schema := range []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,
		schemaEmbeddingJob,
		schemaMetadataJob,
		schemaPage,
		schemaPageIndex,
		schemaSubarchiveMap,
		schemaNhentaiArchive,
	} {
		if _, err := db.pool.Exec(ctx, schema); err != nil {
			return Error.Wrap(err)
		}
	}
	return nil
}

const (
	schemaEmbeddingJob = `
		CREATE TABLE IF NOT EXISTS archive_embedding_job (
			archive_id   VARCHAR(255) PRIMARY KEY,
			pages        INTEGER,
			status       VARCHAR(255),
			last_updated DOUBLE PRECISION,
			message      TEXT
		)`
	schemaMetadataJob = `
		CREATE TABLE IF NOT EXISTS archive_metadata_job (
			archive_id   VARCHAR(255) PRIMARY KEY,
			status       VARCHAR(255),
			message      TEXT,
			last_updated DOUBLE PRECISION
		)`
	schemaPage = `
		CREATE TABLE IF NOT EXISTS page (
			id         SERIAL PRIMARY KEY,
			archive_id VARCHAR(255),
			page_no    INTEGER,
			embedding  VECTOR(512),
			UNIQUE (archive_id, page_no)
		)`
	schemaPageIndex = `
		CREATE INDEX IF NOT EXISTS page_embedding_idx
		ON page USING hnsw (embedding vector_cosine_ops)`
	schemaSubarchiveMap = `
		CREATE TABLE IF NOT EXISTS subarchive_map (
			archive_id VARCHAR(255) PRIMARY KEY,
			leq        VARCHAR(255)
		)`
	schemaNhentaiArchive = `
		CREATE TABLE IF NOT EXISTS nhentai_archive (
			archive_id   VARCHAR(255) PRIMARY KEY,
			nhentai_id   INTEGER,
			favorites    INTEGER,
			language     VARCHAR(255),
			last_updated DOUBLE PRECISION
		)`
)

func (db *DB) clearTable(ctx context.Context, table string) (err error) {
	defer mon.Task()(&ctx)(&err)
	_, err = db.pool.Exec(ctx, `DELETE FROM `+table)
	return Error.Wrap(err)
}

// ClearEmbeddingJobs removes all embedding job rows.
func (db *DB) ClearEmbeddingJobs(ctx context.Context) error {
	return db.clearTable(ctx, "archive_embedding_job")
}

// ClearMetadataJobs removes all metadata job rows.
func (db *DB) ClearMetadataJobs(ctx context.Context) error {
	return db.clearTable(ctx, "archive_metadata_job")
}

// ClearPages removes all page vectors.
func (db *DB) ClearPages(ctx context.Context) error {
	return db.clearTable(ctx, "page")
}

// ClearSubarchiveMap removes all subarchive mappings.
func (db *DB) ClearSubarchiveMap(ctx context.Context) error {
	return db.clearTable(ctx, "subarchive_map")
}

// ClearNhentaiArchives removes all nhentai archive rows.
func (db *DB) ClearNhentaiArchives(ctx context.Context) error {
	return db.clearTable(ctx, "nhentai_archive")
}
