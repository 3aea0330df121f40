package nhdddb_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/private/testcontext"
	"github.com/psilabs-dev/satellite/satellite/nhdddb"
)

// openTestDB connects to the Postgres instance named by the environment, or
// skips the test when none is configured. The instance needs the pgvector
// extension available.
func openTestDB(ctx context.Context, t *testing.T) *nhdddb.DB {
	host := os.Getenv("NHDD_TEST_DB_HOST")
	if host == "" {
		t.Skip("postgres required, example: NHDD_TEST_DB_HOST=localhost:5432 NHDD_TEST_DB=nhdd_test")
	}
	config := nhdddb.Config{
		Host:     host,
		Database: envOr("NHDD_TEST_DB", "nhdd_test"),
		User:     envOr("NHDD_TEST_DB_USER", "postgres"),
		Password: os.Getenv("NHDD_TEST_DB_PASS"),
	}

	db, err := nhdddb.Open(ctx, zaptest.NewLogger(t), config)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })

	require.NoError(t, db.ClearPages(ctx))
	require.NoError(t, db.ClearSubarchiveMap(ctx))
	require.NoError(t, db.ClearNhentaiArchives(ctx))
	return db
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

// unit returns a one-hot embedding. Distinct axes are orthogonal, so their
// cosine distance is 1 and a vector's distance to itself is 0.
func unit(axis int) []float32 {
	vec := make([]float32, nhdddb.EmbeddingDimension)
	vec[axis] = 1
	return vec
}

func TestCandidatePeersMatchesInteriorPages(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(ctx, t)

	// "super" contains "sub" with a leading extra page, so sub's first page
	// only appears in super's interior.
	require.NoError(t, db.InsertPages(ctx, []nhdddb.Page{
		{ArchiveID: "super", PageNo: 1, Embedding: unit(0)},
		{ArchiveID: "super", PageNo: 2, Embedding: unit(1)},
		{ArchiveID: "super", PageNo: 3, Embedding: unit(2)},
		{ArchiveID: "sub", PageNo: 1, Embedding: unit(1)},
		{ArchiveID: "sub", PageNo: 2, Embedding: unit(2)},
	}))

	peers, err := db.CandidatePeers(ctx, "sub", 0.1, false)
	require.NoError(t, err)
	require.Equal(t, []string{"super"}, peers)

	// super's first page appears nowhere in sub.
	peers, err = db.CandidatePeers(ctx, "super", 0.1, false)
	require.NoError(t, err)
	require.Empty(t, peers)
}

func TestCandidatePeersSameLanguage(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()
	db := openTestDB(ctx, t)

	require.NoError(t, db.InsertPages(ctx, []nhdddb.Page{
		{ArchiveID: "a", PageNo: 1, Embedding: unit(0)},
		{ArchiveID: "b", PageNo: 1, Embedding: unit(0)},
		{ArchiveID: "c", PageNo: 1, Embedding: unit(0)},
	}))
	require.NoError(t, db.InsertNhentaiArchives(ctx, []nhdddb.NhentaiArchive{
		{ArchiveID: "a", NhentaiID: 1, Language: "EN"},
		{ArchiveID: "b", NhentaiID: 2, Language: "EN"},
		{ArchiveID: "c", NhentaiID: 3, Language: "JP"},
	}))

	peers, err := db.CandidatePeers(ctx, "a", 0.1, true)
	require.NoError(t, err)
	require.Equal(t, []string{"b"}, peers)
}
