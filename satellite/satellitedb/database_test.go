package satellitedb_test

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/private/testcontext"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

func openDB(ctx *testcontext.Context, t *testing.T) *satellitedb.DB {
	db, err := satellitedb.Open(ctx, zaptest.NewLogger(t), satellitedb.Config{
		Path: ctx.File("db", "db.sqlite"),
	})
	require.NoError(t, err)
	return db
}

func TestArchiveScans(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	scan, err := db.GetArchiveScan(ctx, "missing")
	require.NoError(t, err)
	require.Nil(t, scan)

	err = db.UpsertArchiveScans(ctx, []satellitedb.ArchiveScan{
		{MD5: "aa", Path: "/library/a.zip", Status: satellitedb.ScanPending, Mtime: 100},
		{MD5: "bb", Path: "/library/b.zip", Status: satellitedb.ScanPending, Mtime: 200},
	})
	require.NoError(t, err)

	scan, err = db.GetArchiveScan(ctx, "aa")
	require.NoError(t, err)
	require.NotNil(t, scan)
	require.Equal(t, "/library/a.zip", scan.Path)
	require.Equal(t, satellitedb.ScanPending, scan.Status)

	// Upsert replaces the existing row in place.
	err = db.UpsertArchiveScans(ctx, []satellitedb.ArchiveScan{
		{MD5: "aa", Path: "/library/a.zip", Status: satellitedb.ScanCorrupted, Mtime: 100},
	})
	require.NoError(t, err)

	corrupted, err := db.ListArchiveScans(ctx, satellitedb.ScanCorrupted, 100)
	require.NoError(t, err)
	require.Len(t, corrupted, 1)
	require.Equal(t, "aa", corrupted[0].MD5)

	pending, err := db.ListArchiveScans(ctx, satellitedb.ScanPending, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "bb", pending[0].MD5)

	require.NoError(t, db.DeleteArchiveScan(ctx, "aa"))
	scan, err = db.GetArchiveScan(ctx, "aa")
	require.NoError(t, err)
	require.Nil(t, scan)
}

func TestArchiveUploads(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	upload, err := db.GetArchiveUpload(ctx, "cc")
	require.NoError(t, err)
	require.Nil(t, upload)

	err = db.UpsertArchiveUpload(ctx, satellitedb.ArchiveUpload{
		MD5: "cc", Path: "/uploads/c.zip", Mtime: 300,
	})
	require.NoError(t, err)

	upload, err = db.GetArchiveUpload(ctx, "cc")
	require.NoError(t, err)
	require.NotNil(t, upload)
	require.Equal(t, int64(300), upload.Mtime)

	err = db.UpsertArchiveUpload(ctx, satellitedb.ArchiveUpload{
		MD5: "cc", Path: "/uploads/c.zip", Mtime: 400,
	})
	require.NoError(t, err)

	upload, err = db.GetArchiveUpload(ctx, "cc")
	require.NoError(t, err)
	require.Equal(t, int64(400), upload.Mtime)
}

func TestPluginTasks(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	now := int64(1_000_000)
	err := db.UpsertPluginTasks(ctx, []satellitedb.PluginTask{
		{ArcID: "arc1", Source: "https://www.pixiv.net/en/artworks/1", Namespace: "pixivmetadata", Status: satellitedb.TaskPending, LastUpdated: now},
		{ArcID: "arc2", Source: "nhentai.net/g/2", Namespace: "nhplugin", Status: satellitedb.TaskPending, LastUpdated: now},
		{ArcID: "arc3", Source: "nhentai.net/g/3", Namespace: "nhplugin", Status: satellitedb.TaskNotFound, LastUpdated: now, NumFailures: 1},
	})
	require.NoError(t, err)

	pending, err := db.ListPluginTasks(ctx, "nhplugin", satellitedb.TaskPending, 100)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, "arc2", pending[0].ArcID)

	// One failure doubles the base one-day retry window.
	expired, err := db.ListExpiredPluginTasks(ctx, "nhplugin", now+2*86400, 100)
	require.NoError(t, err)
	require.Empty(t, expired)

	expired, err = db.ListExpiredPluginTasks(ctx, "nhplugin", now+2*86400+1, 100)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, "arc3", expired[0].ArcID)

	require.NoError(t, db.MarkPluginTask(ctx, "arc3", satellitedb.TaskOK, now+3*86400, 0))
	task, err := db.GetPluginTask(ctx, "arc3")
	require.NoError(t, err)
	require.Equal(t, satellitedb.TaskOK, task.Status)
	require.Zero(t, task.NumFailures)

	require.NoError(t, db.DeletePluginTask(ctx, "arc1"))
	task, err = db.GetPluginTask(ctx, "arc1")
	require.NoError(t, err)
	require.Nil(t, task)
}

func TestAPIKey(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	ok, err := db.VerifyAPIKey(ctx, "anything")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, db.RegisterAPIKey(ctx, "secret"))

	ok, err = db.VerifyAPIKey(ctx, "secret")
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = db.VerifyAPIKey(ctx, "wrong")
	require.NoError(t, err)
	require.False(t, ok)

	// Re-registering rotates the key.
	require.NoError(t, db.RegisterAPIKey(ctx, "rotated"))
	ok, err = db.VerifyAPIKey(ctx, "secret")
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = db.VerifyAPIKey(ctx, "rotated")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestResetTables(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	err := db.UpsertArchiveScans(ctx, []satellitedb.ArchiveScan{
		{MD5: "aa", Path: "/library/a.zip", Status: satellitedb.ScanOK, Mtime: 1},
	})
	require.NoError(t, err)

	require.NoError(t, db.ResetArchiveScans(ctx))

	scans, err := db.ListArchiveScans(ctx, satellitedb.ScanOK, 100)
	require.NoError(t, err)
	require.Empty(t, scans)
}
