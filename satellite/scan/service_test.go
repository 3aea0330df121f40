package scan_test

import (
	"archive/zip"
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/private/testcontext"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
	"github.com/psilabs-dev/satellite/satellite/scan"
)

var (
	completeJPEG  = []byte{0xFF, 0xD8, 0x01, 0x02, 0x03, 0xFF, 0xD9}
	truncatedJPEG = []byte{0xFF, 0xD8, 0x01, 0x02, 0x03}
	completePNG   = append(
		[]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1A, '\n', 0x00},
		[]byte{0x49, 0x45, 0x4E, 0x44, 0xAE, 0x42, 0x60, 0x82}...)
)

func writeZip(t *testing.T, path string, members map[string][]byte) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, data := range members {
		member, err := writer.Create(name)
		require.NoError(t, err)
		_, err = member.Write(data)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func openDB(ctx *testcontext.Context, t *testing.T) *satellitedb.DB {
	db, err := satellitedb.Open(ctx, zaptest.NewLogger(t), satellitedb.Config{
		Path: ctx.File("db", "db.sqlite"),
	})
	require.NoError(t, err)
	return db
}

func TestScan(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	contents := ctx.Dir("contents")
	writeZip(t, filepath.Join(contents, "intact.zip"), map[string][]byte{
		"001.jpg": completeJPEG,
		"002.png": completePNG,
	})
	writeZip(t, filepath.Join(contents, "torn.cbz"), map[string][]byte{
		"001.jpg": truncatedJPEG,
	})
	// A rar cannot be inspected and is treated as corrupted.
	require.NoError(t, os.WriteFile(filepath.Join(contents, "opaque.rar"), []byte("rar"), 0644))
	// Non-archive files are ignored entirely.
	require.NoError(t, os.WriteFile(filepath.Join(contents, "notes.txt"), []byte("x"), 0644))

	config := scan.Config{NumWorkers: 2, BatchSize: 2}
	service := scan.NewService(zaptest.NewLogger(t), db, contents, config)
	require.NoError(t, service.Scan(ctx, config))

	ok, err := db.ListArchiveScans(ctx, satellitedb.ScanOK, 100)
	require.NoError(t, err)
	require.Len(t, ok, 1)
	require.Equal(t, filepath.Join(contents, "intact.zip"), ok[0].Path)

	corrupted, err := db.ListArchiveScans(ctx, satellitedb.ScanCorrupted, 100)
	require.NoError(t, err)
	require.Len(t, corrupted, 2)

	pending, err := db.ListArchiveScans(ctx, satellitedb.ScanPending, 100)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestScanSkipsUnmodified(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	contents := ctx.Dir("contents")
	path := filepath.Join(contents, "intact.zip")
	writeZip(t, path, map[string][]byte{"001.jpg": completeJPEG})

	config := scan.Config{BatchSize: 10}
	service := scan.NewService(zaptest.NewLogger(t), db, contents, config)
	require.NoError(t, service.Scan(ctx, config))

	// Corrupt the row's status by hand: an unchanged mtime must keep the
	// archive out of the next discovery pass.
	require.NoError(t, db.UpsertArchiveScans(ctx, []satellitedb.ArchiveScan{{
		MD5:    scan.PathHash(path),
		Path:   path,
		Status: satellitedb.ScanDoNotScan,
		Mtime:  mustMtime(t, path),
	}}))
	require.NoError(t, service.Discover(ctx))

	row, err := db.GetArchiveScan(ctx, scan.PathHash(path))
	require.NoError(t, err)
	require.Equal(t, satellitedb.ScanDoNotScan, row.Status)
}

func mustMtime(t *testing.T, path string) int64 {
	info, err := os.Stat(path)
	require.NoError(t, err)
	return info.ModTime().UnixNano()
}

func TestAnalyzeDropsVanishedRows(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	contents := ctx.Dir("contents")
	path := filepath.Join(contents, "gone.zip")
	require.NoError(t, db.UpsertArchiveScans(ctx, []satellitedb.ArchiveScan{{
		MD5:    scan.PathHash(path),
		Path:   path,
		Status: satellitedb.ScanPending,
	}}))

	config := scan.Config{BatchSize: 10}
	service := scan.NewService(zaptest.NewLogger(t), db, contents, config)
	require.NoError(t, service.Analyze(ctx, config))

	row, err := db.GetArchiveScan(ctx, scan.PathHash(path))
	require.NoError(t, err)
	require.Nil(t, row)
}

func TestDeleteCorrupted(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	db := openDB(ctx, t)
	defer ctx.Check(db.Close)

	contents := ctx.Dir("contents")
	torn := filepath.Join(contents, "torn.zip")
	writeZip(t, torn, map[string][]byte{"001.jpg": truncatedJPEG})

	config := scan.Config{BatchSize: 10}
	service := scan.NewService(zaptest.NewLogger(t), db, contents, config)
	require.NoError(t, service.Scan(ctx, config))

	// A corrupted row whose file is already gone is still cleaned up.
	ghost := filepath.Join(contents, "ghost.zip")
	require.NoError(t, db.UpsertArchiveScans(ctx, []satellitedb.ArchiveScan{{
		MD5:    scan.PathHash(ghost),
		Path:   ghost,
		Status: satellitedb.ScanCorrupted,
	}}))

	deleted, err := service.DeleteCorrupted(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	_, err = os.Stat(torn)
	require.True(t, os.IsNotExist(err))

	corrupted, err := db.ListArchiveScans(ctx, satellitedb.ScanCorrupted, 100)
	require.NoError(t, err)
	require.Empty(t, corrupted)
}
