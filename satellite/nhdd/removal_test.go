package nhdd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/private/testcontext"
)

func newRemovalFixture(t *testing.T) (*testcontext.Context, *Service) {
	ctx := testcontext.New(t)

	dndmPath := ctx.File("dndm", "DONOTDOWNLOADME")
	require.NoError(t, os.WriteFile(dndmPath, []byte("1\n2\n"), 0644))

	contentsDir := ctx.Dir("contents")
	for name, size := range map[string]int{
		"2 removed elsewhere.zip": 10,
		"3 kept.zip":              20,
		"555 duplicate.zip":       30,
	} {
		data := make([]byte, size)
		require.NoError(t, os.WriteFile(filepath.Join(contentsDir, name), data, 0644))
	}

	service := NewService(zaptest.NewLogger(t), nil, nil, nil, 1, Config{
		DNDMPath:    dndmPath,
		ContentsDir: contentsDir,
	})
	return ctx, service
}

func TestUpdateDNDM(t *testing.T) {
	ctx, service := newRemovalFixture(t)
	defer ctx.Cleanup()

	deleteSet, err := service.updateDNDM([]string{"2", "555"}, false)
	require.NoError(t, err)
	require.Equal(t, map[int]bool{1: true, 2: true, 555: true}, deleteSet)

	// Only the unseen id is appended.
	data, err := os.ReadFile(service.config.DNDMPath)
	require.NoError(t, err)
	require.Equal(t, []string{"1", "2", "555"}, strings.Fields(string(data)))
}

func TestUpdateDNDMDryRun(t *testing.T) {
	ctx, service := newRemovalFixture(t)
	defer ctx.Cleanup()

	deleteSet, err := service.updateDNDM([]string{"555"}, true)
	require.NoError(t, err)
	require.True(t, deleteSet[555])

	data, err := os.ReadFile(service.config.DNDMPath)
	require.NoError(t, err)
	require.Equal(t, "1\n2\n", string(data))
}

func TestDeleteFromContents(t *testing.T) {
	ctx, service := newRemovalFixture(t)
	defer ctx.Cleanup()

	deleteSet := map[int]bool{2: true, 555: true}

	stats, err := service.deleteFromContents(ctx, deleteSet, true)
	require.NoError(t, err)
	require.Equal(t, 2, stats.DeletedCount)
	require.Equal(t, int64(40), stats.DeletedBytes)
	require.Equal(t, int64(60), stats.TotalBytes)
	require.Equal(t, 0, stats.FailedCount)

	// The dry run left everything in place.
	entries, err := os.ReadDir(service.config.ContentsDir)
	require.NoError(t, err)
	require.Len(t, entries, 3)

	stats, err = service.deleteFromContents(ctx, deleteSet, false)
	require.NoError(t, err)
	require.Equal(t, 2, stats.DeletedCount)
	require.Equal(t, int64(40), stats.DeletedBytes)

	entries, err = os.ReadDir(service.config.ContentsDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "3 kept.zip", entries[0].Name())
}
