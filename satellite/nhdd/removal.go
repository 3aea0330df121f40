package nhdd

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/private/fileutil"
	"github.com/psilabs-dev/satellite/private/retry"
	"github.com/psilabs-dev/satellite/private/sync2"
)

// RemovalStats summarizes a duplicate removal run.
type RemovalStats struct {
	DeletedCount int   `json:"deleted_count"`
	DeletedBytes int64 `json:"deleted_bytes"`
	FailedCount  int   `json:"failed_count"`
	TotalBytes   int64 `json:"total_bytes"`
}

// DNDMConfigured reports whether the DONOTDOWNLOADME file exists.
func (service *Service) DNDMConfigured() bool {
	_, err := os.Stat(service.config.DNDMPath)
	return err == nil
}

// Duplicates returns every archive superseded by another.
func (service *Service) Duplicates(ctx context.Context) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)
	return service.db.Duplicates(ctx)
}

// RemoveDuplicates deletes duplicate archives from the downloader's reach:
// their gallery ids are appended to the DONOTDOWNLOADME file so they are
// never fetched again, and their files are unlinked from the contents
// directory. With dryRun set, both the file and the directory are left
// untouched and only the stats are computed.
func (service *Service) RemoveDuplicates(ctx context.Context, dryRun bool) (_ RemovalStats, err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := os.Stat(service.config.DNDMPath); err != nil {
		return RemovalStats{}, Error.New("DONOTDOWNLOADME file not found: %s", service.config.DNDMPath)
	}

	duplicates, err := service.db.Duplicates(ctx)
	if err != nil {
		return RemovalStats{}, err
	}
	service.log.Info("removing duplicates",
		zap.Int("duplicates", len(duplicates)), zap.Bool("dry_run", dryRun))

	galleryIDs, err := service.duplicateGalleryIDs(ctx, duplicates)
	if err != nil {
		return RemovalStats{}, err
	}

	deleteSet, err := service.updateDNDM(galleryIDs, dryRun)
	if err != nil {
		return RemovalStats{}, err
	}
	return service.deleteFromContents(ctx, deleteSet, dryRun)
}

// duplicateGalleryIDs resolves each duplicate archive to its gallery id via
// the source tag. Archives without a usable source are skipped.
func (service *Service) duplicateGalleryIDs(ctx context.Context, duplicates []string) (_ []string, err error) {
	defer mon.Task()(&ctx)(&err)

	var (
		mu         sync.Mutex
		group      errs.Group
		galleryIDs []string
	)
	limiter := sync2.NewLimiter(4)
	for _, archiveID := range duplicates {
		archiveID := archiveID
		started := limiter.Go(ctx, func() {
			var archive lrr.Archive
			err := retry.Do(ctx, retry.MaxAttempts, isConnError, func() error {
				var err error
				archive, err = service.client.ArchiveMetadata(ctx, archiveID)
				return err
			})

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				group.Add(Error.Wrap(err))
				return
			}
			source := lrr.SourceFromTags(archive.Tags)
			if source == "" {
				service.log.Warn("duplicate has no source tag", zap.String("archive", archiveID))
				return
			}
			parts := strings.Split(source, "/")
			galleryID := strings.TrimSpace(parts[len(parts)-1])
			if _, err := strconv.Atoi(galleryID); err != nil {
				service.log.Warn("source tag has no numeric gallery id",
					zap.String("archive", archiveID), zap.String("source", source))
				return
			}
			galleryIDs = append(galleryIDs, galleryID)
		})
		if !started {
			break
		}
	}
	limiter.Wait()
	return galleryIDs, group.Err()
}

// updateDNDM appends unseen gallery ids to the DONOTDOWNLOADME file and
// returns the full set of ids it holds afterwards.
func (service *Service) updateDNDM(galleryIDs []string, dryRun bool) (_ map[int]bool, err error) {
	data, err := os.ReadFile(service.config.DNDMPath)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var lines []string
	seen := make(map[string]bool)
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lines = append(lines, line)
		seen[line] = true
	}

	added := 0
	for _, galleryID := range galleryIDs {
		if seen[galleryID] {
			continue
		}
		lines = append(lines, galleryID)
		seen[galleryID] = true
		added++
	}
	if !dryRun && added > 0 {
		content := strings.Join(lines, "\n") + "\n"
		if err := os.WriteFile(service.config.DNDMPath, []byte(content), 0644); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	service.log.Info("DONOTDOWNLOADME updated", zap.Int("added", added))

	deleteSet := make(map[int]bool, len(seen))
	for line := range seen {
		id, err := strconv.Atoi(line)
		if err != nil {
			continue
		}
		deleteSet[id] = true
	}
	return deleteSet, nil
}

// deleteFromContents walks the contents directory and unlinks every archive
// whose file name leads with a gallery id in the delete set.
func (service *Service) deleteFromContents(ctx context.Context, deleteSet map[int]bool, dryRun bool) (stats RemovalStats, err error) {
	defer mon.Task()(&ctx)(&err)

	archives, err := fileutil.FindArchives(service.config.ContentsDir)
	if err != nil {
		return RemovalStats{}, Error.Wrap(err)
	}

	for _, path := range archives {
		if err := ctx.Err(); err != nil {
			return stats, Error.Wrap(err)
		}
		info, err := os.Stat(path)
		if err != nil {
			stats.FailedCount++
			continue
		}
		stats.TotalBytes += info.Size()

		name := strings.TrimSpace(filepath.Base(path))
		fields := strings.Fields(name)
		if len(fields) == 0 {
			continue
		}
		galleryID, err := strconv.Atoi(fields[0])
		if err != nil {
			continue
		}
		if !deleteSet[galleryID] {
			continue
		}
		if !dryRun {
			if err := os.Remove(path); err != nil {
				service.log.Error("failed to delete duplicate",
					zap.String("path", path), zap.Error(err))
				stats.FailedCount++
				continue
			}
		}
		service.log.Info("duplicate deleted", zap.String("path", path))
		stats.DeletedCount++
		stats.DeletedBytes += info.Size()
	}
	return stats, nil
}
