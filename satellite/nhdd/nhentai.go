package nhdd

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/private/retry"
	"github.com/psilabs-dev/satellite/private/sync2"
	"github.com/psilabs-dev/satellite/satellite/nhdddb"
)

// favoritesBatchSize bounds how many metadata jobs are created per pass.
const favoritesBatchSize = 10000

// UpdateNhentaiArchives mirrors every tagged archive's nhentai id and
// language into the deduplication database. Favorites start at -1 until
// fetched. Existing rows are left untouched.
func (service *Service) UpdateNhentaiArchives(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	archives, err := service.client.Archives(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	service.log.Info("updating nhentai archives", zap.Int("archives", len(archives)))

	now := float64(time.Now().UnixNano()) / float64(time.Second)

	var (
		mu    sync.Mutex
		group errs.Group
	)
	limiter := sync2.NewLimiter(8)
	for _, archive := range archives {
		archive := archive
		started := limiter.Go(ctx, func() {
			tags := lrr.SplitTags(archive.Tags)
			if len(tags) == 0 {
				return
			}
			err := service.db.InsertNhentaiArchives(ctx, []nhdddb.NhentaiArchive{{
				ArchiveID:   archive.ArcID,
				NhentaiID:   NhentaiIDFromTags(tags),
				Favorites:   -1,
				Language:    LanguageFromTags(tags),
				LastUpdated: now,
			}})
			if err != nil {
				mu.Lock()
				group.Add(err)
				mu.Unlock()
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()
	return Error.Wrap(group.Err())
}

// UpdateFavorites fetches the favorites count for every archive that lacks
// one, through the server's nhentai metadata plugin. The plugin reaches a
// rate-limited upstream, so fetches run one at a time with a random pause.
func (service *Service) UpdateFavorites(ctx context.Context, redoFailed bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	// Create a metadata job for every archive still at favorites = -1.
	for {
		missing, err := service.db.ArchivesWithoutFavorites(ctx, favoritesBatchSize)
		if err != nil {
			return err
		}
		if len(missing) == 0 {
			break
		}
		now := float64(time.Now().UnixNano()) / float64(time.Second)
		jobs := make([]nhdddb.MetadataJob, 0, len(missing))
		for _, archiveID := range missing {
			jobs = append(jobs, nhdddb.MetadataJob{
				ArchiveID:   archiveID,
				Status:      nhdddb.StatusPending,
				LastUpdated: now,
			})
		}
		if err := service.db.CreateMetadataJobs(ctx, jobs); err != nil {
			return err
		}
	}

	pending, err := service.db.ListMetadataJobs(ctx, nhdddb.StatusPending)
	if err != nil {
		return err
	}
	if redoFailed {
		failed, err := service.db.ListMetadataJobs(ctx, nhdddb.StatusFailed)
		if err != nil {
			return err
		}
		pending = append(pending, failed...)
	}
	service.log.Info("fetching favorites", zap.Int("jobs", len(pending)))

	for _, archiveID := range pending {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		sleepContext(ctx, time.Duration(rand.Float64()*float64(time.Second)))
		if err := service.fetchFavorites(ctx, archiveID); err != nil {
			return err
		}
	}
	return nil
}

func (service *Service) fetchFavorites(ctx context.Context, archiveID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	archive, err := service.db.GetNhentaiArchive(ctx, archiveID)
	if err != nil {
		return err
	}
	if archive == nil {
		return Error.New("no nhentai archive row for %s", archiveID)
	}
	source := fmt.Sprintf("nhentai.net/g/%d", archive.NhentaiID)

	for attempt := 0; ; attempt++ {
		var response lrr.PluginResponse
		err := retry.Do(ctx, retry.MaxAttempts, isConnError, func() error {
			var err error
			response, err = service.client.UsePlugin(ctx, "nhplugin", archiveID, source)
			return err
		})
		if err != nil {
			return Error.Wrap(err)
		}

		if response.Success != 1 {
			message := response.Err
			switch {
			case strings.Contains(message, "404"),
				strings.Contains(message, "No matching nHentai Gallery Found"):
				return service.markMetadataJob(ctx, archiveID, nhdddb.StatusNotFound, message)
			case strings.Contains(message, "Try again"),
				strings.Contains(message, "Inactivity timeout"):
				// Upstream is throttling; back off and retry the fetch.
				if err := retry.Sleep(ctx, attempt); err != nil {
					return Error.Wrap(err)
				}
				continue
			default:
				return service.markMetadataJob(ctx, archiveID, nhdddb.StatusFailed,
					"failed to get metadata: "+message)
			}
		}

		favorites, ok := favoritesFromTags(response.Data.NewTags)
		if !ok {
			return service.markMetadataJob(ctx, archiveID, nhdddb.StatusFailed,
				"no favorites count in plugin response")
		}
		now := float64(time.Now().UnixNano()) / float64(time.Second)
		if err := service.db.UpdateFavorites(ctx, archiveID, favorites, now); err != nil {
			return err
		}
		service.log.Info("favorites updated",
			zap.String("archive", archiveID), zap.Int("favorites", favorites))
		return service.markMetadataJob(ctx, archiveID, nhdddb.StatusSuccess, "")
	}
}

func (service *Service) markMetadataJob(ctx context.Context, archiveID, status, message string) error {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	return service.db.UpdateMetadataJob(ctx, archiveID, status, message, now)
}

func favoritesFromTags(tags string) (int, bool) {
	for _, tag := range lrr.SplitTags(tags) {
		if !strings.HasPrefix(tag, "nhentai_favorites:") {
			continue
		}
		favorites, err := strconv.Atoi(strings.TrimPrefix(tag, "nhentai_favorites:"))
		if err != nil {
			return 0, false
		}
		return favorites, true
	}
	return 0, false
}

func sleepContext(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
