package metadata

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/private/retry"
	"github.com/psilabs-dev/satellite/private/sync2"
)

// Archive metadata assembled from a downloader's database.
type Metadata struct {
	Title   string
	Tags    string
	Summary string
}

// Downloader reads archive metadata out of a downloader's local database.
type Downloader interface {
	// IDFromTitle extracts the downloader's id from an archive title, or
	// returns empty when the title carries none.
	IDFromTitle(title string) string
	// MetadataFromID assembles metadata for the downloader's id.
	MetadataFromID(ctx context.Context, id string) (Metadata, error)
	// Close releases the underlying database.
	Close() error
}

// UpdateFromDownloader applies downloader metadata to every untagged archive
// on the server. Returns the number of archives updated.
func (service *Service) UpdateFromDownloader(ctx context.Context, downloader Downloader) (updated int, err error) {
	defer mon.Task()(&ctx)(&err)

	untagged, err := service.client.UntaggedArchives(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	if len(untagged) == 0 {
		service.log.Info("no untagged archives")
		return 0, nil
	}
	service.log.Info("downloader update started", zap.Int("untagged", len(untagged)))

	semaphore := service.config.Semaphore
	if semaphore <= 0 {
		semaphore = 8
	}

	var (
		mu    sync.Mutex
		group errs.Group
	)
	limiter := sync2.NewLimiter(semaphore)
	for _, arcid := range untagged {
		arcid := arcid
		started := limiter.Go(ctx, func() {
			ok, err := service.updateArchiveFromDownloader(ctx, downloader, arcid)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				group.Add(err)
				return
			}
			if ok {
				updated++
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	service.log.Info("downloader update finished", zap.Int("updated", updated))
	return updated, Error.Wrap(group.Err())
}

func (service *Service) updateArchiveFromDownloader(ctx context.Context, downloader Downloader, arcid string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	archive, err := service.client.ArchiveMetadata(ctx, arcid)
	if err != nil {
		return false, Error.Wrap(err)
	}
	id := downloader.IDFromTitle(archive.Title)
	if id == "" {
		service.log.Warn("no downloader id in title",
			zap.String("arcid", arcid), zap.String("title", archive.Title))
		return false, nil
	}
	meta, err := downloader.MetadataFromID(ctx, id)
	if err != nil {
		return false, err
	}
	if meta.Title == "" {
		service.log.Warn("downloader has no metadata for id",
			zap.String("arcid", arcid), zap.String("id", id))
		return false, nil
	}

	// The server may briefly drop connections while it reshuffles its own
	// database; back off and resend.
	err = retry.Do(ctx, retry.MaxAttempts, isConnError, func() error {
		return service.client.UpdateArchiveMetadata(ctx, arcid, meta.Title, meta.Tags, meta.Summary)
	})
	if err != nil {
		return false, Error.Wrap(err)
	}
	service.log.Info("metadata updated from downloader", zap.String("arcid", arcid))
	return true, nil
}

func isConnError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
