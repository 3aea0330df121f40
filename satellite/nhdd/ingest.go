package nhdd

import (
	"archive/zip"
	"bytes"
	"context"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/psilabs-dev/satellite/private/imageutil"
	"github.com/psilabs-dev/satellite/private/retry"
	"github.com/psilabs-dev/satellite/private/sync2"
	"github.com/psilabs-dev/satellite/satellite/nhdddb"
)

// embedBatchSize is how many pages go into one embedding request.
const embedBatchSize = 4

// CreateEmbeddingJobs records a pending embedding job for every archive on
// the server. Existing jobs are left untouched, so the call is safe to
// repeat as the library grows.
func (service *Service) CreateEmbeddingJobs(ctx context.Context) (created int, err error) {
	defer mon.Task()(&ctx)(&err)

	archives, err := service.client.Archives(ctx)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	service.log.Info("creating embedding jobs", zap.Int("archives", len(archives)))

	batchSize := service.config.JobBatchSize
	if batchSize <= 0 {
		batchSize = 1000
	}
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	for i := 0; i < len(archives); i += batchSize {
		end := i + batchSize
		if end > len(archives) {
			end = len(archives)
		}
		jobs := make([]nhdddb.EmbeddingJob, 0, end-i)
		for _, archive := range archives[i:end] {
			jobs = append(jobs, nhdddb.EmbeddingJob{
				ArchiveID:   archive.ArcID,
				Pages:       archive.PageCount,
				Status:      nhdddb.StatusPending,
				LastUpdated: now,
			})
		}
		err := retry.Do(ctx, retry.MaxAttempts, isTransientDBError, func() error {
			return service.db.CreateEmbeddingJobs(ctx, jobs)
		})
		if err != nil {
			return created, err
		}
		created += len(jobs)
	}
	return created, nil
}

// ConsumePendingJobs ingests every pending embedding job, downloading each
// archive and embedding its pages.
func (service *Service) ConsumePendingJobs(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	healthy, err := service.img2vec.Healthcheck(ctx)
	if err != nil {
		return Error.Wrap(err)
	}
	if !healthy {
		return Error.New("embedding service is not healthy")
	}

	pending, err := service.db.ListEmbeddingJobs(ctx, nhdddb.StatusPending)
	if err != nil {
		return err
	}
	service.log.Info("ingesting pending embedding jobs", zap.Int("jobs", len(pending)))

	concurrency := service.config.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	var (
		mu    sync.Mutex
		group errs.Group
	)
	limiter := sync2.NewLimiter(concurrency)
	for _, archiveID := range pending {
		archiveID := archiveID
		started := limiter.Go(ctx, func() {
			status, err := service.IngestArchive(ctx, archiveID)
			if err != nil {
				mu.Lock()
				group.Add(err)
				mu.Unlock()
				return
			}
			service.log.Info("embedding job finished",
				zap.String("archive", archiveID), zap.String("status", status))
		})
		if !started {
			break
		}
	}
	limiter.Wait()
	return Error.Wrap(group.Err())
}

// IngestArchive embeds one archive's pages and stores them. The job resumes
// cleanly: an archive whose page count already matches its job is skipped,
// and a partial ingest is discarded and redone. Returns the recorded status.
func (service *Service) IngestArchive(ctx context.Context, archiveID string) (status string, err error) {
	defer mon.Task()(&ctx)(&err)

	err = retry.Do(ctx, retry.MaxAttempts, isTransientDBError, func() error {
		status, err = service.ingestArchiveOnce(ctx, archiveID)
		return err
	})
	return status, err
}

func (service *Service) ingestArchiveOnce(ctx context.Context, archiveID string) (_ string, err error) {
	job, err := service.db.GetEmbeddingJob(ctx, archiveID)
	if err != nil {
		return "", err
	}
	if job == nil {
		service.log.Warn("no embedding job for archive", zap.String("archive", archiveID))
		return nhdddb.StatusNotFound, nil
	}

	ingested, err := service.db.CountPages(ctx, archiveID)
	if err != nil {
		return "", err
	}
	if ingested == job.Pages {
		return nhdddb.StatusSkipped, service.markJob(ctx, archiveID, nhdddb.StatusSkipped, "")
	}

	data, err := service.client.DownloadArchive(ctx, archiveID)
	if err != nil {
		return "", Error.Wrap(err)
	}

	// A partial ingest cannot be trusted to line up with the fresh
	// download; start the archive over.
	if ingested > 0 {
		if err := service.db.DeletePages(ctx, archiveID); err != nil {
			return "", err
		}
	}

	images, err := extractImages(data)
	if err != nil {
		service.log.Error("archive extraction failed",
			zap.String("archive", archiveID), zap.Error(err))
		return nhdddb.StatusFailed, service.markJob(ctx, archiveID, nhdddb.StatusFailed, err.Error())
	}

	pages, err := service.embedPages(ctx, archiveID, images)
	if err != nil {
		return "", err
	}

	if err := service.db.InsertPages(ctx, pages); err != nil {
		return "", err
	}
	return nhdddb.StatusSuccess, service.markJob(ctx, archiveID, nhdddb.StatusSuccess, "")
}

// embedPages embeds the images and pairs them with their page numbers.
// Batches run concurrently; embedSem bounds the in-flight embedding requests
// across all archives. Each batch writes a disjoint slice of pages, so the
// result is in page order regardless of completion order.
func (service *Service) embedPages(ctx context.Context, archiveID string, images [][]byte) (_ []nhdddb.Page, err error) {
	defer mon.Task()(&ctx)(&err)

	pages := make([]nhdddb.Page, len(images))
	var group errgroup.Group
	for start := 0; start < len(images); start += embedBatchSize {
		start := start
		end := start + embedBatchSize
		if end > len(images) {
			end = len(images)
		}
		group.Go(func() error {
			embeddings, err := service.embedBatch(ctx, images[start:end])
			if err != nil {
				return err
			}
			for i, embedding := range embeddings {
				pages[start+i] = nhdddb.Page{
					ArchiveID: archiveID,
					PageNo:    start + i + 1,
					Embedding: embedding,
				}
			}
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func (service *Service) embedBatch(ctx context.Context, images [][]byte) (_ [][]float32, err error) {
	if err := service.embedSem.Acquire(ctx, 1); err != nil {
		return nil, Error.Wrap(err)
	}
	defer service.embedSem.Release(1)
	return service.img2vec.CreateBatchEmbeddings(ctx, images)
}

func (service *Service) markJob(ctx context.Context, archiveID, status, message string) error {
	now := float64(time.Now().UnixNano()) / float64(time.Second)
	return service.db.UpdateEmbeddingJob(ctx, archiveID, status, message, now)
}

// extractImages returns the archive's image members in page order: the
// lexicographic order of their file names.
func extractImages(data []byte) (_ [][]byte, err error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	var members []*zip.File
	for _, member := range reader.File {
		if imageutil.IsImageFile(member.Name) {
			members = append(members, member)
		}
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Name < members[j].Name })

	images := make([][]byte, 0, len(members))
	for _, member := range members {
		image, err := readZipMember(member)
		if err != nil {
			return nil, err
		}
		images = append(images, image)
	}
	return images, nil
}

func readZipMember(member *zip.File) (_ []byte, err error) {
	reader, err := member.Open()
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, reader.Close()) }()

	data, err := io.ReadAll(reader)
	return data, Error.Wrap(err)
}
