// Package scan implements archive integrity scanning: discovery of archives
// on disk and byte-level analysis of the images they contain.
package scan

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"runtime"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/private/fileutil"
	"github.com/psilabs-dev/satellite/private/imageutil"
	"github.com/psilabs-dev/satellite/private/sync2"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

var (
	mon = monkit.Package()

	// Error is the default scan errs class.
	Error = errs.Class("scan")
)

// DefaultQueryLimit bounds how many rows a single scan pass works through.
const DefaultQueryLimit = 100000

// Config is the configuration for the scan service.
type Config struct {
	NumWorkers int `help:"number of analysis workers; 0 uses all cores" default:"0"`
	BatchSize  int `help:"number of results written to the database per flush" default:"100"`
}

// Service runs integrity scans over the archive server's contents directory.
//
// architecture: Service
type Service struct {
	log         *zap.Logger
	db          *satellitedb.DB
	contentsDir string
	config      Config
}

// NewService constructs a scan service.
func NewService(log *zap.Logger, db *satellitedb.DB, contentsDir string, config Config) *Service {
	return &Service{
		log:         log,
		db:          db,
		contentsDir: contentsDir,
		config:      config,
	}
}

// ContentsDir returns the directory being scanned.
func (service *Service) ContentsDir() string { return service.contentsDir }

// PathHash returns the row key for an archive path.
func PathHash(path string) string {
	sum := md5.Sum([]byte(path))
	return hex.EncodeToString(sum[:])
}

// Scan discovers archives on disk and analyzes the pending ones.
func (service *Service) Scan(ctx context.Context, config Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	if err := service.Discover(ctx); err != nil {
		return err
	}
	return service.Analyze(ctx, config)
}

// Discover walks the contents directory and records unseen or modified
// archives as pending. A row whose modification time is unchanged is left
// alone, so repeated scans skip already-analyzed files.
func (service *Service) Discover(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	archives, err := fileutil.FindArchives(service.contentsDir)
	if err != nil {
		return Error.Wrap(err)
	}
	service.log.Info("discovery started",
		zap.String("dir", service.contentsDir),
		zap.Int("archives", len(archives)))

	batchSize := service.config.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var batch []satellitedb.ArchiveScan
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := service.db.UpsertArchiveScans(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	}

	var discovered int
	for _, path := range archives {
		if err := ctx.Err(); err != nil {
			return Error.Wrap(err)
		}
		info, err := os.Stat(path)
		if err != nil {
			service.log.Warn("archive vanished during discovery", zap.String("path", path))
			continue
		}
		mtime := info.ModTime().UnixNano()

		existing, err := service.db.GetArchiveScan(ctx, PathHash(path))
		if err != nil {
			return err
		}
		if existing != nil && existing.Mtime == mtime {
			continue
		}

		batch = append(batch, satellitedb.ArchiveScan{
			MD5:    PathHash(path),
			Path:   path,
			Status: satellitedb.ScanPending,
			Mtime:  mtime,
		})
		discovered++
		if len(batch) >= batchSize {
			if err := flush(); err != nil {
				return err
			}
		}
	}
	if err := flush(); err != nil {
		return err
	}

	service.log.Info("discovery finished", zap.Int("pending", discovered))
	return nil
}

// Analyze inspects pending archives with a worker pool and records each
// archive's integrity status. Rows whose file has disappeared are dropped.
func (service *Service) Analyze(ctx context.Context, config Config) (err error) {
	defer mon.Task()(&ctx)(&err)

	pending, err := service.db.ListArchiveScans(ctx, satellitedb.ScanPending, DefaultQueryLimit)
	if err != nil {
		return err
	}
	service.log.Info("analysis started", zap.Int("pending", len(pending)))

	numWorkers := config.NumWorkers
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}
	batchSize := config.BatchSize
	if batchSize <= 0 {
		batchSize = service.config.BatchSize
	}
	if batchSize <= 0 {
		batchSize = 100
	}

	var (
		mu      sync.Mutex
		results []satellitedb.ArchiveScan
		group   = errs.Group{}
	)
	flushLocked := func() error {
		if len(results) == 0 {
			return nil
		}
		if err := service.db.UpsertArchiveScans(ctx, results); err != nil {
			return err
		}
		results = results[:0]
		return nil
	}

	limiter := sync2.NewLimiter(numWorkers)
	for _, scan := range pending {
		scan := scan
		started := limiter.Go(ctx, func() {
			if _, err := os.Stat(scan.Path); err != nil {
				if err := service.db.DeleteArchiveScan(ctx, scan.MD5); err != nil {
					mu.Lock()
					group.Add(err)
					mu.Unlock()
				}
				return
			}

			scan.Status = analyzeArchive(service.log, scan.Path)

			mu.Lock()
			defer mu.Unlock()
			results = append(results, scan)
			if len(results) >= batchSize {
				if err := flushLocked(); err != nil {
					group.Add(err)
				}
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	mu.Lock()
	defer mu.Unlock()
	if err := flushLocked(); err != nil {
		group.Add(err)
	}
	if err := ctx.Err(); err != nil {
		group.Add(err)
	}

	service.log.Info("analysis finished")
	return Error.Wrap(group.Err())
}

// analyzeArchive classifies a single archive. Unexpected inspection failures
// are recorded as errors so the archive is revisited rather than deleted.
func analyzeArchive(log *zap.Logger, path string) satellitedb.ScanStatus {
	incomplete, err := imageutil.ArchiveContainsIncompleteImage(path)
	if err != nil {
		log.Warn("archive analysis failed", zap.String("path", path), zap.Error(err))
		return satellitedb.ScanError
	}
	if incomplete {
		return satellitedb.ScanCorrupted
	}
	return satellitedb.ScanOK
}

// DeleteCorrupted unlinks every corrupted archive and drops its row. Files
// already gone from disk are tolerated. Returns the number of rows removed.
func (service *Service) DeleteCorrupted(ctx context.Context) (deleted int, err error) {
	defer mon.Task()(&ctx)(&err)

	corrupted, err := service.db.ListArchiveScans(ctx, satellitedb.ScanCorrupted, DefaultQueryLimit)
	if err != nil {
		return 0, err
	}
	for _, scan := range corrupted {
		if err := ctx.Err(); err != nil {
			return deleted, Error.Wrap(err)
		}
		if err := os.Remove(scan.Path); err != nil && !os.IsNotExist(err) {
			return deleted, Error.Wrap(err)
		}
		if err := service.db.DeleteArchiveScan(ctx, scan.MD5); err != nil {
			return deleted, err
		}
		service.log.Info("deleted corrupted archive", zap.String("path", scan.Path))
		deleted++
	}
	return deleted, nil
}
