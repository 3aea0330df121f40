// Package upload implements bulk archive upload from a staging directory to
// the archive server, with a local cache that skips already-sent files.
package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/private/fileutil"
	"github.com/psilabs-dev/satellite/private/retry"
	"github.com/psilabs-dev/satellite/private/sync2"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
	"github.com/psilabs-dev/satellite/satellite/scan"
)

var (
	mon = monkit.Package()

	// Error is the default upload errs class.
	Error = errs.Class("upload")
)

// checksumRetries bounds retries after a server-side checksum mismatch.
const checksumRetries = 3

// Config is the configuration for the upload service.
type Config struct {
	Dir       string `help:"staging directory holding archives to upload"`
	Semaphore int    `help:"number of concurrent uploads" default:"8"`
}

// Counts summarizes an upload run.
type Counts struct {
	Uploaded int `json:"uploaded"`
	Skipped  int `json:"skipped"`
	Failed   int `json:"failed"`
}

// Service uploads archives from the staging directory.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     *satellitedb.DB
	client *lrr.Client
	config Config
}

// NewService constructs an upload service.
func NewService(log *zap.Logger, db *satellitedb.DB, client *lrr.Client, config Config) *Service {
	return &Service{log: log, db: db, client: client, config: config}
}

// Dir returns the staging directory.
func (service *Service) Dir() string { return service.config.Dir }

// Run uploads the staging directory's archives. When archiveIsDir is set,
// each leaf folder is zipped into a flat archive before upload; otherwise
// archive files are uploaded as they are, gated on a known file signature.
func (service *Service) Run(ctx context.Context, archiveIsDir bool, semaphore int) (_ Counts, err error) {
	defer mon.Task()(&ctx)(&err)

	if semaphore <= 0 {
		semaphore = service.config.Semaphore
	}
	if semaphore <= 0 {
		semaphore = 8
	}

	if archiveIsDir {
		return service.runFolders(ctx, semaphore)
	}
	return service.runFiles(ctx, semaphore)
}

func (service *Service) runFiles(ctx context.Context, semaphore int) (counts Counts, err error) {
	archives, err := fileutil.FindArchives(service.config.Dir)
	if err != nil {
		return Counts{}, Error.Wrap(err)
	}
	service.log.Info("upload started", zap.Int("archives", len(archives)))

	var (
		mu    sync.Mutex
		group errs.Group
	)
	limiter := sync2.NewLimiter(semaphore)
	for _, path := range archives {
		path := path
		started := limiter.Go(ctx, func() {
			uploaded, err := service.uploadFile(ctx, path, true, filepath.Base(path))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				group.Add(err)
				counts.Failed++
			case uploaded:
				counts.Uploaded++
			default:
				counts.Skipped++
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	service.log.Info("upload finished",
		zap.Int("uploaded", counts.Uploaded),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed))
	return counts, Error.Wrap(group.Err())
}

func (service *Service) runFolders(ctx context.Context, semaphore int) (counts Counts, err error) {
	folders, err := fileutil.FindLeafFolders(service.config.Dir)
	if err != nil {
		return Counts{}, Error.Wrap(err)
	}
	service.log.Info("folder upload started", zap.Int("folders", len(folders)))

	var (
		mu    sync.Mutex
		group errs.Group
	)
	limiter := sync2.NewLimiter(semaphore)
	for _, folder := range folders {
		folder := folder
		started := limiter.Go(ctx, func() {
			uploaded, err := service.uploadFolder(ctx, folder)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err != nil:
				group.Add(err)
				counts.Failed++
			case uploaded:
				counts.Uploaded++
			default:
				counts.Skipped++
			}
		})
		if !started {
			break
		}
	}
	limiter.Wait()

	service.log.Info("folder upload finished",
		zap.Int("uploaded", counts.Uploaded),
		zap.Int("skipped", counts.Skipped),
		zap.Int("failed", counts.Failed))
	return counts, Error.Wrap(group.Err())
}

// uploadFolder zips a leaf folder into a temporary flat archive and uploads
// it under the folder's name. The skip cache is keyed on the folder path.
func (service *Service) uploadFolder(ctx context.Context, folder string) (_ bool, err error) {
	cached, err := service.isCached(ctx, folder)
	if err != nil || cached {
		return false, err
	}

	tempZip, err := os.CreateTemp("", "satellite-upload-*.zip")
	if err != nil {
		return false, Error.Wrap(err)
	}
	tempPath := tempZip.Name()
	defer func() { err = errs.Combine(err, os.Remove(tempPath)) }()
	if err := tempZip.Close(); err != nil {
		return false, Error.Wrap(err)
	}

	if err := fileutil.ZipFolder(folder, tempPath); err != nil {
		return false, err
	}
	return service.uploadPath(ctx, tempPath, folder, filepath.Base(folder)+".zip")
}

// uploadFile uploads one archive file, gated on a known archive signature.
func (service *Service) uploadFile(ctx context.Context, path string, checkSignature bool, fileName string) (_ bool, err error) {
	cached, err := service.isCached(ctx, path)
	if err != nil || cached {
		return false, err
	}

	if checkSignature {
		signature, err := fileutil.SignatureHex(path)
		if err != nil {
			return false, Error.Wrap(err)
		}
		if !fileutil.IsAllowedSignature(signature) {
			service.log.Warn("skipping file with unknown signature",
				zap.String("path", path), zap.String("signature", signature))
			return false, nil
		}
	}
	return service.uploadPath(ctx, path, path, fileName)
}

// uploadPath sends the file at path, caching success under cacheKey.
func (service *Service) uploadPath(ctx context.Context, path, cacheKey, fileName string) (_ bool, err error) {
	checksum, err := fileChecksum(path)
	if err != nil {
		return false, err
	}

	for attempt := 0; ; attempt++ {
		file, err := os.Open(path)
		if err != nil {
			return false, Error.Wrap(err)
		}
		response, err := service.client.UploadArchive(ctx, file, fileName, checksum, lrr.UploadFields{})
		err = errs.Combine(err, file.Close())
		if err != nil {
			if isConnError(err) && attempt < retry.MaxAttempts {
				if err := retry.Sleep(ctx, attempt); err != nil {
					return false, Error.Wrap(err)
				}
				continue
			}
			return false, err
		}

		switch response.StatusCode {
		case http.StatusOK:
			return true, service.cache(ctx, cacheKey)
		case http.StatusConflict:
			// Already on the server; remember so we stop retrying it.
			return false, service.cache(ctx, cacheKey)
		case http.StatusExpectationFailed:
			if attempt < checksumRetries {
				service.log.Warn("checksum mismatch, retrying",
					zap.String("path", path), zap.Int("attempt", attempt))
				continue
			}
			return false, Error.New("checksum mismatch for %s after %d attempts", path, checksumRetries)
		default:
			service.log.Error("upload rejected",
				zap.String("path", path),
				zap.Int("status", response.StatusCode),
				zap.String("error", response.Err))
			return false, nil
		}
	}
}

// isCached reports whether the path was uploaded before and is unchanged.
func (service *Service) isCached(ctx context.Context, path string) (_ bool, err error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, Error.Wrap(err)
	}
	row, err := service.db.GetArchiveUpload(ctx, scan.PathHash(path))
	if err != nil {
		return false, err
	}
	return row != nil && row.Mtime == info.ModTime().UnixNano(), nil
}

func (service *Service) cache(ctx context.Context, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return Error.Wrap(err)
	}
	return service.db.UpsertArchiveUpload(ctx, satellitedb.ArchiveUpload{
		MD5:   scan.PathHash(path),
		Path:  path,
		Mtime: info.ModTime().UnixNano(),
	})
}

// fileChecksum hashes the file with SHA-1 in 8 KiB chunks.
func fileChecksum(path string) (_ string, err error) {
	file, err := os.Open(path)
	if err != nil {
		return "", Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, file.Close()) }()

	hash := sha1.New()
	buf := make([]byte, 8192)
	if _, err := io.CopyBuffer(hash, file, buf); err != nil {
		return "", Error.Wrap(err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

func isConnError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
