// Package nhdd implements perceptual deduplication of archives: page
// embedding ingestion, subarchive computation and duplicate removal.
package nhdd

import (
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/psilabs-dev/satellite/img2vec"
	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/satellite/nhdddb"
)

var (
	mon = monkit.Package()

	// Error is the default nhdd errs class.
	Error = errs.Class("nhdd")
)

// Config is the configuration for the deduplication service.
type Config struct {
	DNDMPath            string `help:"path to the nhentai_archivist DONOTDOWNLOADME file"`
	ContentsDir         string `help:"the archive server's contents directory"`
	DownloadConcurrency int    `help:"number of archives ingested concurrently" default:"4"`
	JobBatchSize        int    `help:"number of embedding jobs created per database batch" default:"1000"`
}

// Service computes and acts on archive duplicates.
//
// architecture: Service
type Service struct {
	log     *zap.Logger
	db      *nhdddb.DB
	client  *lrr.Client
	img2vec *img2vec.Client
	config  Config

	// embedSem gates embedding calls across all concurrent ingests, sized
	// to the number of img2vec replicas.
	embedSem *semaphore.Weighted
}

// NewService constructs a deduplication service.
func NewService(log *zap.Logger, db *nhdddb.DB, client *lrr.Client, embedder *img2vec.Client, workers int, config Config) *Service {
	if workers <= 0 {
		workers = 1
	}
	return &Service{
		log:      log,
		db:       db,
		client:   client,
		img2vec:  embedder,
		config:   config,
		embedSem: semaphore.NewWeighted(int64(workers)),
	}
}

// isTransientDBError reports whether the error is a connection-level
// database failure worth backing off and retrying.
func isTransientDBError(err error) bool {
	if pgconn.SafeToRetry(err) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// isConnError reports whether the error is a connection-level failure
// talking to the archive server.
func isConnError(err error) bool {
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
