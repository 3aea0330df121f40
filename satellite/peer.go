// Package satellite assembles the satellite peer: the databases, the archive
// server clients, the background services and the console API.
package satellite

import (
	"context"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/img2vec"
	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/satellite/console"
	"github.com/psilabs-dev/satellite/satellite/metadata"
	"github.com/psilabs-dev/satellite/satellite/nhdd"
	"github.com/psilabs-dev/satellite/satellite/nhdddb"
	"github.com/psilabs-dev/satellite/satellite/runner"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
	"github.com/psilabs-dev/satellite/satellite/scan"
	"github.com/psilabs-dev/satellite/satellite/upload"
)

// Error is the default satellite errs class.
var Error = errs.Class("satellite")

// Config is the configuration for the whole peer.
type Config struct {
	ContentsDir string `help:"the archive server's contents directory"`

	Database satellitedb.Config
	NhddDB   nhdddb.Config
	LRR      lrr.Config
	Img2Vec  img2vec.Config
	Scan     scan.Config
	Upload   upload.Config
	Metadata metadata.Config
	Nhdd     nhdd.Config
	Console  console.Config
}

// Peer is the satellite process: every subsystem wired together.
//
// architecture: Peer
type Peer struct {
	Log *zap.Logger

	DB     *satellitedb.DB
	NhddDB *nhdddb.DB

	LRR     *lrr.Client
	Img2Vec *img2vec.Client

	Scan     *scan.Service
	Upload   *upload.Service
	Metadata *metadata.Service
	Nhdd     *nhdd.Service

	Locks  *runner.Locks
	Runner *runner.Runner

	Console *console.Server
}

// New constructs a peer from its configuration. The deduplication subsystem
// is only assembled when a deduplication database is configured.
func New(ctx context.Context, log *zap.Logger, config Config) (_ *Peer, err error) {
	peer := &Peer{Log: log}

	peer.DB, err = satellitedb.Open(ctx, log.Named("db"), config.Database)
	if err != nil {
		return nil, err
	}

	peer.LRR = lrr.NewClient(config.LRR)

	if config.NhddDB.Host != "" {
		peer.NhddDB, err = nhdddb.Open(ctx, log.Named("nhdddb"), config.NhddDB)
		if err != nil {
			return nil, errs.Combine(err, peer.DB.Close())
		}
		peer.Img2Vec = img2vec.NewClient(config.Img2Vec)

		nhddConfig := config.Nhdd
		nhddConfig.ContentsDir = config.ContentsDir
		peer.Nhdd = nhdd.NewService(log.Named("nhdd"), peer.NhddDB, peer.LRR,
			peer.Img2Vec, config.Img2Vec.Workers, nhddConfig)
	}

	peer.Scan = scan.NewService(log.Named("scan"), peer.DB, config.ContentsDir, config.Scan)
	peer.Upload = upload.NewService(log.Named("upload"), peer.DB, peer.LRR, config.Upload)
	peer.Metadata = metadata.NewService(log.Named("metadata"), peer.DB, peer.LRR, config.Metadata)

	peer.Locks = runner.NewLocks()
	peer.Runner = runner.New(log.Named("runner"))

	peer.Console = console.NewServer(log.Named("console"), config.Console,
		peer.DB, peer.NhddDB, peer.Scan, peer.Upload, peer.Metadata, peer.Nhdd,
		peer.Runner, peer.Locks)

	return peer, nil
}

// Run runs the peer until the context is canceled.
func (peer *Peer) Run(ctx context.Context) error {
	return peer.Console.Run(ctx)
}

// Close shuts the peer down, waiting for running jobs to stop.
func (peer *Peer) Close() error {
	var group errs.Group
	if peer.Console != nil {
		group.Add(peer.Console.Close())
	}
	if peer.Runner != nil {
		group.Add(peer.Runner.Close())
	}
	if peer.NhddDB != nil {
		group.Add(peer.NhddDB.Close())
	}
	if peer.DB != nil {
		group.Add(peer.DB.Close())
	}
	return Error.Wrap(group.Err())
}
