// Package metadata enriches archive metadata, either through the archive
// server's metadata plugins or from a downloader's local database.
package metadata

import (
	"math/rand"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

var (
	mon = monkit.Package()

	// Error is the default metadata errs class.
	Error = errs.Class("metadata")

	// ErrUnknownNamespace is returned for a plugin namespace the satellite
	// does not know how to derive sources for.
	ErrUnknownNamespace = errs.Class("unknown plugin namespace")
)

// Plugin namespaces the satellite can drive.
const (
	NamespacePixiv   = "pixivmetadata"
	NamespaceNhentai = "nhplugin"
)

// Config is the configuration for the metadata service.
type Config struct {
	SleepTime          float64 `help:"upper bound in seconds for the random sleep between plugin calls" default:"5"`
	Semaphore          int     `help:"number of concurrent downloader metadata updates" default:"8"`
	NhentaiArchivistDB string  `help:"path to the nhentai_archivist sqlite database"`
	PixivUtil2DB       string  `help:"path to the PixivUtil2 sqlite database"`
}

// Service drives metadata plugins and downloader metadata updates.
//
// architecture: Service
type Service struct {
	log    *zap.Logger
	db     *satellitedb.DB
	client *lrr.Client
	config Config

	// sleep and now are swapped out by tests.
	sleep func(seconds float64)
	now   func() int64
}

// NewService constructs a metadata service.
func NewService(log *zap.Logger, db *satellitedb.DB, client *lrr.Client, config Config) *Service {
	return &Service{
		log:    log,
		db:     db,
		client: client,
		config: config,
		sleep: func(seconds float64) {
			time.Sleep(time.Duration(seconds * float64(time.Second)))
		},
		now: func() int64 { return time.Now().Unix() },
	}
}

// WithSleepTime returns a copy of the service with a different upper bound
// for the random sleep between plugin calls.
func (service *Service) WithSleepTime(seconds float64) *Service {
	copied := *service
	copied.config.SleepTime = seconds
	return &copied
}

// OpenNhentaiArchivist opens the configured nhentai_archivist database.
func (service *Service) OpenNhentaiArchivist() (Downloader, error) {
	return NewNhentaiArchivistService(service.config.NhentaiArchivistDB)
}

// OpenPixivUtil2 opens the configured PixivUtil2 database.
func (service *Service) OpenPixivUtil2() (Downloader, error) {
	return NewPixivUtil2Service(service.config.PixivUtil2DB)
}

// namespaceSource resolves how a namespace derives a source from a title.
func namespaceSource(namespace string) (idFromTitle func(string) string, template string, err error) {
	switch namespace {
	case NamespacePixiv:
		return PixivIDFromTitle, "https://www.pixiv.net/en/artworks/%s", nil
	case NamespaceNhentai:
		return NhentaiIDFromTitle, "nhentai.net/g/%s", nil
	default:
		return nil, "", ErrUnknownNamespace.New("%q", namespace)
	}
}

// ValidNamespace reports whether the satellite can drive the namespace.
func ValidNamespace(namespace string) bool {
	_, _, err := namespaceSource(namespace)
	return err == nil
}

// mergeTags folds an archive's current tags into the plugin's new tags. The
// plugin's tags come first; for pixiv, stale artist and date tags are dropped
// when the plugin supplied replacements.
func mergeTags(namespace string, currentTags, newTags string) string {
	newList := lrr.SplitTags(newTags)
	merged := newList
	for _, current := range lrr.SplitTags(currentTags) {
		if namespace == NamespacePixiv && supersededPixivTag(current, newList) {
			continue
		}
		merged = append(merged, current)
	}
	return lrr.JoinTags(merged)
}

// Artist and upload-date tags track the artwork's live state, so the
// plugin's values replace the archive's.
func supersededPixivTag(tag string, newTags []string) bool {
	for _, prefix := range []string{"artist:", "date_uploaded:", "date_created:"} {
		if strings.HasPrefix(tag, prefix) && lrr.HasTagPrefix(newTags, prefix) {
			return true
		}
	}
	return false
}

func (service *Service) randomSleep() {
	service.sleep(rand.Float64() * service.config.SleepTime)
}
