// Package console implements the satellite's HTTP API: the endpoints that
// queue background jobs and query their state.
package console

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/psilabs-dev/satellite/satellite/metadata"
	"github.com/psilabs-dev/satellite/satellite/nhdd"
	"github.com/psilabs-dev/satellite/satellite/nhdddb"
	"github.com/psilabs-dev/satellite/satellite/runner"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
	"github.com/psilabs-dev/satellite/satellite/scan"
	"github.com/psilabs-dev/satellite/satellite/upload"
)

var (
	mon = monkit.Package()

	// Error is the default console errs class.
	Error = errs.Class("console")
)

// Config is the configuration for the console server.
type Config struct {
	Address       string `help:"address to listen on" default:":8000"`
	DisableAPIKey bool   `help:"skip api key verification on every endpoint" default:"false"`
}

// Server exposes the satellite's services over HTTP.
//
// architecture: Endpoint
type Server struct {
	log    *zap.Logger
	config Config

	db       *satellitedb.DB
	nhddDB   *nhdddb.DB
	scan     *scan.Service
	upload   *upload.Service
	metadata *metadata.Service
	dedupe   *nhdd.Service
	runner   *runner.Runner
	locks    *runner.Locks

	server http.Server
}

// NewServer constructs a console server around the satellite's services.
func NewServer(log *zap.Logger, config Config,
	db *satellitedb.DB, nhddDB *nhdddb.DB,
	scanService *scan.Service, uploadService *upload.Service,
	metadataService *metadata.Service, dedupeService *nhdd.Service,
	jobRunner *runner.Runner, locks *runner.Locks) *Server {

	server := &Server{
		log:      log,
		config:   config,
		db:       db,
		nhddDB:   nhddDB,
		scan:     scanService,
		upload:   uploadService,
		metadata: metadataService,
		dedupe:   dedupeService,
		runner:   jobRunner,
		locks:    locks,
	}

	router := chi.NewRouter()
	router.Get("/api/healthcheck", server.healthcheck)

	router.Group(func(router chi.Router) {
		router.Use(server.withAuth)

		router.Get("/api/info", server.info)

		router.Post("/api/archives/scan", server.scanArchives)
		router.Get("/api/archives", server.listArchives)
		router.Delete("/api/archives/corrupted", server.deleteCorrupted)

		router.Post("/api/upload", server.uploadArchives)

		router.Post("/api/metadata/plugins/{namespace}", server.runPlugin)
		router.Post("/api/metadata/nhentai-archivist", server.updateFromNhentaiArchivist)
		router.Post("/api/metadata/pixivutil2", server.updateFromPixivUtil2)

		router.Post("/api/nhdd/page-embeddings", server.computePageEmbeddings)
		router.Get("/api/nhdd/page-embeddings/status", server.pageEmbeddingsStatus)
		router.Delete("/api/nhdd/page-embeddings", server.clearPageEmbeddings)
		router.Post("/api/nhdd/subarchives", server.computeSubarchives)
		router.Get("/api/nhdd/subarchives/status", server.subarchivesStatus)
		router.Get("/api/nhdd/subarchives/{arcid}", server.subarchiveOf)
		router.Delete("/api/nhdd/subarchives", server.clearSubarchives)
		router.Post("/api/nhdd/nhentai-archives", server.updateNhentaiArchives)
		router.Post("/api/nhdd/nhentai-archives/favorites", server.updateFavorites)
		router.Get("/api/nhdd/nhentai-archives/favorites/status", server.nhentaiArchivesStatus)
		router.Delete("/api/nhdd/nhentai-archives", server.clearNhentaiArchives)
		router.Get("/api/nhdd/duplicates", server.listDuplicates)
		router.Delete("/api/nhdd/duplicates", server.removeDuplicates)

		router.Delete("/api/database/{table}", server.resetTable)
	})

	server.server = http.Server{
		Addr:    config.Address,
		Handler: router,
	}
	return server
}

// Handler returns the server's http handler.
func (server *Server) Handler() http.Handler {
	return server.server.Handler
}

// Run starts the server and blocks until the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		server.log.Info("console server listening", zap.String("address", server.config.Address))
		err := server.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close stops the server.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}

// withAuth verifies the bearer api key on every request.
func (server *Server) withAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if server.config.DisableAPIKey {
			next.ServeHTTP(w, r)
			return
		}

		key, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			server.serveError(w, http.StatusUnauthorized, Error.New("missing bearer token"))
			return
		}
		valid, err := server.db.VerifyAPIKey(r.Context(), key)
		if err != nil {
			server.serveError(w, http.StatusInternalServerError, err)
			return
		}
		if !valid {
			server.serveError(w, http.StatusUnauthorized, Error.New("invalid api key"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (server *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "success"})
}

func (server *Server) info(w http.ResponseWriter, r *http.Request) {
	server.serveJSON(w, http.StatusOK, map[string]string{
		"name":    "satellite",
		"message": "A satellite server for LANraragi.",
	})
}

func (server *Server) scanArchives(w http.ResponseWriter, r *http.Request) {
	contentsDir := server.scan.ContentsDir()
	if _, err := os.Stat(contentsDir); err != nil {
		server.serveError(w, http.StatusNotFound,
			Error.New("contents directory not found: %s", contentsDir))
		return
	}
	config := scan.Config{
		NumWorkers: queryInt(r, "num_workers", 0),
		BatchSize:  queryInt(r, "batch_size", 0),
	}

	release, err := server.acquireWrite(runner.LockContents)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("archive-scan", release, func(ctx context.Context) error {
		return server.scan.Scan(ctx, config)
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued archive scan"})
}

func (server *Server) listArchives(w http.ResponseWriter, r *http.Request) {
	status := satellitedb.ScanStatus(queryInt(r, "status", int(satellitedb.ScanCorrupted)))
	limit := queryInt(r, "limit", scan.DefaultQueryLimit)

	release, err := server.acquire()
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	defer release()

	scans, err := server.db.ListArchiveScans(r.Context(), status, limit)
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	type archiveInfo struct {
		MD5    string `json:"md5"`
		Path   string `json:"path"`
		Status int    `json:"status"`
	}
	archives := make([]archiveInfo, 0, len(scans))
	for _, row := range scans {
		archives = append(archives, archiveInfo{
			MD5:    row.MD5,
			Path:   row.Path,
			Status: int(row.Status),
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"archives": archives})
}

func (server *Server) deleteCorrupted(w http.ResponseWriter, r *http.Request) {
	release, err := server.acquireWrite(runner.LockContents)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("delete-corrupted", release, func(ctx context.Context) error {
		deleted, err := server.scan.DeleteCorrupted(ctx)
		if err != nil {
			return err
		}
		server.log.Info("corrupted archives deleted", zap.Int("deleted", deleted))
		return nil
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued corrupted archive deletion"})
}

func (server *Server) uploadArchives(w http.ResponseWriter, r *http.Request) {
	uploadDir := server.upload.Dir()
	if _, err := os.Stat(uploadDir); err != nil {
		server.serveError(w, http.StatusNotFound,
			Error.New("upload directory not found: %s", uploadDir))
		return
	}
	archiveIsDir := queryBool(r, "archive_is_dir", false)
	semaphore := queryInt(r, "semaphore_val", 0)

	release, err := server.acquireWrite()
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("archive-upload", release, func(ctx context.Context) error {
		counts, err := server.upload.Run(ctx, archiveIsDir, semaphore)
		if err != nil {
			return err
		}
		server.log.Info("upload finished",
			zap.Int("uploaded", counts.Uploaded),
			zap.Int("skipped", counts.Skipped),
			zap.Int("failed", counts.Failed))
		return nil
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued archive upload"})
}

func (server *Server) runPlugin(w http.ResponseWriter, r *http.Request) {
	namespace := chi.URLParam(r, "namespace")
	if !metadata.ValidNamespace(namespace) {
		server.serveError(w, http.StatusBadRequest,
			Error.New("unknown plugin namespace %q", namespace))
		return
	}
	retryOK := queryBool(r, "retry_ok", false)
	service := server.metadata
	if sleepTime := r.URL.Query().Get("sleep_time"); sleepTime != "" {
		seconds, err := strconv.ParseFloat(sleepTime, 64)
		if err != nil || seconds < 0 {
			server.serveError(w, http.StatusBadRequest, Error.New("invalid sleep_time %q", sleepTime))
			return
		}
		service = service.WithSleepTime(seconds)
	}

	release, err := server.acquireWrite()
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("metadata-plugin-"+namespace, release, func(ctx context.Context) error {
		updated, err := service.RunPlugin(ctx, namespace, retryOK)
		if err != nil {
			return err
		}
		server.log.Info("plugin run finished",
			zap.String("namespace", namespace), zap.Int("updated", updated))
		return nil
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued plugin run"})
}

func (server *Server) updateFromNhentaiArchivist(w http.ResponseWriter, r *http.Request) {
	server.updateFromDownloader(w, "nhentai-archivist", server.metadata.OpenNhentaiArchivist)
}

func (server *Server) updateFromPixivUtil2(w http.ResponseWriter, r *http.Request) {
	server.updateFromDownloader(w, "pixivutil2", server.metadata.OpenPixivUtil2)
}

func (server *Server) updateFromDownloader(w http.ResponseWriter, name string, open func() (metadata.Downloader, error)) {
	downloader, err := open()
	if err != nil {
		server.serveError(w, http.StatusInternalServerError,
			Error.New("%s database not configured: %v", name, err))
		return
	}

	release, err := server.acquireWrite()
	if err != nil {
		_ = downloader.Close()
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("metadata-"+name, release, func(ctx context.Context) error {
		defer func() { _ = downloader.Close() }()
		updated, err := server.metadata.UpdateFromDownloader(ctx, downloader)
		if err != nil {
			return err
		}
		server.log.Info("downloader metadata update finished",
			zap.String("downloader", name), zap.Int("updated", updated))
		return nil
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued metadata update"})
}

// requireDedupe refuses deduplication requests when the satellite runs
// without a deduplication database.
func (server *Server) requireDedupe(w http.ResponseWriter) bool {
	if server.dedupe == nil {
		server.serveError(w, http.StatusServiceUnavailable,
			Error.New("deduplication database not configured"))
		return false
	}
	return true
}

func (server *Server) requireNhddDB(w http.ResponseWriter) bool {
	if server.nhddDB == nil {
		server.serveError(w, http.StatusServiceUnavailable,
			Error.New("deduplication database not configured"))
		return false
	}
	return true
}

func (server *Server) computePageEmbeddings(w http.ResponseWriter, r *http.Request) {
	if !server.requireDedupe(w) {
		return
	}
	release, err := server.acquire(runner.LockPageEmbeddings)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("page-embeddings", release, func(ctx context.Context) error {
		if _, err := server.dedupe.CreateEmbeddingJobs(ctx); err != nil {
			return err
		}
		return server.dedupe.ConsumePendingJobs(ctx)
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued page embedding computation"})
}

func (server *Server) pageEmbeddingsStatus(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	jobs, err := server.nhddDB.CountEmbeddingJobs(r.Context())
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

func (server *Server) computeSubarchives(w http.ResponseWriter, r *http.Request) {
	if !server.requireDedupe(w) {
		return
	}
	release, err := server.acquire(runner.LockSubarchives)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("subarchives", release, func(ctx context.Context) error {
		return server.dedupe.ComputeSubarchives(ctx)
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued subarchive computation"})
}

func (server *Server) subarchivesStatus(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	total, roots, err := server.nhddDB.CountSubarchiveMappings(r.Context())
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]int{
		"total":      total,
		"roots":      roots,
		"duplicates": total - roots,
	})
}

// subarchiveOf reports where one archive sits in the subarchive map.
func (server *Server) subarchiveOf(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	arcid := chi.URLParam(r, "arcid")
	root, err := server.nhddDB.Root(r.Context(), arcid)
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	children, err := server.nhddDB.Children(r.Context(), arcid)
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	if children == nil {
		children = []string{}
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"arcid":    arcid,
		"root":     root,
		"children": children,
	})
}

func (server *Server) updateNhentaiArchives(w http.ResponseWriter, r *http.Request) {
	if !server.requireDedupe(w) {
		return
	}
	release, err := server.acquire(runner.LockNhentaiArchives)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("nhentai-archives", release, func(ctx context.Context) error {
		return server.dedupe.UpdateNhentaiArchives(ctx)
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued nhentai archive update"})
}

func (server *Server) updateFavorites(w http.ResponseWriter, r *http.Request) {
	if !server.requireDedupe(w) {
		return
	}
	redoFailed := queryBool(r, "redo_failed", false)

	release, err := server.acquire(runner.LockNhentaiArchives)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	server.runner.Go("nhentai-favorites", release, func(ctx context.Context) error {
		return server.dedupe.UpdateFavorites(ctx, redoFailed)
	})
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "queued favorites update"})
}

func (server *Server) nhentaiArchivesStatus(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	total, withoutFavorites, err := server.nhddDB.CountNhentaiArchives(r.Context())
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	jobs, err := server.nhddDB.CountMetadataJobs(r.Context())
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{
		"total":             total,
		"without_favorites": withoutFavorites,
		"jobs":              jobs,
	})
}

func (server *Server) clearPageEmbeddings(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	release, err := server.acquire(runner.LockPageEmbeddings)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	defer release()

	if err := server.nhddDB.ClearPages(r.Context()); err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	if err := server.nhddDB.ClearEmbeddingJobs(r.Context()); err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "page embeddings cleared"})
}

func (server *Server) clearSubarchives(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	release, err := server.acquire(runner.LockSubarchives)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	defer release()

	if err := server.nhddDB.ClearSubarchiveMap(r.Context()); err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "subarchive map cleared"})
}

func (server *Server) clearNhentaiArchives(w http.ResponseWriter, r *http.Request) {
	if !server.requireNhddDB(w) {
		return
	}
	release, err := server.acquire(runner.LockNhentaiArchives)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	defer release()

	if err := server.nhddDB.ClearNhentaiArchives(r.Context()); err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	if err := server.nhddDB.ClearMetadataJobs(r.Context()); err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "nhentai archive data cleared"})
}

func (server *Server) listDuplicates(w http.ResponseWriter, r *http.Request) {
	if !server.requireDedupe(w) {
		return
	}
	duplicates, err := server.dedupe.Duplicates(r.Context())
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	if duplicates == nil {
		duplicates = []string{}
	}
	server.serveJSON(w, http.StatusOK, map[string]interface{}{"duplicates": duplicates})
}

func (server *Server) removeDuplicates(w http.ResponseWriter, r *http.Request) {
	if !server.requireDedupe(w) {
		return
	}
	if !server.dedupe.DNDMConfigured() {
		server.serveError(w, http.StatusNotFound,
			Error.New("DONOTDOWNLOADME file not found"))
		return
	}
	dryRun := queryBool(r, "is_dry_run", true)

	release, err := server.acquire(runner.LockContents)
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	defer release()

	stats, err := server.dedupe.RemoveDuplicates(r.Context(), dryRun)
	if err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, stats)
}

func (server *Server) resetTable(w http.ResponseWriter, r *http.Request) {
	release, err := server.locks.TryWriter()
	if err != nil {
		server.serveBusy(w, err)
		return
	}
	defer release()

	var reset func(context.Context) error
	table := chi.URLParam(r, "table")
	switch table {
	case "auth":
		reset = server.db.ResetAuth
	case "archive_scan":
		reset = server.db.ResetArchiveScans
	case "archive_upload":
		reset = server.db.ResetArchiveUploads
	case "metadata_plugin_task":
		reset = server.db.ResetMetadataPluginTasks
	default:
		server.serveError(w, http.StatusNotFound, Error.New("unknown table %q", table))
		return
	}
	if err := reset(r.Context()); err != nil {
		server.serveError(w, http.StatusInternalServerError, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]string{"message": "table " + table + " reset"})
}

// acquire takes the read side of the database gate plus the given named
// locks, returning a single release for all of them.
func (server *Server) acquire(names ...string) (release func(), err error) {
	return server.acquireLocks(server.locks.TryReader, names)
}

// acquireWrite takes the write side of the database gate plus the given
// named locks. Jobs that mutate the local database hold the write side.
func (server *Server) acquireWrite(names ...string) (release func(), err error) {
	return server.acquireLocks(server.locks.TryWriter, names)
}

func (server *Server) acquireLocks(gate func() (func(), error), names []string) (release func(), err error) {
	releases := make([]func(), 0, len(names)+1)
	release = func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}

	gateRelease, err := gate()
	if err != nil {
		return nil, err
	}
	releases = append(releases, gateRelease)

	for _, name := range names {
		namedRelease, err := server.locks.TryNamed(name)
		if err != nil {
			release()
			return nil, err
		}
		releases = append(releases, namedRelease)
	}
	return release, nil
}

// serveBusy answers a request whose locks are held by a running job.
func (server *Server) serveBusy(w http.ResponseWriter, err error) {
	if runner.ErrBusy.Has(err) {
		server.serveError(w, http.StatusLocked, err)
		return
	}
	server.serveError(w, http.StatusInternalServerError, err)
}

func (server *Server) serveJSON(w http.ResponseWriter, status int, value interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(value); err != nil {
		server.log.Error("failed to write json response", zap.Error(err))
	}
}

func (server *Server) serveError(w http.ResponseWriter, status int, err error) {
	if status == http.StatusInternalServerError {
		server.log.Error("api error", zap.Error(err))
	}
	server.serveJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, fallback int) int {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func queryBool(r *http.Request, name string, fallback bool) bool {
	value := r.URL.Query().Get(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}
