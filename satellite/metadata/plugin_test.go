package metadata_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/private/testcontext"
	"github.com/psilabs-dev/satellite/satellite/metadata"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

// fakeLRR emulates the archive server endpoints the metadata service uses.
type fakeLRR struct {
	mu       sync.Mutex
	archives map[string]*lrr.Archive
	// plugin results keyed by source argument
	pluginData map[string]lrr.PluginResponse
	updated    map[string]string
}

func (server *fakeLRR) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/archives", func(w http.ResponseWriter, r *http.Request) {
		server.mu.Lock()
		defer server.mu.Unlock()
		var list []*lrr.Archive
		for _, archive := range server.archives {
			list = append(list, archive)
		}
		_ = json.NewEncoder(w).Encode(list)
	})
	mux.HandleFunc("/api/archives/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
		require.Len(t, parts, 4)
		arcid := parts[2]

		server.mu.Lock()
		defer server.mu.Unlock()
		archive, ok := server.archives[arcid]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.Method {
		case http.MethodGet:
			_ = json.NewEncoder(w).Encode(archive)
		case http.MethodPut:
			require.NoError(t, r.ParseForm())
			archive.Title = r.FormValue("title")
			archive.Tags = r.FormValue("tags")
			server.updated[arcid] = r.FormValue("tags")
			_ = json.NewEncoder(w).Encode(map[string]int{"success": 1})
		}
	})
	mux.HandleFunc("/api/plugins/use", func(w http.ResponseWriter, r *http.Request) {
		server.mu.Lock()
		defer server.mu.Unlock()
		response, ok := server.pluginData[r.URL.Query().Get("arg")]
		if !ok {
			response = lrr.PluginResponse{Success: 0, Err: "No matching gallery found"}
		}
		_ = json.NewEncoder(w).Encode(response)
	})
	return mux
}

func newPluginFixture(t *testing.T, ctx *testcontext.Context, server *fakeLRR) (*metadata.Service, *satellitedb.DB, func()) {
	db, err := satellitedb.Open(ctx, zaptest.NewLogger(t), satellitedb.Config{
		Path: ctx.File("db", "db.sqlite"),
	})
	require.NoError(t, err)

	ts := httptest.NewServer(server.handler(t))
	client := lrr.NewClient(lrr.Config{Host: ts.URL, APIKey: "key"})
	service := metadata.NewService(zaptest.NewLogger(t), db, client, metadata.Config{
		SleepTime: 0, Semaphore: 2,
	})
	return service, db, func() {
		ts.Close()
		require.NoError(t, db.Close())
	}
}

func TestRunPluginUnknownNamespace(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := &fakeLRR{archives: map[string]*lrr.Archive{}, updated: map[string]string{}}
	service, _, cleanup := newPluginFixture(t, ctx, server)
	defer cleanup()

	_, err := service.RunPlugin(ctx, "bogus", false)
	require.True(t, metadata.ErrUnknownNamespace.Has(err))
}

func TestRunPlugin(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	found := lrr.PluginResponse{Success: 1}
	found.Data.Title = "177013 gallery"
	found.Data.NewTags = "artist:someone,language:english"

	server := &fakeLRR{
		archives: map[string]*lrr.Archive{
			"a1": {ArcID: "a1", Title: "177013 gallery", Tags: "existing:tag"},
			"a2": {ArcID: "a2", Title: "no id here", Tags: ""},
			"a3": {ArcID: "a3", Title: "999 gone gallery", Tags: ""},
		},
		pluginData: map[string]lrr.PluginResponse{
			"nhentai.net/g/177013": found,
		},
		updated: map[string]string{},
	}
	service, db, cleanup := newPluginFixture(t, ctx, server)
	defer cleanup()

	updated, err := service.RunPlugin(ctx, metadata.NamespaceNhentai, false)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	// a1's plugin tags come first, its current tags follow.
	require.Equal(t, "artist:someone,language:english,existing:tag", server.updated["a1"])
	task, err := db.GetPluginTask(ctx, "a1")
	require.NoError(t, err)
	require.Equal(t, satellitedb.TaskOK, task.Status)

	// a2 has no derivable source.
	task, err = db.GetPluginTask(ctx, "a2")
	require.NoError(t, err)
	require.Equal(t, satellitedb.TaskError, task.Status)

	// a3's gallery is unknown to the plugin.
	task, err = db.GetPluginTask(ctx, "a3")
	require.NoError(t, err)
	require.Equal(t, satellitedb.TaskNotFound, task.Status)
	require.Equal(t, 1, task.NumFailures)

	// A second run retries nothing: OK is settled and the not-found
	// retry window has not elapsed.
	updated, err = service.RunPlugin(ctx, metadata.NamespaceNhentai, false)
	require.NoError(t, err)
	require.Zero(t, updated)
}

func TestRunPluginDropsMissingArchives(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := &fakeLRR{
		archives:   map[string]*lrr.Archive{},
		pluginData: map[string]lrr.PluginResponse{},
		updated:    map[string]string{},
	}
	service, db, cleanup := newPluginFixture(t, ctx, server)
	defer cleanup()

	// A task whose archive has been deleted from the server is dropped.
	require.NoError(t, db.UpsertPluginTasks(ctx, []satellitedb.PluginTask{{
		ArcID:     "gone",
		Source:    "nhentai.net/g/1",
		Namespace: metadata.NamespaceNhentai,
		Status:    satellitedb.TaskPending,
	}}))

	_, err := service.RunPlugin(ctx, metadata.NamespaceNhentai, false)
	require.NoError(t, err)

	task, err := db.GetPluginTask(ctx, "gone")
	require.NoError(t, err)
	require.Nil(t, task)
}
