package metadata_test

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/private/testcontext"
	"github.com/psilabs-dev/satellite/satellite/metadata"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
)

// fakeUntaggedLRR emulates the untagged-archive endpoints.
type fakeUntaggedLRR struct {
	mu       sync.Mutex
	archives map[string]lrr.Archive
	untagged []string
	updated  map[string]lrr.Archive
}

func (server *fakeUntaggedLRR) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/archives/untagged", func(w http.ResponseWriter, r *http.Request) {
		server.mu.Lock()
		defer server.mu.Unlock()
		_ = json.NewEncoder(w).Encode(server.untagged)
	})
	mux.HandleFunc("/api/archives/", func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
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
			server.updated[arcid] = lrr.Archive{
				ArcID:   arcid,
				Title:   r.FormValue("title"),
				Tags:    r.FormValue("tags"),
				Summary: r.FormValue("summary"),
			}
			_ = json.NewEncoder(w).Encode(map[string]int{"success": 1})
		}
	})
	return mux
}

func writeNhentaiFixture(t *testing.T, path string) {
	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer func() { require.NoError(t, db.Close()) }()

	for _, stmt := range []string{
		`CREATE TABLE Hentai (id TEXT PRIMARY KEY, title_pretty TEXT)`,
		`CREATE TABLE tag (id INTEGER PRIMARY KEY, type TEXT, name TEXT)`,
		`CREATE TABLE hentai_tag (hentai_id TEXT, tag_id INTEGER)`,
		`INSERT INTO Hentai VALUES ('177013', 'A Pretty Title')`,
		`INSERT INTO tag VALUES (1, 'tag', 'full color')`,
		`INSERT INTO tag VALUES (2, 'artist', 'someone')`,
		`INSERT INTO tag VALUES (3, 'language', 'english')`,
		`INSERT INTO hentai_tag VALUES ('177013', 1)`,
		`INSERT INTO hentai_tag VALUES ('177013', 2)`,
		`INSERT INTO hentai_tag VALUES ('177013', 3)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
}

func TestUpdateFromNhentaiArchivist(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	fixture := ctx.File("downloader", "nhentai.sqlite")
	writeNhentaiFixture(t, fixture)

	downloader, err := metadata.NewNhentaiArchivistService(fixture)
	require.NoError(t, err)
	defer ctx.Check(downloader.Close)

	server := &fakeUntaggedLRR{
		archives: map[string]lrr.Archive{
			"a1": {ArcID: "a1", Title: "177013 a pretty title"},
			"a2": {ArcID: "a2", Title: "no id"},
			"a3": {ArcID: "a3", Title: "55555 never downloaded"},
		},
		untagged: []string{"a1", "a2", "a3"},
		updated:  map[string]lrr.Archive{},
	}
	ts := httptest.NewServer(server.handler(t))
	defer ts.Close()

	db, err := satellitedb.Open(ctx, zaptest.NewLogger(t), satellitedb.Config{
		Path: ctx.File("db", "db.sqlite"),
	})
	require.NoError(t, err)
	defer ctx.Check(db.Close)

	client := lrr.NewClient(lrr.Config{Host: ts.URL, APIKey: "key"})
	service := metadata.NewService(zaptest.NewLogger(t), db, client, metadata.Config{Semaphore: 2})

	updated, err := service.UpdateFromDownloader(ctx, downloader)
	require.NoError(t, err)
	require.Equal(t, 1, updated)

	applied := server.updated["a1"]
	require.Equal(t, "A Pretty Title", applied.Title)
	require.Equal(t, "full color,language:english,artist:someone,source:nhentai.net/g/177013", applied.Tags)
	require.NotContains(t, server.updated, "a2")
	require.NotContains(t, server.updated, "a3")
}

func TestNhentaiArchivistServiceMissingDB(t *testing.T) {
	_, err := metadata.NewNhentaiArchivistService("")
	require.Error(t, err)
	_, err = metadata.NewNhentaiArchivistService("/nonexistent/path.sqlite")
	require.Error(t, err)
}
