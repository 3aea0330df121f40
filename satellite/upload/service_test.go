package upload_test

import (
	"archive/zip"
	"bytes"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/psilabs-dev/satellite/lrr"
	"github.com/psilabs-dev/satellite/private/testcontext"
	"github.com/psilabs-dev/satellite/satellite/satellitedb"
	"github.com/psilabs-dev/satellite/satellite/upload"
)

type fakeServer struct {
	mu       sync.Mutex
	received map[string][]byte
	statuses []int
}

func (server *fakeServer) handler(t *testing.T) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.NoError(t, r.ParseMultipartForm(32<<20))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		data, err := io.ReadAll(file)
		require.NoError(t, err)
		require.NoError(t, file.Close())

		server.mu.Lock()
		defer server.mu.Unlock()

		status := http.StatusOK
		if len(server.statuses) > 0 {
			status, server.statuses = server.statuses[0], server.statuses[1:]
		}
		if status == http.StatusOK {
			sum := sha1.Sum(data)
			require.Equal(t, hex.EncodeToString(sum[:]), r.FormValue("file_checksum"))
			server.received[header.Filename] = data
		}
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{"id": "fake", "success": 1})
	})
}

func newService(t *testing.T, host, dir string) (*upload.Service, *satellitedb.DB, func()) {
	ctx := testcontext.New(t)
	db, err := satellitedb.Open(ctx, zaptest.NewLogger(t), satellitedb.Config{
		Path: ctx.File("db", "db.sqlite"),
	})
	require.NoError(t, err)

	client := lrr.NewClient(lrr.Config{Host: host, APIKey: "key", SSLVerify: true})
	service := upload.NewService(zaptest.NewLogger(t), db, client, upload.Config{
		Dir: dir, Semaphore: 2,
	})
	return service, db, func() {
		require.NoError(t, db.Close())
		ctx.Cleanup()
	}
}

func TestUploadFiles(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := &fakeServer{received: map[string][]byte{}}
	ts := httptest.NewServer(server.handler(t))
	defer ts.Close()

	staging := ctx.Dir("staging")
	writeZipFile(t, filepath.Join(staging, "a.zip"), "001.jpg", []byte{0xFF, 0xD8, 0xFF, 0xD9})
	// An unknown signature is skipped, not uploaded.
	require.NoError(t, os.WriteFile(filepath.Join(staging, "fake.zip"), []byte("not a zip at all, no"), 0644))

	service, _, cleanup := newService(t, ts.URL, staging)
	defer cleanup()

	counts, err := service.Run(ctx, false, 2)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Uploaded)
	require.Equal(t, 1, counts.Skipped)
	require.Zero(t, counts.Failed)
	require.Contains(t, server.received, "a.zip")

	// A second run hits the cache and sends nothing.
	counts, err = service.Run(ctx, false, 2)
	require.NoError(t, err)
	require.Zero(t, counts.Uploaded)
	require.Equal(t, 2, counts.Skipped)
}

func TestUploadDuplicateIsCached(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := &fakeServer{
		received: map[string][]byte{},
		statuses: []int{http.StatusConflict},
	}
	ts := httptest.NewServer(server.handler(t))
	defer ts.Close()

	staging := ctx.Dir("staging")
	writeZipFile(t, filepath.Join(staging, "dupe.zip"), "001.jpg", []byte{0xFF, 0xD8, 0xFF, 0xD9})

	service, _, cleanup := newService(t, ts.URL, staging)
	defer cleanup()

	counts, err := service.Run(ctx, false, 2)
	require.NoError(t, err)
	require.Zero(t, counts.Uploaded)
	require.Equal(t, 1, counts.Skipped)

	counts, err = service.Run(ctx, false, 2)
	require.NoError(t, err)
	require.Zero(t, counts.Uploaded)
	require.Equal(t, 1, counts.Skipped)
	require.Empty(t, server.received)
}

func TestUploadChecksumRetry(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := &fakeServer{
		received: map[string][]byte{},
		statuses: []int{http.StatusExpectationFailed, http.StatusOK},
	}
	ts := httptest.NewServer(server.handler(t))
	defer ts.Close()

	staging := ctx.Dir("staging")
	writeZipFile(t, filepath.Join(staging, "retry.zip"), "001.jpg", []byte{0xFF, 0xD8, 0xFF, 0xD9})

	service, _, cleanup := newService(t, ts.URL, staging)
	defer cleanup()

	counts, err := service.Run(ctx, false, 2)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Uploaded)
	require.Contains(t, server.received, "retry.zip")
}

func TestUploadLeafFolders(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := &fakeServer{received: map[string][]byte{}}
	ts := httptest.NewServer(server.handler(t))
	defer ts.Close()

	staging := ctx.Dir("staging")
	leaf := ctx.Dir("staging", "series", "volume-1")
	require.NoError(t, os.WriteFile(filepath.Join(leaf, "001.jpg"), []byte{0xFF, 0xD8, 0xFF, 0xD9}, 0644))
	require.NoError(t, os.WriteFile(filepath.Join(leaf, "002.jpg"), []byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9}, 0644))

	service, _, cleanup := newService(t, ts.URL, staging)
	defer cleanup()

	counts, err := service.Run(ctx, true, 2)
	require.NoError(t, err)
	require.Equal(t, 1, counts.Uploaded)
	require.Contains(t, server.received, "volume-1.zip")

	reader, err := zip.NewReader(bytes.NewReader(server.received["volume-1.zip"]), int64(len(server.received["volume-1.zip"])))
	require.NoError(t, err)
	require.Len(t, reader.File, 2)
}

func writeZipFile(t *testing.T, path, member string, data []byte) {
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	file, err := writer.Create(member)
	require.NoError(t, err)
	_, err = file.Write(data)
	require.NoError(t, err)
	require.NoError(t, writer.Close())
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}
