// Package img2vec implements a client for the img2vec embedding service,
// a stateless transformer mapping image bytes to fixed-dimension vectors.
package img2vec

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default img2vec client errs class.
	Error = errs.Class("img2vec client")
)

// Config is the configuration for the img2vec client.
type Config struct {
	Host    string        `help:"address of the img2vec embedding service"`
	Workers int           `help:"embedding request concurrency; proportional to the number of img2vec replicas" default:"1"`
	Timeout time.Duration `help:"request timeout for embedding calls; 0 means no timeout" default:"0"`
}

// Client talks to an img2vec embedding service.
//
// architecture: Client
type Client struct {
	config Config
	client *http.Client
}

// NewClient constructs an img2vec client with a pooled connection.
func NewClient(config Config) *Client {
	return &Client{
		config: config,
		client: &http.Client{Timeout: config.Timeout},
	}
}

// Healthcheck reports whether the service is reachable.
func (client *Client) Healthcheck(ctx context.Context) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.config.Host+"/api/healthcheck", nil)
	if err != nil {
		return false, Error.Wrap(err)
	}
	resp, err := client.client.Do(req)
	if err != nil {
		return false, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	return resp.StatusCode == http.StatusOK, nil
}

// CreateEmbedding embeds a single image.
func (client *Client) CreateEmbedding(ctx context.Context, image []byte) (_ []float32, err error) {
	defer mon.Task()(&ctx)(&err)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", "image.png")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if _, err := part.Write(image); err != nil {
		return nil, Error.Wrap(err)
	}
	if err := writer.Close(); err != nil {
		return nil, Error.Wrap(err)
	}

	var response struct {
		Embeddings []float32 `json:"embeddings"`
	}
	if err := client.post(ctx, "/api/embeddings", &buf, writer.FormDataContentType(), &response); err != nil {
		return nil, err
	}
	return response.Embeddings, nil
}

// CreateBatchEmbeddings embeds a batch of images. The response preserves the
// order of the request.
func (client *Client) CreateBatchEmbeddings(ctx context.Context, images [][]byte) (_ [][]float32, err error) {
	defer mon.Task()(&ctx)(&err)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	for i, image := range images {
		part, err := writer.CreateFormFile("files", fmt.Sprintf("image_%d.png", i))
		if err != nil {
			return nil, Error.Wrap(err)
		}
		if _, err := part.Write(image); err != nil {
			return nil, Error.Wrap(err)
		}
	}
	if err := writer.Close(); err != nil {
		return nil, Error.Wrap(err)
	}

	var response struct {
		EmbeddingsList [][]float32 `json:"embeddings_list"`
	}
	if err := client.post(ctx, "/api/embeddings-batch", &buf, writer.FormDataContentType(), &response); err != nil {
		return nil, err
	}
	if len(response.EmbeddingsList) != len(images) {
		return nil, Error.New("embedding count mismatch: sent %d images, got %d vectors", len(images), len(response.EmbeddingsList))
	}
	return response.EmbeddingsList, nil
}

func (client *Client) post(ctx context.Context, api string, body io.Reader, contentType string, out interface{}) (err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, client.config.Host+api, body)
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := client.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}
	if resp.StatusCode != http.StatusOK {
		return Error.New("non-success status %d for %s: %s", resp.StatusCode, api, data)
	}
	return Error.Wrap(json.Unmarshal(data, out))
}
