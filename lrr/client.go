// Package lrr implements a typed client for the LANraragi REST API.
package lrr

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var (
	mon = monkit.Package()

	// Error is the default lrr client errs class.
	Error = errs.Class("lrr client")
	// ErrUnauthorized is returned when the server rejects the API key.
	ErrUnauthorized = errs.Class("lrr unauthorized")
)

// Config is the configuration for the LANraragi client.
type Config struct {
	Host      string        `help:"address of the LANraragi server" default:"http://localhost:3000"`
	APIKey    string        `help:"API key for the LANraragi server" default:"lanraragi"`
	SSLVerify bool          `help:"verify the LANraragi server's TLS certificate" default:"true"`
	Timeout   time.Duration `help:"request timeout for LANraragi calls; 0 means no timeout" default:"0"`
}

// Client talks to a LANraragi server over its REST API.
//
// architecture: Client
type Client struct {
	config Config
	client *http.Client
}

// NewClient constructs a LANraragi client with a pooled connection.
func NewClient(config Config) *Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if !config.SSLVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &Client{
		config: config,
		client: &http.Client{
			Transport: transport,
			Timeout:   config.Timeout,
		},
	}
}

// Archive is the metadata LANraragi reports for a single archive.
type Archive struct {
	ArcID     string `json:"arcid"`
	Title     string `json:"title"`
	Tags      string `json:"tags"`
	Summary   string `json:"summary"`
	PageCount int    `json:"pagecount"`
	Progress  int    `json:"progress"`
}

// Category is a LANraragi category. A category with an empty search filter is
// static: its archive list is curated by hand.
type Category struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Search   string   `json:"search"`
	Archives []string `json:"archives"`
}

// ServerInfo is the response of the server info endpoint.
type ServerInfo struct {
	Name     string `json:"name"`
	Version  string `json:"version"`
	Archives int    `json:"total_archives_available"`
}

// PluginResponse is the outcome of invoking a metadata plugin.
type PluginResponse struct {
	Success int    `json:"success"`
	Err     string `json:"error"`
	Data    struct {
		Title   string `json:"title"`
		NewTags string `json:"new_tags"`
	} `json:"data"`
}

// UploadResponse reports the server's verdict on an archive upload.
type UploadResponse struct {
	StatusCode int
	ID         string `json:"id"`
	Err        string `json:"error"`
}

func (client *Client) buildURL(api string) string {
	return client.config.Host + api
}

func (client *Client) authorize(req *http.Request) {
	encoded := base64.StdEncoding.EncodeToString([]byte(client.config.APIKey))
	req.Header.Set("Authorization", "Bearer "+encoded)
}

func (client *Client) getJSON(ctx context.Context, api string, out interface{}) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, client.buildURL(api), nil)
	if err != nil {
		return Error.Wrap(err)
	}
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Error.Wrap(err)
	}
	if resp.StatusCode == http.StatusUnauthorized {
		return ErrUnauthorized.New("status %d: %s", resp.StatusCode, body)
	}
	if resp.StatusCode != http.StatusOK {
		return Error.New("non-success status %d for %s: %s", resp.StatusCode, api, body)
	}
	return Error.Wrap(json.Unmarshal(body, out))
}

// Info fetches server information.
func (client *Client) Info(ctx context.Context) (info ServerInfo, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.getJSON(ctx, "/api/info", &info)
	return info, err
}

// Archives lists every archive on the server.
func (client *Client) Archives(ctx context.Context) (archives []Archive, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.getJSON(ctx, "/api/archives", &archives)
	return archives, err
}

// UntaggedArchives lists the IDs of archives without tags.
func (client *Client) UntaggedArchives(ctx context.Context) (arcids []string, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.getJSON(ctx, "/api/archives/untagged", &arcids)
	return arcids, err
}

// ArchiveMetadata fetches the metadata of a single archive.
func (client *Client) ArchiveMetadata(ctx context.Context, arcid string) (archive Archive, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.getJSON(ctx, "/api/archives/"+arcid+"/metadata", &archive)
	return archive, err
}

// UpdateArchiveMetadata writes title, tags and summary back to the server.
// Empty fields are left untouched.
func (client *Client) UpdateArchiveMetadata(ctx context.Context, arcid, title, tags, summary string) (err error) {
	defer mon.Task()(&ctx)(&err)

	form := url.Values{}
	if title != "" {
		form.Set("title", title)
	}
	if tags != "" {
		form.Set("tags", tags)
	}
	if summary != "" {
		form.Set("summary", summary)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		client.buildURL("/api/archives/"+arcid+"/metadata"), strings.NewReader(form.Encode()))
	if err != nil {
		return Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Error.New("metadata update failed with status %d: %s", resp.StatusCode, body)
	}
	return nil
}

// DownloadArchive fetches the raw bytes of an archive.
func (client *Client) DownloadArchive(ctx context.Context, arcid string) (_ []byte, err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		client.buildURL("/api/archives/"+arcid+"/download"), nil)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized.New("an API key is required and not supplied or is invalid")
	}
	if resp.StatusCode != http.StatusOK {
		return nil, Error.New("download of %s failed with status %d", arcid, resp.StatusCode)
	}
	data, err := io.ReadAll(resp.Body)
	return data, Error.Wrap(err)
}

// DeleteArchive removes an archive from the server.
func (client *Client) DeleteArchive(ctx context.Context, arcid string) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete,
		client.buildURL("/api/archives/"+arcid), nil)
	if err != nil {
		return Error.Wrap(err)
	}
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	if resp.StatusCode != http.StatusOK {
		return Error.New("delete of %s failed with status %d", arcid, resp.StatusCode)
	}
	return nil
}

// UploadFields are the optional metadata attached to an archive upload.
type UploadFields struct {
	Title      string
	Tags       string
	Summary    string
	CategoryID string
}

// UploadArchive streams an archive to the server with its SHA-1 checksum.
// The returned response carries the server's status code; the caller decides
// how to treat duplicates (409) and checksum mismatches (417).
func (client *Client) UploadArchive(ctx context.Context, content io.Reader, fileName, checksum string, fields UploadFields) (_ UploadResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	part, err := writer.CreateFormFile("file", fileName)
	if err != nil {
		return UploadResponse{}, Error.Wrap(err)
	}
	if _, err := io.Copy(part, content); err != nil {
		return UploadResponse{}, Error.Wrap(err)
	}
	formFields := map[string]string{
		"file_checksum": checksum,
		"title":         fields.Title,
		"tags":          fields.Tags,
		"summary":       fields.Summary,
		"category_id":   fields.CategoryID,
	}
	for key, value := range formFields {
		if value == "" {
			continue
		}
		if err := writer.WriteField(key, value); err != nil {
			return UploadResponse{}, Error.Wrap(err)
		}
	}
	if err := writer.Close(); err != nil {
		return UploadResponse{}, Error.Wrap(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut,
		client.buildURL("/api/archives/upload"), &buf)
	if err != nil {
		return UploadResponse{}, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return UploadResponse{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	response := UploadResponse{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response, Error.Wrap(err)
	}
	// failure bodies are not always JSON; keep the status code regardless.
	_ = json.Unmarshal(body, &response)
	return response, nil
}

// Categories lists every category on the server.
func (client *Client) Categories(ctx context.Context) (categories []Category, err error) {
	defer mon.Task()(&ctx)(&err)
	err = client.getJSON(ctx, "/api/categories", &categories)
	return categories, err
}

// UsePlugin invokes a metadata plugin for an archive. Plugin failures are
// reported in the response, not as an error.
func (client *Client) UsePlugin(ctx context.Context, plugin, arcid, arg string) (_ PluginResponse, err error) {
	defer mon.Task()(&ctx)(&err)

	query := url.Values{}
	query.Set("plugin", plugin)
	if arcid != "" {
		query.Set("id", arcid)
	}
	if arg != "" {
		query.Set("arg", arg)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.buildURL("/api/plugins/use")+"?"+query.Encode(), nil)
	if err != nil {
		return PluginResponse{}, Error.Wrap(err)
	}
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return PluginResponse{}, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()

	var response PluginResponse
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return PluginResponse{}, Error.Wrap(err)
	}
	if err := json.Unmarshal(body, &response); err != nil {
		return PluginResponse{}, Error.New("unexpected plugin response (status %d): %s", resp.StatusCode, body)
	}
	return response, nil
}

// ShinobuStatus reports the state of the server's background file watcher.
func (client *Client) ShinobuStatus(ctx context.Context) (_ map[string]interface{}, err error) {
	defer mon.Task()(&ctx)(&err)
	status := map[string]interface{}{}
	err = client.getJSON(ctx, "/api/shinobu", &status)
	return status, err
}

// CleanDatabase asks the server to drop dangling database entries.
func (client *Client) CleanDatabase(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		client.buildURL("/api/database/clean"), nil)
	if err != nil {
		return Error.Wrap(err)
	}
	client.authorize(req)

	resp, err := client.client.Do(req)
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, resp.Body.Close()) }()
	if resp.StatusCode != http.StatusOK {
		return Error.New("database clean failed with status %d", resp.StatusCode)
	}
	return nil
}
