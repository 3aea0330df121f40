package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/zeebo/errs"
)

// NhentaiArchivistService reads metadata out of an nhentai_archivist
// download database.
type NhentaiArchivistService struct {
	db *sql.DB
}

// NewNhentaiArchivistService opens the downloader's database read-only.
func NewNhentaiArchivistService(path string) (*NhentaiArchivistService, error) {
	if path == "" {
		return nil, Error.New("nhentai archivist database not configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, Error.New("nhentai archivist database not found: %s", path)
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &NhentaiArchivistService{db: db}, nil
}

// Close releases the database.
func (service *NhentaiArchivistService) Close() error {
	return Error.Wrap(service.db.Close())
}

// IDFromTitle extracts the nhentai gallery id from an archive title.
func (service *NhentaiArchivistService) IDFromTitle(title string) string {
	return NhentaiIDFromTitle(title)
}

// Tag types carried over as namespaced tags, in output order.
var nhentaiTagTypes = []struct {
	tagType string
	prefix  string
}{
	{"tag", ""},
	{"character", "character:"},
	{"parody", "parody:"},
	{"language", "language:"},
	{"category", "category:"},
	{"artist", "artist:"},
	{"group", "group:"},
}

// MetadataFromID assembles title and tags for the gallery id. A gallery the
// downloader never fetched yields empty metadata.
func (service *NhentaiArchivistService) MetadataFromID(ctx context.Context, id string) (_ Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	var meta Metadata
	err = service.db.QueryRowContext(ctx, `
		SELECT title_pretty FROM Hentai WHERE id = ?
	`, id).Scan(&meta.Title)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, Error.Wrap(err)
	}

	var tags []string
	for _, kind := range nhentaiTagTypes {
		names, err := service.tagNames(ctx, id, kind.tagType)
		if err != nil {
			return Metadata{}, err
		}
		for _, name := range names {
			tags = append(tags, kind.prefix+name)
		}
	}
	tags = append(tags, fmt.Sprintf("source:nhentai.net/g/%s", id))
	meta.Tags = joinValidTags(tags)
	return meta, nil
}

func (service *NhentaiArchivistService) tagNames(ctx context.Context, id, tagType string) (_ []string, err error) {
	rows, err := service.db.QueryContext(ctx, `
		SELECT tag.name FROM hentai_tag
		JOIN tag ON hentai_tag.tag_id = tag.id
		WHERE hentai_tag.hentai_id = ? AND tag.type = ?
	`, id, tagType)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, Error.Wrap(err)
		}
		names = append(names, name)
	}
	return names, Error.Wrap(rows.Err())
}
