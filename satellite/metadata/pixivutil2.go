package metadata

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zeebo/errs"

	"github.com/psilabs-dev/satellite/lrr"
)

// PixivUtil2Service reads metadata out of a PixivUtil2 download database.
type PixivUtil2Service struct {
	db *sql.DB
	// Tag translations in these languages are carried alongside the
	// original tags.
	allowedTranslations []string
}

// NewPixivUtil2Service opens the downloader's database read-only.
func NewPixivUtil2Service(path string) (*PixivUtil2Service, error) {
	if path == "" {
		return nil, Error.New("pixivutil2 database not configured")
	}
	if _, err := os.Stat(path); err != nil {
		return nil, Error.New("pixivutil2 database not found: %s", path)
	}
	db, err := sql.Open("sqlite3", path+"?mode=ro")
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return &PixivUtil2Service{db: db, allowedTranslations: []string{"en"}}, nil
}

// Close releases the database.
func (service *PixivUtil2Service) Close() error {
	return Error.Wrap(service.db.Close())
}

// IDFromTitle extracts the pixiv illustration id from an archive title.
func (service *PixivUtil2Service) IDFromTitle(title string) string {
	return PixivIDFromTitle(title)
}

// MetadataFromID assembles title, tags and summary for the illustration id.
// An illustration the downloader never fetched yields empty metadata.
func (service *PixivUtil2Service) MetadataFromID(ctx context.Context, id string) (_ Metadata, err error) {
	defer mon.Task()(&ctx)(&err)

	var meta Metadata
	var caption sql.NullString
	err = service.db.QueryRowContext(ctx, `
		SELECT title, caption FROM pixiv_master_image WHERE image_id = ?
	`, id).Scan(&meta.Title, &caption)
	if errors.Is(err, sql.ErrNoRows) {
		return Metadata{}, nil
	}
	if err != nil {
		return Metadata{}, Error.Wrap(err)
	}
	meta.Summary = caption.String

	tags, err := service.imageTags(ctx, id)
	if err != nil {
		return Metadata{}, err
	}
	artists, err := service.imageArtists(ctx, id)
	if err != nil {
		return Metadata{}, err
	}
	tags = append(tags, artists...)
	tags = append(tags, fmt.Sprintf("source:https://pixiv.net/artworks/%s", id))
	meta.Tags = joinValidTags(tags)
	return meta, nil
}

// imageTags returns the illustration's tags plus their allowed translations.
func (service *PixivUtil2Service) imageTags(ctx context.Context, id string) (_ []string, err error) {
	rows, err := service.db.QueryContext(ctx, `
		SELECT tag_id FROM pixiv_image_to_tag WHERE image_id = ?
	`, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tagIDs []string
	for rows.Next() {
		var tagID string
		if err := rows.Scan(&tagID); err != nil {
			return nil, Error.Wrap(err)
		}
		tagIDs = append(tagIDs, tagID)
	}
	if err := rows.Err(); err != nil {
		return nil, Error.Wrap(err)
	}

	var tags []string
	for _, tagID := range tagIDs {
		tags = append(tags, tagID)
		translations, err := service.tagTranslations(ctx, tagID)
		if err != nil {
			return nil, err
		}
		tags = append(tags, translations...)
	}
	return tags, nil
}

func (service *PixivUtil2Service) tagTranslations(ctx context.Context, tagID string) (_ []string, err error) {
	rows, err := service.db.QueryContext(ctx, `
		SELECT translation_type, translation FROM pixiv_tag_translation WHERE tag_id = ?
	`, tagID)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var translations []string
	for rows.Next() {
		var translationType, translation string
		if err := rows.Scan(&translationType, &translation); err != nil {
			return nil, Error.Wrap(err)
		}
		for _, allowed := range service.allowedTranslations {
			if translationType == allowed {
				// Some translations carry commas, which would split
				// the tag on the server.
				translations = append(translations, strings.ReplaceAll(translation, ",", ""))
			}
		}
	}
	return translations, Error.Wrap(rows.Err())
}

func (service *PixivUtil2Service) imageArtists(ctx context.Context, id string) (_ []string, err error) {
	rows, err := service.db.QueryContext(ctx, `
		SELECT pixiv_master_member.member_id, pixiv_master_member.name
		FROM pixiv_master_member
		JOIN pixiv_master_image ON pixiv_master_member.member_id = pixiv_master_image.member_id
		WHERE pixiv_master_image.image_id = ?
	`, id)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, Error.Wrap(rows.Close())) }()

	var tags []string
	for rows.Next() {
		var memberID, name string
		if err := rows.Scan(&memberID, &name); err != nil {
			return nil, Error.Wrap(err)
		}
		tags = append(tags, "artist:"+name, "pixiv_user_id:"+memberID)
	}
	return tags, Error.Wrap(rows.Err())
}

// joinValidTags joins tags, dropping any that would split on the server's
// comma-separated tag format.
func joinValidTags(tags []string) string {
	valid := tags[:0]
	for _, tag := range tags {
		if strings.Contains(tag, ",") {
			continue
		}
		valid = append(valid, tag)
	}
	return lrr.JoinTags(valid)
}
