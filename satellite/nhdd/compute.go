package nhdd

import (
	"context"

	"go.uber.org/zap"

	"github.com/psilabs-dev/satellite/satellite/nhdddb"
)

// ComputeSubarchives orders every unmapped archive into the subarchive map.
// Archives are processed one language at a time: translations never
// supersede each other. The computation assumes a map built from scratch;
// clear the subarchive map before recomputing from zero.
//
// Processing is strictly sequential. Each archive's outcome depends on the
// mappings written for the ones before it, so concurrent workers would race
// on the map.
func (service *Service) ComputeSubarchives(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	staticArchives, err := service.staticCategoryArchives(ctx)
	if err != nil {
		return err
	}

	for _, language := range nhdddb.Languages {
		if err := service.computeSubarchivesForLanguage(ctx, language, staticArchives); err != nil {
			return err
		}
	}
	return nil
}

// staticCategoryArchives collects the ids curated into static categories.
// Membership in one is the strongest reason to retain an archive.
func (service *Service) staticCategoryArchives(ctx context.Context) (_ map[string]bool, err error) {
	defer mon.Task()(&ctx)(&err)

	categories, err := service.client.Categories(ctx)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	static := make(map[string]bool)
	for _, category := range categories {
		if category.Search != "" {
			continue
		}
		for _, archiveID := range category.Archives {
			static[archiveID] = true
		}
	}
	return static, nil
}

func (service *Service) computeSubarchivesForLanguage(ctx context.Context, language string, static map[string]bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	for {
		unmapped, err := service.db.UnmappedArchives(ctx, language, 0)
		if err != nil {
			return err
		}
		if len(unmapped) == 0 {
			return nil
		}
		service.log.Info("computing subarchives",
			zap.String("language", language), zap.Int("archives", len(unmapped)))

		for _, archiveID := range unmapped {
			if err := ctx.Err(); err != nil {
				return Error.Wrap(err)
			}
			if err := service.placeArchive(ctx, archiveID, language, static); err != nil {
				return err
			}
		}
	}
}

// placeArchive orders one archive against every archive with a page similar
// to its first page, tracking the best archive seen so far and recording
// the superseded ones under it.
func (service *Service) placeArchive(ctx context.Context, archiveID, language string, static map[string]bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	existing, err := service.db.GetSubarchiveMapping(ctx, archiveID)
	if err != nil {
		return err
	}
	if existing != nil {
		// Placed while processing an earlier archive.
		return nil
	}

	peers, err := service.db.CandidatePeers(ctx, archiveID, 1-MinSimilarity, language != "")
	if err != nil {
		return err
	}

	currMax := archiveID
	for _, peer := range peers {
		// A mapped peer has already lost or won its own comparison;
		// compare against the root of its chain instead.
		peer, err = service.db.Root(ctx, peer)
		if err != nil {
			return err
		}
		if peer == currMax {
			continue
		}

		maxEmbeddings, err := service.db.PageEmbeddings(ctx, currMax)
		if err != nil {
			return err
		}
		peerEmbeddings, err := service.db.PageEmbeddings(ctx, peer)
		if err != nil {
			return err
		}
		maxInPeer, properSub := IsSubsequence(maxEmbeddings, peerEmbeddings, MinSimilarity)
		peerInMax, properSup := IsSubsequence(peerEmbeddings, maxEmbeddings, MinSimilarity)

		var keepCurrent bool
		switch {
		case properSub:
			keepCurrent = false
		case properSup:
			keepCurrent = true
		case maxInPeer && peerInMax:
			retained, err := service.chooseRetained(ctx, currMax, peer, static)
			if err != nil {
				return err
			}
			keepCurrent = retained == currMax
		default:
			// Not comparable; the peer only shares a similar page.
			continue
		}

		// The loser may already be mapped as a root; its row is
		// overwritten, and any children follow it to the new root.
		if keepCurrent {
			if err := service.db.SetSubarchiveMapping(ctx, peer, currMax); err != nil {
				return err
			}
			if err := service.db.RepointChildren(ctx, peer, currMax); err != nil {
				return err
			}
		} else {
			if err := service.db.SetSubarchiveMapping(ctx, currMax, peer); err != nil {
				return err
			}
			if err := service.db.RepointChildren(ctx, currMax, peer); err != nil {
				return err
			}
			currMax = peer
		}
	}

	if archiveID == currMax {
		// Unique, or the preferred duplicate: the archive roots itself.
		return service.db.InsertSubarchiveMapping(ctx, archiveID, archiveID)
	}
	return nil
}

// chooseRetained applies the retention rubric to two equal-content archives.
func (service *Service) chooseRetained(ctx context.Context, archiveID1, archiveID2 string, static map[string]bool) (_ string, err error) {
	defer mon.Task()(&ctx)(&err)

	archive1, err := service.client.ArchiveMetadata(ctx, archiveID1)
	if err != nil {
		return "", Error.Wrap(err)
	}
	archive2, err := service.client.ArchiveMetadata(ctx, archiveID2)
	if err != nil {
		return "", Error.Wrap(err)
	}
	favorites1, err := service.archiveFavorites(ctx, archiveID1)
	if err != nil {
		return "", err
	}
	favorites2, err := service.archiveFavorites(ctx, archiveID2)
	if err != nil {
		return "", err
	}

	return retain(
		newRetentionCandidate(archiveID1, archive1, favorites1, static[archiveID1]),
		newRetentionCandidate(archiveID2, archive2, favorites2, static[archiveID2]),
	), nil
}

func (service *Service) archiveFavorites(ctx context.Context, archiveID string) (int, error) {
	archive, err := service.db.GetNhentaiArchive(ctx, archiveID)
	if err != nil {
		return -1, err
	}
	if archive == nil {
		return -1, nil
	}
	return archive.Favorites, nil
}
