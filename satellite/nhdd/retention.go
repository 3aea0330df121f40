package nhdd

import (
	"github.com/psilabs-dev/satellite/lrr"
)

// KeepReason is a weighted reason to retain one archive over a duplicate.
type KeepReason int

const (
	IsInStaticCategory KeepReason = 1 << 4
	HasHigherFavorites KeepReason = 1 << 3
	HasDecensoredTag   KeepReason = 1 << 2
	HasHigherTagCount  KeepReason = 1 << 2
	HasNoRoughTransl   KeepReason = 1 << 2
	HasNoPoorGrammar   KeepReason = 1 << 2
	IsMoreRecent       KeepReason = 1 << 1
	HasReadingProgress KeepReason = 1 << 0
)

// retentionCandidate is everything the retention rubric needs to know about
// one archive.
type retentionCandidate struct {
	arcid            string
	tags             []string
	progress         int
	favorites        int
	inStaticCategory bool
}

func newRetentionCandidate(arcid string, archive lrr.Archive, favorites int, inStatic bool) retentionCandidate {
	return retentionCandidate{
		arcid:            arcid,
		tags:             lrr.SplitTags(archive.Tags),
		progress:         archive.Progress,
		favorites:        favorites,
		inStaticCategory: inStatic,
	}
}

// keepScores scores two equal-content archives against each other. Reasons
// are assessed symmetrically, so keepScores(a, b) mirrors keepScores(b, a).
func keepScores(a, b retentionCandidate) (scoreA, scoreB int) {
	score := func(c retentionCandidate) int {
		total := 0
		if c.inStaticCategory {
			total += int(IsInStaticCategory)
		}
		if lrr.HasTag(c.tags, "uncensored") {
			total += int(HasDecensoredTag)
		}
		if !lrr.HasTag(c.tags, "rough translation") {
			total += int(HasNoRoughTransl)
		}
		if !lrr.HasTag(c.tags, "poor grammar") && !lrr.HasTag(c.tags, "rough grammar") {
			total += int(HasNoPoorGrammar)
		}
		if c.progress > 0 {
			total += int(HasReadingProgress)
		}
		return total
	}
	scoreA, scoreB = score(a), score(b)

	if a.favorites > b.favorites {
		scoreA += int(HasHigherFavorites)
	} else if b.favorites > a.favorites {
		scoreB += int(HasHigherFavorites)
	}
	if len(a.tags) > len(b.tags) {
		scoreA += int(HasHigherTagCount)
	} else if len(b.tags) > len(a.tags) {
		scoreB += int(HasHigherTagCount)
	}
	sourceA, sourceB := NhentaiIDFromTags(a.tags), NhentaiIDFromTags(b.tags)
	if sourceA > sourceB {
		scoreA += int(IsMoreRecent)
	} else if sourceB > sourceA {
		scoreB += int(IsMoreRecent)
	}
	return scoreA, scoreB
}

// retain picks the archive to keep out of two equal-content archives. A tie
// goes to the lexicographically smaller id, so the choice is deterministic
// regardless of comparison order.
func retain(a, b retentionCandidate) string {
	scoreA, scoreB := keepScores(a, b)
	switch {
	case scoreA > scoreB:
		return a.arcid
	case scoreB > scoreA:
		return b.arcid
	case a.arcid < b.arcid:
		return a.arcid
	default:
		return b.arcid
	}
}
