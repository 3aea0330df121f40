package nhdd

import (
	"strconv"
	"strings"

	"github.com/psilabs-dev/satellite/satellite/nhdddb"
)

// LanguageFromTags classifies an archive by its language tags. English wins
// over Chinese over Japanese; any other translation is OTHER; an archive with
// no language tags at all is NO_TRANSLATE.
func LanguageFromTags(tags []string) string {
	var english, japanese, chinese, translated bool
	for _, tag := range tags {
		switch strings.ToLower(tag) {
		case "language:english":
			english = true
		case "language:japanese":
			japanese = true
		case "language:chinese":
			chinese = true
		case "language:translated":
			translated = true
		}
	}
	switch {
	case english:
		return nhdddb.LanguageEnglish
	case chinese:
		return nhdddb.LanguageChinese
	case japanese:
		return nhdddb.LanguageJapanese
	case translated:
		return nhdddb.LanguageOther
	default:
		return nhdddb.LanguageNoTranslate
	}
}

// NhentaiIDFromTags returns the gallery id from a source:nhentai.net tag, or
// -1 when the archive carries none.
func NhentaiIDFromTags(tags []string) int {
	for _, tag := range tags {
		if !strings.HasPrefix(tag, "source:nhentai.net") {
			continue
		}
		parts := strings.Split(tag, "/")
		id, err := strconv.Atoi(strings.TrimSpace(parts[len(parts)-1]))
		if err != nil {
			return -1
		}
		return id
	}
	return -1
}
