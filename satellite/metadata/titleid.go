package metadata

import (
	"regexp"
	"strings"
)

// pixivTitlePattern matches titles of the form "{id} Title", optionally
// prefixed with "pixiv_".
var pixivTitlePattern = regexp.MustCompile(`^\{(\d+)\}`)

// PixivIDFromTitle extracts the pixiv illustration id from an archive title,
// or returns empty when the title carries none.
func PixivIDFromTitle(title string) string {
	title = strings.TrimPrefix(title, "pixiv_")
	match := pixivTitlePattern.FindStringSubmatch(title)
	if match == nil {
		return ""
	}
	return match[1]
}

// NhentaiIDFromTitle extracts the nhentai gallery id from an archive title:
// the leading whitespace-delimited token, when it is all digits.
func NhentaiIDFromTitle(title string) string {
	fields := strings.Fields(title)
	if len(fields) == 0 {
		return ""
	}
	token := fields[0]
	for _, r := range token {
		if r < '0' || r > '9' {
			return ""
		}
	}
	return token
}
