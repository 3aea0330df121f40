package lrr

import "strings"

// SplitTags splits a LANraragi comma-separated tag string into trimmed tags.
func SplitTags(tags string) []string {
	if strings.TrimSpace(tags) == "" {
		return nil
	}
	parts := strings.Split(tags, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

// JoinTags renders a tag list back into LANraragi's comma-separated form.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// SourceFromTags returns the value of the first source: tag, or empty.
func SourceFromTags(tags string) string {
	for _, tag := range SplitTags(tags) {
		if strings.HasPrefix(tag, "source:") {
			return strings.TrimSpace(strings.TrimPrefix(tag, "source:"))
		}
	}
	return ""
}

// HasTag reports whether the tag list contains the exact tag.
func HasTag(tags []string, tag string) bool {
	for _, t := range tags {
		if t == tag {
			return true
		}
	}
	return false
}

// HasTagPrefix reports whether any tag starts with the prefix.
func HasTagPrefix(tags []string, prefix string) bool {
	for _, t := range tags {
		if strings.HasPrefix(t, prefix) {
			return true
		}
	}
	return false
}
