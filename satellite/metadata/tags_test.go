package metadata

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPixivIDFromTitle(t *testing.T) {
	require.Equal(t, "12345", PixivIDFromTitle("{12345} artwork title"))
	require.Equal(t, "12345", PixivIDFromTitle("pixiv_{12345} artwork title"))
	require.Empty(t, PixivIDFromTitle("artwork {12345} title"))
	require.Empty(t, PixivIDFromTitle("{abc} artwork"))
	require.Empty(t, PixivIDFromTitle(""))
}

func TestNhentaiIDFromTitle(t *testing.T) {
	require.Equal(t, "177013", NhentaiIDFromTitle("177013 some gallery"))
	require.Equal(t, "42", NhentaiIDFromTitle("42"))
	require.Empty(t, NhentaiIDFromTitle("gallery 177013"))
	require.Empty(t, NhentaiIDFromTitle("177013x gallery"))
	require.Empty(t, NhentaiIDFromTitle("   "))
}

func TestMergeTags(t *testing.T) {
	// Plugin tags come first, current tags follow.
	merged := mergeTags(NamespaceNhentai, "language:english,group:circle", "tag1,artist:someone")
	require.Equal(t, "tag1,artist:someone,language:english,group:circle", merged)

	// For pixiv, stale artist and date tags are dropped when the plugin
	// supplied replacements.
	merged = mergeTags(NamespacePixiv,
		"artist:old,date_uploaded:1,custom:kept",
		"artist:new,date_uploaded:2")
	require.Equal(t, "artist:new,date_uploaded:2,custom:kept", merged)

	// Without a replacement, the current tag survives.
	merged = mergeTags(NamespacePixiv, "artist:old", "tag1")
	require.Equal(t, "tag1,artist:old", merged)

	// Other namespaces keep everything.
	merged = mergeTags(NamespaceNhentai, "artist:old", "artist:new")
	require.Equal(t, "artist:new,artist:old", merged)
}
