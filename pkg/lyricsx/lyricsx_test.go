package lyricsx

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeKeyPart(t *testing.T) {
	require.Equal(t, "amazing grace", NormalizeKeyPart("  Amazing Grace "))
}

func TestSearchTerm(t *testing.T) {
	cases := map[string]string{
		"Amazing Grace (Live)":              "amazing grace",
		"Oceans [Radio Edit]":               "oceans",
		"Good Good Father feat. Chris":      "good good father",
		"How Great Thou Art - Remastered":   "how great thou art",
		"Reckless Love - Acoustic Version":  "reckless love",
		"What A Beautiful Name (feat. Gas)": "what a beautiful name",
		"  Plain Title  ":                   "plain title",
	}
	for in, want := range cases {
		require.Equal(t, want, SearchTerm(in), "input %q", in)
	}
}

func TestStripTimestamps(t *testing.T) {
	in := "[00:12.34] Amazing grace\n[01:02] how sweet the sound"
	require.Equal(t, "Amazing grace\nhow sweet the sound", StripTimestamps(in))
}

func TestCleanGeniusLyrics(t *testing.T) {
	in := "[Verse 1]\nAmazing grace\n\n\n[Chorus]\nHow sweet the sound\nYou might also like42Embed"
	out := CleanGeniusLyrics(in)
	require.NotContains(t, out, "[Verse 1]")
	require.NotContains(t, out, "[Chorus]")
	require.NotContains(t, out, "Embed")
	require.NotContains(t, out, "You might also like")
	require.Contains(t, out, "Amazing grace")
	require.Contains(t, out, "How sweet the sound")
}
