// Package lyricsx provides small lyrics/text utilities used across the project.
package lyricsx

import (
	"regexp"
	"strings"
)

var (
	parenRe      = regexp.MustCompile(`\s*[(\[][^)\]]*[)\]]\s*$`)
	featRe       = regexp.MustCompile(`(?i)\s*[(\[]?\s*(feat\.|featuring|ft\.)\s+[^)\]]*[)\]]?\s*$`)
	tailRe       = regexp.MustCompile(`(?i)\s*-\s*(remaster(ed)?( \d{4})?|remix|live|acoustic|demo)\b.*$`)
	timestampRe  = regexp.MustCompile(`\[\d{1,2}:\d{2}(\.\d{1,2})?\]\s?`)
	sectionRe    = regexp.MustCompile(`\[[^\]]*\]`)
	embedTailRe  = regexp.MustCompile(`\d*Embed\s*$`)
	alsoLikeRe   = regexp.MustCompile(`(?i)you might also like`)
	multiBlankRe = regexp.MustCompile(`\n{3,}`)
)

// NormalizeKeyPart lowercases and trims a cache-key component. The cache key
// intentionally uses only this mild normalization; the aggressive strips below
// apply to search terms only.
func NormalizeKeyPart(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// SearchTerm aggressively normalizes a title or artist for provider queries:
// lowercase-trim, then strip feat./featuring/ft. clauses, parenthetical and
// bracketed suffixes, and "- Remaster/Remix/Live/Acoustic/Demo" tails.
func SearchTerm(s string) string {
	out := NormalizeKeyPart(s)
	out = featRe.ReplaceAllString(out, "")
	out = parenRe.ReplaceAllString(out, "")
	out = tailRe.ReplaceAllString(out, "")
	return strings.TrimSpace(out)
}

// StripTimestamps removes [mm:ss.xx] and [mm:ss] markers from synced lyrics.
func StripTimestamps(s string) string {
	return strings.TrimSpace(timestampRe.ReplaceAllString(s, ""))
}

// CleanGeniusLyrics removes Genius scrape artifacts: [Verse]/[Chorus] section
// markers, trailing NNEmbed counters, and "You might also like" trailers.
func CleanGeniusLyrics(s string) string {
	out := sectionRe.ReplaceAllString(s, "")
	out = embedTailRe.ReplaceAllString(out, "")
	out = alsoLikeRe.ReplaceAllString(out, "")
	out = multiBlankRe.ReplaceAllString(out, "\n\n")
	return strings.TrimSpace(out)
}
