// Package normalize turns free-form song metadata into canonical strings:
// cache keys, matching text and artist variants.
package normalize

import (
	"regexp"
	"strings"
	"unicode"

	"track-resolver-go/track"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// KeySeparator joins the three normalized fields of a cache key
const KeySeparator = "|"

var (
	bracketRe = regexp.MustCompile(`\([^)]*\)|\[[^\]]*\]`)
	featRe    = regexp.MustCompile(`(?s)\s+(?:featuring|feat|ft)\b\.?\s.*$`)

	soundtrackRe = regexp.MustCompile(`original\s+(?:motion\s+picture\s+)?soundtrack`)
	punctRe      = regexp.MustCompile(`[^\p{L}\p{N}\s]+`)

	leadingTheRe   = regexp.MustCompile(`^\s*the\s+`)
	fieldBracketRe = regexp.MustCompile(`\s*[(\[][^)\]]*[)\]]`)
	fieldFeatRe    = regexp.MustCompile(`(?is)\s+(?:featuring|feat|ft|with)\b\.?\s+.*$`)
	editionRe      = regexp.MustCompile(`(?i)\s*-\s*(?:remaster(?:ed)?(?:\s+\d{4})?|radio edit|single version|album version|deluxe edition|expanded edition|clean version|explicit version)\b.*$`)
	separatorRe    = regexp.MustCompile(`[&,/\\]`)
	trailingYearRe = regexp.MustCompile(`\s*\b\d{4}\s*$`)

	artistJoinerRe = regexp.MustCompile(`(?i)\s*(?:,|;|&|\s+and\s+|\+|/)\s*`)
	featureSplitRe = regexp.MustCompile(`(?i)\s*\b(?:featuring|feat|ft|with)\b\.?\s+`)
)

var stopWords = map[string]bool{
	"a":   true,
	"an":  true,
	"the": true,
}

var quoteReplacer = strings.NewReplacer(
	"“", "", "”", "", "‘", "", "’", "",
	`"`, "", "'", "",
)

// Text is the cache-key normalization of a single field. It lowercases,
// drops bracketed segments and trailing featuring clauses and collapses
// whitespace. Text(Text(s)) == Text(s).
func Text(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, KeySeparator, " ")
	s = collapse(s)
	s = bracketRe.ReplaceAllString(s, " ")
	s = featRe.ReplaceAllString(s, "")
	return collapse(s)
}

// CacheKey builds "title|artist|album" from the normalized fields.
// Missing fields become empty segments.
func CacheKey(q track.Query) string {
	return Text(q.Title) + KeySeparator + Text(q.Artist) + KeySeparator + Text(q.Album)
}

// FlexiblePrefix is the "title|artist|" prefix shared by every album variant
// of a query.
func FlexiblePrefix(q track.Query) string {
	return Text(q.Title) + KeySeparator + Text(q.Artist) + KeySeparator
}

// SplitKey reverses CacheKey into its three segments
func SplitKey(key string) (title, artist, album string) {
	parts := strings.SplitN(key, KeySeparator, 3)
	for len(parts) < 3 {
		parts = append(parts, "")
	}
	return parts[0], parts[1], parts[2]
}

// CleanForMatching prepares a title for fuzzy catalog queries
func CleanForMatching(s string) string {
	if s == "" {
		return ""
	}
	s = cases.Fold().String(s)
	s = bracketRe.ReplaceAllString(s, " ")
	s = soundtrackRe.ReplaceAllString(s, " ")
	s = punctRe.ReplaceAllString(s, " ")

	words := strings.Fields(s)
	kept := words[:0]
	for _, w := range words {
		if !stopWords[w] {
			kept = append(kept, w)
		}
	}
	if len(kept) == 0 {
		// a title made only of stop-words ("The The") is kept as is
		return strings.Join(words, " ")
	}
	return strings.Join(kept, " ")
}

// CleanField is the comparison normalization used for scoring and indexing.
func CleanField(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return ""
	}
	s = quoteReplacer.Replace(s)
	s = leadingTheRe.ReplaceAllString(s, "")
	s = fieldBracketRe.ReplaceAllString(s, "")
	s = fieldFeatRe.ReplaceAllString(s, "")
	s = editionRe.ReplaceAllString(s, "")
	s = separatorRe.ReplaceAllString(s, " ")
	s = collapse(s)

	if stripped := strings.TrimSpace(trailingYearRe.ReplaceAllString(s, "")); stripped != "" {
		s = stripped
	}
	return s
}

// Fold casefolds and strips diacritics: "Beyoncé" -> "beyonce".
func Fold(s string) string {
	if s == "" {
		return ""
	}
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return cases.Fold().String(out)
}

// ArtistVariants returns the candidate artist strings for relaxed matching:
// the full credit, the main credit before any featuring clause, and every
// member of a joined list. Duplicates are removed case-insensitively.
func ArtistVariants(artist string) []string {
	normalized := strings.TrimSpace(artist)
	if normalized == "" {
		return nil
	}

	seen := make(map[string]bool)
	var variants []string
	add := func(v string) {
		v = strings.TrimSpace(v)
		if v == "" {
			return
		}
		key := strings.ToLower(v)
		if seen[key] {
			return
		}
		seen[key] = true
		variants = append(variants, v)
	}

	add(normalized)
	main := strings.TrimSpace(featureSplitRe.Split(normalized, 2)[0])
	add(main)

	for _, source := range []string{normalized, main} {
		if source == "" {
			continue
		}
		for _, part := range artistJoinerRe.Split(source, -1) {
			add(part)
		}
	}
	return variants
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
