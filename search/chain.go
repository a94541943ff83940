// Package search runs the catalog search waterfall for a single query.
package search

import (
	"context"
	"strings"
	"sync/atomic"

	"track-resolver-go/logcolors"
	"track-resolver-go/normalize"
	"track-resolver-go/scoring"
	"track-resolver-go/services/catalog"
	"track-resolver-go/track"

	"github.com/hbollon/go-edlib"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
)

// Strategy names one step of the waterfall
type Strategy string

const (
	AlbumTitle       Strategy = "album_title"
	TitleOnly        Strategy = "title_only"
	ArtistTitle      Strategy = "artist_title"
	ArtistFuzzyTitle Strategy = "artist_fuzzy_title"
	AlbumOnly        Strategy = "album_only"
	ArtistOnly       Strategy = "artist_only"
	FuzzyTitle       Strategy = "fuzzy_title"
)

// Per-strategy catalog limits
const (
	exactLimit = 50
	fuzzyLimit = 100
	broadLimit = 150
)

const (
	// FuzzyTitleThreshold is the title similarity a fuzzy candidate needs
	FuzzyTitleThreshold = 0.7

	// ArtistSimilarityThreshold is the Jaro-Winkler bar for artist variants
	ArtistSimilarityThreshold = 0.85

	DefaultParallelism = 4
)

// Order lists every strategy in waterfall order
var Order = []Strategy{AlbumTitle, TitleOnly, ArtistTitle, ArtistFuzzyTitle, AlbumOnly, ArtistOnly, FuzzyTitle}

// Applies reports whether the strategy can run for q
func (s Strategy) Applies(q track.Query) bool {
	hasAlbum := strings.TrimSpace(q.Album) != ""
	hasArtist := strings.TrimSpace(q.Artist) != ""
	switch s {
	case AlbumTitle, AlbumOnly:
		return hasAlbum
	case ArtistTitle, ArtistFuzzyTitle, ArtistOnly:
		return hasArtist
	default:
		return true
	}
}

// Config tunes the chain
type Config struct {
	// Parallelism bounds concurrent per-variant catalog calls
	Parallelism int
}

// Chain executes strategies against one catalog provider
type Chain struct {
	provider    catalog.SearchProvider
	scorer      *scoring.Scorer
	parallelism int
}

// Result is the outcome of one waterfall run. Unavailable is set when a
// catalog call failed because the catalog could not be reached or the run
// was cancelled, so an empty result does not prove the track is missing.
type Result struct {
	Candidates   []track.Candidate
	Attempted    []Strategy
	CatalogCalls int
	Unavailable  bool
}

// AttemptedNames returns the attempted strategies as strings
func (r Result) AttemptedNames() []string {
	names := make([]string, len(r.Attempted))
	for i, s := range r.Attempted {
		names[i] = string(s)
	}
	return names
}

// NewChain creates a chain. A nil scorer uses scoring.Default().
func NewChain(provider catalog.SearchProvider, scorer *scoring.Scorer, cfg Config) *Chain {
	if scorer == nil {
		scorer = scoring.Default()
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Chain{provider: provider, scorer: scorer, parallelism: cfg.Parallelism}
}

// Provider returns the catalog the chain searches
func (c *Chain) Provider() catalog.SearchProvider { return c.provider }

// run holds per-query state. pool is the title-only result set.
type run struct {
	chain    *Chain
	q        track.Query
	variants []string
	fuzzy    string
	pool     []track.Candidate
	calls    atomic.Int64
	failed   atomic.Bool
}

func (c *Chain) newRun(q track.Query) *run {
	return &run{
		chain:    c,
		q:        q,
		variants: normalize.ArtistVariants(q.Artist),
		fuzzy:    normalize.CleanForMatching(q.Title),
	}
}

// Run walks the waterfall until a strategy yields candidates
func (c *Chain) Run(ctx context.Context, q track.Query) Result {
	r := c.newRun(q)
	var res Result

	for _, s := range Order {
		if !s.Applies(q) {
			continue
		}
		res.Attempted = append(res.Attempted, s)
		res.Candidates = r.step(ctx, s)
		log.Debugf("%s %q -> %d candidates", logcolors.Strategy(string(s)), q.SearchString(), len(res.Candidates))
		if len(res.Candidates) > 0 {
			break
		}
		if ctx.Err() != nil {
			log.Debugf("%s %q cancelled after %s", logcolors.LogSearch, q.SearchString(), s)
			break
		}
	}

	res.CatalogCalls = int(r.calls.Load())
	res.Unavailable = r.failed.Load()
	return res
}

func (r *run) step(ctx context.Context, s Strategy) []track.Candidate {
	switch s {
	case AlbumTitle:
		return r.search(ctx, s, catalog.Filters{Title: r.q.Title, Album: r.q.Album}, exactLimit)
	case TitleOnly:
		r.pool = r.search(ctx, s, catalog.Filters{Title: r.q.Title}, exactLimit)
		return r.pool
	case ArtistTitle:
		return r.artistTitle(ctx)
	case ArtistFuzzyTitle:
		return r.artistFuzzyTitle(ctx)
	case AlbumOnly:
		return r.albumOnly(ctx)
	case ArtistOnly:
		return r.artistOnly(ctx)
	case FuzzyTitle:
		return r.fuzzyTitle(ctx)
	}
	return nil
}

func (r *run) search(ctx context.Context, s Strategy, f catalog.Filters, limit int) []track.Candidate {
	r.calls.Add(1)
	tracks, err := r.chain.provider.Search(ctx, f, limit)
	if err != nil {
		if catalog.IsUnavailable(err) || ctx.Err() != nil {
			r.failed.Store(true)
		}
		log.Warnf("%s catalog search failed: %v", logcolors.Strategy(string(s)), err)
		return nil
	}
	return tracks
}

// searchVariants issues one call per artist variant and merges the results
// by external id in variant order.
func (r *run) searchVariants(ctx context.Context, s Strategy, title string, limit int) []track.Candidate {
	variants := r.variants
	if len(variants) == 0 {
		variants = []string{r.q.Artist}
	}

	mapper := iter.Mapper[string, []track.Candidate]{MaxGoroutines: r.chain.parallelism}
	batches := mapper.Map(variants, func(artist *string) []track.Candidate {
		if strings.TrimSpace(*artist) == "" {
			return nil
		}
		return r.search(ctx, s, catalog.Filters{Title: title, Artist: *artist}, limit)
	})

	return dedupe(batches...)
}

func (r *run) artistTitle(ctx context.Context) []track.Candidate {
	if len(r.pool) > 0 {
		log.Debugf("%s reusing title-only results", logcolors.Strategy(string(ArtistTitle)))
		return r.filterPool(r.matchesArtist)
	}
	return r.searchVariants(ctx, ArtistTitle, r.q.Title, exactLimit)
}

func (r *run) artistFuzzyTitle(ctx context.Context) []track.Candidate {
	var tracks []track.Candidate
	if len(r.pool) > 0 {
		log.Debugf("%s reusing title-only results", logcolors.Strategy(string(ArtistFuzzyTitle)))
		tracks = r.filterPool(func(c track.Candidate) bool {
			return r.matchesArtist(c) && r.fuzzyTitleMatches(c)
		})
	} else if r.fuzzy != "" {
		tracks = r.searchVariants(ctx, ArtistFuzzyTitle, r.fuzzy, fuzzyLimit)
	}

	// relaxed pass: artist agreement alone
	if len(tracks) == 0 && len(r.variants) > 0 && len(r.pool) > 0 {
		tracks = r.filterPool(r.matchesArtist)
		log.Debugf("%s relaxed pass kept %d tracks", logcolors.Strategy(string(ArtistFuzzyTitle)), len(tracks))
	}
	return tracks
}

func (r *run) albumOnly(ctx context.Context) []track.Candidate {
	if len(r.pool) > 0 {
		album := strings.ToLower(strings.TrimSpace(r.q.Album))
		return r.filterPool(func(c track.Candidate) bool {
			return strings.ToLower(strings.TrimSpace(c.Album)) == album
		})
	}
	return r.search(ctx, AlbumOnly, catalog.Filters{Album: r.q.Album}, broadLimit)
}

func (r *run) artistOnly(ctx context.Context) []track.Candidate {
	if len(r.pool) > 0 {
		return r.filterPool(r.matchesArtist)
	}
	return r.search(ctx, ArtistOnly, catalog.Filters{Artist: r.q.Artist}, broadLimit)
}

func (r *run) fuzzyTitle(ctx context.Context) []track.Candidate {
	if len(r.pool) > 0 {
		return r.filterPool(r.fuzzyTitleMatches)
	}
	if r.fuzzy == "" {
		return nil
	}
	tracks := r.search(ctx, FuzzyTitle, catalog.Filters{Title: r.fuzzy}, fuzzyLimit)
	var out []track.Candidate
	for _, c := range tracks {
		if r.fuzzyTitleMatches(c) {
			out = append(out, c)
		}
	}
	return out
}

func (r *run) filterPool(keep func(track.Candidate) bool) []track.Candidate {
	var out []track.Candidate
	for _, c := range r.pool {
		if keep(c) {
			out = append(out, c)
		}
	}
	return dedupe(out)
}

func (r *run) fuzzyTitleMatches(c track.Candidate) bool {
	if c.Title == "" || r.fuzzy == "" {
		return false
	}
	sim := r.chain.scorer.FieldSimilarity(r.fuzzy, normalize.CleanForMatching(c.Title))
	return scoring.Meets(sim, FuzzyTitleThreshold)
}

func (r *run) matchesArtist(c track.Candidate) bool {
	return MatchesArtist(c.Artist, r.variants)
}

// MatchesArtist reports whether a catalog artist credit agrees with any of
// the query's artist variants: the variant appears in the credit, or the two
// are Jaro-Winkler close.
func MatchesArtist(artist string, variants []string) bool {
	artist = strings.ToLower(strings.TrimSpace(artist))
	if artist == "" {
		return false
	}
	for _, v := range variants {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if strings.Contains(artist, v) {
			return true
		}
		if sim, err := edlib.StringsSimilarity(v, artist, edlib.JaroWinkler); err == nil && sim >= ArtistSimilarityThreshold {
			return true
		}
	}
	return false
}

func dedupe(batches ...[]track.Candidate) []track.Candidate {
	seen := make(map[string]bool)
	var out []track.Candidate
	for _, batch := range batches {
		for _, c := range batch {
			if seen[c.ExternalID] {
				continue
			}
			seen[c.ExternalID] = true
			out = append(out, c)
		}
	}
	return out
}
