// Package resolver turns a noisy song descriptor into a catalog track. It
// ties together the persistent cache, the local index, the search waterfall,
// interactive disambiguation and metadata cleanup.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"track-resolver-go/cache"
	"track-resolver-go/enrichment"
	"track-resolver-go/logcolors"
	"track-resolver-go/normalize"
	"track-resolver-go/scoring"
	"track-resolver-go/search"
	"track-resolver-go/services/catalog"
	"track-resolver-go/services/cleanup"
	"track-resolver-go/track"
	"track-resolver-go/vectorindex"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
	"golang.org/x/sync/singleflight"
)

// MaxRetryDepth bounds how often one Resolve call may recurse on cleaned
// metadata
const MaxRetryDepth = 1

const (
	DefaultIndexLimit       = 3
	DefaultBatchConcurrency = 4

	// nearMissFloor is the lowest local index score offered interactively
	nearMissFloor = 0.05
)

// ErrInvalidQuery is reported for queries without a title
var ErrInvalidQuery = errors.New("invalid query: title is required")

// Source says where a match came from
type Source string

const (
	SourceNone        Source = ""
	SourceCache       Source = "cache"
	SourceLocalIndex  Source = "local_index"
	SourceCatalog     Source = "catalog"
	SourceInteractive Source = "interactive"
	SourceCleanup     Source = "cleanup"
)

// CleanupMode selects what happens after every strategy failed
type CleanupMode string

const (
	CleanupOff   CleanupMode = "off"
	CleanupSync  CleanupMode = "sync"
	CleanupAsync CleanupMode = "async"
)

// ParseCleanupMode parses a config value. Unknown values mean off.
func ParseCleanupMode(s string) CleanupMode {
	switch CleanupMode(strings.ToLower(strings.TrimSpace(s))) {
	case CleanupSync:
		return CleanupSync
	case CleanupAsync:
		return CleanupAsync
	default:
		return CleanupOff
	}
}

// Cache is the slice of the persistent cache the resolver needs
type Cache interface {
	Get(q track.Query) (cache.Entry, bool)
	SetKey(key, externalID string, cleaned *track.Query)
	DeleteKey(key string)
}

// Enqueuer schedules background cleanup
type Enqueuer interface {
	Enqueue(task enrichment.Task) bool
	Drain(scopeID string, timeout time.Duration) bool
}

// Recorder receives resolution counters
type Recorder interface {
	RecordCacheHit()
	RecordCacheMiss()
	RecordNegativeCacheHit()
	RecordResolution(source string, matched bool)
	RecordCatalogCalls(n int)
}

type noopRecorder struct{}

func (noopRecorder) RecordCacheHit()               {}
func (noopRecorder) RecordCacheMiss()              {}
func (noopRecorder) RecordNegativeCacheHit()       {}
func (noopRecorder) RecordResolution(string, bool) {}
func (noopRecorder) RecordCatalogCalls(int)        {}

// Config wires the resolver's collaborators. Cache and Chain are required.
type Config struct {
	Cache  Cache
	Chain  *search.Chain
	Scorer *scoring.Scorer

	// Index enables the local short-circuit when non-nil
	Index         *vectorindex.Index
	IndexLimit    int
	IndexMinScore float64

	CleanupMode CleanupMode
	Cleaner     cleanup.Service
	Enrichment  Enqueuer

	Disambiguator Disambiguator

	// DedupeInFlight collapses concurrent waterfalls for the same key
	DedupeInFlight bool

	BatchConcurrency int
	Recorder         Recorder
}

// Options apply to a single Resolve call
type Options struct {
	Interactive bool
	// CacheOnly stops after the cache lookup
	CacheOnly bool
	// ScopeID tags background cleanup work for Drain
	ScopeID string
}

// Outcome is the result of one resolution. Match is nil when nothing was
// found; Strategies lists the waterfall steps that ran.
type Outcome struct {
	Query       track.Query  `json:"query"`
	Match       *track.Match `json:"match,omitempty"`
	Source      Source       `json:"source,omitempty"`
	Strategies  []string     `json:"strategies,omitempty"`
	NegativeHit bool         `json:"negative_hit,omitempty"` // a remembered failure answered
	Unavailable bool         `json:"unavailable,omitempty"`  // the catalog could not be searched
	Err         error        `json:"-"`
}

// Matched reports whether a track was found
func (o *Outcome) Matched() bool {
	return o != nil && o.Match != nil
}

// Batch is the result of ResolveBatch
type Batch struct {
	ScopeID  string     `json:"scope_id"`
	Outcomes []*Outcome `json:"results"`
}

// Resolver is safe for concurrent use
type Resolver struct {
	cache    Cache
	chain    *search.Chain
	provider catalog.SearchProvider
	scorer   *scoring.Scorer

	index         *vectorindex.Index
	indexLimit    int
	indexMinScore float64

	mode       CleanupMode
	cleaner    cleanup.Service
	enrichment Enqueuer

	disambiguator Disambiguator

	dedupe bool
	group  singleflight.Group

	batchConcurrency int
	recorder         Recorder
}

// New creates a resolver
func New(cfg Config) (*Resolver, error) {
	if cfg.Cache == nil {
		return nil, fmt.Errorf("resolver: cache is required")
	}
	if cfg.Chain == nil {
		return nil, fmt.Errorf("resolver: search chain is required")
	}
	if cfg.Scorer == nil {
		cfg.Scorer = scoring.Default()
	}
	if cfg.IndexLimit <= 0 {
		cfg.IndexLimit = DefaultIndexLimit
	}
	if cfg.IndexMinScore <= 0 {
		cfg.IndexMinScore = vectorindex.DefaultMinScore
	}
	if cfg.BatchConcurrency <= 0 {
		cfg.BatchConcurrency = DefaultBatchConcurrency
	}
	if cfg.Recorder == nil {
		cfg.Recorder = noopRecorder{}
	}
	if cfg.CleanupMode == "" {
		cfg.CleanupMode = CleanupOff
	}

	return &Resolver{
		cache:            cfg.Cache,
		chain:            cfg.Chain,
		provider:         cfg.Chain.Provider(),
		scorer:           cfg.Scorer,
		index:            cfg.Index,
		indexLimit:       cfg.IndexLimit,
		indexMinScore:    cfg.IndexMinScore,
		mode:             cfg.CleanupMode,
		cleaner:          cfg.Cleaner,
		enrichment:       cfg.Enrichment,
		disambiguator:    cfg.Disambiguator,
		dedupe:           cfg.DedupeInFlight,
		batchConcurrency: cfg.BatchConcurrency,
		recorder:         cfg.Recorder,
	}, nil
}

// Resolve finds the catalog track for q. It never returns nil and never
// fails; collaborator errors are logged and turned into fallbacks.
func (r *Resolver) Resolve(ctx context.Context, q track.Query, opts Options) *Outcome {
	start := time.Now()
	out := r.resolve(ctx, q, opts, 0)

	if out.Match != nil {
		log.Infof("%s %q -> %s (%s, %.2f) in %v", logcolors.LogResolver, q.SearchString(),
			out.Match.Candidate.ExternalID, out.Source, out.Match.Score, time.Since(start))
	} else {
		log.Infof("%s %q -> no match after [%s] in %v", logcolors.LogResolver, q.SearchString(),
			strings.Join(out.Strategies, ", "), time.Since(start))
	}
	r.recorder.RecordResolution(string(out.Source), out.Match != nil)
	return out
}

func (r *Resolver) resolve(ctx context.Context, q track.Query, opts Options, depth int) *Outcome {
	out := &Outcome{Query: q}
	key := normalize.CacheKey(q)

	if !q.HasTitle() {
		out.Err = ErrInvalidQuery
		log.Warnf("%s %v: %+v", logcolors.LogResolver, ErrInvalidQuery, q)
		if !q.IsEmpty() {
			r.cache.SetKey(key, "", nil)
		}
		return out
	}

	if entry, ok := r.cache.Get(q); ok {
		if r.fromCache(ctx, key, entry, q, opts, depth, out) {
			return out
		}
	} else {
		r.recorder.RecordCacheMiss()
	}

	if opts.CacheOnly {
		return out
	}

	match, nearMisses := r.consultIndex(ctx, q)
	if match != nil {
		r.accept(key, out, *match, SourceLocalIndex)
		return out
	}

	res := r.runChain(ctx, key, q)
	out.Strategies = append(out.Strategies, res.AttemptedNames()...)
	out.Unavailable = res.Unavailable
	r.recorder.RecordCatalogCalls(res.CatalogCalls)

	eval := search.Evaluate(r.scorer, q, res.Candidates)
	if eval.Verdict == search.Accepted {
		r.accept(key, out, *eval.Best, SourceCatalog)
		return out
	}

	if opts.Interactive && r.disambiguator != nil && ctx.Err() == nil {
		return r.interactive(ctx, key, q, opts, depth, out, mergeMatches(r.scorer.Visible(eval.Ranked), nearMisses))
	}

	return r.fallback(ctx, key, q, opts, depth, out)
}

// fromCache handles a cache hit. It reports whether the outcome is final.
func (r *Resolver) fromCache(ctx context.Context, key string, entry cache.Entry, q track.Query, opts Options, depth int, out *Outcome) bool {
	if !entry.IsNegative() {
		c, err := r.provider.Fetch(ctx, entry.ExternalID)
		if err != nil {
			// an unreachable catalog says nothing about the cached id
			if !catalog.IsUnavailable(err) && ctx.Err() == nil {
				log.Warnf("%s Cached id %s for %s could not be fetched, dropping entry: %v", logcolors.LogCache, entry.ExternalID, key, err)
				r.cache.DeleteKey(entry.Key)
			}
			r.recorder.RecordCacheMiss()
			return false
		}
		r.recorder.RecordCacheHit()
		out.Match = &track.Match{Candidate: c, Score: r.scorer.Score(q, c)}
		out.Source = SourceCache
		return true
	}

	r.recorder.RecordNegativeCacheHit()
	out.NegativeHit = true
	if entry.Cleaned == nil || !entry.Cleaned.HasTitle() || depth >= MaxRetryDepth || opts.CacheOnly {
		log.Debugf("%s Remembered failure for %s", logcolors.LogCacheNegative, key)
		return true
	}

	log.Debugf("%s Retrying %s with cleaned metadata %s", logcolors.LogCacheNegative, key, entry.Cleaned.SearchString())
	retry := opts
	retry.Interactive = false
	sub := r.resolve(ctx, *entry.Cleaned, retry, depth+1)
	out.Strategies = append(out.Strategies, sub.Strategies...)
	out.Unavailable = sub.Unavailable
	if sub.Match != nil {
		r.cache.SetKey(key, sub.Match.Candidate.ExternalID, nil)
		out.Match = sub.Match
		out.Source = SourceCleanup
	} else if !sub.Unavailable {
		r.cache.SetKey(key, "", entry.Cleaned)
	}
	return true
}

// consultIndex returns a confirmed local match, or the near misses worth
// offering interactively
func (r *Resolver) consultIndex(ctx context.Context, q track.Query) (*track.Match, []track.Match) {
	if r.index == nil || r.index.Len() == 0 {
		return nil, nil
	}

	var nearMisses []track.Match
	for _, hit := range r.index.Search(q, r.indexLimit, r.indexMinScore) {
		c := hit.Entry.Candidate()
		score := r.scorer.Score(q, c)
		log.Debugf("%s %s (%s) cosine %.2f score %.2f", logcolors.LogLocalIndex, c.ExternalID, c.Title, hit.Score, score)

		if !r.scorer.ConfirmsLocal(score) {
			if score > nearMissFloor {
				nearMisses = append(nearMisses, track.Match{Candidate: c, Score: score})
			}
			continue
		}

		fetched, err := r.provider.Fetch(ctx, c.ExternalID)
		if err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				r.index.Remove(c.ExternalID)
			}
			log.Debugf("%s Could not confirm %s: %v", logcolors.LogLocalIndex, c.ExternalID, err)
			continue
		}
		fetchedScore := r.scorer.Score(q, fetched)
		if !r.scorer.ConfirmsLocal(fetchedScore) {
			r.index.Upsert(fetched.ExternalID, fetched.AsQuery())
			continue
		}
		return &track.Match{Candidate: fetched, Score: fetchedScore}, nil
	}
	return nil, nearMisses
}

func (r *Resolver) runChain(ctx context.Context, key string, q track.Query) search.Result {
	if !r.dedupe {
		return r.chain.Run(ctx, q)
	}
	v, _, shared := r.group.Do(key, func() (interface{}, error) {
		return r.chain.Run(ctx, q), nil
	})
	if shared {
		log.Debugf("%s Shared in-flight search for %s", logcolors.LogSearch, key)
	}
	return v.(search.Result)
}

func (r *Resolver) interactive(ctx context.Context, key string, q track.Query, opts Options, depth int, out *Outcome, candidates []track.Match) *Outcome {
	choice := r.disambiguator.Present(ctx, q, candidates)

	switch choice.Action {
	case Select:
		if choice.Selected == nil {
			break
		}
		r.accept(key, out, track.Match{Candidate: *choice.Selected, Score: r.scorer.Score(q, *choice.Selected)}, SourceInteractive)
		return out

	case ManualEntry:
		if choice.Manual == nil || !choice.Manual.HasTitle() {
			break
		}
		log.Infof("%s Manual entry for %q: %s", logcolors.LogResolver, q.SearchString(), choice.Manual.SearchString())
		sub := r.resolve(ctx, *choice.Manual, opts, depth)
		out.Strategies = append(out.Strategies, sub.Strategies...)
		if sub.Match != nil {
			r.cache.SetKey(key, sub.Match.Candidate.ExternalID, nil)
			out.Match = sub.Match
			out.Source = SourceInteractive
			return out
		}
	}

	log.Infof("%s Skipped %q", logcolors.LogInteractiveSkip, q.SearchString())
	r.cache.SetKey(key, "", nil)
	return out
}

// fallback runs after every strategy failed. Nothing is cached when the
// catalog could not be searched.
func (r *Resolver) fallback(ctx context.Context, key string, q track.Query, opts Options, depth int, out *Outcome) *Outcome {
	if out.Unavailable || ctx.Err() != nil {
		out.Unavailable = true
		log.Warnf("%s Catalog unavailable for %q, not caching the miss", logcolors.LogResolver, q.SearchString())
		return out
	}

	switch {
	case r.mode == CleanupSync && r.cleaner != nil && depth < MaxRetryDepth:
		cleaned, err := r.cleaner.Cleanup(ctx, q.SearchString())
		if err != nil {
			log.Warnf("%s Cleanup failed for %q: %v", logcolors.LogCleanup, q.SearchString(), err)
		}
		if cleaned != nil && cleaned.HasTitle() && normalize.CacheKey(*cleaned) != key {
			sub := r.resolve(ctx, *cleaned, opts, depth+1)
			out.Strategies = append(out.Strategies, sub.Strategies...)
			if sub.Match != nil {
				r.cache.SetKey(key, sub.Match.Candidate.ExternalID, nil)
				out.Match = sub.Match
				out.Source = SourceCleanup
				return out
			}
			if sub.Unavailable {
				out.Unavailable = true
				return out
			}
		}
		if ctx.Err() != nil {
			out.Unavailable = true
			return out
		}
		r.cache.SetKey(key, "", cleaned)

	case r.mode == CleanupAsync && r.enrichment != nil && depth == 0:
		r.cache.SetKey(key, "", nil)
		r.enrichment.Enqueue(enrichment.Task{
			CacheKey:    key,
			SearchQuery: q.SearchString(),
			Original:    q,
			ScopeID:     opts.ScopeID,
		})

	default:
		r.cache.SetKey(key, "", nil)
	}
	return out
}

func (r *Resolver) accept(key string, out *Outcome, m track.Match, source Source) {
	r.cache.SetKey(key, m.Candidate.ExternalID, nil)
	if r.index != nil {
		r.index.Upsert(m.Candidate.ExternalID, m.Candidate.AsQuery())
	}
	out.Match = &m
	out.Source = source
	log.Debugf("%s %s -> %s (%s by %s) %.2f via %s", logcolors.LogMatch, key, m.Candidate.ExternalID,
		m.Candidate.Title, m.Candidate.Artist, m.Score, source)
}

// mergeMatches combines ranked catalog candidates with local near misses,
// keeping the higher score per id
func mergeMatches(lists ...[]track.Match) []track.Match {
	best := make(map[string]int)
	var out []track.Match
	for _, list := range lists {
		for _, m := range list {
			if i, ok := best[m.Candidate.ExternalID]; ok {
				if m.Score > out[i].Score {
					out[i] = m
				}
				continue
			}
			best[m.Candidate.ExternalID] = len(out)
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	return out
}

// ResolveBatch resolves queries concurrently without prompting. Results
// keep input order. An empty scopeID is replaced with a fresh one, which
// the caller passes to Drain.
func (r *Resolver) ResolveBatch(ctx context.Context, queries []track.Query, scopeID string) Batch {
	if scopeID == "" {
		scopeID = uuid.NewString()
	}
	opts := Options{ScopeID: scopeID}

	mapper := iter.Mapper[track.Query, *Outcome]{MaxGoroutines: r.batchConcurrency}
	outcomes := mapper.Map(queries, func(q *track.Query) *Outcome {
		return r.Resolve(ctx, *q, opts)
	})

	matched := 0
	for _, o := range outcomes {
		if o.Matched() {
			matched++
		}
	}
	log.Infof("%s Scope %s: %d/%d resolved", logcolors.LogBatch, scopeID, matched, len(queries))
	return Batch{ScopeID: scopeID, Outcomes: outcomes}
}

// Drain waits for background cleanup of scopeID
func (r *Resolver) Drain(scopeID string, timeout time.Duration) bool {
	if r.enrichment == nil {
		return true
	}
	return r.enrichment.Drain(scopeID, timeout)
}
