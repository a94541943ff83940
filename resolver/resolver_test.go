package resolver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"track-resolver-go/cache"
	"track-resolver-go/enrichment"
	"track-resolver-go/normalize"
	"track-resolver-go/search"
	"track-resolver-go/services/catalog"
	"track-resolver-go/track"
	"track-resolver-go/vectorindex"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	numb     = track.Candidate{ExternalID: "lp1", Title: "Numb", Artist: "Linkin Park", Album: "Meteora"}
	inTheEnd = track.Candidate{ExternalID: "lp2", Title: "In The End", Artist: "Linkin Park", Album: "Hybrid Theory"}
	bohemian = track.Candidate{ExternalID: "q1", Title: "Bohemian Rhapsody", Artist: "Queen", Album: "A Night at the Opera"}
)

type harness struct {
	resolver *Resolver
	cache    *cache.PersistentCache
	catalog  *catalog.MemoryProvider
	index    *vectorindex.Index
}

func newTestCache(t *testing.T) *cache.PersistentCache {
	t.Helper()
	dir := t.TempDir()
	store, err := cache.OpenBoltStore(filepath.Join(dir, "cache.db"), filepath.Join(dir, "backups"), true)
	require.NoError(t, err)
	pc := cache.New(store, store, cache.Options{})
	t.Cleanup(func() { pc.Close() })
	return pc
}

func newHarness(t *testing.T, configure func(*Config)) *harness {
	t.Helper()
	h := &harness{
		cache:   newTestCache(t),
		catalog: catalog.NewMemoryProvider(numb, inTheEnd, bohemian),
		index:   vectorindex.New(),
	}
	cfg := Config{
		Cache: h.cache,
		Chain: search.NewChain(h.catalog, nil, search.Config{}),
		Index: h.index,
	}
	if configure != nil {
		configure(&cfg)
	}
	r, err := New(cfg)
	require.NoError(t, err)
	h.resolver = r
	return h
}

func (h *harness) entry(q track.Query) (cache.Entry, bool) {
	return h.cache.GetKey(normalize.CacheKey(q))
}

type fakeCleaner struct {
	calls atomic.Int64
	fn    func(freeform string) (*track.Query, error)
}

func (f *fakeCleaner) Cleanup(_ context.Context, freeform string) (*track.Query, error) {
	f.calls.Add(1)
	return f.fn(freeform)
}

func cleansTo(q *track.Query) *fakeCleaner {
	return &fakeCleaner{fn: func(string) (*track.Query, error) { return q, nil }}
}

func TestResolveSingleTitleMatchAccepted(t *testing.T) {
	h := newHarness(t, nil)
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}

	out := h.resolver.Resolve(context.Background(), q, Options{})

	require.True(t, out.Matched())
	assert.Equal(t, "lp1", out.Match.Candidate.ExternalID)
	assert.Equal(t, SourceCatalog, out.Source)
	assert.Equal(t, []string{"title_only"}, out.Strategies)
	assert.False(t, out.NegativeHit)

	e, ok := h.entry(q)
	require.True(t, ok)
	assert.Equal(t, "lp1", e.ExternalID)

	_, indexed := h.index.Get("lp1")
	assert.True(t, indexed, "accepted match should be added to the local index")
}

func TestResolveServesPositiveCacheHit(t *testing.T) {
	h := newHarness(t, nil)
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}
	h.resolver.Resolve(context.Background(), q, Options{})
	before := h.catalog.Calls()

	out := h.resolver.Resolve(context.Background(), q, Options{})

	require.True(t, out.Matched())
	assert.Equal(t, SourceCache, out.Source)
	assert.Empty(t, out.Strategies)
	assert.Equal(t, before+1, h.catalog.Calls(), "only the fetch should reach the catalog")
}

func TestResolveArtistMismatchCachedNegative(t *testing.T) {
	h := newHarness(t, func(cfg *Config) { cfg.Index = nil })
	q := track.Query{Title: "Bohemian Rhapsody", Artist: "Some Cover Band"}

	out := h.resolver.Resolve(context.Background(), q, Options{})

	assert.False(t, out.Matched())
	assert.Equal(t, SourceNone, out.Source)
	assert.Equal(t, []string{"title_only"}, out.Strategies)

	e, ok := h.entry(q)
	require.True(t, ok)
	assert.True(t, e.IsNegative())
	assert.Nil(t, e.Cleaned)

	// the remembered failure short-circuits the next call
	before := h.catalog.Calls()
	again := h.resolver.Resolve(context.Background(), q, Options{})
	assert.False(t, again.Matched())
	assert.True(t, again.NegativeHit)
	assert.Equal(t, before, h.catalog.Calls())
}

func TestResolveInvalidQuery(t *testing.T) {
	h := newHarness(t, nil)

	out := h.resolver.Resolve(context.Background(), track.Query{Artist: "Linkin Park"}, Options{})
	assert.ErrorIs(t, out.Err, ErrInvalidQuery)
	assert.False(t, out.Matched())
	assert.Zero(t, h.catalog.Calls())

	e, ok := h.entry(track.Query{Artist: "Linkin Park"})
	require.True(t, ok)
	assert.True(t, e.IsNegative())

	out = h.resolver.Resolve(context.Background(), track.Query{Title: "  "}, Options{})
	assert.ErrorIs(t, out.Err, ErrInvalidQuery)
	assert.Equal(t, 1, h.cache.Stats().Entries, "an all-blank query is not cached")
}

func TestResolveStalePositiveEntryIsDropped(t *testing.T) {
	h := newHarness(t, nil)
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}
	h.cache.SetKey(normalize.CacheKey(q), "deleted-track", nil)

	out := h.resolver.Resolve(context.Background(), q, Options{})

	require.True(t, out.Matched())
	assert.Equal(t, SourceCatalog, out.Source)
	e, _ := h.entry(q)
	assert.Equal(t, "lp1", e.ExternalID)
}

func TestResolveRetriesNegativeWithCleanedMetadata(t *testing.T) {
	h := newHarness(t, nil)
	q := track.Query{Title: "numb (official video) LP", Artist: "LinkinParkVEVO"}
	cleaned := &track.Query{Title: "Numb", Artist: "Linkin Park"}
	h.cache.SetKey(normalize.CacheKey(q), "", cleaned)

	out := h.resolver.Resolve(context.Background(), q, Options{})

	require.True(t, out.Matched())
	assert.Equal(t, "lp1", out.Match.Candidate.ExternalID)
	assert.Equal(t, SourceCleanup, out.Source)
	assert.Equal(t, []string{"title_only"}, out.Strategies)

	e, _ := h.entry(q)
	assert.Equal(t, "lp1", e.ExternalID, "outcome is cached under the original key")
}

func TestResolveCleanedRetryIsDepthLimited(t *testing.T) {
	h := newHarness(t, nil)
	q := track.Query{Title: "first"}
	second := &track.Query{Title: "second"}
	third := &track.Query{Title: "Numb", Artist: "Linkin Park"}
	h.cache.SetKey(normalize.CacheKey(q), "", second)
	h.cache.SetKey(normalize.CacheKey(*second), "", third)

	out := h.resolver.Resolve(context.Background(), q, Options{})

	assert.False(t, out.Matched())
	assert.Zero(t, h.catalog.Calls())

	e, _ := h.entry(q)
	assert.True(t, e.IsNegative())
	assert.Equal(t, second, e.Cleaned)
}

func TestResolveCacheOnly(t *testing.T) {
	h := newHarness(t, nil)

	out := h.resolver.Resolve(context.Background(), track.Query{Title: "Numb", Artist: "Linkin Park"}, Options{CacheOnly: true})

	assert.False(t, out.Matched())
	assert.Empty(t, out.Strategies)
	assert.Zero(t, h.catalog.Calls())
	assert.Zero(t, h.cache.Stats().Entries)
}

func TestResolveLocalIndexShortCircuit(t *testing.T) {
	h := newHarness(t, nil)
	require.True(t, h.index.Add("lp1", numb.AsQuery()))
	q := track.Query{Title: "Numb", Artist: "Linkin Park", Album: "Meteora"}

	out := h.resolver.Resolve(context.Background(), q, Options{})

	require.True(t, out.Matched())
	assert.Equal(t, SourceLocalIndex, out.Source)
	assert.Empty(t, out.Strategies)
	assert.Equal(t, 1, h.catalog.Calls(), "only the confirming fetch should reach the catalog")
}

func TestResolveLocalIndexDropsVanishedTracks(t *testing.T) {
	h := newHarness(t, nil)
	require.True(t, h.index.Add("gone", numb.AsQuery()))

	out := h.resolver.Resolve(context.Background(), track.Query{Title: "Numb", Artist: "Linkin Park", Album: "Meteora"}, Options{})

	require.True(t, out.Matched())
	assert.Equal(t, SourceCatalog, out.Source)
	_, ok := h.index.Get("gone")
	assert.False(t, ok)
}

func TestResolveInteractive(t *testing.T) {
	q := track.Query{Title: "Bohemian Rhapsody", Artist: "Some Cover Band"}

	t.Run("Select", func(t *testing.T) {
		var offered []track.Match
		h := newHarness(t, func(cfg *Config) {
			cfg.Disambiguator = DisambiguatorFunc(func(_ context.Context, _ track.Query, candidates []track.Match) Choice {
				offered = candidates
				return Choice{Action: Select, Selected: &candidates[0].Candidate}
			})
		})

		out := h.resolver.Resolve(context.Background(), q, Options{Interactive: true})

		require.Len(t, offered, 1)
		assert.Equal(t, "q1", offered[0].Candidate.ExternalID)
		require.True(t, out.Matched())
		assert.Equal(t, SourceInteractive, out.Source)
		e, _ := h.entry(q)
		assert.Equal(t, "q1", e.ExternalID)
	})

	t.Run("Skip", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) {
			cfg.Disambiguator = DisambiguatorFunc(func(context.Context, track.Query, []track.Match) Choice {
				return Choice{Action: Skip}
			})
		})

		out := h.resolver.Resolve(context.Background(), q, Options{Interactive: true})

		assert.False(t, out.Matched())
		e, ok := h.entry(q)
		require.True(t, ok)
		assert.True(t, e.IsNegative())
	})

	t.Run("Manual entry", func(t *testing.T) {
		var prompts int
		h := newHarness(t, func(cfg *Config) {
			cfg.Disambiguator = DisambiguatorFunc(func(_ context.Context, _ track.Query, candidates []track.Match) Choice {
				prompts++
				assert.Empty(t, candidates)
				return Choice{Action: ManualEntry, Manual: &track.Query{Title: "Bohemian Rhapsody", Artist: "Queen"}}
			})
		})
		garbled := track.Query{Title: "bhmn rpsdy"}

		out := h.resolver.Resolve(context.Background(), garbled, Options{Interactive: true})

		assert.Equal(t, 1, prompts)
		require.True(t, out.Matched())
		assert.Equal(t, "q1", out.Match.Candidate.ExternalID)
		assert.Equal(t, SourceInteractive, out.Source)
		e, _ := h.entry(garbled)
		assert.Equal(t, "q1", e.ExternalID)
	})

	t.Run("Not offered without the option", func(t *testing.T) {
		h := newHarness(t, func(cfg *Config) {
			cfg.Disambiguator = DisambiguatorFunc(func(context.Context, track.Query, []track.Match) Choice {
				t.Error("disambiguator should not be called")
				return Choice{Action: Skip}
			})
		})
		assert.False(t, h.resolver.Resolve(context.Background(), q, Options{}).Matched())
	})
}

func TestResolveSyncCleanup(t *testing.T) {
	garbled := track.Query{Title: "nmub", Artist: "lnkn prk"}

	t.Run("Cleaned query matches", func(t *testing.T) {
		cleaner := cleansTo(&track.Query{Title: "Numb", Artist: "Linkin Park"})
		h := newHarness(t, func(cfg *Config) {
			cfg.CleanupMode = CleanupSync
			cfg.Cleaner = cleaner
		})

		out := h.resolver.Resolve(context.Background(), garbled, Options{})

		require.True(t, out.Matched())
		assert.Equal(t, SourceCleanup, out.Source)
		assert.Equal(t, "title_only", out.Strategies[len(out.Strategies)-1])
		assert.Equal(t, int64(1), cleaner.calls.Load())
		e, _ := h.entry(garbled)
		assert.Equal(t, "lp1", e.ExternalID)
	})

	t.Run("Cleaned query also fails", func(t *testing.T) {
		cleaned := &track.Query{Title: "Nothing Like It", Artist: "Nobody"}
		cleaner := cleansTo(cleaned)
		h := newHarness(t, func(cfg *Config) {
			cfg.CleanupMode = CleanupSync
			cfg.Cleaner = cleaner
		})

		out := h.resolver.Resolve(context.Background(), garbled, Options{})
		assert.False(t, out.Matched())

		e, _ := h.entry(garbled)
		assert.True(t, e.IsNegative())
		assert.Equal(t, cleaned, e.Cleaned)

		// the next call retries the cleaned metadata once and stops
		out = h.resolver.Resolve(context.Background(), garbled, Options{})
		assert.False(t, out.Matched())
		assert.Equal(t, int64(1), cleaner.calls.Load())
	})

	t.Run("Service error", func(t *testing.T) {
		cleaner := &fakeCleaner{fn: func(string) (*track.Query, error) { return nil, errors.New("timeout") }}
		h := newHarness(t, func(cfg *Config) {
			cfg.CleanupMode = CleanupSync
			cfg.Cleaner = cleaner
		})

		out := h.resolver.Resolve(context.Background(), garbled, Options{})
		assert.False(t, out.Matched())
		e, _ := h.entry(garbled)
		assert.True(t, e.IsNegative())
		assert.Nil(t, e.Cleaned)
	})
}

func TestResolveAsyncCleanup(t *testing.T) {
	garbled := track.Query{Title: "nmub", Artist: "lnkn prk"}
	pc := newTestCache(t)
	queue := enrichment.New(cleansTo(&track.Query{Title: "Numb", Artist: "Linkin Park"}), pc, enrichment.Config{Workers: 1})
	defer queue.Shutdown(time.Second)

	r, err := New(Config{
		Cache:       pc,
		Chain:       search.NewChain(catalog.NewMemoryProvider(numb), nil, search.Config{}),
		CleanupMode: CleanupAsync,
		Enrichment:  queue,
	})
	require.NoError(t, err)

	out := r.Resolve(context.Background(), garbled, Options{ScopeID: "import-1"})
	assert.False(t, out.Matched())
	require.True(t, r.Drain("import-1", 2*time.Second))

	e, ok := pc.GetKey(normalize.CacheKey(garbled))
	require.True(t, ok)
	assert.True(t, e.IsNegative())
	require.NotNil(t, e.Cleaned)
	assert.Equal(t, "Numb", e.Cleaned.Title)

	out = r.Resolve(context.Background(), garbled, Options{})
	require.True(t, out.Matched())
	assert.Equal(t, SourceCleanup, out.Source)
}

func TestResolveBatch(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.BatchConcurrency = 2
		cfg.Disambiguator = DisambiguatorFunc(func(context.Context, track.Query, []track.Match) Choice {
			t.Error("batch resolution must not prompt")
			return Choice{Action: Skip}
		})
	})
	queries := []track.Query{
		{Title: "Numb", Artist: "Linkin Park"},
		{Title: "Unknown Song"},
		{Title: "In The End", Artist: "Linkin Park"},
		{Artist: "No Title"},
	}

	batch := h.resolver.ResolveBatch(context.Background(), queries, "")

	_, err := uuid.Parse(batch.ScopeID)
	assert.NoError(t, err)
	require.Len(t, batch.Outcomes, len(queries))
	for i, o := range batch.Outcomes {
		assert.Equal(t, queries[i], o.Query)
	}
	assert.Equal(t, "lp1", batch.Outcomes[0].Match.Candidate.ExternalID)
	assert.False(t, batch.Outcomes[1].Matched())
	assert.Equal(t, "lp2", batch.Outcomes[2].Match.Candidate.ExternalID)
	assert.ErrorIs(t, batch.Outcomes[3].Err, ErrInvalidQuery)

	assert.True(t, h.resolver.Drain(batch.ScopeID, time.Second))
	assert.Equal(t, "given", h.resolver.ResolveBatch(context.Background(), nil, "given").ScopeID)
}

// gatedProvider blocks searches until released
type gatedProvider struct {
	*catalog.MemoryProvider
	release  chan struct{}
	searches atomic.Int64
}

func (g *gatedProvider) Search(ctx context.Context, f catalog.Filters, limit int) ([]track.Candidate, error) {
	g.searches.Add(1)
	<-g.release
	return g.MemoryProvider.Search(ctx, f, limit)
}

func TestResolveDedupeInFlight(t *testing.T) {
	provider := &gatedProvider{MemoryProvider: catalog.NewMemoryProvider(numb), release: make(chan struct{})}
	r, err := New(Config{
		Cache:          newTestCache(t),
		Chain:          search.NewChain(provider, nil, search.Config{}),
		DedupeInFlight: true,
	})
	require.NoError(t, err)
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}

	var wg sync.WaitGroup
	outcomes := make([]*Outcome, 2)
	resolve := func(i int) {
		defer wg.Done()
		outcomes[i] = r.Resolve(context.Background(), q, Options{})
	}

	wg.Add(2)
	go resolve(0)
	require.Eventually(t, func() bool { return provider.searches.Load() == 1 }, time.Second, 5*time.Millisecond)
	go resolve(1)
	time.Sleep(100 * time.Millisecond)
	close(provider.release)
	wg.Wait()

	assert.Equal(t, int64(1), provider.searches.Load())
	for _, o := range outcomes {
		require.True(t, o.Matched())
		assert.Equal(t, "lp1", o.Match.Candidate.ExternalID)
	}
}

// outageProvider fails every call with ErrUnavailable while down is set
type outageProvider struct {
	*catalog.MemoryProvider
	down atomic.Bool
}

func (p *outageProvider) Search(ctx context.Context, f catalog.Filters, limit int) ([]track.Candidate, error) {
	if p.down.Load() {
		return nil, catalog.NewProviderError("outage", "search", catalog.ErrUnavailable)
	}
	return p.MemoryProvider.Search(ctx, f, limit)
}

func (p *outageProvider) Fetch(ctx context.Context, id string) (track.Candidate, error) {
	if p.down.Load() {
		return track.Candidate{}, catalog.NewProviderError("outage", "fetch", catalog.ErrUnavailable)
	}
	return p.MemoryProvider.Fetch(ctx, id)
}

func TestResolveCancelledContextIsNotCached(t *testing.T) {
	h := newHarness(t, nil)
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := h.resolver.Resolve(ctx, q, Options{})

	assert.False(t, out.Matched())
	assert.True(t, out.Unavailable)
	_, ok := h.entry(q)
	assert.False(t, ok, "a cancelled search must not be remembered as a miss")

	out = h.resolver.Resolve(context.Background(), q, Options{})
	require.True(t, out.Matched())
	assert.Equal(t, "lp1", out.Match.Candidate.ExternalID)
	assert.Equal(t, SourceCatalog, out.Source)
}

func TestResolveCatalogOutage(t *testing.T) {
	q := track.Query{Title: "Numb", Artist: "Linkin Park"}

	t.Run("Miss is neither cached nor enqueued", func(t *testing.T) {
		provider := &outageProvider{MemoryProvider: catalog.NewMemoryProvider(numb)}
		provider.down.Store(true)
		pc := newTestCache(t)
		queue := enrichment.New(cleansTo(&q), pc, enrichment.Config{Workers: 1})
		defer queue.Shutdown(time.Second)
		r, err := New(Config{
			Cache:       pc,
			Chain:       search.NewChain(provider, nil, search.Config{}),
			CleanupMode: CleanupAsync,
			Enrichment:  queue,
		})
		require.NoError(t, err)

		out := r.Resolve(context.Background(), q, Options{ScopeID: "import-1"})

		assert.False(t, out.Matched())
		assert.True(t, out.Unavailable)
		assert.Zero(t, queue.Stats().Enqueued)
		_, ok := pc.GetKey(normalize.CacheKey(q))
		assert.False(t, ok)

		provider.down.Store(false)
		require.True(t, r.Resolve(context.Background(), q, Options{}).Matched())
	})

	t.Run("Positive entry survives", func(t *testing.T) {
		provider := &outageProvider{MemoryProvider: catalog.NewMemoryProvider(numb)}
		pc := newTestCache(t)
		r, err := New(Config{Cache: pc, Chain: search.NewChain(provider, nil, search.Config{})})
		require.NoError(t, err)
		pc.SetKey(normalize.CacheKey(q), "lp1", nil)
		provider.down.Store(true)

		out := r.Resolve(context.Background(), q, Options{})

		assert.False(t, out.Matched())
		assert.True(t, out.Unavailable)
		e, ok := pc.GetKey(normalize.CacheKey(q))
		require.True(t, ok)
		assert.Equal(t, "lp1", e.ExternalID)

		provider.down.Store(false)
		out = r.Resolve(context.Background(), q, Options{})
		require.True(t, out.Matched())
		assert.Equal(t, SourceCache, out.Source)
	})
}

func TestResolveCleanedRetryIsNotInteractive(t *testing.T) {
	h := newHarness(t, func(cfg *Config) {
		cfg.Index = nil
		cfg.Disambiguator = DisambiguatorFunc(func(context.Context, track.Query, []track.Match) Choice {
			t.Error("retry with stored cleaned metadata should not prompt")
			return Choice{Action: Skip}
		})
	})
	q := track.Query{Title: "bohemian rhapsody cover HD"}
	cleaned := &track.Query{Title: "Bohemian Rhapsody", Artist: "Some Cover Band"}
	h.cache.SetKey(normalize.CacheKey(q), "", cleaned)

	out := h.resolver.Resolve(context.Background(), q, Options{Interactive: true})

	assert.False(t, out.Matched())
	assert.True(t, out.NegativeHit)
	assert.Equal(t, []string{"title_only"}, out.Strategies)
	e, _ := h.entry(q)
	assert.True(t, e.IsNegative())
	assert.Equal(t, cleaned, e.Cleaned)
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{Chain: search.NewChain(catalog.NewMemoryProvider(), nil, search.Config{})})
	assert.Error(t, err)
	_, err = New(Config{Cache: newTestCache(t)})
	assert.Error(t, err)
}

func TestParseCleanupMode(t *testing.T) {
	assert.Equal(t, CleanupSync, ParseCleanupMode("SYNC"))
	assert.Equal(t, CleanupAsync, ParseCleanupMode(" async "))
	assert.Equal(t, CleanupOff, ParseCleanupMode("off"))
	assert.Equal(t, CleanupOff, ParseCleanupMode("llm"))
}

func TestMergeMatches(t *testing.T) {
	merged := mergeMatches(
		[]track.Match{{Candidate: numb, Score: 0.5}, {Candidate: bohemian, Score: 0.4}},
		[]track.Match{{Candidate: numb, Score: 0.6}, {Candidate: inTheEnd, Score: 0.45}},
	)

	require.Len(t, merged, 3)
	assert.Equal(t, "lp1", merged[0].Candidate.ExternalID)
	assert.Equal(t, 0.6, merged[0].Score)
	assert.Equal(t, "lp2", merged[1].Candidate.ExternalID)
	assert.Equal(t, "q1", merged[2].Candidate.ExternalID)
}
