// Package app assembles the resolver and its collaborators from
// configuration. Both the HTTP server and the CLI build on it.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"track-resolver-go/cache"
	"track-resolver-go/circuitbreaker"
	"track-resolver-go/config"
	"track-resolver-go/enrichment"
	"track-resolver-go/logcolors"
	"track-resolver-go/resolver"
	"track-resolver-go/scoring"
	"track-resolver-go/search"
	"track-resolver-go/services/catalog"
	"track-resolver-go/services/cleanup"
	"track-resolver-go/services/notifier"
	"track-resolver-go/stats"
	"track-resolver-go/track"
	"track-resolver-go/vectorindex"

	log "github.com/sirupsen/logrus"
)

// Options override parts of the configured wiring
type Options struct {
	// Provider replaces the configured catalog provider
	Provider catalog.SearchProvider
	// Cleaner replaces the LLM cleanup service
	Cleaner       cleanup.Service
	Disambiguator resolver.Disambiguator
	// PersistStats loads and auto-saves counters in the stats database
	PersistStats bool
}

// App holds the wired components
type App struct {
	Config   config.Config
	Cache    *cache.PersistentCache
	Catalog  catalog.SearchProvider
	Registry *catalog.Registry
	Breaker  *circuitbreaker.CircuitBreaker
	Scorer   *scoring.Scorer
	Index    *vectorindex.Index
	Queue    *enrichment.Queue
	Resolver *resolver.Resolver
	Stats    *stats.Stats
	Alerts   *notifier.AlertHandler

	statsStore *stats.Store
}

// combinedStore is a backend holding both resolution entries and playlists
type combinedStore interface {
	cache.EntryStore
	cache.PlaylistStore
}

// New builds every component. On error, anything already opened is closed.
func New(ctx context.Context, cfg config.Config, opts Options) (_ *App, err error) {
	a := &App{Config: cfg, Stats: stats.New(), Alerts: BuildAlerts(cfg)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.Cache, err = OpenCache(ctx, cfg); err != nil {
		return nil, err
	}

	a.Registry, a.Breaker, err = BuildRegistry(cfg, a.Alerts)
	if err != nil {
		return nil, err
	}
	if opts.Provider != nil {
		a.Registry.Register(opts.Provider)
		a.Catalog = opts.Provider
	} else if a.Catalog, err = a.Registry.Get(cfg.Configuration.CatalogProvider); err != nil {
		return nil, err
	}
	log.Infof("%s Using catalog provider %q", logcolors.LogCatalog, a.Catalog.Name())

	a.Scorer = BuildScorer(cfg)

	if cfg.FeatureFlags.LocalIndex {
		a.Index = vectorindex.New()
		a.loadIndex(ctx)
	}

	mode := resolver.ParseCleanupMode(cfg.Configuration.CleanupMode)
	cleaner := opts.Cleaner
	if mode != resolver.CleanupOff && cleaner == nil {
		cleaner, err = cleanup.NewLLMService(cleanup.LLMConfig{
			APIKey:  cfg.Configuration.LLMAPIKey,
			BaseURL: cfg.Configuration.LLMBaseURL,
			Model:   cfg.Configuration.LLMModel,
			Timeout: config.Seconds(cfg.Configuration.LLMTimeoutSecs),
		})
		if errors.Is(err, cleanup.ErrNotConfigured) {
			log.Warnf("%s Cleanup mode %q needs LLM_API_KEY, disabling cleanup", logcolors.LogCleanup, mode)
			mode, cleaner, err = resolver.CleanupOff, nil, nil
		} else if err != nil {
			return nil, err
		}
	}
	if mode == resolver.CleanupAsync {
		a.Queue = enrichment.New(cleaner, a.Cache, enrichment.Config{
			Workers:     cfg.Configuration.EnrichmentWorkers,
			QueueSize:   cfg.Configuration.EnrichmentQueueSize,
			TaskTimeout: config.Seconds(cfg.Configuration.EnrichmentTaskTimeout),
		})
	}

	rcfg := resolver.Config{
		Cache:            a.Cache,
		Chain:            search.NewChain(a.Catalog, a.Scorer, search.Config{Parallelism: cfg.Configuration.StrategyParallelism}),
		Scorer:           a.Scorer,
		IndexLimit:       cfg.Configuration.IndexLimit,
		IndexMinScore:    cfg.Configuration.IndexMinScore,
		CleanupMode:      mode,
		Cleaner:          cleaner,
		Disambiguator:    opts.Disambiguator,
		DedupeInFlight:   cfg.FeatureFlags.DedupeInFlight,
		BatchConcurrency: cfg.Configuration.BatchConcurrency,
		Recorder:         a.Stats,
	}
	if a.Index != nil {
		rcfg.Index = a.Index
	}
	if a.Queue != nil {
		rcfg.Enrichment = a.Queue
	}
	if a.Resolver, err = resolver.New(rcfg); err != nil {
		return nil, err
	}

	if opts.PersistStats {
		a.openStats()
	}
	return a, nil
}

// OpenCache opens the configured resolution backend and playlist store
func OpenCache(ctx context.Context, cfg config.Config) (*cache.PersistentCache, error) {
	var entries combinedStore
	switch backend := cfg.Configuration.CacheBackend; backend {
	case "", "bolt":
		store, err := cache.OpenBoltStore(cfg.Configuration.CacheDBPath, cfg.Configuration.CacheBackupPath, cfg.FeatureFlags.CacheCompression)
		if err != nil {
			return nil, err
		}
		entries = store
	case "sqlite":
		store, err := cache.OpenSQLiteStore(cfg.Configuration.SQLitePath)
		if err != nil {
			return nil, err
		}
		entries = store
	default:
		return nil, fmt.Errorf("unknown cache backend %q", backend)
	}

	policy := cache.TTLPolicy{
		Default:         time.Duration(cfg.Configuration.PlaylistTTLHours) * time.Hour,
		JitterMin:       time.Duration(cfg.Configuration.PlaylistJitterMinHours) * time.Hour,
		JitterMax:       time.Duration(cfg.Configuration.PlaylistJitterMaxHours) * time.Hour,
		VolatileSources: cfg.VolatileSources(),
	}

	var playlists cache.PlaylistStore = entries
	if cfg.Configuration.PlaylistBackend == "redis" {
		store, err := cache.NewRedisPlaylistStore(ctx, cache.RedisOptions{
			Addr:     cfg.Configuration.RedisAddr,
			Password: cfg.Configuration.RedisPassword,
			DB:       cfg.Configuration.RedisDB,
		}, policy)
		if err != nil {
			log.Warnf("%s %v, keeping playlists in the local store", logcolors.LogCacheInit, err)
		} else {
			playlists = store
		}
	}

	return cache.New(entries, playlists, cache.Options{
		NegativeTTL:   cfg.NegativeTTL(),
		Playlist:      policy,
		FlexibleMatch: cfg.FeatureFlags.FlexibleCacheMatch,
	}), nil
}

// BuildAlerts creates the alert handler from the notifier settings
func BuildAlerts(cfg config.Config) *notifier.AlertHandler {
	var notifiers []notifier.Notifier
	if topic := cfg.Configuration.NotifierNtfyTopic; topic != "" {
		notifiers = append(notifiers, &notifier.NtfyNotifier{Topic: topic, Server: cfg.Configuration.NotifierNtfyServer})
	}
	if token, chat := cfg.Configuration.NotifierTelegramBotToken, cfg.Configuration.NotifierTelegramChatID; token != "" && chat != "" {
		notifiers = append(notifiers, &notifier.TelegramNotifier{BotToken: token, ChatID: chat})
	}
	if len(notifiers) > 0 {
		log.Infof("%s %d notifier(s) configured", logcolors.LogNotifier, len(notifiers))
	}
	return notifier.NewAlertHandler(notifier.AlertConfig{
		Notifiers: notifiers,
		Cooldown:  time.Duration(cfg.Configuration.AlertCooldownMinutes) * time.Minute,
	})
}

// BuildRegistry registers every catalog provider the configuration allows.
// The memory provider is always available; the HTTP provider needs a base
// URL and is guarded by a circuit breaker whose transitions go to alerts.
func BuildRegistry(cfg config.Config, alerts *notifier.AlertHandler) (*catalog.Registry, *circuitbreaker.CircuitBreaker, error) {
	registry := catalog.NewRegistry()

	memory := catalog.NewMemoryProvider()
	if seed := cfg.Configuration.CatalogSeedFile; seed != "" {
		loaded, err := catalog.LoadMemoryProvider(seed)
		if err != nil {
			return nil, nil, err
		}
		memory = loaded
	}
	registry.Register(memory)

	var breaker *circuitbreaker.CircuitBreaker
	if cfg.Configuration.CatalogBaseURL != "" {
		cooldown := config.Seconds(cfg.Configuration.CircuitBreakerCooldownSecs)
		breaker = circuitbreaker.New(circuitbreaker.Config{
			Name:          "catalog",
			Threshold:     cfg.Configuration.CircuitBreakerThreshold,
			Cooldown:      cooldown,
			OnStateChange: alerts.BreakerHook(cooldown),
		})
		httpProvider, err := catalog.NewHTTPProvider(catalog.HTTPConfig{
			BaseURL:   cfg.Configuration.CatalogBaseURL,
			APIToken:  cfg.Configuration.CatalogAPIToken,
			Timeout:   config.Seconds(cfg.Configuration.CatalogTimeoutSecs),
			RateLimit: cfg.Configuration.CatalogRateLimit,
			Burst:     cfg.Configuration.CatalogBurst,
			Breaker:   breaker,
		})
		if err != nil {
			return nil, nil, err
		}
		registry.Register(httpProvider)
	}

	return registry, breaker, nil
}

// BuildScorer creates the scorer with configured thresholds
func BuildScorer(cfg config.Config) *scoring.Scorer {
	return scoring.NewScorer(scoring.Algorithm(cfg.Configuration.ScoringAlgorithm), scoring.Thresholds{
		Accept:       cfg.Configuration.AcceptThreshold,
		SingleAccept: cfg.Configuration.SingleAcceptThreshold,
		Visibility:   cfg.Configuration.VisibilityThreshold,
		LocalConfirm: cfg.Configuration.LocalConfirmThreshold,
	})
}

func (a *App) loadIndex(ctx context.Context) {
	path := a.Config.Configuration.IndexSnapshotPath
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := a.Index.LoadFile(path); err != nil {
				log.Warnf("%s %v", logcolors.LogLocalIndex, err)
			}
		}
	}
	if a.Config.FeatureFlags.WarmIndexOnStartup {
		if _, err := WarmIndex(ctx, a.Index, a.Catalog); err != nil {
			log.Warnf("%s Warm-up failed: %v", logcolors.LogLocalIndex, err)
		}
	}
}

// WarmIndex adds every track the provider can list. Providers that cannot
// enumerate their catalog are skipped.
func WarmIndex(ctx context.Context, idx *vectorindex.Index, provider catalog.SearchProvider) (int, error) {
	lister, ok := provider.(catalog.Lister)
	if !ok {
		log.Infof("%s Provider %q cannot list tracks, skipping warm-up", logcolors.LogLocalIndex, provider.Name())
		return 0, nil
	}

	added := 0
	err := lister.List(ctx, func(c track.Candidate) bool {
		if idx.Upsert(c.ExternalID, c.AsQuery()) {
			added++
		}
		return ctx.Err() == nil
	})
	log.Infof("%s Warmed %d entries from %q", logcolors.LogLocalIndex, added, provider.Name())
	return added, err
}

func (a *App) openStats() {
	path := a.Config.Configuration.StatsDBPath
	store, err := stats.NewStore(a.Stats, path)
	if err != nil {
		log.Warnf("%s Stats persistence disabled: %v", logcolors.LogStats, err)
		return
	}
	if err := store.Load(); err != nil {
		log.Warnf("%s %v", logcolors.LogStats, err)
	}
	if interval := config.Seconds(a.Config.Configuration.StatsSaveIntervalSecs); interval > 0 {
		store.StartAutoSave(interval)
	}
	a.statsStore = store
}

// SaveIndex writes the local index snapshot if one is configured
func (a *App) SaveIndex() error {
	if a.Index == nil || a.Config.Configuration.IndexSnapshotPath == "" {
		return nil
	}
	return a.Index.SaveFile(a.Config.Configuration.IndexSnapshotPath)
}

// Close stops background work and releases storage. Safe on a partially
// built App.
func (a *App) Close() error {
	var errs []error
	if a.Queue != nil {
		if !a.Queue.Shutdown(config.Seconds(a.Config.Configuration.ShutdownTimeoutSecs)) {
			log.Warnf("%s Workers still busy at shutdown", logcolors.LogEnrichment)
		}
	}
	if err := a.SaveIndex(); err != nil {
		errs = append(errs, err)
	}
	if a.statsStore != nil {
		errs = append(errs, a.statsStore.Close())
	}
	if a.Cache != nil {
		errs = append(errs, a.Cache.Close())
	}
	a.Alerts.Wait()
	return errors.Join(errs...)
}
