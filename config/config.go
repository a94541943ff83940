package config

import (
	"strings"
	"time"

	"track-resolver-go/logcolors"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	log "github.com/sirupsen/logrus"
)

var conf = mustLoad()

type Config struct {
	Configuration struct {
		Port string `envconfig:"PORT" default:"8080"`

		// Ingress rate limiting. The cached tier only serves cache lookups.
		RateLimitPerSecond        int    `envconfig:"RATE_LIMIT_PER_SECOND" default:"2"`
		RateLimitBurstLimit       int    `envconfig:"RATE_LIMIT_BURST_LIMIT" default:"5"`
		CachedRateLimitPerSecond  int    `envconfig:"CACHED_RATE_LIMIT_PER_SECOND" default:"10"`
		CachedRateLimitBurstLimit int    `envconfig:"CACHED_RATE_LIMIT_BURST_LIMIT" default:"20"`
		RateLimitIdleEvictMinutes int    `envconfig:"RATE_LIMIT_IDLE_EVICT_MINUTES" default:"30"`
		APIKey                    string `envconfig:"API_KEY" default:""`
		APIKeyRequired            bool   `envconfig:"API_KEY_REQUIRED" default:"false"`
		CacheAccessToken          string `envconfig:"CACHE_ACCESS_TOKEN" default:""`

		// Resolution cache
		CacheBackend           string `envconfig:"CACHE_BACKEND" default:"bolt"` // bolt or sqlite
		CacheDBPath            string `envconfig:"CACHE_DB_PATH" default:"./data/cache.db"`
		CacheBackupPath        string `envconfig:"CACHE_BACKUP_PATH" default:"./data/backups"`
		SQLitePath             string `envconfig:"SQLITE_PATH" default:"./data/cache.sqlite"`
		NegativeCacheTTLInDays int    `envconfig:"NEGATIVE_CACHE_TTL_DAYS" default:"7"`

		// Playlist cache
		PlaylistBackend         string `envconfig:"PLAYLIST_BACKEND" default:"local"` // local or redis
		PlaylistTTLHours        int    `envconfig:"PLAYLIST_TTL_HOURS" default:"168"`
		PlaylistJitterMinHours  int    `envconfig:"PLAYLIST_JITTER_MIN_HOURS" default:"60"`
		PlaylistJitterMaxHours  int    `envconfig:"PLAYLIST_JITTER_MAX_HOURS" default:"200"`
		PlaylistVolatileSources string `envconfig:"PLAYLIST_VOLATILE_SOURCES" default:"spotify"`
		RedisAddr               string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
		RedisPassword           string `envconfig:"REDIS_PASSWORD" default:""`
		RedisDB                 int    `envconfig:"REDIS_DB" default:"0"`

		// Catalog
		CatalogProvider            string  `envconfig:"CATALOG_PROVIDER" default:"memory"` // memory or http
		CatalogBaseURL             string  `envconfig:"CATALOG_BASE_URL" default:""`
		CatalogAPIToken            string  `envconfig:"CATALOG_API_TOKEN" default:""`
		CatalogSeedFile            string  `envconfig:"CATALOG_SEED_FILE" default:""`
		CatalogRateLimit           float64 `envconfig:"CATALOG_RATE_LIMIT" default:"5"`
		CatalogBurst               int     `envconfig:"CATALOG_BURST" default:"5"`
		CatalogTimeoutSecs         int     `envconfig:"CATALOG_TIMEOUT_SECS" default:"15"`
		CircuitBreakerThreshold    int     `envconfig:"CIRCUIT_BREAKER_THRESHOLD" default:"5"`
		CircuitBreakerCooldownSecs int     `envconfig:"CIRCUIT_BREAKER_COOLDOWN_SECS" default:"300"`

		// Matching
		ScoringAlgorithm      string  `envconfig:"SCORING_ALGORITHM" default:"lcs"` // lcs or levenshtein
		AcceptThreshold       float64 `envconfig:"ACCEPT_THRESHOLD" default:"0.7"`
		SingleAcceptThreshold float64 `envconfig:"SINGLE_ACCEPT_THRESHOLD" default:"0.8"`
		VisibilityThreshold   float64 `envconfig:"VISIBILITY_THRESHOLD" default:"0.3"`
		LocalConfirmThreshold float64 `envconfig:"LOCAL_CONFIRM_THRESHOLD" default:"0.75"`
		StrategyParallelism   int     `envconfig:"STRATEGY_PARALLELISM" default:"4"`

		// Local index
		IndexMinScore     float64 `envconfig:"INDEX_MIN_SCORE" default:"0.3"`
		IndexLimit        int     `envconfig:"INDEX_LIMIT" default:"3"`
		IndexSnapshotPath string  `envconfig:"INDEX_SNAPSHOT_PATH" default:"./data/index.json.gz"`

		// Metadata cleanup
		CleanupMode    string `envconfig:"CLEANUP_MODE" default:"off"` // off, sync or async
		LLMAPIKey      string `envconfig:"LLM_API_KEY" default:""`
		LLMBaseURL     string `envconfig:"LLM_BASE_URL" default:"https://api.openai.com/v1"`
		LLMModel       string `envconfig:"LLM_MODEL" default:"gpt-4o-mini"`
		LLMTimeoutSecs int    `envconfig:"LLM_TIMEOUT_SECS" default:"30"`

		EnrichmentWorkers      int    `envconfig:"ENRICHMENT_WORKERS" default:"2"`
		EnrichmentQueueSize    int    `envconfig:"ENRICHMENT_QUEUE_SIZE" default:"1024"`
		EnrichmentTaskTimeout  int    `envconfig:"ENRICHMENT_TASK_TIMEOUT_SECS" default:"60"`
		EnrichmentDrainTimeout int    `envconfig:"ENRICHMENT_DRAIN_TIMEOUT_SECS" default:"120"`
		BatchConcurrency       int    `envconfig:"BATCH_CONCURRENCY" default:"4"`
		ShutdownTimeoutSecs    int    `envconfig:"SHUTDOWN_TIMEOUT_SECS" default:"10"`
		StatsDBPath            string `envconfig:"STATS_DB_PATH" default:"./data/stats.db"`
		StatsSaveIntervalSecs  int    `envconfig:"STATS_SAVE_INTERVAL_SECS" default:"300"`

		NotifierNtfyTopic        string `envconfig:"NOTIFIER_NTFY_TOPIC" default:""`
		NotifierNtfyServer       string `envconfig:"NOTIFIER_NTFY_SERVER" default:"https://ntfy.sh"`
		NotifierTelegramBotToken string `envconfig:"NOTIFIER_TELEGRAM_BOT_TOKEN" default:""`
		NotifierTelegramChatID   string `envconfig:"NOTIFIER_TELEGRAM_CHAT_ID" default:""`
		AlertCooldownMinutes     int    `envconfig:"ALERT_COOLDOWN_MINUTES" default:"15"`
	}

	FeatureFlags struct {
		CacheCompression   bool `envconfig:"FF_CACHE_COMPRESSION" default:"true"`
		FlexibleCacheMatch bool `envconfig:"FF_FLEXIBLE_CACHE_MATCH" default:"false"`
		LocalIndex         bool `envconfig:"FF_LOCAL_INDEX" default:"true"`
		DedupeInFlight     bool `envconfig:"FF_DEDUPE_IN_FLIGHT" default:"false"`
		WarmIndexOnStartup bool `envconfig:"FF_WARM_INDEX_ON_STARTUP" default:"false"`
	}
}

// NegativeTTL returns the negative cache lifetime
func (c Config) NegativeTTL() time.Duration {
	return time.Duration(c.Configuration.NegativeCacheTTLInDays) * 24 * time.Hour
}

// VolatileSources splits the comma separated source markers
func (c Config) VolatileSources() []string {
	var out []string
	for _, s := range strings.Split(c.Configuration.PlaylistVolatileSources, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Seconds converts a seconds setting to a duration
func Seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// load loads the configuration from the environment.
func load() (Config, error) {
	err := godotenv.Load()
	if err != nil {
		log.Debugf("%s No .env file loaded: %v", logcolors.LogConfig, err)
	}

	cfg := Config{}
	err = envconfig.Process("", &cfg)
	return cfg, err
}

func mustLoad() Config {
	c, err := load()
	if err != nil {
		log.WithError(err).Warnf("%s Unable to load configuration", logcolors.LogConfig)
	}

	return c
}

// Get returns the configuration loaded at startup
func Get() Config {
	return conf
}

// Load re-reads the environment. Callers that want a fresh, explicitly
// injected configuration use this instead of Get.
func Load() (Config, error) {
	return load()
}
