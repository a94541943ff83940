package logcolors

// ANSI color codes for log prefixes
const (
	Reset  = "\033[0m"
	Red    = "\033[31m"
	Green  = "\033[32m"
	Yellow = "\033[33m"
	Blue   = "\033[34m"
	Purple = "\033[35m"
	Cyan   = "\033[36m"

	BrightGreen   = "\033[92m"
	BrightBlue    = "\033[94m"
	BrightMagenta = "\033[95m"
	BrightCyan    = "\033[96m"
	BrightRed     = "\033[91m"
)

// Cache-related log prefixes
const (
	LogCacheInit     = Blue + "[Cache:Init]" + Reset
	LogCache         = Blue + "[Cache]" + Reset
	LogCacheBackup   = Blue + "[Cache:Backup]" + Reset
	LogCacheClear    = Blue + "[Cache:Clear]" + Reset
	LogCacheBackups  = Blue + "[Cache:Backups]" + Reset
	LogCacheRestore  = Blue + "[Cache:Restore]" + Reset
	LogCacheNegative = Cyan + "[Cache:Negative]" + Reset
	LogCachePlaylist = Green + "[Cache:Playlist]" + Reset
	LogCacheSweep    = Cyan + "[Cache:Sweep]" + Reset
)

// Rate limiting log prefixes
const (
	LogRateLimit = Purple + "[RateLimit]" + Reset
	LogAPIKey    = Purple + "[APIKey]" + Reset
)

// CircuitBreakerPrefix returns a colored circuit breaker prefix with the given name
func CircuitBreakerPrefix(name string) string {
	return Purple + "[CircuitBreaker:" + name + "]" + Reset
}

// strategyColors rotate by strategy name so the waterfall is easy to follow in logs
var strategyColors = []string{
	Green, Blue, Purple, Cyan,
	BrightGreen, BrightBlue, BrightMagenta, BrightCyan,
}

// Strategy returns a colored "[Search:name]" prefix.
// Same strategy name always gets the same color
func Strategy(name string) string {
	hash := 0
	for _, c := range name {
		hash += int(c)
	}
	color := strategyColors[hash%len(strategyColors)]
	return color + "[Search:" + name + "]" + Reset
}

// Server/Init log prefixes
const (
	LogServer   = Green + "[Server]" + Reset
	LogConfig   = Cyan + "[Config]" + Reset
	LogStats    = Blue + "[Stats]" + Reset
	LogNotifier = Yellow + "[Notifier]" + Reset
)

// Resolution log prefixes
const (
	LogRequest    = Purple + "[Request]" + Reset
	LogResolver   = Green + "[Resolver]" + Reset
	LogSearch     = Blue + "[Search]" + Reset
	LogCatalog    = Cyan + "[Catalog]" + Reset
	LogHTTP       = Cyan + "[HTTP]" + Reset
	LogMatch      = Green + "[Match]" + Reset
	LogBestMatch  = Green + "[Best Match]" + Reset
	LogLocalIndex = BrightBlue + "[LocalIndex]" + Reset
	LogEnrichment = BrightMagenta + "[Enrichment]" + Reset
	LogCleanup    = BrightCyan + "[Cleanup]" + Reset
	LogBatch      = BrightGreen + "[Batch]" + Reset
)

// Health check log prefixes
const (
	LogHealthCheck     = Cyan + "[Health Check]" + Reset
	LogInteractiveSkip = Yellow + "[Interactive:Skip]" + Reset
)

// ScoreColor returns the color used to print a score of the given band
func ScoreColor(band string) string {
	switch band {
	case "high":
		return Green
	case "medium":
		return Yellow
	default:
		return Red
	}
}
