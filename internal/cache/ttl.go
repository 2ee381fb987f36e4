package cache

import "time"

// TTL constants per entry class. TTL is evaluated at read time; there is no
// background eviction. Expired rows are retained so the degraded path can
// serve them as labeled stale data for up to StaleGrace past expiry.
const (
	// TTLQuote - current market data changes every refresh cycle.
	TTLQuote = 5 * time.Minute

	// TTLTrend - sparkline data is hourly and far less volatile.
	TTLTrend = time.Hour

	// StaleGrace - how long past expiry an entry is still servable as a
	// stale fallback while upstream providers are unavailable.
	StaleGrace = 30 * time.Minute
)

// Cache key scheme. Derived views are recomputed from the live quote set on
// every batch write and carry the quote TTL.
const (
	KeyTopList = "quote:list:top20"
	KeyGainers = "quote:gainers:top20"
	KeyLosers  = "quote:losers:top20"
)

// QuoteKey returns the cache key for one instrument's current quote.
func QuoteKey(id string) string {
	return "quote:" + id
}

// TrendKey returns the cache key for one instrument's trend buffer.
func TrendKey(id string) string {
	return "trend:" + id
}
