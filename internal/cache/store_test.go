package cache

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/database"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStore(t *testing.T) *Store {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "cache.db"),
		Name: "cache-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db.Conn(), 0, 0)
	require.NoError(t, err)
	return store
}

func sampleBatch() []domain.Cryptocurrency {
	now := time.Now()
	return []domain.Cryptocurrency{
		{
			ID: "bitcoin", Symbol: "BTC", Name: "Bitcoin",
			CurrentPrice: 43250.5, MarketCap: 8.5e11, Volume24h: 2.5e10,
			PriceChange24h: 1250.3, PriceChangePercent24h: 2.98,
			Rank: 1, LastUpdated: now,
		},
		{
			ID: "ethereum", Symbol: "ETH", Name: "Ethereum",
			CurrentPrice: 2310.2, MarketCap: 2.7e11, Volume24h: 1.2e10,
			PriceChange24h: -45.1, PriceChangePercent24h: -1.91,
			Rank: 2, LastUpdated: now,
		},
		{
			ID: "solana", Symbol: "SOL", Name: "Solana",
			CurrentPrice: 98.4, MarketCap: 4.2e10, Volume24h: 2.1e9,
			PriceChange24h: 4.9, PriceChangePercent24h: 5.24,
			Rank: 3, LastUpdated: now,
		},
	}
}

func TestStore_PutGet(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Put("k", map[string]string{"a": "b"}, domain.SourcePrimary, time.Minute))

	entry, err := store.Get("k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.True(t, entry.Fresh)
	assert.Equal(t, domain.SourcePrimary, entry.Source)
	assert.JSONEq(t, `{"a":"b"}`, string(entry.Value))
}

func TestStore_GetMiss(t *testing.T) {
	store := testStore(t)

	entry, err := store.Get("absent")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestStore_ExpiredEntryIsServedStale(t *testing.T) {
	store := testStore(t)

	// Already past TTL but inside the grace window.
	require.NoError(t, store.Put("k", "v", domain.SourcePrimary, -time.Minute))

	entry, err := store.Get("k")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.False(t, entry.Fresh)

	fresh, err := store.GetFresh("k")
	require.NoError(t, err)
	assert.Nil(t, fresh)
}

func TestStore_HardExpiredEntryIsMiss(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Put("k", "v", domain.SourcePrimary, -(StaleGrace + time.Hour)))

	entry, err := store.Get("k")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestStore_DeleteExpired(t *testing.T) {
	store := testStore(t)

	require.NoError(t, store.Put("live", "v", domain.SourcePrimary, time.Minute))
	require.NoError(t, store.Put("stale", "v", domain.SourcePrimary, -time.Minute))
	require.NoError(t, store.Put("dead", "v", domain.SourcePrimary, -(StaleGrace + time.Hour)))

	removed, err := store.DeleteExpired()
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	// The stale-but-graceful entry survives the sweep.
	entry, err := store.Get("stale")
	require.NoError(t, err)
	assert.NotNil(t, entry)
}

func TestStore_PutQuotesViews(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.PutQuotes(sampleBatch(), domain.SourcePrimary))

	top, err := store.Quotes(KeyTopList)
	require.NoError(t, err)
	require.NotNil(t, top)
	require.Len(t, top.Quotes, 3)
	assert.True(t, top.Fresh)
	assert.Equal(t, domain.SourcePrimary, top.Source)
	assert.Equal(t, "bitcoin", top.Quotes[0].ID)
	assert.Equal(t, "solana", top.Quotes[2].ID)

	gainers, err := store.Quotes(KeyGainers)
	require.NoError(t, err)
	require.Len(t, gainers.Quotes, 3)
	assert.Equal(t, "solana", gainers.Quotes[0].ID)
	assert.Equal(t, "ethereum", gainers.Quotes[2].ID)

	losers, err := store.Quotes(KeyLosers)
	require.NoError(t, err)
	require.Len(t, losers.Quotes, 3)
	assert.Equal(t, "ethereum", losers.Quotes[0].ID)
	assert.Equal(t, "solana", losers.Quotes[2].ID)
}

func TestStore_Quote(t *testing.T) {
	store := testStore(t)
	require.NoError(t, store.PutQuotes(sampleBatch(), domain.SourceSecondary))

	quote, fresh, err := store.Quote("ethereum")
	require.NoError(t, err)
	require.NotNil(t, quote)
	assert.True(t, fresh)
	assert.Equal(t, "ETH", quote.Symbol)

	missing, _, err := store.Quote("dogecoin")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestStore_TrendRoundTrip(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Hour)

	points := []domain.PriceDataPoint{
		{Timestamp: now.Add(-time.Hour), Price: 100},
		{Timestamp: now, Price: 101},
	}
	require.NoError(t, store.PutTrend("bitcoin", points, domain.SourcePrimary))

	got, fresh, err := store.Trend("bitcoin")
	require.NoError(t, err)
	assert.True(t, fresh)
	require.Len(t, got, 2)
	assert.Equal(t, 101.0, got[1].Price)
}

func TestStore_PutTrendCapsSeries(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC()

	points := make([]domain.PriceDataPoint, domain.MaxSparklinePoints+10)
	for i := range points {
		points[i] = domain.PriceDataPoint{
			Timestamp: now.Add(time.Duration(i) * time.Hour),
			Price:     float64(i),
		}
	}
	require.NoError(t, store.PutTrend("bitcoin", points, domain.SourcePrimary))

	got, _, err := store.Trend("bitcoin")
	require.NoError(t, err)
	require.Len(t, got, domain.MaxSparklinePoints)
	assert.Equal(t, float64(domain.MaxSparklinePoints+9), got[len(got)-1].Price)
}

func TestStore_AppendTrendPoint(t *testing.T) {
	store := testStore(t)
	now := time.Now().UTC().Truncate(time.Hour)

	require.NoError(t, store.AppendTrendPoint("bitcoin", domain.PriceDataPoint{Timestamp: now, Price: 100}, domain.SourcePrimary))
	require.NoError(t, store.AppendTrendPoint("bitcoin", domain.PriceDataPoint{Timestamp: now.Add(time.Hour), Price: 105}, domain.SourcePrimary))

	got, _, err := store.Trend("bitcoin")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, 105.0, got[1].Price)
}
