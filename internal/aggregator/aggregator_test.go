package aggregator

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/cache"
	"github.com/pierreribeiro/crypto-price-tracker/internal/database"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/pierreribeiro/crypto-price-tracker/internal/events"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	name    string
	batch   []domain.Cryptocurrency
	err     error
	pingErr error
	calls   int
}

func (f *fakeProvider) Name() string { return f.name }

func (f *fakeProvider) FetchTop(ctx context.Context, limit int, includeSparkline bool) ([]domain.Cryptocurrency, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.batch, nil
}

func (f *fakeProvider) Ping(ctx context.Context) error { return f.pingErr }

func testBatch(n int) []domain.Cryptocurrency {
	now := time.Now()
	out := make([]domain.Cryptocurrency, 0, n)
	names := []string{"bitcoin", "ethereum", "solana", "cardano", "polkadot"}
	for i := 0; i < n; i++ {
		name := names[i%len(names)]
		out = append(out, domain.Cryptocurrency{
			ID: name, Symbol: "SYM", Name: name,
			CurrentPrice: 100 + float64(i), MarketCap: 1e10, Volume24h: 1e8,
			PriceChange24h: float64(i), PriceChangePercent24h: float64(i),
			Rank: i + 1, LastUpdated: now,
			SparklineData: []domain.PriceDataPoint{{Timestamp: now.Truncate(time.Hour), Price: 100}},
		})
	}
	return out
}

func testAggregator(t *testing.T, primary, secondary Provider) (*Aggregator, *cache.Store, *events.Bus) {
	t.Helper()

	db, err := database.New(database.Config{
		Path: filepath.Join(t.TempDir(), "cache.db"),
		Name: "cache-test",
	})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := cache.NewStore(db.Conn(), 0, 0)
	require.NoError(t, err)

	bus := events.NewBus(zerolog.Nop())
	return New(primary, secondary, store, bus, zerolog.Nop()), store, bus
}

func TestRefreshScheduled_PrimarySuccess(t *testing.T) {
	primary := &fakeProvider{name: "primary", batch: testBatch(3)}
	secondary := &fakeProvider{name: "secondary", batch: testBatch(3)}
	agg, store, bus := testAggregator(t, primary, secondary)

	var refreshed []*events.Event
	bus.Subscribe(events.PricesRefreshed, func(e *events.Event) {
		refreshed = append(refreshed, e)
	})

	result, err := agg.RefreshScheduled(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SourcePrimary, result.Source)
	assert.Len(t, result.Quotes, 3)
	assert.False(t, result.Stale)
	assert.Zero(t, secondary.calls)
	require.Len(t, refreshed, 1)

	batch, err := store.Quotes(cache.KeyTopList)
	require.NoError(t, err)
	require.NotNil(t, batch)
	assert.Equal(t, domain.SourcePrimary, batch.Source)

	status := agg.Status()
	assert.False(t, status.Degraded)
	assert.Equal(t, domain.SourcePrimary, status.LastSource)
}

func TestRefresh_FailoverTagsSecondary(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("exhausted")}
	secondary := &fakeProvider{name: "secondary", batch: testBatch(3)}
	agg, store, _ := testAggregator(t, primary, secondary)

	result, err := agg.RefreshManual(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.SourceSecondary, result.Source)
	assert.Equal(t, 1, primary.calls)
	assert.Equal(t, 1, secondary.calls)

	batch, err := store.Quotes(cache.KeyTopList)
	require.NoError(t, err)
	assert.Equal(t, domain.SourceSecondary, batch.Source)
}

func TestRefresh_InvalidItemsDroppedNotFatal(t *testing.T) {
	batch := testBatch(5)
	batch[2].CurrentPrice = -1
	primary := &fakeProvider{name: "primary", batch: batch}
	agg, _, _ := testAggregator(t, primary, &fakeProvider{name: "secondary"})

	result, err := agg.RefreshManual(context.Background())
	require.NoError(t, err)

	assert.Len(t, result.Quotes, 4)
	assert.Equal(t, 1, result.Rejected)
	assert.Equal(t, domain.SourcePrimary, result.Source)
}

func TestRefresh_AllInvalidTriggersFailover(t *testing.T) {
	bad := testBatch(2)
	bad[0].CurrentPrice = -1
	bad[1].CurrentPrice = 0
	primary := &fakeProvider{name: "primary", batch: bad}
	secondary := &fakeProvider{name: "secondary", batch: testBatch(2)}
	agg, _, _ := testAggregator(t, primary, secondary)

	result, err := agg.RefreshManual(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.SourceSecondary, result.Source)
}

func TestRefresh_BothFailServesStale(t *testing.T) {
	primary := &fakeProvider{name: "primary", batch: testBatch(3)}
	secondary := &fakeProvider{name: "secondary", err: errors.New("down")}
	agg, _, bus := testAggregator(t, primary, secondary)

	var degraded, recovered int
	bus.Subscribe(events.ServiceDegraded, func(e *events.Event) { degraded++ })
	bus.Subscribe(events.ServiceRecovered, func(e *events.Event) { recovered++ })

	// First cycle populates the cache.
	_, err := agg.RefreshManual(context.Background())
	require.NoError(t, err)

	// Then both providers go dark.
	primary.err = errors.New("down")

	result, err := agg.RefreshManual(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Stale)
	assert.Len(t, result.Quotes, 3)
	assert.Equal(t, domain.SourcePrimary, result.Source)
	assert.Equal(t, 1, degraded)
	assert.True(t, agg.Status().Degraded)

	// Recovery flips the flag and emits the event.
	primary.err = nil
	result, err = agg.RefreshManual(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Stale)
	assert.Equal(t, 1, recovered)
	assert.False(t, agg.Status().Degraded)
}

func TestRefresh_BothFailEmptyCacheErrors(t *testing.T) {
	primary := &fakeProvider{name: "primary", err: errors.New("down")}
	secondary := &fakeProvider{name: "secondary", err: errors.New("down")}
	agg, _, _ := testAggregator(t, primary, secondary)

	_, err := agg.RefreshManual(context.Background())
	require.Error(t, err)
	assert.True(t, agg.Status().Degraded)
}

func TestRefreshScheduled_StaleResultDoesNotBroadcast(t *testing.T) {
	primary := &fakeProvider{name: "primary", batch: testBatch(2)}
	secondary := &fakeProvider{name: "secondary", err: errors.New("down")}
	agg, _, bus := testAggregator(t, primary, secondary)

	var refreshed int
	bus.Subscribe(events.PricesRefreshed, func(e *events.Event) { refreshed++ })

	_, err := agg.RefreshScheduled(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, refreshed)

	primary.err = errors.New("down")
	_, err = agg.RefreshScheduled(context.Background())
	require.NoError(t, err)
	// Degraded cycles signal via ServiceDegraded instead.
	assert.Equal(t, 1, refreshed)
}

func TestPingProviders(t *testing.T) {
	primary := &fakeProvider{name: "primary"}
	secondary := &fakeProvider{name: "secondary", pingErr: errors.New("down")}
	agg, _, _ := testAggregator(t, primary, secondary)

	status := agg.PingProviders(context.Background())
	assert.True(t, status["primary"])
	assert.False(t, status["secondary"])
}
