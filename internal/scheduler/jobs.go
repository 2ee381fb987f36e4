package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/aggregator"
	"github.com/pierreribeiro/crypto-price-tracker/internal/cache"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/rs/zerolog"
)

// RefreshJob runs one scheduled refresh cycle.
type RefreshJob struct {
	Agg *aggregator.Aggregator
}

func (j *RefreshJob) Name() string { return "price_refresh" }

func (j *RefreshJob) Run() error {
	_, err := j.Agg.RefreshScheduled(context.Background())
	return err
}

// EverySchedule builds an "@every" spec from a refresh interval.
func EverySchedule(interval time.Duration) string {
	return fmt.Sprintf("@every %s", interval)
}

// TrendSnapshotJob appends the current price of every tracked instrument to
// its hourly trend buffer. Covers instruments whose provider supplied no
// sparkline series.
type TrendSnapshotJob struct {
	Store *cache.Store
	Log   zerolog.Logger
}

func (j *TrendSnapshotJob) Name() string { return "trend_snapshot" }

func (j *TrendSnapshotJob) Run() error {
	batch, err := j.Store.Quotes(cache.KeyTopList)
	if err != nil {
		return err
	}
	if batch == nil {
		j.Log.Debug().Msg("No cached batch, skipping trend snapshot")
		return nil
	}

	now := time.Now().UTC().Truncate(time.Hour)
	for _, quote := range batch.Quotes {
		point := domain.PriceDataPoint{Timestamp: now, Price: quote.CurrentPrice}
		if err := j.Store.AppendTrendPoint(quote.ID, point, batch.Source); err != nil {
			j.Log.Error().Err(err).Str("id", quote.ID).Msg("Failed to append trend point")
		}
	}
	return nil
}

// CleanupJob prunes cache entries past their stale grace window.
type CleanupJob struct {
	Store *cache.Store
	Log   zerolog.Logger
}

func (j *CleanupJob) Name() string { return "cache_cleanup" }

func (j *CleanupJob) Run() error {
	removed, err := j.Store.DeleteExpired()
	if err != nil {
		return err
	}
	if removed > 0 {
		j.Log.Info().Int64("removed", removed).Msg("Pruned expired cache entries")
	}
	return nil
}
