package coingecko

import (
	"strings"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

// MapMarkets converts raw market rows into canonical records. Unparseable
// timestamps map to the zero time and are rejected downstream by validation.
func MapMarkets(rows []Market, now time.Time) []domain.Cryptocurrency {
	out := make([]domain.Cryptocurrency, 0, len(rows))
	for _, row := range rows {
		var sparkline []domain.PriceDataPoint
		if row.Sparkline != nil {
			sparkline = MapSparkline(row.Sparkline.Price, now)
		}

		lastUpdated, _ := time.Parse(time.RFC3339, row.LastUpdated)

		out = append(out, domain.Cryptocurrency{
			ID:                    row.ID,
			Symbol:                strings.ToUpper(row.Symbol),
			Name:                  row.Name,
			CurrentPrice:          row.CurrentPrice,
			MarketCap:             row.MarketCap,
			Volume24h:             row.TotalVolume,
			PriceChange24h:        row.PriceChange24h,
			PriceChangePercent24h: row.PriceChangePercentage24h,
			Rank:                  row.MarketCapRank,
			SparklineData:         sparkline,
			LastUpdated:           lastUpdated,
		})
	}
	return out
}

// MapSparkline attaches timestamps to the raw hourly price series. Samples
// are hourly and end at the current top of the hour; series longer than the
// trend bound are truncated to the most recent samples.
func MapSparkline(prices []float64, now time.Time) []domain.PriceDataPoint {
	if len(prices) == 0 {
		return nil
	}
	if len(prices) > domain.MaxSparklinePoints {
		prices = prices[len(prices)-domain.MaxSparklinePoints:]
	}

	end := now.Truncate(time.Hour)
	points := make([]domain.PriceDataPoint, len(prices))
	for i, price := range prices {
		hoursAgo := len(prices) - i - 1
		points[i] = domain.PriceDataPoint{
			Timestamp: end.Add(-time.Duration(hoursAgo) * time.Hour),
			Price:     price,
		}
	}
	return points
}
