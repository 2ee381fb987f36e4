package coinmarketcap

import (
	"strings"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

// MapListings converts raw listing rows into canonical records. CoinMarketCap
// has no stable string id, so the lowercased symbol serves as the key; the
// absolute 24h change is derived from the percentage.
func MapListings(rows []Listing) []domain.Cryptocurrency {
	out := make([]domain.Cryptocurrency, 0, len(rows))
	for _, row := range rows {
		usd := row.Quote.USD

		lastUpdated, _ := time.Parse(time.RFC3339, usd.LastUpdated)

		out = append(out, domain.Cryptocurrency{
			ID:                    strings.ToLower(row.Symbol),
			Symbol:                strings.ToUpper(row.Symbol),
			Name:                  row.Name,
			CurrentPrice:          usd.Price,
			MarketCap:             usd.MarketCap,
			Volume24h:             usd.Volume24h,
			PriceChange24h:        usd.PercentChange24h / 100 * usd.Price,
			PriceChangePercent24h: usd.PercentChange24h,
			Rank:                  row.CMCRank,
			SparklineData:         nil,
			LastUpdated:           lastUpdated,
		})
	}
	return out
}
