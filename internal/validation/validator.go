// Package validation checks normalized cryptocurrency records before they are
// published to the cache. Validation is per item: a bad record is rejected
// wholesale with reasons, and the rest of the batch proceeds.
package validation

import (
	"fmt"
	"math"

	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

// Rejection records why one item was dropped from a batch.
type Rejection struct {
	ID      string
	Reasons []string
}

// Validate returns the list of rule violations for a record. An empty result
// means the record is publishable.
func Validate(c domain.Cryptocurrency) []string {
	var reasons []string

	if c.ID == "" {
		reasons = append(reasons, "missing id: must be non-empty string")
	}
	if c.Symbol == "" {
		reasons = append(reasons, "missing symbol: must be non-empty string")
	}
	if c.Name == "" {
		reasons = append(reasons, "missing name: must be non-empty string")
	}

	if !isFinite(c.CurrentPrice) || c.CurrentPrice <= 0 {
		reasons = append(reasons, "invalid currentPrice: must be positive number")
	}
	if !isFinite(c.MarketCap) || c.MarketCap <= 0 {
		reasons = append(reasons, "invalid marketCap: must be positive number")
	}
	if !isFinite(c.Volume24h) || c.Volume24h < 0 {
		reasons = append(reasons, "invalid volume24h: must be non-negative number")
	}
	if !isFinite(c.PriceChange24h) {
		reasons = append(reasons, "invalid priceChange24h: must be finite number")
	}
	if !isFinite(c.PriceChangePercent24h) {
		reasons = append(reasons, "invalid priceChangePercent24h: must be finite number")
	}

	if c.Rank < 1 || c.Rank > domain.TrackedCount {
		reasons = append(reasons, fmt.Sprintf("invalid rank: must be between 1 and %d", domain.TrackedCount))
	}

	if c.LastUpdated.IsZero() {
		reasons = append(reasons, "invalid lastUpdated: must be a parseable timestamp")
	}

	if len(c.SparklineData) > domain.MaxSparklinePoints {
		reasons = append(reasons, fmt.Sprintf("invalid sparklineData: maximum %d data points allowed", domain.MaxSparklinePoints))
	} else {
		for i, point := range c.SparklineData {
			if point.Timestamp.IsZero() {
				reasons = append(reasons, fmt.Sprintf("invalid sparklineData[%d].timestamp: must be a parseable timestamp", i))
			}
			if !isFinite(point.Price) || point.Price <= 0 {
				reasons = append(reasons, fmt.Sprintf("invalid sparklineData[%d].price: must be positive number", i))
			}
		}
	}

	return reasons
}

// FilterValid splits a batch into publishable records and rejections.
// Rejections never fail the batch; the caller decides disposition.
func FilterValid(batch []domain.Cryptocurrency) ([]domain.Cryptocurrency, []Rejection) {
	valid := make([]domain.Cryptocurrency, 0, len(batch))
	var rejected []Rejection

	for _, c := range batch {
		if reasons := Validate(c); len(reasons) > 0 {
			id := c.ID
			if id == "" {
				id = "unknown"
			}
			rejected = append(rejected, Rejection{ID: id, Reasons: reasons})
			continue
		}
		valid = append(valid, c)
	}

	return valid, rejected
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
