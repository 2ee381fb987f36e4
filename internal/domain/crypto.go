// Package domain defines the canonical cryptocurrency models shared by the
// aggregation pipeline, the cache and the delivery layers. The types here are
// pure data: no infrastructure dependencies.
package domain

import "time"

const (
	// TrackedCount is the number of instruments the system tracks.
	TrackedCount = 20

	// MaxSparklinePoints bounds the trend buffer: 7 days of hourly samples.
	MaxSparklinePoints = 168
)

// Data source tags carried in broadcast metadata. The rest of the system
// only cares which leg of the failover produced a batch, not which vendor.
const (
	SourcePrimary   = "primary"
	SourceSecondary = "secondary"
)

// PriceDirection indicates the sign of the 24h change.
type PriceDirection string

const (
	DirectionUp   PriceDirection = "up"
	DirectionDown PriceDirection = "down"
)

// MarketCapCategory buckets instruments by market capitalization.
type MarketCapCategory string

const (
	SmallCap MarketCapCategory = "small" // < $1B
	MidCap   MarketCapCategory = "mid"   // $1B - $10B
	LargeCap MarketCapCategory = "large" // > $10B
)

// PriceDataPoint is one sample of the trend buffer.
type PriceDataPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Price     float64   `json:"price"`
}

// Cryptocurrency is the canonical record for one tracked instrument.
// A value stored in the cache has passed validation wholesale; records are
// replaced on each refresh cycle and never partially updated.
type Cryptocurrency struct {
	ID     string `json:"id"`
	Symbol string `json:"symbol"`
	Name   string `json:"name"`

	CurrentPrice float64 `json:"currentPrice"`
	MarketCap    float64 `json:"marketCap"`
	Volume24h    float64 `json:"volume24h"`

	PriceChange24h        float64 `json:"priceChange24h"`
	PriceChangePercent24h float64 `json:"priceChangePercent24h"`

	Rank          int              `json:"rank"`
	SparklineData []PriceDataPoint `json:"sparklineData"`
	LastUpdated   time.Time        `json:"lastUpdated"`
}

// Direction derives the price direction from the 24h percentage change.
func (c Cryptocurrency) Direction() PriceDirection {
	if c.PriceChangePercent24h >= 0 {
		return DirectionUp
	}
	return DirectionDown
}

// CapCategory derives the market-cap bucket for the record.
func (c Cryptocurrency) CapCategory() MarketCapCategory {
	return ComputeMarketCapCategory(c.MarketCap)
}

// ComputeMarketCapCategory buckets a market cap value:
// >$10B large, $1B-$10B mid, <$1B small.
func ComputeMarketCapCategory(marketCap float64) MarketCapCategory {
	switch {
	case marketCap > 10_000_000_000:
		return LargeCap
	case marketCap >= 1_000_000_000:
		return MidCap
	default:
		return SmallCap
	}
}
