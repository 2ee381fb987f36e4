// Package coingecko provides the primary upstream provider client.
package coingecko

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/clients"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/rs/zerolog"
)

const (
	defaultBaseURL = "https://api.coingecko.com/api/v3"
	providerName   = "coingecko"
)

// Client for the CoinGecko API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   clients.Retryer
	log     zerolog.Logger
}

// NewClient creates a CoinGecko client. baseURL may be empty to use the
// public API; apiKey is optional on the free tier.
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	clientLog := log.With().Str("client", providerName).Logger()
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 30 * time.Second},
		retry:   clients.NewRetryer(clientLog),
		log:     clientLog,
	}
}

// Name identifies the provider in logs and failures.
func (c *Client) Name() string {
	return providerName
}

// Market is one row of the /coins/markets response.
type Market struct {
	ID                       string  `json:"id"`
	Symbol                   string  `json:"symbol"`
	Name                     string  `json:"name"`
	CurrentPrice             float64 `json:"current_price"`
	MarketCap                float64 `json:"market_cap"`
	MarketCapRank            int     `json:"market_cap_rank"`
	TotalVolume              float64 `json:"total_volume"`
	PriceChange24h           float64 `json:"price_change_24h"`
	PriceChangePercentage24h float64 `json:"price_change_percentage_24h"`
	LastUpdated              string  `json:"last_updated"`
	Sparkline                *struct {
		Price []float64 `json:"price"`
	} `json:"sparkline_in_7d,omitempty"`
}

// FetchTop fetches the top instruments by market cap, normalized into
// canonical records. At most one call is in flight per invocation; transient
// upstream failures are retried internally.
func (c *Client) FetchTop(ctx context.Context, limit int, includeSparkline bool) ([]domain.Cryptocurrency, error) {
	var rows []Market

	err := c.retry.Do(ctx, providerName, func(ctx context.Context) error {
		fetched, err := c.topMarkets(ctx, limit, includeSparkline)
		if err != nil {
			return err
		}
		rows = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug().Int("count", len(rows)).Msg("Fetched markets")
	return MapMarkets(rows, time.Now().UTC()), nil
}

// topMarkets performs one GET /coins/markets attempt.
func (c *Client) topMarkets(ctx context.Context, limit int, includeSparkline bool) ([]Market, error) {
	params := url.Values{}
	params.Set("vs_currency", "usd")
	params.Set("order", "market_cap_desc")
	params.Set("per_page", strconv.Itoa(limit))
	params.Set("page", "1")
	params.Set("sparkline", strconv.FormatBool(includeSparkline))
	params.Set("price_change_percentage", "24h")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/coins/markets?"+params.Encode(), nil)
	if err != nil {
		return nil, clients.NewFatalFailure(providerName, err)
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, clients.NewTransportFailure(providerName, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, clients.StatusFailure(providerName, resp.StatusCode)
	}

	var rows []Market
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, clients.NewFatalFailure(providerName, fmt.Errorf("failed to parse response: %w", err))
	}
	return rows, nil
}

// Ping checks API availability without retry.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ping", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coingecko ping failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coingecko ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("x-cg-demo-api-key", c.apiKey)
	}
}
