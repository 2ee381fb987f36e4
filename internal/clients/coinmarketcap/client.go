// Package coinmarketcap provides the secondary (failover) provider client.
// The free tier has no sparkline data, so records from this provider carry
// an empty trend series and the absolute 24h change is derived from the
// percentage.
package coinmarketcap

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
	defaultBaseURL = "https://pro-api.coinmarketcap.com/v1"
	providerName   = "coinmarketcap"
)

// Client for the CoinMarketCap API.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   clients.Retryer
	log     zerolog.Logger
}

// NewClient creates a CoinMarketCap client. The API key is required for any
// real call; without it every request fails and failover reports upward.
func NewClient(baseURL, apiKey string, log zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	clientLog := log.With().Str("client", providerName).Logger()
	if apiKey == "" {
		clientLog.Warn().Msg("COINMARKETCAP_API_KEY not set, fallback provider will not work")
	}
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

// Listing is one row of the listings/latest response.
type Listing struct {
	Name    string `json:"name"`
	Symbol  string `json:"symbol"`
	CMCRank int    `json:"cmc_rank"`
	Quote   struct {
		USD struct {
			Price            float64 `json:"price"`
			MarketCap        float64 `json:"market_cap"`
			Volume24h        float64 `json:"volume_24h"`
			PercentChange24h float64 `json:"percent_change_24h"`
			LastUpdated      string  `json:"last_updated"`
		} `json:"USD"`
	} `json:"quote"`
}

type listingsResponse struct {
	Data []Listing `json:"data"`
}

// FetchTop fetches the top instruments by market cap, normalized into
// canonical records. The includeSparkline flag is accepted for interface
// parity but ignored: the free tier has no sparkline data.
func (c *Client) FetchTop(ctx context.Context, limit int, _ bool) ([]domain.Cryptocurrency, error) {
	var rows []Listing

	err := c.retry.Do(ctx, providerName, func(ctx context.Context) error {
		fetched, err := c.topListings(ctx, limit)
		if err != nil {
			return err
		}
		rows = fetched
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.log.Debug().Int("count", len(rows)).Msg("Fetched listings")
	return MapListings(rows), nil
}

// topListings performs one GET /cryptocurrency/listings/latest attempt.
func (c *Client) topListings(ctx context.Context, limit int) ([]Listing, error) {
	params := url.Values{}
	params.Set("start", "1")
	params.Set("limit", strconv.Itoa(limit))
	params.Set("convert", "USD")
	params.Set("sort", "market_cap")
	params.Set("sort_dir", "desc")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.baseURL+"/cryptocurrency/listings/latest?"+params.Encode(), nil)
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

	var body listingsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, clients.NewFatalFailure(providerName, fmt.Errorf("failed to parse response: %w", err))
	}
	return body.Data, nil
}

// Ping checks API availability (and key validity) without retry.
func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/key/info", nil)
	if err != nil {
		return err
	}
	c.setHeaders(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("coinmarketcap ping failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coinmarketcap ping returned status %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-CMC_PRO_API_KEY", c.apiKey)
}
