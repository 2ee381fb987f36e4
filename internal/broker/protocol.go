package broker

import (
	"encoding/json"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

// Message types exchanged over the subscription socket.
const (
	// Client to server.
	TypeSubscribe      = "subscribe"
	TypeUnsubscribe    = "unsubscribe"
	TypePing           = "ping"
	TypeRefreshRequest = "refresh_request"

	// Server to client.
	TypeSubscriptionConfirmed = "subscription_confirmed"
	TypePriceUpdate           = "price_update"
	TypeUnsubscribed          = "unsubscribed"
	TypePong                  = "pong"
	TypeError                 = "error"
	TypeConnectionState       = "connection_state"
)

// Error codes carried by error messages.
const (
	CodeInvalidMessageFormat = "INVALID_MESSAGE_FORMAT"
	CodeRefreshThrottled     = "REFRESH_THROTTLED"
	CodeServiceDegraded      = "SERVICE_DEGRADED"
)

// Update trigger labels.
const (
	UpdateScheduled = "scheduled"
	UpdateManual    = "manual"
)

// Data freshness labels.
const (
	FreshnessFresh = "fresh"
	FreshnessStale = "stale"
)

// Envelope is the common framing of every server-sent message.
type Envelope struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
}

func envelope(msgType string) Envelope {
	return Envelope{
		Type:      msgType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}

// inboundMessage is the union of all client-sent payloads.
type inboundMessage struct {
	Type             string   `json:"type"`
	Cryptocurrencies []string `json:"cryptocurrencies,omitempty"`
	IncludeSparkline *bool    `json:"include_sparkline,omitempty"`
}

func decodeInbound(raw []byte) (*inboundMessage, error) {
	var msg inboundMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// SubscriptionConfirmed acknowledges a subscribe and carries the current
// batch so clients render immediately without waiting for the next cycle.
type SubscriptionConfirmed struct {
	Envelope
	SubscribedTo          []string                `json:"subscribed_to"`
	UpdateIntervalSeconds int                     `json:"update_interval_seconds"`
	InitialData           []domain.Cryptocurrency `json:"initial_data"`
}

// UpdateMetadata describes the batch carried by a price update.
type UpdateMetadata struct {
	Count         int    `json:"count"`
	LastUpdated   string `json:"lastUpdated"`
	DataSource    string `json:"dataSource"`
	UpdateType    string `json:"updateType"`
	DataFreshness string `json:"dataFreshness,omitempty"`
}

// PriceUpdate pushes a (possibly filtered) batch to one connection.
type PriceUpdate struct {
	Envelope
	Data     []domain.Cryptocurrency `json:"data"`
	Metadata UpdateMetadata          `json:"metadata"`
}

// Unsubscribed acknowledges an unsubscribe.
type Unsubscribed struct {
	Envelope
}

// Pong answers a protocol-level ping.
type Pong struct {
	Envelope
}

// ErrorMessage reports a recoverable protocol or service error.
type ErrorMessage struct {
	Envelope
	Code           string `json:"code"`
	Message        string `json:"message"`
	Severity       string `json:"severity"`
	RetryInSeconds *int   `json:"retry_in_seconds,omitempty"`
}

// ConnectionState reports overall service health to the client.
type ConnectionState struct {
	Envelope
	Status               string          `json:"status"`
	DataFreshness        string          `json:"data_freshness"`
	LastSuccessfulUpdate string          `json:"last_successful_update,omitempty"`
	ExternalAPIStatus    map[string]bool `json:"external_api_status,omitempty"`
}
