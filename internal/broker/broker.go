// Package broker manages WebSocket subscriptions: it accepts connections,
// tracks each one's delivery scope and fans out price updates published by
// the refresh cycle.
package broker

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pierreribeiro/crypto-price-tracker/internal/aggregator"
	"github.com/pierreribeiro/crypto-price-tracker/internal/cache"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/pierreribeiro/crypto-price-tracker/internal/events"
	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

const (
	// maxViolations is how many malformed messages a connection may send
	// before it is closed.
	maxViolations = 5

	// refreshCooldown throttles forced refreshes per connection.
	refreshCooldown = 30 * time.Second

	// providerProbeTimeout bounds the provider pings attached to
	// connection_state messages.
	providerProbeTimeout = 5 * time.Second
)

// Refresher is the slice of the aggregator the broker needs.
type Refresher interface {
	RefreshManual(ctx context.Context) (*aggregator.Result, error)
	Status() aggregator.Status
	PingProviders(ctx context.Context) map[string]bool
}

// Broker owns the connection registry.
type Broker struct {
	store           *cache.Store
	refresher       Refresher
	log             zerolog.Logger
	refreshInterval time.Duration

	mu    sync.RWMutex
	conns map[string]*conn
}

// New creates a broker and wires it to the event bus.
func New(store *cache.Store, refresher Refresher, bus *events.Bus, refreshInterval time.Duration, log zerolog.Logger) *Broker {
	b := &Broker{
		store:           store,
		refresher:       refresher,
		log:             log.With().Str("component", "broker").Logger(),
		refreshInterval: refreshInterval,
		conns:           make(map[string]*conn),
	}

	bus.Subscribe(events.PricesRefreshed, b.onPricesRefreshed)
	bus.Subscribe(events.ServiceDegraded, b.onServiceDegraded)
	bus.Subscribe(events.ServiceRecovered, b.onServiceRecovered)

	return b
}

// HandleWS upgrades an HTTP request and serves the connection until it
// closes. Blocks for the lifetime of the connection.
func (b *Broker) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		b.log.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	c := newConn(uuid.New().String(), ws, b.log)
	b.register(c)
	defer b.unregister(c)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go c.writeLoop(ctx)

	c.log.Info().Msg("Client connected")
	b.readLoop(ctx, c)
	c.log.Info().Msg("Client disconnected")
}

// ConnectionCount returns the number of live connections.
func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}

func (b *Broker) register(c *conn) {
	b.mu.Lock()
	b.conns[c.id] = c
	b.mu.Unlock()
}

func (b *Broker) unregister(c *conn) {
	b.mu.Lock()
	delete(b.conns, c.id)
	b.mu.Unlock()
	c.close(websocket.StatusNormalClosure, "")
}

// snapshot returns the registered connections without holding the lock
// during delivery.
func (b *Broker) snapshot() []*conn {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c)
	}
	return out
}

// readLoop is the single dispatcher for one connection's inbound messages.
func (b *Broker) readLoop(ctx context.Context, c *conn) {
	for {
		msgType, raw, err := c.ws.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || ctx.Err() != nil {
				return
			}
			c.log.Debug().Err(err).Msg("Read error")
			return
		}
		if msgType != websocket.MessageText {
			continue
		}

		msg, err := decodeInbound(raw)
		if err != nil || msg.Type == "" {
			if b.protocolViolation(c, "message is not valid JSON with a type field") {
				return
			}
			continue
		}

		switch msg.Type {
		case TypeSubscribe:
			b.handleSubscribe(c, msg)
		case TypeUnsubscribe:
			b.handleUnsubscribe(c)
		case TypePing:
			c.enqueue(Pong{Envelope: envelope(TypePong)})
		case TypeRefreshRequest:
			b.handleRefreshRequest(ctx, c)
		default:
			if b.protocolViolation(c, "unknown message type "+msg.Type) {
				return
			}
		}
	}
}

// protocolViolation sends an error message and reports whether the
// connection exhausted its tolerance and was closed.
func (b *Broker) protocolViolation(c *conn, detail string) bool {
	count, exhausted := c.violation()
	c.enqueue(ErrorMessage{
		Envelope: envelope(TypeError),
		Code:     CodeInvalidMessageFormat,
		Message:  detail,
		Severity: "warning",
	})
	if exhausted {
		c.log.Warn().Int("violations", count).Msg("Closing connection after repeated protocol violations")
		c.close(websocket.StatusPolicyViolation, "too many malformed messages")
		return true
	}
	return false
}

func (b *Broker) handleSubscribe(c *conn, msg *inboundMessage) {
	wantsTrend := true
	if msg.IncludeSparkline != nil {
		wantsTrend = *msg.IncludeSparkline
	}
	sub := newSubscription(msg.Cryptocurrencies, wantsTrend)
	c.setSubscription(sub)

	var initial []domain.Cryptocurrency
	if batch, err := b.store.Quotes(cache.KeyTopList); err == nil && batch != nil {
		initial = sub.Filter(batch.Quotes)
	}

	c.enqueue(SubscriptionConfirmed{
		Envelope:              envelope(TypeSubscriptionConfirmed),
		SubscribedTo:          sub.Scope(),
		UpdateIntervalSeconds: int(b.refreshInterval.Seconds()),
		InitialData:           initial,
	})
	c.log.Debug().Strs("scope", sub.Scope()).Msg("Subscription updated")
}

// handleUnsubscribe removes the connection's subscription. The connection
// stays open but receives no further price updates until it subscribes again.
func (b *Broker) handleUnsubscribe(c *conn) {
	c.setSubscription(nil)
	c.enqueue(Unsubscribed{Envelope: envelope(TypeUnsubscribed)})
	c.log.Debug().Msg("Subscription removed")
}

// handleRefreshRequest runs an out-of-band refresh for one connection,
// subject to the per-connection cooldown. The result goes only to the
// requester, labeled as a manual update.
func (b *Broker) handleRefreshRequest(ctx context.Context, c *conn) {
	allowed, retryIn := c.allowRefresh(refreshCooldown)
	if !allowed {
		c.enqueue(ErrorMessage{
			Envelope:       envelope(TypeError),
			Code:           CodeRefreshThrottled,
			Message:        "refresh requested too soon",
			Severity:       "warning",
			RetryInSeconds: &retryIn,
		})
		return
	}

	result, err := b.refresher.RefreshManual(ctx)
	if err != nil {
		c.enqueue(ErrorMessage{
			Envelope: envelope(TypeError),
			Code:     CodeServiceDegraded,
			Message:  "refresh failed, no data available",
			Severity: "error",
		})
		return
	}

	// An explicit refresh from a connection without a subscription gets the
	// whole batch.
	sub := c.subscription()
	if sub == nil {
		sub = newSubscription(nil, true)
	}
	c.enqueue(b.priceUpdate(sub, result, UpdateManual))
}

// priceUpdate builds one connection's filtered view of a refresh result.
func (b *Broker) priceUpdate(sub *Subscription, result *aggregator.Result, updateType string) PriceUpdate {
	filtered := sub.Filter(result.Quotes)
	freshness := ""
	if result.Stale {
		freshness = FreshnessStale
	}
	return PriceUpdate{
		Envelope: envelope(TypePriceUpdate),
		Data:     filtered,
		Metadata: UpdateMetadata{
			Count:         len(filtered),
			LastUpdated:   result.RefreshedAt.UTC().Format(time.RFC3339),
			DataSource:    result.Source,
			UpdateType:    updateType,
			DataFreshness: freshness,
		},
	}
}

// broadcast delivers one refresh result to every subscribed connection,
// filtered per scope. Connections without a subscription are skipped;
// connections that cannot keep up are dropped.
func (b *Broker) broadcast(result *aggregator.Result, updateType string) {
	delivered := 0
	for _, c := range b.snapshot() {
		sub := c.subscription()
		if sub == nil {
			continue
		}
		if !c.enqueue(b.priceUpdate(sub, result, updateType)) {
			c.log.Warn().Msg("Send buffer full, dropping slow connection")
			b.unregister(c)
			continue
		}
		delivered++
	}
	b.log.Debug().Int("connections", delivered).Str("source", result.Source).Msg("Broadcast price update")
}

func (b *Broker) onPricesRefreshed(_ *events.Event) {
	batch, err := b.store.Quotes(cache.KeyTopList)
	if err != nil || batch == nil {
		b.log.Error().Err(err).Msg("Refresh signalled but no batch in cache")
		return
	}
	b.broadcast(&aggregator.Result{
		Quotes:      batch.Quotes,
		Source:      batch.Source,
		RefreshedAt: batch.StoredAt,
	}, UpdateScheduled)
}

// onServiceDegraded relays the last cached batch as labeled stale data to
// subscribed connections and tells every client the service is degraded.
func (b *Broker) onServiceDegraded(evt *events.Event) {
	state := b.connectionState("degraded", FreshnessStale)

	batch, err := b.store.Quotes(cache.KeyTopList)
	if err != nil {
		b.log.Error().Err(err).Msg("Failed to read stale batch for degraded broadcast")
	}
	var stale *aggregator.Result
	if batch != nil {
		stale = &aggregator.Result{
			Quotes:      batch.Quotes,
			Source:      batch.Source,
			Stale:       true,
			RefreshedAt: batch.StoredAt,
		}
	}

	for _, c := range b.snapshot() {
		if stale != nil {
			if sub := c.subscription(); sub != nil {
				c.enqueue(b.priceUpdate(sub, stale, UpdateScheduled))
			}
		}
		c.enqueue(state)
		c.enqueue(ErrorMessage{
			Envelope: envelope(TypeError),
			Code:     CodeServiceDegraded,
			Message:  "price sources unavailable, serving cached data",
			Severity: "warning",
		})
	}
	b.log.Warn().Interface("cause", evt.Data["error"]).Msg("Service degraded, notified clients")
}

func (b *Broker) onServiceRecovered(_ *events.Event) {
	state := b.connectionState("healthy", FreshnessFresh)
	for _, c := range b.snapshot() {
		c.enqueue(state)
	}
	b.log.Info().Msg("Service recovered, notified clients")
}

// connectionState assembles a connection_state message with the current
// health snapshot and live provider probe results.
func (b *Broker) connectionState(status, freshness string) ConnectionState {
	state := ConnectionState{
		Envelope:      envelope(TypeConnectionState),
		Status:        status,
		DataFreshness: freshness,
	}

	snap := b.refresher.Status()
	if !snap.LastSuccess.IsZero() {
		state.LastSuccessfulUpdate = snap.LastSuccess.UTC().Format(time.RFC3339)
	}

	ctx, cancel := context.WithTimeout(context.Background(), providerProbeTimeout)
	defer cancel()
	state.ExternalAPIStatus = b.refresher.PingProviders(ctx)

	return state
}
