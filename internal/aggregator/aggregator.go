// Package aggregator orchestrates the dual-source refresh cycle: fetch from
// the primary provider, fail over to the secondary on exhaustion, validate
// per item, publish to the cache and signal the delivery layers.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/cache"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
	"github.com/pierreribeiro/crypto-price-tracker/internal/events"
	"github.com/pierreribeiro/crypto-price-tracker/internal/validation"
	"github.com/rs/zerolog"
)

// refreshDeadline bounds one full cycle (both providers, all retries).
// It must stay comfortably under the 30s refresh cadence.
const refreshDeadline = 25 * time.Second

// Provider is one upstream price source.
type Provider interface {
	Name() string
	FetchTop(ctx context.Context, limit int, includeSparkline bool) ([]domain.Cryptocurrency, error)
	Ping(ctx context.Context) error
}

// Result describes the outcome of one refresh cycle.
type Result struct {
	Quotes      []domain.Cryptocurrency
	Source      string // domain.SourcePrimary or domain.SourceSecondary
	Rejected    int
	Stale       bool      // true when serving prior cached data in degraded mode
	RefreshedAt time.Time // when the served batch was produced
}

// Status is the aggregator's health snapshot, surfaced to clients as
// connection_state and to the REST health endpoint.
type Status struct {
	Degraded    bool
	LastSuccess time.Time
	LastSource  string
}

// Aggregator runs refresh cycles. At most one cycle is in flight at a time;
// a concurrent caller blocks until the running cycle finishes.
type Aggregator struct {
	primary   Provider
	secondary Provider
	store     *cache.Store
	bus       *events.Bus
	log       zerolog.Logger

	// cycleMu serializes refresh cycles. mu guards only the status fields,
	// so event handlers may call Status while a cycle is emitting.
	cycleMu sync.Mutex

	mu          sync.Mutex
	degraded    bool
	lastSuccess time.Time
	lastSource  string
}

// New creates an aggregator.
func New(primary, secondary Provider, store *cache.Store, bus *events.Bus, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		primary:   primary,
		secondary: secondary,
		store:     store,
		bus:       bus,
		log:       log.With().Str("component", "aggregator").Logger(),
	}
}

// RefreshScheduled runs one cycle and, on success, emits PricesRefreshed so
// the broker broadcasts the batch to all subscribed connections.
func (a *Aggregator) RefreshScheduled(ctx context.Context) (*Result, error) {
	result, err := a.refresh(ctx)
	if err != nil {
		return nil, err
	}
	if !result.Stale {
		a.bus.Emit(events.PricesRefreshed, "aggregator", map[string]interface{}{
			"count":  len(result.Quotes),
			"source": result.Source,
		})
	}
	return result, nil
}

// RefreshManual runs one out-of-band cycle without signalling a broadcast;
// the broker pushes the result only to the requesting connection.
func (a *Aggregator) RefreshManual(ctx context.Context) (*Result, error) {
	return a.refresh(ctx)
}

// Status returns the current health snapshot.
func (a *Aggregator) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Status{
		Degraded:    a.degraded,
		LastSuccess: a.lastSuccess,
		LastSource:  a.lastSource,
	}
}

// PingProviders probes both upstream APIs. Used by the health endpoint.
func (a *Aggregator) PingProviders(ctx context.Context) map[string]bool {
	return map[string]bool{
		a.primary.Name():   a.primary.Ping(ctx) == nil,
		a.secondary.Name(): a.secondary.Ping(ctx) == nil,
	}
}

func (a *Aggregator) refresh(ctx context.Context) (*Result, error) {
	a.cycleMu.Lock()
	defer a.cycleMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, refreshDeadline)
	defer cancel()

	started := time.Now()

	batch, rejected, source, err := a.fetch(ctx)
	if err != nil {
		return a.degrade(err)
	}

	if err := a.store.PutQuotes(batch, source); err != nil {
		return nil, fmt.Errorf("failed to publish batch: %w", err)
	}
	for _, quote := range batch {
		if len(quote.SparklineData) == 0 {
			continue
		}
		if err := a.store.PutTrend(quote.ID, quote.SparklineData, source); err != nil {
			a.log.Error().Err(err).Str("id", quote.ID).Msg("Failed to store trend buffer")
		}
	}

	refreshedAt := time.Now()

	a.mu.Lock()
	wasDegraded := a.degraded
	a.degraded = false
	a.lastSuccess = refreshedAt
	a.lastSource = source
	a.mu.Unlock()

	a.log.Info().
		Str("source", source).
		Int("published", len(batch)).
		Int("rejected", rejected).
		Dur("took", time.Since(started)).
		Msg("Refresh cycle completed")

	if wasDegraded {
		a.bus.Emit(events.ServiceRecovered, "aggregator", map[string]interface{}{
			"source": source,
		})
	}

	return &Result{
		Quotes:      batch,
		Source:      source,
		Rejected:    rejected,
		RefreshedAt: refreshedAt,
	}, nil
}

// fetch tries the primary provider and fails over to the secondary when the
// primary is exhausted or its payload is unusable. Transient errors never
// reach this level; they are retried inside the clients.
func (a *Aggregator) fetch(ctx context.Context) ([]domain.Cryptocurrency, int, string, error) {
	batch, rejected, primaryErr := a.fetchFrom(ctx, a.primary)
	if primaryErr == nil {
		return batch, rejected, domain.SourcePrimary, nil
	}

	a.log.Warn().Err(primaryErr).
		Str("provider", a.primary.Name()).
		Msg("Primary provider unusable, failing over")

	batch, rejected, secondaryErr := a.fetchFrom(ctx, a.secondary)
	if secondaryErr == nil {
		return batch, rejected, domain.SourceSecondary, nil
	}

	return nil, 0, "", errors.Join(primaryErr, secondaryErr)
}

// fetchFrom fetches and validates one provider's batch. Invalid items are
// dropped individually with logged reasons; a batch with no valid items at
// all counts as a provider failure.
func (a *Aggregator) fetchFrom(ctx context.Context, p Provider) ([]domain.Cryptocurrency, int, error) {
	batch, err := p.FetchTop(ctx, domain.TrackedCount, true)
	if err != nil {
		return nil, 0, err
	}

	valid, rejections := validation.FilterValid(batch)
	for _, rejection := range rejections {
		a.log.Warn().
			Str("provider", p.Name()).
			Str("id", rejection.ID).
			Strs("reasons", rejection.Reasons).
			Msg("Dropped invalid quote")
	}

	if len(valid) == 0 {
		return nil, 0, fmt.Errorf("%s: no valid quotes in batch of %d", p.Name(), len(batch))
	}
	return valid, len(rejections), nil
}

// degrade handles total refresh failure: keep the cache untouched, serve the
// prior batch as labeled stale data if one is still within the grace window,
// and signal the broker to relay a warning.
func (a *Aggregator) degrade(cause error) (*Result, error) {
	a.mu.Lock()
	a.degraded = true
	lastSuccess := a.lastSuccess
	a.mu.Unlock()

	prior, err := a.store.Quotes(cache.KeyTopList)
	if err != nil {
		a.log.Error().Err(err).Msg("Failed to read stale fallback batch")
	}

	data := map[string]interface{}{
		"error": cause.Error(),
	}
	if !lastSuccess.IsZero() {
		data["last_successful_update"] = lastSuccess.Format(time.RFC3339)
	}
	a.bus.Emit(events.ServiceDegraded, "aggregator", data)

	if prior == nil {
		return nil, fmt.Errorf("all providers failed and no cached data available: %w", cause)
	}

	a.log.Warn().
		Err(cause).
		Time("stored_at", prior.StoredAt).
		Msg("All providers failed, serving stale cached data")

	return &Result{
		Quotes:      prior.Quotes,
		Source:      prior.Source,
		Stale:       true,
		RefreshedAt: prior.StoredAt,
	}, nil
}
