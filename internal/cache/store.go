// Package cache provides the TTL-keyed store that decouples the broadcast
// cadence from upstream provider latency. Entries are JSON blobs with
// stored_at/expires_at timestamps; freshness is decided when reading, and
// expired entries remain servable as labeled stale fallbacks for a bounded
// grace window.
package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS cache_entries (
	key        TEXT PRIMARY KEY,
	data       TEXT NOT NULL,
	source     TEXT NOT NULL DEFAULT '',
	stored_at  INTEGER NOT NULL,
	expires_at INTEGER NOT NULL
);
`

// Entry is one cache row as seen by a reader. Fresh is computed against the
// entry's TTL at read time.
type Entry struct {
	Key      string
	Value    json.RawMessage
	Source   string
	StoredAt time.Time
	Fresh    bool
}

// Store provides atomic key-scoped cache operations over SQLite.
type Store struct {
	db       *sql.DB
	quoteTTL time.Duration
	trendTTL time.Duration
}

// NewStore creates the store and ensures the schema exists. Zero TTLs fall
// back to the package defaults.
func NewStore(db *sql.DB, quoteTTL, trendTTL time.Duration) (*Store, error) {
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create cache schema: %w", err)
	}
	if quoteTTL == 0 {
		quoteTTL = TTLQuote
	}
	if trendTTL == 0 {
		trendTTL = TTLTrend
	}
	return &Store{db: db, quoteTTL: quoteTTL, trendTTL: trendTTL}, nil
}

// Put upserts a value under key with expiration = now + ttl.
func (s *Store) Put(key string, value interface{}, source string, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}

	now := time.Now()
	_, err = s.db.Exec(
		`INSERT OR REPLACE INTO cache_entries (key, data, source, stored_at, expires_at) VALUES (?, ?, ?, ?, ?)`,
		key, string(data), source, now.Unix(), now.Add(ttl).Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// Get returns the entry for key, fresh or stale. Entries expired beyond the
// grace window are treated as misses. Returns nil, nil on miss.
func (s *Store) Get(key string) (*Entry, error) {
	now := time.Now()

	var (
		data      string
		source    string
		storedAt  int64
		expiresAt int64
	)
	err := s.db.QueryRow(
		`SELECT data, source, stored_at, expires_at FROM cache_entries WHERE key = ?`, key,
	).Scan(&data, &source, &storedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}

	expiry := time.Unix(expiresAt, 0)
	if now.After(expiry.Add(StaleGrace)) {
		// Hard-expired: not even servable as stale.
		return nil, nil
	}

	return &Entry{
		Key:      key,
		Value:    json.RawMessage(data),
		Source:   source,
		StoredAt: time.Unix(storedAt, 0),
		Fresh:    now.Before(expiry),
	}, nil
}

// GetFresh returns the value for key only while its TTL holds.
// Returns nil, nil if the key is absent or expired.
func (s *Store) GetFresh(key string) (json.RawMessage, error) {
	entry, err := s.Get(key)
	if err != nil || entry == nil || !entry.Fresh {
		return nil, err
	}
	return entry.Value, nil
}

// DeleteExpired removes rows that are beyond the stale grace window and can
// never be served again. Returns the number of rows deleted.
func (s *Store) DeleteExpired() (int64, error) {
	cutoff := time.Now().Add(-StaleGrace).Unix()

	result, err := s.db.Exec(`DELETE FROM cache_entries WHERE expires_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired entries: %w", err)
	}
	return result.RowsAffected()
}

// QuoteBatch is a decoded list-view entry: the quotes plus the labeling a
// reader needs to present the data honestly.
type QuoteBatch struct {
	Quotes   []domain.Cryptocurrency
	Source   string
	StoredAt time.Time
	Fresh    bool
}

// PutQuotes stores a validated batch: one entry per quote plus the derived
// top-list, gainers and losers views, all under the quote TTL and tagged
// with the batch's data source.
func (s *Store) PutQuotes(batch []domain.Cryptocurrency, source string) error {
	for _, quote := range batch {
		if err := s.Put(QuoteKey(quote.ID), quote, source, s.quoteTTL); err != nil {
			return err
		}
	}

	byRank := make([]domain.Cryptocurrency, len(batch))
	copy(byRank, batch)
	sort.Slice(byRank, func(i, j int) bool { return byRank[i].Rank < byRank[j].Rank })
	if err := s.Put(KeyTopList, byRank, source, s.quoteTTL); err != nil {
		return err
	}

	byChange := make([]domain.Cryptocurrency, len(batch))
	copy(byChange, batch)
	sort.Slice(byChange, func(i, j int) bool {
		return byChange[i].PriceChangePercent24h > byChange[j].PriceChangePercent24h
	})
	if err := s.Put(KeyGainers, byChange, source, s.quoteTTL); err != nil {
		return err
	}

	reversed := make([]domain.Cryptocurrency, len(byChange))
	for i, quote := range byChange {
		reversed[len(byChange)-1-i] = quote
	}
	return s.Put(KeyLosers, reversed, source, s.quoteTTL)
}

// Quotes reads one of the list views (KeyTopList, KeyGainers, KeyLosers).
// Returns nil, nil on miss.
func (s *Store) Quotes(key string) (*QuoteBatch, error) {
	entry, err := s.Get(key)
	if err != nil || entry == nil {
		return nil, err
	}

	var quotes []domain.Cryptocurrency
	if err := json.Unmarshal(entry.Value, &quotes); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", key, err)
	}

	return &QuoteBatch{
		Quotes:   quotes,
		Source:   entry.Source,
		StoredAt: entry.StoredAt,
		Fresh:    entry.Fresh,
	}, nil
}

// Quote reads one instrument's current record. Returns nil, false, nil on miss.
func (s *Store) Quote(id string) (*domain.Cryptocurrency, bool, error) {
	entry, err := s.Get(QuoteKey(id))
	if err != nil || entry == nil {
		return nil, false, err
	}

	var quote domain.Cryptocurrency
	if err := json.Unmarshal(entry.Value, &quote); err != nil {
		return nil, false, fmt.Errorf("failed to decode quote %s: %w", id, err)
	}
	return &quote, entry.Fresh, nil
}

// PutTrend stores an instrument's trend buffer, capped to the most recent
// MaxSparklinePoints samples.
func (s *Store) PutTrend(id string, points []domain.PriceDataPoint, source string) error {
	if len(points) > domain.MaxSparklinePoints {
		points = points[len(points)-domain.MaxSparklinePoints:]
	}
	return s.Put(TrendKey(id), points, source, s.trendTTL)
}

// Trend reads one instrument's trend buffer. Returns nil, false, nil on miss.
func (s *Store) Trend(id string) ([]domain.PriceDataPoint, bool, error) {
	entry, err := s.Get(TrendKey(id))
	if err != nil || entry == nil {
		return nil, false, err
	}

	var points []domain.PriceDataPoint
	if err := json.Unmarshal(entry.Value, &points); err != nil {
		return nil, false, fmt.Errorf("failed to decode trend %s: %w", id, err)
	}
	return points, entry.Fresh, nil
}

// AppendTrendPoint rolls a new sample into an instrument's trend buffer,
// reading through any stale buffer so the series survives degraded periods.
func (s *Store) AppendTrendPoint(id string, point domain.PriceDataPoint, source string) error {
	points, _, err := s.Trend(id)
	if err != nil {
		return err
	}
	return s.PutTrend(id, append(points, point), source)
}
