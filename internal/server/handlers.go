package server

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pierreribeiro/crypto-price-tracker/internal/cache"
	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.agg.Status()

	overall := "healthy"
	if status.Degraded {
		overall = "degraded"
	}

	response := map[string]interface{}{
		"status":      overall,
		"service":     "crypto-price-tracker",
		"connections": s.broker.ConnectionCount(),
		"external_api_status": s.agg.PingProviders(r.Context()),
	}
	if !status.LastSuccess.IsZero() {
		response["last_successful_update"] = status.LastSuccess.UTC().Format(time.RFC3339)
		response["data_source"] = status.LastSource
	}

	code := http.StatusOK
	if status.Degraded {
		code = http.StatusServiceUnavailable
	}
	s.writeJSON(w, code, response)
}

// handleList serves the full tracked list from cache.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.serveListView(w, r, cache.KeyTopList)
}

// handleGainers serves the list sorted by 24h percentage change, descending.
func (s *Server) handleGainers(w http.ResponseWriter, r *http.Request) {
	s.serveListView(w, r, cache.KeyGainers)
}

// handleLosers serves the list sorted by 24h percentage change, ascending.
func (s *Server) handleLosers(w http.ResponseWriter, r *http.Request) {
	s.serveListView(w, r, cache.KeyLosers)
}

func (s *Server) serveListView(w http.ResponseWriter, r *http.Request, key string) {
	batch, err := s.store.Quotes(key)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	if batch == nil {
		s.writeError(w, http.StatusServiceUnavailable, "no data available yet")
		return
	}

	quotes := batch.Quotes
	if r.URL.Query().Get("include_sparkline") != "true" {
		stripped := make([]domain.Cryptocurrency, len(quotes))
		for i, quote := range quotes {
			quote.SparklineData = nil
			stripped[i] = quote
		}
		quotes = stripped
	}

	s.setCacheHeaders(w, batch.Fresh, batch.StoredAt, batch.Source)
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"data": quotes,
		"metadata": map[string]interface{}{
			"count":         len(quotes),
			"lastUpdated":   batch.StoredAt.UTC().Format(time.RFC3339),
			"dataSource":    batch.Source,
			"dataFreshness": freshnessLabel(batch.Fresh),
		},
	})
}

// handleQuote serves one instrument's current record.
func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	quote, fresh, err := s.store.Quote(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	if quote == nil {
		s.writeError(w, http.StatusNotFound, "unknown cryptocurrency: "+id)
		return
	}

	s.setCacheHeaders(w, fresh, quote.LastUpdated, "")
	s.writeJSON(w, http.StatusOK, quote)
}

// handleSparkline serves one instrument's hourly trend series.
func (s *Server) handleSparkline(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	points, fresh, err := s.store.Trend(id)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to read cache")
		return
	}
	if points == nil {
		s.writeError(w, http.StatusNotFound, "no trend data for cryptocurrency: "+id)
		return
	}

	w.Header().Set("X-Cache-Hit", strconv.FormatBool(fresh))
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":            id,
		"points":        points,
		"dataFreshness": freshnessLabel(fresh),
	})
}

func (s *Server) setCacheHeaders(w http.ResponseWriter, fresh bool, storedAt time.Time, source string) {
	w.Header().Set("X-Cache-Hit", strconv.FormatBool(fresh))
	if !storedAt.IsZero() {
		w.Header().Set("X-Last-Updated", storedAt.UTC().Format(time.RFC3339))
	}
	if source != "" {
		w.Header().Set("X-Data-Source", source)
	}
}

func freshnessLabel(fresh bool) string {
	if fresh {
		return "fresh"
	}
	return "stale"
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
