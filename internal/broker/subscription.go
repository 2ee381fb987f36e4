package broker

import (
	"sort"

	"github.com/pierreribeiro/crypto-price-tracker/internal/domain"
)

// Subscription is one connection's delivery scope. An empty instrument list
// means all tracked instruments.
type Subscription struct {
	All        bool
	IDs        map[string]struct{}
	WantsTrend bool
}

func newSubscription(ids []string, wantsTrend bool) *Subscription {
	if len(ids) == 0 {
		return &Subscription{All: true, WantsTrend: wantsTrend}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return &Subscription{IDs: set, WantsTrend: wantsTrend}
}

// Matches reports whether an instrument falls inside the scope.
func (s *Subscription) Matches(id string) bool {
	if s.All {
		return true
	}
	_, ok := s.IDs[id]
	return ok
}

// Filter narrows a batch to the subscribed instruments, stripping sparkline
// series when the subscriber did not ask for them.
func (s *Subscription) Filter(batch []domain.Cryptocurrency) []domain.Cryptocurrency {
	out := make([]domain.Cryptocurrency, 0, len(batch))
	for _, quote := range batch {
		if !s.Matches(quote.ID) {
			continue
		}
		if !s.WantsTrend {
			quote.SparklineData = nil
		}
		out = append(out, quote)
	}
	return out
}

// Scope lists the subscribed instrument ids, sorted, or ["all"] for an
// unrestricted subscription.
func (s *Subscription) Scope() []string {
	if s.All {
		return []string{"all"}
	}
	ids := make([]string, 0, len(s.IDs))
	for id := range s.IDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
