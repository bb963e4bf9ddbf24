package monitor

import (
	"sync"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

// Registry maps feed keys to the markets currently watching them. It is
// owned by the monitor service; all access is serialised internally so the
// dispatch path and the periodic refresh can race safely.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]map[string]model.Market
}

// NewRegistry constructs an empty registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[string]map[string]model.Market)}
}

// Refresh replaces the entire registry content with a fresh snapshot.
// Markets that are not watchable are ignored; the snapshot query is the
// source of truth for eligibility, so the rebuild is total, not incremental.
func (r *Registry) Refresh(markets []model.Market) {
	buckets := make(map[string]map[string]model.Market)
	for _, m := range markets {
		if !m.Watchable() {
			continue
		}
		bucket, ok := buckets[m.FeedKey]
		if !ok {
			bucket = make(map[string]model.Market)
			buckets[m.FeedKey] = bucket
		}
		bucket[m.ID] = m
	}

	r.mu.Lock()
	r.buckets = buckets
	r.mu.Unlock()
}

// MarketsFor returns the markets watching the given feed key. An absent key
// yields an empty slice, not an error.
func (r *Registry) MarketsFor(feedKey string) []model.Market {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket := r.buckets[feedKey]
	if len(bucket) == 0 {
		return nil
	}
	markets := make([]model.Market, 0, len(bucket))
	for _, m := range bucket {
		markets = append(markets, m)
	}
	return markets
}

// Remove deletes one market from its feed bucket and reports whether the
// bucket became empty, in which case the feed key should be unsubscribed.
func (r *Registry) Remove(feedKey, marketID string) (emptied bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bucket, ok := r.buckets[feedKey]
	if !ok {
		return false
	}
	delete(bucket, marketID)
	if len(bucket) == 0 {
		delete(r.buckets, feedKey)
		return true
	}
	return false
}

// FeedKeys returns the set of feed keys with at least one watching market.
func (r *Registry) FeedKeys() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	keys := make([]string, 0, len(r.buckets))
	for key := range r.buckets {
		keys = append(keys, key)
	}
	return keys
}

// Len reports the total number of watched markets.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	total := 0
	for _, bucket := range r.buckets {
		total += len(bucket)
	}
	return total
}
