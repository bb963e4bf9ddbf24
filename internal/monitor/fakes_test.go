package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
	"github.com/InfiniteCode-Org/market-checker/internal/notifier"
	"github.com/InfiniteCode-Org/market-checker/internal/resolver"
	"github.com/InfiniteCode-Org/market-checker/internal/storage"
)

// fakeStore is an in-memory storage.MarketStore honoring the same state
// transition rules as the real repository.
type fakeStore struct {
	mu               sync.Mutex
	markets          map[string]model.Market
	resolutions      []model.Resolution
	markResolvingErr error
	markResolvedErr  error
	listExpiredErr   error
	lastSweepLimit   int
}

func newFakeStore(markets ...model.Market) *fakeStore {
	s := &fakeStore{markets: make(map[string]model.Market)}
	for _, m := range markets {
		s.markets[m.ID] = m
	}
	return s
}

func (s *fakeStore) ListOpenAutoResolveMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.Market
	for _, m := range s.markets {
		if m.State == model.StateOpen && m.AutoResolve && m.FeedKey != "" && !m.Expired(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) ListExpiredOpenMarkets(ctx context.Context, now time.Time, limit int) ([]model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSweepLimit = limit
	if s.listExpiredErr != nil {
		return nil, s.listExpiredErr
	}
	var out []model.Market
	for _, m := range s.markets {
		if len(out) >= limit {
			break
		}
		if m.State == model.StateOpen && m.AutoResolve && m.Expired(now) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *fakeStore) GetMarket(ctx context.Context, id string) (model.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return model.Market{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *fakeStore) MarkResolving(ctx context.Context, id string, outcome model.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markResolvingErr != nil {
		return s.markResolvingErr
	}
	m, ok := s.markets[id]
	if !ok || m.State != model.StateOpen {
		return storage.ErrNotOpen
	}
	m.State = model.StateResolving
	s.markets[id] = m
	return nil
}

func (s *fakeStore) MarkResolved(ctx context.Context, id string, outcome model.Outcome, confirmationRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markResolvedErr != nil {
		return s.markResolvedErr
	}
	m, ok := s.markets[id]
	if !ok || m.State == model.StateResolved {
		return storage.ErrNotOpen
	}
	m.State = model.StateResolved
	s.markets[id] = m
	return nil
}

func (s *fakeStore) RecoverStaleResolving(ctx context.Context, now, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var recovered int64
	for id, m := range s.markets {
		if m.State == model.StateResolving && m.Expired(now) && m.UpdatedAt.Before(cutoff) {
			m.State = model.StateOpen
			m.UpdatedAt = now
			s.markets[id] = m
			recovered++
		}
	}
	return recovered, nil
}

func (s *fakeStore) MarkOpen(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok || m.State != model.StateResolving {
		return storage.ErrNotOpen
	}
	m.State = model.StateOpen
	s.markets[id] = m
	return nil
}

func (s *fakeStore) InsertResolution(ctx context.Context, res model.Resolution) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resolutions = append(s.resolutions, res)
	return int64(len(s.resolutions)), nil
}

func (s *fakeStore) stateOf(id string) model.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markets[id].State
}

func (s *fakeStore) recorded() []model.Resolution {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Resolution, len(s.resolutions))
	copy(out, s.resolutions)
	return out
}

var _ storage.MarketStore = (*fakeStore)(nil)

// fakeResolver records resolve calls and can fail or stall on demand.
type fakeResolver struct {
	mu    sync.Mutex
	calls []resolver.Request
	err   error
	delay time.Duration
	ref   string
}

func (r *fakeResolver) Resolve(ctx context.Context, req resolver.Request) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	err := r.err
	delay := r.delay
	ref := r.ref
	r.mu.Unlock()

	if delay > 0 {
		time.Sleep(delay)
	}
	if err != nil {
		return "", err
	}
	if ref == "" {
		ref = "0xconfirmed"
	}
	return ref, nil
}

func (r *fakeResolver) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

var _ resolver.Resolver = (*fakeResolver)(nil)

// fakeNotifier records notifications.
type fakeNotifier struct {
	mu    sync.Mutex
	notes []notifier.Notification
	err   error
}

func (n *fakeNotifier) Notify(ctx context.Context, note notifier.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return n.err
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

var _ notifier.Notifier = (*fakeNotifier)(nil)

// fakeFeedClient records subscription traffic; Connect consumes scripted
// results so reconnect behaviour can be driven deterministically.
type fakeFeedClient struct {
	mu           sync.Mutex
	connectErrs  []error
	connects     int
	subscribes   [][]string
	unsubscribes []string
	closes       int
	updates      chan model.PriceSample
	errs         chan error
}

func newFakeFeedClient() *fakeFeedClient {
	return &fakeFeedClient{
		updates: make(chan model.PriceSample, 16),
		errs:    make(chan error, 1),
	}
}

func (c *fakeFeedClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if len(c.connectErrs) > 0 {
		err := c.connectErrs[0]
		c.connectErrs = c.connectErrs[1:]
		return err
	}
	return nil
}

func (c *fakeFeedClient) Subscribe(ctx context.Context, feedKeys []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, len(feedKeys))
	copy(keys, feedKeys)
	c.subscribes = append(c.subscribes, keys)
	return nil
}

func (c *fakeFeedClient) Unsubscribe(ctx context.Context, feedKey string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unsubscribes = append(c.unsubscribes, feedKey)
	return nil
}

func (c *fakeFeedClient) Updates() <-chan model.PriceSample { return c.updates }
func (c *fakeFeedClient) Errs() <-chan error                { return c.errs }

func (c *fakeFeedClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func (c *fakeFeedClient) connectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *fakeFeedClient) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeFeedClient) lastSubscribe() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subscribes) == 0 {
		return nil
	}
	return c.subscribes[len(c.subscribes)-1]
}
