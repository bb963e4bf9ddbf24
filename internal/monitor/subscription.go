package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/rs/zerolog"

	"github.com/InfiniteCode-Org/market-checker/internal/feed"
)

// ErrConnectionFailed is the terminal signal raised once the reconnect
// attempt budget is exhausted. The streaming path treats it as fatal; the
// sweeper continues independently.
var ErrConnectionFailed = errors.New("monitor: feed connection failed")

// reconnectSchedule is the backoff state machine behind reconnect attempts:
// idle until the first failure, then a doubling delay per attempt up to the
// ceiling, with a hard cap on attempt count. A successful reconnect resets
// the schedule.
type reconnectSchedule struct {
	policy      *backoff.ExponentialBackOff
	maxDelay    time.Duration
	maxAttempts int
	attempts    int
}

func newReconnectSchedule(base, maxDelay time.Duration, maxAttempts int) *reconnectSchedule {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = base
	policy.Multiplier = 2
	policy.RandomizationFactor = 0
	policy.MaxInterval = maxDelay
	policy.Reset()
	return &reconnectSchedule{policy: policy, maxDelay: maxDelay, maxAttempts: maxAttempts}
}

// next returns the delay before the upcoming attempt, or false once the
// attempt budget is spent.
func (s *reconnectSchedule) next() (time.Duration, bool) {
	if s.attempts >= s.maxAttempts {
		return 0, false
	}
	s.attempts++
	delay := s.policy.NextBackOff()
	if delay == backoff.Stop || delay > s.maxDelay {
		delay = s.maxDelay
	}
	return delay, true
}

// reset clears the failure streak after a successful connect.
func (s *reconnectSchedule) reset() {
	s.attempts = 0
	s.policy.Reset()
}

// SubscriptionOptions tune the subscription manager.
type SubscriptionOptions struct {
	ReconnectBase        time.Duration
	ReconnectMaxDelay    time.Duration
	ReconnectMaxAttempts int
}

// SubscriptionManager keeps the feed client's live subscription set equal
// to the watch registry's required feed-key set and owns reconnect policy.
type SubscriptionManager struct {
	client   feed.Client
	schedule *reconnectSchedule
	logger   zerolog.Logger

	mu         sync.Mutex
	connected  bool
	subscribed map[string]struct{}
}

// NewSubscriptionManager constructs a manager over the given client.
func NewSubscriptionManager(client feed.Client, opts SubscriptionOptions, logger zerolog.Logger) *SubscriptionManager {
	if opts.ReconnectBase <= 0 {
		opts.ReconnectBase = time.Second
	}
	if opts.ReconnectMaxDelay <= 0 {
		opts.ReconnectMaxDelay = time.Minute
	}
	if opts.ReconnectMaxAttempts <= 0 {
		opts.ReconnectMaxAttempts = 10
	}
	return &SubscriptionManager{
		client:     client,
		schedule:   newReconnectSchedule(opts.ReconnectBase, opts.ReconnectMaxDelay, opts.ReconnectMaxAttempts),
		logger:     logger.With().Str("component", "subscriptions").Logger(),
		subscribed: make(map[string]struct{}),
	}
}

// Sync makes the live subscription set equal to required. An empty set
// tears the connection down entirely rather than holding an idle stream.
// A non-empty set is sent as one union subscribe call.
func (m *SubscriptionManager) Sync(ctx context.Context, required []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(required) == 0 {
		return m.teardownLocked()
	}

	if !m.connected {
		if err := m.client.Connect(ctx); err != nil {
			return fmt.Errorf("connect feed: %w", err)
		}
		m.connected = true
		m.schedule.reset()
	}

	stale := make([]string, 0)
	requiredSet := make(map[string]struct{}, len(required))
	for _, key := range required {
		requiredSet[key] = struct{}{}
	}
	for key := range m.subscribed {
		if _, ok := requiredSet[key]; !ok {
			stale = append(stale, key)
		}
	}

	if err := m.client.Subscribe(ctx, required); err != nil {
		return fmt.Errorf("subscribe %d feed keys: %w", len(required), err)
	}
	for _, key := range stale {
		if err := m.client.Unsubscribe(ctx, key); err != nil {
			m.logger.Warn().Err(err).Str("feed_key", key).Msg("failed to drop stale subscription")
		}
	}

	m.subscribed = requiredSet
	m.logger.Debug().Int("feed_keys", len(required)).Int("dropped", len(stale)).Msg("subscription set synced")
	return nil
}

// Drop unsubscribes a single feed key after its last market resolved. When
// the resulting set is empty the connection is torn down.
func (m *SubscriptionManager) Drop(ctx context.Context, feedKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.subscribed[feedKey]; !ok {
		return nil
	}
	delete(m.subscribed, feedKey)

	if len(m.subscribed) == 0 {
		m.logger.Info().Str("feed_key", feedKey).Msg("last feed key removed; closing feed connection")
		return m.teardownLocked()
	}

	if err := m.client.Unsubscribe(ctx, feedKey); err != nil {
		return fmt.Errorf("unsubscribe %s: %w", feedKey, err)
	}
	return nil
}

// Reconnect re-establishes the connection with exponential backoff and
// restores the subscription set. It returns ErrConnectionFailed once the
// attempt budget is exhausted. The backoff timer is cancelable through ctx.
// Schedule state and the connect itself run under m.mu so a concurrent Sync
// from the refresh loop can neither race the counters nor dial in parallel;
// the lock is dropped while the backoff timer runs.
func (m *SubscriptionManager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	m.connected = false
	m.mu.Unlock()

	_ = m.client.Close()

	for {
		m.mu.Lock()
		delay, ok := m.schedule.next()
		attempt := m.schedule.attempts
		m.mu.Unlock()
		if !ok {
			return ErrConnectionFailed
		}

		m.logger.Info().Dur("delay", delay).Int("attempt", attempt).Msg("waiting before reconnect attempt")
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		m.mu.Lock()
		if m.connected {
			// Another path re-established the connection while we slept.
			m.mu.Unlock()
			return nil
		}
		if err := m.client.Connect(ctx); err != nil {
			m.mu.Unlock()
			m.logger.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
			continue
		}
		m.connected = true
		m.schedule.reset()

		keys := make([]string, 0, len(m.subscribed))
		for key := range m.subscribed {
			keys = append(keys, key)
		}
		if len(keys) > 0 {
			if err := m.client.Subscribe(ctx, keys); err != nil {
				m.connected = false
				m.mu.Unlock()
				m.logger.Warn().Err(err).Msg("resubscribe after reconnect failed")
				continue
			}
		}
		m.mu.Unlock()

		m.logger.Info().Int("feed_keys", len(keys)).Msg("feed reconnected")
		return nil
	}
}

// Teardown closes the connection and clears the subscription set.
func (m *SubscriptionManager) Teardown() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.teardownLocked()
}

func (m *SubscriptionManager) teardownLocked() error {
	m.subscribed = make(map[string]struct{})
	if !m.connected {
		return nil
	}
	m.connected = false
	if err := m.client.Close(); err != nil {
		return fmt.Errorf("close feed client: %w", err)
	}
	return nil
}

// Subscribed reports the current local view of the subscription set.
func (m *SubscriptionManager) Subscribed() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	keys := make([]string, 0, len(m.subscribed))
	for key := range m.subscribed {
		keys = append(keys, key)
	}
	return keys
}
