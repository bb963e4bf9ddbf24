package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"

	"github.com/InfiniteCode-Org/market-checker/internal/feed"
	"github.com/InfiniteCode-Org/market-checker/internal/model"
	"github.com/InfiniteCode-Org/market-checker/internal/scheduler"
	"github.com/InfiniteCode-Org/market-checker/internal/storage"
)

// Options tune the monitor service loops.
type Options struct {
	RefreshInterval time.Duration
	SweepInterval   time.Duration
}

// Service owns the watch registry, drives feed subscriptions from it,
// dispatches price samples through the evaluator, and runs the safety-net
// sweeper. The registry and in-flight guard are exclusively owned here; no
// external component mutates them.
type Service struct {
	opts     Options
	store    storage.MarketStore
	client   feed.Client
	registry *Registry
	pipeline *Pipeline
	subs     *SubscriptionManager
	sweeper  *Sweeper
	logger   zerolog.Logger

	feedDown atomic.Bool // set once the streaming path fails terminally
}

// NewService wires the monitor service.
func NewService(
	opts Options,
	store storage.MarketStore,
	client feed.Client,
	registry *Registry,
	pipeline *Pipeline,
	subs *SubscriptionManager,
	sweeper *Sweeper,
	logger zerolog.Logger,
) *Service {
	if opts.RefreshInterval <= 0 {
		opts.RefreshInterval = time.Minute
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = time.Minute
	}
	return &Service{
		opts:     opts,
		store:    store,
		client:   client,
		registry: registry,
		pipeline: pipeline,
		subs:     subs,
		sweeper:  sweeper,
		logger:   logger.With().Str("component", "monitor").Logger(),
	}
}

// Run blocks until ctx is cancelled. A terminal feed connection failure is
// fatal only for the streaming path: dispatch stops and subscriptions are
// torn down, while the registry refresh and the sweeper keep running so
// expired markets still resolve.
func (s *Service) Run(ctx context.Context) error {
	if err := s.refresh(ctx, time.Now().UTC()); err != nil {
		return fmt.Errorf("initial registry refresh: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	refreshTicker := scheduler.New(scheduler.Options{Interval: s.opts.RefreshInterval, Name: "registry_refresh"}, s.logger)
	sweepTicker := scheduler.New(scheduler.Options{Interval: s.opts.SweepInterval, Immediate: true, Name: "sweep"}, s.logger)

	errCh := make(chan error, 3)
	var wg conc.WaitGroup
	wg.Go(func() {
		errCh <- refreshTicker.Run(ctx, s.refresh)
	})
	wg.Go(func() {
		errCh <- sweepTicker.Run(ctx, s.sweeper.Sweep)
	})
	wg.Go(func() {
		errCh <- s.dispatchLoop(ctx)
	})

	var err error
	for remaining := 3; remaining > 0; remaining-- {
		err = <-errCh
		if err != nil && errors.Is(err, ErrConnectionFailed) {
			s.feedDown.Store(true)
			s.logger.Error().Err(err).Msg("feed connection failed terminally; streaming stopped, sweeper continues")
			if terr := s.subs.Teardown(); terr != nil {
				s.logger.Warn().Err(terr).Msg("feed teardown failed")
			}
			continue
		}
		break
	}
	cancel()
	wg.Wait()

	if terr := s.subs.Teardown(); terr != nil {
		s.logger.Warn().Err(terr).Msg("feed teardown failed")
	}
	s.pipeline.Wait()

	return err
}

// refresh rebuilds the watch registry from the store snapshot and brings
// the live subscription set in line with it.
func (s *Service) refresh(ctx context.Context, now time.Time) error {
	markets, err := s.store.ListOpenAutoResolveMarkets(ctx, now)
	if err != nil {
		return fmt.Errorf("list open markets: %w", err)
	}

	watchable := make([]model.Market, 0, len(markets))
	for _, m := range markets {
		if !m.Watchable() {
			// Bad row from the snapshot query; skip it, keep the batch.
			s.logger.Warn().Str("market_id", m.ID).Msg("skipping non-watchable market from refresh snapshot")
			continue
		}
		if m.Threshold.IsZero() && m.Operator == model.OpLessOrEqual {
			s.logger.Warn().Str("market_id", m.ID).Msg("skipping market with zero threshold and lte operator")
			continue
		}
		watchable = append(watchable, m)
	}

	s.registry.Refresh(watchable)
	s.logger.Debug().Int("markets", s.registry.Len()).Msg("watch registry refreshed")

	if s.feedDown.Load() {
		return nil
	}
	if err := s.subs.Sync(ctx, s.registry.FeedKeys()); err != nil {
		return fmt.Errorf("sync feed subscriptions: %w", err)
	}
	return nil
}

// dispatchLoop is the single consumer of the feed stream. Transport errors
// route through the subscription manager's backoff; ErrConnectionFailed is
// terminal for the streaming path.
func (s *Service) dispatchLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case sample := <-s.client.Updates():
			s.dispatch(ctx, sample)
		case err := <-s.client.Errs():
			s.logger.Warn().Err(err).Msg("feed transport error; reconnecting")
			if rerr := s.subs.Reconnect(ctx); rerr != nil {
				return fmt.Errorf("feed reconnect: %w", rerr)
			}
		}
	}
}

// dispatch evaluates one sample against every market watching its feed.
// Markets in a bucket are independent; each firing condition schedules its
// own pipeline invocation.
func (s *Service) dispatch(ctx context.Context, sample model.PriceSample) {
	markets := s.registry.MarketsFor(sample.FeedKey)
	if len(markets) == 0 {
		return
	}

	now := time.Now().UTC()
	for _, m := range markets {
		d := Evaluate(m, sample, now)
		if !d.Fire {
			continue
		}
		sampleCopy := sample
		s.pipeline.Dispatch(ctx, m, d, &sampleCopy)
	}
}
