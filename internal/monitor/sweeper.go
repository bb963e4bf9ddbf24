package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/InfiniteCode-Org/market-checker/internal/storage"
)

// SweeperOptions tune the safety-net sweep.
type SweeperOptions struct {
	BatchSize             int
	AdvisoryLockKey       int64         // 0 disables cross-instance locking
	RecoverResolvingAfter time.Duration // 0 disables stale-resolving recovery
}

// Sweeper periodically resolves open markets whose expiry passed without
// the streaming path catching them. It runs independently of feed health
// and shares the in-flight guard with the dispatch path through the
// pipeline, which is what prevents the two paths from double-resolving.
type Sweeper struct {
	store    storage.MarketStore
	pipeline *Pipeline
	locker   storage.AdvisoryLocker
	opts     SweeperOptions
	logger   zerolog.Logger
}

// NewSweeper constructs a sweeper. locker may be nil.
func NewSweeper(store storage.MarketStore, pipeline *Pipeline, locker storage.AdvisoryLocker, opts SweeperOptions, logger zerolog.Logger) *Sweeper {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	return &Sweeper{
		store:    store,
		pipeline: pipeline,
		locker:   locker,
		opts:     opts,
		logger:   logger.With().Str("component", "sweeper").Logger(),
	}
}

// Sweep runs one pass: expired open markets, bounded to the batch size,
// each fed through the shared resolution pipeline with the expiry outcome.
// Markets already claimed by the streaming path fail their claim inside the
// pipeline and are skipped. Expired markets stranded in resolving by a
// crashed attempt are reverted to open first so the same pass picks them up.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) error {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return err
	}
	if !proceed {
		s.logger.Debug().Msg("skip sweep because advisory lock held elsewhere")
		return nil
	}
	if unlock != nil {
		defer unlock()
	}

	if s.opts.RecoverResolvingAfter > 0 {
		cutoff := now.Add(-s.opts.RecoverResolvingAfter)
		recovered, recErr := s.store.RecoverStaleResolving(ctx, now, cutoff)
		if recErr != nil {
			// Recovery is a repair step; the main sweep still runs.
			s.logger.Warn().Err(recErr).Msg("failed to recover stale resolving markets")
		} else if recovered > 0 {
			s.logger.Warn().Int64("markets", recovered).Msg("recovered expired markets stuck in resolving")
		}
	}

	markets, err := s.store.ListExpiredOpenMarkets(ctx, now, s.opts.BatchSize)
	if err != nil {
		return fmt.Errorf("list expired markets: %w", err)
	}
	if len(markets) == 0 {
		return nil
	}

	s.logger.Info().Int("markets", len(markets)).Msg("sweeping expired markets")
	for _, m := range markets {
		if !m.Expired(now) {
			// Store returned a non-expired row; skip it rather than
			// resolving early, and keep processing the rest of the batch.
			s.logger.Warn().Str("market_id", m.ID).Time("expires_at", m.ExpiresAt).Msg("skipping non-expired market from sweep query")
			continue
		}
		s.pipeline.Dispatch(ctx, m, ExpiryDecision(), nil)
	}
	return nil
}

func (s *Sweeper) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.AdvisoryLockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.AdvisoryLockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
