package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc/pool"
	"golang.org/x/time/rate"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
	"github.com/InfiniteCode-Org/market-checker/internal/notifier"
	"github.com/InfiniteCode-Org/market-checker/internal/resolver"
	"github.com/InfiniteCode-Org/market-checker/internal/storage"
)

// PipelineOptions tune resolution execution.
type PipelineOptions struct {
	MaxConcurrent int     // concurrent resolution invocations across all markets
	ResolveRate   float64 // resolver submissions per second; 0 disables limiting
}

// Pipeline runs the sequence from "condition fired" to "market fully
// resolved or safely rolled back for retry". Invocations for different
// markets execute concurrently; the in-flight guard serialises per market.
type Pipeline struct {
	store    storage.MarketStore
	resolver resolver.Resolver
	notify   notifier.Notifier
	guard    *InFlight
	signers  *Allocator
	registry *Registry
	feedIdle func(feedKey string) // called when a market's feed bucket empties

	workers *pool.Pool
	limiter *rate.Limiter
	logger  zerolog.Logger
}

// NewPipeline wires a pipeline. notify and feedIdle may be nil.
func NewPipeline(
	store storage.MarketStore,
	res resolver.Resolver,
	notify notifier.Notifier,
	guard *InFlight,
	signers *Allocator,
	registry *Registry,
	feedIdle func(string),
	opts PipelineOptions,
	logger zerolog.Logger,
) *Pipeline {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 8
	}

	var limiter *rate.Limiter
	if opts.ResolveRate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.ResolveRate), 1)
	}

	return &Pipeline{
		store:    store,
		resolver: res,
		notify:   notify,
		guard:    guard,
		signers:  signers,
		registry: registry,
		feedIdle: feedIdle,
		workers:  pool.New().WithMaxGoroutines(opts.MaxConcurrent),
		limiter:  limiter,
		logger:   logger.With().Str("component", "pipeline").Logger(),
	}
}

// Dispatch schedules one resolution attempt on the bounded worker pool.
func (p *Pipeline) Dispatch(ctx context.Context, m model.Market, d Decision, sample *model.PriceSample) {
	p.workers.Go(func() {
		if err := p.Resolve(ctx, m, d, sample); err != nil {
			p.logger.Error().Err(err).Str("market_id", m.ID).Msg("resolution attempt failed")
		}
	})
}

// Wait blocks until all scheduled resolution attempts finish. Called once
// on shutdown; in-flight resolutions are allowed to complete.
func (p *Pipeline) Wait() {
	p.workers.Wait()
}

// Resolve runs one resolution attempt. The claim is taken first and always
// released exactly once; a failed claim means another path already owns the
// market and the attempt aborts silently.
func (p *Pipeline) Resolve(ctx context.Context, m model.Market, d Decision, sample *model.PriceSample) error {
	if !d.Fire {
		return nil
	}
	if !p.guard.TryClaim(m.ID) {
		return nil
	}
	defer p.guard.Release(m.ID)

	log := p.logger.With().
		Str("market_id", m.ID).
		Str("attempt_id", uuid.NewString()).
		Str("outcome", string(d.Outcome)).
		Str("trigger", string(d.Trigger)).
		Logger()

	// Record intent before touching the resolver: a crash mid-flight must
	// leave a durable, sweeper-visible trace of the chosen outcome.
	if err := p.store.MarkResolving(ctx, m.ID, d.Outcome); err != nil {
		if errors.Is(err, storage.ErrNotOpen) {
			log.Debug().Msg("market no longer open; skipping")
			return nil
		}
		return fmt.Errorf("mark resolving: %w", err)
	}

	slot := p.signers.Next()

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.reopen(ctx, m.ID, log)
			return fmt.Errorf("await resolve slot: %w", err)
		}
	}

	var proof []byte
	if sample != nil {
		proof = sample.Proof
	}

	// A resolution call, once issued, is not abandoned on shutdown; the
	// resolver bounds it with its own request timeout.
	confirmation, err := p.resolver.Resolve(context.WithoutCancel(ctx), resolver.Request{
		MarketID:   m.ID,
		Outcome:    d.Outcome,
		Proof:      proof,
		SignerSlot: slot,
	})
	if err != nil {
		if errors.Is(err, resolver.ErrAlreadySettled) {
			log.Warn().Msg("resolver reports market already settled; recording resolution without confirmation")
			return p.complete(ctx, m, d, sample, slot, "", log)
		}
		log.Error().Err(err).Int("signer_slot", slot).Msg("resolver call failed; reopening market for retry")
		p.reopen(ctx, m.ID, log)
		return fmt.Errorf("resolve market %s: %w", m.ID, err)
	}

	return p.complete(ctx, m, d, sample, slot, confirmation, log)
}

// complete persists the terminal state, removes the market from the watch
// set, and fires the best-effort downstream notification.
func (p *Pipeline) complete(ctx context.Context, m model.Market, d Decision, sample *model.PriceSample, slot int, confirmation string, log zerolog.Logger) error {
	ctx = context.WithoutCancel(ctx)

	if err := p.store.MarkResolved(ctx, m.ID, d.Outcome, confirmation); err != nil && !errors.Is(err, storage.ErrNotOpen) {
		// The external resolution succeeded; surface the persistence gap
		// loudly but do not reopen the market.
		log.Error().Err(err).Msg("failed to persist resolved state")
		return fmt.Errorf("mark resolved: %w", err)
	}

	res := model.Resolution{
		MarketID:   m.ID,
		Outcome:    d.Outcome,
		Trigger:    string(d.Trigger),
		SignerSlot: slot,
		ResolvedAt: time.Now().UTC(),
	}
	var price *decimal.Decimal
	if sample != nil && d.Trigger == TriggerPrice {
		value := sample.Price()
		price = &value
		res.Price = &value
	}
	if confirmation != "" {
		res.ConfirmationRef = &confirmation
	}
	if _, err := p.store.InsertResolution(ctx, res); err != nil {
		log.Error().Err(err).Msg("failed to record resolution history")
	}

	if m.FeedKey != "" && p.registry != nil {
		if emptied := p.registry.Remove(m.FeedKey, m.ID); emptied && p.feedIdle != nil {
			p.feedIdle(m.FeedKey)
		}
	}

	if p.notify != nil {
		note := notifier.Notification{
			MarketID:        m.ID,
			Question:        m.Question,
			Outcome:         d.Outcome,
			Trigger:         string(d.Trigger),
			Price:           price,
			ConfirmationRef: confirmation,
			ResolvedAt:      res.ResolvedAt,
		}
		if err := p.notify.Notify(ctx, note); err != nil {
			log.Warn().Err(err).Msg("downstream notification failed")
		}
	}

	log.Info().Str("confirmation_ref", confirmation).Int("signer_slot", slot).Msg("market resolved")
	return nil
}

// reopen reverts a resolving market to open so the next sweep or matching
// sample retries it.
func (p *Pipeline) reopen(ctx context.Context, marketID string, log zerolog.Logger) {
	if err := p.store.MarkOpen(context.WithoutCancel(ctx), marketID); err != nil && !errors.Is(err, storage.ErrNotOpen) {
		log.Error().Err(err).Msg("failed to reopen market after resolver failure")
	}
}
