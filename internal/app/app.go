package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/InfiniteCode-Org/market-checker/internal/config"
	"github.com/InfiniteCode-Org/market-checker/internal/feed"
	"github.com/InfiniteCode-Org/market-checker/internal/monitor"
	"github.com/InfiniteCode-Org/market-checker/internal/notifier"
	"github.com/InfiniteCode-Org/market-checker/internal/resolver"
	"github.com/InfiniteCode-Org/market-checker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) newResolver() (*resolver.EthResolver, error) {
	return resolver.New(resolver.Options{
		RPCURL:          a.Config.Resolver.RPCURL,
		ContractAddress: a.Config.Resolver.ContractAddress,
		ChainID:         a.Config.Resolver.ChainID,
		SignerKeys:      a.Config.Resolver.SignerKeys,
		Timeout:         a.Config.Resolver.RequestTimeout,
		GasLimit:        a.Config.Resolver.GasLimit,
	}, a.Logger)
}

func (a *App) newNotifier() notifier.Notifier {
	if a.Config.Notify.Enabled && a.Config.Notify.Telegram.Enabled {
		cfg := a.Config.Notify.Telegram
		return notifier.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// buildPipeline assembles the shared resolution machinery used by both the
// run and sweep commands.
func (a *App) buildPipeline(store *storage.Store, registry *monitor.Registry, feedIdle func(string)) (*monitor.Pipeline, *monitor.Sweeper, error) {
	res, err := a.newResolver()
	if err != nil {
		return nil, nil, err
	}

	signers, err := monitor.NewAllocator(res.PoolSize())
	if err != nil {
		return nil, nil, err
	}

	guard := monitor.NewInFlight()
	pipeline := monitor.NewPipeline(store, res, a.newNotifier(), guard, signers, registry, feedIdle, monitor.PipelineOptions{
		MaxConcurrent: a.Config.Monitor.MaxConcurrentResolutions,
		ResolveRate:   a.Config.Monitor.ResolveRatePerSec,
	}, a.Logger)

	sweeper := monitor.NewSweeper(store, pipeline, store, monitor.SweeperOptions{
		BatchSize:             a.Config.Monitor.SweepBatchSize,
		AdvisoryLockKey:       a.Config.Monitor.AdvisoryLockKey,
		RecoverResolvingAfter: a.Config.Monitor.RecoverResolvingAfter,
	}, a.Logger)

	return pipeline, sweeper, nil
}

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateForRun(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot run monitor")
	}
	defer closeStore()

	client := feed.NewWSClient(feed.Options{
		URL:              a.Config.Feed.WSURL,
		HandshakeTimeout: a.Config.Feed.HandshakeTimeout,
		BufferSize:       a.Config.Feed.BufferSize,
	}, a.Logger)

	subs := monitor.NewSubscriptionManager(client, monitor.SubscriptionOptions{
		ReconnectBase:        a.Config.Feed.ReconnectBaseDelay,
		ReconnectMaxDelay:    a.Config.Feed.ReconnectMaxDelay,
		ReconnectMaxAttempts: a.Config.Feed.ReconnectMaxAttempts,
	}, a.Logger)

	registry := monitor.NewRegistry()
	feedIdle := func(feedKey string) {
		dropCtx, dropCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dropCancel()
		if err := subs.Drop(dropCtx, feedKey); err != nil {
			a.Logger.Warn().Err(err).Str("feed_key", feedKey).Msg("failed to drop idle feed subscription")
		}
	}

	pipeline, sweeper, err := a.buildPipeline(store, registry, feedIdle)
	if err != nil {
		return err
	}

	svc := monitor.NewService(monitor.Options{
		RefreshInterval: a.Config.Monitor.RefreshInterval,
		SweepInterval:   a.Config.Monitor.SweepInterval,
	}, store, client, registry, pipeline, subs, sweeper, a.Logger)

	a.Logger.Info().Msg("starting market monitor")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("monitor terminated with error")
		return err
	}

	a.Logger.Info().Msg("market monitor stopped")
	return nil
}

// Sweep runs a single safety-net pass and waits for the scheduled
// resolutions to finish.
func (a *App) Sweep(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := a.Config.ValidateForRun(); err != nil {
		return err
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot sweep")
	}
	defer closeStore()

	pipeline, sweeper, err := a.buildPipeline(store, monitor.NewRegistry(), nil)
	if err != nil {
		return err
	}

	if err := sweeper.Sweep(ctx, time.Now().UTC()); err != nil {
		return err
	}
	pipeline.Wait()
	return nil
}

// ExportOptions hold parameters for exporting resolution history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}
