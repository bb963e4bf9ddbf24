package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/InfiniteCode-Org/market-checker/internal/model"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound indicates the requested market does not exist.
	ErrNotFound = errors.New("storage: market not found")
	// ErrNotOpen indicates a state transition was rejected because the
	// market is no longer open. Callers treat this as an idempotent skip,
	// not a failure.
	ErrNotOpen = errors.New("storage: market is not open")
)

const (
	listOpenAutoResolveSQL = `SELECT
        id, question, feed_key, threshold, operator, expires_at, auto_resolve, state, created_at, updated_at
    FROM markets
    WHERE state = 'open'
      AND auto_resolve
      AND feed_key IS NOT NULL
      AND expires_at > $1
    ORDER BY expires_at;`

	listExpiredOpenSQL = `SELECT
        id, question, feed_key, threshold, operator, expires_at, auto_resolve, state, created_at, updated_at
    FROM markets
    WHERE state = 'open'
      AND auto_resolve
      AND expires_at <= $1
    ORDER BY expires_at
    LIMIT $2;`

	getMarketSQL = `SELECT
        id, question, feed_key, threshold, operator, expires_at, auto_resolve, state, created_at, updated_at
    FROM markets
    WHERE id = $1;`

	markResolvingSQL = `UPDATE markets
    SET state = 'resolving', pending_outcome = $2, updated_at = now()
    WHERE id = $1 AND state = 'open';`

	markResolvedSQL = `UPDATE markets
    SET state = 'resolved', pending_outcome = NULL, outcome = $2, confirmation_ref = $3, updated_at = now()
    WHERE id = $1 AND state IN ('open', 'resolving');`

	markOpenSQL = `UPDATE markets
    SET state = 'open', pending_outcome = NULL, updated_at = now()
    WHERE id = $1 AND state = 'resolving';`

	recoverStaleResolvingSQL = `UPDATE markets
    SET state = 'open', pending_outcome = NULL, updated_at = now()
    WHERE state = 'resolving'
      AND expires_at <= $1
      AND updated_at < $2;`

	insertResolutionSQL = `INSERT INTO resolutions (
        market_id, outcome, trigger, price, confirmation_ref, signer_slot, resolved_at
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    )
    RETURNING id;`

	listRecentResolutionsSQL = `SELECT
        id, market_id, outcome, trigger, price, confirmation_ref, signer_slot, resolved_at
    FROM resolutions
    ORDER BY resolved_at DESC
    LIMIT $1;`

	listResolutionsBetweenSQL = `SELECT
        id, market_id, outcome, trigger, price, confirmation_ref, signer_slot, resolved_at
    FROM resolutions
    WHERE resolved_at >= $1
      AND resolved_at < $2
    ORDER BY resolved_at;`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// MarketStore defines the persistence contract the monitor requires.
type MarketStore interface {
	ListOpenAutoResolveMarkets(ctx context.Context, now time.Time) ([]model.Market, error)
	ListExpiredOpenMarkets(ctx context.Context, now time.Time, limit int) ([]model.Market, error)
	GetMarket(ctx context.Context, id string) (model.Market, error)
	MarkResolving(ctx context.Context, id string, outcome model.Outcome) error
	MarkResolved(ctx context.Context, id string, outcome model.Outcome, confirmationRef string) error
	MarkOpen(ctx context.Context, id string) error
	RecoverStaleResolving(ctx context.Context, now, cutoff time.Time) (int64, error)
	InsertResolution(ctx context.Context, res model.Resolution) (int64, error)
}

// ResolutionStore exposes resolution history for the show/export commands.
type ResolutionStore interface {
	ListRecentResolutions(ctx context.Context, limit int) ([]model.Resolution, error)
	ListResolutionsBetween(ctx context.Context, from, to time.Time) ([]model.Resolution, error)
}

// AdvisoryLocker exposes advisory lock helpers used to keep concurrent
// checker instances from sweeping the same database.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to markets and resolution history.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// ListOpenAutoResolveMarkets returns open, auto-resolvable, not-yet-expired
// markets for the watch registry refresh.
func (s *Store) ListOpenAutoResolveMarkets(ctx context.Context, now time.Time) ([]model.Market, error) {
	return s.listMarkets(ctx, listOpenAutoResolveSQL, now)
}

// ListExpiredOpenMarkets returns open markets past expiry, bounded to limit,
// for the sweeper.
func (s *Store) ListExpiredOpenMarkets(ctx context.Context, now time.Time, limit int) ([]model.Market, error) {
	return s.listMarkets(ctx, listExpiredOpenSQL, now, limit)
}

func (s *Store) listMarkets(ctx context.Context, query string, args ...any) ([]model.Market, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list markets: %w", queryErr)
	}
	defer rows.Close()

	markets := make([]model.Market, 0)
	for rows.Next() {
		m, scanErr := scanMarket(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		markets = append(markets, m)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return markets, nil
}

// GetMarket fetches one market by ID.
func (s *Store) GetMarket(ctx context.Context, id string) (model.Market, error) {
	pool, err := s.getPool()
	if err != nil {
		return model.Market{}, err
	}

	rows, queryErr := pool.Query(ctx, getMarketSQL, id)
	if queryErr != nil {
		return model.Market{}, fmt.Errorf("get market: %w", queryErr)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return model.Market{}, rows.Err()
		}
		return model.Market{}, ErrNotFound
	}
	return scanMarket(rows)
}

// MarkResolving records the tentative outcome and moves the market to
// resolving. Returns ErrNotOpen when the market has already left the open
// state, making a duplicate pick-up an observable no-op.
func (s *Store) MarkResolving(ctx context.Context, id string, outcome model.Outcome) error {
	return s.transition(ctx, markResolvingSQL, "mark resolving", id, string(outcome))
}

// MarkResolved finalises the market. An empty confirmationRef is stored as
// NULL (semantic-duplicate resolutions have no confirmation).
func (s *Store) MarkResolved(ctx context.Context, id string, outcome model.Outcome, confirmationRef string) error {
	var ref any
	if confirmationRef != "" {
		ref = confirmationRef
	}
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, markResolvedSQL, id, string(outcome), ref)
	if execErr != nil {
		return fmt.Errorf("mark resolved: %w", execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// MarkOpen reverts a resolving market to open so it can be retried.
func (s *Store) MarkOpen(ctx context.Context, id string) error {
	return s.transition(ctx, markOpenSQL, "mark open", id)
}

// RecoverStaleResolving reverts expired markets stuck in resolving since
// before cutoff back to open. A crash between MarkResolving and MarkResolved
// would otherwise strand the row where no sweep query sees it. The cutoff
// keeps live attempts from other instances out of reach.
func (s *Store) RecoverStaleResolving(ctx context.Context, now, cutoff time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, execErr := pool.Exec(ctx, recoverStaleResolvingSQL, now, cutoff)
	if execErr != nil {
		return 0, fmt.Errorf("recover stale resolving: %w", execErr)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) transition(ctx context.Context, query, label, id string, args ...any) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	tag, execErr := pool.Exec(ctx, query, append([]any{id}, args...)...)
	if execErr != nil {
		return fmt.Errorf("%s: %w", label, execErr)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotOpen
	}
	return nil
}

// InsertResolution appends one resolution to the history table.
func (s *Store) InsertResolution(ctx context.Context, res model.Resolution) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}

	var price any
	if res.Price != nil {
		price = res.Price.String()
	}
	var ref any
	if res.ConfirmationRef != nil {
		ref = *res.ConfirmationRef
	}
	resolvedAt := res.ResolvedAt
	if resolvedAt.IsZero() {
		resolvedAt = time.Now().UTC()
	}

	var id int64
	if scanErr := pool.QueryRow(ctx, insertResolutionSQL,
		res.MarketID,
		string(res.Outcome),
		res.Trigger,
		price,
		ref,
		res.SignerSlot,
		resolvedAt,
	).Scan(&id); scanErr != nil {
		return 0, fmt.Errorf("insert resolution: %w", scanErr)
	}
	return id, nil
}

// ListRecentResolutions lists the most recent resolutions.
func (s *Store) ListRecentResolutions(ctx context.Context, limit int) ([]model.Resolution, error) {
	return s.listResolutions(ctx, listRecentResolutionsSQL, limit)
}

// ListResolutionsBetween lists resolutions within a time window.
func (s *Store) ListResolutionsBetween(ctx context.Context, from, to time.Time) ([]model.Resolution, error) {
	return s.listResolutions(ctx, listResolutionsBetweenSQL, from, to)
}

func (s *Store) listResolutions(ctx context.Context, query string, args ...any) ([]model.Resolution, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, queryErr := pool.Query(ctx, query, args...)
	if queryErr != nil {
		return nil, fmt.Errorf("list resolutions: %w", queryErr)
	}
	defer rows.Close()

	resolutions := make([]model.Resolution, 0)
	for rows.Next() {
		res, scanErr := scanResolution(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		resolutions = append(resolutions, res)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return resolutions, nil
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			// unlock best effort; log omitted in storage package
		}
		conn.Release()
	}
	return unlock, true, nil
}

func scanMarket(rows pgx.Rows) (model.Market, error) {
	var (
		id           string
		question     string
		feedKey      sql.NullString
		thresholdStr string
		operator     string
		expiresAt    time.Time
		autoResolve  bool
		state        string
		createdAt    time.Time
		updatedAt    time.Time
	)

	if err := rows.Scan(
		&id,
		&question,
		&feedKey,
		&thresholdStr,
		&operator,
		&expiresAt,
		&autoResolve,
		&state,
		&createdAt,
		&updatedAt,
	); err != nil {
		return model.Market{}, err
	}

	threshold, err := decimal.NewFromString(thresholdStr)
	if err != nil {
		return model.Market{}, fmt.Errorf("parse threshold for market %s: %w", id, err)
	}

	m := model.Market{
		ID:          id,
		Question:    question,
		Threshold:   threshold,
		Operator:    model.Operator(operator),
		ExpiresAt:   expiresAt,
		AutoResolve: autoResolve,
		State:       model.State(state),
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
	}
	if feedKey.Valid {
		m.FeedKey = feedKey.String
	}
	return m, nil
}

func scanResolution(rows pgx.Rows) (model.Resolution, error) {
	var (
		res      model.Resolution
		outcome  string
		priceStr sql.NullString
		ref      sql.NullString
	)

	if err := rows.Scan(
		&res.ID,
		&res.MarketID,
		&outcome,
		&res.Trigger,
		&priceStr,
		&ref,
		&res.SignerSlot,
		&res.ResolvedAt,
	); err != nil {
		return model.Resolution{}, err
	}

	res.Outcome = model.Outcome(outcome)
	if priceStr.Valid {
		price, err := decimal.NewFromString(priceStr.String)
		if err != nil {
			return model.Resolution{}, fmt.Errorf("parse resolution price: %w", err)
		}
		res.Price = &price
	}
	if ref.Valid {
		value := ref.String
		res.ConfirmationRef = &value
	}
	return res, nil
}

var (
	_ MarketStore     = (*Store)(nil)
	_ ResolutionStore = (*Store)(nil)
	_ AdvisoryLocker  = (*Store)(nil)
)
