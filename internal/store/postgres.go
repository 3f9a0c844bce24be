package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgreSQL error codes that mean a concurrent transaction won.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Money is stored as NUMERIC for exact decimal precision; pools are
// DOUBLE PRECISION to match the AMM's float64 arithmetic.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// InTx runs fn in a READ COMMITTED transaction. Markets and balances are read
// with SELECT ... FOR UPDATE, so concurrent trades on one market queue behind
// the row lock instead of pricing against stale pools.
func (s *PostgresStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", mapPgError(err))
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	if err = fn(&pgTx{q: tx}); err != nil {
		return mapPgError(err)
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", mapPgError(err))
	}
	return nil
}

// mapPgError turns lock conflicts into model.ErrConflict.
func mapPgError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %s", model.ErrConflict, pgErr.Message)
		}
	}
	return err
}

// RunMigrations applies the embedded SQL files in lexicographic order and
// records each applied file in schema_migrations.
func (s *PostgresStore) RunMigrations(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var exists bool
		if err := s.pool.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)",
			entry.Name(),
		).Scan(&exists); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if exists {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("postgres: begin tx for %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx, string(data)); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: exec migration %s: %w", entry.Name(), err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO schema_migrations (filename) VALUES ($1)", entry.Name(),
		); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("postgres: record migration %s: %w", entry.Name(), err)
		}
		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("postgres: commit migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Read-only queries ---

const marketColumns = `id, type, status, result, title, description, decider_id,
	yes_pool, no_pool, currency_id, asset_id, target_price::TEXT, direction,
	end_date, created_at, updated_at`

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, s.pool, id, false)
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+marketColumns+` FROM prediction_markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

func (s *PostgresStore) GetMarketHistory(ctx context.Context, marketID string) ([]model.HistorySnapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, market_id, yes_pool, no_pool, probability, timestamp
		 FROM prediction_market_history WHERE market_id = $1 ORDER BY timestamp`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var history []model.HistorySnapshot
	for rows.Next() {
		var h model.HistorySnapshot
		if err := rows.Scan(&h.ID, &h.MarketID, &h.YesPool, &h.NoPool, &h.Probability, &h.Timestamp); err != nil {
			return nil, err
		}
		history = append(history, h)
	}
	return history, rows.Err()
}

func (s *PostgresStore) ListPortfolioShares(ctx context.Context, portfolioID string, marketIDs []string) ([]model.Share, error) {
	query := `SELECT ` + shareColumns + ` FROM prediction_market_shares WHERE portfolio_id = $1`
	args := []any{portfolioID}
	if len(marketIDs) > 0 {
		query += ` AND market_id = ANY($2)`
		args = append(args, marketIDs)
	}
	query += ` ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanShares(rows)
}

func (s *PostgresStore) ListTransactions(ctx context.Context, portfolioID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, portfolio_id, type, total_value::TEXT, units::TEXT,
		        price_per_unit::TEXT, fee::TEXT, share_id, currency_id, notes, executed_at
		 FROM transactions WHERE portfolio_id = $1 ORDER BY executed_at`, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []model.Transaction
	for rows.Next() {
		var t model.Transaction
		var total, units, price, fee string
		if err := rows.Scan(&t.ID, &t.PortfolioID, &t.Type, &total, &units,
			&price, &fee, &t.ShareID, &t.CurrencyID, &t.Notes, &t.ExecutedAt); err != nil {
			return nil, err
		}
		if t.TotalValue, err = decimal.NewFromString(total); err != nil {
			return nil, err
		}
		if t.Units, err = decimal.NewFromString(units); err != nil {
			return nil, err
		}
		if t.PricePerUnit, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		if t.Fee, err = decimal.NewFromString(fee); err != nil {
			return nil, err
		}
		txs = append(txs, t)
	}
	return txs, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, portfolioID, currencyID string) (*model.Balance, error) {
	return getBalance(ctx, s.pool, portfolioID, currencyID, false)
}

// --- Transaction ---

type pgTx struct {
	q querier
}

func (t *pgTx) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO prediction_markets (id, type, status, result, title, description, decider_id,
		     yes_pool, no_pool, currency_id, asset_id, target_price, direction,
		     end_date, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::NUMERIC, $13, $14, $15, $16)`,
		m.ID, m.Type, m.Status, m.Result, m.Title, m.Description, m.DeciderID,
		m.YesPool, m.NoPool, m.CurrencyID, m.AssetID, m.TargetPrice.String(), m.Direction,
		m.EndDate, m.CreatedAt, m.UpdatedAt,
	)
	return err
}

func (t *pgTx) GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error) {
	return getMarket(ctx, t.q, id, true)
}

func (t *pgTx) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool float64) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE prediction_markets SET yes_pool = $2, no_pool = $3, updated_at = $4 WHERE id = $1`,
		id, yesPool, noPool, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	return nil
}

func (t *pgTx) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, result model.Result) error {
	tag, err := t.q.Exec(ctx,
		`UPDATE prediction_markets SET status = $2, result = $3, updated_at = $4 WHERE id = $1`,
		id, status, result, time.Now().UTC())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	return nil
}

func (t *pgTx) InsertHistory(ctx context.Context, h *model.HistorySnapshot) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO prediction_market_history (id, market_id, yes_pool, no_pool, probability, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		h.ID, h.MarketID, h.YesPool, h.NoPool, h.Probability, h.Timestamp)
	return err
}

func (t *pgTx) PortfolioExists(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := t.q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM portfolios WHERE id = $1)`, id).Scan(&exists)
	return exists, err
}

func (t *pgTx) GetBalanceForUpdate(ctx context.Context, portfolioID, currencyID string) (*model.Balance, error) {
	return getBalance(ctx, t.q, portfolioID, currencyID, true)
}

func (t *pgTx) UpsertBalance(ctx context.Context, b *model.Balance) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO portfolio_balances (portfolio_id, currency_id, amount)
		 VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (portfolio_id, currency_id) DO UPDATE SET amount = EXCLUDED.amount`,
		b.PortfolioID, b.CurrencyID, b.Amount.String())
	return err
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr *model.Transaction) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO transactions (id, portfolio_id, type, total_value, units, price_per_unit,
		     fee, share_id, currency_id, notes, executed_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8, $9, $10, $11)`,
		tr.ID, tr.PortfolioID, tr.Type, tr.TotalValue.String(), tr.Units.String(),
		tr.PricePerUnit.String(), tr.Fee.String(), tr.ShareID, tr.CurrencyID, tr.Notes, tr.ExecutedAt)
	return err
}

const shareColumns = `id, portfolio_id, market_id, side, quantity::TEXT, currency_id, created_at`

func (t *pgTx) InsertShare(ctx context.Context, s *model.Share) error {
	_, err := t.q.Exec(ctx,
		`INSERT INTO prediction_market_shares (id, portfolio_id, market_id, side, quantity, currency_id, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		s.ID, s.PortfolioID, s.MarketID, s.Side, s.Quantity.String(), s.CurrencyID, s.CreatedAt)
	return err
}

func (t *pgTx) GetShare(ctx context.Context, id, portfolioID string) (*model.Share, error) {
	rows, err := t.q.Query(ctx,
		`SELECT `+shareColumns+` FROM prediction_market_shares
		 WHERE id = $1 AND portfolio_id = $2 FOR UPDATE`, id, portfolioID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shares, err := scanShares(rows)
	if err != nil {
		return nil, err
	}
	if len(shares) == 0 {
		return nil, fmt.Errorf("share %s: %w", id, model.ErrShareNotFound)
	}
	return &shares[0], nil
}

func (t *pgTx) DeleteShare(ctx context.Context, id string) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM prediction_market_shares WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("share %s: %w", id, model.ErrShareNotFound)
	}
	return nil
}

func (t *pgTx) ListMarketShares(ctx context.Context, marketID string, sides []model.Side, afterID string, limit int) ([]model.Share, error) {
	sideStrs := make([]string, len(sides))
	for i, s := range sides {
		sideStrs[i] = string(s)
	}
	var lim any = limit
	if limit <= 0 {
		lim = nil // LIMIT NULL returns every row
	}
	rows, err := t.q.Query(ctx,
		`SELECT `+shareColumns+` FROM prediction_market_shares
		 WHERE market_id = $1 AND side = ANY($2) AND id > $3
		 ORDER BY id LIMIT $4`,
		marketID, sideStrs, afterID, lim)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanShares(rows)
}

// --- Scan helpers ---

func getMarket(ctx context.Context, q querier, id string, lock bool) (*model.Market, error) {
	query := `SELECT ` + marketColumns + ` FROM prediction_markets WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}
	m, err := scanMarket(q.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get market %s: %w", id, err)
	}
	return m, nil
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var target string
	if err := row.Scan(&m.ID, &m.Type, &m.Status, &m.Result, &m.Title, &m.Description, &m.DeciderID,
		&m.YesPool, &m.NoPool, &m.CurrencyID, &m.AssetID, &target, &m.Direction,
		&m.EndDate, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	var err error
	if m.TargetPrice, err = decimal.NewFromString(target); err != nil {
		return nil, fmt.Errorf("market %s target price: %w", m.ID, err)
	}
	return &m, nil
}

func getBalance(ctx context.Context, q querier, portfolioID, currencyID string, lock bool) (*model.Balance, error) {
	query := `SELECT amount::TEXT FROM portfolio_balances WHERE portfolio_id = $1 AND currency_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}
	var amount string
	err := q.QueryRow(ctx, query, portfolioID, currencyID).Scan(&amount)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	b := &model.Balance{PortfolioID: portfolioID, CurrencyID: currencyID}
	if b.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, err
	}
	return b, nil
}

func scanShares(rows pgx.Rows) ([]model.Share, error) {
	var shares []model.Share
	for rows.Next() {
		var s model.Share
		var qty string
		if err := rows.Scan(&s.ID, &s.PortfolioID, &s.MarketID, &s.Side, &qty, &s.CurrencyID, &s.CreatedAt); err != nil {
			return nil, err
		}
		var err error
		if s.Quantity, err = decimal.NewFromString(qty); err != nil {
			return nil, err
		}
		shares = append(shares, s)
	}
	return shares, rows.Err()
}
