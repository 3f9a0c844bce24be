// Package store defines the persistence interface for the prediction engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside InTx. A transaction either commits all of
// its writes or none of them, and two transactions that lock the same market
// never interleave.
package store

import (
	"context"
	"errors"

	"github.com/atmx/prediction-engine/internal/model"
)

// ErrNotFound is returned by lookups that have no model-specific error.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// InTx runs fn inside a single transaction. Any error returned by fn
	// discards every write fn made. Commit conflicts surface as
	// model.ErrConflict.
	InTx(ctx context.Context, fn func(tx Tx) error) error

	// --- Read-only queries ---

	// GetMarket retrieves a market by its ID.
	GetMarket(ctx context.Context, id string) (*model.Market, error)

	// ListMarkets returns all markets, newest first.
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// GetMarketHistory returns the snapshots of a market in time order.
	GetMarketHistory(ctx context.Context, marketID string) ([]model.HistorySnapshot, error)

	// ListPortfolioShares returns the shares held by a portfolio, restricted
	// to marketIDs when it is non-empty.
	ListPortfolioShares(ctx context.Context, portfolioID string, marketIDs []string) ([]model.Share, error)

	// ListTransactions returns the ledger entries of a portfolio in time order.
	ListTransactions(ctx context.Context, portfolioID string) ([]model.Transaction, error)

	// GetBalance returns a portfolio's balance in one currency.
	GetBalance(ctx context.Context, portfolioID, currencyID string) (*model.Balance, error)
}

// Tx is the set of reads and writes available inside InTx.
type Tx interface {
	// --- Markets ---

	// CreateMarket persists a new market.
	CreateMarket(ctx context.Context, m *model.Market) error

	// GetMarketForUpdate reads a market and locks it until the transaction
	// ends. Returns model.ErrMarketNotFound if absent.
	GetMarketForUpdate(ctx context.Context, id string) (*model.Market, error)

	// UpdateMarketPools stores new pool sizes.
	UpdateMarketPools(ctx context.Context, id string, yesPool, noPool float64) error

	// UpdateMarketStatus moves a market to status with result.
	UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, result model.Result) error

	// InsertHistory appends an immutable snapshot.
	InsertHistory(ctx context.Context, h *model.HistorySnapshot) error

	// --- Portfolios ---

	// PortfolioExists reports whether a portfolio with id exists.
	PortfolioExists(ctx context.Context, id string) (bool, error)

	// GetBalanceForUpdate reads and locks a balance row. Returns ErrNotFound
	// if the portfolio has never held the currency.
	GetBalanceForUpdate(ctx context.Context, portfolioID, currencyID string) (*model.Balance, error)

	// UpsertBalance writes a balance row, creating it if needed.
	UpsertBalance(ctx context.Context, b *model.Balance) error

	// InsertTransaction appends an immutable ledger entry.
	InsertTransaction(ctx context.Context, t *model.Transaction) error

	// --- Shares ---

	// InsertShare persists a new share lot.
	InsertShare(ctx context.Context, s *model.Share) error

	// GetShare reads a share owned by portfolioID. Returns
	// model.ErrShareNotFound if absent or owned by someone else.
	GetShare(ctx context.Context, id, portfolioID string) (*model.Share, error)

	// DeleteShare removes a share lot.
	DeleteShare(ctx context.Context, id string) error

	// ListMarketShares pages through the shares of a market on the given
	// sides, ordered by ID, starting after afterID. An empty afterID starts
	// from the beginning.
	ListMarketShares(ctx context.Context, marketID string, sides []model.Side, afterID string, limit int) ([]model.Share, error)
}

// Compile-time interface checks.
var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*PostgresStore)(nil)
	_ Store = (*CachedStore)(nil)
)
