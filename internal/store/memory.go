package store

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Transactions are serialized by a single mutex and run against a staged
// copy of the state that replaces the live state only on commit.
type MemoryStore struct {
	mu    sync.RWMutex
	state *memState
}

type balanceKey struct {
	portfolioID string
	currencyID  string
}

type memState struct {
	markets      map[string]model.Market
	history      []model.HistorySnapshot
	portfolios   map[string]model.Portfolio
	shares       map[string]model.Share
	balances     map[balanceKey]decimal.Decimal
	transactions []model.Transaction
}

func (st *memState) clone() *memState {
	c := &memState{
		markets:      make(map[string]model.Market, len(st.markets)),
		history:      slices.Clone(st.history),
		portfolios:   make(map[string]model.Portfolio, len(st.portfolios)),
		shares:       make(map[string]model.Share, len(st.shares)),
		balances:     make(map[balanceKey]decimal.Decimal, len(st.balances)),
		transactions: slices.Clone(st.transactions),
	}
	for k, v := range st.markets {
		c.markets[k] = v
	}
	for k, v := range st.portfolios {
		c.portfolios[k] = v
	}
	for k, v := range st.shares {
		c.shares[k] = v
	}
	for k, v := range st.balances {
		c.balances[k] = v
	}
	return c
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		state: &memState{
			markets:    make(map[string]model.Market),
			portfolios: make(map[string]model.Portfolio),
			shares:     make(map[string]model.Share),
			balances:   make(map[balanceKey]decimal.Decimal),
		},
	}
}

// AddPortfolio registers a portfolio. Portfolios are provisioned outside the
// engine; this is the seeding hook for tests and development.
func (s *MemoryStore) AddPortfolio(p model.Portfolio) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.portfolios[p.ID] = p
}

// SetBalance overwrites a balance row.
func (s *MemoryStore) SetBalance(portfolioID, currencyID string, amount decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state.balances[balanceKey{portfolioID, currencyID}] = amount
}

// ListMarketShares returns every share of a market regardless of owner.
func (s *MemoryStore) ListMarketShares(marketID string) []model.Share {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Share
	for _, sh := range s.state.shares {
		if sh.MarketID == marketID {
			result = append(result, sh)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := s.state.clone()
	if err := fn(&memTx{st: staged}); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.state = staged
	return nil
}

func (s *MemoryStore) GetMarket(_ context.Context, id string) (*model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.state.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	return &m, nil
}

func (s *MemoryStore) ListMarkets(_ context.Context) ([]model.Market, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	markets := make([]model.Market, 0, len(s.state.markets))
	for _, m := range s.state.markets {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		return markets[i].CreatedAt.After(markets[j].CreatedAt)
	})
	return markets, nil
}

func (s *MemoryStore) GetMarketHistory(_ context.Context, marketID string) ([]model.HistorySnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.HistorySnapshot
	for _, h := range s.state.history {
		if h.MarketID == marketID {
			result = append(result, h)
		}
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) ListPortfolioShares(_ context.Context, portfolioID string, marketIDs []string) ([]model.Share, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Share
	for _, sh := range s.state.shares {
		if sh.PortfolioID != portfolioID {
			continue
		}
		if len(marketIDs) > 0 && !slices.Contains(marketIDs, sh.MarketID) {
			continue
		}
		result = append(result, sh)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemoryStore) ListTransactions(_ context.Context, portfolioID string) ([]model.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.Transaction
	for _, t := range s.state.transactions {
		if t.PortfolioID == portfolioID {
			result = append(result, t)
		}
	}
	return result, nil
}

func (s *MemoryStore) GetBalance(_ context.Context, portfolioID, currencyID string) (*model.Balance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	amount, ok := s.state.balances[balanceKey{portfolioID, currencyID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &model.Balance{PortfolioID: portfolioID, CurrencyID: currencyID, Amount: amount}, nil
}

// memTx operates on a staged copy owned by the running InTx call; the store
// mutex is already held.
type memTx struct {
	st *memState
}

func (t *memTx) CreateMarket(_ context.Context, m *model.Market) error {
	if _, ok := t.st.markets[m.ID]; ok {
		return fmt.Errorf("market %s already exists", m.ID)
	}
	t.st.markets[m.ID] = *m
	return nil
}

func (t *memTx) GetMarketForUpdate(_ context.Context, id string) (*model.Market, error) {
	m, ok := t.st.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	return &m, nil
}

func (t *memTx) UpdateMarketPools(_ context.Context, id string, yesPool, noPool float64) error {
	m, ok := t.st.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	m.YesPool = yesPool
	m.NoPool = noPool
	t.st.markets[id] = m
	return nil
}

func (t *memTx) UpdateMarketStatus(_ context.Context, id string, status model.MarketStatus, result model.Result) error {
	m, ok := t.st.markets[id]
	if !ok {
		return fmt.Errorf("market %s: %w", id, model.ErrMarketNotFound)
	}
	m.Status = status
	m.Result = result
	t.st.markets[id] = m
	return nil
}

func (t *memTx) InsertHistory(_ context.Context, h *model.HistorySnapshot) error {
	t.st.history = append(t.st.history, *h)
	return nil
}

func (t *memTx) PortfolioExists(_ context.Context, id string) (bool, error) {
	_, ok := t.st.portfolios[id]
	return ok, nil
}

func (t *memTx) GetBalanceForUpdate(_ context.Context, portfolioID, currencyID string) (*model.Balance, error) {
	amount, ok := t.st.balances[balanceKey{portfolioID, currencyID}]
	if !ok {
		return nil, ErrNotFound
	}
	return &model.Balance{PortfolioID: portfolioID, CurrencyID: currencyID, Amount: amount}, nil
}

func (t *memTx) UpsertBalance(_ context.Context, b *model.Balance) error {
	t.st.balances[balanceKey{b.PortfolioID, b.CurrencyID}] = b.Amount
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tr *model.Transaction) error {
	t.st.transactions = append(t.st.transactions, *tr)
	return nil
}

func (t *memTx) InsertShare(_ context.Context, s *model.Share) error {
	if _, ok := t.st.shares[s.ID]; ok {
		return fmt.Errorf("share %s already exists", s.ID)
	}
	t.st.shares[s.ID] = *s
	return nil
}

func (t *memTx) GetShare(_ context.Context, id, portfolioID string) (*model.Share, error) {
	s, ok := t.st.shares[id]
	if !ok || s.PortfolioID != portfolioID {
		return nil, fmt.Errorf("share %s: %w", id, model.ErrShareNotFound)
	}
	return &s, nil
}

func (t *memTx) DeleteShare(_ context.Context, id string) error {
	if _, ok := t.st.shares[id]; !ok {
		return fmt.Errorf("share %s: %w", id, model.ErrShareNotFound)
	}
	delete(t.st.shares, id)
	return nil
}

func (t *memTx) ListMarketShares(_ context.Context, marketID string, sides []model.Side, afterID string, limit int) ([]model.Share, error) {
	var result []model.Share
	for _, s := range t.st.shares {
		if s.MarketID != marketID || !slices.Contains(sides, s.Side) {
			continue
		}
		if afterID != "" && s.ID <= afterID {
			continue
		}
		result = append(result, s)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
