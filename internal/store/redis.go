package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/atmx/prediction-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for markets and their history. Writes go to the primary store; every
// market touched by a committed transaction is evicted afterwards. Reads check
// Redis first and fall back to the primary, with concurrent misses for the
// same key collapsed into one primary read.
//
// Transactions never read through the cache: locked reads always hit the
// primary. If invalidation fails after a commit, cached reads can serve the
// previous pools until the entry's TTL expires.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration
	group   singleflight.Group
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Transactions (write to primary, invalidate on commit) ---

func (s *CachedStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	var touched *touchingTx
	err := s.primary.InTx(ctx, func(tx Tx) error {
		touched = &touchingTx{Tx: tx, markets: make(map[string]struct{})}
		return fn(touched)
	})
	if err != nil {
		return err
	}

	keys := make([]string, 0, 2*len(touched.markets))
	for id := range touched.markets {
		keys = append(keys, marketKey(id), historyKey(id))
	}
	if len(keys) > 0 {
		if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
			slog.Warn("cache invalidation failed", "keys", keys, "err", err)
		}
	}
	return nil
}

// touchingTx records every market written through it.
type touchingTx struct {
	Tx
	mu      sync.Mutex
	markets map[string]struct{}
}

func (t *touchingTx) touch(id string) {
	t.mu.Lock()
	t.markets[id] = struct{}{}
	t.mu.Unlock()
}

func (t *touchingTx) CreateMarket(ctx context.Context, m *model.Market) error {
	t.touch(m.ID)
	return t.Tx.CreateMarket(ctx, m)
}

func (t *touchingTx) UpdateMarketPools(ctx context.Context, id string, yesPool, noPool float64) error {
	t.touch(id)
	return t.Tx.UpdateMarketPools(ctx, id, yesPool, noPool)
}

func (t *touchingTx) UpdateMarketStatus(ctx context.Context, id string, status model.MarketStatus, result model.Result) error {
	t.touch(id)
	return t.Tx.UpdateMarketStatus(ctx, id, status, result)
}

func (t *touchingTx) InsertHistory(ctx context.Context, h *model.HistorySnapshot) error {
	t.touch(h.MarketID)
	return t.Tx.InsertHistory(ctx, h)
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var m model.Market
	if s.getJSON(ctx, marketKey(id), &m) {
		return &m, nil
	}

	v, err, _ := s.group.Do(marketKey(id), func() (any, error) {
		m, err := s.primary.GetMarket(ctx, id)
		if err != nil {
			return nil, err
		}
		s.setJSON(ctx, marketKey(id), m)
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*model.Market)
	return &cp, nil
}

func (s *CachedStore) GetMarketHistory(ctx context.Context, marketID string) ([]model.HistorySnapshot, error) {
	var history []model.HistorySnapshot
	if s.getJSON(ctx, historyKey(marketID), &history) {
		return history, nil
	}

	v, err, _ := s.group.Do(historyKey(marketID), func() (any, error) {
		history, err := s.primary.GetMarketHistory(ctx, marketID)
		if err != nil {
			return nil, err
		}
		s.setJSON(ctx, historyKey(marketID), history)
		return history, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]model.HistorySnapshot(nil), v.([]model.HistorySnapshot)...), nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) ListPortfolioShares(ctx context.Context, portfolioID string, marketIDs []string) ([]model.Share, error) {
	return s.primary.ListPortfolioShares(ctx, portfolioID, marketIDs)
}

func (s *CachedStore) ListTransactions(ctx context.Context, portfolioID string) ([]model.Transaction, error) {
	return s.primary.ListTransactions(ctx, portfolioID)
}

func (s *CachedStore) GetBalance(ctx context.Context, portfolioID, currencyID string) (*model.Balance, error) {
	return s.primary.GetBalance(ctx, portfolioID, currencyID)
}

// --- Cache helpers ---

func (s *CachedStore) getJSON(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) setJSON(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func marketKey(id string) string  { return fmt.Sprintf("market:%s", id) }
func historyKey(id string) string { return fmt.Sprintf("market:%s:history", id) }
