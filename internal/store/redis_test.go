package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/atmx/prediction-engine/internal/model"
)

// unreachableRedis returns a client whose every command fails fast, so the
// cache degrades to the primary store.
func unreachableRedis(t *testing.T) *redis.Client {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	t.Cleanup(func() { rdb.Close() })
	return rdb
}

func TestCachedStore_FallsBackToPrimary(t *testing.T) {
	ms := NewMemoryStore()
	cs := NewCachedStore(ms, unreachableRedis(t), time.Minute)
	ctx := context.Background()

	err := cs.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateMarket(ctx, &model.Market{ID: "m1", YesPool: 500, NoPool: 500, Status: model.StatusPending}); err != nil {
			return err
		}
		return tx.InsertHistory(ctx, &model.HistorySnapshot{ID: "h1", MarketID: "m1", YesPool: 500, NoPool: 500, Probability: 0.5})
	})
	if err != nil {
		t.Fatalf("InTx should commit even when invalidation fails: %v", err)
	}

	m, err := cs.GetMarket(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMarket: %v", err)
	}
	if m.YesPool != 500 {
		t.Errorf("yes pool = %v, want 500", m.YesPool)
	}

	history, err := cs.GetMarketHistory(ctx, "m1")
	if err != nil || len(history) != 1 {
		t.Fatalf("GetMarketHistory = %v, %v", history, err)
	}

	if _, err := cs.GetMarket(ctx, "missing"); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("expected ErrMarketNotFound, got %v", err)
	}
}

func TestCachedStore_RollbackSkipsInvalidation(t *testing.T) {
	ms := NewMemoryStore()
	cs := NewCachedStore(ms, unreachableRedis(t), time.Minute)
	ctx := context.Background()
	boom := errors.New("boom")

	err := cs.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateMarket(ctx, &model.Market{ID: "m1"}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if _, err := cs.GetMarket(ctx, "m1"); !errors.Is(err, model.ErrMarketNotFound) {
		t.Errorf("rolled back market should not exist, got %v", err)
	}
}

func TestTouchingTx_RecordsMarkets(t *testing.T) {
	ms := NewMemoryStore()
	ctx := context.Background()

	var touched *touchingTx
	err := ms.InTx(ctx, func(tx Tx) error {
		touched = &touchingTx{Tx: tx, markets: make(map[string]struct{})}
		if err := touched.CreateMarket(ctx, &model.Market{ID: "a"}); err != nil {
			return err
		}
		if err := touched.CreateMarket(ctx, &model.Market{ID: "b"}); err != nil {
			return err
		}
		if err := touched.UpdateMarketPools(ctx, "a", 1, 2); err != nil {
			return err
		}
		return touched.UpdateMarketStatus(ctx, "b", model.StatusCancelled, "")
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(touched.markets) != 2 {
		t.Errorf("touched = %v, want a and b", touched.markets)
	}
}
