// Package trade coordinates market creation and trading: buying whole shares
// with a spend budget, selling share lots back to the pool, and previewing
// purchases. The HTTP handlers for these operations live in handlers.go.
//
// Every mutating operation runs inside a single store transaction with the
// market row locked, so concurrent trades on one market apply in some
// sequential order. All monetary values use shopspring/decimal; pools stay
// float64 and are converted at the AMM boundary.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/contract"
	"github.com/atmx/prediction-engine/internal/cpmm"
	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/store"
)

// Service handles market operations against a transactional store.
type Service struct {
	store store.Store
	hub   Broadcaster // optional; receives a snapshot after each commit
	now   func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, hub Broadcaster) *Service {
	return &Service{
		store: st,
		hub:   hub,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// BuyResult is the outcome of a committed purchase.
type BuyResult struct {
	ShareID     string          `json:"share_id"`
	WholeShares int64           `json:"whole_shares"`
	ExactSpend  decimal.Decimal `json:"exact_spend"`
}

// SellResult is the outcome of a committed sale.
type SellResult struct {
	Proceeds decimal.Decimal `json:"proceeds"`
}

// CreateMarket validates def and opens a pending market with an initial
// history snapshot at probability 0.5.
func (s *Service) CreateMarket(ctx context.Context, def contract.Definition) (*model.Market, error) {
	now := s.now()
	if err := def.Validate(now); err != nil {
		s.reject("create", err)
		return nil, err
	}

	m := def.Market(uuid.New().String(), now)
	var snap *model.HistorySnapshot
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.CreateMarket(ctx, m); err != nil {
			return fmt.Errorf("create market: %w", err)
		}
		var err error
		snap, err = ledger.RecordSnapshot(ctx, tx, m, now)
		return err
	})
	if err != nil {
		s.reject("create", err)
		return nil, err
	}

	metrics.MarketsCreated.WithLabelValues(string(m.Type)).Inc()
	slog.Info("market created",
		"id", m.ID,
		"type", m.Type,
		"title", m.Title,
		"currency", m.CurrencyID,
		"yes_pool", m.YesPool,
		"no_pool", m.NoPool,
	)
	s.publish(m, snap)
	return m, nil
}

// BuyShares spends at most spend of the market currency on whole shares of
// side. The portfolio is debited the exact cost of the whole shares, which
// may be less than spend.
func (s *Service) BuyShares(ctx context.Context, marketID, portfolioID string, spend decimal.Decimal, side model.Side) (*BuyResult, error) {
	start := time.Now()
	if !side.Valid() {
		s.reject("buy", model.ErrInvalidSide)
		return nil, fmt.Errorf("side %q: %w", side, model.ErrInvalidSide)
	}
	if !spend.IsPositive() || spend.InexactFloat64() > cpmm.MaxAmount {
		s.reject("buy", model.ErrInvalidAmount)
		return nil, fmt.Errorf("spend %s: %w", spend, model.ErrInvalidAmount)
	}

	var (
		result *BuyResult
		market *model.Market
		snap   *model.HistorySnapshot
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockOpenMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}

		ok, err := tx.PortfolioExists(ctx, portfolioID)
		if err != nil {
			return fmt.Errorf("check portfolio: %w", err)
		}
		if !ok {
			return fmt.Errorf("portfolio %s: %w", portfolioID, model.ErrPortfolioNotFound)
		}

		bal, err := tx.GetBalanceForUpdate(ctx, portfolioID, m.CurrencyID)
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("portfolio %s, currency %s: %w", portfolioID, m.CurrencyID, model.ErrCurrencyUnavailable)
		}
		if err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
		if bal.Amount.LessThan(spend) {
			return fmt.Errorf("balance %s below spend %s: %w", bal.Amount, spend, model.ErrInsufficientBalance)
		}

		q, err := quoteBuy(m, spend, side)
		if err != nil {
			return err
		}
		if q == nil {
			return fmt.Errorf("spend %s on %s: %w", spend, side, model.ErrSpendTooLowForOneShare)
		}
		cost := q.cost

		now := s.now()
		if err := tx.UpdateMarketPools(ctx, m.ID, q.yesPool, q.noPool); err != nil {
			return fmt.Errorf("update pools: %w", err)
		}
		m.YesPool, m.NoPool = q.yesPool, q.noPool

		units := decimal.NewFromInt(q.shares)
		share := &model.Share{
			ID:          uuid.New().String(),
			PortfolioID: portfolioID,
			MarketID:    m.ID,
			Side:        side,
			Quantity:    units,
			CurrencyID:  m.CurrencyID,
			CreatedAt:   now,
		}
		if err := tx.InsertShare(ctx, share); err != nil {
			return fmt.Errorf("insert share: %w", err)
		}

		if _, err := ledger.Post(ctx, tx, ledger.Entry{
			PortfolioID:  portfolioID,
			CurrencyID:   m.CurrencyID,
			Type:         model.TxPredictionCost,
			Amount:       cost.Neg(),
			Units:        units,
			PricePerUnit: cost.Div(units),
			ShareID:      share.ID,
			Notes: fmt.Sprintf("Purchased %d %s shares in prediction market %q for %s",
				q.shares, side, m.Title, ledger.FormatAmount(cost, m.CurrencyID)),
			At: now,
		}); err != nil {
			return err
		}

		if snap, err = ledger.RecordSnapshot(ctx, tx, m, now); err != nil {
			return err
		}

		market = m
		result = &BuyResult{ShareID: share.ID, WholeShares: q.shares, ExactSpend: cost}
		return nil
	})
	if err != nil {
		s.reject("buy", err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("buy", string(side)).Inc()
	metrics.TradeVolume.WithLabelValues("buy", market.CurrencyID).Add(result.ExactSpend.InexactFloat64())
	metrics.TradeLatency.WithLabelValues("buy").Observe(time.Since(start).Seconds())
	slog.Info("shares bought",
		"market", market.ID,
		"portfolio", portfolioID,
		"share", result.ShareID,
		"side", side,
		"shares", result.WholeShares,
		"spend", result.ExactSpend.String(),
		"probability_yes", snap.Probability,
	)
	s.publish(market, snap)
	return result, nil
}

// SellShares liquidates the whole share lot shareID back into the market and
// credits the proceeds to the owning portfolio.
func (s *Service) SellShares(ctx context.Context, marketID, portfolioID, shareID string) (*SellResult, error) {
	start := time.Now()

	var (
		result *SellResult
		market *model.Market
		snap   *model.HistorySnapshot
		sold   *model.Share
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		m, err := lockOpenMarket(ctx, tx, marketID)
		if err != nil {
			return err
		}

		sh, err := tx.GetShare(ctx, shareID, portfolioID)
		if err != nil {
			return err
		}
		if sh.MarketID != m.ID {
			return fmt.Errorf("share %s in market %s: %w", sh.ID, m.ID, model.ErrShareNotFound)
		}

		qty := sh.Quantity.InexactFloat64()
		sale, err := cpmm.SaleAmountForShares(m.YesPool, m.NoPool, qty, sh.Side)
		if err != nil {
			return fmt.Errorf("market %s: %w", m.ID, err)
		}
		if !(sale.Amount > 0) || math.IsInf(sale.Amount, 0) {
			return fmt.Errorf("sale of %s shares: %w", sh.Quantity, cpmm.ErrNonPositiveAmount)
		}

		// The pools pay out exactly what the portfolio is credited.
		proceeds := ledger.Payout(sale.Amount)
		if !proceeds.IsPositive() {
			return fmt.Errorf("sale of %s shares: %w", sh.Quantity, cpmm.ErrNonPositiveAmount)
		}
		yesPool, noPool := cpmm.PoolsAfterSale(m.YesPool, m.NoPool, qty, proceeds.InexactFloat64(), sh.Side)
		if !cpmm.ValidPools(yesPool, noPool) {
			return fmt.Errorf("market %s after sale %v/%v: %w", m.ID, yesPool, noPool, model.ErrNonPositivePool)
		}

		now := s.now()
		if err := tx.UpdateMarketPools(ctx, m.ID, yesPool, noPool); err != nil {
			return fmt.Errorf("update pools: %w", err)
		}
		m.YesPool, m.NoPool = yesPool, noPool

		if err := tx.DeleteShare(ctx, sh.ID); err != nil {
			return fmt.Errorf("delete share: %w", err)
		}

		if _, err := ledger.Post(ctx, tx, ledger.Entry{
			PortfolioID:  portfolioID,
			CurrencyID:   m.CurrencyID,
			Type:         model.TxPredictionSale,
			Amount:       proceeds,
			Units:        sh.Quantity,
			PricePerUnit: proceeds.Div(sh.Quantity),
			ShareID:      sh.ID,
			Notes: fmt.Sprintf("Sold %s %s shares in prediction market %q for %s",
				sh.Quantity.StringFixed(4), sh.Side, m.Title, ledger.FormatAmount(proceeds, m.CurrencyID)),
			At: now,
		}); err != nil {
			return err
		}

		if snap, err = ledger.RecordSnapshot(ctx, tx, m, now); err != nil {
			return err
		}

		market, sold = m, sh
		result = &SellResult{Proceeds: proceeds}
		return nil
	})
	if err != nil {
		s.reject("sell", err)
		return nil, err
	}

	metrics.TradesTotal.WithLabelValues("sell", string(sold.Side)).Inc()
	metrics.TradeVolume.WithLabelValues("sell", market.CurrencyID).Add(result.Proceeds.InexactFloat64())
	metrics.TradeLatency.WithLabelValues("sell").Observe(time.Since(start).Seconds())
	slog.Info("shares sold",
		"market", market.ID,
		"portfolio", portfolioID,
		"share", sold.ID,
		"side", sold.Side,
		"shares", sold.Quantity.String(),
		"proceeds", result.Proceeds.String(),
		"probability_yes", snap.Probability,
	)
	s.publish(market, snap)
	return result, nil
}

// PreviewBuy reports the largest whole-share purchase of side that maxSpend
// can make at the market's current pools, without changing any state. It is
// priced exactly as BuyShares would price it. A nil preview means not even
// one share is affordable.
//
// The market is read outside a transaction. Behind CachedStore the pools can
// lag a committed trade by up to the cache TTL if invalidation failed; the
// buy itself always prices against the locked row.
func (s *Service) PreviewBuy(ctx context.Context, marketID string, maxSpend decimal.Decimal, side model.Side) (*cpmm.Preview, error) {
	if !side.Valid() {
		return nil, fmt.Errorf("side %q: %w", side, model.ErrInvalidSide)
	}
	if maxSpend.InexactFloat64() > cpmm.MaxAmount {
		return nil, fmt.Errorf("spend %s: %w", maxSpend, cpmm.ErrAmountTooLarge)
	}
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.IsOpen() {
		return nil, fmt.Errorf("market %s is %s: %w", m.ID, m.Status, model.ErrMarketNotOpen)
	}
	if !maxSpend.IsPositive() {
		return nil, nil
	}
	q, err := quoteBuy(m, maxSpend, side)
	if err != nil || q == nil {
		return nil, err
	}
	return &cpmm.Preview{
		WholeShares:    q.shares,
		RequiredAmount: q.cost.InexactFloat64(),
		YesPool:        q.yesPool,
		NoPool:         q.noPool,
	}, nil
}

// GetMarketData returns a market with its history in time order.
func (s *Service) GetMarketData(ctx context.Context, marketID string) (*model.MarketData, error) {
	m, err := s.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, err
	}
	history, err := s.store.GetMarketHistory(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	if history == nil {
		history = []model.HistorySnapshot{}
	}
	return &model.MarketData{Market: *m, History: history}, nil
}

// ListMarkets returns every market, newest first.
func (s *Service) ListMarkets(ctx context.Context) ([]model.Market, error) {
	markets, err := s.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// ListPortfolioShares returns the open share lots of a portfolio, restricted
// to marketIDs when given.
func (s *Service) ListPortfolioShares(ctx context.Context, portfolioID string, marketIDs []string) ([]model.Share, error) {
	shares, err := s.store.ListPortfolioShares(ctx, portfolioID, marketIDs)
	if err != nil {
		return nil, fmt.Errorf("list shares: %w", err)
	}
	if shares == nil {
		shares = []model.Share{}
	}
	return shares, nil
}

// ListTransactions returns the ledger entries of a portfolio.
func (s *Service) ListTransactions(ctx context.Context, portfolioID string) ([]model.Transaction, error) {
	txs, err := s.store.ListTransactions(ctx, portfolioID)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	if txs == nil {
		txs = []model.Transaction{}
	}
	return txs, nil
}

// chargeMargin is one unit at ledger.Scale. Shares are sized with this much
// headroom under the spend so the rounded-up charge still fits it.
const chargeMargin = 1e-9

// buyQuote is a whole-share purchase priced in money.
type buyQuote struct {
	shares  int64
	cost    decimal.Decimal
	yesPool float64
	noPool  float64
}

// quoteBuy prices the largest whole-share buy of side that spend affords on
// m. The cost is the exact spend rounded up with ledger.Charge, never more
// than spend, and the pools absorb exactly that cost. A nil quote means no
// whole share fits.
func quoteBuy(m *model.Market, spend decimal.Decimal, side model.Side) (*buyQuote, error) {
	p, err := cpmm.PreviewWholeShareBuyWithin(m.YesPool, m.NoPool, spend.InexactFloat64(), -chargeMargin, side)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, err)
	}
	if p == nil {
		return nil, nil
	}

	cost := ledger.Charge(p.RequiredAmount)
	if cost.GreaterThan(spend) {
		cost = spend
	}
	after := cpmm.SharesForAmount(m.YesPool, m.NoPool, cost.InexactFloat64(), side)
	if !cpmm.ValidPools(after.YesPool, after.NoPool) {
		return nil, fmt.Errorf("market %s after buy %v/%v: %w", m.ID, after.YesPool, after.NoPool, model.ErrNonPositivePool)
	}
	return &buyQuote{
		shares:  p.WholeShares,
		cost:    cost,
		yesPool: after.YesPool,
		noPool:  after.NoPool,
	}, nil
}

// lockOpenMarket locks marketID for the rest of tx and checks it accepts
// trades.
func lockOpenMarket(ctx context.Context, tx store.Tx, marketID string) (*model.Market, error) {
	m, err := tx.GetMarketForUpdate(ctx, marketID)
	if err != nil {
		return nil, err
	}
	if !m.IsOpen() {
		return nil, fmt.Errorf("market %s is %s: %w", m.ID, m.Status, model.ErrMarketNotOpen)
	}
	return m, nil
}

func (s *Service) publish(m *model.Market, h *model.HistorySnapshot) {
	if s.hub == nil || h == nil {
		return
	}
	s.hub.Broadcast(SnapshotMessage(m, h))
}

func (s *Service) reject(op string, err error) {
	kind := model.Kind(err)
	metrics.Rejections.WithLabelValues(op, kind.String()).Inc()
	switch kind {
	case model.KindConsistency, model.KindStorage:
		slog.Error("operation failed", "op", op, "kind", kind.String(), "err", err)
	default:
		slog.Debug("operation rejected", "op", op, "kind", kind.String(), "err", err)
	}
}
