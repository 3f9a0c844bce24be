// Package settlement closes prediction markets. Resolving a market pays out
// the shares on the winning side (or half of every share on a push) inside
// the same transaction that records the result; cancelling a market only
// stops trading.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/ledger"
	"github.com/atmx/prediction-engine/internal/metrics"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/store"
	"github.com/atmx/prediction-engine/internal/trade"
)

// DefaultBatchSize is the number of shares loaded per payout page.
const DefaultBatchSize = 500

var (
	fullPayout = decimal.NewFromInt(1)
	pushPayout = decimal.NewFromFloat(0.5)
)

// Resolver settles markets against a transactional store.
type Resolver struct {
	store     store.Store
	hub       trade.Broadcaster // optional
	batchSize int
	now       func() time.Time
}

// NewResolver creates a resolver paging payouts batchSize shares at a time.
// A non-positive batchSize selects DefaultBatchSize.
func NewResolver(st store.Store, hub trade.Broadcaster, batchSize int) *Resolver {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Resolver{
		store:     st,
		hub:       hub,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Resolve moves a pending market to resolved with result and pays out its
// shares:
//
//   - yes / no: each share on the winning side pays its quantity in the
//     market currency (prediction_win). Losing shares pay nothing and are
//     kept as a historical record.
//   - null: every share pays half its quantity (prediction_draw).
//
// The status change, the resolution snapshot and every payout commit
// together or not at all.
func (r *Resolver) Resolve(ctx context.Context, marketID string, result model.Result) error {
	if !result.Valid() {
		return fmt.Errorf("result %q: %w", result, model.ErrInvalidResult)
	}

	sides, rate, txType := payoutRule(result)

	var (
		market *model.Market
		snap   *model.HistorySnapshot
		paid   int
		total  = decimal.Zero
	)
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if !m.IsOpen() {
			return fmt.Errorf("market %s is %s: %w", m.ID, m.Status, model.ErrMarketNotOpen)
		}

		now := r.now()
		if err := tx.UpdateMarketStatus(ctx, m.ID, model.StatusResolved, result); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		m.Status, m.Result = model.StatusResolved, result

		if snap, err = ledger.RecordSnapshot(ctx, tx, m, now); err != nil {
			return err
		}

		after := ""
		for {
			page, err := tx.ListMarketShares(ctx, m.ID, sides, after, r.batchSize)
			if err != nil {
				return fmt.Errorf("list shares after %q: %w", after, err)
			}
			for i := range page {
				sh := &page[i]
				amount := sh.Quantity.Mul(rate)
				if _, err := ledger.Post(ctx, tx, ledger.Entry{
					PortfolioID:  sh.PortfolioID,
					CurrencyID:   m.CurrencyID,
					Type:         txType,
					Amount:       amount,
					Units:        sh.Quantity,
					PricePerUnit: rate,
					ShareID:      sh.ID,
					Notes:        payoutNote(txType, sh, m.Title, ledger.FormatAmount(amount, m.CurrencyID)),
					At:           now,
				}); err != nil {
					return fmt.Errorf("pay share %s: %w", sh.ID, err)
				}
				paid++
				total = total.Add(amount)
			}
			if len(page) < r.batchSize {
				break
			}
			after = page[len(page)-1].ID
		}

		market = m
		return nil
	})
	if err != nil {
		metrics.Rejections.WithLabelValues("resolve", model.Kind(err).String()).Inc()
		return err
	}

	metrics.Resolutions.WithLabelValues(string(result)).Inc()
	metrics.Payouts.WithLabelValues(string(txType)).Add(float64(paid))
	slog.Info("market resolved",
		"market", market.ID,
		"result", result,
		"payouts", paid,
		"paid_total", total.String(),
		"currency", market.CurrencyID,
	)
	r.publish(market, snap)
	return nil
}

// Cancel moves a pending market to cancelled. Trading stops and a final
// snapshot is recorded; no funds move and every share is left in place.
func (r *Resolver) Cancel(ctx context.Context, marketID string) error {
	var (
		market *model.Market
		snap   *model.HistorySnapshot
	)
	err := r.store.InTx(ctx, func(tx store.Tx) error {
		m, err := tx.GetMarketForUpdate(ctx, marketID)
		if err != nil {
			return err
		}
		if !m.IsOpen() {
			return fmt.Errorf("market %s is %s: %w", m.ID, m.Status, model.ErrMarketNotOpen)
		}
		if err := tx.UpdateMarketStatus(ctx, m.ID, model.StatusCancelled, ""); err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		m.Status = model.StatusCancelled

		if snap, err = ledger.RecordSnapshot(ctx, tx, m, r.now()); err != nil {
			return err
		}
		market = m
		return nil
	})
	if err != nil {
		metrics.Rejections.WithLabelValues("cancel", model.Kind(err).String()).Inc()
		return err
	}

	metrics.Resolutions.WithLabelValues(string(model.StatusCancelled)).Inc()
	slog.Info("market cancelled", "market", market.ID)
	r.publish(market, snap)
	return nil
}

func (r *Resolver) publish(m *model.Market, h *model.HistorySnapshot) {
	if r.hub == nil || h == nil {
		return
	}
	r.hub.Broadcast(trade.SnapshotMessage(m, h))
}

// payoutRule returns the sides that get paid for result, the payout per
// share, and the transaction type to record.
func payoutRule(result model.Result) ([]model.Side, decimal.Decimal, model.TransactionType) {
	switch result {
	case model.ResultYes:
		return []model.Side{model.SideYes}, fullPayout, model.TxPredictionWin
	case model.ResultNo:
		return []model.Side{model.SideNo}, fullPayout, model.TxPredictionWin
	default:
		return []model.Side{model.SideYes, model.SideNo}, pushPayout, model.TxPredictionDraw
	}
}

func payoutNote(txType model.TransactionType, sh *model.Share, title, amount string) string {
	if txType == model.TxPredictionDraw {
		return fmt.Sprintf("Refunded %s for %s %s shares in drawn prediction market %q",
			amount, sh.Quantity.String(), sh.Side, title)
	}
	return fmt.Sprintf("Won %s on %s %s shares in prediction market %q",
		amount, sh.Quantity.String(), sh.Side, title)
}
