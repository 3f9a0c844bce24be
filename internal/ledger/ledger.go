// Package ledger appends the immutable records of the engine: balance
// movements with their transaction entries, and market history snapshots.
// Trading and settlement both post through here so a balance never changes
// without a matching entry.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rhymond/go-money"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/cpmm"
	"github.com/atmx/prediction-engine/internal/model"
	"github.com/atmx/prediction-engine/internal/store"
)

// Scale is the number of decimal places AMM amounts are carried at once they
// become money.
const Scale = 9

// Charge converts an AMM amount owed by a portfolio into money, rounding up
// to Scale places.
func Charge(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).RoundCeil(Scale)
}

// Payout converts an AMM amount owed to a portfolio into money, rounding down
// to Scale places. A buy charged with Charge and sold straight back never
// pays out more than it cost.
func Payout(amount float64) decimal.Decimal {
	return decimal.NewFromFloat(amount).RoundFloor(Scale)
}

// Entry is one signed balance movement. Amount is negative for debits.
type Entry struct {
	PortfolioID  string
	CurrencyID   string
	Type         model.TransactionType
	Amount       decimal.Decimal
	Units        decimal.Decimal
	PricePerUnit decimal.Decimal
	ShareID      string
	Notes        string
	At           time.Time
}

// Post adjusts the balance of e.PortfolioID in e.CurrencyID by e.Amount and
// appends the transaction record, both inside tx.
//
// A credit to a currency the portfolio has never held opens the balance row.
// A debit without a row fails with model.ErrCurrencyUnavailable, and any
// movement that would leave the balance below zero fails with
// model.ErrNegativeBalance.
func Post(ctx context.Context, tx store.Tx, e Entry) (*model.Transaction, error) {
	bal, err := tx.GetBalanceForUpdate(ctx, e.PortfolioID, e.CurrencyID)
	switch {
	case errors.Is(err, store.ErrNotFound):
		if e.Amount.IsNegative() {
			return nil, fmt.Errorf("portfolio %s, currency %s: %w", e.PortfolioID, e.CurrencyID, model.ErrCurrencyUnavailable)
		}
		bal = &model.Balance{PortfolioID: e.PortfolioID, CurrencyID: e.CurrencyID, Amount: decimal.Zero}
	case err != nil:
		return nil, fmt.Errorf("lock balance: %w", err)
	}

	next := bal.Amount.Add(e.Amount)
	if next.IsNegative() {
		return nil, fmt.Errorf("portfolio %s: %s %s: %w", e.PortfolioID, bal.Amount, e.Amount, model.ErrNegativeBalance)
	}
	bal.Amount = next
	if err := tx.UpsertBalance(ctx, bal); err != nil {
		return nil, fmt.Errorf("update balance: %w", err)
	}

	at := e.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	rec := &model.Transaction{
		ID:           uuid.New().String(),
		PortfolioID:  e.PortfolioID,
		Type:         e.Type,
		TotalValue:   e.Amount,
		Units:        e.Units,
		PricePerUnit: e.PricePerUnit,
		Fee:          decimal.Zero,
		ShareID:      e.ShareID,
		CurrencyID:   e.CurrencyID,
		Notes:        e.Notes,
		ExecutedAt:   at,
	}
	if err := tx.InsertTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("insert transaction: %w", err)
	}
	return rec, nil
}

// FormatAmount renders amount in currency's display format, e.g. "€1.50".
// Unknown currency codes fall back to "1.50 XYZ".
func FormatAmount(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0)
	return cur.Formatter().Format(minor.IntPart())
}

// RecordSnapshot appends an immutable history snapshot of m's current pools.
func RecordSnapshot(ctx context.Context, tx store.Tx, m *model.Market, at time.Time) (*model.HistorySnapshot, error) {
	h := &model.HistorySnapshot{
		ID:          uuid.New().String(),
		MarketID:    m.ID,
		YesPool:     m.YesPool,
		NoPool:      m.NoPool,
		Probability: cpmm.Probability(m.YesPool, m.NoPool, model.SideYes),
		Timestamp:   at,
	}
	if err := tx.InsertHistory(ctx, h); err != nil {
		return nil, fmt.Errorf("insert history: %w", err)
	}
	return h, nil
}
