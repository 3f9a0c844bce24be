// Package model defines the core domain types shared across the prediction
// engine. Money, balances and share quantities use shopspring/decimal; pool
// sizes are AMM counters and stay float64 so pricing is bit-reproducible.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is the outcome a share pays out on.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is one of the two tradable sides.
func (s Side) Valid() bool { return s == SideYes || s == SideNo }

// MarketType distinguishes free-text markets from asset price targets.
type MarketType string

const (
	TypeBinaryText  MarketType = "binary_text"
	TypePriceTarget MarketType = "price_target"
)

// MarketStatus is the lifecycle state. Both resolved and cancelled are terminal.
type MarketStatus string

const (
	StatusPending   MarketStatus = "pending"
	StatusResolved  MarketStatus = "resolved"
	StatusCancelled MarketStatus = "cancelled"
)

// Result is the resolved outcome. ResultNull is a push: every share is
// refunded at half its face value.
type Result string

const (
	ResultYes  Result = "yes"
	ResultNo   Result = "no"
	ResultNull Result = "null"
)

// Valid reports whether r is an accepted resolution outcome.
func (r Result) Valid() bool {
	return r == ResultYes || r == ResultNo || r == ResultNull
}

// Direction is the comparison a price-target market settles on.
type Direction string

const (
	DirectionAbove Direction = "above"
	DirectionBelow Direction = "below"
)

// TransactionType tags ledger entries written by the engine.
type TransactionType string

const (
	TxPredictionCost TransactionType = "prediction_cost"
	TxPredictionSale TransactionType = "prediction_sale"
	TxPredictionWin  TransactionType = "prediction_win"
	TxPredictionDraw TransactionType = "prediction_draw"
)

// Market is a binary prediction market priced by a constant-product pool.
type Market struct {
	ID          string       `json:"id" db:"id"`
	Type        MarketType   `json:"type" db:"type"`
	Status      MarketStatus `json:"status" db:"status"`
	Result      Result       `json:"result,omitempty" db:"result"` // empty until resolved
	Title       string       `json:"title" db:"title"`
	Description string       `json:"description,omitempty" db:"description"`
	DeciderID   string       `json:"decider_id,omitempty" db:"decider_id"`
	YesPool     float64      `json:"yes_pool" db:"yes_pool"`
	NoPool      float64      `json:"no_pool" db:"no_pool"`
	CurrencyID  string       `json:"currency_id" db:"currency_id"`

	// Price-target markets only.
	AssetID     string          `json:"asset_id,omitempty" db:"asset_id"`
	TargetPrice decimal.Decimal `json:"target_price,omitempty" db:"target_price"`
	Direction   Direction       `json:"direction,omitempty" db:"direction"`

	EndDate   time.Time `json:"end_date" db:"end_date"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// IsOpen reports whether the market accepts trades.
func (m *Market) IsOpen() bool { return m.Status == StatusPending }

// Share is one lot bought by a portfolio. Sells liquidate the whole lot.
type Share struct {
	ID          string          `json:"id" db:"id"`
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Side        Side            `json:"side" db:"side"`
	Quantity    decimal.Decimal `json:"quantity" db:"quantity"`
	CurrencyID  string          `json:"currency_id" db:"currency_id"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
}

// Balance is the amount of one currency held by a portfolio.
type Balance struct {
	PortfolioID string          `json:"portfolio_id" db:"portfolio_id"`
	CurrencyID  string          `json:"currency_id" db:"currency_id"`
	Amount      decimal.Decimal `json:"amount" db:"amount"`
}

// Transaction is an immutable ledger entry. Once created, these are never
// modified or deleted.
type Transaction struct {
	ID           string          `json:"id" db:"id"`
	PortfolioID  string          `json:"portfolio_id" db:"portfolio_id"`
	Type         TransactionType `json:"type" db:"type"`
	TotalValue   decimal.Decimal `json:"total_value" db:"total_value"` // signed: -cost, +proceeds
	Units        decimal.Decimal `json:"units" db:"units"`
	PricePerUnit decimal.Decimal `json:"price_per_unit" db:"price_per_unit"`
	Fee          decimal.Decimal `json:"fee" db:"fee"`
	ShareID      string          `json:"share_id,omitempty" db:"share_id"`
	CurrencyID   string          `json:"currency_id" db:"currency_id"`
	Notes        string          `json:"notes,omitempty" db:"notes"`
	ExecutedAt   time.Time       `json:"executed_at" db:"executed_at"`
}

// HistorySnapshot records the pools of a market at one instant.
type HistorySnapshot struct {
	ID          string    `json:"id" db:"id"`
	MarketID    string    `json:"market_id" db:"market_id"`
	YesPool     float64   `json:"yes_pool" db:"yes_pool"`
	NoPool      float64   `json:"no_pool" db:"no_pool"`
	Probability float64   `json:"probability" db:"probability"` // of yes
	Timestamp   time.Time `json:"timestamp" db:"timestamp"`
}

// Portfolio is owned by a user and holds balances and shares.
type Portfolio struct {
	ID      string `json:"id" db:"id"`
	OwnerID string `json:"owner_id" db:"owner_id"`
	Name    string `json:"name" db:"name"`
}

// MarketData is a market together with its ordered history.
type MarketData struct {
	Market  Market            `json:"market"`
	History []HistorySnapshot `json:"history"`
}
