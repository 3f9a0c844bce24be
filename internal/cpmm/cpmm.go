// Package cpmm implements the constant-product market maker used to price
// binary prediction markets.
//
// A market holds two pools, yes and no. Any trade that does not add or
// remove net liquidity keeps their product k = yes·no constant:
//   - Buying deposits the spend into the counter pool and drains the bought
//     pool so the product is preserved; the buyer receives the spend plus
//     what was drained.
//   - Selling returns shares to the sold pool and pays out the amount s that
//     brings (yes' − s)·(no' − s) back to k.
//
// Every function is pure and works on float64 so that identical inputs give
// bit-identical outputs. Callers convert to decimal at the money boundary.
package cpmm

import (
	"fmt"
	"math"

	"github.com/atmx/prediction-engine/internal/model"
)

var (
	// ErrNegativeDiscriminant means the pools cannot satisfy the requested
	// trade; the market state is corrupt or the request is degenerate.
	ErrNegativeDiscriminant = fmt.Errorf("cpmm: negative discriminant: %w", model.ErrInvalidMarketState)

	// ErrNonPositiveAmount is returned when a solved spend is not a positive
	// finite number.
	ErrNonPositiveAmount = fmt.Errorf("cpmm: non-positive amount: %w", model.ErrInvalidMarketState)

	// ErrInvalidPools is returned when a pool is not a positive finite number.
	ErrInvalidPools = fmt.Errorf("cpmm: pools must be positive: %w", model.ErrInvalidMarketState)

	// ErrInvalidShares is returned for a non-positive or non-finite share count.
	ErrInvalidShares = fmt.Errorf("cpmm: share count must be positive: %w", model.ErrInvalidAmount)
)

// Buy is the outcome of depositing an amount into a market.
type Buy struct {
	Shares  float64
	YesPool float64
	NoPool  float64
}

// Sale is the outcome of returning shares to a market.
type Sale struct {
	Amount  float64
	YesPool float64
	NoPool  float64
}

// Probability returns the price of one share of side, which is also the
// implied probability of that outcome:
//
//	p_yes = no / (yes + no)
//	p_no  = yes / (yes + no)
//
// An empty market is priced at 0.5.
func Probability(yes, no float64, side model.Side) float64 {
	total := yes + no
	if total == 0 {
		return 0.5
	}
	if side == model.SideYes {
		return no / total
	}
	return yes / total
}

// SharesForAmount simulates spending amount on side.
//
//	counter' = counter + amount
//	buy'     = buy·counter / counter'
//	shares   = amount + (buy − buy')
func SharesForAmount(yes, no, amount float64, side model.Side) Buy {
	buy, counter := split(yes, no, side)

	newCounter := counter + amount
	newBuy := (buy * counter) / newCounter
	shares := amount + (buy - newBuy)

	y, n := join(newBuy, newCounter, side)
	return Buy{Shares: shares, YesPool: y, NoPool: n}
}

// AmountForShares returns the spend that buys exactly shares of side. It is
// the inverse of SharesForAmount: setting buy − buy' = shares − s gives
//
//	s² + (yes + no − shares)·s − shares·counter = 0
//
// and the spend is the positive root.
func AmountForShares(yes, no, shares float64, side model.Side) (float64, error) {
	if !(shares > 0) || math.IsInf(shares, 0) {
		return 0, ErrInvalidShares
	}
	_, counter := split(yes, no, side)

	b := yes + no - shares
	c := -shares * counter
	disc := b*b - 4*c
	if disc < 0 {
		return 0, ErrNegativeDiscriminant
	}

	root := math.Sqrt(disc)
	var amount float64
	if b >= 0 {
		// Avoids cancellation between -b and root.
		amount = (-2 * c) / (b + root)
	} else {
		amount = (-b + root) / 2
	}

	if !(amount > 0) || math.IsInf(amount, 0) || math.IsNaN(amount) {
		return 0, ErrNonPositiveAmount
	}
	return amount, nil
}

// SaleAmountForShares simulates selling shares of side back to the market.
// The sold pool grows by shares and the payout s is the smaller root of
//
//	s² − (yes' + no')·s + (yes'·no' − k) = 0
//
// The larger root would pay out more than the pools can cover.
func SaleAmountForShares(yes, no, shares float64, side model.Side) (Sale, error) {
	k := yes * no
	newYes, newNo := PoolsAfterSale(yes, no, shares, 0, side)

	sum := newYes + newNo
	c := newYes*newNo - k
	disc := sum*sum - 4*c
	if disc < 0 {
		return Sale{}, ErrNegativeDiscriminant
	}

	root := math.Sqrt(disc)
	var amount float64
	if sum+root != 0 {
		amount = (2 * c) / (sum + root)
	}

	y, n := PoolsAfterSale(yes, no, shares, amount, side)
	return Sale{Amount: amount, YesPool: y, NoPool: n}, nil
}

// PoolsAfterSale returns the pools once shares of side are returned to the
// market and amount is paid out of both pools.
func PoolsAfterSale(yes, no, shares, amount float64, side model.Side) (float64, float64) {
	if side == model.SideYes {
		yes += shares
	} else {
		no += shares
	}
	return yes - amount, no - amount
}

// ValidPools reports whether both pools are positive finite numbers.
func ValidPools(yes, no float64) bool {
	return yes > 0 && no > 0 && !math.IsInf(yes, 0) && !math.IsInf(no, 0)
}

// split returns (buy pool, counter pool) for side.
func split(yes, no float64, side model.Side) (float64, float64) {
	if side == model.SideYes {
		return yes, no
	}
	return no, yes
}

// join is the inverse of split.
func join(buy, counter float64, side model.Side) (yes, no float64) {
	if side == model.SideYes {
		return buy, counter
	}
	return counter, buy
}
