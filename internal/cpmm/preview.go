package cpmm

import (
	"fmt"
	"math"

	"github.com/atmx/prediction-engine/internal/model"
)

// Epsilon is the float tolerance allowed between a required spend and the
// caller's budget.
const Epsilon = 1e-9

// MaxAmount is the largest budget a preview accepts. Above it share counts
// approach the range where float64 stops representing whole numbers.
const MaxAmount = 1e12

// maxWholeShares is the largest share count float64 holds exactly.
const maxWholeShares = 1 << 53

// ErrAmountTooLarge is returned for budgets above MaxAmount.
var ErrAmountTooLarge = fmt.Errorf("cpmm: amount exceeds %g: %w", MaxAmount, model.ErrInvalidAmount)

// Preview is the largest whole-share purchase that fits a budget.
type Preview struct {
	WholeShares    int64   `json:"whole_shares"`
	RequiredAmount float64 `json:"required_amount"`
	YesPool        float64 `json:"yes_pool_after"`
	NoPool         float64 `json:"no_pool_after"`
}

// PreviewWholeShareBuy finds the largest integral number of shares of side
// that maxAmount can buy, together with the exact spend for that count.
//
// The raw share count for maxAmount is floored. The cost curve is convex, so
// flooring alone can overshoot the budget; when it does, the count is found
// by bisection over [0, floor] against maxAmount + Epsilon.
//
// A nil preview with a nil error means not even one share is affordable.
func PreviewWholeShareBuy(yes, no, maxAmount float64, side model.Side) (*Preview, error) {
	return PreviewWholeShareBuyWithin(yes, no, maxAmount, Epsilon, side)
}

// PreviewWholeShareBuyWithin is PreviewWholeShareBuy with the budget
// tolerance given explicitly. A negative tolerance leaves headroom below
// maxAmount, for callers that round the spend up afterwards.
func PreviewWholeShareBuyWithin(yes, no, maxAmount, tolerance float64, side model.Side) (*Preview, error) {
	if math.IsNaN(maxAmount) || maxAmount <= 0 {
		return nil, nil
	}
	if maxAmount > MaxAmount {
		return nil, ErrAmountTooLarge
	}
	if !ValidPools(yes, no) {
		return nil, ErrInvalidPools
	}

	raw := SharesForAmount(yes, no, maxAmount, side)
	whole := math.Floor(raw.Shares)
	if whole < 1 {
		return nil, nil
	}
	if whole > maxWholeShares {
		return nil, ErrAmountTooLarge
	}

	required, err := AmountForShares(yes, no, whole, side)
	if err != nil {
		return nil, err
	}
	if required-maxAmount > tolerance {
		// lo always fits (0 trivially), hi never does.
		lo, hi := 0.0, whole
		for hi-lo > 1 {
			mid := math.Floor(lo + (hi-lo)/2)
			amt, err := AmountForShares(yes, no, mid, side)
			if err != nil {
				return nil, err
			}
			if amt-maxAmount <= tolerance {
				lo, required = mid, amt
			} else {
				hi = mid
			}
		}
		if lo < 1 {
			return nil, nil
		}
		whole = lo
	}

	exact := SharesForAmount(yes, no, required, side)
	return &Preview{
		WholeShares:    int64(whole),
		RequiredAmount: required,
		YesPool:        exact.YesPool,
		NoPool:         exact.NoPool,
	}, nil
}
