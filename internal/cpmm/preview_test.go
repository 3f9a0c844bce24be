package cpmm

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/prediction-engine/internal/model"
)

func TestPreviewWholeShareBuy_EvenMarket(t *testing.T) {
	p, err := PreviewWholeShareBuy(500, 500, 1.6, model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil {
		t.Fatal("expected a preview")
	}
	if p.WholeShares != 3 {
		t.Errorf("expected 3 whole shares, got %d", p.WholeShares)
	}
	want, _ := AmountForShares(500, 500, 3, model.SideYes)
	if p.RequiredAmount != want {
		t.Errorf("expected required amount %v, got %v", want, p.RequiredAmount)
	}
	if p.YesPool >= 500 || p.NoPool <= 500 {
		t.Errorf("pools should move toward yes: %v/%v", p.YesPool, p.NoPool)
	}
	if !near(p.YesPool*p.NoPool, 250000, 1e-12) {
		t.Errorf("product should stay 250000, got %v", p.YesPool*p.NoPool)
	}
}

func TestPreviewWholeShareBuy_NeverExceedsBudget(t *testing.T) {
	for _, pools := range poolGrid {
		for _, side := range sides {
			for _, budget := range []float64{0.3, 0.999, 1, 1.5, 2.71828, 10, 99.99, 1234.5} {
				p, err := PreviewWholeShareBuy(pools.yes, pools.no, budget, side)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p == nil {
					continue
				}
				if p.WholeShares < 1 {
					t.Errorf("preview returned %d shares", p.WholeShares)
				}
				if p.RequiredAmount-budget > Epsilon {
					t.Errorf("%v/%v %s budget %v: required %v exceeds budget",
						pools.yes, pools.no, side, budget, p.RequiredAmount)
				}
				// One more share must not fit.
				next, err := AmountForShares(pools.yes, pools.no, float64(p.WholeShares+1), side)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if next <= budget-1e-6 {
					t.Errorf("%v/%v %s budget %v: %d+1 shares cost %v and would fit",
						pools.yes, pools.no, side, budget, p.WholeShares, next)
				}
			}
		}
	}
}

func TestPreviewWholeShareBuy_TooLowForOneShare(t *testing.T) {
	// A yes share costs about 0.9 here, so 0.5 cannot buy one.
	p, err := PreviewWholeShareBuy(100, 900, 0.5, model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p != nil {
		t.Errorf("expected no preview, got %+v", p)
	}
}

func TestPreviewWholeShareBuy_InvalidBudget(t *testing.T) {
	for _, budget := range []float64{0, -5, math.NaN(), math.Inf(-1)} {
		p, err := PreviewWholeShareBuy(500, 500, budget, model.SideNo)
		if err != nil || p != nil {
			t.Errorf("budget %v: expected (nil, nil), got (%v, %v)", budget, p, err)
		}
	}
}

func TestPreviewWholeShareBuy_CorruptPools(t *testing.T) {
	_, err := PreviewWholeShareBuy(0, 500, 10, model.SideYes)
	if !errors.Is(err, ErrInvalidPools) {
		t.Errorf("expected ErrInvalidPools, got %v", err)
	}
}

func TestPreviewWholeShareBuy_BudgetAboveCeiling(t *testing.T) {
	for _, budget := range []float64{7.862989347320628e18, 1e300, math.Inf(1), MaxAmount * 1.5} {
		for _, side := range sides {
			p, err := PreviewWholeShareBuy(788.7452621971247, 204.45149665041606, budget, side)
			if !errors.Is(err, ErrAmountTooLarge) {
				t.Errorf("budget %v %s: expected ErrAmountTooLarge, got %+v, %v", budget, side, p, err)
			}
			if !errors.Is(err, model.ErrInvalidAmount) || errors.Is(err, model.ErrInvalidMarketState) {
				t.Errorf("budget %v: should be an input error, got %v", budget, err)
			}
		}
	}
}

func TestPreviewWholeShareBuy_LargeBudgetTerminates(t *testing.T) {
	for _, side := range sides {
		p, err := PreviewWholeShareBuy(788.7452621971247, 204.45149665041606, MaxAmount, side)
		if err != nil || p == nil {
			t.Fatalf("%s: expected a preview, got %+v, %v", side, p, err)
		}
		if p.RequiredAmount-MaxAmount > Epsilon {
			t.Errorf("%s: required %v exceeds budget", side, p.RequiredAmount)
		}
	}
}

func TestPreviewWholeShareBuyWithin_Headroom(t *testing.T) {
	// Three yes shares cost about 1.50225; a budget a hair above that fits
	// them at the default tolerance but not with 1e-9 of headroom.
	exact, _ := AmountForShares(500, 500, 3, model.SideYes)
	budget := exact + 5e-10

	p, err := PreviewWholeShareBuyWithin(500, 500, budget, -1e-9, model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p == nil || p.WholeShares != 2 {
		t.Fatalf("expected 2 shares with headroom, got %+v", p)
	}
	if budget-p.RequiredAmount < 1e-9 {
		t.Errorf("required %v leaves no headroom under %v", p.RequiredAmount, budget)
	}

	if p, _ := PreviewWholeShareBuy(500, 500, budget, model.SideYes); p == nil || p.WholeShares != 3 {
		t.Errorf("expected 3 shares at the default tolerance, got %+v", p)
	}
}
