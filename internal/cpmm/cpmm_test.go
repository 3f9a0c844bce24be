package cpmm

import (
	"errors"
	"math"
	"testing"

	"github.com/atmx/prediction-engine/internal/model"
)

var sides = []model.Side{model.SideYes, model.SideNo}

var poolGrid = []struct {
	yes, no float64
}{
	{500, 500},
	{100, 900},
	{900, 100},
	{1, 1},
	{12.5, 4031.75},
	{1e6, 3e5},
}

func near(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// --- Probability ---

func TestProbability_SumsToOne(t *testing.T) {
	for _, p := range poolGrid {
		sum := Probability(p.yes, p.no, model.SideYes) + Probability(p.yes, p.no, model.SideNo)
		if !near(sum, 1, 1e-12) {
			t.Errorf("pools %v/%v: probabilities sum to %v", p.yes, p.no, sum)
		}
	}
}

func TestProbability_CounterPoolPricesSide(t *testing.T) {
	// 2000 no / 2500 total: a yes share costs 0.8.
	if got := Probability(500, 2000, model.SideYes); got != 0.8 {
		t.Errorf("expected 0.8, got %v", got)
	}
	if got := Probability(500, 2000, model.SideNo); got != 0.2 {
		t.Errorf("expected 0.2, got %v", got)
	}
}

func TestProbability_EmptyMarket(t *testing.T) {
	if got := Probability(0, 0, model.SideYes); got != 0.5 {
		t.Errorf("expected 0.5 for empty market, got %v", got)
	}
}

// --- SharesForAmount ---

func TestSharesForAmount_ConservesProduct(t *testing.T) {
	for _, p := range poolGrid {
		for _, side := range sides {
			for _, amount := range []float64{0.01, 1, 10, 250, 10000} {
				b := SharesForAmount(p.yes, p.no, amount, side)
				if !near(b.YesPool*b.NoPool, p.yes*p.no, 1e-12) {
					t.Errorf("%v/%v %s %v: product %v != %v",
						p.yes, p.no, side, amount, b.YesPool*b.NoPool, p.yes*p.no)
				}
			}
		}
	}
}

func TestSharesForAmount_MovesPools(t *testing.T) {
	b := SharesForAmount(500, 500, 10, model.SideYes)
	if b.YesPool >= 500 {
		t.Errorf("buying yes should shrink the yes pool, got %v", b.YesPool)
	}
	if b.NoPool != 510 {
		t.Errorf("spend should be deposited in the no pool, got %v", b.NoPool)
	}
	if b.Shares <= 10 {
		t.Errorf("shares should exceed the spend below p=1, got %v", b.Shares)
	}

	n := SharesForAmount(500, 500, 10, model.SideNo)
	if n.YesPool != 510 || n.NoPool >= 500 {
		t.Errorf("buying no moved pools wrong: %v/%v", n.YesPool, n.NoPool)
	}
	if n.Shares != b.Shares {
		t.Errorf("symmetric market should give symmetric shares: %v vs %v", n.Shares, b.Shares)
	}
}

func TestSharesForAmount_Deterministic(t *testing.T) {
	a := SharesForAmount(123.456, 789.012, 3.3, model.SideNo)
	b := SharesForAmount(123.456, 789.012, 3.3, model.SideNo)
	if a != b {
		t.Errorf("identical inputs gave %v and %v", a, b)
	}
}

// --- AmountForShares ---

func TestAmountForShares_ThreeYesShares(t *testing.T) {
	amount, err := AmountForShares(500, 500, 3, model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// (−997 + √1000009) / 2
	want := (-997 + math.Sqrt(1000009)) / 2
	if !near(amount, want, 1e-12) {
		t.Errorf("expected %v, got %v", want, amount)
	}
	if math.Abs(amount-1.50225) > 1e-5 {
		t.Errorf("expected ≈1.50225, got %v", amount)
	}
}

func TestAmountForShares_InvertsSharesForAmount(t *testing.T) {
	for _, p := range poolGrid {
		for _, side := range sides {
			for _, shares := range []float64{1, 2, 7, 40, 333} {
				amount, err := AmountForShares(p.yes, p.no, shares, side)
				if err != nil {
					t.Fatalf("%v/%v %s %v: %v", p.yes, p.no, side, shares, err)
				}
				got := SharesForAmount(p.yes, p.no, amount, side).Shares
				if !near(got, shares, 1e-9) {
					t.Errorf("%v/%v %s: round trip %v -> %v -> %v", p.yes, p.no, side, shares, amount, got)
				}
			}
		}
	}
}

func TestAmountForShares_DecreasesWithShares(t *testing.T) {
	prev := math.Inf(1)
	for n := 20.0; n >= 1; n-- {
		amount, err := AmountForShares(100, 900, n, model.SideYes)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if amount >= prev {
			t.Errorf("spend for %v shares (%v) should be below spend for %v (%v)", n, amount, n+1, prev)
		}
		prev = amount
	}
}

func TestAmountForShares_RejectsNonPositiveShares(t *testing.T) {
	for _, n := range []float64{0, -1, math.NaN(), math.Inf(1)} {
		_, err := AmountForShares(500, 500, n, model.SideYes)
		if !errors.Is(err, ErrInvalidShares) {
			t.Errorf("shares=%v: expected ErrInvalidShares, got %v", n, err)
		}
		if !errors.Is(err, model.ErrInvalidAmount) {
			t.Errorf("shares=%v: should classify as invalid amount", n)
		}
	}
}

func TestAmountForShares_NegativeDiscriminant(t *testing.T) {
	_, err := AmountForShares(500, -500, 3, model.SideYes)
	if !errors.Is(err, ErrNegativeDiscriminant) {
		t.Errorf("expected ErrNegativeDiscriminant, got %v", err)
	}
	if !errors.Is(err, model.ErrInvalidMarketState) {
		t.Error("negative discriminant should classify as invalid market state")
	}
}

// --- SaleAmountForShares ---

func TestSaleAmountForShares_ConservesProduct(t *testing.T) {
	for _, p := range poolGrid {
		for _, side := range sides {
			s, err := SaleAmountForShares(p.yes, p.no, 5, side)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !near(s.YesPool*s.NoPool, p.yes*p.no, 1e-9) {
				t.Errorf("%v/%v %s: product %v != %v", p.yes, p.no, side, s.YesPool*s.NoPool, p.yes*p.no)
			}
			if s.Amount <= 0 || s.Amount >= 5 {
				t.Errorf("%v/%v %s: sale of 5 shares paid %v", p.yes, p.no, side, s.Amount)
			}
		}
	}
}

func TestSaleAmountForShares_NeverPaysMoreThanCost(t *testing.T) {
	for _, p := range poolGrid {
		for _, side := range sides {
			for _, shares := range []float64{1, 3, 25} {
				spend, err := AmountForShares(p.yes, p.no, shares, side)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				after := SharesForAmount(p.yes, p.no, spend, side)
				sale, err := SaleAmountForShares(after.YesPool, after.NoPool, shares, side)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				// Float round-off may put the sale a few ulps above the cost;
				// money rounding at the ledger boundary absorbs it.
				if sale.Amount > spend*(1+1e-12) {
					t.Errorf("%v/%v %s %v: sold for %v after paying %v", p.yes, p.no, side, shares, sale.Amount, spend)
				}
			}
		}
	}
}

func TestSaleAmountForShares_ZeroShares(t *testing.T) {
	s, err := SaleAmountForShares(500, 500, 0, model.SideNo)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if s.Amount != 0 || s.YesPool != 500 || s.NoPool != 500 {
		t.Errorf("selling nothing should be a no-op, got %+v", s)
	}
}

func TestSaleAmountForShares_NegativeDiscriminant(t *testing.T) {
	_, err := SaleAmountForShares(-1, 1, 0.5, model.SideYes)
	if !errors.Is(err, ErrNegativeDiscriminant) {
		t.Errorf("expected ErrNegativeDiscriminant, got %v", err)
	}
}

func TestPoolsAfterSale_MatchesSale(t *testing.T) {
	sale, err := SaleAmountForShares(480, 520, 7, model.SideYes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	y, n := PoolsAfterSale(480, 520, 7, sale.Amount, model.SideYes)
	if y != sale.YesPool || n != sale.NoPool {
		t.Errorf("pools %v/%v, want %v/%v", y, n, sale.YesPool, sale.NoPool)
	}
}
