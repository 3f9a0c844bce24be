// Package contract validates prediction market definitions and derives the
// initial market state from them: title, pools and creation snapshot inputs.
package contract

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/atmx/prediction-engine/internal/model"
)

// currencyRegex matches ISO-4217 style codes: EUR, USD, or platform tokens
// such as CREDITS.
var currencyRegex = regexp.MustCompile(`^[A-Z][A-Z0-9]{1,11}$`)

var (
	ErrInvalidType      = fmt.Errorf("contract: unsupported market type: %w", model.ErrInvalidMarket)
	ErrMissingTitle     = fmt.Errorf("contract: title is required: %w", model.ErrInvalidMarket)
	ErrInvalidCurrency  = fmt.Errorf("contract: invalid currency code: %w", model.ErrInvalidMarket)
	ErrInvalidFunding   = fmt.Errorf("contract: funding must be positive: %w", model.ErrInvalidMarket)
	ErrInvalidEndDate   = fmt.Errorf("contract: end date must be in the future: %w", model.ErrInvalidMarket)
	ErrMissingAsset     = fmt.Errorf("contract: asset is required: %w", model.ErrInvalidMarket)
	ErrInvalidTarget    = fmt.Errorf("contract: target price must be positive: %w", model.ErrInvalidMarket)
	ErrInvalidDirection = fmt.Errorf("contract: direction must be above or below: %w", model.ErrInvalidMarket)
)

// Definition is a request to open a new market. Funding is split evenly
// between the two pools, so a new market always starts at probability 0.5.
type Definition struct {
	Type        model.MarketType `json:"type"`
	Title       string           `json:"title"`
	Description string           `json:"description,omitempty"`
	DeciderID   string           `json:"decider_id,omitempty"`
	CurrencyID  string           `json:"currency_id"`
	Funding     float64          `json:"funding"`
	EndDate     time.Time        `json:"end_date"`

	// Price-target markets only.
	AssetID     string          `json:"asset_id,omitempty"`
	AssetName   string          `json:"asset_name,omitempty"`
	TargetPrice decimal.Decimal `json:"target_price,omitempty"`
	Direction   model.Direction `json:"direction,omitempty"`
}

// Validate checks d against now. Binary text markets need a title; price
// target markets need an asset, a positive target and a direction, and get
// a generated title when none is given.
func (d *Definition) Validate(now time.Time) error {
	switch d.Type {
	case model.TypeBinaryText:
		if strings.TrimSpace(d.Title) == "" {
			return ErrMissingTitle
		}
	case model.TypePriceTarget:
		if d.AssetID == "" {
			return ErrMissingAsset
		}
		if !d.TargetPrice.IsPositive() {
			return fmt.Errorf("%w: %s", ErrInvalidTarget, d.TargetPrice)
		}
		if d.Direction != model.DirectionAbove && d.Direction != model.DirectionBelow {
			return fmt.Errorf("%w: %q", ErrInvalidDirection, d.Direction)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidType, d.Type)
	}

	if !currencyRegex.MatchString(d.CurrencyID) {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, d.CurrencyID)
	}
	if !(d.Funding > 0) || d.Funding > maxFunding {
		return fmt.Errorf("%w: %v", ErrInvalidFunding, d.Funding)
	}
	if !d.EndDate.After(now) {
		return fmt.Errorf("%w: %s", ErrInvalidEndDate, d.EndDate.Format(time.RFC3339))
	}
	return nil
}

// maxFunding bounds the pools so their product stays well inside float64.
const maxFunding = 1e12

// InitialPools splits the funding evenly between yes and no.
func (d *Definition) InitialPools() (yes, no float64) {
	half := d.Funding / 2
	return half, half
}

// MarketTitle returns the title to store for d. A price-target market
// without an explicit title is named after its condition.
func (d *Definition) MarketTitle() string {
	if t := strings.TrimSpace(d.Title); t != "" {
		return t
	}
	if d.Type != model.TypePriceTarget {
		return ""
	}
	if d.AssetName == "" {
		return fmt.Sprintf("Asset Prediction: %s %s", d.Direction, d.TargetPrice)
	}
	return fmt.Sprintf("Will %s be %s %s by %s?",
		d.AssetName, d.Direction, d.TargetPrice, d.EndDate.Format("2006-01-02"))
}

// Market builds the pending market described by d.
func (d *Definition) Market(id string, now time.Time) *model.Market {
	yes, no := d.InitialPools()
	m := &model.Market{
		ID:          id,
		Type:        d.Type,
		Status:      model.StatusPending,
		Title:       d.MarketTitle(),
		Description: d.Description,
		DeciderID:   d.DeciderID,
		YesPool:     yes,
		NoPool:      no,
		CurrencyID:  d.CurrencyID,
		EndDate:     d.EndDate.UTC(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if d.Type == model.TypePriceTarget {
		m.AssetID = d.AssetID
		m.TargetPrice = d.TargetPrice
		m.Direction = d.Direction
	}
	return m
}
