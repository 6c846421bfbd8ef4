package domain

import (
	"fmt"
	"math"
	"time"
)

// PriceScale is the fixed-point scale for prices in the canonical Tick.
// Prices travel as scaled int64 (4 implied decimal places) so downstream
// consumers in other languages never see rounding drift.
const PriceScale = 10000

// Price is a fixed-point price with 4 implied decimal places.
type Price int64

// PriceFromFloat converts a vendor float price to fixed point.
func PriceFromFloat(f float64) Price {
	return Price(math.Round(f * PriceScale))
}

// Float64 converts back to a float for display and logging.
func (p Price) Float64() float64 {
	return float64(p) / PriceScale
}

// Tick is one cleansed observation of a contract's best-price/volume state.
type Tick struct {
	Symbol          string    `json:"symbol"`
	Exchange        string    `json:"exchange"`
	LastPrice       Price     `json:"last_price"`
	LastVolume      int64     `json:"last_volume"`
	BidPrice        Price     `json:"bid_price"`
	BidVolume       int64     `json:"bid_volume"`
	AskPrice        Price     `json:"ask_price"`
	AskVolume       int64     `json:"ask_volume"`
	SourceAccountID string    `json:"source_account_id"`
	ExchangeTime    time.Time `json:"exchange_time"`
	IngressTime     time.Time `json:"ingress_time"`
}

// Validate applies the cleansing invariants. maxSkew bounds how far in the
// future an exchange timestamp may sit relative to now before the tick is
// considered corrupt and dropped.
func (t *Tick) Validate(now time.Time, maxSkew time.Duration) error {
	if t.Symbol == "" {
		return fmt.Errorf("%w: tick without symbol", ErrValidation)
	}
	if t.LastPrice <= 0 {
		return fmt.Errorf("%w: last_price %v not positive", ErrValidation, t.LastPrice.Float64())
	}
	if t.LastVolume < 0 {
		return fmt.Errorf("%w: last_volume %d negative", ErrValidation, t.LastVolume)
	}
	if t.ExchangeTime.After(now.Add(maxSkew)) {
		return fmt.Errorf("%w: exchange_time %s ahead of clock by more than %s",
			ErrValidation, t.ExchangeTime.Format(time.RFC3339), maxSkew)
	}
	return nil
}
