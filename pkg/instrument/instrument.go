// Package instrument holds the tradable-instrument registry consulted by
// the matching engine for validation and by the ledger for fee rates.
package instrument

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/crossline/crossline/pkg/num"
)

// Instrument describes one tradable contract.
type Instrument struct {
	ID         int64  `json:"instrumentId"`
	Symbol     string `json:"symbol"`
	BaseAsset  string `json:"baseAsset"`
	QuoteAsset string `json:"quoteAsset"`

	// TickSize is the price increment; LotSize the quantity increment.
	TickSize    decimal.Decimal `json:"tickSize"`
	LotSize     decimal.Decimal `json:"lotSize"`
	MinNotional decimal.Decimal `json:"minNotional"`

	// Fee rates in basis points of notional, charged in the quote asset.
	MakerFeeBps int64 `json:"makerFeeBps"`
	TakerFeeBps int64 `json:"takerFeeBps"`

	Tradable bool `json:"tradable"`
}

// ValidateOrder checks price and quantity against the instrument's
// parameters. Market orders skip the price checks.
func (in *Instrument) ValidateOrder(price, qty decimal.Decimal, market bool) error {
	if qty.LessThanOrEqual(num.Zero) {
		return fmt.Errorf("quantity must be positive, got %s", qty)
	}
	if !in.LotSize.IsZero() && !qty.Mod(in.LotSize).IsZero() {
		return fmt.Errorf("quantity %s not a multiple of lot size %s", qty, in.LotSize)
	}
	if market {
		return nil
	}
	if price.LessThanOrEqual(num.Zero) {
		return fmt.Errorf("price must be positive, got %s", price)
	}
	if !in.TickSize.IsZero() && !price.Mod(in.TickSize).IsZero() {
		return fmt.Errorf("price %s not a multiple of tick size %s", price, in.TickSize)
	}
	if !in.MinNotional.IsZero() && price.Mul(qty).LessThan(in.MinNotional) {
		return fmt.Errorf("notional %s below minimum %s", price.Mul(qty), in.MinNotional)
	}
	return nil
}

// MakerFee returns the maker fee for a fill of the given notional value.
func (in *Instrument) MakerFee(notional decimal.Decimal) decimal.Decimal {
	return num.Mul(notional, num.Bps(in.MakerFeeBps))
}

// TakerFee returns the taker fee for a fill of the given notional value.
func (in *Instrument) TakerFee(notional decimal.Decimal) decimal.Decimal {
	return num.Mul(notional, num.Bps(in.TakerFeeBps))
}
