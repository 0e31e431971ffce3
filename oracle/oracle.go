// Package oracle provides the settable price feed consumed by the pools and
// the liquidation engine. This is deliberately not a production oracle: prices
// are stored values maintained by an operator, with no staleness or deviation
// checks.
package oracle

import (
	"fmt"

	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/errs"
)

// Feed stores one price per asset.
type Feed struct {
	prices map[asset.ID]decimal.Decimal
}

// NewFeed constructs an empty feed.
func NewFeed() *Feed {
	return &Feed{prices: make(map[asset.ID]decimal.Decimal)}
}

// SetPrice records the price for an asset. Prices must be positive.
func (f *Feed) SetPrice(id asset.ID, price decimal.Decimal) error {
	if !asset.Valid(id) {
		return fmt.Errorf("%w: empty asset id", errs.Validation)
	}
	if price.Sign() <= 0 {
		return fmt.Errorf("%w: price must be positive", errs.Validation)
	}
	f.prices[asset.Normalize(id)] = price
	return nil
}

// GetPrice returns the stored price for an asset.
func (f *Feed) GetPrice(id asset.ID) (decimal.Decimal, error) {
	price, ok := f.prices[asset.Normalize(id)]
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: no price for asset %s", errs.State, id)
	}
	return price, nil
}
