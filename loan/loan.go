// Package loan defines the per-loan position record and the derived risk
// figures the protocol computes from it.
package loan

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
)

// Status tracks where a loan is in its lifecycle.
type Status uint8

const (
	// Current marks an open loan accruing obligations.
	Current Status = iota
	// PaidOff marks a loan the borrower repaid in full.
	PaidOff
	// Defaulted marks a loan touched by liquidation.
	Defaulted
)

// String implements fmt.Stringer for logs and errors.
func (s Status) String() string {
	switch s {
	case Current:
		return "current"
	case PaidOff:
		return "paid_off"
	case Defaulted:
		return "defaulted"
	default:
		return "unknown"
	}
}

// Record is the persisted state of a single loan.
type Record struct {
	ID     uuid.UUID `json:"id"`
	Owner  uuid.UUID `json:"owner"`
	Status Status    `json:"status"`

	Asset           asset.ID `json:"asset"`
	CollateralAsset asset.ID `json:"collateralAsset"`

	// Amount is the borrowed principal.
	Amount decimal.Decimal `json:"amount"`
	// InterestRate is the annualized rate fixed at origination, adjusted on
	// top-ups.
	InterestRate decimal.Decimal `json:"interestRate"`
	// InterestExpense is the interest accrued so far.
	InterestExpense decimal.Decimal `json:"interestExpense"`
	// OriginationFee is charged once, at origination, on the principal.
	OriginationFee decimal.Decimal `json:"originationFee"`

	// CollateralAmount is the quantity of collateral backing the loan.
	CollateralAmount decimal.Decimal `json:"collateralAmount"`
	// CollateralValueUSD is the collateral valuation at the last refresh.
	CollateralValueUSD decimal.Decimal `json:"collateralValueUSD"`
	// HealthFactor is the risk figure at the last refresh.
	HealthFactor decimal.Decimal `json:"healthFactor"`
	// LiquidationPrice is the collateral price at which the loan becomes
	// liquidatable, at the last refresh.
	LiquidationPrice decimal.Decimal `json:"liquidationPrice"`
}

// Clone returns a deep copy so callers can stage changes without mutating the
// stored record.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	cp := *r
	return &cp
}

// Remaining is the total the borrower owes: principal plus accrued interest
// plus the origination fee.
func (r *Record) Remaining() decimal.Decimal {
	return r.Amount.Add(r.InterestExpense).Add(r.OriginationFee)
}

// ComputeHealthFactor evaluates the loan's health given the current collateral
// price and the protocol's collateral factor. A loan with no outstanding debt
// has unbounded health; we report a large sentinel instead of dividing by
// zero.
func ComputeHealthFactor(collateralAmount, collateralPrice, collateralFactor, owed decimal.Decimal) decimal.Decimal {
	if owed.Sign() <= 0 {
		return maxHealth
	}
	value := collateralAmount.Mul(collateralPrice)
	return value.Mul(collateralFactor).DivRound(owed, healthScale)
}

// ComputeLiquidationPrice records the price level at which the loan is
// considered liquidatable: the outstanding obligation valued at the current
// collateral price, scaled by the minimum collateralization, per unit of
// collateral.
func ComputeLiquidationPrice(owed, collateralPrice, collateralAmount, minCollateralization decimal.Decimal) decimal.Decimal {
	if collateralAmount.Sign() <= 0 {
		return decimal.Zero
	}
	return owed.Mul(collateralPrice).Mul(minCollateralization).DivRound(collateralAmount, healthScale)
}

const healthScale = 18

var maxHealth = decimal.New(1, 12)
