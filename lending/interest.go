package lending

import "github.com/shopspring/decimal"

// TierModel maps pool utilization to a borrow rate. Rates step up as the pool
// runs closer to empty so borrowing the last liquidity costs the most.
type TierModel struct {
	tiers []tier
	base  decimal.Decimal
}

type tier struct {
	floor decimal.Decimal
	rate  decimal.Decimal
}

// DefaultTiers returns the protocol's standard rate ladder.
func DefaultTiers() TierModel {
	return TierModel{
		tiers: []tier{
			{floor: decimal.RequireFromString("0.9"), rate: decimal.RequireFromString("0.12")},
			{floor: decimal.RequireFromString("0.8"), rate: decimal.RequireFromString("0.11")},
			{floor: decimal.RequireFromString("0.7"), rate: decimal.RequireFromString("0.10")},
			{floor: decimal.RequireFromString("0.6"), rate: decimal.RequireFromString("0.09")},
		},
		base: decimal.RequireFromString("0.08"),
	}
}

// Rate returns the borrow rate for the given utilization.
func (m TierModel) Rate(utilization decimal.Decimal) decimal.Decimal {
	for _, t := range m.tiers {
		if utilization.GreaterThan(t.floor) {
			return t.rate
		}
	}
	return m.base
}

// Utilization is borrowed over supplied, zero when nothing is supplied.
func Utilization(supplied, borrowed decimal.Decimal) decimal.Decimal {
	if supplied.Sign() <= 0 {
		return decimal.Zero
	}
	return borrowed.DivRound(supplied, 18)
}
