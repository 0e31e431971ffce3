// Package config carries the governance-controlled protocol parameters. The
// values load from TOML so deployments can tune risk limits without a rebuild.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/shopspring/decimal"
)

// Params groups the risk and fee parameters applied by the pools and the
// liquidation engine. All ratios are plain decimals: 0.75 means 75%.
type Params struct {
	// MaxLoanToValue caps a new borrow relative to the collateral value.
	MaxLoanToValue decimal.Decimal `toml:"MaxLoanToValue"`
	// CollateralFactor discounts collateral value in health computations.
	CollateralFactor decimal.Decimal `toml:"CollateralFactor"`
	// OriginationFeeRate is the one-time charge applied to borrowed principal.
	OriginationFeeRate decimal.Decimal `toml:"OriginationFeeRate"`
	// MinHealthFactor is the threshold below which a loan becomes liquidatable.
	MinHealthFactor decimal.Decimal `toml:"MinHealthFactor"`
	// CloseFactor bounds the share of a loan a liquidator may repay in one
	// action while the loan is not critically unhealthy.
	CloseFactor decimal.Decimal `toml:"CloseFactor"`
	// LiquidationBonus is the premium paid to liquidators from seized
	// collateral.
	LiquidationBonus decimal.Decimal `toml:"LiquidationBonus"`
	// MinCollateralization scales the recorded liquidation price.
	MinCollateralization decimal.Decimal `toml:"MinCollateralization"`
	// PayoffCreditReward is added to the credit score on full repayment.
	PayoffCreditReward uint64 `toml:"PayoffCreditReward"`
	// DefaultCreditPenalty is subtracted (saturating at zero) on liquidation.
	DefaultCreditPenalty uint64 `toml:"DefaultCreditPenalty"`
}

// DefaultParams returns the parameters the protocol ships with.
func DefaultParams() Params {
	return Params{
		MaxLoanToValue:       decimal.RequireFromString("0.75"),
		CollateralFactor:     decimal.RequireFromString("0.75"),
		OriginationFeeRate:   decimal.RequireFromString("0.01"),
		MinHealthFactor:      decimal.RequireFromString("1.0"),
		CloseFactor:          decimal.RequireFromString("0.5"),
		LiquidationBonus:     decimal.RequireFromString("0.05"),
		MinCollateralization: decimal.RequireFromString("1.0"),
		PayoffCreditReward:   20,
		DefaultCreditPenalty: 80,
	}
}

// Load reads parameters from the given TOML file, starting from defaults so
// partial files stay valid.
func Load(path string) (Params, error) {
	params := DefaultParams()
	data, err := os.ReadFile(path)
	if err != nil {
		return Params{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &params); err != nil {
		return Params{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := params.Validate(); err != nil {
		return Params{}, err
	}
	return params, nil
}

// Validate ensures the parameters are internally consistent.
func (p Params) Validate() error {
	one := decimal.NewFromInt(1)
	ratio := func(name string, v decimal.Decimal) error {
		if v.Sign() <= 0 || v.GreaterThan(one) {
			return fmt.Errorf("config: %s must be in (0, 1], got %s", name, v)
		}
		return nil
	}
	if err := ratio("MaxLoanToValue", p.MaxLoanToValue); err != nil {
		return err
	}
	if err := ratio("CollateralFactor", p.CollateralFactor); err != nil {
		return err
	}
	if err := ratio("CloseFactor", p.CloseFactor); err != nil {
		return err
	}
	if p.OriginationFeeRate.Sign() < 0 || p.OriginationFeeRate.GreaterThanOrEqual(one) {
		return fmt.Errorf("config: OriginationFeeRate must be in [0, 1), got %s", p.OriginationFeeRate)
	}
	if p.MinHealthFactor.Sign() <= 0 {
		return fmt.Errorf("config: MinHealthFactor must be positive, got %s", p.MinHealthFactor)
	}
	if p.LiquidationBonus.Sign() < 0 {
		return fmt.Errorf("config: LiquidationBonus must be non-negative, got %s", p.LiquidationBonus)
	}
	if p.MinCollateralization.Sign() <= 0 {
		return fmt.Errorf("config: MinCollateralization must be positive, got %s", p.MinCollateralization)
	}
	return nil
}
