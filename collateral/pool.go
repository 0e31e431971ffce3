// Package collateral custodies the assets users post against their borrows
// and enforces that collateral cannot leave while current loans depend on it.
package collateral

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/capability"
	"degenlend/config"
	"degenlend/errs"
	"degenlend/ledger"
	"degenlend/loan"
	"degenlend/oracle"
	"degenlend/vault"
)

// LendingBridge receives funds the pool releases when a user converts
// collateral back into supplied liquidity. The counterpart lending pool
// implements it.
type LendingBridge interface {
	AcceptDeposit(tok capability.Token, f vault.Funds) error
}

// Pool is the collateral side of a market pair.
type Pool struct {
	asset  asset.ID
	params config.Params

	vault  *vault.Vault
	ledger *ledger.Ledger
	loans  *loan.Store
	feed   *oracle.Feed

	admin   capability.Token
	gate    *capability.Gate
	lending LendingBridge
}

// NewPool wires a collateral pool for the asset.
func NewPool(a asset.ID, params config.Params, v *vault.Vault, ldg *ledger.Ledger, loans *loan.Store, feed *oracle.Feed, admin capability.Token, gate *capability.Gate) (*Pool, error) {
	if !asset.Valid(a) {
		return nil, fmt.Errorf("%w: invalid asset %q", errs.Validation, a)
	}
	if v.Asset() != a {
		return nil, fmt.Errorf("%w: vault holds %s, pool wants %s", errs.Validation, v.Asset(), a)
	}
	return &Pool{
		asset:  a,
		params: params,
		vault:  v,
		ledger: ldg,
		loans:  loans,
		feed:   feed,
		admin:  admin,
		gate:   gate,
	}, nil
}

// SetLendingBridge connects the counterpart lending pool. Must be called
// before conversions are used.
func (p *Pool) SetLendingBridge(b LendingBridge) { p.lending = b }

// Asset returns the pool's collateral asset.
func (p *Pool) Asset() asset.ID { return p.asset }

// TotalCollateral reports the collateral currently held in custody.
func (p *Pool) TotalCollateral() decimal.Decimal { return p.vault.Balance() }

// Deposit posts collateral on behalf of the user.
func (p *Pool) Deposit(user uuid.UUID, f vault.Funds) error {
	if f.Asset != p.asset {
		return fmt.Errorf("%w: deposit in %s, pool holds %s", errs.Validation, f.Asset, p.asset)
	}
	if f.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", errs.Validation)
	}
	if err := p.ledger.IncreaseCollateralBalance(p.admin, user, p.asset, f.Amount); err != nil {
		return err
	}
	return p.vault.Deposit(f)
}

// DepositAdditional tops up the collateral backing an existing current loan
// and refreshes the loan's risk figures.
func (p *Pool) DepositAdditional(user, loanID uuid.UUID, f vault.Funds) error {
	if f.Asset != p.asset {
		return fmt.Errorf("%w: deposit in %s, pool holds %s", errs.Validation, f.Asset, p.asset)
	}
	if f.Amount.Sign() <= 0 {
		return fmt.Errorf("%w: deposit amount must be positive", errs.Validation)
	}
	rec, err := p.loans.Get(loanID)
	if err != nil {
		return err
	}
	if rec.Owner != user {
		return fmt.Errorf("%w: loan %s not owned by caller", errs.Unauthorized, loanID)
	}
	if rec.Status != loan.Current {
		return fmt.Errorf("%w: loan %s is %s", errs.State, loanID, rec.Status)
	}
	if rec.CollateralAsset != p.asset {
		return fmt.Errorf("%w: loan %s is collateralized in %s", errs.Validation, loanID, rec.CollateralAsset)
	}
	price, err := p.feed.GetPrice(p.asset)
	if err != nil {
		return err
	}
	if err := p.ledger.IncreaseCollateralBalance(p.admin, user, p.asset, f.Amount); err != nil {
		return err
	}
	if err := p.vault.Deposit(f); err != nil {
		return err
	}
	owed := rec.Remaining()
	rec.CollateralAmount = rec.CollateralAmount.Add(f.Amount)
	rec.CollateralValueUSD = rec.CollateralAmount.Mul(price)
	rec.HealthFactor = loan.ComputeHealthFactor(rec.CollateralAmount, price, p.params.CollateralFactor, owed)
	rec.LiquidationPrice = loan.ComputeLiquidationPrice(owed, price, rec.CollateralAmount, p.params.MinCollateralization)
	return p.loans.Put(p.admin, rec)
}

// AcceptCollateral is the privileged entry the lending pool uses when a user
// converts supplied liquidity into collateral. The ledger buckets are moved
// by the caller; this pool only takes custody.
func (p *Pool) AcceptCollateral(tok capability.Token, f vault.Funds) error {
	if err := p.gate.Authorize(tok); err != nil {
		return err
	}
	return p.vault.Deposit(f)
}

// ConvertToDeposit moves posted collateral back into the user's supplied
// balance. Refused while the user carries any current loan.
func (p *Pool) ConvertToDeposit(user uuid.UUID, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return fmt.Errorf("%w: conversion amount must be positive", errs.Validation)
	}
	if p.lending == nil {
		return fmt.Errorf("%w: no lending pool attached to %s", errs.State, p.asset)
	}
	open, err := p.ledger.HasOpenLoans(user)
	if err != nil {
		return err
	}
	if open {
		return fmt.Errorf("%w: collateral locked by current loans", errs.Policy)
	}
	if err := p.ledger.ConvertCollateralToDeposit(p.admin, user, p.asset, amount); err != nil {
		return err
	}
	funds, err := p.vault.Withdraw(amount)
	if err != nil {
		return err
	}
	return p.lending.AcceptDeposit(p.admin, funds)
}

// Redeem returns posted collateral to the user. Refused while the user
// carries any current loan.
func (p *Pool) Redeem(user uuid.UUID, amount decimal.Decimal) (vault.Funds, error) {
	if amount.Sign() <= 0 {
		return vault.Funds{}, fmt.Errorf("%w: redeem amount must be positive", errs.Validation)
	}
	open, err := p.ledger.HasOpenLoans(user)
	if err != nil {
		return vault.Funds{}, err
	}
	if open {
		return vault.Funds{}, fmt.Errorf("%w: collateral locked by current loans", errs.Policy)
	}
	if err := p.ledger.DecreaseCollateralBalance(p.admin, user, p.asset, amount); err != nil {
		return vault.Funds{}, err
	}
	return p.vault.Withdraw(amount)
}

// Seize is the privileged withdrawal used by the liquidation engine. Account
// and loan adjustments are the caller's responsibility.
func (p *Pool) Seize(tok capability.Token, amount decimal.Decimal) (vault.Funds, error) {
	if err := p.gate.Authorize(tok); err != nil {
		return vault.Funds{}, err
	}
	return p.vault.Withdraw(amount)
}
