// Package liquidation closes out underwater loans: a liquidator repays part
// of the obligation and is paid from the borrower's collateral at a premium.
package liquidation

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"degenlend/asset"
	"degenlend/capability"
	"degenlend/collateral"
	"degenlend/config"
	"degenlend/errs"
	"degenlend/ledger"
	"degenlend/lending"
	"degenlend/loan"
	"degenlend/oracle"
	"degenlend/vault"
)

// criticalHealth is the point below which a loan may be repaid in full in one
// action; above it the close factor caps the repayment.
var criticalHealth = decimal.RequireFromString("0.5")

// LendingRegistry resolves the lending pool for a borrow asset.
type LendingRegistry interface {
	LendingPool(a asset.ID) (*lending.Pool, bool)
}

// CollateralRegistry resolves the collateral pool for a collateral asset.
type CollateralRegistry interface {
	CollateralPool(a asset.ID) (*collateral.Pool, bool)
}

// Engine liquidates bad loans across all registered market pairs.
type Engine struct {
	params config.Params

	pools       LendingRegistry
	collaterals CollateralRegistry
	ledger      *ledger.Ledger
	loans       *loan.Store
	feed        *oracle.Feed

	admin capability.Token
}

// NewEngine wires a liquidation engine over the pool registries.
func NewEngine(params config.Params, pools LendingRegistry, collaterals CollateralRegistry, ldg *ledger.Ledger, loans *loan.Store, feed *oracle.Feed, admin capability.Token) *Engine {
	return &Engine{
		params:      params,
		pools:       pools,
		collaterals: collaterals,
		ledger:      ldg,
		loans:       loans,
		feed:        feed,
		admin:       admin,
	}
}

// Liquidate repays part of a bad loan with the given payment and returns the
// seized collateral: the repayment amount plus the liquidation bonus, in
// collateral units, capped at what the loan has posted.
// The pool's bad-loan set is refreshed against live prices first, so only
// loans that are unhealthy right now can be liquidated. A liquidated loan is
// marked defaulted even when the repayment was partial.
func (e *Engine) Liquidate(loanID uuid.UUID, payment vault.Funds) (vault.Funds, error) {
	if payment.Amount.Sign() <= 0 {
		return vault.Funds{}, fmt.Errorf("%w: repayment amount must be positive", errs.Validation)
	}
	rec, err := e.loans.Get(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	if payment.Asset != rec.Asset {
		return vault.Funds{}, fmt.Errorf("%w: repayment in %s, loan is in %s", errs.Validation, payment.Asset, rec.Asset)
	}
	lp, ok := e.pools.LendingPool(rec.Asset)
	if !ok {
		return vault.Funds{}, fmt.Errorf("%w: no lending pool for %s", errs.State, rec.Asset)
	}
	cp, ok := e.collaterals.CollateralPool(rec.CollateralAsset)
	if !ok {
		return vault.Funds{}, fmt.Errorf("%w: no collateral pool for %s", errs.State, rec.CollateralAsset)
	}
	if err := lp.RefreshBadLoans(); err != nil {
		return vault.Funds{}, err
	}
	bad, err := lp.IsBadLoan(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	if !bad {
		return vault.Funds{}, fmt.Errorf("%w: loan %s is not liquidatable", errs.Policy, loanID)
	}
	// Reload for the refreshed risk figures.
	rec, err = e.loans.Get(loanID)
	if err != nil {
		return vault.Funds{}, err
	}

	maxRepay := rec.Remaining()
	if rec.HealthFactor.GreaterThanOrEqual(criticalHealth) {
		maxRepay = maxRepay.Mul(e.params.CloseFactor)
	}
	if payment.Amount.GreaterThan(maxRepay) {
		return vault.Funds{}, fmt.Errorf("%w: repayment %s exceeds maximum %s", errs.Policy, payment.Amount, maxRepay)
	}

	collateralPrice, err := e.feed.GetPrice(rec.CollateralAsset)
	if err != nil {
		return vault.Funds{}, err
	}
	// The bonus is applied to the repayment amount directly, in collateral
	// units, with no price conversion between the two assets.
	bonus := decimal.NewFromInt(1).Add(e.params.LiquidationBonus)
	seizeAmount := payment.Amount.Mul(bonus)
	if seizeAmount.GreaterThan(rec.CollateralAmount) {
		seizeAmount = rec.CollateralAmount
	}

	owner := rec.Owner
	borrowAsset := rec.Asset
	collateralAsset := rec.CollateralAsset
	if _, err := lp.ApplyRepayment(e.admin, loanID, payment); err != nil {
		return vault.Funds{}, err
	}
	seized, err := cp.Seize(e.admin, seizeAmount)
	if err != nil {
		return vault.Funds{}, err
	}
	if err := e.ledger.DecreaseCollateralBalance(e.admin, owner, collateralAsset, seizeAmount); err != nil {
		return vault.Funds{}, err
	}

	rec, err = e.loans.Get(loanID)
	if err != nil {
		return vault.Funds{}, err
	}
	rec.Status = loan.Defaulted
	rec.CollateralAmount = rec.CollateralAmount.Sub(seizeAmount)
	rec.CollateralValueUSD = rec.CollateralAmount.Mul(collateralPrice)
	rec.HealthFactor = loan.ComputeHealthFactor(rec.CollateralAmount, collateralPrice, e.params.CollateralFactor, rec.Remaining())
	rec.LiquidationPrice = loan.ComputeLiquidationPrice(rec.Remaining(), collateralPrice, rec.CollateralAmount, e.params.MinCollateralization)
	if err := e.loans.Put(e.admin, rec); err != nil {
		return vault.Funds{}, err
	}

	if err := e.ledger.CloseLoan(e.admin, owner, borrowAsset, loanID); err != nil {
		return vault.Funds{}, err
	}
	if err := e.ledger.RecordDefault(e.admin, owner); err != nil {
		return vault.Funds{}, err
	}
	if err := e.ledger.DecreaseCreditScore(e.admin, owner, e.params.DefaultCreditPenalty); err != nil {
		return vault.Funds{}, err
	}
	return seized, nil
}
